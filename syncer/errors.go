// ABOUTME: Error values produced while submitting mutations to the remote
// ABOUTME: Classifies failures as conflicts, transient faults, or permanent rejections
package syncer

import (
	"errors"
	"fmt"

	"github.com/harperreed/clinicsync/models"
)

var (
	// ErrServer is a 5xx response. It is retried with backoff.
	ErrServer = errors.New("sync server error")

	// ErrNetwork means the request never produced a response.
	ErrNetwork = errors.New("sync server unreachable")

	// ErrRejected is a non-conflict 4xx response. It is not retried.
	ErrRejected = errors.New("mutation rejected by server")

	// ErrManualResolutionRequired means a manual resolution did not choose a
	// value for every conflicting field.
	ErrManualResolutionRequired = errors.New("manual resolution required")

	// ErrAbandoned wraps the cause recorded on a mutation that will not be
	// submitted again until it is explicitly retried.
	ErrAbandoned = errors.New("mutation abandoned")
)

// ConflictError is a 409 response carrying the server's current snapshot.
type ConflictError struct {
	Snapshot models.Snapshot
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict: server at version %d", e.Snapshot.Version)
}
