// ABOUTME: Wire format of the remote sync endpoint shared by client and reference server
// ABOUTME: POST /sync/mutation request plus its success and conflict response bodies
package models

import (
	"errors"
	"time"
)

// SubmitRequest is the body of POST /sync/mutation.
type SubmitRequest struct {
	MutationID      string     `json:"mutationId"`
	TenantID        string     `json:"tenantId"`
	EntityType      EntityType `json:"entityType"`
	EntityID        string     `json:"entityId"`
	Operation       Operation  `json:"operation"`
	Payload         Fields     `json:"payload,omitempty"`
	BaseVersion     int64      `json:"baseVersion"`
	ClientTimestamp time.Time  `json:"clientTimestamp"`
}

// NewSubmitRequest builds the wire request for m.
func NewSubmitRequest(m Mutation) SubmitRequest {
	return SubmitRequest{
		MutationID:      m.ID,
		TenantID:        m.TenantID,
		EntityType:      m.EntityType,
		EntityID:        m.EntityID,
		Operation:       m.Operation,
		Payload:         m.Payload,
		BaseVersion:     m.BaseVersion,
		ClientTimestamp: m.ClientTimestamp,
	}
}

// Validate checks the request is well formed.
func (r SubmitRequest) Validate() error {
	switch {
	case r.MutationID == "":
		return errors.New("mutationId is required")
	case r.TenantID == "":
		return errors.New("tenantId is required")
	case !r.EntityType.Valid():
		return errors.New("entityType must be analysis or lead")
	case r.EntityID == "":
		return errors.New("entityId is required")
	case !r.Operation.Valid():
		return errors.New("operation must be create, update or delete")
	case r.BaseVersion < 0:
		return errors.New("baseVersion must not be negative")
	case r.ClientTimestamp.IsZero():
		return errors.New("clientTimestamp is required")
	}
	return nil
}

// ConflictResponse is the 409 body of POST /sync/mutation.
type ConflictResponse struct {
	ServerSnapshot Snapshot `json:"serverSnapshot"`
}

// ErrorResponse is the body of 4xx and 5xx responses.
type ErrorResponse struct {
	Error string `json:"error"`
}
