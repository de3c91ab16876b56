// ABOUTME: Sentinel errors returned by the offline store
// ABOUTME: Callers match them with errors.Is to surface quota and tenant violations
package store

import "errors"

var (
	// ErrQuotaExceeded means the pending-mutation queue is full. The edit was
	// not recorded; the user must connect so the backlog can drain.
	ErrQuotaExceeded = errors.New("sync backlog full, connect to network")

	// ErrTenantForbidden means the session is not scoped to the tenant.
	ErrTenantForbidden = errors.New("tenant not permitted for this session")

	// ErrCrossTenant means a record or mutation names a tenant other than the
	// scoped one.
	ErrCrossTenant = errors.New("cross-tenant access rejected")

	// ErrNotFound means the record, mutation, or cache entry does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState means the mutation is not in a state that allows the
	// requested transition.
	ErrInvalidState = errors.New("invalid mutation state")

	// ErrInvalid means the record or mutation is malformed.
	ErrInvalid = errors.New("invalid input")
)
