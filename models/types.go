// ABOUTME: Data models for offline clinic records and the sync queue
// ABOUTME: Defines Record, Mutation, Conflict, Snapshot, and their state constants
package models

import (
	"time"
)

// EntityType names the kind of tenant-scoped record.
type EntityType string

const (
	EntityAnalysis EntityType = "analysis"
	EntityLead     EntityType = "lead"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	return t == EntityAnalysis || t == EntityLead
}

// Operation is the kind of change a mutation applies.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	return op == OpCreate || op == OpUpdate || op == OpDelete
}

// SyncStatus is the record-level sync badge.
type SyncStatus string

const (
	SyncStatusSynced     SyncStatus = "synced"
	SyncStatusPending    SyncStatus = "pending"
	SyncStatusConflicted SyncStatus = "conflicted"
)

// MutationState tracks one mutation through the sync state machine.
// Only pending, conflicted, manual_pending and abandoned are persisted.
// Submitting, resolving, synced and failed are never stored; a drain pass
// reports them through its progress events.
type MutationState string

const (
	StatePending       MutationState = "pending"
	StateSubmitting    MutationState = "submitting"
	StateSynced        MutationState = "synced"
	StateConflicted    MutationState = "conflicted"
	StateResolving     MutationState = "resolving"
	StateManualPending MutationState = "manual_pending"
	StateFailed        MutationState = "failed"
	StateAbandoned     MutationState = "abandoned"
)

// Blocking reports whether a mutation in this state holds back later
// mutations for the same entity.
func (s MutationState) Blocking() bool {
	return s == StateManualPending || s == StateAbandoned
}

// Fields is a JSON object payload.
type Fields map[string]any

// Clone returns a shallow copy of f. Nested values are shared.
func (f Fields) Clone() Fields {
	if f == nil {
		return Fields{}
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Record is a cached analysis or lead.
type Record struct {
	TenantID      string     `json:"tenant_id"`
	EntityType    EntityType `json:"entity_type"`
	EntityID      string     `json:"entity_id"`
	StaffID       string     `json:"staff_id,omitempty"`
	Fields        Fields     `json:"fields"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LocalVersion  int64      `json:"local_version"`
	ServerVersion int64      `json:"server_version"`
	SyncStatus    SyncStatus `json:"sync_status"`
	Deleted       bool       `json:"deleted,omitempty"`
}

// Mutation is one queued staff action awaiting server acknowledgement.
type Mutation struct {
	ID              string        `json:"id"`
	Seq             uint64        `json:"seq"`
	TenantID        string        `json:"tenant_id"`
	EntityType      EntityType    `json:"entity_type"`
	EntityID        string        `json:"entity_id"`
	Operation       Operation     `json:"operation"`
	Payload         Fields        `json:"payload,omitempty"`
	BaseVersion     int64         `json:"base_version"`
	ClientTimestamp time.Time     `json:"client_timestamp"`
	AttemptCount    int           `json:"attempt_count"`
	State           MutationState `json:"state"`
	LastError       string        `json:"last_error,omitempty"`
	NextAttemptAt   time.Time     `json:"next_attempt_at,omitempty"`
	Resubmitted     bool          `json:"resubmitted,omitempty"`
	Conflict        *Conflict     `json:"conflict,omitempty"`
}

// EntityKey identifies the entity a mutation targets within its tenant.
func (m *Mutation) EntityKey() string {
	return string(m.EntityType) + "/" + m.EntityID
}

// Snapshot is the server's current view of an entity.
type Snapshot struct {
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
	Fields    Fields    `json:"fields,omitempty"`
	Deleted   bool      `json:"deleted,omitempty"`
}

// Ack is the server acknowledgement of an applied mutation.
type Ack struct {
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FieldConflict carries both candidates for a field that needs a human decision.
type FieldConflict struct {
	Field  string `json:"field"`
	Local  any    `json:"local"`
	Server any    `json:"server"`
}

// Conflict records a divergence between a queued mutation and the server.
type Conflict struct {
	MutationID   string          `json:"mutation_id"`
	TenantID     string          `json:"tenant_id"`
	EntityType   EntityType      `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	LocalPayload Fields          `json:"local_payload,omitempty"`
	Server       Snapshot        `json:"server"`
	Fields       []FieldConflict `json:"fields,omitempty"`
	DetectedAt   time.Time       `json:"detected_at"`
}

// Interaction types logged against a lead.
const (
	InteractionCall    = "call"
	InteractionEmail   = "email"
	InteractionMeeting = "meeting"
	InteractionMessage = "message"
	InteractionVisit   = "visit"
)

// Interaction is one entry of a lead's interaction_history collection.
type Interaction struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Notes     string    `json:"notes,omitempty"`
}

// AsField converts the interaction to the JSON-object form stored in payloads.
func (i Interaction) AsField() map[string]any {
	out := map[string]any{
		"id":        i.ID,
		"timestamp": i.Timestamp.UTC().Format(time.RFC3339Nano),
		"type":      i.Type,
	}
	if i.Notes != "" {
		out["notes"] = i.Notes
	}
	return out
}

// Lead status constants.
const (
	LeadStatusNew       = "new"
	LeadStatusContacted = "contacted"
	LeadStatusHot       = "hot"
	LeadStatusWarm      = "warm"
	LeadStatusCold      = "cold"
	LeadStatusClosed    = "closed"
)

// Well-known payload field names.
const (
	FieldStatus              = "status"
	FieldDisposition         = "disposition"
	FieldFollowUpDate        = "follow_up_date"
	FieldConvertedToCustomer = "converted_to_customer"
	FieldInteractionHistory  = "interaction_history"
	FieldNotes               = "notes"
)

// ClinicInfo is clinic metadata cached for offline use.
type ClinicInfo struct {
	TenantID string            `json:"tenant_id"`
	Name     string            `json:"name"`
	Timezone string            `json:"timezone,omitempty"`
	Settings map[string]string `json:"settings,omitempty"`
	CachedAt time.Time         `json:"cached_at"`
}

// Stats summarises local storage for one tenant.
type Stats struct {
	TenantID        string     `json:"tenant_id"`
	Analyses        int        `json:"analyses"`
	Leads           int        `json:"leads"`
	Pending         int        `json:"pending"`
	Conflicted      int        `json:"conflicted"`
	Abandoned       int        `json:"abandoned"`
	EstimatedSizeKB float64    `json:"estimated_size_kb"`
	LastCleanup     *time.Time `json:"last_cleanup,omitempty"`
}
