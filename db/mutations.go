// ABOUTME: Optimistically versioned entity writes for the reference sync server
// ABOUTME: Applies mutations once per id, detects stale base versions, and replays stored acknowledgements
package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harperreed/clinicsync/models"
)

// ErrInvalidMutation means the request failed validation.
var ErrInvalidMutation = errors.New("invalid mutation")

// ApplyStatus is the outcome of ApplyMutation.
type ApplyStatus string

const (
	StatusApplied  ApplyStatus = "applied"
	StatusConflict ApplyStatus = "conflict"
)

// ApplyResult carries the acknowledgement or the conflicting snapshot.
type ApplyResult struct {
	Status   ApplyStatus
	Ack      models.Ack
	Snapshot models.Snapshot
	// Replayed is set when the mutation id had already been applied.
	Replayed bool
}

// ApplyMutation applies req in one transaction. A mutation id that was applied
// before returns the stored acknowledgement without writing. A base version
// other than the stored one returns the current snapshot as a conflict; a
// missing entity has version 0.
func ApplyMutation(db *sql.DB, req models.SubmitRequest) (*ApplyResult, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var response string
	err = tx.QueryRow(`SELECT response FROM applied_mutations WHERE mutation_id = ?`, req.MutationID).Scan(&response)
	switch {
	case err == nil:
		var ack models.Ack
		if err := json.Unmarshal([]byte(response), &ack); err != nil {
			return nil, fmt.Errorf("failed to decode stored response: %w", err)
		}
		return &ApplyResult{Status: StatusApplied, Ack: ack, Replayed: true}, nil
	case err != sql.ErrNoRows:
		return nil, fmt.Errorf("failed to look up mutation: %w", err)
	}

	current, err := loadEntity(tx, req.TenantID, req.EntityType, req.EntityID)
	if err != nil {
		return nil, err
	}
	var snap models.Snapshot
	if current != nil {
		snap = *current
	} else {
		snap = models.Snapshot{Deleted: true}
	}

	if req.BaseVersion != snap.Version {
		return &ApplyResult{Status: StatusConflict, Snapshot: snap}, nil
	}

	fields := snap.Fields.Clone()
	deleted := snap.Deleted
	switch req.Operation {
	case models.OpDelete:
		deleted = true
	default:
		for k, v := range req.Payload {
			fields[k] = v
		}
		deleted = false
	}

	updatedAt := req.ClientTimestamp.UTC()
	if snap.UpdatedAt.After(updatedAt) {
		updatedAt = snap.UpdatedAt.UTC()
	}
	ack := models.Ack{Version: snap.Version + 1, UpdatedAt: updatedAt}

	encoded, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fields: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO entities (tenant_id, entity_type, entity_id, version, updated_at, fields, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, entity_type, entity_id) DO UPDATE SET
			version = excluded.version,
			updated_at = excluded.updated_at,
			fields = excluded.fields,
			deleted = excluded.deleted
	`, req.TenantID, string(req.EntityType), req.EntityID, ack.Version, ack.UpdatedAt, string(encoded), deleted)
	if err != nil {
		return nil, fmt.Errorf("failed to write entity: %w", err)
	}

	stored, err := json.Marshal(ack)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO applied_mutations (mutation_id, tenant_id, entity_type, entity_id, operation, response, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, req.MutationID, req.TenantID, string(req.EntityType), req.EntityID, string(req.Operation), string(stored), time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to record mutation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit mutation: %w", err)
	}
	return &ApplyResult{Status: StatusApplied, Ack: ack}, nil
}

// GetEntity returns the stored snapshot, or nil when the entity was never written.
func GetEntity(db *sql.DB, tenantID string, entityType models.EntityType, entityID string) (*models.Snapshot, error) {
	return loadEntity(db, tenantID, entityType, entityID)
}

type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

func loadEntity(q queryRower, tenantID string, entityType models.EntityType, entityID string) (*models.Snapshot, error) {
	var snap models.Snapshot
	var fields string
	err := q.QueryRow(`
		SELECT version, updated_at, fields, deleted
		FROM entities
		WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?
	`, tenantID, string(entityType), entityID).Scan(&snap.Version, &snap.UpdatedAt, &fields, &snap.Deleted)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}

	if err := json.Unmarshal([]byte(fields), &snap.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode entity fields: %w", err)
	}
	return &snap, nil
}

// AppliedCount returns how many mutations were applied for one entity.
func AppliedCount(db *sql.DB, tenantID string, entityType models.EntityType, entityID string) (int, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM applied_mutations
		WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?
	`, tenantID, string(entityType), entityID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count applied mutations: %w", err)
	}
	return n, nil
}

// SeedEntity writes a snapshot directly, bypassing version checks. It is used
// to load fixtures and by operators repairing data.
func SeedEntity(db *sql.DB, tenantID string, entityType models.EntityType, entityID string, snap models.Snapshot) error {
	encoded, err := json.Marshal(snap.Fields.Clone())
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}
	_, err = db.Exec(`
		INSERT INTO entities (tenant_id, entity_type, entity_id, version, updated_at, fields, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, entity_type, entity_id) DO UPDATE SET
			version = excluded.version,
			updated_at = excluded.updated_at,
			fields = excluded.fields,
			deleted = excluded.deleted
	`, tenantID, string(entityType), entityID, snap.Version, snap.UpdatedAt.UTC(), string(encoded), snap.Deleted)
	if err != nil {
		return fmt.Errorf("failed to seed entity: %w", err)
	}
	return nil
}

// EntitySummary is one row of the server dashboard.
type EntitySummary struct {
	TenantID   string
	EntityType models.EntityType
	EntityID   string
	Version    int64
	UpdatedAt  time.Time
	Deleted    bool
}

// ListRecentEntities returns the most recently updated entities across tenants.
func ListRecentEntities(db *sql.DB, limit int) ([]EntitySummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT tenant_id, entity_type, entity_id, version, updated_at, deleted
		FROM entities
		ORDER BY updated_at DESC, tenant_id, entity_type, entity_id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var out []EntitySummary
	for rows.Next() {
		var e EntitySummary
		var entityType string
		if err := rows.Scan(&e.TenantID, &entityType, &e.EntityID, &e.Version, &e.UpdatedAt, &e.Deleted); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		e.EntityType = models.EntityType(entityType)
		out = append(out, e)
	}
	return out, rows.Err()
}
