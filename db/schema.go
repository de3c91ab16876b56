// ABOUTME: Reference sync server schema
// ABOUTME: Versioned entities plus the applied-mutation log used for idempotent replays
package db

import (
	"database/sql"
)

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	tenant_id TEXT NOT NULL,
	entity_type TEXT NOT NULL CHECK(entity_type IN ('analysis', 'lead')),
	entity_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	updated_at DATETIME NOT NULL,
	fields TEXT NOT NULL DEFAULT '{}',
	deleted INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, entity_type, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_entities_updated_at ON entities(tenant_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS applied_mutations (
	mutation_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	operation TEXT NOT NULL CHECK(operation IN ('create', 'update', 'delete')),
	response TEXT NOT NULL,
	applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_applied_mutations_entity ON applied_mutations(tenant_id, entity_type, entity_id);
`

func InitSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
