// ABOUTME: Tests for versioned mutation application on the reference server
// ABOUTME: Covers create, update merge, conflicts, tombstones, and idempotent replay
package db

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/harperreed/clinicsync/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenDatabase(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func request(id string, op models.Operation, baseVersion int64, at time.Time, payload models.Fields) models.SubmitRequest {
	return models.SubmitRequest{
		MutationID:      id,
		TenantID:        "clinic-a",
		EntityType:      models.EntityLead,
		EntityID:        "lead-1",
		Operation:       op,
		Payload:         payload,
		BaseVersion:     baseVersion,
		ClientTimestamp: at,
	}
}

func TestApplyMutationCreateThenUpdate(t *testing.T) {
	db := openTestDB(t)

	res, err := ApplyMutation(db, request("m1", models.OpCreate, 0, base, models.Fields{"status": "new", "name": "Ada"}))
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)
	assert.Equal(t, int64(1), res.Ack.Version)

	res, err = ApplyMutation(db, request("m2", models.OpUpdate, 1, base.Add(time.Minute), models.Fields{"status": "contacted"}))
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)
	assert.Equal(t, int64(2), res.Ack.Version)

	snap, err := GetEntity(db, "clinic-a", models.EntityLead, "lead-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(2), snap.Version)
	assert.Equal(t, "contacted", snap.Fields["status"])
	assert.Equal(t, "Ada", snap.Fields["name"])
	assert.True(t, snap.UpdatedAt.Equal(base.Add(time.Minute)))
	assert.False(t, snap.Deleted)
}

func TestApplyMutationStaleBaseConflicts(t *testing.T) {
	db := openTestDB(t)

	_, err := ApplyMutation(db, request("m1", models.OpCreate, 0, base, models.Fields{"status": "new"}))
	require.NoError(t, err)
	_, err = ApplyMutation(db, request("m2", models.OpUpdate, 1, base.Add(time.Hour), models.Fields{"status": "hot"}))
	require.NoError(t, err)

	res, err := ApplyMutation(db, request("m3", models.OpUpdate, 1, base.Add(time.Minute), models.Fields{"status": "cold"}))
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, res.Status)
	assert.Equal(t, int64(2), res.Snapshot.Version)
	assert.Equal(t, "hot", res.Snapshot.Fields["status"])

	n, err := AppliedCount(db, "clinic-a", models.EntityLead, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestApplyMutationMissingEntityConflictsAsDeleted(t *testing.T) {
	db := openTestDB(t)

	res, err := ApplyMutation(db, request("m1", models.OpUpdate, 3, base, models.Fields{"status": "hot"}))
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, res.Status)
	assert.Equal(t, int64(0), res.Snapshot.Version)
	assert.True(t, res.Snapshot.Deleted)
}

func TestApplyMutationReplayIsNoop(t *testing.T) {
	db := openTestDB(t)

	req := request("m1", models.OpCreate, 0, base, models.Fields{"status": "new"})
	first, err := ApplyMutation(db, req)
	require.NoError(t, err)

	again, err := ApplyMutation(db, req)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, again.Status)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Ack.Version, again.Ack.Version)

	snap, err := GetEntity(db, "clinic-a", models.EntityLead, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)
}

func TestApplyMutationDeleteLeavesTombstone(t *testing.T) {
	db := openTestDB(t)

	_, err := ApplyMutation(db, request("m1", models.OpCreate, 0, base, models.Fields{"status": "new"}))
	require.NoError(t, err)
	res, err := ApplyMutation(db, request("m2", models.OpDelete, 1, base.Add(time.Minute), nil))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Ack.Version)

	snap, err := GetEntity(db, "clinic-a", models.EntityLead, "lead-1")
	require.NoError(t, err)
	assert.True(t, snap.Deleted)

	res, err = ApplyMutation(db, request("m3", models.OpCreate, 2, base.Add(time.Hour), models.Fields{"status": "hot"}))
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)
	snap, err = GetEntity(db, "clinic-a", models.EntityLead, "lead-1")
	require.NoError(t, err)
	assert.False(t, snap.Deleted)
}

func TestApplyMutationKeepsNewestUpdatedAt(t *testing.T) {
	db := openTestDB(t)

	_, err := ApplyMutation(db, request("m1", models.OpCreate, 0, base.Add(time.Hour), models.Fields{"status": "new"}))
	require.NoError(t, err)
	res, err := ApplyMutation(db, request("m2", models.OpUpdate, 1, base, models.Fields{"name": "Ada"}))
	require.NoError(t, err)
	assert.True(t, res.Ack.UpdatedAt.Equal(base.Add(time.Hour)))
}

func TestApplyMutationValidates(t *testing.T) {
	db := openTestDB(t)

	_, err := ApplyMutation(db, request("", models.OpCreate, 0, base, nil))
	assert.ErrorIs(t, err, ErrInvalidMutation)

	req := request("m1", "upsert", 0, base, nil)
	_, err = ApplyMutation(db, req)
	assert.ErrorIs(t, err, ErrInvalidMutation)
}

func TestEntitiesAreTenantScoped(t *testing.T) {
	db := openTestDB(t)

	_, err := ApplyMutation(db, request("m1", models.OpCreate, 0, base, models.Fields{"status": "new"}))
	require.NoError(t, err)

	snap, err := GetEntity(db, "clinic-b", models.EntityLead, "lead-1")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestSeedEntity(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, SeedEntity(db, "clinic-a", models.EntityLead, "lead-1", models.Snapshot{
		Version:   5,
		UpdatedAt: base,
		Fields:    models.Fields{"status": "warm"},
	}))

	res, err := ApplyMutation(db, request("m1", models.OpUpdate, 5, base.Add(time.Minute), models.Fields{"status": "hot"}))
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.Ack.Version)
}

func TestListRecentEntities(t *testing.T) {
	db := openTestDB(t)

	_, err := ApplyMutation(db, request("m1", models.OpCreate, 0, base, models.Fields{"status": "new"}))
	require.NoError(t, err)
	req := request("m2", models.OpCreate, 0, base.Add(time.Hour), models.Fields{"status": "hot"})
	req.EntityID = "lead-2"
	_, err = ApplyMutation(db, req)
	require.NoError(t, err)

	rows, err := ListRecentEntities(db, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "lead-2", rows[0].EntityID)
	assert.Equal(t, models.EntityLead, rows[1].EntityType)
}
