// ABOUTME: Tests for the conflict resolver and collection merge
// ABOUTME: Covers last-write-wins, tie-breaking, manual fields, interaction unions, and determinism
package conflict

import (
	"testing"
	"time"

	"github.com/harperreed/clinicsync/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t1 = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	t2 = t1.Add(time.Hour)
)

func leadUpdate(ts time.Time, payload models.Fields) models.Mutation {
	return models.Mutation{
		ID:              "m1",
		TenantID:        "clinic-1",
		EntityType:      models.EntityLead,
		EntityID:        "lead-a",
		Operation:       models.OpUpdate,
		Payload:         payload,
		ClientTimestamp: ts,
	}
}

func requireMerged(t *testing.T, out Outcome) *Merged {
	t.Helper()
	merged, ok := out.(*Merged)
	require.True(t, ok, "expected *Merged, got %T", out)
	return merged
}

func TestResolve_ServerNewerWinsScalar(t *testing.T) {
	r := NewDefault()
	local := leadUpdate(t1, models.Fields{"status": models.LeadStatusContacted})
	server := models.Snapshot{Version: 3, UpdatedAt: t2, Fields: models.Fields{"status": models.LeadStatusClosed, "full_name": "Ploy"}}

	merged := requireMerged(t, r.Resolve(local, server))

	assert.Equal(t, models.LeadStatusClosed, merged.Fields["status"])
	assert.Equal(t, "Ploy", merged.Fields["full_name"])
	assert.True(t, merged.Unchanged)
	assert.Equal(t, models.OpUpdate, merged.Operation)
}

func TestResolve_LocalNewerWinsScalar(t *testing.T) {
	r := NewDefault()
	local := leadUpdate(t2, models.Fields{"status": models.LeadStatusWarm})
	server := models.Snapshot{Version: 3, UpdatedAt: t1, Fields: models.Fields{"status": models.LeadStatusHot}}

	merged := requireMerged(t, r.Resolve(local, server))

	assert.Equal(t, models.LeadStatusWarm, merged.Fields["status"])
	assert.False(t, merged.Unchanged)
	assert.Equal(t, []string{"status"}, merged.Changed)
}

func TestResolve_TimestampTiePrefersServer(t *testing.T) {
	r := NewDefault()
	local := leadUpdate(t1, models.Fields{"status": models.LeadStatusWarm, "score": 80})
	server := models.Snapshot{Version: 2, UpdatedAt: t1, Fields: models.Fields{"status": models.LeadStatusHot, "score": 40}}

	merged := requireMerged(t, r.Resolve(local, server))

	assert.Equal(t, models.LeadStatusHot, merged.Fields["status"])
	assert.Equal(t, 40, merged.Fields["score"])
	assert.True(t, merged.Unchanged)
}

func TestResolve_LocalOnlyFieldKept(t *testing.T) {
	r := NewDefault()
	local := leadUpdate(t1, models.Fields{"phone": "+66812345678"})
	server := models.Snapshot{Version: 2, UpdatedAt: t2, Fields: models.Fields{"status": models.LeadStatusHot}}

	merged := requireMerged(t, r.Resolve(local, server))

	assert.Equal(t, "+66812345678", merged.Fields["phone"])
	assert.Equal(t, []string{"phone"}, merged.Changed)
}

func TestResolve_InteractionHistoryUnion(t *testing.T) {
	r := NewDefault()
	i1 := models.Interaction{ID: "i1", Timestamp: t2, Type: models.InteractionEmail, Notes: "client email"}.AsField()
	i2 := models.Interaction{ID: "i2", Timestamp: t1, Type: models.InteractionCall, Notes: "server call"}.AsField()

	local := leadUpdate(t1.Add(-time.Hour), models.Fields{models.FieldInteractionHistory: []any{i1}})
	server := models.Snapshot{Version: 5, UpdatedAt: t2, Fields: models.Fields{models.FieldInteractionHistory: []any{i2}}}

	merged := requireMerged(t, r.Resolve(local, server))

	history, ok := merged.Fields[models.FieldInteractionHistory].([]any)
	require.True(t, ok)
	require.Len(t, history, 2)
	assert.Equal(t, "i2", history[0].(map[string]any)["id"])
	assert.Equal(t, "i1", history[1].(map[string]any)["id"])
	assert.Equal(t, []string{models.FieldInteractionHistory}, merged.Changed)
}

func TestResolve_InteractionHistoryTypedSlice(t *testing.T) {
	r := NewDefault()
	local := leadUpdate(t1, models.Fields{
		models.FieldInteractionHistory: []models.Interaction{{ID: "i1", Timestamp: t1, Type: models.InteractionVisit}},
	})
	server := models.Snapshot{Version: 1, UpdatedAt: t2, Fields: models.Fields{
		models.FieldInteractionHistory: []any{models.Interaction{ID: "i1", Timestamp: t1, Type: models.InteractionVisit}.AsField()},
	}}

	merged := requireMerged(t, r.Resolve(local, server))
	history := merged.Fields[models.FieldInteractionHistory].([]any)
	assert.Len(t, history, 1)
}

func TestResolve_FollowUpDateNeedsManualResolution(t *testing.T) {
	r := NewDefault()
	local := leadUpdate(t2, models.Fields{models.FieldFollowUpDate: "2024-01-25", "status": models.LeadStatusWarm})
	server := models.Snapshot{Version: 4, UpdatedAt: t1, Fields: models.Fields{models.FieldFollowUpDate: "2024-01-20"}}

	out := r.Resolve(local, server)
	manual, ok := out.(*NeedsManualResolution)
	require.True(t, ok, "expected manual resolution, got %T", out)

	require.Len(t, manual.Fields, 1)
	assert.Equal(t, models.FieldConflict{Field: models.FieldFollowUpDate, Local: "2024-01-25", Server: "2024-01-20"}, manual.Fields[0])
	assert.Equal(t, int64(4), manual.Server.Version)
	assert.Equal(t, models.LeadStatusWarm, manual.Local["status"])
}

func TestResolve_AllCriticalFieldsReported(t *testing.T) {
	r := NewDefault()
	local := leadUpdate(t2, models.Fields{
		models.FieldDisposition:         "booked",
		models.FieldFollowUpDate:        "2024-01-25",
		models.FieldConvertedToCustomer: true,
	})
	server := models.Snapshot{Version: 4, UpdatedAt: t1, Fields: models.Fields{
		models.FieldDisposition:         "lost",
		models.FieldFollowUpDate:        "2024-01-20",
		models.FieldConvertedToCustomer: false,
	}}

	manual, ok := r.Resolve(local, server).(*NeedsManualResolution)
	require.True(t, ok)
	require.Len(t, manual.Fields, 3)
	assert.Equal(t, models.FieldConvertedToCustomer, manual.Fields[0].Field)
	assert.Equal(t, models.FieldDisposition, manual.Fields[1].Field)
	assert.Equal(t, models.FieldFollowUpDate, manual.Fields[2].Field)
}

func TestResolve_ManualFieldFlaggedWhenOnlyOtherFieldsMoved(t *testing.T) {
	// The server still holds the value the device started from and only the
	// status moved. With no base value on hand this is still escalated.
	r := NewDefault()
	local := leadUpdate(t2, models.Fields{models.FieldFollowUpDate: "2024-01-25"})
	server := models.Snapshot{Version: 5, UpdatedAt: t1, Fields: models.Fields{
		models.FieldFollowUpDate: "2024-01-20",
		"status":                 models.LeadStatusCold,
	}}

	manual, ok := r.Resolve(local, server).(*NeedsManualResolution)
	require.True(t, ok)
	require.Len(t, manual.Fields, 1)
	assert.Equal(t, models.FieldFollowUpDate, manual.Fields[0].Field)
}

func TestResolve_ManualFieldWithoutServerValueApplies(t *testing.T) {
	r := NewDefault()
	local := leadUpdate(t1, models.Fields{models.FieldFollowUpDate: "2024-02-01"})
	server := models.Snapshot{Version: 2, UpdatedAt: t2, Fields: models.Fields{"status": models.LeadStatusHot}}

	merged := requireMerged(t, r.Resolve(local, server))
	assert.Equal(t, "2024-02-01", merged.Fields[models.FieldFollowUpDate])
}

func TestResolve_ManualFieldSameValueIsNotConflict(t *testing.T) {
	r := NewDefault()
	local := leadUpdate(t1, models.Fields{models.FieldConvertedToCustomer: true})
	server := models.Snapshot{Version: 2, UpdatedAt: t2, Fields: models.Fields{models.FieldConvertedToCustomer: true}}

	merged := requireMerged(t, r.Resolve(local, server))
	assert.True(t, merged.Unchanged)
}

func TestResolve_AnalysisNotesMergedWithSeparator(t *testing.T) {
	r := NewDefault()
	local := models.Mutation{
		EntityType:      models.EntityAnalysis,
		EntityID:        "analysis-1",
		Operation:       models.OpUpdate,
		Payload:         models.Fields{models.FieldNotes: "Client notes: Recommended gentle cleanser"},
		ClientTimestamp: t2,
	}
	server := models.Snapshot{Version: 1, UpdatedAt: t1, Fields: models.Fields{models.FieldNotes: "Server notes: Patient has sensitive skin"}}

	merged := requireMerged(t, r.Resolve(local, server))

	notes := merged.Fields[models.FieldNotes].(string)
	assert.Contains(t, notes, "Server notes")
	assert.Contains(t, notes, "--- Offline Edit ---")
	assert.Contains(t, notes, "Client notes")
}

func TestResolve_DeleteAgainstNewerServer(t *testing.T) {
	r := NewDefault()
	local := models.Mutation{EntityType: models.EntityLead, EntityID: "lead-a", Operation: models.OpDelete, ClientTimestamp: t1}
	server := models.Snapshot{Version: 2, UpdatedAt: t2, Fields: models.Fields{"status": models.LeadStatusHot}}

	merged := requireMerged(t, r.Resolve(local, server))
	assert.True(t, merged.Unchanged)
	assert.Equal(t, models.OpUpdate, merged.Operation)

	local.ClientTimestamp = t2.Add(time.Minute)
	merged = requireMerged(t, r.Resolve(local, server))
	assert.False(t, merged.Unchanged)
	assert.Equal(t, models.OpDelete, merged.Operation)
}

func TestResolve_UpdateAgainstServerDeletion(t *testing.T) {
	r := NewDefault()
	server := models.Snapshot{Version: 3, UpdatedAt: t1, Deleted: true}

	merged := requireMerged(t, r.Resolve(leadUpdate(t2, models.Fields{"status": models.LeadStatusHot}), server))
	assert.Equal(t, models.OpCreate, merged.Operation)
	assert.Equal(t, models.LeadStatusHot, merged.Fields["status"])

	merged = requireMerged(t, r.Resolve(leadUpdate(t1, models.Fields{"status": models.LeadStatusHot}), server))
	assert.Equal(t, models.OpDelete, merged.Operation)
	assert.True(t, merged.Unchanged)
}

func TestResolve_IsDeterministic(t *testing.T) {
	r := NewDefault()
	local := leadUpdate(t2, models.Fields{
		"status":                       models.LeadStatusWarm,
		"score":                        72.5,
		models.FieldInteractionHistory: []any{map[string]any{"id": "i3", "timestamp": t2.Format(time.RFC3339)}},
	})
	server := models.Snapshot{Version: 9, UpdatedAt: t1, Fields: models.Fields{
		"status":                       models.LeadStatusCold,
		models.FieldInteractionHistory: []any{map[string]any{"id": "i1", "timestamp": t1.Format(time.RFC3339)}},
	}}

	first := r.Resolve(local, server)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, r.Resolve(local, server))
	}
}

func TestMergeCollection_SymmetricAndIdempotent(t *testing.T) {
	col := Collection{Field: models.FieldInteractionHistory, IDKey: "id", TimeKey: "timestamp"}
	a := []any{
		map[string]any{"id": "i1", "timestamp": "2024-01-16T00:00:00Z", "type": "email"},
		map[string]any{"id": "i3", "timestamp": "2024-01-14T00:00:00Z", "type": "visit"},
	}
	b := []any{
		map[string]any{"id": "i2", "timestamp": "2024-01-15T00:00:00Z", "type": "call"},
		map[string]any{"id": "i1", "timestamp": "2024-01-16T00:00:00Z", "type": "email"},
	}

	ab := MergeCollection(a, b, col)
	ba := MergeCollection(b, a, col)
	assert.Equal(t, ab, ba)
	require.Len(t, ab, 3)

	var ids []string
	for _, item := range ab {
		ids = append(ids, item.(map[string]any)["id"].(string))
	}
	assert.Equal(t, []string{"i3", "i2", "i1"}, ids)

	assert.Equal(t, ab, MergeCollection(ab, ab, col))
	assert.Equal(t, ab, MergeCollection(ab, a, col))
}

func TestMergeCollection_DuplicateIDsPickLaterItem(t *testing.T) {
	col := Collection{IDKey: "id", TimeKey: "timestamp"}
	older := map[string]any{"id": "i1", "timestamp": "2024-01-15T00:00:00Z", "notes": "draft"}
	newer := map[string]any{"id": "i1", "timestamp": "2024-01-15T01:00:00Z", "notes": "final"}
	sameTimeA := map[string]any{"id": "i2", "timestamp": "2024-01-15T00:00:00Z", "notes": "a"}
	sameTimeB := map[string]any{"id": "i2", "timestamp": "2024-01-15T00:00:00Z", "notes": "b"}

	left := MergeCollection([]any{older, sameTimeA}, []any{newer, sameTimeB}, col)
	right := MergeCollection([]any{newer, sameTimeB}, []any{older, sameTimeA}, col)

	assert.Equal(t, left, right)
	require.Len(t, left, 2)
	assert.Equal(t, "b", left[0].(map[string]any)["notes"])
	assert.Equal(t, "final", left[1].(map[string]any)["notes"])
}

func TestMergeCollectionValues_RejectsScalars(t *testing.T) {
	_, ok := MergeCollectionValues("not a list", nil, Collection{IDKey: "id"})
	assert.False(t, ok)

	items, ok := MergeCollectionValues(nil, nil, Collection{IDKey: "id"})
	assert.True(t, ok)
	assert.Empty(t, items)
}

func TestDifferences(t *testing.T) {
	diffs := Differences(
		models.Fields{"status": "hot", "name": "Ada", "score": 3},
		models.Fields{"status": "cold", "name": "Ada"},
	)
	require.Len(t, diffs, 2)
	assert.Equal(t, "score", diffs[0].Field)
	assert.Nil(t, diffs[0].Server)
	assert.Equal(t, "status", diffs[1].Field)
	assert.Equal(t, "cold", diffs[1].Server)
}
