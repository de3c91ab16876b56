// ABOUTME: Tests for sync MCP tool, resource, and prompt handlers
// ABOUTME: Runs against an in-memory store and a scripted remote
package handlers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/harperreed/clinicsync/models"
	"github.com/harperreed/clinicsync/store"
	"github.com/harperreed/clinicsync/syncer"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedRemote struct {
	respond func(m models.Mutation) (models.Ack, error)
}

func (r *scriptedRemote) Submit(_ context.Context, m models.Mutation) (models.Ack, error) {
	return r.respond(m)
}

var session = store.Session{StaffID: "staff-1", Tenants: []string{"clinic-a"}}

func setup(t *testing.T, remote syncer.Remote) (*store.Store, *syncer.Manager, *SyncHandlers) {
	t.Helper()
	st, err := store.OpenInMemory(store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	if remote == nil {
		remote = &scriptedRemote{respond: func(models.Mutation) (models.Ack, error) {
			return models.Ack{Version: 1}, nil
		}}
	}
	mgr := syncer.New(st, session, remote, nil, syncer.Options{}, nil)
	return st, mgr, NewSyncHandlers(st, session, mgr)
}

func TestQueueLeadUpdateAndSync(t *testing.T) {
	_, _, h := setup(t, nil)
	ctx := context.Background()

	_, out, err := h.QueueLeadUpdate(ctx, nil, QueueLeadUpdateInput{LeadID: "lead-1", Create: true, Name: "Ada", Status: "new"})
	require.NoError(t, err)
	assert.Equal(t, "lead/lead-1", out.Entity)
	assert.Equal(t, "create", out.Operation)
	assert.Equal(t, "pending", out.State)

	_, status, err := h.SyncStatus(ctx, nil, SyncStatusInput{})
	require.NoError(t, err)
	require.Len(t, status.Tenants, 1)
	assert.Equal(t, 1, status.Tenants[0].Pending)
	assert.Equal(t, 1, status.Queued)

	_, res, err := h.SyncNow(ctx, nil, SyncNowInput{})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, 1, res.Results[0].Synced)

	_, status, err = h.SyncStatus(ctx, nil, SyncStatusInput{})
	require.NoError(t, err)
	assert.Equal(t, 0, status.Tenants[0].Pending)
}

func TestQueueLeadUpdateValidation(t *testing.T) {
	_, _, h := setup(t, nil)
	ctx := context.Background()

	_, _, err := h.QueueLeadUpdate(ctx, nil, QueueLeadUpdateInput{Status: "hot"})
	assert.Error(t, err)
	_, _, err = h.QueueLeadUpdate(ctx, nil, QueueLeadUpdateInput{LeadID: "lead-1"})
	assert.Error(t, err)
	_, _, err = h.QueueLeadUpdate(ctx, nil, QueueLeadUpdateInput{LeadID: "lead-1", Status: "lukewarm"})
	assert.Error(t, err)
	_, _, err = h.QueueLeadUpdate(ctx, nil, QueueLeadUpdateInput{Tenant: "clinic-b", LeadID: "lead-1", Status: "hot"})
	assert.ErrorIs(t, err, store.ErrTenantForbidden)
}

func TestQueueLeadInteractionAppendsToHistory(t *testing.T) {
	st, _, h := setup(t, nil)
	ctx := context.Background()

	_, _, err := h.QueueLeadUpdate(ctx, nil, QueueLeadUpdateInput{LeadID: "lead-1", Create: true, InteractionType: "call"})
	require.NoError(t, err)
	_, _, err = h.QueueLeadUpdate(ctx, nil, QueueLeadUpdateInput{LeadID: "lead-1", InteractionType: "visit", InteractionNote: "consult"})
	require.NoError(t, err)

	ts, err := st.Scope(session, "clinic-a")
	require.NoError(t, err)
	rec, err := ts.GetRecord(ctx, models.EntityLead, "lead-1")
	require.NoError(t, err)
	history, ok := rec.Fields[models.FieldInteractionHistory].([]any)
	require.True(t, ok)
	assert.Len(t, history, 2)
}

func TestConflictListingAndResolution(t *testing.T) {
	server := models.Snapshot{
		Version:   4,
		UpdatedAt: time.Now().Add(time.Hour),
		Fields:    models.Fields{"follow_up_date": "2026-03-12"},
	}
	calls := 0
	remote := &scriptedRemote{respond: func(m models.Mutation) (models.Ack, error) {
		calls++
		if m.BaseVersion < server.Version {
			return models.Ack{}, &syncer.ConflictError{Snapshot: server}
		}
		return models.Ack{Version: server.Version + 1}, nil
	}}
	st, _, h := setup(t, remote)
	ctx := context.Background()

	_, queued, err := h.QueueLeadUpdate(ctx, nil, QueueLeadUpdateInput{LeadID: "lead-1", FollowUpDate: "2026-03-10"})
	require.NoError(t, err)

	_, res, err := h.SyncNow(ctx, nil, SyncNowInput{Tenant: "clinic-a"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Results[0].Manual)

	_, list, err := h.ListConflicts(ctx, nil, ListConflictsInput{})
	require.NoError(t, err)
	require.Len(t, list.Conflicts, 1)
	assert.Equal(t, queued.ID, list.Conflicts[0].MutationID)
	assert.Equal(t, "follow_up_date", list.Conflicts[0].Fields[0].Field)

	_, _, err = h.ResolveConflict(ctx, nil, ResolveConflictInput{MutationID: queued.ID, Choices: map[string]string{"follow_up_date": "both"}})
	assert.Error(t, err)

	_, resolved, err := h.ResolveConflict(ctx, nil, ResolveConflictInput{MutationID: queued.ID, Choices: map[string]string{"follow_up_date": "server"}})
	require.NoError(t, err)
	assert.Equal(t, "pending", resolved.State)
	assert.Equal(t, int64(4), resolved.BaseVersion)

	_, res, err = h.SyncNow(ctx, nil, SyncNowInput{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Results[0].Synced)

	ts, err := st.Scope(session, "clinic-a")
	require.NoError(t, err)
	rec, err := ts.GetRecord(ctx, models.EntityLead, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-12", rec.Fields["follow_up_date"])
	assert.Equal(t, models.SyncStatusSynced, rec.SyncStatus)
}

func TestRetryMutation(t *testing.T) {
	remote := &scriptedRemote{respond: func(models.Mutation) (models.Ack, error) {
		return models.Ack{}, syncer.ErrRejected
	}}
	_, _, h := setup(t, remote)
	ctx := context.Background()

	_, queued, err := h.QueueLeadUpdate(ctx, nil, QueueLeadUpdateInput{LeadID: "lead-1", Status: "hot"})
	require.NoError(t, err)
	_, res, err := h.SyncNow(ctx, nil, SyncNowInput{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Results[0].Abandoned)

	_, retried, err := h.RetryMutation(ctx, nil, RetryMutationInput{MutationID: queued.ID})
	require.NoError(t, err)
	assert.Equal(t, "pending", retried.State)

	_, _, err = h.RetryMutation(ctx, nil, RetryMutationInput{})
	assert.Error(t, err)
}

func TestResources(t *testing.T) {
	st, mgr, h := setup(t, nil)
	ctx := context.Background()
	_, _, err := h.QueueLeadUpdate(ctx, nil, QueueLeadUpdateInput{LeadID: "lead-1", Status: "hot"})
	require.NoError(t, err)

	rh := NewResourceHandlers(st, session, mgr)
	read := func(uri string) (*mcp.ReadResourceResult, error) {
		return rh.ReadResource(ctx, &mcp.ReadResourceRequest{Params: &mcp.ReadResourceParams{URI: uri}})
	}

	result, err := read("clinicsync://queue/clinic-a")
	require.NoError(t, err)
	var queue []models.Mutation
	require.NoError(t, json.Unmarshal([]byte(result.Contents[0].Text), &queue))
	require.Len(t, queue, 1)
	assert.Equal(t, "lead-1", queue[0].EntityID)

	_, err = read("clinicsync://status")
	assert.NoError(t, err)
	_, err = read("clinicsync://stats/clinic-a")
	assert.NoError(t, err)
	_, err = read("clinicsync://conflicts")
	assert.Error(t, err)
	_, err = read("clinicsync://queue/clinic-b")
	assert.ErrorIs(t, err, store.ErrTenantForbidden)
	_, err = read("crm://contacts")
	assert.Error(t, err)
}

func TestConflictReviewPrompt(t *testing.T) {
	st, _, _ := setup(t, nil)
	ph := NewPromptHandlers(st, session)
	ctx := context.Background()

	result, err := ph.GetPrompt(ctx, &mcp.GetPromptRequest{Params: &mcp.GetPromptParams{
		Name:      "conflict-review",
		Arguments: map[string]string{"tenant": "clinic-a"},
	}})
	require.NoError(t, err)
	text := result.Messages[0].Content.(*mcp.TextContent).Text
	assert.Contains(t, text, "no sync conflicts")

	_, err = ph.GetPrompt(ctx, &mcp.GetPromptRequest{Params: &mcp.GetPromptParams{Name: "conflict-review"}})
	assert.Error(t, err)
	_, err = ph.GetPrompt(ctx, &mcp.GetPromptRequest{Params: &mcp.GetPromptParams{Name: "deal-analysis"}})
	assert.Error(t, err)
}
