// ABOUTME: Tests for the clinic sync CLI commands
// ABOUTME: Runs commands against an in-memory store and a reference server over httptest
package cli

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/harperreed/clinicsync/config"
	"github.com/harperreed/clinicsync/db"
	"github.com/harperreed/clinicsync/models"
	"github.com/harperreed/clinicsync/store"
	"github.com/harperreed/clinicsync/web"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEnv(t *testing.T, serverURL string, tenants ...string) *Env {
	t.Helper()
	if len(tenants) == 0 {
		tenants = []string{"clinic-a"}
	}
	st, err := store.OpenInMemory(store.Options{MaxPendingMutations: 3})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := &config.Config{StaffID: "staff-1", Tenants: tenants, ServerURL: serverURL}
	return NewEnv(cfg, st, nil)
}

func newTestServer(t *testing.T) string {
	t.Helper()
	database, err := db.OpenDatabase(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	srv, err := web.NewServer(database, nil, "")
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func queued(t *testing.T, env *Env) []models.Mutation {
	t.Helper()
	ts, err := env.Tenant("")
	require.NoError(t, err)
	q, err := ts.DequeuePending(context.Background())
	require.NoError(t, err)
	return q
}

func TestLeadCommandsQueueInOrder(t *testing.T) {
	env := newTestEnv(t, "")

	require.NoError(t, LeadAddCommand(env, []string{"--id", "lead-1", "--name", "Ada"}))
	require.NoError(t, LeadUpdateCommand(env, []string{"--status", "hot", "--converted", "true", "lead-1"}))
	require.NoError(t, LeadLogCommand(env, []string{"--type", "visit", "--notes", "consult", "lead-1"}))

	q := queued(t, env)
	require.Len(t, q, 3)
	assert.Equal(t, models.OpCreate, q[0].Operation)
	assert.Equal(t, "new", q[0].Payload["status"])
	assert.Equal(t, true, q[1].Payload["converted_to_customer"])
	history, ok := q[2].Payload["interaction_history"].([]any)
	require.True(t, ok)
	assert.Len(t, history, 1)
}

func TestLeadCommandValidation(t *testing.T) {
	env := newTestEnv(t, "")

	assert.Error(t, LeadAddCommand(env, []string{"--status", "hot"}))
	assert.Error(t, LeadUpdateCommand(env, []string{"lead-1"}))
	assert.Error(t, LeadUpdateCommand(env, []string{"--converted", "maybe", "lead-1"}))
	assert.Error(t, LeadDeleteCommand(env, nil))
	assert.Error(t, LeadLogCommand(env, []string{"--type", "fax", "lead-1"}))
	assert.Empty(t, queued(t, env))
}

func TestTenantRequiredWithSeveralClinics(t *testing.T) {
	env := newTestEnv(t, "", "clinic-a", "clinic-b")

	err := LeadAddCommand(env, []string{"--name", "Ada"})
	assert.ErrorContains(t, err, "--tenant is required")

	require.NoError(t, LeadAddCommand(env, []string{"--tenant", "clinic-b", "--name", "Ada"}))
	assert.ErrorIs(t, LeadAddCommand(env, []string{"--tenant", "clinic-z", "--name", "Ada"}), store.ErrTenantForbidden)
}

func TestQuotaMessage(t *testing.T) {
	env := newTestEnv(t, "")
	for i := 0; i < 3; i++ {
		require.NoError(t, AnalysisAddCommand(env, []string{"--client", "Ada"}))
	}

	err := AnalysisAddCommand(env, []string{"--client", "Bea"})
	require.Error(t, err)
	assert.Equal(t, "sync backlog full, connect to network", err.Error())
	assert.Len(t, queued(t, env), 3)
}

func TestAnalysisCommands(t *testing.T) {
	env := newTestEnv(t, "")

	require.NoError(t, AnalysisAddCommand(env, []string{"--id", "an-1", "--client", "Ada", "--set", "hydration=low"}))
	require.NoError(t, AnalysisUpdateCommand(env, []string{"--notes", "retest in 2 weeks", "an-1"}))
	assert.Error(t, AnalysisUpdateCommand(env, []string{"an-1"}))
	assert.ErrorContains(t, AnalysisAddCommand(env, []string{"--client", "Ada", "--set", "novalue"}), "key=value")
	assert.ErrorContains(t, AnalysisUpdateCommand(env, []string{"--set", "=low", "an-1"}), "key=value")

	ts, err := env.Tenant("")
	require.NoError(t, err)
	rec, err := ts.GetRecord(context.Background(), models.EntityAnalysis, "an-1")
	require.NoError(t, err)
	assert.Equal(t, "low", rec.Fields["hydration"])
	assert.Equal(t, "retest in 2 weeks", rec.Fields["notes"])
	require.NoError(t, AnalysisListCommand(env, nil))
}

func TestSyncNowAndStatus(t *testing.T) {
	env := newTestEnv(t, newTestServer(t))

	require.NoError(t, LeadAddCommand(env, []string{"--id", "lead-1", "--name", "Ada"}))
	require.NoError(t, LeadUpdateCommand(env, []string{"--status", "contacted", "lead-1"}))
	require.NoError(t, SyncNowCommand(env, nil))
	assert.Empty(t, queued(t, env))

	ts, err := env.Tenant("")
	require.NoError(t, err)
	rec, err := ts.GetRecord(context.Background(), models.EntityLead, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.ServerVersion)
	assert.Equal(t, models.SyncStatusSynced, rec.SyncStatus)

	require.NoError(t, StatusCommand(env, nil))
	require.NoError(t, LeadListCommand(env, nil))
	require.NoError(t, CleanupCommand(env, nil))
}

func TestSyncNowRequiresServer(t *testing.T) {
	env := newTestEnv(t, "")
	assert.Error(t, SyncNowCommand(env, nil))
	assert.Error(t, SyncWatchCommand(env, nil))
}

func TestResolveAndRetryCommands(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	require.NoError(t, LeadUpdateCommand(env, []string{"--follow-up", "2026-03-10", "lead-1"}))
	m := queued(t, env)[0]

	ts, err := env.Tenant("")
	require.NoError(t, err)
	_, err = ts.MarkManualPending(ctx, m.ID, &models.Conflict{
		MutationID: m.ID,
		Server:     models.Snapshot{Version: 3, Fields: models.Fields{"follow_up_date": "2026-03-12"}},
		Fields:     []models.FieldConflict{{Field: "follow_up_date", Local: "2026-03-10", Server: "2026-03-12"}},
	})
	require.NoError(t, err)
	require.NoError(t, ConflictsCommand(env, nil))

	assert.Error(t, ResolveCommand(env, []string{m.ID}))
	assert.Error(t, ResolveCommand(env, []string{"--keep", "mine", m.ID}))
	assert.ErrorContains(t, ResolveCommand(env, []string{"--field", "follow_up_date", m.ID}), "field=local|server")
	assert.ErrorContains(t, ResolveCommand(env, []string{"--field", "follow_up_date=mine", m.ID}), "must be local or server")
	require.NoError(t, ResolveCommand(env, []string{"--keep", "local", m.ID}))

	resolved, err := ts.GetMutation(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, resolved.State)
	assert.Equal(t, int64(3), resolved.BaseVersion)
	assert.Equal(t, "2026-03-10", resolved.Payload["follow_up_date"])

	_, err = ts.MarkAbandoned(ctx, m.ID, "rejected")
	require.NoError(t, err)
	require.NoError(t, RetryCommand(env, []string{m.ID}))
	assert.Error(t, RetryCommand(env, nil))

	_, err = ts.MarkAbandoned(ctx, m.ID, "rejected")
	require.NoError(t, err)
	require.NoError(t, DiscardCommand(env, []string{m.ID}))
	assert.Empty(t, queued(t, env))
}

func TestResetRefusesWithQueuedEdits(t *testing.T) {
	env := newTestEnv(t, "")
	require.NoError(t, LeadAddCommand(env, []string{"--id", "lead-1", "--name", "Ada"}))

	assert.ErrorContains(t, ResetCommand(env, nil), "have not synced yet")
	assert.Len(t, queued(t, env), 1)

	require.NoError(t, ResetCommand(env, []string{"--force"}))
	assert.Empty(t, queued(t, env))
	ts, err := env.Tenant("")
	require.NoError(t, err)
	_, err = ts.GetRecord(context.Background(), models.EntityLead, "lead-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
