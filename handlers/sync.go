// ABOUTME: Sync MCP tool handlers
// ABOUTME: Implements sync_status, list_conflicts, queue_lead_update, resolve_conflict, retry_mutation, and sync_now
package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harperreed/clinicsync/models"
	"github.com/harperreed/clinicsync/store"
	"github.com/harperreed/clinicsync/syncer"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type SyncHandlers struct {
	store   *store.Store
	session store.Session
	manager *syncer.Manager
	now     func() time.Time
}

func NewSyncHandlers(st *store.Store, session store.Session, manager *syncer.Manager) *SyncHandlers {
	return &SyncHandlers{store: st, session: session, manager: manager, now: time.Now}
}

// tenant picks the requested tenant or the only one in the session.
func (h *SyncHandlers) tenant(requested string) (*store.TenantStore, error) {
	if requested == "" {
		if len(h.session.Tenants) != 1 {
			return nil, fmt.Errorf("tenant is required when signed in to %d clinics", len(h.session.Tenants))
		}
		requested = h.session.Tenants[0]
	}
	return h.store.Scope(h.session, requested)
}

type SyncStatusInput struct{}

type SyncStatusOutput struct {
	Tenants []syncer.TenantStatus `json:"tenants"`
	Queued  int                   `json:"queued"`
}

func (h *SyncHandlers) SyncStatus(ctx context.Context, _ *mcp.CallToolRequest, _ SyncStatusInput) (*mcp.CallToolResult, SyncStatusOutput, error) {
	status, err := h.manager.Status(ctx)
	if err != nil {
		return nil, SyncStatusOutput{}, fmt.Errorf("failed to read sync status: %w", err)
	}
	return &mcp.CallToolResult{}, SyncStatusOutput{Tenants: status, Queued: h.store.QueueLength()}, nil
}

type ListConflictsInput struct {
	Tenant string `json:"tenant,omitempty" jsonschema:"Clinic tenant id (optional when signed in to one clinic)"`
}

type ConflictOutput struct {
	MutationID    string                 `json:"mutation_id"`
	Entity        string                 `json:"entity"`
	ServerVersion int64                  `json:"server_version"`
	Fields        []models.FieldConflict `json:"fields"`
	DetectedAt    string                 `json:"detected_at"`
}

type ListConflictsOutput struct {
	Tenant    string           `json:"tenant"`
	Conflicts []ConflictOutput `json:"conflicts"`
}

func (h *SyncHandlers) ListConflicts(ctx context.Context, _ *mcp.CallToolRequest, input ListConflictsInput) (*mcp.CallToolResult, ListConflictsOutput, error) {
	ts, err := h.tenant(input.Tenant)
	if err != nil {
		return nil, ListConflictsOutput{}, err
	}
	conflicts, err := ts.Conflicts(ctx)
	if err != nil {
		return nil, ListConflictsOutput{}, fmt.Errorf("failed to list conflicts: %w", err)
	}

	out := ListConflictsOutput{Tenant: ts.TenantID(), Conflicts: make([]ConflictOutput, 0, len(conflicts))}
	for _, c := range conflicts {
		out.Conflicts = append(out.Conflicts, ConflictOutput{
			MutationID:    c.MutationID,
			Entity:        string(c.EntityType) + "/" + c.EntityID,
			ServerVersion: c.Server.Version,
			Fields:        c.Fields,
			DetectedAt:    c.DetectedAt.Format(time.RFC3339),
		})
	}
	return &mcp.CallToolResult{}, out, nil
}

type QueueLeadUpdateInput struct {
	Tenant          string `json:"tenant,omitempty" jsonschema:"Clinic tenant id (optional when signed in to one clinic)"`
	LeadID          string `json:"lead_id" jsonschema:"Lead id (required)"`
	Create          bool   `json:"create,omitempty" jsonschema:"Create the lead instead of updating it"`
	Delete          bool   `json:"delete,omitempty" jsonschema:"Delete the lead"`
	Name            string `json:"name,omitempty" jsonschema:"Lead name"`
	Status          string `json:"status,omitempty" jsonschema:"Pipeline status: new, contacted, hot, warm, cold, closed"`
	Disposition     string `json:"disposition,omitempty" jsonschema:"Disposition"`
	FollowUpDate    string `json:"follow_up_date,omitempty" jsonschema:"Follow-up date (YYYY-MM-DD)"`
	Converted       *bool  `json:"converted_to_customer,omitempty" jsonschema:"Whether the lead became a customer"`
	Notes           string `json:"notes,omitempty" jsonschema:"Notes"`
	InteractionType string `json:"interaction_type,omitempty" jsonschema:"Log an interaction: call, email, meeting, message, visit"`
	InteractionNote string `json:"interaction_notes,omitempty" jsonschema:"Notes for the logged interaction"`
}

type MutationOutput struct {
	ID          string `json:"id"`
	Seq         uint64 `json:"seq"`
	Tenant      string `json:"tenant"`
	Entity      string `json:"entity"`
	Operation   string `json:"operation"`
	State       string `json:"state"`
	BaseVersion int64  `json:"base_version"`
	QueuedAt    string `json:"queued_at"`
}

func mutationToOutput(m models.Mutation) MutationOutput {
	return MutationOutput{
		ID:          m.ID,
		Seq:         m.Seq,
		Tenant:      m.TenantID,
		Entity:      m.EntityKey(),
		Operation:   string(m.Operation),
		State:       string(m.State),
		BaseVersion: m.BaseVersion,
		QueuedAt:    m.ClientTimestamp.Format(time.RFC3339),
	}
}

func (h *SyncHandlers) QueueLeadUpdate(ctx context.Context, _ *mcp.CallToolRequest, input QueueLeadUpdateInput) (*mcp.CallToolResult, MutationOutput, error) {
	if input.LeadID == "" {
		return nil, MutationOutput{}, fmt.Errorf("lead_id is required")
	}
	ts, err := h.tenant(input.Tenant)
	if err != nil {
		return nil, MutationOutput{}, err
	}

	m := models.Mutation{EntityType: models.EntityLead, EntityID: input.LeadID, Operation: models.OpUpdate}
	switch {
	case input.Delete:
		m.Operation = models.OpDelete
	default:
		if input.Create {
			m.Operation = models.OpCreate
		}
		payload, err := models.LeadChanges{
			Name:         input.Name,
			Status:       input.Status,
			Disposition:  input.Disposition,
			FollowUpDate: input.FollowUpDate,
			Notes:        input.Notes,
			Converted:    input.Converted,
		}.Fields()
		if err != nil {
			return nil, MutationOutput{}, err
		}
		if input.InteractionType != "" {
			it, err := models.NewInteraction(input.InteractionType, input.InteractionNote, h.now())
			if err != nil {
				return nil, MutationOutput{}, err
			}
			var existing models.Fields
			rec, err := ts.GetRecord(ctx, models.EntityLead, input.LeadID)
			switch {
			case err == nil:
				existing = rec.Fields
			case !errors.Is(err, store.ErrNotFound):
				return nil, MutationOutput{}, fmt.Errorf("failed to load lead: %w", err)
			}
			payload[models.FieldInteractionHistory] = models.AppendInteraction(existing, it)
		}
		if len(payload) == 0 {
			return nil, MutationOutput{}, fmt.Errorf("nothing to change")
		}
		m.Payload = payload
	}

	queued, err := ts.EnqueueMutation(ctx, m)
	if err != nil {
		return nil, MutationOutput{}, fmt.Errorf("failed to queue lead update: %w", err)
	}
	return &mcp.CallToolResult{}, mutationToOutput(queued), nil
}

type ResolveConflictInput struct {
	Tenant     string            `json:"tenant,omitempty" jsonschema:"Clinic tenant id (optional when signed in to one clinic)"`
	MutationID string            `json:"mutation_id" jsonschema:"Mutation id from list_conflicts (required)"`
	Choices    map[string]string `json:"choices" jsonschema:"Per-field choice, local or server, for every conflicting field"`
}

func (h *SyncHandlers) ResolveConflict(ctx context.Context, _ *mcp.CallToolRequest, input ResolveConflictInput) (*mcp.CallToolResult, MutationOutput, error) {
	if input.MutationID == "" {
		return nil, MutationOutput{}, fmt.Errorf("mutation_id is required")
	}
	ts, err := h.tenant(input.Tenant)
	if err != nil {
		return nil, MutationOutput{}, err
	}

	choices := make(map[string]syncer.Choice, len(input.Choices))
	for field, c := range input.Choices {
		choice := syncer.Choice(c)
		if choice != syncer.ChooseLocal && choice != syncer.ChooseServer {
			return nil, MutationOutput{}, fmt.Errorf("choice for %s must be local or server", field)
		}
		choices[field] = choice
	}

	m, err := h.manager.ApplyManualResolution(ctx, ts.TenantID(), input.MutationID, choices)
	if err != nil {
		return nil, MutationOutput{}, fmt.Errorf("failed to resolve conflict: %w", err)
	}
	return &mcp.CallToolResult{}, mutationToOutput(m), nil
}

type RetryMutationInput struct {
	Tenant     string `json:"tenant,omitempty" jsonschema:"Clinic tenant id (optional when signed in to one clinic)"`
	MutationID string `json:"mutation_id" jsonschema:"Abandoned mutation id (required)"`
}

func (h *SyncHandlers) RetryMutation(ctx context.Context, _ *mcp.CallToolRequest, input RetryMutationInput) (*mcp.CallToolResult, MutationOutput, error) {
	if input.MutationID == "" {
		return nil, MutationOutput{}, fmt.Errorf("mutation_id is required")
	}
	ts, err := h.tenant(input.Tenant)
	if err != nil {
		return nil, MutationOutput{}, err
	}
	m, err := h.manager.Retry(ctx, ts.TenantID(), input.MutationID)
	if err != nil {
		return nil, MutationOutput{}, fmt.Errorf("failed to retry mutation: %w", err)
	}
	return &mcp.CallToolResult{}, mutationToOutput(m), nil
}

type SyncNowInput struct {
	Tenant string `json:"tenant,omitempty" jsonschema:"Only drain this clinic (default: all clinics)"`
}

type SyncNowOutput struct {
	Results []syncer.Result `json:"results"`
}

func (h *SyncHandlers) SyncNow(ctx context.Context, _ *mcp.CallToolRequest, input SyncNowInput) (*mcp.CallToolResult, SyncNowOutput, error) {
	if input.Tenant != "" {
		res, err := h.manager.Drain(ctx, input.Tenant)
		if err != nil {
			return nil, SyncNowOutput{}, fmt.Errorf("sync failed: %w", err)
		}
		return &mcp.CallToolResult{}, SyncNowOutput{Results: []syncer.Result{res}}, nil
	}

	results, err := h.manager.DrainAll(ctx)
	if err != nil {
		return nil, SyncNowOutput{}, fmt.Errorf("sync failed: %w", err)
	}
	return &mcp.CallToolResult{}, SyncNowOutput{Results: results}, nil
}
