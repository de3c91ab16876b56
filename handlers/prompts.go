// ABOUTME: MCP prompt handlers for sync workflows
// ABOUTME: Provides a conflict-review prompt that lays out each field needing a decision
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harperreed/clinicsync/store"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type PromptHandlers struct {
	store   *store.Store
	session store.Session
}

func NewPromptHandlers(st *store.Store, session store.Session) *PromptHandlers {
	return &PromptHandlers{store: st, session: session}
}

// GetPrompt generates the prompt message based on the template
func (h *PromptHandlers) GetPrompt(ctx context.Context, request *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	switch request.Params.Name {
	case "conflict-review":
		return h.getConflictReviewPrompt(ctx, request.Params.Arguments)
	default:
		return nil, fmt.Errorf("unknown prompt: %s", request.Params.Name)
	}
}

func (h *PromptHandlers) getConflictReviewPrompt(ctx context.Context, args map[string]string) (*mcp.GetPromptResult, error) {
	tenantID, ok := args["tenant"]
	if !ok || tenantID == "" {
		return nil, fmt.Errorf("tenant is required")
	}
	ts, err := h.store.Scope(h.session, tenantID)
	if err != nil {
		return nil, err
	}
	conflicts, err := ts.Conflicts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conflicts: %w", err)
	}

	var promptText strings.Builder
	if len(conflicts) == 0 {
		promptText.WriteString(fmt.Sprintf("Clinic %s has no sync conflicts waiting for a decision.\n", tenantID))
	} else {
		promptText.WriteString(fmt.Sprintf("Clinic %s has %d offline edits that clash with newer server data:\n", tenantID, len(conflicts)))
		for _, c := range conflicts {
			promptText.WriteString(fmt.Sprintf("\nMutation %s on %s/%s (server version %d):\n", c.MutationID, c.EntityType, c.EntityID, c.Server.Version))
			for _, fc := range c.Fields {
				promptText.WriteString(fmt.Sprintf("  - %s: offline=%s server=%s\n", fc.Field, formatValue(fc.Local), formatValue(fc.Server)))
			}
		}
		promptText.WriteString("\nFor each mutation, recommend keeping the offline or the server value per field")
		promptText.WriteString(" and then call resolve_conflict with the chosen values.")
	}

	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Sync conflicts for clinic %s", tenantID),
		Messages: []*mcp.PromptMessage{
			{
				Role: "user",
				Content: &mcp.TextContent{
					Text: promptText.String(),
				},
			},
		},
	}, nil
}

func formatValue(v any) string {
	if v == nil {
		return "(unset)"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
