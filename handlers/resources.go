// ABOUTME: MCP resource handlers exposing the local sync state
// ABOUTME: Provides read-only JSON views of status, queue, and conflicts via clinicsync:// URIs
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harperreed/clinicsync/store"
	"github.com/harperreed/clinicsync/syncer"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const resourceScheme = "clinicsync://"

type ResourceHandlers struct {
	store   *store.Store
	session store.Session
	manager *syncer.Manager
}

func NewResourceHandlers(st *store.Store, session store.Session, manager *syncer.Manager) *ResourceHandlers {
	return &ResourceHandlers{store: st, session: session, manager: manager}
}

// ReadResource handles resource read requests
func (h *ResourceHandlers) ReadResource(ctx context.Context, request *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uri := request.Params.URI
	if !strings.HasPrefix(uri, resourceScheme) {
		return nil, fmt.Errorf("invalid URI scheme: expected %s", resourceScheme)
	}

	parts := strings.Split(strings.TrimPrefix(uri, resourceScheme), "/")
	switch parts[0] {
	case "status":
		status, err := h.manager.Status(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read status: %w", err)
		}
		return jsonResource(uri, status)

	case "queue", "conflicts", "stats":
		if len(parts) != 2 || parts[1] == "" {
			return nil, fmt.Errorf("%s resource needs a tenant: %s%s/<tenant>", parts[0], resourceScheme, parts[0])
		}
		ts, err := h.store.Scope(h.session, parts[1])
		if err != nil {
			return nil, err
		}
		var v any
		switch parts[0] {
		case "queue":
			v, err = ts.DequeuePending(ctx)
		case "conflicts":
			v, err = ts.Conflicts(ctx)
		default:
			v, err = ts.Stats(ctx)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", parts[0], err)
		}
		return jsonResource(uri, v)

	default:
		return nil, fmt.Errorf("unknown resource: %s", parts[0])
	}
}

func jsonResource(uri string, v any) (*mcp.ReadResourceResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resource: %w", err)
	}
	return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{
		{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}}, nil
}
