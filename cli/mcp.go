// ABOUTME: MCP server subcommand
// ABOUTME: Starts the MCP server exposing sync status, conflicts, and queueing tools on stdio
package cli

import (
	"context"

	"github.com/harperreed/clinicsync/handlers"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const version = "0.1.0"

// MCPCommand starts the MCP server on stdio
func MCPCommand(env *Env) error {
	env.Log.Info("starting clinicsync MCP server")

	syncHandlers := handlers.NewSyncHandlers(env.Store, env.Session, env.Manager)
	resourceHandlers := handlers.NewResourceHandlers(env.Store, env.Session, env.Manager)
	promptHandlers := handlers.NewPromptHandlers(env.Store, env.Session)

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "clinicsync",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Show pending, conflicted, and failed edit counts for each clinic",
	}, syncHandlers.SyncStatus)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_conflicts",
		Description: "List offline edits that clash with server data and need a human decision",
	}, syncHandlers.ListConflicts)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "queue_lead_update",
		Description: "Create, edit, or delete a lead, or log an interaction, queueing it for sync",
	}, syncHandlers.QueueLeadUpdate)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "resolve_conflict",
		Description: "Resolve a conflict by choosing the local or server value for each conflicting field",
	}, syncHandlers.ResolveConflict)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "retry_mutation",
		Description: "Requeue an abandoned edit after the cause has been fixed",
	}, syncHandlers.RetryMutation)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_now",
		Description: "Send queued edits to the sync server now",
	}, syncHandlers.SyncNow)

	server.AddResource(&mcp.Resource{
		URI:         "clinicsync://status",
		Name:        "sync-status",
		Description: "Sync badge counts for every clinic",
		MIMEType:    "application/json",
	}, resourceHandlers.ReadResource)

	for _, tenantID := range env.Session.Tenants {
		for _, kind := range []string{"queue", "conflicts", "stats"} {
			server.AddResource(&mcp.Resource{
				URI:      "clinicsync://" + kind + "/" + tenantID,
				Name:     kind + "-" + tenantID,
				MIMEType: "application/json",
			}, resourceHandlers.ReadResource)
		}
	}

	server.AddPrompt(&mcp.Prompt{
		Name:        "conflict-review",
		Description: "Walk through the sync conflicts of one clinic and suggest resolutions",
		Arguments: []*mcp.PromptArgument{
			{Name: "tenant", Description: "Clinic tenant id", Required: true},
		},
	}, promptHandlers.GetPrompt)

	// Run server on stdio transport
	ctx := context.Background()
	return server.Run(ctx, &mcp.StdioTransport{})
}
