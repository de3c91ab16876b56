// ABOUTME: Skin analysis CLI commands
// ABOUTME: Queues analysis creates and edits and lists cached records
package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/harperreed/clinicsync/models"
)

// repeated collects every occurrence of a flag. Values are checked after
// parsing so a bad value is returned as an error rather than exiting.
type repeated []string

func (r *repeated) Set(s string) error {
	*r = append(*r, s)
	return nil
}

func (r *repeated) String() string {
	return strings.Join(*r, ",")
}

func parseKeyValues(raw []string) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for _, s := range raw {
		k, v, ok := strings.Cut(s, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--set expects key=value, got %q", s)
		}
		out[k] = v
	}
	return out, nil
}

// AnalysisAddCommand queues a new analysis.
func AnalysisAddCommand(env *Env, args []string) error {
	fs := flag.NewFlagSet("analysis add", flag.ExitOnError)
	id := fs.String("id", "", "Analysis id (default: generated)")
	tenant := fs.String("tenant", "", "Clinic tenant id (default: the only clinic)")
	client := fs.String("client", "", "Client name (required)")
	skinType := fs.String("skin-type", "", "Skin type")
	notes := fs.String("notes", "", "Notes")
	var sets repeated
	fs.Var(&sets, "set", "Extra field as key=value (repeatable)")
	_ = fs.Parse(args)

	if *client == "" {
		return fmt.Errorf("--client is required")
	}
	extra, err := parseKeyValues(sets)
	if err != nil {
		return err
	}
	if *id == "" {
		*id = uuid.New().String()
	}

	return queue(env, *tenant, models.Mutation{
		EntityType: models.EntityAnalysis,
		EntityID:   *id,
		Operation:  models.OpCreate,
		Payload:    models.AnalysisChanges{ClientName: *client, SkinType: *skinType, Notes: *notes, Extra: extra}.Fields(),
	})
}

// AnalysisUpdateCommand queues an edit to an analysis.
func AnalysisUpdateCommand(env *Env, args []string) error {
	fs := flag.NewFlagSet("analysis update", flag.ExitOnError)
	tenant := fs.String("tenant", "", "Clinic tenant id (default: the only clinic)")
	client := fs.String("client", "", "Client name")
	skinType := fs.String("skin-type", "", "Skin type")
	notes := fs.String("notes", "", "Notes")
	var sets repeated
	fs.Var(&sets, "set", "Field as key=value (repeatable)")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: analysis update [flags] <analysis-id>")
	}
	extra, err := parseKeyValues(sets)
	if err != nil {
		return err
	}
	payload := models.AnalysisChanges{ClientName: *client, SkinType: *skinType, Notes: *notes, Extra: extra}.Fields()
	if len(payload) == 0 {
		return fmt.Errorf("nothing to change")
	}

	return queue(env, *tenant, models.Mutation{
		EntityType: models.EntityAnalysis,
		EntityID:   fs.Arg(0),
		Operation:  models.OpUpdate,
		Payload:    payload,
	})
}

// AnalysisListCommand prints cached analyses.
func AnalysisListCommand(env *Env, args []string) error {
	return listRecords(env, models.EntityAnalysis, "analysis list", args)
}

func listRecords(env *Env, entityType models.EntityType, name string, args []string) error {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	tenant := fs.String("tenant", "", "Clinic tenant id (default: the only clinic)")
	limit := fs.Int("limit", 50, "Maximum results")
	_ = fs.Parse(args)

	ts, err := env.Tenant(*tenant)
	if err != nil {
		return err
	}
	records, err := ts.ListRecords(context.Background(), entityType, *limit)
	if err != nil {
		return fmt.Errorf("failed to list records: %w", err)
	}

	if len(records) == 0 {
		fmt.Printf("No %ss cached for %s\n", entityType, ts.TenantID())
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSUMMARY\tSYNC\tVERSION\tUPDATED")
	_, _ = fmt.Fprintln(w, "--\t-------\t----\t-------\t-------")
	for _, r := range records {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			r.EntityID,
			summarize(r),
			r.SyncStatus,
			r.ServerVersion,
			r.UpdatedAt.Local().Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
	fmt.Printf("\nShowing %d %ss\n", len(records), entityType)
	return nil
}

func summarize(r models.Record) string {
	if r.Deleted {
		return "(deleted)"
	}
	var parts []string
	for _, key := range []string{"name", "client_name", models.FieldStatus, models.FieldFollowUpDate} {
		if v, ok := r.Fields[key]; ok {
			parts = append(parts, fmt.Sprint(v))
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " · ")
}
