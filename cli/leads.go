// ABOUTME: Lead CLI commands
// ABOUTME: Queues lead creates, edits, deletes, and interaction logs against the local store
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/harperreed/clinicsync/models"
	"github.com/harperreed/clinicsync/store"
)

type leadFlags struct {
	tenant      *string
	name        *string
	phone       *string
	email       *string
	status      *string
	disposition *string
	followUp    *string
	notes       *string
	converted   *string
}

func newLeadFlags(fs *flag.FlagSet, defaultStatus string) leadFlags {
	return leadFlags{
		tenant:      fs.String("tenant", "", "Clinic tenant id (default: the only clinic)"),
		name:        fs.String("name", "", "Lead name"),
		phone:       fs.String("phone", "", "Phone number"),
		email:       fs.String("email", "", "Email address"),
		status:      fs.String("status", defaultStatus, "Status (new, contacted, hot, warm, cold, closed)"),
		disposition: fs.String("disposition", "", "Disposition"),
		followUp:    fs.String("follow-up", "", "Follow-up date (YYYY-MM-DD)"),
		notes:       fs.String("notes", "", "Notes"),
		converted:   fs.String("converted", "", "Converted to customer (true or false)"),
	}
}

func (f leadFlags) changes() (models.Fields, error) {
	c := models.LeadChanges{
		Name:         *f.name,
		Phone:        *f.phone,
		Email:        *f.email,
		Status:       *f.status,
		Disposition:  *f.disposition,
		FollowUpDate: *f.followUp,
		Notes:        *f.notes,
	}
	if *f.converted != "" {
		v, err := strconv.ParseBool(*f.converted)
		if err != nil {
			return nil, fmt.Errorf("--converted must be true or false")
		}
		c.Converted = &v
	}
	return c.Fields()
}

// LeadAddCommand queues a new lead.
func LeadAddCommand(env *Env, args []string) error {
	fs := flag.NewFlagSet("lead add", flag.ExitOnError)
	id := fs.String("id", "", "Lead id (default: generated)")
	lf := newLeadFlags(fs, models.LeadStatusNew)
	_ = fs.Parse(args)

	if *lf.name == "" {
		return fmt.Errorf("--name is required")
	}
	payload, err := lf.changes()
	if err != nil {
		return err
	}
	if *id == "" {
		*id = uuid.New().String()
	}

	return queue(env, *lf.tenant, models.Mutation{
		EntityType: models.EntityLead,
		EntityID:   *id,
		Operation:  models.OpCreate,
		Payload:    payload,
	})
}

// LeadUpdateCommand queues an edit to an existing lead.
func LeadUpdateCommand(env *Env, args []string) error {
	fs := flag.NewFlagSet("lead update", flag.ExitOnError)
	lf := newLeadFlags(fs, "")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: lead update [flags] <lead-id>")
	}
	payload, err := lf.changes()
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		return fmt.Errorf("nothing to change")
	}

	return queue(env, *lf.tenant, models.Mutation{
		EntityType: models.EntityLead,
		EntityID:   fs.Arg(0),
		Operation:  models.OpUpdate,
		Payload:    payload,
	})
}

// LeadDeleteCommand queues a lead deletion.
func LeadDeleteCommand(env *Env, args []string) error {
	fs := flag.NewFlagSet("lead delete", flag.ExitOnError)
	tenant := fs.String("tenant", "", "Clinic tenant id (default: the only clinic)")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: lead delete [flags] <lead-id>")
	}
	return queue(env, *tenant, models.Mutation{
		EntityType: models.EntityLead,
		EntityID:   fs.Arg(0),
		Operation:  models.OpDelete,
	})
}

// LeadLogCommand appends an interaction to a lead's history.
func LeadLogCommand(env *Env, args []string) error {
	fs := flag.NewFlagSet("lead log", flag.ExitOnError)
	tenant := fs.String("tenant", "", "Clinic tenant id (default: the only clinic)")
	kind := fs.String("type", models.InteractionCall, "Interaction type (call, email, meeting, message, visit)")
	notes := fs.String("notes", "", "What happened")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: lead log [flags] <lead-id>")
	}
	leadID := fs.Arg(0)

	ts, err := env.Tenant(*tenant)
	if err != nil {
		return err
	}
	it, err := models.NewInteraction(*kind, *notes, time.Now())
	if err != nil {
		return err
	}

	var existing models.Fields
	rec, err := ts.GetRecord(context.Background(), models.EntityLead, leadID)
	switch {
	case err == nil:
		existing = rec.Fields
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("failed to load lead: %w", err)
	}

	return queueOn(ts, models.Mutation{
		EntityType: models.EntityLead,
		EntityID:   leadID,
		Operation:  models.OpUpdate,
		Payload:    models.Fields{models.FieldInteractionHistory: models.AppendInteraction(existing, it)},
	})
}

// LeadListCommand prints cached leads.
func LeadListCommand(env *Env, args []string) error {
	return listRecords(env, models.EntityLead, "lead list", args)
}

func queue(env *Env, tenant string, m models.Mutation) error {
	ts, err := env.Tenant(tenant)
	if err != nil {
		return err
	}
	return queueOn(ts, m)
}

func queueOn(ts *store.TenantStore, m models.Mutation) error {
	queued, err := ts.EnqueueMutation(context.Background(), m)
	if err != nil {
		return queueError(err)
	}
	fmt.Printf("✓ Queued %s %s (mutation %s, #%d)\n", queued.Operation, queued.EntityKey(), queued.ID, queued.Seq)
	fmt.Printf("  Clinic: %s\n", queued.TenantID)
	return nil
}
