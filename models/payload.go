// ABOUTME: Builders for lead and analysis mutation payloads
// ABOUTME: Shared by the CLI and MCP tools so both surfaces queue the same field shapes
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

var leadStatuses = map[string]bool{
	LeadStatusNew:       true,
	LeadStatusContacted: true,
	LeadStatusHot:       true,
	LeadStatusWarm:      true,
	LeadStatusCold:      true,
	LeadStatusClosed:    true,
}

// LeadChanges is a partial lead edit. Empty strings and nil pointers are left
// out of the payload.
type LeadChanges struct {
	Name         string
	Phone        string
	Email        string
	Status       string
	Disposition  string
	FollowUpDate string
	Notes        string
	Converted    *bool
}

// Fields validates the edit and returns its payload.
func (c LeadChanges) Fields() (Fields, error) {
	out := Fields{}
	set := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	set("name", c.Name)
	set("phone", c.Phone)
	set("email", c.Email)
	set(FieldDisposition, c.Disposition)
	set(FieldNotes, c.Notes)

	if c.Status != "" {
		if !leadStatuses[c.Status] {
			return nil, fmt.Errorf("unknown lead status %q", c.Status)
		}
		out[FieldStatus] = c.Status
	}
	if c.FollowUpDate != "" {
		if _, err := time.Parse("2006-01-02", c.FollowUpDate); err != nil {
			return nil, fmt.Errorf("follow-up date must be YYYY-MM-DD: %w", err)
		}
		out[FieldFollowUpDate] = c.FollowUpDate
	}
	if c.Converted != nil {
		out[FieldConvertedToCustomer] = *c.Converted
	}
	return out, nil
}

// NewInteraction creates an interaction with a fresh id.
func NewInteraction(kind, notes string, at time.Time) (Interaction, error) {
	switch kind {
	case InteractionCall, InteractionEmail, InteractionMeeting, InteractionMessage, InteractionVisit:
	default:
		return Interaction{}, fmt.Errorf("unknown interaction type %q", kind)
	}
	return Interaction{ID: uuid.New().String(), Timestamp: at.UTC(), Type: kind, Notes: notes}, nil
}

// AppendInteraction returns the record's interaction history with it appended.
// Payload fields carry whole values, so the queued edit sends the full list.
func AppendInteraction(existing Fields, it Interaction) []any {
	var history []any
	if prev, ok := existing[FieldInteractionHistory].([]any); ok {
		history = append(history, prev...)
	}
	return append(history, it.AsField())
}

// AnalysisChanges is a partial analysis edit. Extra carries free-form fields.
type AnalysisChanges struct {
	ClientName string
	SkinType   string
	Notes      string
	Extra      map[string]string
}

// Fields returns the analysis payload.
func (c AnalysisChanges) Fields() Fields {
	out := Fields{}
	for k, v := range c.Extra {
		out[k] = v
	}
	if c.ClientName != "" {
		out["client_name"] = c.ClientName
	}
	if c.SkinType != "" {
		out["skin_type"] = c.SkinType
	}
	if c.Notes != "" {
		out[FieldNotes] = c.Notes
	}
	return out
}
