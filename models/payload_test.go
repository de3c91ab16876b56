package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeadChangesFields(t *testing.T) {
	converted := true
	fields, err := LeadChanges{
		Status:       LeadStatusHot,
		FollowUpDate: "2026-03-10",
		Converted:    &converted,
	}.Fields()
	require.NoError(t, err)
	assert.Equal(t, Fields{
		FieldStatus:              "hot",
		FieldFollowUpDate:        "2026-03-10",
		FieldConvertedToCustomer: true,
	}, fields)

	_, err = LeadChanges{Status: "lukewarm"}.Fields()
	assert.Error(t, err)
	_, err = LeadChanges{FollowUpDate: "next tuesday"}.Fields()
	assert.Error(t, err)
}

func TestAppendInteraction(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	first, err := NewInteraction(InteractionCall, "intro", at)
	require.NoError(t, err)
	second, err := NewInteraction(InteractionVisit, "", at.Add(time.Hour))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	history := AppendInteraction(nil, first)
	require.Len(t, history, 1)

	history = AppendInteraction(Fields{FieldInteractionHistory: history}, second)
	require.Len(t, history, 2)
	assert.Equal(t, second.ID, history[1].(map[string]any)["id"])

	_, err = NewInteraction("carrier pigeon", "", at)
	assert.Error(t, err)
}

func TestAnalysisChangesFields(t *testing.T) {
	fields := AnalysisChanges{
		ClientName: "Ada",
		Notes:      "dry patches",
		Extra:      map[string]string{"hydration": "low"},
	}.Fields()
	assert.Equal(t, Fields{"client_name": "Ada", "notes": "dry patches", "hydration": "low"}, fields)
}
