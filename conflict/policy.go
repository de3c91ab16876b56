// ABOUTME: Field classification policies used by the conflict resolver
// ABOUTME: Declares manual-only, append-only collection, and appendable text fields per entity type
package conflict

import (
	"github.com/harperreed/clinicsync/models"
)

// Collection describes an append-only array field whose items carry a stable id
// and a timestamp.
type Collection struct {
	Field   string
	IDKey   string
	TimeKey string
}

// Policy classifies the payload fields of one entity type. Fields not named
// here are scalar and resolved last-write-wins.
type Policy struct {
	ManualFields []string
	Collections  []Collection
	TextFields   []string
}

// OfflineEditSeparator joins server and offline text when both sides edited a
// text field.
const OfflineEditSeparator = "\n\n--- Offline Edit ---\n\n"

// DefaultPolicies returns the field classes for leads and analyses.
func DefaultPolicies() map[models.EntityType]Policy {
	return map[models.EntityType]Policy{
		models.EntityLead: {
			ManualFields: []string{
				models.FieldDisposition,
				models.FieldFollowUpDate,
				models.FieldConvertedToCustomer,
			},
			Collections: []Collection{
				{Field: models.FieldInteractionHistory, IDKey: "id", TimeKey: "timestamp"},
			},
		},
		models.EntityAnalysis: {
			TextFields: []string{models.FieldNotes},
		},
	}
}

type fieldClass int

const (
	classScalar fieldClass = iota
	classManual
	classCollection
	classText
)

// compiled is the lookup form of a Policy.
type compiled struct {
	manual      []string
	classes     map[string]fieldClass
	collections map[string]Collection
}

func compile(p Policy) compiled {
	c := compiled{
		classes:     make(map[string]fieldClass),
		collections: make(map[string]Collection),
	}
	c.manual = append(c.manual, p.ManualFields...)
	for _, f := range p.ManualFields {
		c.classes[f] = classManual
	}
	for _, col := range p.Collections {
		if col.IDKey == "" {
			col.IDKey = "id"
		}
		if col.TimeKey == "" {
			col.TimeKey = "timestamp"
		}
		c.classes[col.Field] = classCollection
		c.collections[col.Field] = col
	}
	for _, f := range p.TextFields {
		c.classes[f] = classText
	}
	return c
}

func (c compiled) classOf(field string) fieldClass {
	if cls, ok := c.classes[field]; ok {
		return cls
	}
	return classScalar
}
