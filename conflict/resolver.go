// ABOUTME: Deterministic merge of a queued mutation against the server snapshot
// ABOUTME: Returns either a merged entity or a manual-resolution request, never an error
package conflict

import (
	"sort"
	"strings"

	"github.com/harperreed/clinicsync/models"
)

// Outcome is the result of resolving one conflict. It is either *Merged or
// *NeedsManualResolution.
type Outcome interface {
	outcome()
}

// Merged is an automatically resolved entity ready to resubmit.
type Merged struct {
	Operation models.Operation
	Fields    models.Fields
	// Unchanged is set when the server already holds the resolved state and
	// nothing needs to be resubmitted.
	Unchanged bool
	// Changed lists the fields whose merged value differs from the server.
	Changed []string
}

// NeedsManualResolution carries both candidates for fields a human must decide.
type NeedsManualResolution struct {
	Local  models.Fields
	Server models.Snapshot
	Fields []models.FieldConflict
}

func (*Merged) outcome()                {}
func (*NeedsManualResolution) outcome() {}

// Resolver merges mutations against server snapshots. It holds no mutable
// state and is safe for concurrent use.
type Resolver struct {
	policies map[models.EntityType]compiled
}

// New builds a resolver from per-entity policies.
func New(policies map[models.EntityType]Policy) *Resolver {
	r := &Resolver{policies: make(map[models.EntityType]compiled, len(policies))}
	for t, p := range policies {
		r.policies[t] = compile(p)
	}
	return r
}

// NewDefault builds a resolver with DefaultPolicies.
func NewDefault() *Resolver {
	return New(DefaultPolicies())
}

func (r *Resolver) policy(t models.EntityType) compiled {
	if p, ok := r.policies[t]; ok {
		return p
	}
	return compile(Policy{})
}

// Resolve merges local against server. The local side wins a scalar field only
// when its ClientTimestamp is strictly after the server's UpdatedAt; on an exact
// tie the server wins.
func (r *Resolver) Resolve(local models.Mutation, server models.Snapshot) Outcome {
	localWins := local.ClientTimestamp.After(server.UpdatedAt)
	pol := r.policy(local.EntityType)

	if local.Operation == models.OpDelete {
		switch {
		case server.Deleted:
			return &Merged{Operation: models.OpDelete, Unchanged: true}
		case localWins:
			return &Merged{Operation: models.OpDelete, Changed: sortedKeys(server.Fields)}
		default:
			return &Merged{Operation: models.OpUpdate, Fields: server.Fields.Clone(), Unchanged: true}
		}
	}

	if server.Deleted {
		if !localWins {
			return &Merged{Operation: models.OpDelete, Unchanged: true}
		}
		fields := local.Payload.Clone()
		for name, col := range pol.collections {
			if v, ok := fields[name]; ok {
				if items, ok := MergeCollectionValues(v, nil, col); ok {
					fields[name] = items
				}
			}
		}
		return &Merged{Operation: models.OpCreate, Fields: fields, Changed: sortedKeys(fields)}
	}

	if conflicts := manualConflicts(pol, local.Payload, server.Fields); len(conflicts) > 0 {
		return &NeedsManualResolution{
			Local:  local.Payload.Clone(),
			Server: server,
			Fields: conflicts,
		}
	}

	merged := server.Fields.Clone()
	for _, name := range sortedKeys(local.Payload) {
		lv := local.Payload[name]
		sv, onServer := server.Fields[name]

		switch pol.classOf(name) {
		case classCollection:
			if items, ok := MergeCollectionValues(lv, sv, pol.collections[name]); ok {
				merged[name] = items
			} else if localWins || !onServer {
				merged[name] = lv
			}
		case classText:
			merged[name] = mergeText(sv, lv)
		case classManual:
			// manualConflicts already ruled out a differing non-nil server value
			merged[name] = lv
		default:
			if localWins || !onServer {
				merged[name] = lv
			}
		}
	}

	var changed []string
	for _, name := range sortedKeys(merged) {
		if sv, ok := server.Fields[name]; !ok || !equalValues(merged[name], sv) {
			changed = append(changed, name)
		}
	}

	return &Merged{
		Operation: models.OpUpdate,
		Fields:    merged,
		Unchanged: len(changed) == 0,
		Changed:   changed,
	}
}

// manualConflicts lists manual-only fields the mutation sets to a value that
// differs from a non-nil server value, ordered by field name.
func manualConflicts(pol compiled, local, server models.Fields) []models.FieldConflict {
	names := append([]string(nil), pol.manual...)
	sort.Strings(names)

	var out []models.FieldConflict
	for _, name := range names {
		lv, ok := local[name]
		if !ok {
			continue
		}
		sv := server[name]
		if sv == nil || equalValues(lv, sv) {
			continue
		}
		out = append(out, models.FieldConflict{Field: name, Local: lv, Server: sv})
	}
	return out
}

func mergeText(server, local any) any {
	ss, sok := server.(string)
	ls, lok := local.(string)
	if !lok {
		return server
	}
	if !sok || ss == "" || ss == ls || strings.HasPrefix(ls, ss) {
		return ls
	}
	if ls == "" || strings.Contains(ss, ls) {
		return ss
	}
	return ss + OfflineEditSeparator + ls
}

func sortedKeys(f models.Fields) []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Differences lists the fields of local whose value differs from server,
// ordered by field name.
func Differences(local, server models.Fields) []models.FieldConflict {
	var out []models.FieldConflict
	for _, name := range sortedKeys(local) {
		sv, ok := server[name]
		if ok && equalValues(local[name], sv) {
			continue
		}
		out = append(out, models.FieldConflict{Field: name, Local: local[name], Server: sv})
	}
	return out
}
