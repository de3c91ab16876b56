// ABOUTME: Durable FIFO queue of pending mutations with optimistic record writes
// ABOUTME: Allocates strictly increasing sequence numbers and applies sync state transitions
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"
	"github.com/harperreed/clinicsync/models"
)

// EnqueueMutation appends m to the tenant queue and applies it optimistically
// to the cached record in the same transaction. It returns the stored mutation
// with its id, sequence number and base version filled in.
func (ts *TenantStore) EnqueueMutation(ctx context.Context, m models.Mutation) (models.Mutation, error) {
	if err := ctx.Err(); err != nil {
		return models.Mutation{}, err
	}
	if err := ts.checkTenant(m.TenantID); err != nil {
		return models.Mutation{}, err
	}
	if !m.EntityType.Valid() || !m.Operation.Valid() || m.EntityID == "" {
		return models.Mutation{}, fmt.Errorf("%w: mutation needs entity type, operation and entity id", ErrInvalid)
	}

	m.TenantID = ts.tenantID
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.ClientTimestamp.IsZero() {
		m.ClientTimestamp = ts.s.now()
	}
	m.State = models.StatePending
	m.AttemptCount = 0
	m.LastError = ""
	m.NextAttemptAt = time.Time{}
	m.Resubmitted = false
	m.Conflict = nil

	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()

	if ts.s.queued >= ts.s.opts.MaxPendingMutations {
		return models.Mutation{}, ErrQuotaExceeded
	}

	next, err := ts.s.seq.Next()
	if err != nil {
		return models.Mutation{}, fmt.Errorf("failed to allocate sequence: %w", err)
	}
	m.Seq = next + 1

	err = ts.s.db.Update(func(txn *badger.Txn) error {
		if err := getJSON(txn, mutationIDKey(m.ID), new([]byte)); err == nil {
			return fmt.Errorf("%w: duplicate mutation id %s", ErrInvalid, m.ID)
		}

		rkey := recordKey(ts.tenantID, string(m.EntityType), m.EntityID)
		var rec models.Record
		found := true
		switch err := getJSON(txn, rkey, &rec); err {
		case nil:
		case ErrNotFound:
			found = false
		default:
			return err
		}
		if found && m.BaseVersion == 0 {
			m.BaseVersion = rec.ServerVersion
		}

		if found || m.Operation != models.OpDelete {
			if !found {
				rec = models.Record{
					TenantID:   ts.tenantID,
					EntityType: m.EntityType,
					EntityID:   m.EntityID,
					StaffID:    ts.staffID,
					Fields:     models.Fields{},
				}
			}
			applyPayload(&rec, m.Operation, m.Payload)
			rec.LocalVersion++
			rec.UpdatedAt = m.ClientTimestamp
			rec.SyncStatus = models.SyncStatusPending
			if err := setJSON(txn, rkey, rec); err != nil {
				return err
			}
		}

		mkey := mutationKey(ts.tenantID, m.Seq)
		if err := setJSON(txn, mkey, m); err != nil {
			return err
		}
		if err := setJSON(txn, mutationIDKey(m.ID), mkey); err != nil {
			return err
		}
		if !found {
			return ts.enforceBound(txn, m.EntityType, ts.staffID)
		}
		return nil
	})
	if err != nil {
		return models.Mutation{}, fmt.Errorf("failed to enqueue mutation: %w", err)
	}

	ts.s.queued++
	return m, nil
}

func applyPayload(rec *models.Record, op models.Operation, payload models.Fields) {
	if rec.Fields == nil {
		rec.Fields = models.Fields{}
	}
	switch op {
	case models.OpDelete:
		rec.Deleted = true
	default:
		rec.Deleted = false
		for k, v := range payload {
			rec.Fields[k] = v
		}
	}
}

// DequeuePending returns every queue entry of the tenant in enqueue order,
// including blocked ones. Entries stay queued until MarkSynced.
func (ts *TenantStore) DequeuePending(ctx context.Context) ([]models.Mutation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []models.Mutation
	err := ts.s.db.View(func(txn *badger.Txn) error {
		return scanJSON(txn, mutationPrefix(ts.tenantID), func(_ []byte, val []byte) error {
			var m models.Mutation
			if err := json.Unmarshal(val, &m); err != nil {
				return fmt.Errorf("failed to decode mutation: %w", err)
			}
			if m.TenantID == ts.tenantID {
				out = append(out, m)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	return out, nil
}

// GetMutation returns one queue entry of the tenant.
func (ts *TenantStore) GetMutation(ctx context.Context, id string) (*models.Mutation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var m models.Mutation
	err := ts.s.db.View(func(txn *badger.Txn) error {
		var err error
		m, _, err = ts.loadMutation(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (ts *TenantStore) loadMutation(txn *badger.Txn, id string) (models.Mutation, []byte, error) {
	var mkey []byte
	if err := getJSON(txn, mutationIDKey(id), &mkey); err != nil {
		return models.Mutation{}, nil, err
	}
	var m models.Mutation
	if err := getJSON(txn, mkey, &m); err != nil {
		return models.Mutation{}, nil, err
	}
	if m.TenantID != ts.tenantID {
		return models.Mutation{}, nil, ErrNotFound
	}
	return m, mkey, nil
}

// update loads mutation id, lets fn change it and the record, and writes both
// back in one transaction.
func (ts *TenantStore) update(ctx context.Context, id string, fn func(txn *badger.Txn, m *models.Mutation) error) (models.Mutation, error) {
	if err := ctx.Err(); err != nil {
		return models.Mutation{}, err
	}
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()

	var out models.Mutation
	err := ts.s.db.Update(func(txn *badger.Txn) error {
		m, mkey, err := ts.loadMutation(txn, id)
		if err != nil {
			return err
		}
		if err := fn(txn, &m); err != nil {
			return err
		}
		out = m
		return setJSON(txn, mkey, m)
	})
	return out, err
}

func (ts *TenantStore) setRecordStatus(txn *badger.Txn, m *models.Mutation, status models.SyncStatus) error {
	rkey := recordKey(ts.tenantID, string(m.EntityType), m.EntityID)
	var rec models.Record
	switch err := getJSON(txn, rkey, &rec); err {
	case nil:
	case ErrNotFound:
		return nil
	default:
		return err
	}
	rec.SyncStatus = status
	return setJSON(txn, rkey, rec)
}

// MarkSynced removes an acknowledged mutation. The cached record takes the
// acknowledged server version and later queued mutations of the same entity,
// which were written on top of this one, are rebased onto it. The record
// becomes synced once nothing else is queued for it.
func (ts *TenantStore) MarkSynced(ctx context.Context, id string, ack models.Ack) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()

	err := ts.s.db.Update(func(txn *badger.Txn) error {
		m, mkey, err := ts.loadMutation(txn, id)
		if err != nil {
			return err
		}
		if err := txn.Delete(mkey); err != nil {
			return err
		}
		if err := txn.Delete(mutationIDKey(id)); err != nil {
			return err
		}

		remaining := 0
		var later []models.Mutation
		var laterKeys [][]byte
		err = scanJSON(txn, mutationPrefix(ts.tenantID), func(key []byte, val []byte) error {
			var other models.Mutation
			if err := json.Unmarshal(val, &other); err != nil {
				return err
			}
			if other.ID == m.ID || other.EntityKey() != m.EntityKey() {
				return nil
			}
			remaining++
			if other.Seq > m.Seq && other.BaseVersion < ack.Version {
				other.BaseVersion = ack.Version
				later = append(later, other)
				laterKeys = append(laterKeys, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for i := range later {
			if err := setJSON(txn, laterKeys[i], later[i]); err != nil {
				return err
			}
		}

		rkey := recordKey(ts.tenantID, string(m.EntityType), m.EntityID)
		var rec models.Record
		switch err := getJSON(txn, rkey, &rec); err {
		case nil:
		case ErrNotFound:
			return nil
		default:
			return err
		}
		if m.Operation == models.OpDelete && remaining == 0 {
			return txn.Delete(rkey)
		}
		rec.ServerVersion = ack.Version
		if remaining == 0 {
			rec.SyncStatus = models.SyncStatusSynced
		}
		return setJSON(txn, rkey, rec)
	})
	if err != nil {
		return fmt.Errorf("failed to mark mutation synced: %w", err)
	}
	ts.s.queued--
	return nil
}

// MarkConflicted records the conflict for a rejected mutation. The entry stays
// in the queue until it is resolved.
func (ts *TenantStore) MarkConflicted(ctx context.Context, id string, c *models.Conflict) (models.Mutation, error) {
	m, err := ts.update(ctx, id, func(txn *badger.Txn, m *models.Mutation) error {
		m.State = models.StateConflicted
		m.Conflict = c
		return ts.setRecordStatus(txn, m, models.SyncStatusConflicted)
	})
	if err != nil {
		return models.Mutation{}, fmt.Errorf("failed to mark mutation conflicted: %w", err)
	}
	return m, nil
}

// MarkManualPending parks a mutation until a human picks the field values.
func (ts *TenantStore) MarkManualPending(ctx context.Context, id string, c *models.Conflict) (models.Mutation, error) {
	m, err := ts.update(ctx, id, func(txn *badger.Txn, m *models.Mutation) error {
		m.State = models.StateManualPending
		if c != nil {
			m.Conflict = c
		}
		return ts.setRecordStatus(txn, m, models.SyncStatusConflicted)
	})
	if err != nil {
		return models.Mutation{}, fmt.Errorf("failed to mark mutation for manual resolution: %w", err)
	}
	return m, nil
}

// MarkAttemptFailed counts a transient failure and schedules the next attempt.
func (ts *TenantStore) MarkAttemptFailed(ctx context.Context, id, reason string, nextAttempt time.Time) (models.Mutation, error) {
	m, err := ts.update(ctx, id, func(_ *badger.Txn, m *models.Mutation) error {
		m.State = models.StatePending
		m.AttemptCount++
		m.LastError = reason
		m.NextAttemptAt = nextAttempt
		return nil
	})
	if err != nil {
		return models.Mutation{}, fmt.Errorf("failed to record attempt: %w", err)
	}
	return m, nil
}

// MarkAbandoned stops retrying a mutation. It stays queued for an explicit retry.
func (ts *TenantStore) MarkAbandoned(ctx context.Context, id, reason string) (models.Mutation, error) {
	m, err := ts.update(ctx, id, func(_ *badger.Txn, m *models.Mutation) error {
		m.State = models.StateAbandoned
		m.AttemptCount++
		m.LastError = reason
		m.NextAttemptAt = time.Time{}
		return nil
	})
	if err != nil {
		return models.Mutation{}, fmt.Errorf("failed to abandon mutation: %w", err)
	}
	return m, nil
}

// ReplaceMerged swaps a conflicted mutation for its merged resubmission. The
// entry keeps its sequence number and receives a new id.
func (ts *TenantStore) ReplaceMerged(ctx context.Context, id string, op models.Operation, payload models.Fields, baseVersion int64) (models.Mutation, error) {
	if err := ctx.Err(); err != nil {
		return models.Mutation{}, err
	}
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()

	var out models.Mutation
	err := ts.s.db.Update(func(txn *badger.Txn) error {
		m, mkey, err := ts.loadMutation(txn, id)
		if err != nil {
			return err
		}
		if err := txn.Delete(mutationIDKey(id)); err != nil {
			return err
		}
		m.ID = uuid.NewString()
		m.Operation = op
		m.Payload = payload
		m.BaseVersion = baseVersion
		m.State = models.StatePending
		m.Resubmitted = true
		m.Conflict = nil
		m.NextAttemptAt = time.Time{}
		if err := setJSON(txn, mkey, m); err != nil {
			return err
		}
		if err := setJSON(txn, mutationIDKey(m.ID), mkey); err != nil {
			return err
		}

		rkey := recordKey(ts.tenantID, string(m.EntityType), m.EntityID)
		var rec models.Record
		switch err := getJSON(txn, rkey, &rec); err {
		case nil:
			if op != models.OpDelete {
				rec.Fields = payload.Clone()
			}
			applyPayload(&rec, op, nil)
			rec.SyncStatus = models.SyncStatusPending
			if err := setJSON(txn, rkey, rec); err != nil {
				return err
			}
		case ErrNotFound:
		default:
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return models.Mutation{}, fmt.Errorf("failed to replace merged mutation: %w", err)
	}
	return out, nil
}

// ResolveManual requeues a manual-pending mutation with the payload a human
// chose. The conflict's server version becomes the base and the decision time
// the client timestamp.
func (ts *TenantStore) ResolveManual(ctx context.Context, id string, payload models.Fields) (models.Mutation, error) {
	now := ts.s.now()
	m, err := ts.update(ctx, id, func(txn *badger.Txn, m *models.Mutation) error {
		if m.State != models.StateManualPending || m.Conflict == nil {
			return fmt.Errorf("%w: %s is %s", ErrInvalidState, m.ID, m.State)
		}
		if m.Conflict.Server.Deleted {
			m.Operation = models.OpCreate
		} else if m.Operation != models.OpDelete {
			m.Operation = models.OpUpdate
		}
		m.Payload = payload
		m.BaseVersion = m.Conflict.Server.Version
		m.ClientTimestamp = now
		m.State = models.StatePending
		m.AttemptCount = 0
		m.LastError = ""
		m.Resubmitted = false
		m.Conflict = nil

		rkey := recordKey(ts.tenantID, string(m.EntityType), m.EntityID)
		var rec models.Record
		switch err := getJSON(txn, rkey, &rec); err {
		case nil:
			applyPayload(&rec, m.Operation, payload)
			rec.LocalVersion++
			rec.UpdatedAt = now
			rec.SyncStatus = models.SyncStatusPending
			return setJSON(txn, rkey, rec)
		case ErrNotFound:
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return models.Mutation{}, fmt.Errorf("failed to apply manual resolution: %w", err)
	}
	return m, nil
}

// RetryMutation returns an abandoned mutation to the queue with a fresh
// attempt budget.
func (ts *TenantStore) RetryMutation(ctx context.Context, id string) (models.Mutation, error) {
	m, err := ts.update(ctx, id, func(_ *badger.Txn, m *models.Mutation) error {
		if m.State != models.StateAbandoned {
			return fmt.Errorf("%w: %s is %s", ErrInvalidState, m.ID, m.State)
		}
		m.State = models.StatePending
		m.AttemptCount = 0
		m.NextAttemptAt = time.Time{}
		return nil
	})
	if err != nil {
		return models.Mutation{}, fmt.Errorf("failed to retry mutation: %w", err)
	}
	return m, nil
}

// DiscardMutation removes a blocked mutation at the user's explicit request.
// When the conflict carried a server snapshot the cached record falls back to
// it, and the record is synced again once nothing else is queued for it.
func (ts *TenantStore) DiscardMutation(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()

	err := ts.s.db.Update(func(txn *badger.Txn) error {
		m, mkey, err := ts.loadMutation(txn, id)
		if err != nil {
			return err
		}
		if !m.State.Blocking() {
			return fmt.Errorf("%w: only abandoned or manual mutations can be discarded", ErrInvalidState)
		}
		if err := txn.Delete(mkey); err != nil {
			return err
		}
		if err := txn.Delete(mutationIDKey(id)); err != nil {
			return err
		}

		remaining := 0
		err = scanJSON(txn, mutationPrefix(ts.tenantID), func(_ []byte, val []byte) error {
			var other models.Mutation
			if err := json.Unmarshal(val, &other); err != nil {
				return err
			}
			if other.EntityKey() == m.EntityKey() {
				remaining++
			}
			return nil
		})
		if err != nil {
			return err
		}

		rkey := recordKey(ts.tenantID, string(m.EntityType), m.EntityID)
		var rec models.Record
		switch err := getJSON(txn, rkey, &rec); err {
		case nil:
		case ErrNotFound:
			return nil
		default:
			return err
		}
		if m.Conflict != nil {
			if m.Conflict.Server.Deleted && remaining == 0 {
				return txn.Delete(rkey)
			}
			if !m.Conflict.Server.Deleted {
				rec.Fields = m.Conflict.Server.Fields.Clone()
				rec.ServerVersion = m.Conflict.Server.Version
				rec.Deleted = false
			}
		}
		if remaining == 0 {
			rec.SyncStatus = models.SyncStatusSynced
		}
		return setJSON(txn, rkey, rec)
	})
	if err != nil {
		return fmt.Errorf("failed to discard mutation: %w", err)
	}
	ts.s.queued--
	return nil
}

// PendingCount is the number of mutations still waiting to be submitted.
func (ts *TenantStore) PendingCount(ctx context.Context) (int, error) {
	queue, err := ts.DequeuePending(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range queue {
		if m.State == models.StatePending || m.State == models.StateConflicted {
			n++
		}
	}
	return n, nil
}

// Conflicts returns the conflicts awaiting a manual decision, in queue order.
func (ts *TenantStore) Conflicts(ctx context.Context) ([]models.Conflict, error) {
	queue, err := ts.DequeuePending(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.Conflict
	for _, m := range queue {
		if m.State == models.StateManualPending && m.Conflict != nil {
			out = append(out, *m.Conflict)
		}
	}
	return out, nil
}

// Stats summarises local storage for the tenant.
func (ts *TenantStore) Stats(ctx context.Context) (models.Stats, error) {
	if err := ctx.Err(); err != nil {
		return models.Stats{}, err
	}
	st := models.Stats{TenantID: ts.tenantID}
	var bytes int64
	err := ts.s.db.View(func(txn *badger.Txn) error {
		err := scanJSON(txn, recordPrefix(ts.tenantID, ""), func(key []byte, val []byte) error {
			var rec models.Record
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			bytes += int64(len(key) + len(val))
			switch rec.EntityType {
			case models.EntityAnalysis:
				st.Analyses++
			case models.EntityLead:
				st.Leads++
			}
			return nil
		})
		if err != nil {
			return err
		}
		err = scanJSON(txn, mutationPrefix(ts.tenantID), func(key []byte, val []byte) error {
			var m models.Mutation
			if err := json.Unmarshal(val, &m); err != nil {
				return err
			}
			bytes += int64(len(key) + len(val))
			switch m.State {
			case models.StateManualPending:
				st.Conflicted++
			case models.StateAbandoned:
				st.Abandoned++
			default:
				st.Pending++
			}
			return nil
		})
		if err != nil {
			return err
		}
		var last time.Time
		switch err := getJSON(txn, cleanupKey(ts.tenantID), &last); err {
		case nil:
			st.LastCleanup = &last
		case ErrNotFound:
		default:
			return err
		}
		return nil
	})
	if err != nil {
		return models.Stats{}, fmt.Errorf("failed to compute stats: %w", err)
	}
	st.EstimatedSizeKB = float64(bytes) / 1024
	return st, nil
}
