// ABOUTME: Tenant-scoped record cache operations with a bounded retention window
// ABOUTME: Evicts oldest synced records first when a staff member exceeds the per-type bound
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/harperreed/clinicsync/models"
)

// TenantStore is the store as seen by one authenticated session for one tenant.
// Every key it reads or writes is prefixed with its tenant.
type TenantStore struct {
	s        *Store
	tenantID string
	staffID  string
}

// TenantID returns the scoped tenant.
func (ts *TenantStore) TenantID() string {
	return ts.tenantID
}

// StaffID returns the session staff member.
func (ts *TenantStore) StaffID() string {
	return ts.staffID
}

func (ts *TenantStore) checkTenant(tenantID string) error {
	if tenantID != "" && tenantID != ts.tenantID {
		return fmt.Errorf("%w: %s is scoped to %s", ErrCrossTenant, tenantID, ts.tenantID)
	}
	return nil
}

// UpsertRecord writes or overwrites a cached record and enforces the retention
// bound for its entity type.
func (ts *TenantStore) UpsertRecord(ctx context.Context, rec models.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ts.checkTenant(rec.TenantID); err != nil {
		return err
	}
	if !rec.EntityType.Valid() || rec.EntityID == "" {
		return fmt.Errorf("%w: record needs a known entity type and an id", ErrInvalid)
	}

	rec.TenantID = ts.tenantID
	if rec.StaffID == "" {
		rec.StaffID = ts.staffID
	}
	if rec.SyncStatus == "" {
		rec.SyncStatus = models.SyncStatusSynced
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = ts.s.now()
	}
	if rec.Fields == nil {
		rec.Fields = models.Fields{}
	}

	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()

	err := ts.s.db.Update(func(txn *badger.Txn) error {
		key := recordKey(ts.tenantID, string(rec.EntityType), rec.EntityID)
		var existing models.Record
		switch err := getJSON(txn, key, &existing); err {
		case nil:
			rec.LocalVersion = existing.LocalVersion + 1
			if existing.SyncStatus != models.SyncStatusSynced {
				rec.SyncStatus = existing.SyncStatus
			}
		case ErrNotFound:
			if rec.LocalVersion < 1 {
				rec.LocalVersion = 1
			}
		default:
			return err
		}
		if err := setJSON(txn, key, rec); err != nil {
			return err
		}
		return ts.enforceBound(txn, rec.EntityType, rec.StaffID)
	})
	if err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}
	return nil
}

// GetRecord returns one cached record.
func (ts *TenantStore) GetRecord(ctx context.Context, entityType models.EntityType, entityID string) (*models.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec models.Record
	err := ts.s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, recordKey(ts.tenantID, string(entityType), entityID), &rec)
	})
	if err != nil {
		return nil, err
	}
	if rec.TenantID != ts.tenantID {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// ListRecords returns cached records of one type, newest UpdatedAt first.
// A limit of zero returns everything.
func (ts *TenantStore) ListRecords(ctx context.Context, entityType models.EntityType, limit int) ([]models.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var recs []models.Record
	err := ts.s.db.View(func(txn *badger.Txn) error {
		var err error
		recs, err = ts.loadRecords(txn, entityType)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].UpdatedAt.After(recs[j].UpdatedAt)
	})
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (ts *TenantStore) loadRecords(txn *badger.Txn, entityType models.EntityType) ([]models.Record, error) {
	var recs []models.Record
	err := scanJSON(txn, recordPrefix(ts.tenantID, string(entityType)), func(_ []byte, val []byte) error {
		var rec models.Record
		if err := json.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("failed to decode record: %w", err)
		}
		if rec.TenantID != ts.tenantID {
			return nil
		}
		recs = append(recs, rec)
		return nil
	})
	return recs, err
}

// enforceBound evicts records of entityType owned by staffID beyond the
// configured maximum: synced records with the oldest UpdatedAt go first, then
// the oldest unsynced ones. Queued mutations are never touched.
func (ts *TenantStore) enforceBound(txn *badger.Txn, entityType models.EntityType, staffID string) error {
	recs, err := ts.loadRecords(txn, entityType)
	if err != nil {
		return err
	}
	owned := recs[:0]
	for _, r := range recs {
		if r.StaffID == staffID {
			owned = append(owned, r)
		}
	}
	over := len(owned) - ts.s.opts.MaxRecordsPerStaff
	if over <= 0 {
		return nil
	}

	sort.Slice(owned, func(i, j int) bool {
		si := owned[i].SyncStatus == models.SyncStatusSynced
		sj := owned[j].SyncStatus == models.SyncStatusSynced
		if si != sj {
			return si
		}
		if !owned[i].UpdatedAt.Equal(owned[j].UpdatedAt) {
			return owned[i].UpdatedAt.Before(owned[j].UpdatedAt)
		}
		return owned[i].EntityID < owned[j].EntityID
	})
	for _, r := range owned[:over] {
		if err := txn.Delete(recordKey(ts.tenantID, string(r.EntityType), r.EntityID)); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup removes synced records whose UpdatedAt is older than the retention
// window and returns how many were removed.
func (ts *TenantStore) Cleanup(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cutoff := now.Add(-ts.s.opts.RetentionWindow)

	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()

	removed := 0
	err := ts.s.db.Update(func(txn *badger.Txn) error {
		recs, err := ts.loadRecords(txn, "")
		if err != nil {
			return err
		}
		for _, r := range recs {
			if r.SyncStatus != models.SyncStatusSynced || !r.UpdatedAt.Before(cutoff) {
				continue
			}
			if err := txn.Delete(recordKey(ts.tenantID, string(r.EntityType), r.EntityID)); err != nil {
				return err
			}
			removed++
		}
		return setJSON(txn, cleanupKey(ts.tenantID), now.UTC())
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clean up records: %w", err)
	}
	return removed, nil
}

// CacheClinic stores clinic metadata for ttl.
func (ts *TenantStore) CacheClinic(ctx context.Context, info models.ClinicInfo, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ts.checkTenant(info.TenantID); err != nil {
		return err
	}
	info.TenantID = ts.tenantID
	if info.CachedAt.IsZero() {
		info.CachedAt = ts.s.now()
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode clinic: %w", err)
	}
	return ts.s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(clinicKey(ts.tenantID), data).WithTTL(ttl))
	})
}

// CachedClinic returns cached clinic metadata, or ErrNotFound once expired.
func (ts *TenantStore) CachedClinic(ctx context.Context) (*models.ClinicInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var info models.ClinicInfo
	err := ts.s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, clinicKey(ts.tenantID), &info)
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}
