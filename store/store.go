// ABOUTME: BadgerDB-backed offline store for one staff device profile
// ABOUTME: Holds cached records, the pending mutation queue, and the clinic cache behind tenant scopes
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
)

const (
	// DefaultMaxPendingMutations bounds offline queue growth per device.
	DefaultMaxPendingMutations = 500

	// DefaultMaxRecordsPerStaff is the retained window of records per entity type.
	DefaultMaxRecordsPerStaff = 50

	// DefaultRetentionWindow is how long synced records are kept before cleanup.
	DefaultRetentionWindow = 24 * time.Hour

	seqBandwidth = 64
)

// Key prefixes. Each is a logical table.
const (
	prefixRecord   = "rec/"
	prefixMutation = "mut/"
	prefixMutID    = "mid/"
	prefixClinic   = "clinic/"
	prefixMeta     = "meta/"
	keySequence    = "meta/seq"
)

// Options configures store bounds.
type Options struct {
	MaxPendingMutations int
	MaxRecordsPerStaff  int
	RetentionWindow     time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxPendingMutations <= 0 {
		o.MaxPendingMutations = DefaultMaxPendingMutations
	}
	if o.MaxRecordsPerStaff <= 0 {
		o.MaxRecordsPerStaff = DefaultMaxRecordsPerStaff
	}
	if o.RetentionWindow <= 0 {
		o.RetentionWindow = DefaultRetentionWindow
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Session is the authenticated staff member and the tenants they may access.
type Session struct {
	StaffID string
	Tenants []string
}

// Allows reports whether the session is scoped to tenantID.
func (s Session) Allows(tenantID string) bool {
	for _, t := range s.Tenants {
		if t == tenantID {
			return true
		}
	}
	return false
}

// Store is the device-level database. Use Scope to obtain a tenant view.
type Store struct {
	db   *badger.DB
	seq  *badger.Sequence
	opts Options

	// mu serializes writes so quota checks, sequence allocation and queue
	// appends happen as one step.
	mu     sync.Mutex
	queued int
}

// Open opens or creates the store at path.
func Open(path string, opts Options) (*Store, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return open(badger.DefaultOptions(path).WithLogger(nil), opts)
}

// OpenInMemory opens a store that lives only in memory.
func OpenInMemory(opts Options) (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil), opts)
}

func open(bopts badger.Options, opts Options) (*Store, error) {
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	seq, err := db.GetSequence([]byte(keySequence), seqBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open sequence: %w", err)
	}

	s := &Store{db: db, seq: seq, opts: opts.withDefaults()}
	if s.queued, err = s.countPrefix([]byte(prefixMutation)); err != nil {
		_ = seq.Release()
		_ = db.Close()
		return nil, fmt.Errorf("failed to count queue: %w", err)
	}
	return s, nil
}

// Close releases the sequence lease and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.seq.Release(); err != nil {
		_ = s.db.Close()
		return fmt.Errorf("failed to release sequence: %w", err)
	}
	return s.db.Close()
}

// ClearAll drops every record, mutation and cache entry on the device.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, prefix := range []string{prefixRecord, prefixMutation, prefixMutID, prefixClinic} {
		if err := s.db.DropPrefix([]byte(prefix)); err != nil {
			return fmt.Errorf("failed to clear %s: %w", strings.TrimSuffix(prefix, "/"), err)
		}
	}
	s.queued = 0
	return nil
}

// QueueLength is the number of queue entries across all tenants.
func (s *Store) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued
}

// Scope returns a view bound to tenantID. The tenant must be in the session.
func (s *Store) Scope(sess Session, tenantID string) (*TenantStore, error) {
	if tenantID == "" || strings.Contains(tenantID, "/") {
		return nil, fmt.Errorf("%w: tenant id %q", ErrInvalid, tenantID)
	}
	if !sess.Allows(tenantID) {
		return nil, fmt.Errorf("%w: %s", ErrTenantForbidden, tenantID)
	}
	return &TenantStore{s: s, tenantID: tenantID, staffID: sess.StaffID}, nil
}

func (s *Store) now() time.Time {
	return s.opts.Now()
}

func (s *Store) countPrefix(prefix []byte) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func recordKey(tenantID, entityType, entityID string) []byte {
	return []byte(prefixRecord + tenantID + "/" + entityType + "/" + entityID)
}

func recordPrefix(tenantID, entityType string) []byte {
	if entityType == "" {
		return []byte(prefixRecord + tenantID + "/")
	}
	return []byte(prefixRecord + tenantID + "/" + entityType + "/")
}

func mutationKey(tenantID string, seq uint64) []byte {
	key := make([]byte, 0, len(prefixMutation)+len(tenantID)+1+8)
	key = append(key, prefixMutation...)
	key = append(key, tenantID...)
	key = append(key, '/')
	return binary.BigEndian.AppendUint64(key, seq)
}

func mutationPrefix(tenantID string) []byte {
	return []byte(prefixMutation + tenantID + "/")
}

func mutationIDKey(id string) []byte {
	return []byte(prefixMutID + id)
}

func clinicKey(tenantID string) []byte {
	return []byte(prefixClinic + tenantID)
}

func cleanupKey(tenantID string) []byte {
	return []byte(prefixMeta + tenantID + "/last_cleanup")
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}
	return txn.Set(key, data)
}

// scanJSON decodes every value under prefix in key order.
func scanJSON(txn *badger.Txn, prefix []byte, fn func(key []byte, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		if err := item.Value(func(val []byte) error {
			return fn(key, val)
		}); err != nil {
			return err
		}
	}
	return nil
}
