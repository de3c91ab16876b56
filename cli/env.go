// ABOUTME: Shared command environment for the clinic sync CLI
// ABOUTME: Opens the device store and sync manager from config and resolves the target clinic
package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/harperreed/clinicsync/config"
	"github.com/harperreed/clinicsync/store"
	"github.com/harperreed/clinicsync/syncer"
	"go.uber.org/zap"
)

// Env is what device-side commands run against.
type Env struct {
	Config  *config.Config
	Store   *store.Store
	Session store.Session
	Manager *syncer.Manager
	Log     *zap.Logger
}

// OpenEnv opens the staff profile's store and builds a sync manager.
func OpenEnv(cfg *config.Config, log *zap.Logger) (*Env, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.ResolvedStorePath(), store.Options{
		MaxPendingMutations: cfg.MaxPending,
		MaxRecordsPerStaff:  cfg.MaxRecords,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	return NewEnv(cfg, st, log), nil
}

// NewEnv wires an already opened store.
func NewEnv(cfg *config.Config, st *store.Store, log *zap.Logger) *Env {
	if log == nil {
		log = zap.NewNop()
	}
	session := store.Session{StaffID: cfg.StaffID, Tenants: cfg.Tenants}
	remote := syncer.NewHTTPRemote(cfg.ServerURL, cfg.Token, syncer.DefaultRequestTimeout)
	mgr := syncer.New(st, session, remote, nil, syncer.Options{
		Interval: time.Duration(cfg.SyncInterval),
	}, log)
	return &Env{Config: cfg, Store: st, Session: session, Manager: mgr, Log: log}
}

// Close closes the store.
func (e *Env) Close() error {
	return e.Store.Close()
}

// Tenant returns the requested clinic, or the only clinic in the session.
func (e *Env) Tenant(requested string) (*store.TenantStore, error) {
	if requested == "" {
		if len(e.Session.Tenants) != 1 {
			return nil, fmt.Errorf("--tenant is required when signed in to %d clinics", len(e.Session.Tenants))
		}
		requested = e.Session.Tenants[0]
	}
	return e.Store.Scope(e.Session, requested)
}

// queueError turns a full backlog into the message staff see.
func queueError(err error) error {
	if errors.Is(err, store.ErrQuotaExceeded) {
		return store.ErrQuotaExceeded
	}
	return fmt.Errorf("failed to queue edit: %w", err)
}
