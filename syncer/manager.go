// ABOUTME: Background sync manager draining each tenant's mutation queue in order
// ABOUTME: Owns retry and backoff, conflict resolution, progress events, and status counts
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harperreed/clinicsync/conflict"
	"github.com/harperreed/clinicsync/models"
	"github.com/harperreed/clinicsync/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxAttempts  = 5
	DefaultBaseBackoff  = time.Second
	DefaultMaxBackoff   = 5 * time.Minute
	DefaultSyncInterval = 30 * time.Second
)

// Options tunes retry behaviour and the periodic drain.
type Options struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Interval is the periodic drain period while online.
	Interval time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = DefaultBaseBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.Interval <= 0 {
		o.Interval = DefaultSyncInterval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Result summarises one drain pass over a tenant queue.
type Result struct {
	Tenant string `json:"tenant"`
	// AlreadyRunning is set when another pass for the tenant was in flight
	// and this call did nothing.
	AlreadyRunning bool `json:"already_running,omitempty"`
	Total          int  `json:"total"`
	Synced         int  `json:"synced"`
	Merged         int  `json:"merged"`
	Manual         int  `json:"manual"`
	Failed         int  `json:"failed"`
	Abandoned      int  `json:"abandoned"`
	Blocked        int  `json:"blocked"`
	// Offline is set when the pass stopped early because the server was
	// unreachable.
	Offline bool `json:"offline,omitempty"`
}

// Progress is emitted to subscribers while a pass runs.
type Progress struct {
	Tenant     string `json:"tenant"`
	Total      int    `json:"total"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	InProgress bool   `json:"in_progress"`
	Current    string `json:"current,omitempty"`
	// State is the step the current entry is at: submitting, conflicted or
	// resolving, then the state it left the pass in.
	State models.MutationState `json:"state,omitempty"`
}

// TenantStatus feeds the sync badges.
type TenantStatus struct {
	Tenant     string    `json:"tenant"`
	Pending    int       `json:"pending"`
	Conflicted int       `json:"conflicted"`
	Failed     int       `json:"failed"`
	Syncing    bool      `json:"syncing"`
	LastSync   time.Time `json:"last_sync,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// Choice selects which side wins one conflicting field.
type Choice string

const (
	ChooseLocal  Choice = "local"
	ChooseServer Choice = "server"
)

// Manager drains the queues of every tenant in a session.
type Manager struct {
	store    *store.Store
	session  store.Session
	remote   Remote
	resolver *conflict.Resolver
	opts     Options
	log      *zap.Logger

	mu           sync.Mutex
	running      map[string]bool
	lastSync     map[string]time.Time
	lastError    map[string]string
	listeners    map[int]func(Progress)
	nextListener int
}

// New creates a manager. A nil resolver uses the default policies and a nil
// logger discards output.
func New(st *store.Store, session store.Session, remote Remote, resolver *conflict.Resolver, opts Options, log *zap.Logger) *Manager {
	if resolver == nil {
		resolver = conflict.NewDefault()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		store:     st,
		session:   session,
		remote:    remote,
		resolver:  resolver,
		opts:      opts.withDefaults(),
		log:       log,
		running:   make(map[string]bool),
		lastSync:  make(map[string]time.Time),
		lastError: make(map[string]string),
		listeners: make(map[int]func(Progress)),
	}
}

// Subscribe registers fn for progress events and returns a function that
// removes it. fn is called synchronously from the draining goroutine.
func (m *Manager) Subscribe(fn func(Progress)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *Manager) emit(p Progress) {
	m.mu.Lock()
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Progress), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.listeners[id])
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(p)
	}
}

func (m *Manager) acquire(tenantID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running[tenantID] {
		return false
	}
	m.running[tenantID] = true
	return true
}

func (m *Manager) release(tenantID string, res Result, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.running, tenantID)
	switch {
	case err != nil:
		m.lastError[tenantID] = err.Error()
	case res.Offline:
		m.lastError[tenantID] = ErrNetwork.Error()
	default:
		m.lastSync[tenantID] = m.opts.Now()
		delete(m.lastError, tenantID)
	}
}

// DrainAll drains every tenant of the session concurrently. Within a tenant
// submissions stay strictly sequential.
func (m *Manager) DrainAll(ctx context.Context) ([]Result, error) {
	results := make([]Result, len(m.session.Tenants))
	g, gctx := errgroup.WithContext(ctx)
	for i, tenantID := range m.session.Tenants {
		g.Go(func() error {
			res, err := m.Drain(gctx, tenantID)
			results[i] = res
			if err != nil {
				return fmt.Errorf("failed to drain %s: %w", tenantID, err)
			}
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

type disposition int

// attempt is how one mutation left a pass, with the failure behind it if any.
type attempt struct {
	disp  disposition
	cause error
}

const (
	dispSynced disposition = iota
	dispMerged
	dispManual
	dispFailed
	dispAbandoned
)

// Drain makes one pass over the tenant queue in enqueue order. An entity
// whose entry is waiting for a human, abandoned, or backing off holds back its
// later entries for the rest of the pass; other entities keep draining.
func (m *Manager) Drain(ctx context.Context, tenantID string) (Result, error) {
	res := Result{Tenant: tenantID}
	ts, err := m.store.Scope(m.session, tenantID)
	if err != nil {
		return res, err
	}
	if !m.acquire(tenantID) {
		res.AlreadyRunning = true
		return res, nil
	}
	res, err = m.drain(ctx, ts, res)
	m.release(tenantID, res, err)
	return res, err
}

func (m *Manager) drain(ctx context.Context, ts *store.TenantStore, res Result) (Result, error) {
	queue, err := ts.DequeuePending(ctx)
	if err != nil {
		return res, err
	}
	res.Total = len(queue)
	progress := Progress{Tenant: res.Tenant, Total: len(queue), InProgress: true}
	m.emit(progress)
	defer func() {
		progress.InProgress = false
		progress.Current = ""
		progress.State = ""
		m.emit(progress)
	}()

	blocked := make(map[string]bool)
	for _, queued := range queue {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		key := queued.EntityKey()
		if blocked[key] {
			res.Blocked++
			continue
		}

		// Reload: an earlier entry of the same entity may have rebased this one.
		mut, err := ts.GetMutation(ctx, queued.ID)
		if err != nil {
			return res, err
		}
		if mut.State.Blocking() || mut.NextAttemptAt.After(m.opts.Now()) {
			blocked[key] = true
			res.Blocked++
			continue
		}

		progress.Current = key
		report := func(state models.MutationState) {
			progress.State = state
			m.emit(progress)
		}

		att, err := m.process(ctx, ts, *mut, report)
		if err != nil {
			return res, err
		}
		switch att.disp {
		case dispSynced:
			res.Synced++
			progress.Completed++
			progress.State = models.StateSynced
		case dispMerged:
			res.Synced++
			res.Merged++
			progress.Completed++
			progress.State = models.StateSynced
		case dispManual:
			res.Manual++
			progress.Failed++
			progress.State = models.StateManualPending
			blocked[key] = true
		case dispFailed:
			res.Failed++
			progress.Failed++
			progress.State = models.StateFailed
			blocked[key] = true
			if errors.Is(att.cause, ErrNetwork) {
				m.emit(progress)
				res.Offline = true
				m.log.Info("server unreachable, stopping pass",
					zap.String("tenant", res.Tenant), zap.Error(att.cause))
				return res, nil
			}
		case dispAbandoned:
			res.Abandoned++
			progress.Failed++
			progress.State = models.StateAbandoned
			blocked[key] = true
		}
		m.emit(progress)
	}
	return res, nil
}

// process carries one mutation through submission and, on conflict,
// resolution. The returned error is non-nil only when the pass must stop.
func (m *Manager) process(ctx context.Context, ts *store.TenantStore, mut models.Mutation, report func(models.MutationState)) (attempt, error) {
	if mut.State == models.StateConflicted && mut.Conflict != nil {
		return m.resolve(ctx, ts, mut, mut.Conflict.Server, report)
	}
	return m.submit(ctx, ts, mut, report)
}

func (m *Manager) submit(ctx context.Context, ts *store.TenantStore, mut models.Mutation, report func(models.MutationState)) (attempt, error) {
	log := m.log.With(
		zap.String("tenant", mut.TenantID),
		zap.String("mutation", mut.ID),
		zap.String("entity", mut.EntityKey()),
		zap.String("operation", string(mut.Operation)),
	)
	log.Debug("submitting mutation", zap.Int64("base_version", mut.BaseVersion), zap.Int("attempt", mut.AttemptCount+1))
	report(models.StateSubmitting)

	ack, err := m.remote.Submit(ctx, mut)
	if err == nil {
		if err := ts.MarkSynced(ctx, mut.ID, ack); err != nil {
			return attempt{}, err
		}
		log.Debug("mutation synced", zap.Int64("version", ack.Version))
		if mut.Resubmitted {
			return attempt{disp: dispMerged}, nil
		}
		return attempt{disp: dispSynced}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return attempt{}, ctxErr
	}

	var conflictErr *ConflictError
	switch {
	case errors.As(err, &conflictErr):
		snap := conflictErr.Snapshot
		if mut.Resubmitted {
			log.Warn("merged mutation conflicted again, escalating to manual resolution", zap.Int64("server_version", snap.Version))
			c := m.conflictRecord(mut, snap, conflict.Differences(mut.Payload, snap.Fields))
			if _, err := ts.MarkManualPending(ctx, mut.ID, c); err != nil {
				return attempt{}, err
			}
			return attempt{disp: dispManual, cause: err}, nil
		}
		log.Info("version conflict", zap.Int64("server_version", snap.Version))
		conflicted, err := ts.MarkConflicted(ctx, mut.ID, m.conflictRecord(mut, snap, nil))
		if err != nil {
			return attempt{}, err
		}
		report(models.StateConflicted)
		return m.resolve(ctx, ts, conflicted, snap, report)

	case IsTransient(err):
		return m.fail(ctx, ts, mut, err)

	case errors.Is(err, ErrRejected):
		log.Warn("mutation rejected", zap.Error(err))
		return m.abandon(ctx, ts, mut, err)

	default:
		log.Warn("unclassified submission error, not retrying", zap.Error(err))
		return m.abandon(ctx, ts, mut, err)
	}
}

func (m *Manager) resolve(ctx context.Context, ts *store.TenantStore, mut models.Mutation, snap models.Snapshot, report func(models.MutationState)) (attempt, error) {
	report(models.StateResolving)
	switch out := m.resolver.Resolve(mut, snap).(type) {
	case *conflict.Merged:
		next, err := ts.ReplaceMerged(ctx, mut.ID, out.Operation, out.Fields, snap.Version)
		if err != nil {
			return attempt{}, err
		}
		if out.Unchanged {
			m.log.Debug("server already holds resolved state",
				zap.String("tenant", mut.TenantID), zap.String("entity", mut.EntityKey()))
			if err := ts.MarkSynced(ctx, next.ID, models.Ack{Version: snap.Version, UpdatedAt: snap.UpdatedAt}); err != nil {
				return attempt{}, err
			}
			return attempt{disp: dispMerged}, nil
		}
		m.log.Info("resubmitting merged mutation",
			zap.String("tenant", mut.TenantID),
			zap.String("entity", mut.EntityKey()),
			zap.Strings("changed", out.Changed))
		return m.submit(ctx, ts, next, report)

	case *conflict.NeedsManualResolution:
		m.log.Info("mutation needs manual resolution",
			zap.String("tenant", mut.TenantID),
			zap.String("entity", mut.EntityKey()),
			zap.Int("fields", len(out.Fields)))
		if _, err := ts.MarkManualPending(ctx, mut.ID, m.conflictRecord(mut, out.Server, out.Fields)); err != nil {
			return attempt{}, err
		}
		return attempt{disp: dispManual}, nil
	}
	return attempt{}, fmt.Errorf("unknown resolution outcome for %s", mut.ID)
}

func (m *Manager) fail(ctx context.Context, ts *store.TenantStore, mut models.Mutation, cause error) (attempt, error) {
	attempts := mut.AttemptCount + 1
	if attempts >= m.opts.MaxAttempts {
		m.log.Warn("mutation abandoned",
			zap.String("tenant", mut.TenantID), zap.String("mutation", mut.ID),
			zap.Int("attempts", attempts), zap.Error(cause))
		return m.abandon(ctx, ts, mut, fmt.Errorf("after %d attempts: %w", attempts, cause))
	}

	delay := m.Backoff(attempts)
	m.log.Info("submission failed, backing off",
		zap.String("tenant", mut.TenantID), zap.String("mutation", mut.ID),
		zap.Int("attempts", attempts), zap.Duration("delay", delay), zap.Error(cause))
	if _, err := ts.MarkAttemptFailed(ctx, mut.ID, cause.Error(), m.opts.Now().Add(delay)); err != nil {
		return attempt{}, err
	}
	return attempt{disp: dispFailed, cause: cause}, nil
}

// abandon parks the mutation until a human retries or discards it. The
// recorded error wraps ErrAbandoned.
func (m *Manager) abandon(ctx context.Context, ts *store.TenantStore, mut models.Mutation, cause error) (attempt, error) {
	cause = fmt.Errorf("%w: %w", ErrAbandoned, cause)
	if _, err := ts.MarkAbandoned(ctx, mut.ID, cause.Error()); err != nil {
		return attempt{}, err
	}
	return attempt{disp: dispAbandoned, cause: cause}, nil
}

// Backoff is the wait after the given number of failed attempts:
// BaseBackoff doubled per attempt, capped at MaxBackoff.
func (m *Manager) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := m.opts.BaseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= m.opts.MaxBackoff {
			return m.opts.MaxBackoff
		}
	}
	if delay > m.opts.MaxBackoff {
		return m.opts.MaxBackoff
	}
	return delay
}

func (m *Manager) conflictRecord(mut models.Mutation, snap models.Snapshot, fields []models.FieldConflict) *models.Conflict {
	return &models.Conflict{
		MutationID:   mut.ID,
		TenantID:     mut.TenantID,
		EntityType:   mut.EntityType,
		EntityID:     mut.EntityID,
		LocalPayload: mut.Payload.Clone(),
		Server:       snap,
		Fields:       fields,
		DetectedAt:   m.opts.Now(),
	}
}

// Status returns badge counts for every session tenant.
func (m *Manager) Status(ctx context.Context) ([]TenantStatus, error) {
	out := make([]TenantStatus, 0, len(m.session.Tenants))
	for _, tenantID := range m.session.Tenants {
		ts, err := m.store.Scope(m.session, tenantID)
		if err != nil {
			return nil, err
		}
		st, err := ts.Stats(ctx)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		status := TenantStatus{
			Tenant:     tenantID,
			Pending:    st.Pending,
			Conflicted: st.Conflicted,
			Failed:     st.Abandoned,
			Syncing:    m.running[tenantID],
			LastSync:   m.lastSync[tenantID],
			LastError:  m.lastError[tenantID],
		}
		m.mu.Unlock()
		out = append(out, status)
	}
	return out, nil
}

// Conflicts lists the conflicts of one tenant awaiting a decision.
func (m *Manager) Conflicts(ctx context.Context, tenantID string) ([]models.Conflict, error) {
	ts, err := m.store.Scope(m.session, tenantID)
	if err != nil {
		return nil, err
	}
	return ts.Conflicts(ctx)
}

// ApplyManualResolution requeues a manual-pending mutation using one choice
// per conflicting field. Fields the human was not asked about are merged as
// the resolver would.
func (m *Manager) ApplyManualResolution(ctx context.Context, tenantID, mutationID string, choices map[string]Choice) (models.Mutation, error) {
	ts, err := m.store.Scope(m.session, tenantID)
	if err != nil {
		return models.Mutation{}, err
	}
	mut, err := ts.GetMutation(ctx, mutationID)
	if err != nil {
		return models.Mutation{}, fmt.Errorf("failed to load mutation: %w", err)
	}
	if mut.State != models.StateManualPending || mut.Conflict == nil {
		return models.Mutation{}, fmt.Errorf("%w: %s is %s", store.ErrInvalidState, mutationID, mut.State)
	}

	chosen := models.Fields{}
	keepServer := map[string]bool{}
	for _, fc := range mut.Conflict.Fields {
		switch choices[fc.Field] {
		case ChooseLocal:
			chosen[fc.Field] = fc.Local
		case ChooseServer:
			chosen[fc.Field] = fc.Server
			keepServer[fc.Field] = fc.Server == nil
		default:
			return models.Mutation{}, fmt.Errorf("%w: no choice for field %s", ErrManualResolutionRequired, fc.Field)
		}
	}

	payload := mut.Payload.Clone()
	for name := range chosen {
		delete(payload, name)
	}
	snap := mut.Conflict.Server
	if !snap.Deleted && mut.Operation != models.OpDelete {
		stripped := *mut
		stripped.Payload = payload
		if merged, ok := m.resolver.Resolve(stripped, snap).(*conflict.Merged); ok && merged.Operation != models.OpDelete {
			payload = merged.Fields
		}
	}
	// A server value that is absent stays absent. A cleared local value is
	// sent as an explicit nil so the server drops its own.
	for name, v := range chosen {
		if keepServer[name] {
			delete(payload, name)
			continue
		}
		payload[name] = v
	}

	resolved, err := ts.ResolveManual(ctx, mutationID, payload)
	if err != nil {
		return models.Mutation{}, err
	}
	m.log.Info("manual resolution applied",
		zap.String("tenant", tenantID), zap.String("mutation", mutationID), zap.Int("fields", len(chosen)))
	return resolved, nil
}

// Retry returns an abandoned mutation to the queue.
func (m *Manager) Retry(ctx context.Context, tenantID, mutationID string) (models.Mutation, error) {
	ts, err := m.store.Scope(m.session, tenantID)
	if err != nil {
		return models.Mutation{}, err
	}
	return ts.RetryMutation(ctx, mutationID)
}
