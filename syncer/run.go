// ABOUTME: Connectivity-driven sync loop and the health-check prober feeding it
// ABOUTME: Drains all tenants on each offline to online transition and periodically while online
package syncer

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultProbeInterval is how often the prober checks the server.
const DefaultProbeInterval = 10 * time.Second

// Event reports the current connectivity state.
type Event struct {
	Online bool
	At     time.Time
}

// Run drains on every offline to online transition and on each tick of the
// sync interval while online. It returns nil when ctx ends. A closed signals
// channel keeps the last known state.
func (m *Manager) Run(ctx context.Context, signals <-chan Event) error {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	online := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			wasOnline := online
			online = ev.Online
			if online && !wasOnline {
				m.log.Info("connectivity restored, draining queues")
				m.drainLogged(ctx)
			} else if !online && wasOnline {
				m.log.Info("connectivity lost")
			}
		case <-ticker.C:
			if online {
				m.drainLogged(ctx)
			}
		}
	}
}

func (m *Manager) drainLogged(ctx context.Context) {
	results, err := m.DrainAll(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		m.log.Error("drain failed", zap.Error(err))
	}
	for _, res := range results {
		if res.Total == 0 || res.AlreadyRunning {
			continue
		}
		m.log.Info("drain pass complete",
			zap.String("tenant", res.Tenant),
			zap.Int("total", res.Total),
			zap.Int("synced", res.Synced),
			zap.Int("merged", res.Merged),
			zap.Int("manual", res.Manual),
			zap.Int("failed", res.Failed),
			zap.Int("abandoned", res.Abandoned),
			zap.Bool("offline", res.Offline))
	}
}

// Prober polls GET {BaseURL}/healthz and reports connectivity changes.
type Prober struct {
	BaseURL  string
	Interval time.Duration
	Client   *http.Client
	Log      *zap.Logger
}

// NewProber creates a prober with a short request timeout.
func NewProber(baseURL string, interval time.Duration, log *zap.Logger) *Prober {
	if log == nil {
		log = zap.NewNop()
	}
	return &Prober{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Interval: interval,
		Client:   &http.Client{Timeout: 5 * time.Second},
		Log:      log,
	}
}

// Check performs one health check.
func (p *Prober) Check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := p.client().Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Watch checks immediately and then every Interval, sending an Event on the
// first result and on every change. The channel closes when ctx ends.
func (p *Prober) Watch(ctx context.Context) <-chan Event {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	out := make(chan Event, 1)

	go func() {
		defer close(out)
		defer p.client().CloseIdleConnections()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		first := true
		last := false
		for {
			online := p.Check(ctx)
			if ctx.Err() != nil {
				return
			}
			if first || online != last {
				if p.Log != nil {
					p.Log.Debug("connectivity changed", zap.Bool("online", online))
				}
				select {
				case out <- Event{Online: online, At: time.Now()}:
				case <-ctx.Done():
					return
				}
				first = false
				last = online
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}

func (p *Prober) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return http.DefaultClient
}
