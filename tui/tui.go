// ABOUTME: Terminal sync-status indicator using bubbletea
// ABOUTME: Shows per-clinic pending, conflict, and failure badges with live drain progress
package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/harperreed/clinicsync/syncer"
)

// Syncer is the part of the sync manager the view drives.
type Syncer interface {
	Status(ctx context.Context) ([]syncer.TenantStatus, error)
	DrainAll(ctx context.Context) ([]syncer.Result, error)
}

// StatusMsg carries fresh badge counts.
type StatusMsg struct {
	Tenants []syncer.TenantStatus
	Err     error
}

// ProgressMsg is a drain progress event forwarded from the manager.
type ProgressMsg syncer.Progress

// ConnectivityMsg reports a change in server reachability.
type ConnectivityMsg syncer.Event

// SyncCompleteMsg is sent when a manual sync finishes.
type SyncCompleteMsg struct {
	Results []syncer.Result
	Err     error
}

type tickMsg time.Time

const refreshInterval = 2 * time.Second

// Model is the main bubbletea model
type Model struct {
	ctx      context.Context
	syncer   Syncer
	now      func() time.Time
	tenants  []syncer.TenantStatus
	progress map[string]syncer.Progress
	online   bool
	known    bool // connectivity reported at least once
	syncing  bool
	messages []string
	spinner  spinner.Model
	err      error

	width  int
	height int
}

// NewModel creates a new TUI model
func NewModel(ctx context.Context, s Syncer) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = syncSyncingStyle
	return Model{
		ctx:      ctx,
		syncer:   s,
		now:      time.Now,
		progress: make(map[string]syncer.Progress),
		spinner:  sp,
		width:    80,
		height:   24,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.refresh(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case StatusMsg:
		m.err = msg.Err
		if msg.Err == nil {
			m.tenants = msg.Tenants
		}
		return m, nil
	case ProgressMsg:
		m.progress[msg.Tenant] = syncer.Progress(msg)
		if !msg.InProgress {
			m.addMessage(fmt.Sprintf("%s: %d/%d synced, %d failed", msg.Tenant, msg.Completed-msg.Failed, msg.Total, msg.Failed))
			return m, m.refresh()
		}
		return m, nil
	case ConnectivityMsg:
		if !m.known || m.online != msg.Online {
			if msg.Online {
				m.addMessage("server reachable")
			} else {
				m.addMessage("offline, edits are queued locally")
			}
		}
		m.known = true
		m.online = msg.Online
		return m, nil
	case SyncCompleteMsg:
		m.syncing = false
		m.handleSyncComplete(msg)
		return m, m.refresh()
	case tickMsg:
		return m, tea.Batch(m.refresh(), tick())
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	return m.renderSyncView()
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "s":
		if m.syncing {
			return m, nil
		}
		m.syncing = true
		m.addMessage("Starting sync...")
		return m, m.syncAll()
	case "r":
		return m, m.refresh()
	}
	return m, nil
}

func (m Model) refresh() tea.Cmd {
	return func() tea.Msg {
		tenants, err := m.syncer.Status(m.ctx)
		return StatusMsg{Tenants: tenants, Err: err}
	}
}

func (m Model) syncAll() tea.Cmd {
	return func() tea.Msg {
		results, err := m.syncer.DrainAll(m.ctx)
		return SyncCompleteMsg{Results: results, Err: err}
	}
}

// Run starts the full-screen view and returns when the user quits or ctx ends.
// attach receives the program's send function so callers can forward
// ProgressMsg and ConnectivityMsg values; it must not send synchronously.
func Run(ctx context.Context, s Syncer, attach func(send func(tea.Msg))) error {
	p := tea.NewProgram(NewModel(ctx, s), tea.WithContext(ctx), tea.WithAltScreen())
	if attach != nil {
		attach(p.Send)
	}
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("170")).
			MarginBottom(1)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			MarginTop(1)
)
