// ABOUTME: TUI view for clinic sync status and controls
// ABOUTME: Renders tenant badges, drain progress, and recent activity
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/harperreed/clinicsync/syncer"
)

var (
	syncHeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")).
			Underline(true)

	syncTenantStyle = lipgloss.NewStyle().
			Bold(true).
			Width(16)

	syncIdleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	syncSyncingStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("11")).
				Bold(true)

	syncErrorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	syncMessageStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240")).
				Italic(true)

	badgeStyle = lipgloss.NewStyle().
			Padding(0, 1).
			MarginRight(1)

	pendingBadge  = badgeStyle.Background(lipgloss.Color("25")).Foreground(lipgloss.Color("255"))
	conflictBadge = badgeStyle.Background(lipgloss.Color("166")).Foreground(lipgloss.Color("255"))
	failedBadge   = badgeStyle.Background(lipgloss.Color("160")).Foreground(lipgloss.Color("255"))
)

const maxMessages = 5

func (m Model) renderSyncView() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render("Clinic Sync"))
	s.WriteString("\n")
	s.WriteString(m.renderConnectivity())
	s.WriteString("\n\n")

	if m.err != nil {
		s.WriteString(syncErrorStyle.Render("✗ " + m.err.Error()))
		s.WriteString("\n\n")
	}

	s.WriteString(syncHeaderStyle.Render("Clinics"))
	s.WriteString("\n\n")

	if len(m.tenants) == 0 {
		s.WriteString(syncMessageStyle.Render("No clinics in this session."))
		s.WriteString("\n")
	}
	for _, t := range m.tenants {
		s.WriteString(m.renderTenant(t))
		s.WriteString("\n")
	}
	s.WriteString("\n")

	if len(m.messages) > 0 {
		s.WriteString(syncHeaderStyle.Render("Recent Activity"))
		s.WriteString("\n\n")
		for _, msg := range m.messages {
			s.WriteString(syncMessageStyle.Render("  " + msg))
			s.WriteString("\n")
		}
	}

	s.WriteString(m.renderSyncHelp())
	return s.String()
}

func (m Model) renderConnectivity() string {
	switch {
	case !m.known:
		return syncMessageStyle.Render("checking connection...")
	case m.online:
		return syncIdleStyle.Render("● online")
	default:
		return syncErrorStyle.Render("● offline")
	}
}

func (m Model) renderTenant(t syncer.TenantStatus) string {
	var row strings.Builder
	row.WriteString(syncTenantStyle.Render(t.Tenant))

	if t.Pending > 0 {
		row.WriteString(pendingBadge.Render(fmt.Sprintf("%d pending", t.Pending)))
	}
	if t.Conflicted > 0 {
		row.WriteString(conflictBadge.Render(fmt.Sprintf("%d conflicts", t.Conflicted)))
	}
	if t.Failed > 0 {
		row.WriteString(failedBadge.Render(fmt.Sprintf("%d failed", t.Failed)))
	}

	p, running := m.progress[t.Tenant]
	switch {
	case running && p.InProgress:
		line := fmt.Sprintf(" %s %d/%d", m.spinner.View(), p.Completed, p.Total)
		if p.Current != "" && p.State != "" {
			line += fmt.Sprintf(" %s %s", p.State, p.Current)
		}
		row.WriteString(syncSyncingStyle.Render(line))
	case t.LastError != "":
		row.WriteString(syncErrorStyle.Render(" ✗ " + t.LastError))
	case t.Pending == 0 && t.Conflicted == 0 && t.Failed == 0:
		row.WriteString(syncIdleStyle.Render("✓ up to date"))
	}
	if !t.LastSync.IsZero() {
		row.WriteString(syncMessageStyle.Render(" • synced " + formatTimeSince(m.now(), t.LastSync)))
	}
	return row.String()
}

func (m Model) renderSyncHelp() string {
	help := []string{
		"s: Sync now",
		"r: Refresh",
		"q: Quit",
	}
	return helpStyle.Render(strings.Join(help, " • "))
}

// addMessage adds a message to the activity log.
func (m *Model) addMessage(msg string) {
	timestamp := m.now().Format("15:04:05")
	m.messages = append(m.messages, fmt.Sprintf("[%s] %s", timestamp, msg))
	if len(m.messages) > maxMessages {
		m.messages = m.messages[len(m.messages)-maxMessages:]
	}
}

func (m *Model) handleSyncComplete(msg SyncCompleteMsg) {
	if msg.Err != nil {
		m.addMessage(fmt.Sprintf("✗ sync failed: %v", msg.Err))
		return
	}
	for _, r := range msg.Results {
		switch {
		case r.AlreadyRunning:
			m.addMessage(fmt.Sprintf("%s: sync already running", r.Tenant))
		case r.Offline:
			m.addMessage(fmt.Sprintf("✗ %s: server unreachable", r.Tenant))
		default:
			m.addMessage(fmt.Sprintf("✓ %s: %d synced, %d merged, %d need review", r.Tenant, r.Synced, r.Merged, r.Manual))
		}
	}
}

// formatTimeSince formats a time duration in a human-readable way.
func formatTimeSince(now, t time.Time) string {
	duration := now.Sub(t)

	if duration < time.Minute {
		return "just now"
	} else if duration < time.Hour {
		minutes := int(duration.Minutes())
		if minutes == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", minutes)
	} else if duration < 24*time.Hour {
		hours := int(duration.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	}
	return t.Format("Jan 2 15:04")
}
