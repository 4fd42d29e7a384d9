package feed

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/safeshell/safeshell/internal/events"
	"github.com/safeshell/safeshell/internal/style"
)

// Layout: approvals panel on top (sized to its contents, capped), feed
// below, one-line status bar at the bottom.
const maxApprovalRows = 6

var (
	titleStyle    = style.Header
	panelBorder   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	focusedBorder = panelBorder.BorderForeground(lipgloss.Color("5"))
	selectedStyle = lipgloss.NewStyle().Reverse(true)
)

func (m *Model) resize() {
	if m.width == 0 || m.height == 0 {
		return
	}
	approvalH := m.approvalPanelHeight()
	helpH := 0
	if m.showHelp {
		helpH = 3
	}
	// borders+padding cost 2 rows per panel, plus header and status bar
	feedH := m.height - approvalH - helpH - 6
	if feedH < 3 {
		feedH = 3
	}
	m.feedViewport.Width = m.width - 4
	m.feedViewport.Height = feedH
	m.feedViewport.SetContent(m.feedContent())
}

func (m *Model) approvalPanelHeight() int {
	n := len(m.pending)
	if n == 0 {
		n = 1
	}
	if n > maxApprovalRows {
		n = maxApprovalRows
	}
	return n
}

func (m *Model) render() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	var sections []string
	sections = append(sections, m.renderHeader())
	sections = append(sections, m.renderApprovals())
	sections = append(sections, m.renderFeed())
	sections = append(sections, m.renderStatusBar())
	if m.showHelp {
		sections = append(sections, m.help.View(m.keys))
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m *Model) renderHeader() string {
	title := titleStyle.Render("SafeShell Monitor")
	counts := style.Dim.Render(fmt.Sprintf("%d events · %d pending", len(m.lines), len(m.pending)))
	gap := m.width - lipgloss.Width(title) - lipgloss.Width(counts)
	if gap < 1 {
		gap = 1
	}
	return title + strings.Repeat(" ", gap) + counts
}

func (m *Model) renderApprovals() string {
	var b strings.Builder
	if len(m.pending) == 0 {
		b.WriteString(style.Dim.Render("no pending approvals"))
	}
	for i, row := range m.pending {
		if i >= maxApprovalRows {
			b.WriteString(style.Dim.Render(fmt.Sprintf("… and %d more", len(m.pending)-maxApprovalRows)))
			break
		}
		text := fmt.Sprintf("[%s] %s  %s  %s",
			row.Challenge, row.Command, style.Dim.Render(row.Rule), style.Dim.Render(row.Reason))
		if i == m.selected && m.focused == PanelApprovals {
			text = selectedStyle.Render(text)
		}
		b.WriteString(text)
		if i < len(m.pending)-1 {
			b.WriteString("\n")
		}
	}

	border := panelBorder
	if m.focused == PanelApprovals {
		border = focusedBorder
	}
	return border.Width(m.width - 2).Render(b.String())
}

func (m *Model) renderFeed() string {
	border := panelBorder
	if m.focused == PanelFeed {
		border = focusedBorder
	}
	return border.Width(m.width - 2).Render(m.feedViewport.View())
}

func (m *Model) renderStatusBar() string {
	return style.Dim.Render(" " + m.status)
}

func (m *Model) feedContent() string {
	var b strings.Builder
	for i, l := range m.lines {
		b.WriteString(style.Dim.Render(l.Time.Local().Format("15:04:05")))
		b.WriteString(" ")
		b.WriteString(l.Text)
		if i < len(m.lines)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

// formatEvent renders one event as a feed line. Shared with plain mode.
func formatEvent(ev events.Event) string {
	switch data := ev.Data.(type) {
	case *events.CommandReceived:
		return style.Info.Render("→") + " " + data.Cmd + " " + style.Dim.Render(data.WorkingDir)
	case *events.EvaluationStarted:
		return style.Dim.Render(fmt.Sprintf("· evaluating against %d rules", data.RuleCount))
	case *events.EvaluationCompleted:
		sym := style.ForDecision(data.Decision).Render("●")
		text := fmt.Sprintf("%s %s %s", sym, data.Decision, data.Cmd)
		if data.RuleName != "" {
			text += " " + style.Dim.Render("("+data.RuleName+")")
		}
		return text
	case *events.ApprovalNeeded:
		return style.Pending.Render("?") + fmt.Sprintf(" approval needed [%s] %s — %s",
			data.ChallengeCode, data.Cmd, data.Reason)
	case *events.ApprovalResolved:
		if data.Approved {
			return style.Allow.Render("✓") + " approved " + data.ApprovalID
		}
		text := style.Deny.Render("✗") + " denied " + data.ApprovalID
		if data.Reason != "" {
			text += " — " + data.Reason
		}
		return text
	case *events.DaemonStatus:
		return style.Dim.Render(fmt.Sprintf("daemon %s (uptime %ds, %d commands, %d monitors)",
			data.Status, data.UptimeS, data.CommandsProcessed, data.ActiveMonitors))
	default:
		return style.Dim.Render(ev.Type)
	}
}
