// Package style provides consistent terminal styling using Lipgloss.
package style

import (
	"github.com/charmbracelet/lipgloss"
)

// Base text styles.
var (
	Bold = lipgloss.NewStyle().Bold(true)
	Dim  = lipgloss.NewStyle().Faint(true)
)

// Decision colors, shared by the CLI and the monitor TUI.
var (
	Allow   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))          // green
	Deny    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))          // red
	Pending = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))          // yellow
	Info    = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))          // cyan
	Header  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("5")) // magenta
)

// ForDecision picks the style for a final decision string.
func ForDecision(decision string) lipgloss.Style {
	switch decision {
	case "allow":
		return Allow
	case "deny":
		return Deny
	case "require_approval":
		return Pending
	default:
		return Dim
	}
}
