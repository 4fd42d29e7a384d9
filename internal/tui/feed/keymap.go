package feed

import (
	"github.com/charmbracelet/bubbles/key"
)

// KeyMap defines the feed's keybindings.
type KeyMap struct {
	Up              key.Binding
	Down            key.Binding
	NextPanel       key.Binding
	Approve         key.Binding
	ApproveRemember key.Binding
	Deny            key.Binding
	DenyRemember    key.Binding
	Help            key.Binding
	Quit            key.Binding
}

// DefaultKeyMap returns the standard bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Up: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("↑/k", "up"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("↓/j", "down"),
		),
		NextPanel: key.NewBinding(
			key.WithKeys("tab"),
			key.WithHelp("tab", "switch panel"),
		),
		Approve: key.NewBinding(
			key.WithKeys("a"),
			key.WithHelp("a", "approve"),
		),
		ApproveRemember: key.NewBinding(
			key.WithKeys("A"),
			key.WithHelp("A", "approve+remember"),
		),
		Deny: key.NewBinding(
			key.WithKeys("d"),
			key.WithHelp("d", "deny"),
		),
		DenyRemember: key.NewBinding(
			key.WithKeys("D"),
			key.WithHelp("D", "deny+remember"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "help"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

// ShortHelp implements help.KeyMap.
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Approve, k.Deny, k.NextPanel, k.Help, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.NextPanel},
		{k.Approve, k.ApproveRemember, k.Deny, k.DenyRemember},
		{k.Help, k.Quit},
	}
}
