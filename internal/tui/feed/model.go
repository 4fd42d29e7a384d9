// Package feed is the interactive monitor TUI: a live stream of daemon
// events with a pending-approvals panel and approve/deny keys.
package feed

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/safeshell/safeshell/internal/events"
	"github.com/safeshell/safeshell/internal/monitor"
)

// Panel identifies which panel has focus.
type Panel int

const (
	PanelFeed Panel = iota
	PanelApprovals
)

// maxEventHistory bounds the in-memory event scrollback.
const maxEventHistory = 1000

// line is one rendered feed entry.
type line struct {
	Time time.Time
	Text string
}

// pendingRow is one unresolved approval shown in the approvals panel.
type pendingRow struct {
	ID        string
	Command   string
	Rule      string
	Reason    string
	Challenge string
	At        time.Time
}

// Messages delivered into the bubbletea loop.

type eventMsg events.Event

type disconnectMsg struct{ err error }

type actionResultMsg struct {
	text string
	err  error
}

// Model is the bubbletea model for the monitor feed.
type Model struct {
	client *monitor.Client
	ch     <-chan events.Event

	width  int
	height int

	focused      Panel
	feedViewport viewport.Model
	lines        []line
	pending      []pendingRow
	selected     int

	keys     KeyMap
	help     help.Model
	showHelp bool
	status   string

	disconnected bool
	quitErr      error
}

// NewModel builds the feed model around a connected monitor client.
// The client's event handler feeds ch; the model owns draining it.
func NewModel(client *monitor.Client, ch <-chan events.Event) *Model {
	h := help.New()
	return &Model{
		client:       client,
		ch:           ch,
		feedViewport: viewport.New(0, 0),
		keys:         DefaultKeyMap(),
		help:         h,
		status:       "connected",
	}
}

// Err reports why the TUI exited, nil for a user quit.
func (m *Model) Err() error {
	return m.quitErr
}

// Init starts the event pump.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.waitForEvent(), m.waitForDisconnect())
}

// waitForEvent reads one event from the stream.
func (m *Model) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.ch
		if !ok {
			return disconnectMsg{}
		}
		return eventMsg(ev)
	}
}

func (m *Model) waitForDisconnect() tea.Cmd {
	return func() tea.Msg {
		<-m.client.Done()
		return disconnectMsg{err: m.client.Err()}
	}
}

// Update handles one message.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		return m, nil

	case eventMsg:
		m.appendEvent(events.Event(msg))
		return m, m.waitForEvent()

	case disconnectMsg:
		m.disconnected = true
		m.quitErr = msg.err
		m.status = "daemon disconnected"
		return m, tea.Quit

	case actionResultMsg:
		if msg.err != nil {
			m.status = "error: " + msg.err.Error()
		} else {
			m.status = msg.text
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Help):
		m.showHelp = !m.showHelp
		m.resize()
		return m, nil
	case key.Matches(msg, m.keys.NextPanel):
		if m.focused == PanelFeed {
			m.focused = PanelApprovals
		} else {
			m.focused = PanelFeed
		}
		return m, nil
	case key.Matches(msg, m.keys.Up):
		if m.focused == PanelApprovals {
			if m.selected > 0 {
				m.selected--
			}
		} else {
			m.feedViewport.ScrollUp(1)
		}
		return m, nil
	case key.Matches(msg, m.keys.Down):
		if m.focused == PanelApprovals {
			if m.selected < len(m.pending)-1 {
				m.selected++
			}
		} else {
			m.feedViewport.ScrollDown(1)
		}
		return m, nil
	case key.Matches(msg, m.keys.Approve):
		return m, m.resolveSelected(true, false)
	case key.Matches(msg, m.keys.ApproveRemember):
		return m, m.resolveSelected(true, true)
	case key.Matches(msg, m.keys.Deny):
		return m, m.resolveSelected(false, false)
	case key.Matches(msg, m.keys.DenyRemember):
		return m, m.resolveSelected(false, true)
	}
	return m, nil
}

// resolveSelected approves or denies the selected pending approval.
func (m *Model) resolveSelected(approve, remember bool) tea.Cmd {
	if len(m.pending) == 0 || m.selected >= len(m.pending) {
		m.status = "no pending approval selected"
		return nil
	}
	row := m.pending[m.selected]
	return func() tea.Msg {
		if approve {
			resp, err := m.client.Approve(row.ID, remember)
			if err != nil {
				return actionResultMsg{err: err}
			}
			if resp.Error != "" {
				return actionResultMsg{err: fmt.Errorf("%s", resp.Error)}
			}
			return actionResultMsg{text: "approved " + row.Command}
		}
		resp, err := m.client.Deny(row.ID, "denied from monitor", remember)
		if err != nil {
			return actionResultMsg{err: err}
		}
		if resp.Error != "" {
			return actionResultMsg{err: fmt.Errorf("%s", resp.Error)}
		}
		return actionResultMsg{text: "denied " + row.Command}
	}
}

// appendEvent folds one event into the feed and the approvals panel.
func (m *Model) appendEvent(ev events.Event) {
	m.lines = append(m.lines, line{Time: ev.Timestamp, Text: formatEvent(ev)})
	if len(m.lines) > maxEventHistory {
		m.lines = m.lines[len(m.lines)-maxEventHistory:]
	}

	switch data := ev.Data.(type) {
	case *events.ApprovalNeeded:
		m.pending = append(m.pending, pendingRow{
			ID:        data.ApprovalID,
			Command:   data.Cmd,
			Rule:      data.RuleName,
			Reason:    data.Reason,
			Challenge: data.ChallengeCode,
			At:        ev.Timestamp,
		})
	case *events.ApprovalResolved:
		for i, row := range m.pending {
			if row.ID == data.ApprovalID {
				m.pending = append(m.pending[:i], m.pending[i+1:]...)
				break
			}
		}
		if m.selected >= len(m.pending) && m.selected > 0 {
			m.selected = len(m.pending) - 1
		}
	}

	atBottom := m.feedViewport.AtBottom()
	m.feedViewport.SetContent(m.feedContent())
	if atBottom {
		m.feedViewport.GotoBottom()
	}
}

// View renders the whole screen.
func (m *Model) View() string {
	return m.render()
}
