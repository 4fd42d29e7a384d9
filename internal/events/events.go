// Package events defines the daemon's typed event stream and the
// in-process pub/sub bus that fans events out to monitor connections.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types.
const (
	TypeCommandReceived     = "command_received"
	TypeEvaluationStarted   = "evaluation_started"
	TypeEvaluationCompleted = "evaluation_completed"
	TypeApprovalNeeded      = "approval_needed"
	TypeApprovalResolved    = "approval_resolved"
	TypeDaemonStatus        = "daemon_status"
)

// Event is one typed message on the stream. Data is one of the payload
// structs below, selected by Type; the wire form is a discriminated
// union tagged by "type".
type Event struct {
	Type      string
	Timestamp time.Time
	Data      any
}

// Payloads. Optional fields are omitempty so the wire stays compact.

type CommandReceived struct {
	Cmd        string `json:"cmd"`
	WorkingDir string `json:"working_dir"`
	ClientPID  int    `json:"client_pid,omitempty"`
}

type EvaluationStarted struct {
	Cmd       string `json:"cmd"`
	RuleCount int    `json:"rule_count"`
}

type EvaluationCompleted struct {
	Cmd      string `json:"cmd"`
	Decision string `json:"final_decision"`
	RuleName string `json:"rule_name,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type ApprovalNeeded struct {
	ApprovalID    string `json:"approval_id"`
	Cmd           string `json:"cmd"`
	RuleName      string `json:"rule_name"`
	Reason        string `json:"reason"`
	WorkingDir    string `json:"working_dir,omitempty"`
	ClientPID     int    `json:"client_pid,omitempty"`
	ChallengeCode string `json:"challenge_code,omitempty"`
}

type ApprovalResolved struct {
	ApprovalID string `json:"approval_id"`
	Approved   bool   `json:"approved"`
	Reason     string `json:"reason,omitempty"`
	WorkingDir string `json:"working_dir,omitempty"`
	ClientPID  int    `json:"client_pid,omitempty"`
}

type DaemonStatus struct {
	Status            string `json:"status"`
	UptimeS           int64  `json:"uptime_s"`
	CommandsProcessed int64  `json:"commands_processed"`
	ActiveMonitors    int    `json:"active_monitors"`
}

// New stamps an event with the current UTC time.
func New(eventType string, data any) Event {
	return Event{Type: eventType, Timestamp: time.Now().UTC(), Data: data}
}

type wireEvent struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// MarshalJSON emits the wire form with an ISO-8601 UTC timestamp.
func (e Event) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", e.Type, err)
	}
	return json.Marshal(wireEvent{
		Type:      e.Type,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Data:      data,
	})
}

// UnmarshalJSON decodes the tagged union: the "type" field selects which
// payload struct to parse "data" into. Unknown types keep the raw JSON
// so monitors tolerate daemons newer than themselves.
func (e *Event) UnmarshalJSON(raw []byte) error {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return fmt.Errorf("parsing event timestamp: %w", err)
	}
	e.Type = w.Type
	e.Timestamp = ts

	var data any
	switch w.Type {
	case TypeCommandReceived:
		data = &CommandReceived{}
	case TypeEvaluationStarted:
		data = &EvaluationStarted{}
	case TypeEvaluationCompleted:
		data = &EvaluationCompleted{}
	case TypeApprovalNeeded:
		data = &ApprovalNeeded{}
	case TypeApprovalResolved:
		data = &ApprovalResolved{}
	case TypeDaemonStatus:
		data = &DaemonStatus{}
	default:
		e.Data = json.RawMessage(w.Data)
		return nil
	}
	if len(w.Data) > 0 {
		if err := json.Unmarshal(w.Data, data); err != nil {
			return fmt.Errorf("parsing %s payload: %w", w.Type, err)
		}
	}
	e.Data = data
	return nil
}
