// Package protocol defines the newline-delimited JSON wire format spoken
// on both daemon sockets: evaluate requests and responses on the request
// socket, command/response plus event frames on the monitor socket.
package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/safeshell/safeshell/internal/events"
)

// Request types on the request socket.
const (
	RequestPing     = "ping"
	RequestStatus   = "status"
	RequestEvaluate = "evaluate"
)

// Execution contexts.
const (
	ContextAI    = "ai"
	ContextHuman = "human"
)

// Request is one message from a wrapper to the daemon. One request per
// connection.
type Request struct {
	Type             string            `json:"type"`
	Command          string            `json:"command,omitempty"`
	WorkingDir       string            `json:"working_dir,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	ExecutionContext string            `json:"execution_context,omitempty"`
	ClientPID        int               `json:"client_pid,omitempty"`
}

// RuleResult is one matched rule in a response's results list.
type RuleResult struct {
	Rule    string `json:"rule"`
	Action  string `json:"action"`
	Message string `json:"message,omitempty"`
}

// Response is a daemon reply on the request socket. While a request is
// blocked on approval the daemon may send any number of responses with
// IsIntermediate set; exactly one response per request has
// IsIntermediate false, and it is the last.
type Response struct {
	Success         bool         `json:"success"`
	Results         []RuleResult `json:"results,omitempty"`
	FinalDecision   string       `json:"final_decision,omitempty"`
	ShouldExecute   bool         `json:"should_execute"`
	DenialMessage   string       `json:"denial_message,omitempty"`
	ErrorMessage    string       `json:"error_message,omitempty"`
	ApprovalPending bool         `json:"approval_pending,omitempty"`
	ApprovalID      string       `json:"approval_id,omitempty"`
	IsIntermediate  bool         `json:"is_intermediate"`
	StatusMessage   string       `json:"status_message,omitempty"`
	RedirectTo      string       `json:"redirect_to,omitempty"`
}

// Monitor command types.
const (
	MonitorSubscribe   = "subscribe"
	MonitorUnsubscribe = "unsubscribe"
	MonitorPing        = "ping"
	MonitorApprove     = "approve"
	MonitorDeny        = "deny"
	MonitorSetEnabled  = "set_enabled"
	MonitorReloadRules = "reload_rules"
	MonitorGetStatus   = "get_status"
)

// MonitorCommand is one command from an observer UI to the daemon.
type MonitorCommand struct {
	Type       string `json:"type"`
	ApprovalID string `json:"approval_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Remember   bool   `json:"remember,omitempty"`
	Enabled    *bool  `json:"enabled,omitempty"`
}

// MonitorResponse is the one-shot reply to a monitor command, and the
// welcome message sent on connect.
type MonitorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// EventFrame wraps an event for the monitor stream. The "type":"event"
// tag is what lets a monitor client split the interleaved stream into
// events and command responses.
type EventFrame struct {
	Type  string       `json:"type"`
	Event events.Event `json:"event"`
}

// FrameTypeEvent is the Type value of an EventFrame.
const FrameTypeEvent = "event"

// WriteLine marshals v and writes it as a single newline-terminated
// JSON line.
func WriteLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

// ReadLine reads one newline-terminated line. A connection closed before
// the newline is a truncated-line protocol error, except for a clean EOF
// with no bytes read, which is returned as io.EOF.
func ReadLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(line) == 0 {
			return nil, io.EOF
		}
		if err == io.EOF {
			return nil, fmt.Errorf("truncated message: %w", io.ErrUnexpectedEOF)
		}
		return nil, fmt.Errorf("reading message: %w", err)
	}
	return line, nil
}

// DecodeLine parses one line into out.
func DecodeLine(line []byte, out any) error {
	if err := json.Unmarshal(line, out); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}
	return nil
}
