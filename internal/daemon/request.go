package daemon

import (
	"bufio"
	"errors"
	"io"
	"net"
	"time"

	"github.com/safeshell/safeshell/internal/approval"
	"github.com/safeshell/safeshell/internal/cmdctx"
	"github.com/safeshell/safeshell/internal/engine"
	"github.com/safeshell/safeshell/internal/events"
	"github.com/safeshell/safeshell/internal/protocol"
	"github.com/safeshell/safeshell/internal/rules"
)

// requestReadTimeout bounds how long a wrapper gets to send its single
// request line.
const requestReadTimeout = 10 * time.Second

// handleRequestConn serves one request/response exchange. Protocol
// errors are per-connection: logged, answered if possible, and the
// connection closed without disturbing anyone else.
func (s *Server) handleRequestConn(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(requestReadTimeout))

	line, err := protocol.ReadLine(bufio.NewReader(conn))
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.log.Warn().Err(err).Msg("request connection: bad read")
		}
		return
	}
	conn.SetReadDeadline(time.Time{})

	var req protocol.Request
	if err := protocol.DecodeLine(line, &req); err != nil {
		s.log.Warn().Err(err).Msg("request connection: malformed request")
		s.writeResponse(conn, &protocol.Response{
			Success:      false,
			ErrorMessage: "malformed request: " + err.Error(),
		})
		return
	}

	switch req.Type {
	case protocol.RequestPing:
		s.writeResponse(conn, &protocol.Response{Success: true, StatusMessage: "pong"})
	case protocol.RequestStatus:
		s.writeResponse(conn, &protocol.Response{
			Success:       true,
			StatusMessage: "daemon " + s.State(),
		})
	case protocol.RequestEvaluate:
		s.handleEvaluate(conn, &req)
	default:
		s.writeResponse(conn, &protocol.Response{
			Success:      false,
			ErrorMessage: "unknown request type: " + req.Type,
		})
	}
}

// writeResponse sends a final (non-intermediate) response. A write
// failure means the wrapper went away; we log and move on — session
// memory and counters are never rolled back for a vanished client.
func (s *Server) writeResponse(conn net.Conn, resp *protocol.Response) {
	if err := protocol.WriteLine(conn, resp); err != nil {
		s.log.Warn().Err(err).Msg("request connection: response write failed")
	}
}

func (s *Server) writeIntermediate(conn net.Conn, status, approvalID string) {
	resp := &protocol.Response{
		Success:         true,
		IsIntermediate:  true,
		ApprovalPending: approvalID != "",
		ApprovalID:      approvalID,
		StatusMessage:   status,
	}
	if err := protocol.WriteLine(conn, resp); err != nil {
		s.log.Warn().Err(err).Msg("request connection: intermediate write failed")
	}
}

// handleEvaluate runs the full pipeline for one command: context build,
// rule evaluation, session memory, and — when a rule demands it — the
// blocking approval flow with intermediate status responses.
func (s *Server) handleEvaluate(conn net.Conn, req *protocol.Request) {
	defer func() {
		// Internal errors are caught at the connection boundary; the
		// daemon keeps running and the wrapper gets a structured error.
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("command", req.Command).
				Msg("evaluate panicked")
			s.writeResponse(conn, &protocol.Response{
				Success:      false,
				ErrorMessage: "internal error during evaluation",
			})
		}
	}()

	s.commandsProcessed.Add(1)
	s.bus.Publish(events.New(events.TypeCommandReceived, &events.CommandReceived{
		Cmd:        req.Command,
		WorkingDir: req.WorkingDir,
		ClientPID:  req.ClientPID,
	}))

	if !s.enabled.Load() {
		s.writeResponse(conn, &protocol.Response{
			Success:       true,
			FinalDecision: string(rules.ActionAllow),
			ShouldExecute: true,
			StatusMessage: "safeshell is disabled; allowing",
		})
		return
	}

	ctx := cmdctx.New(req.Command, req.WorkingDir, req.Env, req.ExecutionContext)

	s.bus.Publish(events.New(events.TypeEvaluationStarted, &events.EvaluationStarted{
		Cmd:       req.Command,
		RuleCount: s.engine.RuleCount(req.WorkingDir),
	}))

	result, err := s.engine.Evaluate(ctx)
	if err != nil {
		s.log.Error().Err(err).Str("command", req.Command).Msg("evaluation failed")
		s.writeResponse(conn, &protocol.Response{
			Success:      false,
			ErrorMessage: err.Error(),
		})
		return
	}

	resp := s.decide(conn, ctx, result, req)

	s.bus.Publish(events.New(events.TypeEvaluationCompleted, &events.EvaluationCompleted{
		Cmd:      req.Command,
		Decision: resp.FinalDecision,
		RuleName: result.RuleName,
		Reason:   resp.DenialMessage,
	}))

	s.writeResponse(conn, resp)
}

// decide turns an engine result into the final response, running the
// approval flow when required. The final response is returned, not yet
// written; the caller publishes evaluation_completed first so the event
// never trails the wire response on a monitor's stream.
func (s *Server) decide(conn net.Conn, ctx *cmdctx.Context, result *engine.Result, req *protocol.Request) *protocol.Response {
	outcomes := make([]protocol.RuleResult, len(result.Matched))
	for i, m := range result.Matched {
		outcomes[i] = protocol.RuleResult{Rule: m.Rule, Action: m.Action, Message: m.Message}
	}

	switch result.Decision {
	case rules.ActionDeny:
		return &protocol.Response{
			Success:       true,
			Results:       outcomes,
			FinalDecision: string(rules.ActionDeny),
			DenialMessage: denialMessage(result.Message),
		}

	case rules.ActionRequireApproval:
		return s.runApproval(conn, ctx, result, outcomes, req)

	case rules.ActionRedirect:
		return &protocol.Response{
			Success:       true,
			Results:       outcomes,
			FinalDecision: string(rules.ActionAllow),
			ShouldExecute: true,
			RedirectTo:    result.RedirectTo,
			StatusMessage: result.Message,
		}

	default:
		return &protocol.Response{
			Success:       true,
			Results:       outcomes,
			FinalDecision: string(rules.ActionAllow),
			ShouldExecute: true,
		}
	}
}

// runApproval consults session memory first, then blocks the request on
// the approval manager, streaming a "waiting" intermediate so the
// wrapper can tell its caller what is happening.
func (s *Server) runApproval(conn net.Conn, ctx *cmdctx.Context, result *engine.Result, outcomes []protocol.RuleResult, req *protocol.Request) *protocol.Response {
	memory := s.approvals.Memory()
	base := ctx.Executable()

	if memory.IsPreApproved(result.RuleName, base) {
		return &protocol.Response{
			Success:       true,
			Results:       outcomes,
			FinalDecision: string(rules.ActionAllow),
			ShouldExecute: true,
			StatusMessage: "approved earlier this session",
		}
	}
	if memory.IsPreDenied(result.RuleName, base) {
		return &protocol.Response{
			Success:       true,
			Results:       outcomes,
			FinalDecision: string(rules.ActionDeny),
			DenialMessage: denialMessage(result.Message) + " (denied earlier this session)",
		}
	}

	timeout := time.Duration(s.cfg.ApprovalTimeoutSeconds) * time.Second
	pending := s.approvals.Register(approval.Request{
		Command:    ctx.Raw,
		RuleName:   result.RuleName,
		Reason:     result.Message,
		Timeout:    timeout,
		WorkingDir: ctx.WorkingDir,
		ClientPID:  req.ClientPID,
	})

	s.writeIntermediate(conn, "waiting for approval: "+result.Message, pending.ID)

	outcome, reason := s.approvals.Await(pending)
	if outcome.Granted() {
		return &protocol.Response{
			Success:       true,
			Results:       outcomes,
			FinalDecision: string(rules.ActionAllow),
			ShouldExecute: true,
			ApprovalID:    pending.ID,
		}
	}

	if reason == "" {
		reason = denialMessage(result.Message)
	}
	return &protocol.Response{
		Success:       true,
		Results:       outcomes,
		FinalDecision: string(rules.ActionDeny),
		DenialMessage: reason,
		ApprovalID:    pending.ID,
	}
}

func denialMessage(ruleMessage string) string {
	if ruleMessage == "" {
		return "Blocked by safeshell policy"
	}
	return ruleMessage
}
