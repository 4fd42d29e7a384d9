package daemon

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/safeshell/safeshell/internal/events"
	"github.com/safeshell/safeshell/internal/protocol"
)

// monitorWriteTimeout bounds how long one event write may block on a
// monitor that stopped reading. Overridden in tests.
var monitorWriteTimeout = 2 * time.Second

// handleMonitorConn serves one persistent observer connection: subscribe
// a serializer onto the bus, greet, then answer commands until the
// monitor hangs up. Events and command responses share the connection;
// a per-connection write lock keeps frames from interleaving.
func (s *Server) handleMonitorConn(conn net.Conn) {
	s.activeMonitors.Add(1)
	defer s.activeMonitors.Add(-1)

	var writeMu sync.Mutex
	write := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return protocol.WriteLine(conn, v)
	}

	// Event writes carry a deadline: Publish waits for every subscriber,
	// so a monitor that stopped reading would otherwise fill its socket
	// buffer and stall evaluation daemon-wide. A timed-out write drops
	// the connection instead; the read loop's exit unsubscribes it.
	subID := s.bus.Subscribe(func(ev events.Event) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(monitorWriteTimeout))
		err := protocol.WriteLine(conn, protocol.EventFrame{Type: protocol.FrameTypeEvent, Event: ev})
		conn.SetWriteDeadline(time.Time{})
		if err != nil {
			s.log.Warn().Err(err).Msg("disconnecting unresponsive monitor")
			conn.Close()
		}
		return err
	})
	defer s.bus.Unsubscribe(subID)

	if err := write(&protocol.MonitorResponse{Success: true, Message: "connected to safeshell daemon"}); err != nil {
		return
	}
	s.log.Debug().Int32("monitors", s.activeMonitors.Load()).Msg("monitor connected")

	reader := bufio.NewReader(conn)
	for {
		line, err := protocol.ReadLine(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug().Err(err).Msg("monitor connection closed with error")
			}
			return
		}

		var cmd protocol.MonitorCommand
		if err := protocol.DecodeLine(line, &cmd); err != nil {
			if werr := write(&protocol.MonitorResponse{Error: "malformed command: " + err.Error()}); werr != nil {
				return
			}
			continue
		}

		if err := write(s.handleMonitorCommand(&cmd)); err != nil {
			return
		}
	}
}

// handleMonitorCommand executes one monitor command and produces its
// one-shot response.
func (s *Server) handleMonitorCommand(cmd *protocol.MonitorCommand) *protocol.MonitorResponse {
	switch cmd.Type {
	case protocol.MonitorPing:
		return &protocol.MonitorResponse{Success: true, Message: "pong"}

	case protocol.MonitorSubscribe, protocol.MonitorUnsubscribe:
		// Subscription is implicit in the connection lifetime.
		return &protocol.MonitorResponse{Success: true}

	case protocol.MonitorApprove:
		if s.approvals.Approve(cmd.ApprovalID, cmd.Remember) {
			return &protocol.MonitorResponse{Success: true, Message: "approved"}
		}
		return &protocol.MonitorResponse{Error: "no pending approval with id " + cmd.ApprovalID}

	case protocol.MonitorDeny:
		if s.approvals.Deny(cmd.ApprovalID, cmd.Reason, cmd.Remember) {
			return &protocol.MonitorResponse{Success: true, Message: "denied"}
		}
		return &protocol.MonitorResponse{Error: "no pending approval with id " + cmd.ApprovalID}

	case protocol.MonitorSetEnabled:
		if cmd.Enabled == nil {
			return &protocol.MonitorResponse{Error: "set_enabled requires the enabled field"}
		}
		s.SetEnabled(*cmd.Enabled)
		if *cmd.Enabled {
			return &protocol.MonitorResponse{Success: true, Message: "evaluation enabled"}
		}
		return &protocol.MonitorResponse{Success: true, Message: "evaluation disabled; all commands allowed"}

	case protocol.MonitorReloadRules:
		s.engine.Invalidate()
		return &protocol.MonitorResponse{Success: true, Message: "rules reloaded"}

	case protocol.MonitorGetStatus:
		st := s.statusData(s.State())
		return &protocol.MonitorResponse{
			Success: true,
			Message: fmt.Sprintf("state=%s uptime_s=%d commands=%d monitors=%d enabled=%t pending=%d",
				st.Status, st.UptimeS, st.CommandsProcessed, st.ActiveMonitors,
				s.Enabled(), s.approvals.PendingCount()),
		}

	default:
		return &protocol.MonitorResponse{Error: "unknown command type: " + cmd.Type}
	}
}
