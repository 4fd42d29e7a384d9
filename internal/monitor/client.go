// Package monitor implements the observer-side client of the daemon's
// monitor socket: it splits the interleaved stream into events (fanned
// out to callbacks) and one-shot command responses.
package monitor

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/safeshell/safeshell/internal/events"
	"github.com/safeshell/safeshell/internal/protocol"
)

// responseTimeout bounds how long Send waits for the daemon to answer a
// command.
const responseTimeout = 10 * time.Second

// EventHandler receives one event from the daemon. Panics are contained
// per handler.
type EventHandler func(events.Event)

// Client is one monitor connection.
type Client struct {
	conn net.Conn
	log  zerolog.Logger

	writeMu sync.Mutex // serializes command writes
	cmdMu   sync.Mutex // one in-flight command at a time

	handlersMu sync.Mutex
	handlers   []EventHandler

	responses chan *protocol.MonitorResponse
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	err       error
}

// Dial connects to the monitor socket and consumes the welcome message.
// The receive loop starts immediately; register handlers before events
// of interest are expected, or accept missing the earliest ones.
func Dial(socketPath string, log zerolog.Logger) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connecting to monitor socket: %w", err)
	}

	reader := bufio.NewReader(conn)
	line, err := protocol.ReadLine(reader)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading welcome: %w", err)
	}
	var welcome protocol.MonitorResponse
	if err := protocol.DecodeLine(line, &welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("decoding welcome: %w", err)
	}
	if !welcome.Success {
		conn.Close()
		return nil, fmt.Errorf("daemon refused monitor connection: %s", welcome.Error)
	}

	c := &Client{
		conn:      conn,
		log:       log,
		responses: make(chan *protocol.MonitorResponse, 1),
		done:      make(chan struct{}),
	}
	go c.receiveLoop(reader)
	return c, nil
}

// OnEvent registers a callback for every event received.
func (c *Client) OnEvent(h EventHandler) {
	c.handlersMu.Lock()
	c.handlers = append(c.handlers, h)
	c.handlersMu.Unlock()
}

// Done is closed when the daemon disconnects. Reconnection is the
// owning UI's responsibility.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the receive loop stopped, nil on clean Close.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

// Close tears the connection down. The receive loop's resulting read
// error is not reported; a requested close is not a failure.
func (c *Client) Close() error {
	c.closed.Store(true)
	err := c.conn.Close()
	c.finish(nil)
	return err
}

func (c *Client) finish(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
	})
}

// receiveLoop splits the stream: frames tagged "event" go to handlers,
// everything else is a command response.
func (c *Client) receiveLoop(reader *bufio.Reader) {
	for {
		line, err := protocol.ReadLine(reader)
		if err != nil {
			if c.closed.Load() {
				err = nil
			}
			c.finish(err)
			return
		}

		var tag struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(line, &tag); err != nil {
			c.log.Warn().Err(err).Msg("monitor stream: unparseable frame")
			continue
		}

		if tag.Type == protocol.FrameTypeEvent {
			var frame protocol.EventFrame
			if err := protocol.DecodeLine(line, &frame); err != nil {
				c.log.Warn().Err(err).Msg("monitor stream: bad event frame")
				continue
			}
			c.dispatch(frame.Event)
			continue
		}

		var resp protocol.MonitorResponse
		if err := protocol.DecodeLine(line, &resp); err != nil {
			c.log.Warn().Err(err).Msg("monitor stream: bad response frame")
			continue
		}
		select {
		case c.responses <- &resp:
		default:
			// Response with no waiting command; drop it.
		}
	}
}

// dispatch delivers an event to every handler, isolating panics so one
// bad callback cannot stop the stream for the rest.
func (c *Client) dispatch(ev events.Event) {
	c.handlersMu.Lock()
	handlers := append([]EventHandler(nil), c.handlers...)
	c.handlersMu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Warn().Interface("panic", r).Str("event", ev.Type).
						Msg("event handler panicked")
				}
			}()
			h(ev)
		}()
	}
}

// Send issues one command and waits for its response.
func (c *Client) Send(cmd *protocol.MonitorCommand) (*protocol.MonitorResponse, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	// Drain any stale response left by a timed-out predecessor.
	select {
	case <-c.responses:
	default:
	}

	c.writeMu.Lock()
	err := protocol.WriteLine(c.conn, cmd)
	c.writeMu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case resp := <-c.responses:
		return resp, nil
	case <-c.done:
		return nil, errors.New("daemon disconnected")
	case <-time.After(responseTimeout):
		return nil, errors.New("timed out waiting for daemon response")
	}
}

// Convenience wrappers for the common commands.

func (c *Client) Approve(approvalID string, remember bool) (*protocol.MonitorResponse, error) {
	return c.Send(&protocol.MonitorCommand{
		Type: protocol.MonitorApprove, ApprovalID: approvalID, Remember: remember,
	})
}

func (c *Client) Deny(approvalID, reason string, remember bool) (*protocol.MonitorResponse, error) {
	return c.Send(&protocol.MonitorCommand{
		Type: protocol.MonitorDeny, ApprovalID: approvalID, Reason: reason, Remember: remember,
	})
}

func (c *Client) Ping() (*protocol.MonitorResponse, error) {
	return c.Send(&protocol.MonitorCommand{Type: protocol.MonitorPing})
}

func (c *Client) SetEnabled(enabled bool) (*protocol.MonitorResponse, error) {
	return c.Send(&protocol.MonitorCommand{Type: protocol.MonitorSetEnabled, Enabled: &enabled})
}

func (c *Client) ReloadRules() (*protocol.MonitorResponse, error) {
	return c.Send(&protocol.MonitorCommand{Type: protocol.MonitorReloadRules})
}

func (c *Client) GetStatus() (*protocol.MonitorResponse, error) {
	return c.Send(&protocol.MonitorCommand{Type: protocol.MonitorGetStatus})
}
