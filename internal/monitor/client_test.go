package monitor

import (
	"bufio"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/safeshell/safeshell/internal/events"
	"github.com/safeshell/safeshell/internal/protocol"
)

// fakeMonitorDaemon accepts one monitor connection, sends the welcome,
// and echoes a canned response per received command. Events can be
// injected with sendEvent.
type fakeMonitorDaemon struct {
	t        *testing.T
	socket   string
	listener net.Listener

	mu   sync.Mutex
	conn net.Conn

	ready    chan struct{}
	commands chan protocol.MonitorCommand
	respond  func(protocol.MonitorCommand) protocol.MonitorResponse
}

func startFakeDaemon(t *testing.T, welcome protocol.MonitorResponse) *fakeMonitorDaemon {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "monitor.sock")
	l, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatal(err)
	}
	d := &fakeMonitorDaemon{
		t:        t,
		socket:   socket,
		listener: l,
		ready:    make(chan struct{}),
		commands: make(chan protocol.MonitorCommand, 8),
		respond: func(protocol.MonitorCommand) protocol.MonitorResponse {
			return protocol.MonitorResponse{Success: true, Message: "ok"}
		},
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		d.mu.Lock()
		d.conn = conn
		d.mu.Unlock()

		if err := protocol.WriteLine(conn, welcome); err != nil {
			return
		}
		close(d.ready)

		reader := bufio.NewReader(conn)
		for {
			line, err := protocol.ReadLine(reader)
			if err != nil {
				return
			}
			var cmd protocol.MonitorCommand
			if err := protocol.DecodeLine(line, &cmd); err != nil {
				return
			}
			d.commands <- cmd
			d.write(d.respond(cmd))
		}
	}()
	return d
}

func (d *fakeMonitorDaemon) write(v any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		protocol.WriteLine(d.conn, v)
	}
}

func (d *fakeMonitorDaemon) sendEvent(ev events.Event) {
	d.write(protocol.EventFrame{Type: protocol.FrameTypeEvent, Event: ev})
}

func (d *fakeMonitorDaemon) closeConn() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		d.conn.Close()
	}
}

func TestDialConsumesWelcome(t *testing.T) {
	d := startFakeDaemon(t, protocol.MonitorResponse{Success: true, Message: "connected"})

	c, err := Dial(d.socket, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	<-d.ready
}

func TestDialRejectedWelcome(t *testing.T) {
	d := startFakeDaemon(t, protocol.MonitorResponse{Error: "too many monitors"})

	if _, err := Dial(d.socket, zerolog.Nop()); err == nil {
		t.Error("want error on refused welcome")
	}
}

func TestDialNoSocket(t *testing.T) {
	if _, err := Dial(filepath.Join(t.TempDir(), "absent.sock"), zerolog.Nop()); err == nil {
		t.Error("want error when socket is absent")
	}
}

func TestSendReceivesResponse(t *testing.T) {
	d := startFakeDaemon(t, protocol.MonitorResponse{Success: true})
	d.respond = func(cmd protocol.MonitorCommand) protocol.MonitorResponse {
		return protocol.MonitorResponse{Success: true, Message: "pong"}
	}

	c, err := Dial(d.socket, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	resp, err := c.Ping()
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.Message != "pong" {
		t.Errorf("resp = %+v", resp)
	}

	got := <-d.commands
	if got.Type != protocol.MonitorPing {
		t.Errorf("daemon saw %+v", got)
	}
}

func TestSendInterleavedWithEvents(t *testing.T) {
	d := startFakeDaemon(t, protocol.MonitorResponse{Success: true})
	d.respond = func(cmd protocol.MonitorCommand) protocol.MonitorResponse {
		// An event lands between the command and its response, as when
		// an approval resolves: the client must route both correctly.
		d.sendEvent(events.New(events.TypeApprovalResolved, &events.ApprovalResolved{
			ApprovalID: cmd.ApprovalID, Approved: true,
		}))
		return protocol.MonitorResponse{Success: true, Message: "approved"}
	}

	c, err := Dial(d.socket, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	received := make(chan events.Event, 1)
	c.OnEvent(func(ev events.Event) { received <- ev })

	resp, err := c.Approve("id-1", false)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Message != "approved" {
		t.Errorf("resp = %+v", resp)
	}

	select {
	case ev := <-received:
		if ev.Type != events.TypeApprovalResolved {
			t.Errorf("event = %+v", ev)
		}
		if ev.Data.(*events.ApprovalResolved).ApprovalID != "id-1" {
			t.Errorf("payload = %+v", ev.Data)
		}
	case <-time.After(2 * time.Second):
		t.Error("event never dispatched")
	}
}

func TestEventFanOutAndPanicIsolation(t *testing.T) {
	d := startFakeDaemon(t, protocol.MonitorResponse{Success: true})

	c, err := Dial(d.socket, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	<-d.ready

	got := make(chan events.Event, 2)
	c.OnEvent(func(events.Event) { panic("bad handler") })
	c.OnEvent(func(ev events.Event) { got <- ev })

	d.sendEvent(events.New(events.TypeDaemonStatus, &events.DaemonStatus{Status: "started"}))

	select {
	case ev := <-got:
		if ev.Type != events.TypeDaemonStatus {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Error("panicking handler starved the healthy one")
	}
}

func TestDoneOnDisconnect(t *testing.T) {
	d := startFakeDaemon(t, protocol.MonitorResponse{Success: true})

	c, err := Dial(d.socket, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	<-d.ready

	d.closeConn()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after daemon disconnect")
	}
	if c.Err() == nil {
		t.Error("Err = nil after abnormal disconnect")
	}

	if _, err := c.Ping(); err == nil {
		t.Error("Send after disconnect should fail")
	}
}

func TestCloseIsClean(t *testing.T) {
	d := startFakeDaemon(t, protocol.MonitorResponse{Success: true})

	c, err := Dial(d.socket, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	<-d.ready

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	<-c.Done()
	if c.Err() != nil {
		t.Errorf("Err = %v after clean Close", c.Err())
	}
}
