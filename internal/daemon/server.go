// Package daemon implements the SafeShell policy daemon: two Unix-socket
// listeners (request channel for wrappers, monitor channel for observer
// UIs), the evaluation pipeline behind them, and process lifecycle
// (pid file, single-instance lock, signal-driven shutdown).
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/safeshell/safeshell/internal/approval"
	"github.com/safeshell/safeshell/internal/config"
	"github.com/safeshell/safeshell/internal/engine"
	"github.com/safeshell/safeshell/internal/events"
)

// Daemon states. Transitions only move forward; a crashed daemon is
// replaced by a fresh process, never resurrected in place.
const (
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopping = "stopping"
	StateStopped  = "stopped"
)

// Paths groups the filesystem locations one daemon instance owns.
type Paths struct {
	Socket        string
	MonitorSocket string
	PID           string
	Lock          string
}

// DefaultPaths returns the standard state-directory layout.
func DefaultPaths() Paths {
	return Paths{
		Socket:        config.SocketPath(),
		MonitorSocket: config.MonitorSocketPath(),
		PID:           config.PIDPath(),
		Lock:          config.LockPath(),
	}
}

// Server is one daemon instance.
type Server struct {
	cfg   *config.Config
	paths Paths
	log   zerolog.Logger

	bus       *events.Bus
	engine    *engine.Engine
	approvals *approval.Manager

	lock        *flock.Flock
	reqListener net.Listener
	monListener net.Listener

	startedAt         time.Time
	commandsProcessed atomic.Int64
	activeMonitors    atomic.Int32
	enabled           atomic.Bool
	shuttingDown      atomic.Bool

	stateMu sync.Mutex
	state   string

	connWG sync.WaitGroup
}

// New wires a server from its collaborators. The bus is passed in, not
// owned here, so the approval manager and the server publish through the
// same fan-out without back-pointers.
func New(cfg *config.Config, paths Paths, bus *events.Bus, eng *engine.Engine, approvals *approval.Manager, log zerolog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		paths:     paths,
		log:       log,
		bus:       bus,
		engine:    eng,
		approvals: approvals,
		state:     StateStarting,
	}
	s.enabled.Store(true)
	return s
}

// ErrAlreadyRunning is returned when another daemon owns the socket.
var ErrAlreadyRunning = errors.New("daemon already running")

// Run starts both listeners and blocks until a shutdown signal or a
// fatal listener error. On return all sockets and the pid file are gone.
func (s *Server) Run(ctx context.Context) error {
	if err := config.EnsureStateDir(); err != nil {
		return err
	}

	// Single-instance guard: the flock is held for the daemon's whole
	// life, so a second daemon fails fast instead of stealing sockets.
	s.lock = flock.New(s.paths.Lock)
	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring daemon lock: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}
	defer s.lock.Unlock()

	// A corrupt rule file must fail startup, not surface later as
	// per-request errors from a daemon that looks healthy.
	wd, werr := os.Getwd()
	if werr != nil {
		wd = "/"
	}
	if err := s.engine.Preload(wd); err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}

	if err := s.cleanStale(); err != nil {
		return err
	}

	if err := os.WriteFile(s.paths.PID, []byte(strconv.Itoa(os.Getpid())+"\n"), 0600); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	defer os.Remove(s.paths.PID)

	if s.reqListener, err = s.listen(s.paths.Socket); err != nil {
		return err
	}
	defer s.closeSocket(s.reqListener, s.paths.Socket)

	if s.monListener, err = s.listen(s.paths.MonitorSocket); err != nil {
		s.closeSocket(s.reqListener, s.paths.Socket)
		return err
	}
	defer s.closeSocket(s.monListener, s.paths.MonitorSocket)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	s.startedAt = time.Now()
	s.setState(StateRunning)
	s.bus.Publish(events.New(events.TypeDaemonStatus, &events.DaemonStatus{Status: "started"}))
	s.log.Info().Str("socket", s.paths.Socket).Str("monitor_socket", s.paths.MonitorSocket).
		Msg("daemon listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.acceptLoop(s.reqListener, s.handleRequestConn) })
	g.Go(func() error { return s.acceptLoop(s.monListener, s.handleMonitorConn) })
	g.Go(func() error {
		<-gctx.Done()
		s.beginShutdown()
		return nil
	})

	err = g.Wait()
	s.awaitConnections()
	s.setState(StateStopped)
	s.log.Info().Msg("daemon stopped")
	if s.shuttingDown.Load() {
		return nil
	}
	return err
}

// cleanStale removes socket and pid files left by a crashed instance.
// Staleness is detected by dialing: only a socket nobody answers is
// stale. A live socket means another daemon runs despite our flock win
// (different state dir via symlink games) — refuse to start.
func (s *Server) cleanStale() error {
	for _, path := range []string{s.paths.Socket, s.paths.MonitorSocket} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		conn, err := net.DialTimeout("unix", path, time.Second)
		if err == nil {
			conn.Close()
			return ErrAlreadyRunning
		}
		s.log.Warn().Str("socket", path).Msg("removing stale socket from previous instance")
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("removing stale socket %s: %w", path, err)
		}
	}
	os.Remove(s.paths.PID)
	return nil
}

// listen binds a Unix socket and restricts it to the owning user.
func (s *Server) listen(path string) (net.Listener, error) {
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		l.Close()
		os.Remove(path)
		return nil, fmt.Errorf("restricting socket %s: %w", path, err)
	}
	return l, nil
}

func (s *Server) closeSocket(l net.Listener, path string) {
	if l != nil {
		l.Close()
	}
	os.Remove(path)
}

// acceptLoop accepts connections until the listener closes. Each
// connection is handled on its own goroutine; handler errors are
// contained per connection.
func (s *Server) acceptLoop(l net.Listener, handle func(net.Conn)) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.shuttingDown.Load() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			defer conn.Close()
			handle(conn)
		}()
	}
}

// beginShutdown stops accepting, announces the stopping state, and lets
// in-flight work drain (bounded by awaitConnections).
func (s *Server) beginShutdown() {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	s.setState(StateStopping)
	s.bus.Publish(events.New(events.TypeDaemonStatus, s.statusData("stopping")))
	if s.reqListener != nil {
		s.reqListener.Close()
	}
	if s.monListener != nil {
		s.monListener.Close()
	}
}

// awaitConnections waits for in-flight connections, bounded by the
// approval timeout plus slack so a blocked approval cannot wedge
// shutdown forever.
func (s *Server) awaitConnections() {
	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()
	bound := time.Duration(s.cfg.ApprovalTimeoutSeconds)*time.Second + 5*time.Second
	select {
	case <-done:
	case <-time.After(bound):
		s.log.Warn().Msg("shutdown timed out waiting for connections")
	}
}

func (s *Server) setState(state string) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

// State returns the daemon's lifecycle state.
func (s *Server) State() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Enabled reports whether evaluation is active. When disabled the
// daemon allows everything and says so in the status message.
func (s *Server) Enabled() bool {
	return s.enabled.Load()
}

// SetEnabled flips evaluation on or off.
func (s *Server) SetEnabled(v bool) {
	s.enabled.Store(v)
}

func (s *Server) statusData(status string) *events.DaemonStatus {
	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}
	return &events.DaemonStatus{
		Status:            status,
		UptimeS:           uptime,
		CommandsProcessed: s.commandsProcessed.Load(),
		ActiveMonitors:    int(s.activeMonitors.Load()),
	}
}
