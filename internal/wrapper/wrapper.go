// Package wrapper is the short-lived client that interposes on one shell
// command: it asks the daemon for a verdict, relays intermediate status
// to the caller, and either hands the command to the real shell or
// reports the denial.
package wrapper

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/safeshell/safeshell/internal/config"
	"github.com/safeshell/safeshell/internal/protocol"
)

// Exit codes surfaced by Run.
const (
	ExitAllowed = 0
	ExitBlocked = 1
)

// Auto-start polling bounds.
const (
	autoStartWait = 5 * time.Second
	autoStartPoll = 200 * time.Millisecond
)

// dialTimeout bounds the initial connect to the daemon socket.
const dialTimeout = 2 * time.Second

// Client evaluates and optionally executes commands.
type Client struct {
	cfg        *config.Config
	socketPath string
	log        zerolog.Logger

	// Stderr receives intermediate status and denial messages; the
	// wrapped command's own stdio passes through untouched.
	Stderr io.Writer

	// AutoStart spawns the daemon when the socket is absent.
	AutoStart bool

	// startDaemon is overridden in tests.
	startDaemon func() error
}

// NewClient creates a wrapper client for the configured daemon socket.
func NewClient(cfg *config.Config, socketPath string, log zerolog.Logger) *Client {
	c := &Client{
		cfg:        cfg,
		socketPath: socketPath,
		log:        log,
		Stderr:     os.Stderr,
		AutoStart:  cfg.AutoStartDaemon,
	}
	c.startDaemon = c.spawnDaemon
	return c
}

// Evaluate sends one evaluate request and drains responses until the
// final one, printing each intermediate status_message to Stderr.
func (c *Client) Evaluate(command, workingDir, role string) (*protocol.Response, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req := protocol.Request{
		Type:             protocol.RequestEvaluate,
		Command:          command,
		WorkingDir:       workingDir,
		Env:              environMap(),
		ExecutionContext: role,
		ClientPID:        os.Getpid(),
	}
	if err := protocol.WriteLine(conn, &req); err != nil {
		return nil, err
	}

	reader := bufio.NewReader(conn)
	for {
		line, err := protocol.ReadLine(reader)
		if err != nil {
			return nil, fmt.Errorf("daemon closed before final response: %w", err)
		}
		var resp protocol.Response
		if err := protocol.DecodeLine(line, &resp); err != nil {
			return nil, err
		}
		if resp.IsIntermediate {
			if resp.StatusMessage != "" {
				fmt.Fprintf(c.Stderr, "safeshell: %s\n", resp.StatusMessage)
			}
			continue
		}
		return &resp, nil
	}
}

// Run evaluates the command and, when allowed, executes it through the
// delegate shell with the caller's stdio and environment. The returned
// exit code follows the contract: 0 allowed-and-executed wins the
// command's own exit code; 1 blocked or unreachable under fail_closed.
func (c *Client) Run(command, workingDir, role string) int {
	resp, err := c.Evaluate(command, workingDir, role)
	if err != nil {
		return c.unreachable(command, workingDir, err)
	}

	if !resp.Success {
		fmt.Fprintf(c.Stderr, "safeshell: daemon error: %s\n", resp.ErrorMessage)
		return ExitBlocked
	}
	if !resp.ShouldExecute {
		msg := resp.DenialMessage
		if msg == "" {
			msg = "command blocked by safeshell policy"
		}
		fmt.Fprintf(c.Stderr, "safeshell: blocked: %s\n", msg)
		return ExitBlocked
	}

	run := command
	if resp.RedirectTo != "" {
		run = rewriteRedirect(resp.RedirectTo, command)
		fmt.Fprintf(c.Stderr, "safeshell: redirected to: %s\n", run)
	}
	return c.execute(run, workingDir)
}

// CheckOnly evaluates without executing; used by the hook adapter.
// Returns (allowed, denial message, error).
func (c *Client) CheckOnly(command, workingDir, role string) (bool, string, error) {
	resp, err := c.Evaluate(command, workingDir, role)
	if err != nil {
		return false, "", err
	}
	if !resp.Success {
		return false, resp.ErrorMessage, nil
	}
	if resp.ShouldExecute {
		return true, "", nil
	}
	msg := resp.DenialMessage
	if msg == "" {
		msg = "command blocked by safeshell policy"
	}
	return false, msg, nil
}

// unreachable applies the configured unreachable-daemon policy.
func (c *Client) unreachable(command, workingDir string, cause error) int {
	c.log.Warn().Err(cause).Msg("daemon unreachable")
	if c.cfg.UnreachableBehavior == config.FailOpen {
		fmt.Fprintf(c.Stderr, "safeshell: warning: daemon unreachable (%v); executing anyway\n", cause)
		return c.execute(command, workingDir)
	}
	fmt.Fprintf(c.Stderr, "safeshell: daemon unreachable (%v); blocking (fail_closed)\n", cause)
	return ExitBlocked
}

// execute hands the raw string to the configured real shell. The
// wrapper never re-interprets the command; `<shell> -c <command>` with
// inherited stdio and environment is the whole story.
func (c *Client) execute(command, workingDir string) int {
	shell := c.cfg.DelegateShell
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.Command(shell, "-c", command)
	cmd.Dir = workingDir
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		fmt.Fprintf(c.Stderr, "safeshell: failed to execute: %v\n", err)
		return ExitBlocked
	}
	return ExitAllowed
}

// dial connects to the daemon, auto-starting it when configured and the
// socket is absent.
func (c *Client) dial() (net.Conn, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, dialTimeout)
	if err == nil {
		return conn, nil
	}
	if !c.AutoStart {
		return nil, err
	}

	if startErr := c.startDaemon(); startErr != nil {
		return nil, fmt.Errorf("starting daemon: %w", startErr)
	}
	deadline := time.Now().Add(autoStartWait)
	for time.Now().Before(deadline) {
		time.Sleep(autoStartPoll)
		if conn, err = net.DialTimeout("unix", c.socketPath, dialTimeout); err == nil {
			return conn, nil
		}
	}
	return nil, fmt.Errorf("daemon did not come up within %s: %w", autoStartWait, err)
}

// spawnDaemon starts `safeshell daemon run` detached.
func (c *Client) spawnDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.Command(exe, "daemon", "run")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Start()
}

// rewriteRedirect substitutes $ARGS in a redirect template with the
// original command's arguments (everything after the executable).
func rewriteRedirect(template, original string) string {
	fields := strings.Fields(original)
	args := ""
	if len(fields) > 1 {
		args = strings.Join(fields[1:], " ")
	}
	return strings.ReplaceAll(template, "$ARGS", args)
}

// environMap snapshots the caller's environment for the wire request.
func environMap() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	return env
}
