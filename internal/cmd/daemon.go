package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/safeshell/safeshell/internal/approval"
	"github.com/safeshell/safeshell/internal/config"
	"github.com/safeshell/safeshell/internal/daemon"
	"github.com/safeshell/safeshell/internal/engine"
	"github.com/safeshell/safeshell/internal/events"
	"github.com/safeshell/safeshell/internal/logging"
	"github.com/safeshell/safeshell/internal/rules"
	"github.com/safeshell/safeshell/internal/style"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: GroupServices,
	Short:   "Manage the SafeShell daemon",
	RunE:    requireSubcommand,
	Long: `Manage the SafeShell background daemon.

The daemon evaluates commands against the merged rule set, mediates
interactive approvals, and streams events to connected monitors. It
listens on two Unix sockets in the state directory: daemon.sock for
wrappers and monitor.sock for observers.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the background",
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Long: `Stop the running SafeShell daemon.

Sends SIGTERM and waits for the socket to disappear.

Examples:
  safeshell daemon stop`,
	RunE: runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE:  runDaemonStatus,
}

var daemonRunCmd = &cobra.Command{
	Use:    "run",
	Short:  "Run daemon in foreground (internal)",
	Hidden: true,
	RunE:   runDaemonRun,
	Long: `Run the SafeShell daemon in the foreground.

This is called internally by 'safeshell daemon start' and by the
wrapper's auto-start path. Use 'safeshell daemon start' to start the
daemon normally in the background.`,
}

var daemonLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View daemon logs",
	RunE:  runDaemonLogs,
	Long: `View the daemon log file.

Examples:
  safeshell daemon logs          # Show last 50 lines
  safeshell daemon logs -n 200   # Show last 200 lines
  safeshell daemon logs -f       # Follow log output`,
}

var (
	daemonLogLines  int
	daemonLogFollow bool
)

func init() {
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonRunCmd)
	daemonCmd.AddCommand(daemonLogsCmd)

	daemonLogsCmd.Flags().IntVarP(&daemonLogLines, "lines", "n", 50, "Number of lines to show")
	daemonLogsCmd.Flags().BoolVarP(&daemonLogFollow, "follow", "f", false, "Follow log output")

	rootCmd.AddCommand(daemonCmd)
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	paths := daemon.DefaultPaths()
	if running, pid, err := daemon.IsRunning(paths); err != nil {
		return fmt.Errorf("checking daemon status: %w", err)
	} else if running {
		return fmt.Errorf("daemon already running (PID %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("finding executable: %w", err)
	}

	child := exec.Command(exe, "daemon", "run")
	child.Stdin = nil
	child.Stdout = nil
	child.Stderr = nil
	if err := child.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	// Give it a moment to bind before reporting.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if daemon.Responding(paths) {
			fmt.Printf("%s Daemon started (PID %d)\n", style.Bold.Render("✓"), child.Process.Pid)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon failed to start (check 'safeshell daemon logs')")
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	pid, err := daemon.Stop(daemon.DefaultPaths(), 5*time.Second)
	if err != nil {
		return err
	}
	fmt.Printf("%s Daemon stopped (PID %d)\n", style.Bold.Render("✓"), pid)
	return nil
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	paths := daemon.DefaultPaths()
	running, pid, err := daemon.IsRunning(paths)
	if err != nil {
		return fmt.Errorf("checking daemon status: %w", err)
	}
	if !running {
		fmt.Println("not running")
		exitCode = 1
		return nil
	}
	if !daemon.Responding(paths) {
		fmt.Printf("process %d alive but socket not responding\n", pid)
		exitCode = 1
		return nil
	}
	fmt.Printf("running (PID %d)\n", pid)
	return nil
}

func runDaemonRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := config.EnsureStateDir(); err != nil {
		return err
	}

	logger, closer, err := logging.Open(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer closer.Close()

	bus := events.NewBus(logger)
	loader := rules.NewLoader(config.RulesPath(), config.RepoRulesRelPath, logger)
	eng := engine.New(loader, engine.NewResultCache(0, 0),
		time.Duration(cfg.ConditionTimeoutMs)*time.Millisecond, logger)
	memory := approval.NewSessionMemory(time.Duration(cfg.ApprovalMemoryTTLSeconds) * time.Second)
	approvals := approval.NewManager(bus, memory, logger)

	server := daemon.New(cfg, daemon.DefaultPaths(), bus, eng, approvals, logger)
	return server.Run(context.Background())
}
