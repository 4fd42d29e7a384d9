package cmd

import (
	"context"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/safeshell/safeshell/internal/config"
	"github.com/safeshell/safeshell/internal/events"
	"github.com/safeshell/safeshell/internal/logging"
	"github.com/safeshell/safeshell/internal/monitor"
	"github.com/safeshell/safeshell/internal/tui/feed"
)

var monitorPlain bool

var monitorCmd = &cobra.Command{
	Use:     "monitor",
	GroupID: GroupDiag,
	Short:   "Watch the daemon's event stream and resolve approvals",
	RunE:    runMonitor,
	Long: `Connect to the daemon's monitor socket and show its event stream.

By default this opens an interactive TUI:
  - Approvals panel (top): pending approvals with their challenge codes
  - Event feed (bottom): everything the daemon does, live
  - Keys: a/A approve (A remembers), d/D deny, tab to switch panels,
    j/k to scroll, q to quit

Use --plain for line-oriented output suitable for piping.`,
}

func init() {
	monitorCmd.Flags().BoolVar(&monitorPlain, "plain", false, "Plain text output instead of TUI")
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.BestEffort(cfg.LogFile, cfg.LogLevel)

	client, err := monitor.Dial(config.MonitorSocketPath(), logger)
	if err != nil {
		return err
	}
	defer client.Close()

	if monitorPlain || !term.IsTerminal(int(os.Stdout.Fd())) {
		return feed.PrintPlain(cmd.Context(), client, os.Stdout)
	}

	ch := make(chan events.Event, 64)
	client.OnEvent(func(ev events.Event) {
		select {
		case ch <- ev:
		default:
		}
	})

	model := feed.NewModel(client, ch)
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(context.Background()))
	if _, err := program.Run(); err != nil {
		return err
	}
	return model.Err()
}
