package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/safeshell/safeshell/internal/config"
	"github.com/safeshell/safeshell/internal/hook"
	"github.com/safeshell/safeshell/internal/logging"
	"github.com/safeshell/safeshell/internal/wrapper"
)

var hookCmd = &cobra.Command{
	Use:     "hook",
	GroupID: GroupCore,
	Short:   "Pre-tool-use hook adapter (reads JSON from stdin)",
	RunE:    runHook,
	Long: `Adapter for AI tools' pre-tool-use hooks.

Reads one JSON object from stdin describing the tool call. Bash
commands are evaluated by the daemon in check-only mode: exit 0 means
allowed, exit 2 tells the host to block the call. Anything that goes
wrong — unparseable input, unreachable daemon — exits 0 so a broken
hook never hangs the host tool.`,
}

func init() {
	rootCmd.AddCommand(hookCmd)
}

func runHook(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		// Fail open: the host must not be blocked by our config troubles.
		exitCode = hook.ExitAllow
		return nil
	}

	logger := logging.BestEffort(cfg.LogFile, cfg.LogLevel)
	client := wrapper.NewClient(cfg, config.SocketPath(), logger)
	exitCode = hook.Run(os.Stdin, os.Stderr, client, logger)
	return nil
}
