package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/safeshell/safeshell/internal/config"
	"github.com/safeshell/safeshell/internal/logging"
	"github.com/safeshell/safeshell/internal/protocol"
	"github.com/safeshell/safeshell/internal/wrapper"
)

var execContext string

var execCmd = &cobra.Command{
	Use:     "exec -- <command> [args...]",
	GroupID: GroupCore,
	Short:   "Evaluate a command and run it if allowed",
	Args:    cobra.MinimumNArgs(1),
	RunE:    runExec,
	Long: `Evaluate a command against the daemon's rules and, when allowed,
execute it through the configured shell with your stdio and
environment. Blocked commands print the rule's message and exit 1.

This is the wrapper AI tools are pointed at; shim symlinks invoke it
for each interposed command.

Examples:
  safeshell exec -- git push --force origin main
  safeshell exec --context human -- rm -rf build/`,
}

func init() {
	execCmd.Flags().StringVar(&execContext, "context", "",
		"Execution context: ai or human (default: human on a terminal, ai otherwise)")
	rootCmd.AddCommand(execCmd)
}

func runExec(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	command := strings.Join(args, " ")
	workingDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}

	logger := logging.BestEffort(cfg.LogFile, cfg.LogLevel)
	client := wrapper.NewClient(cfg, config.SocketPath(), logger)
	exitCode = client.Run(command, workingDir, resolveRole())
	return nil
}

// resolveRole picks the execution context: an explicit flag wins, then
// a terminal on stdin means a human typed this.
func resolveRole() string {
	switch execContext {
	case protocol.ContextAI, protocol.ContextHuman:
		return execContext
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return protocol.ContextHuman
	}
	return protocol.ContextAI
}
