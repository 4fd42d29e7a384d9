// Package cmd implements the safeshell CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Command groups for help output.
const (
	GroupCore     = "core"
	GroupServices = "services"
	GroupDiag     = "diag"
)

var rootCmd = &cobra.Command{
	Use:   "safeshell",
	Short: "Policy gate for shell commands run by AI coding assistants",
	Long: `SafeShell interposes on shell commands and decides, per command,
whether to allow it, deny it, or hold it for human approval.

A long-lived daemon evaluates commands against layered rule files
(built-in defaults, your global rules, repo-local additions) and
streams events to any connected monitor. The wrapper and hook
commands are the short-lived clients that put a command in front
of the daemon before it runs.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitCode lets commands that proxy another process (exec, hook)
// propagate its exit status through Execute.
var exitCode int

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: GroupCore, Title: "Core Commands:"},
		&cobra.Group{ID: GroupServices, Title: "Service Commands:"},
		&cobra.Group{ID: GroupDiag, Title: "Diagnostic Commands:"},
	)
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "safeshell: %v\n", err)
		return 1
	}
	return exitCode
}

func requireSubcommand(cmd *cobra.Command, args []string) error {
	return cmd.Help()
}
