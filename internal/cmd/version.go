package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Populated by the build via -ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the safeshell version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("safeshell %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
