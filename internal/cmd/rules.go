package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/safeshell/safeshell/internal/cmdctx"
	"github.com/safeshell/safeshell/internal/config"
	"github.com/safeshell/safeshell/internal/engine"
	"github.com/safeshell/safeshell/internal/logging"
	"github.com/safeshell/safeshell/internal/protocol"
	"github.com/safeshell/safeshell/internal/rules"
	"github.com/safeshell/safeshell/internal/style"
)

var rulesCmd = &cobra.Command{
	Use:     "rules",
	GroupID: GroupDiag,
	Short:   "Inspect and dry-run the merged rule set",
	RunE:    requireSubcommand,
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the merged rules for the current directory",
	RunE:  runRulesList,
	Long: `List the rules that apply in the current directory, after merging
built-in defaults, your global rules file, and any repo-local rules,
with global overrides applied.`,
}

var checkRole string

var rulesCheckCmd = &cobra.Command{
	Use:   "check -- <command> [args...]",
	Short: "Dry-run a command against the rules without the daemon",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRulesCheck,
	Long: `Evaluate a command against the merged rule set and print what the
daemon would decide, without executing anything and without needing
the daemon to be running.

Examples:
  safeshell rules check -- git push --force origin main
  safeshell rules check --role human -- git commit -m "wip"`,
}

func init() {
	rulesCheckCmd.Flags().StringVar(&checkRole, "role", protocol.ContextAI, "Execution context: ai or human")
	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesCheckCmd)
	rootCmd.AddCommand(rulesCmd)
}

func loadOffline() (*config.Config, *engine.Engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger := logging.BestEffort(cfg.LogFile, cfg.LogLevel)
	loader := rules.NewLoader(config.RulesPath(), config.RepoRulesRelPath, logger)
	eng := engine.New(loader, engine.NewResultCache(0, 0),
		time.Duration(cfg.ConditionTimeoutMs)*time.Millisecond, logger)
	return cfg, eng, nil
}

func runRulesList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.BestEffort(cfg.LogFile, cfg.LogLevel)
	loader := rules.NewLoader(config.RulesPath(), config.RepoRulesRelPath, logger)

	workingDir, err := os.Getwd()
	if err != nil {
		return err
	}
	merged, err := loader.Load(workingDir)
	if err != nil {
		return err
	}

	fmt.Printf("%s  %s\n", style.Header.Render("Rules"), style.Dim.Render(workingDir))
	for _, r := range merged {
		action := style.ForDecision(string(r.Action)).Render(string(r.Action))
		scope := ""
		if r.Context != rules.ScopeAll {
			scope = " " + style.Dim.Render("["+string(r.Context)+"]")
		}
		fmt.Printf("  %-18s %s%s  %s  %s\n",
			action, style.Bold.Render(r.Name), scope,
			style.Dim.Render(strings.Join(r.Commands, ",")), r.Message)
	}
	return nil
}

func runRulesCheck(cmd *cobra.Command, args []string) error {
	_, eng, err := loadOffline()
	if err != nil {
		return err
	}

	command := strings.Join(args, " ")
	workingDir, err := os.Getwd()
	if err != nil {
		return err
	}

	ctx := cmdctx.New(command, workingDir, nil, checkRole)
	result, err := eng.Evaluate(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("%s %s\n", style.ForDecision(string(result.Decision)).Render(string(result.Decision)), command)
	if result.RuleName != "" {
		fmt.Printf("  rule: %s\n", result.RuleName)
	}
	if result.Message != "" {
		fmt.Printf("  %s\n", result.Message)
	}
	if result.RedirectTo != "" {
		fmt.Printf("  redirect: %s\n", result.RedirectTo)
	}
	if !result.Allowed() {
		exitCode = 1
	}
	return nil
}
