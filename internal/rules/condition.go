package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/safeshell/safeshell/internal/cmdctx"
)

// Condition kinds. In YAML each condition is a single-key mapping whose
// key names the variant:
//
//	conditions:
//	  - command_contains: "--force"
//	  - git_branch_in: [main, master]
//	  - env_equals: {name: CI, value: "true"}
const (
	CondCommandMatches    = "command_matches"
	CondCommandContains   = "command_contains"
	CondCommandStartswith = "command_startswith"
	CondGitBranchIn       = "git_branch_in"
	CondGitBranchMatches  = "git_branch_matches"
	CondInGitRepo         = "in_git_repo"
	CondPathMatches       = "path_matches"
	CondFileExists        = "file_exists"
	CondEnvEquals         = "env_equals"
)

// Condition is a boolean predicate over a command context. The Kind field
// selects the variant; the remaining fields are its operands. Regex
// operands are compiled once, at rule-compile time, and reused across
// evaluations.
type Condition struct {
	Kind string

	Pattern string   // command_matches, git_branch_matches, path_matches
	Text    string   // command_contains, command_startswith, file_exists
	Names   []string // git_branch_in
	Flag    bool     // in_git_repo
	EnvName string   // env_equals
	EnvVal  string   // env_equals

	re *regexp.Regexp
}

type envEqualsOperand struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// UnmarshalYAML decodes the single-key shorthand into the tagged sum.
func (c *Condition) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return fmt.Errorf("condition must be a single-key mapping")
	}
	key := node.Content[0].Value
	val := node.Content[1]

	c.Kind = key
	switch key {
	case CondCommandMatches, CondGitBranchMatches, CondPathMatches:
		return val.Decode(&c.Pattern)
	case CondCommandContains, CondCommandStartswith, CondFileExists:
		return val.Decode(&c.Text)
	case CondGitBranchIn:
		return val.Decode(&c.Names)
	case CondInGitRepo:
		return val.Decode(&c.Flag)
	case CondEnvEquals:
		var op envEqualsOperand
		if err := val.Decode(&op); err != nil {
			return err
		}
		c.EnvName, c.EnvVal = op.Name, op.Value
		return nil
	default:
		return fmt.Errorf("unknown condition type %q", key)
	}
}

// MarshalYAML re-emits the single-key shorthand.
func (c Condition) MarshalYAML() (interface{}, error) {
	switch c.Kind {
	case CondCommandMatches, CondGitBranchMatches, CondPathMatches:
		return map[string]string{c.Kind: c.Pattern}, nil
	case CondCommandContains, CondCommandStartswith, CondFileExists:
		return map[string]string{c.Kind: c.Text}, nil
	case CondGitBranchIn:
		return map[string][]string{c.Kind: c.Names}, nil
	case CondInGitRepo:
		return map[string]bool{c.Kind: c.Flag}, nil
	case CondEnvEquals:
		return map[string]envEqualsOperand{c.Kind: {Name: c.EnvName, Value: c.EnvVal}}, nil
	default:
		return nil, fmt.Errorf("unknown condition type %q", c.Kind)
	}
}

// compile validates the condition and precompiles any regex operand.
// Go's regexp is RE2 (linear time), so an untrusted pattern cannot cause
// catastrophic backtracking; compile failure is the only hazard.
func (c *Condition) compile() error {
	switch c.Kind {
	case CondCommandMatches, CondGitBranchMatches, CondPathMatches:
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return fmt.Errorf("condition %s: %w", c.Kind, err)
		}
		c.re = re
	case CondCommandContains, CondCommandStartswith, CondFileExists,
		CondGitBranchIn, CondInGitRepo, CondEnvEquals:
		// nothing to precompile
	default:
		return fmt.Errorf("unknown condition type %q", c.Kind)
	}
	return nil
}

// Evaluate runs the predicate against a context. Pure data predicates
// only; the most expensive operation any variant performs is a stat.
func (c *Condition) Evaluate(ctx *cmdctx.Context) bool {
	switch c.Kind {
	case CondCommandMatches:
		return c.re.MatchString(ctx.Raw)
	case CondCommandContains:
		return strings.Contains(ctx.Raw, c.Text)
	case CondCommandStartswith:
		return strings.HasPrefix(ctx.Raw, c.Text)
	case CondGitBranchIn:
		if !ctx.InGitRepo() || ctx.GitBranch == "" {
			return false
		}
		for _, name := range c.Names {
			if ctx.GitBranch == name {
				return true
			}
		}
		return false
	case CondGitBranchMatches:
		if !ctx.InGitRepo() || ctx.GitBranch == "" {
			return false
		}
		return c.re.MatchString(ctx.GitBranch)
	case CondInGitRepo:
		return ctx.InGitRepo() == c.Flag
	case CondPathMatches:
		return c.re.MatchString(ctx.WorkingDir)
	case CondFileExists:
		_, err := os.Stat(filepath.Join(ctx.WorkingDir, c.Text))
		return err == nil
	case CondEnvEquals:
		return ctx.Env[c.EnvName] == c.EnvVal
	default:
		return false
	}
}

// Fingerprint identifies the condition for the result cache. Two
// conditions with the same fingerprint evaluate identically against the
// same context.
func (c *Condition) Fingerprint() string {
	switch c.Kind {
	case CondCommandMatches, CondGitBranchMatches, CondPathMatches:
		return c.Kind + ":" + c.Pattern
	case CondCommandContains, CondCommandStartswith, CondFileExists:
		return c.Kind + ":" + c.Text
	case CondGitBranchIn:
		names := append([]string(nil), c.Names...)
		sort.Strings(names)
		return c.Kind + ":" + strings.Join(names, ",")
	case CondInGitRepo:
		return fmt.Sprintf("%s:%t", c.Kind, c.Flag)
	case CondEnvEquals:
		return c.Kind + ":" + c.EnvName + "=" + c.EnvVal
	default:
		return c.Kind
	}
}
