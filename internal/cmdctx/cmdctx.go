// Package cmdctx builds the immutable snapshot a single evaluation runs
// against: the raw command, its tokens, the working directory, detected
// git state, environment, and whether the caller is an AI tool or a human.
package cmdctx

import (
	"strings"
)

// Execution roles.
const (
	RoleAI    = "ai"
	RoleHuman = "human"
)

// Context is one evaluation's view of the world. It is built once per
// request and never mutated afterwards.
type Context struct {
	Raw        string
	Argv       []string
	WorkingDir string
	GitRoot    string // empty when not inside a git repository
	GitBranch  string // empty outside a repo or on detached HEAD
	Env        map[string]string
	Role       string
}

// New builds a Context for a raw command string. Git state is detected
// from the working directory (cached; see git.go).
func New(raw, workingDir string, env map[string]string, role string) *Context {
	if role != RoleHuman {
		role = RoleAI
	}
	root, branch := detectGit(workingDir)
	return &Context{
		Raw:        raw,
		Argv:       strings.Fields(raw),
		WorkingDir: workingDir,
		GitRoot:    root,
		GitBranch:  branch,
		Env:        env,
		Role:       role,
	}
}

// Executable returns the first token of the command, or "" for an empty
// command. This is the fast-path index key and the session-memory
// base command.
func (c *Context) Executable() string {
	if len(c.Argv) == 0 {
		return ""
	}
	return c.Argv[0]
}

// Args returns the tokens after the executable.
func (c *Context) Args() []string {
	if len(c.Argv) < 2 {
		return nil
	}
	return c.Argv[1:]
}

// InGitRepo reports whether the working directory is inside a git
// repository.
func (c *Context) InGitRepo() bool {
	return c.GitRoot != ""
}

// BaseCommand is the session-memory key component: the first
// whitespace-delimited token of a raw command string.
func BaseCommand(raw string) string {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
