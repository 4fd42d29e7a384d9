// Package hook adapts an AI coding tool's pre-tool-use hook to the
// daemon's request channel. It reads one JSON object from stdin
// describing the tool call; Bash invocations are checked (not executed)
// through the wrapper client, everything else passes through.
//
// Failure policy is fail-open throughout: a hook that cannot parse its
// input or reach the daemon must never hang or break the host tool.
package hook

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/safeshell/safeshell/internal/protocol"
)

// Exit codes the host tool understands.
const (
	ExitAllow = 0
	// ExitBlock is the host-mandated "block this tool call" code.
	ExitBlock = 2
)

// Input is the hook payload read from stdin.
type Input struct {
	SessionID  string          `json:"session_id"`
	ToolName   string          `json:"tool_name"`
	ToolInput  json.RawMessage `json:"tool_input"`
	WorkingDir string          `json:"cwd"`
}

// bashInput is the tool_input payload of a Bash call.
type bashInput struct {
	Command string `json:"command"`
}

// Checker is the slice of the wrapper client the hook needs.
type Checker interface {
	CheckOnly(command, workingDir, role string) (allowed bool, denial string, err error)
}

// Run processes one hook invocation: parse stdin, check Bash commands,
// write a denial to stderr when blocked. The returned int is the
// process exit code.
func Run(stdin io.Reader, stderr io.Writer, checker Checker, log zerolog.Logger) int {
	data, err := io.ReadAll(stdin)
	if err != nil {
		log.Warn().Err(err).Msg("hook: reading stdin failed; passing through")
		return ExitAllow
	}

	var in Input
	if err := json.Unmarshal(data, &in); err != nil {
		log.Warn().Err(err).Msg("hook: unparseable input; passing through")
		return ExitAllow
	}

	if in.ToolName != "Bash" {
		return ExitAllow
	}

	var bash bashInput
	if err := json.Unmarshal(in.ToolInput, &bash); err != nil || bash.Command == "" {
		log.Warn().Str("tool", in.ToolName).Msg("hook: no command in tool input; passing through")
		return ExitAllow
	}

	allowed, denial, err := checker.CheckOnly(bash.Command, in.WorkingDir, protocol.ContextAI)
	if err != nil {
		log.Warn().Err(err).Str("command", bash.Command).
			Msg("hook: daemon unreachable; passing through")
		return ExitAllow
	}
	if allowed {
		return ExitAllow
	}

	fmt.Fprintf(stderr, "safeshell: %s\n", denial)
	return ExitBlock
}
