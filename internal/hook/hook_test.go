package hook

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

type fakeChecker struct {
	allowed bool
	denial  string
	err     error

	gotCommand string
	gotDir     string
	gotRole    string
	calls      int
}

func (f *fakeChecker) CheckOnly(command, workingDir, role string) (bool, string, error) {
	f.calls++
	f.gotCommand, f.gotDir, f.gotRole = command, workingDir, role
	return f.allowed, f.denial, f.err
}

func runHook(t *testing.T, input string, checker *fakeChecker) (int, string) {
	t.Helper()
	var stderr bytes.Buffer
	code := Run(strings.NewReader(input), &stderr, checker, zerolog.Nop())
	return code, stderr.String()
}

func TestRunAllowedBashCommand(t *testing.T) {
	checker := &fakeChecker{allowed: true}
	input := `{"session_id":"s1","tool_name":"Bash","tool_input":{"command":"git status"},"cwd":"/work"}`

	code, stderr := runHook(t, input, checker)
	if code != ExitAllow {
		t.Errorf("exit = %d, want %d", code, ExitAllow)
	}
	if stderr != "" {
		t.Errorf("stderr = %q", stderr)
	}
	if checker.gotCommand != "git status" || checker.gotDir != "/work" || checker.gotRole != "ai" {
		t.Errorf("checker got (%q, %q, %q)", checker.gotCommand, checker.gotDir, checker.gotRole)
	}
}

func TestRunBlockedBashCommand(t *testing.T) {
	checker := &fakeChecker{denial: "force pushes are blocked"}
	input := `{"tool_name":"Bash","tool_input":{"command":"git push --force"},"cwd":"/work"}`

	code, stderr := runHook(t, input, checker)
	if code != ExitBlock {
		t.Errorf("exit = %d, want %d", code, ExitBlock)
	}
	if !strings.Contains(stderr, "force pushes are blocked") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestRunNonBashToolPassesThrough(t *testing.T) {
	checker := &fakeChecker{}
	input := `{"tool_name":"Read","tool_input":{"file_path":"/etc/passwd"}}`

	code, _ := runHook(t, input, checker)
	if code != ExitAllow {
		t.Errorf("exit = %d", code)
	}
	if checker.calls != 0 {
		t.Error("non-Bash tool reached the daemon")
	}
}

func TestRunFailOpen(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		checker *fakeChecker
	}{
		{"garbage input", "not json at all", &fakeChecker{}},
		{"empty input", "", &fakeChecker{}},
		{"missing command", `{"tool_name":"Bash","tool_input":{}}`, &fakeChecker{}},
		{"daemon unreachable", `{"tool_name":"Bash","tool_input":{"command":"ls"}}`,
			&fakeChecker{err: errors.New("dial unix: no such file")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := runHook(t, tt.input, tt.checker)
			if code != ExitAllow {
				t.Errorf("exit = %d, want fail-open %d", code, ExitAllow)
			}
		})
	}
}
