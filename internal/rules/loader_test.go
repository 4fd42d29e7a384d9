package rules

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeRules(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func findRule(rules []*Rule, name string) *Rule {
	for _, r := range rules {
		if r.Name == name {
			return r
		}
	}
	return nil
}

func TestLoaderBuiltinOnly(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "absent.yaml"), "", zerolog.Nop())
	merged, err := l.Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(merged) == 0 {
		t.Fatal("want builtin rules when no files exist")
	}
	if findRule(merged, "deny-force-push-protected") == nil {
		t.Error("missing builtin deny-force-push-protected")
	}
}

func TestLoaderGlobalLayering(t *testing.T) {
	global := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, global, `
rules:
  - name: block-terraform
    commands: [terraform]
    action: require_approval
overrides:
  - name: deny-force-push-protected
    disabled: true
`)
	l := NewLoader(global, "", zerolog.Nop())
	merged, err := l.Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if findRule(merged, "block-terraform") == nil {
		t.Error("global rule missing from merge")
	}
	if findRule(merged, "deny-force-push-protected") != nil {
		t.Error("disabled builtin still present")
	}
}

func TestLoaderGlobalOverrideModifies(t *testing.T) {
	global := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, global, `
overrides:
  - name: deny-hard-reset-ai
    action: require_approval
    message: ask first
`)
	l := NewLoader(global, "", zerolog.Nop())
	merged, err := l.Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	r := findRule(merged, "deny-hard-reset-ai")
	if r == nil {
		t.Fatal("rule missing")
	}
	if r.Action != ActionRequireApproval || r.Message != "ask first" {
		t.Errorf("override not applied: action=%s message=%q", r.Action, r.Message)
	}
}

func TestLoaderUnknownOverrideFailsLoad(t *testing.T) {
	global := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, global, `
overrides:
  - name: no-such-rule
    disabled: true
`)
	l := NewLoader(global, "", zerolog.Nop())
	_, err := l.Load(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "no-such-rule") {
		t.Errorf("err = %v, want unknown-rule error", err)
	}
}

func TestLoaderRepoRulesAdditive(t *testing.T) {
	repo := t.TempDir()
	writeRules(t, filepath.Join(repo, ".safeshell", "rules.yaml"), `
rules:
  - name: repo-local
    commands: [make]
    action: deny
    message: no make here
`)
	l := NewLoader(filepath.Join(t.TempDir(), "absent.yaml"), filepath.Join(".safeshell", "rules.yaml"), zerolog.Nop())

	sub := filepath.Join(repo, "src")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	merged, err := l.Load(sub)
	if err != nil {
		t.Fatal(err)
	}
	if findRule(merged, "repo-local") == nil {
		t.Error("repo rule not discovered from subdirectory")
	}
}

func TestLoaderRepoOverridesIgnored(t *testing.T) {
	repo := t.TempDir()
	writeRules(t, filepath.Join(repo, ".safeshell", "rules.yaml"), `
overrides:
  - name: deny-force-push-protected
    disabled: true
`)
	l := NewLoader(filepath.Join(t.TempDir(), "absent.yaml"), filepath.Join(".safeshell", "rules.yaml"), zerolog.Nop())
	merged, err := l.Load(repo)
	if err != nil {
		t.Fatal(err)
	}
	// A hostile repository must not be able to weaken protections.
	if findRule(merged, "deny-force-push-protected") == nil {
		t.Error("repo-local override disabled a builtin rule")
	}
}

func TestLoaderRepoParseErrorSkipsLayer(t *testing.T) {
	repo := t.TempDir()
	writeRules(t, filepath.Join(repo, ".safeshell", "rules.yaml"), "rules: [}{")

	l := NewLoader(filepath.Join(t.TempDir(), "absent.yaml"), filepath.Join(".safeshell", "rules.yaml"), zerolog.Nop())
	merged, err := l.Load(repo)
	if err != nil {
		t.Fatalf("broken repo file must not fail the load: %v", err)
	}
	if len(merged) == 0 {
		t.Error("trusted layers lost")
	}
}

func TestLoaderDuplicateNameFirstWins(t *testing.T) {
	repo := t.TempDir()
	writeRules(t, filepath.Join(repo, ".safeshell", "rules.yaml"), `
rules:
  - name: deny-force-push-protected
    commands: [git]
    action: allow
`)
	l := NewLoader(filepath.Join(t.TempDir(), "absent.yaml"), filepath.Join(".safeshell", "rules.yaml"), zerolog.Nop())
	merged, err := l.Load(repo)
	if err != nil {
		t.Fatal(err)
	}
	r := findRule(merged, "deny-force-push-protected")
	if r == nil {
		t.Fatal("rule missing")
	}
	if r.Action == ActionAllow {
		t.Error("repo rule shadowed a builtin by reusing its name")
	}
}

func TestLoaderDropsBadRule(t *testing.T) {
	global := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, global, `
rules:
  - name: bad-regex
    commands: [git]
    conditions:
      - command_matches: "[unclosed"
    action: deny
  - name: good
    commands: [git]
    action: allow
`)
	l := NewLoader(global, "", zerolog.Nop())
	merged, err := l.Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if findRule(merged, "bad-regex") != nil {
		t.Error("uncompilable rule survived the merge")
	}
	if findRule(merged, "good") == nil {
		t.Error("good rule dropped alongside the bad one")
	}
}

func TestLoaderSeesRepoRulesCreatedLater(t *testing.T) {
	repo := t.TempDir()
	l := NewLoader(filepath.Join(t.TempDir(), "absent.yaml"), filepath.Join(".safeshell", "rules.yaml"), zerolog.Nop())

	first, err := l.Load(repo)
	if err != nil {
		t.Fatal(err)
	}
	if findRule(first, "repo-local") != nil {
		t.Fatal("rule present before its file exists")
	}

	// The absent candidate is recorded at load, so creating the file
	// must invalidate the cached merge without an explicit reload.
	writeRules(t, filepath.Join(repo, ".safeshell", "rules.yaml"), `
rules:
  - name: repo-local
    commands: [make]
    action: deny
`)
	second, err := l.Load(repo)
	if err != nil {
		t.Fatal(err)
	}
	if findRule(second, "repo-local") == nil {
		t.Error("rule file created after first load not picked up")
	}
}

func TestLoaderCachesByMtime(t *testing.T) {
	global := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, global, "rules:\n  - name: v1\n    commands: [x]\n    action: allow\n")

	l := NewLoader(global, "", zerolog.Nop())
	wd := t.TempDir()

	first, err := l.Load(wd)
	if err != nil {
		t.Fatal(err)
	}
	second, err := l.Load(wd)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) == 0 || len(second) == 0 || &first[0] != &second[0] {
		t.Error("unchanged files should return the cached slice")
	}

	writeRules(t, global, "rules:\n  - name: v2\n    commands: [x]\n    action: allow\n")
	// Force a distinct mtime even on coarse-grained filesystems.
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(global, past, past); err != nil {
		t.Fatal(err)
	}

	third, err := l.Load(wd)
	if err != nil {
		t.Fatal(err)
	}
	if findRule(third, "v2") == nil {
		t.Error("modified file not reloaded")
	}
}

func TestLoaderInvalidate(t *testing.T) {
	global := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, global, "rules:\n  - name: v1\n    commands: [x]\n    action: allow\n")

	l := NewLoader(global, "", zerolog.Nop())
	wd := t.TempDir()
	first, err := l.Load(wd)
	if err != nil {
		t.Fatal(err)
	}
	l.Invalidate()
	second, err := l.Load(wd)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) > 0 && len(second) > 0 && &first[0] == &second[0] {
		t.Error("Invalidate did not drop the cache")
	}
}
