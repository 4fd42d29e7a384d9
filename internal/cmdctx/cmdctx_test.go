package cmdctx

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewTokenizes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		exe  string
		args []string
	}{
		{"simple", "git push origin main", "git", []string{"push", "origin", "main"}},
		{"extra whitespace", "  rm   -rf   /tmp/x  ", "rm", []string{"-rf", "/tmp/x"}},
		{"single token", "ls", "ls", nil},
		{"empty", "", "", nil},
		{"whitespace only", "   \t ", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := New(tt.raw, t.TempDir(), nil, RoleAI)
			if got := ctx.Executable(); got != tt.exe {
				t.Errorf("Executable() = %q, want %q", got, tt.exe)
			}
			got := ctx.Args()
			if len(got) != len(tt.args) {
				t.Fatalf("Args() = %v, want %v", got, tt.args)
			}
			for i := range got {
				if got[i] != tt.args[i] {
					t.Errorf("Args()[%d] = %q, want %q", i, got[i], tt.args[i])
				}
			}
		})
	}
}

func TestNewRoleDefaultsToAI(t *testing.T) {
	for _, role := range []string{"", "robot", RoleAI} {
		ctx := New("ls", t.TempDir(), nil, role)
		if ctx.Role != RoleAI {
			t.Errorf("role %q: got %q, want %q", role, ctx.Role, RoleAI)
		}
	}
	ctx := New("ls", t.TempDir(), nil, RoleHuman)
	if ctx.Role != RoleHuman {
		t.Errorf("got %q, want %q", ctx.Role, RoleHuman)
	}
}

func TestBaseCommand(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"git push --force", "git"},
		{"  npm install", "npm"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := BaseCommand(tt.raw); got != tt.want {
			t.Errorf("BaseCommand(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

// makeRepo creates dir/.git with a HEAD file and returns dir.
func makeRepo(t *testing.T, head string) string {
	t.Helper()
	dir := t.TempDir()
	gitDir := filepath.Join(dir, ".git")
	if err := os.Mkdir(gitDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(gitDir, "HEAD"), []byte(head), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestDetectGit(t *testing.T) {
	resetGitCache()

	repo := makeRepo(t, "ref: refs/heads/main\n")
	sub := filepath.Join(repo, "a", "b")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	root, branch := detectGit(sub)
	if root != repo {
		t.Errorf("root = %q, want %q", root, repo)
	}
	if branch != "main" {
		t.Errorf("branch = %q, want %q", branch, "main")
	}
}

func TestDetectGitOutsideRepo(t *testing.T) {
	resetGitCache()

	root, branch := detectGit(t.TempDir())
	if root != "" || branch != "" {
		t.Errorf("got (%q, %q), want empty", root, branch)
	}
}

func TestDetectGitDetachedHead(t *testing.T) {
	resetGitCache()

	repo := makeRepo(t, "0123456789abcdef0123456789abcdef01234567\n")
	root, branch := detectGit(repo)
	if root != repo {
		t.Errorf("root = %q, want %q", root, repo)
	}
	if branch != "" {
		t.Errorf("branch = %q, want empty on detached HEAD", branch)
	}
}

func TestDetectGitCachesWithinTTL(t *testing.T) {
	resetGitCache()
	base := time.Now()
	nowFunc = func() time.Time { return base }
	defer func() { nowFunc = time.Now }()

	repo := makeRepo(t, "ref: refs/heads/main\n")
	if _, branch := detectGit(repo); branch != "main" {
		t.Fatalf("branch = %q, want main", branch)
	}

	// Switch branches on disk; the cached answer should survive inside
	// the TTL and refresh after it.
	if err := os.WriteFile(filepath.Join(repo, ".git", "HEAD"),
		[]byte("ref: refs/heads/feature\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, branch := detectGit(repo); branch != "main" {
		t.Errorf("within TTL: branch = %q, want cached main", branch)
	}

	nowFunc = func() time.Time { return base.Add(gitCacheTTL + time.Millisecond) }
	if _, branch := detectGit(repo); branch != "feature" {
		t.Errorf("after TTL: branch = %q, want feature", branch)
	}
}

func TestGitCacheEviction(t *testing.T) {
	resetGitCache()
	base := time.Now()
	i := 0
	nowFunc = func() time.Time {
		i++
		return base.Add(time.Duration(i) * time.Nanosecond)
	}
	defer func() { nowFunc = time.Now }()

	parent := t.TempDir()
	for n := 0; n < gitCacheMaxSize; n++ {
		detectGit(filepath.Join(parent, "d", string(rune('a'+n%26)), time.Duration(n).String()))
	}

	gitCache.Lock()
	size := len(gitCache.entries)
	gitCache.Unlock()
	if size != gitCacheMaxSize {
		t.Fatalf("cache size = %d, want %d", size, gitCacheMaxSize)
	}

	// One more insert triggers eviction of the oldest fifth.
	detectGit(filepath.Join(parent, "overflow"))

	gitCache.Lock()
	size = len(gitCache.entries)
	gitCache.Unlock()
	want := gitCacheMaxSize - gitCacheMaxSize*gitCacheEvictPct/100 + 1
	if size != want {
		t.Errorf("cache size after eviction = %d, want %d", size, want)
	}
}
