package cmdctx

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Git detection walks upward from the working directory to the first
// .git directory and reads HEAD directly. No git subprocess: the daemon
// evaluates commands on a hot path and a stat+read is all it needs.
//
// Results are cached per working directory with a short TTL so bursts of
// commands from the same directory pay the walk once.

const (
	gitCacheTTL      = time.Second
	gitCacheMaxSize  = 200
	gitCacheEvictPct = 20
)

type gitState struct {
	root     string
	branch   string
	cachedAt time.Time
}

var gitCache = struct {
	sync.Mutex
	entries map[string]gitState
}{entries: make(map[string]gitState)}

// nowFunc is overridden in tests to exercise TTL expiry.
var nowFunc = time.Now

// detectGit returns (repo root, branch) for a working directory, both
// empty when the directory is not inside a repository. Branch is empty
// on detached HEAD.
func detectGit(workingDir string) (string, string) {
	now := nowFunc()

	gitCache.Lock()
	if st, ok := gitCache.entries[workingDir]; ok && now.Sub(st.cachedAt) < gitCacheTTL {
		gitCache.Unlock()
		return st.root, st.branch
	}
	gitCache.Unlock()

	root, branch := walkForGit(workingDir)

	gitCache.Lock()
	if len(gitCache.entries) >= gitCacheMaxSize {
		evictOldestLocked()
	}
	gitCache.entries[workingDir] = gitState{root: root, branch: branch, cachedAt: now}
	gitCache.Unlock()

	return root, branch
}

// evictOldestLocked removes the oldest fifth of the cache. Caller holds
// the lock.
func evictOldestLocked() {
	type aged struct {
		key string
		at  time.Time
	}
	all := make([]aged, 0, len(gitCache.entries))
	for k, v := range gitCache.entries {
		all = append(all, aged{k, v.cachedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })

	n := len(all) * gitCacheEvictPct / 100
	if n < 1 {
		n = 1
	}
	for _, a := range all[:n] {
		delete(gitCache.entries, a.key)
	}
}

// walkForGit climbs from dir to the filesystem root looking for a .git
// directory, then reads HEAD for the branch name.
func walkForGit(dir string) (string, string) {
	dir = filepath.Clean(dir)
	for {
		gitDir := filepath.Join(dir, ".git")
		if info, err := os.Stat(gitDir); err == nil && info.IsDir() {
			return dir, readBranch(gitDir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ""
		}
		dir = parent
	}
}

// readBranch parses .git/HEAD. A symbolic ref of the form
// "ref: refs/heads/<name>" yields the branch; anything else (detached
// HEAD, unreadable file) yields "".
func readBranch(gitDir string) string {
	data, err := os.ReadFile(filepath.Join(gitDir, "HEAD"))
	if err != nil {
		return ""
	}
	head := strings.TrimSpace(string(data))
	const prefix = "ref: refs/heads/"
	if !strings.HasPrefix(head, prefix) {
		return ""
	}
	return strings.TrimPrefix(head, prefix)
}

// resetGitCache clears the cache between tests.
func resetGitCache() {
	gitCache.Lock()
	gitCache.entries = make(map[string]gitState)
	gitCache.Unlock()
}
