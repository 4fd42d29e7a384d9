package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Loader merges the three rule layers for a working directory:
//
//  1. built-in defaults embedded in the binary;
//  2. the user-global rule file (trusted — its overrides apply);
//  3. a repo-local rule file discovered by walking upward from the
//     working directory (untrusted — additive rules only, overrides are
//     ignored with a warning so a hostile repository cannot weaken
//     protections).
//
// Merged results are cached per working directory and invalidated by
// file mtime, so the daemon stats at most two files per evaluation.
type Loader struct {
	globalPath  string
	repoRelPath string
	log         zerolog.Logger

	mu    sync.Mutex
	cache map[string]*cacheEntry
}

type cacheEntry struct {
	rules []*Rule
	files map[string]time.Time // path -> mtime; zero time = absent at load
}

// NewLoader creates a loader. globalPath is the user-global rules file;
// repoRelPath is the path of a repo-local rule file relative to the
// repository root (e.g. ".safeshell/rules.yaml").
func NewLoader(globalPath, repoRelPath string, log zerolog.Logger) *Loader {
	return &Loader{
		globalPath:  globalPath,
		repoRelPath: repoRelPath,
		log:         log,
		cache:       make(map[string]*cacheEntry),
	}
}

// Invalidate drops all cached merges. Called on reload_rules.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	l.cache = make(map[string]*cacheEntry)
	l.mu.Unlock()
}

// Load returns the merged, compiled rule list for a working directory.
func (l *Loader) Load(workingDir string) ([]*Rule, error) {
	workingDir = filepath.Clean(workingDir)

	l.mu.Lock()
	entry, ok := l.cache[workingDir]
	l.mu.Unlock()
	if ok && l.fresh(entry) {
		return entry.rules, nil
	}

	merged, files, err := l.load(workingDir)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[workingDir] = &cacheEntry{rules: merged, files: files}
	l.mu.Unlock()
	return merged, nil
}

// fresh reports whether every file the entry was built from still has
// the mtime recorded at load.
func (l *Loader) fresh(entry *cacheEntry) bool {
	for path, mtime := range entry.files {
		info, err := os.Stat(path)
		if err != nil {
			if mtime.IsZero() && os.IsNotExist(err) {
				continue // was absent, still absent
			}
			return false
		}
		if mtime.IsZero() || !info.ModTime().Equal(mtime) {
			return false
		}
	}
	return true
}

func (l *Loader) load(workingDir string) ([]*Rule, map[string]time.Time, error) {
	files := make(map[string]time.Time)

	builtin, err := Builtin()
	if err != nil {
		l.log.Error().Err(err).Msg("builtin rules failed to parse")
		builtin = &RuleSet{}
	}

	global, err := l.loadLayer(l.globalPath, files)
	if err != nil {
		return nil, nil, err
	}

	var repo *RuleSet
	repoPath := l.findRepoRules(workingDir)
	if repoPath == "" && l.repoRelPath != "" {
		// Record the candidate at the working directory so a rule file
		// created after this load invalidates the cache entry.
		files[filepath.Join(workingDir, l.repoRelPath)] = time.Time{}
	}
	if repoPath != "" {
		repo, err = l.loadLayer(repoPath, files)
		if err != nil {
			// Untrusted input must not break evaluation of the trusted
			// layers; log and continue without the repo layer.
			l.log.Warn().Err(err).Str("path", repoPath).Msg("ignoring unreadable repo rules")
			repo = nil
		} else if len(repo.Overrides) > 0 {
			l.log.Warn().Str("path", repoPath).Int("count", len(repo.Overrides)).
				Msg("repo rule file contains overrides; ignoring them (repo rules are additive only)")
			repo.Overrides = nil
		}
	}

	merged := l.merge(builtin, global, repo)

	overrides := global.Overrides
	if err := l.applyOverrides(merged, overrides); err != nil {
		return nil, nil, err
	}

	final := merged[:0]
	for _, r := range merged {
		if r != nil {
			final = append(final, r)
		}
	}
	return final, files, nil
}

// loadLayer reads and parses one rule file, recording its mtime (or
// absence) for cache validation. A missing file is an empty layer.
func (l *Loader) loadLayer(path string, files map[string]time.Time) (*RuleSet, error) {
	if path == "" {
		return &RuleSet{}, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			files[path] = time.Time{}
			return &RuleSet{}, nil
		}
		return nil, fmt.Errorf("reading rules %s: %w", path, err)
	}
	files[path] = info.ModTime()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules %s: %w", path, err)
	}
	return ParseRuleSet(data, path)
}

// findRepoRules walks upward from the working directory looking for the
// repo-local rule file.
func (l *Loader) findRepoRules(dir string) string {
	if l.repoRelPath == "" {
		return ""
	}
	for {
		candidate := filepath.Join(dir, l.repoRelPath)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// merge concatenates the layers in order, compiling each rule and
// dropping ones that fail (bad regex, missing fields) with a warning.
// Duplicate names keep the first occurrence so a later layer cannot
// shadow an earlier rule by reusing its name.
func (l *Loader) merge(layers ...*RuleSet) []*Rule {
	var merged []*Rule
	seen := make(map[string]bool)
	for _, layer := range layers {
		if layer == nil {
			continue
		}
		for _, r := range layer.Rules {
			if r == nil {
				continue
			}
			if err := r.Compile(); err != nil {
				l.log.Warn().Err(err).Msg("dropping rule that failed to compile")
				continue
			}
			if seen[r.Name] {
				l.log.Warn().Str("rule", r.Name).Msg("dropping duplicate rule name; first definition wins")
				continue
			}
			seen[r.Name] = true
			merged = append(merged, r)
		}
	}
	return merged
}

// applyOverrides applies trusted overrides to the merged list in place.
// A disabled rule is nilled out; an override naming a rule that does not
// exist in the merged set fails the load.
func (l *Loader) applyOverrides(merged []*Rule, overrides []*Override) error {
	for _, o := range overrides {
		idx := -1
		for i, r := range merged {
			if r != nil && r.Name == o.Name {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("override references unknown rule %q", o.Name)
		}
		if o.Disabled {
			merged[idx] = nil
			continue
		}
		o.apply(merged[idx])
	}
	return nil
}
