// Package engine evaluates command contexts against the merged rule set:
// fast-path index by executable, per-rule condition matching with result
// caching, and most-restrictive-wins aggregation.
package engine

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/safeshell/safeshell/internal/cmdctx"
	"github.com/safeshell/safeshell/internal/rules"
)

// RuleOutcome records one matched rule for the response's results list.
type RuleOutcome struct {
	Rule    string `json:"rule"`
	Action  string `json:"action"`
	Message string `json:"message,omitempty"`
}

// Result is the aggregate of one evaluation.
type Result struct {
	Decision   rules.Action
	RuleName   string
	Message    string
	RedirectTo string
	Matched    []RuleOutcome
}

// Allowed reports whether the command may run without further mediation.
// Redirect counts as allowed: the caller executes the rewritten command.
func (r *Result) Allowed() bool {
	return r.Decision == rules.ActionAllow || r.Decision == rules.ActionRedirect
}

// Engine evaluates commands. It owns the condition-result cache and an
// index of rules by executable, rebuilt whenever the loader hands back a
// different merged set for a working directory.
type Engine struct {
	loader           *rules.Loader
	results          *ResultCache
	conditionTimeout time.Duration
	log              zerolog.Logger

	mu      sync.Mutex
	indexes map[string]*ruleIndex // keyed by working directory
}

// ruleIndex maps executables to the rules mentioning them. The Commands
// field of a rule is the fast-path filter: a command whose executable is
// not a key here is allowed without touching any condition.
type ruleIndex struct {
	rules  []*rules.Rule
	byExec map[string][]*rules.Rule
}

func buildIndex(list []*rules.Rule) *ruleIndex {
	idx := &ruleIndex{rules: list, byExec: make(map[string][]*rules.Rule)}
	for _, r := range list {
		for _, exec := range r.Commands {
			idx.byExec[exec] = append(idx.byExec[exec], r)
		}
	}
	return idx
}

// sameList reports whether the loader returned the identical cached
// slice, in which case the existing index is still valid.
func (idx *ruleIndex) sameList(list []*rules.Rule) bool {
	if len(idx.rules) != len(list) {
		return false
	}
	if len(list) == 0 {
		return true
	}
	return &idx.rules[0] == &list[0]
}

// New creates an engine. conditionTimeout bounds a single condition's
// evaluation (0 disables the safety valve).
func New(loader *rules.Loader, results *ResultCache, conditionTimeout time.Duration, log zerolog.Logger) *Engine {
	if results == nil {
		results = NewResultCache(0, 0)
	}
	return &Engine{
		loader:           loader,
		results:          results,
		conditionTimeout: conditionTimeout,
		log:              log,
		indexes:          make(map[string]*ruleIndex),
	}
}

// Invalidate drops the loader cache and all indexes. Called on
// reload_rules.
func (e *Engine) Invalidate() {
	e.loader.Invalidate()
	e.mu.Lock()
	e.indexes = make(map[string]*ruleIndex)
	e.mu.Unlock()
}

// Preload loads and indexes the rule set for a working directory,
// surfacing rule-file errors eagerly instead of on the first request.
func (e *Engine) Preload(workingDir string) error {
	_, err := e.index(workingDir)
	return err
}

// RuleCount returns the size of the merged rule set for a working
// directory. Used by the evaluation_started event.
func (e *Engine) RuleCount(workingDir string) int {
	idx, err := e.index(workingDir)
	if err != nil {
		return 0
	}
	return len(idx.rules)
}

func (e *Engine) index(workingDir string) (*ruleIndex, error) {
	list, err := e.loader.Load(workingDir)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if idx, ok := e.indexes[workingDir]; ok && idx.sameList(list) {
		return idx, nil
	}
	idx := buildIndex(list)
	e.indexes[workingDir] = idx
	return idx, nil
}

// Evaluate runs the full pipeline for one context. It never returns an
// error for per-rule failures; those rules simply do not match. A load
// error of the trusted rule layers is the only failure mode.
func (e *Engine) Evaluate(ctx *cmdctx.Context) (*Result, error) {
	idx, err := e.index(ctx.WorkingDir)
	if err != nil {
		return nil, err
	}

	candidates := idx.byExec[ctx.Executable()]
	if len(candidates) == 0 {
		// Fast path: no rule mentions this executable.
		return &Result{Decision: rules.ActionAllow}, nil
	}

	var matched []*rules.Rule
	for _, r := range candidates {
		if e.ruleMatches(r, ctx) {
			matched = append(matched, r)
		}
	}
	return e.aggregate(matched), nil
}

// ruleMatches applies the three matching stages in order: context scope,
// directory filter, then each condition with short-circuit on the first
// false.
func (e *Engine) ruleMatches(r *rules.Rule, ctx *cmdctx.Context) bool {
	if !r.AppliesTo(ctx.Role) {
		return false
	}
	if re := r.DirectoryRe(); re != nil && !re.MatchString(ctx.WorkingDir) {
		return false
	}
	for i := range r.Conditions {
		if !e.evalCondition(&r.Conditions[i], ctx) {
			return false
		}
	}
	return true
}

// evalCondition evaluates one condition through the result cache. A
// condition that panics or exceeds the timeout is treated as false and
// logged; evaluation never takes the daemon down.
func (e *Engine) evalCondition(c *rules.Condition, ctx *cmdctx.Context) bool {
	fp := c.Fingerprint()
	if v, ok := e.results.Get(fp, ctx.Raw, ctx.WorkingDir); ok {
		return v
	}
	v := e.evalGuarded(c, ctx)
	e.results.Put(fp, ctx.Raw, ctx.WorkingDir, v)
	return v
}

func (e *Engine) evalGuarded(c *rules.Condition, ctx *cmdctx.Context) (result bool) {
	eval := func() (v bool) {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error().Interface("panic", r).Str("condition", c.Kind).
					Msg("condition evaluation panicked; treating as false")
				v = false
			}
		}()
		return c.Evaluate(ctx)
	}

	if e.conditionTimeout <= 0 {
		return eval()
	}

	done := make(chan bool, 1)
	go func() { done <- eval() }()
	select {
	case v := <-done:
		return v
	case <-time.After(e.conditionTimeout):
		e.log.Warn().Str("condition", c.Kind).Dur("timeout", e.conditionTimeout).
			Msg("condition evaluation timed out; treating as false")
		return false
	}
}

// decision priority, most restrictive first.
var priority = map[rules.Action]int{
	rules.ActionDeny:            3,
	rules.ActionRequireApproval: 2,
	rules.ActionRedirect:        1,
	rules.ActionAllow:           0,
}

// aggregate picks the most restrictive decision among matched rules. A
// deny rule with allow_override set is downgraded to require_approval so
// the user can still escalate through the approval flow.
func (e *Engine) aggregate(matched []*rules.Rule) *Result {
	res := &Result{Decision: rules.ActionAllow}
	best := -1
	for _, r := range matched {
		action := r.Action
		if action == rules.ActionDeny && r.AllowOverride {
			action = rules.ActionRequireApproval
		}
		res.Matched = append(res.Matched, RuleOutcome{
			Rule:    r.Name,
			Action:  string(action),
			Message: r.Message,
		})
		if priority[action] > best {
			best = priority[action]
			res.Decision = action
			res.RuleName = r.Name
			res.Message = r.Message
			if action == rules.ActionRedirect {
				res.RedirectTo = r.RedirectTo
			} else {
				res.RedirectTo = ""
			}
		}
	}
	return res
}
