// Package rules defines SafeShell's declarative policy schema: rules,
// conditions, overrides, and the layered loader that merges built-in,
// user-global, and repo-local rule files.
package rules

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Action is what happens when a rule matches.
type Action string

const (
	ActionAllow           Action = "allow"
	ActionDeny            Action = "deny"
	ActionRequireApproval Action = "require_approval"
	ActionRedirect        Action = "redirect"
)

// Valid reports whether a is a recognized action.
func (a Action) Valid() bool {
	switch a {
	case ActionAllow, ActionDeny, ActionRequireApproval, ActionRedirect:
		return true
	}
	return false
}

// Scope restricts a rule to a caller role.
type Scope string

const (
	ScopeAll       Scope = "all"
	ScopeAIOnly    Scope = "ai_only"
	ScopeHumanOnly Scope = "human_only"
)

// Valid reports whether s is a recognized scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeAll, ScopeAIOnly, ScopeHumanOnly:
		return true
	}
	return false
}

// Rule is one named policy. Commands is the fast-path filter: a command
// whose executable appears in no rule's Commands list is allowed without
// evaluating anything.
type Rule struct {
	Name          string      `yaml:"name"`
	Commands      []string    `yaml:"commands"`
	Directory     string      `yaml:"directory,omitempty"`
	Conditions    []Condition `yaml:"conditions,omitempty"`
	Action        Action      `yaml:"action"`
	Context       Scope       `yaml:"context,omitempty"`
	Message       string      `yaml:"message,omitempty"`
	AllowOverride bool        `yaml:"allow_override,omitempty"`
	RedirectTo    string      `yaml:"redirect_to,omitempty"`

	directoryRe *regexp.Regexp
}

// Compile validates the rule's invariants and precompiles its regexes.
// A rule that fails to compile is dropped by the loader (with a warning),
// never silently matched.
func (r *Rule) Compile() error {
	if r.Name == "" {
		return fmt.Errorf("rule has no name")
	}
	if len(r.Commands) == 0 {
		return fmt.Errorf("rule %q: commands must be non-empty", r.Name)
	}
	if !r.Action.Valid() {
		return fmt.Errorf("rule %q: unknown action %q", r.Name, r.Action)
	}
	if r.Action == ActionRedirect && r.RedirectTo == "" {
		return fmt.Errorf("rule %q: redirect requires redirect_to", r.Name)
	}
	if r.Context == "" {
		r.Context = ScopeAll
	}
	if !r.Context.Valid() {
		return fmt.Errorf("rule %q: unknown context %q", r.Name, r.Context)
	}
	if r.Directory != "" {
		re, err := regexp.Compile(r.Directory)
		if err != nil {
			return fmt.Errorf("rule %q: directory regex: %w", r.Name, err)
		}
		r.directoryRe = re
	}
	for i := range r.Conditions {
		if err := r.Conditions[i].compile(); err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
	}
	return nil
}

// DirectoryRe returns the compiled directory regex, or nil when the rule
// has no directory filter.
func (r *Rule) DirectoryRe() *regexp.Regexp {
	return r.directoryRe
}

// AppliesTo reports whether the rule's context scope admits the given
// caller role.
func (r *Rule) AppliesTo(role string) bool {
	switch r.Context {
	case ScopeAIOnly:
		return role == "ai"
	case ScopeHumanOnly:
		return role == "human"
	default:
		return true
	}
}

// Override modifies or disables a previously defined rule at load time.
// All modification fields are pointers so "not set" is distinguishable
// from an explicit value.
type Override struct {
	Name          string  `yaml:"name"`
	Disabled      bool    `yaml:"disabled,omitempty"`
	Action        *Action `yaml:"action,omitempty"`
	Message       *string `yaml:"message,omitempty"`
	Context       *Scope  `yaml:"context,omitempty"`
	AllowOverride *bool   `yaml:"allow_override,omitempty"`
}

// validate enforces that an override names a rule and changes something.
func (o *Override) validate() error {
	if o.Name == "" {
		return fmt.Errorf("override has no rule name")
	}
	if !o.Disabled && o.Action == nil && o.Message == nil && o.Context == nil && o.AllowOverride == nil {
		return fmt.Errorf("override for %q modifies nothing", o.Name)
	}
	if o.Action != nil && !o.Action.Valid() {
		return fmt.Errorf("override for %q: unknown action %q", o.Name, *o.Action)
	}
	if o.Context != nil && !o.Context.Valid() {
		return fmt.Errorf("override for %q: unknown context %q", o.Name, *o.Context)
	}
	return nil
}

// apply mutates the target rule in place. Disabling is handled by the
// loader (the rule is removed from the merged set).
func (o *Override) apply(r *Rule) {
	if o.Action != nil {
		r.Action = *o.Action
	}
	if o.Message != nil {
		r.Message = *o.Message
	}
	if o.Context != nil {
		r.Context = *o.Context
	}
	if o.AllowOverride != nil {
		r.AllowOverride = *o.AllowOverride
	}
}

// RuleSet is the parsed contents of one rule file.
type RuleSet struct {
	Rules     []*Rule     `yaml:"rules"`
	Overrides []*Override `yaml:"overrides"`
}

// ParseRuleSet parses a YAML rule file. An empty document yields an
// empty set. Syntactic errors name the file; schema problems inside
// individual rules are left to the loader, which drops bad rules
// instead of failing the load.
func ParseRuleSet(data []byte, path string) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parsing rules %s: %w", path, err)
	}
	for _, o := range rs.Overrides {
		if o == nil {
			return nil, fmt.Errorf("parsing rules %s: empty override entry", path)
		}
		if err := o.validate(); err != nil {
			return nil, fmt.Errorf("parsing rules %s: %w", path, err)
		}
	}
	return &rs, nil
}
