// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package capability evaluates allow/deny permission rules for plugins.
//
// Pattern matching uses gobwas/glob with '.' as the segment separator:
//   - '*' matches a single segment (does not cross '.')
//   - '**' matches zero or more segments (crosses '.')
//
// A pattern without wildcards matches only itself, so exact permission
// tokens such as "system.command" are valid rules. Deny rules always win
// over allow rules for the same token.
package capability

import (
	"sort"
	"sync"

	"github.com/gobwas/glob"
	"github.com/samber/oops"

	"github.com/holomush/plughost/pkg/errutil"
)

// Decision is the outcome of evaluating a token against a rule set.
type Decision uint8

const (
	// NotGranted means no rule matched; access is refused by default.
	NotGranted Decision = iota
	// Allowed means an allow rule matched and no deny rule did.
	Allowed
	// Denied means a deny rule matched.
	Denied
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	default:
		return "not_granted"
	}
}

type compiledRule struct {
	pattern string
	glob    glob.Glob
}

type ruleSet struct {
	allow []compiledRule
	deny  []compiledRule
}

// Rules is the pattern form of a rule set.
type Rules struct {
	Allow []string
	Deny  []string
}

// Enforcer checks plugin permissions at runtime.
//
// Enforcer is safe for concurrent use. The zero value is ready to use.
type Enforcer struct {
	rules map[string]ruleSet
	mu    sync.RWMutex
}

// NewEnforcer creates a capability enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{rules: make(map[string]ruleSet)}
}

func compile(kind string, patterns []string) ([]compiledRule, error) {
	out := make([]compiledRule, len(patterns))
	for i, pattern := range patterns {
		if pattern == "" {
			return nil, oops.Code(errutil.CodeInvalidArgument).
				With("kind", kind).
				With("index", i).
				Errorf("empty %s pattern", kind)
		}
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return nil, oops.Code(errutil.CodeInvalidArgument).
				With("kind", kind).
				With("pattern", pattern).
				Wrapf(err, "compile %s pattern", kind)
		}
		out[i] = compiledRule{pattern: pattern, glob: g}
	}
	return out, nil
}

// SetRules replaces the rules for a plugin. Either all patterns compile and
// the rules are installed, or the enforcer is left unchanged.
func (e *Enforcer) SetRules(plugin string, allow, deny []string) error {
	if plugin == "" {
		return oops.Code(errutil.CodeInvalidArgument).Errorf("plugin id cannot be empty")
	}
	allowRules, err := compile("allow", allow)
	if err != nil {
		return err
	}
	denyRules, err := compile("deny", deny)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rules == nil {
		e.rules = make(map[string]ruleSet)
	}
	e.rules[plugin] = ruleSet{allow: allowRules, deny: denyRules}
	return nil
}

// IsRegistered reports whether rules exist for plugin.
func (e *Enforcer) IsRegistered(plugin string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.rules[plugin]
	return ok
}

// RemoveRules forgets a plugin. Unknown plugins are ignored.
func (e *Enforcer) RemoveRules(plugin string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rules, plugin)
}

// Rules returns a copy of the patterns installed for plugin.
func (e *Enforcer) Rules(plugin string) (Rules, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	set, ok := e.rules[plugin]
	if !ok {
		return Rules{}, false
	}
	return Rules{Allow: patterns(set.allow), Deny: patterns(set.deny)}, true
}

func patterns(rules []compiledRule) []string {
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.pattern
	}
	return out
}

// ListPlugins returns the sorted ids with installed rules.
func (e *Enforcer) ListPlugins() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.rules))
	for id := range e.rules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Decide evaluates token for plugin. Deny rules are consulted first.
func (e *Enforcer) Decide(plugin, token string) Decision {
	if token == "" {
		return NotGranted
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	set, ok := e.rules[plugin]
	if !ok {
		return NotGranted
	}
	for _, r := range set.deny {
		if r.glob.Match(token) {
			return Denied
		}
	}
	for _, r := range set.allow {
		if r.glob.Match(token) {
			return Allowed
		}
	}
	return NotGranted
}

// Check returns true only when token is allowed and not denied.
func (e *Enforcer) Check(plugin, token string) bool {
	return e.Decide(plugin, token) == Allowed
}
