// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package security implements the capability security manager: per-plugin
// permission policies, a block-list, manifest validation, heuristic code
// scanning, content hashing and signature verification.
package security

import (
	"crypto/ed25519"
	"log/slog"
	"math"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
	"golang.org/x/time/rate"

	"github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/internal/plugin/capability"
	"github.com/holomush/plughost/pkg/errutil"
)

// defaultKey holds the default policy's rules in the enforcer. It cannot
// collide with a plugin id.
const defaultKey = "@default"

type binding struct {
	policy       Policy
	allowDomains []glob.Glob
	denyDomains  []glob.Glob

	// implicit marks a default policy bound by EnsurePolicy.
	implicit bool
}

// Manager owns one Policy per plugin id and answers permission checks.
// It is safe for concurrent use.
type Manager struct {
	enforcer *capability.Enforcer
	logger   *slog.Logger

	mu            sync.RWMutex
	defaultPolicy binding
	bindings      map[string]*binding
	limiters      map[string]*rate.Limiter
	blocked       map[string]struct{}
	trusted       map[string]ed25519.PublicKey
}

// Compile-time interface check.
var _ plugin.Guard = (*Manager)(nil)

// Option configures a Manager.
type Option func(*Manager) error

// WithDefaultPolicy replaces the policy used for unbound plugins.
func WithDefaultPolicy(p Policy) Option {
	return func(m *Manager) error {
		b, err := m.compile(defaultKey, p)
		if err != nil {
			return err
		}
		m.defaultPolicy = *b
		return nil
	}
}

// WithTrustedKey trusts an ed25519 public key for signature verification.
func WithTrustedKey(id string, key ed25519.PublicKey) Option {
	return func(m *Manager) error {
		if len(key) != ed25519.PublicKeySize {
			return oops.Code(errutil.CodeConfigInvalid).With("key_id", id).Errorf("invalid ed25519 public key size %d", len(key))
		}
		m.trusted[id] = key
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) error {
		m.logger = logger
		return nil
	}
}

// NewManager creates a security manager with the default policy.
func NewManager(opts ...Option) (*Manager, error) {
	m := &Manager{
		enforcer: capability.NewEnforcer(),
		logger:   slog.Default(),
		bindings: make(map[string]*binding),
		limiters: make(map[string]*rate.Limiter),
		blocked:  make(map[string]struct{}),
		trusted:  make(map[string]ed25519.PublicKey),
	}
	def, err := m.compile(defaultKey, DefaultPolicy())
	if err != nil {
		return nil, err
	}
	m.defaultPolicy = *def
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// compile validates p and installs its permission rules under key.
func (m *Manager) compile(key string, p Policy) (*binding, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p = p.Clone()
	allow, _ := compileDomains(p.AllowedDomains)
	deny, _ := compileDomains(p.DeniedDomains)
	if err := m.enforcer.SetRules(key, p.Allowed, p.Denied); err != nil {
		return nil, oops.Code(errutil.CodeConfigInvalid).In("security").With("plugin", key).Wrap(err)
	}
	return &binding{policy: p, allowDomains: allow, denyDomains: deny}, nil
}

// SetPolicy binds p to pluginID, replacing any previous policy.
func (m *Manager) SetPolicy(pluginID string, p Policy) error {
	return m.bind(pluginID, p, false)
}

func (m *Manager) bind(pluginID string, p Policy, implicit bool) error {
	if !plugin.ValidID(pluginID) {
		return oops.Code(errutil.CodeInvalidArgument).With("plugin", pluginID).Errorf("invalid plugin id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bindings[pluginID]; ok && implicit {
		return nil
	}
	b, err := m.compile(pluginID, p)
	if err != nil {
		return err
	}
	b.implicit = implicit
	m.bindings[pluginID] = b
	delete(m.limiters, pluginID)
	return nil
}

// EnsurePolicy binds the default policy to pluginID unless one is bound.
// A policy bound this way is released by ReleasePolicy; policies set by
// SetPolicy or a policies file are not.
func (m *Manager) EnsurePolicy(pluginID string) error {
	return m.bind(pluginID, m.DefaultPolicy(), true)
}

// Policy returns the policy in force for pluginID and whether it was bound
// explicitly.
func (m *Manager) Policy(pluginID string) (Policy, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.bindings[pluginID]; ok {
		return b.policy.Clone(), true
	}
	return m.defaultPolicy.policy.Clone(), false
}

// DefaultPolicy returns the policy applied to unbound plugins.
func (m *Manager) DefaultPolicy() Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultPolicy.policy.Clone()
}

// RemovePolicy unbinds pluginID; the default policy applies afterwards.
func (m *Manager) RemovePolicy(pluginID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bindings, pluginID)
	delete(m.limiters, pluginID)
	m.enforcer.RemoveRules(pluginID)
}

// ReleasePolicy unbinds pluginID only when its policy was bound by
// EnsurePolicy.
func (m *Manager) ReleasePolicy(pluginID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bindings[pluginID]; !ok || !b.implicit {
		return
	}
	delete(m.bindings, pluginID)
	delete(m.limiters, pluginID)
	m.enforcer.RemoveRules(pluginID)
}

// BoundPlugins returns the sorted ids with an explicit policy.
func (m *Manager) BoundPlugins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.bindings))
	for id := range m.bindings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Block adds pluginID to the block-list.
func (m *Manager) Block(pluginID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked[pluginID] = struct{}{}
}

// Unblock removes pluginID from the block-list.
func (m *Manager) Unblock(pluginID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocked, pluginID)
}

// IsBlocked reports whether pluginID is on the block-list.
func (m *Manager) IsBlocked(pluginID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blocked[pluginID]
	return ok
}

// Blocked returns the sorted block-list.
func (m *Manager) Blocked() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.blocked))
	for id := range m.blocked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// decide evaluates token for pluginID.
func (m *Manager) decide(pluginID, token string) capability.Decision {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, blocked := m.blocked[pluginID]; blocked {
		return capability.Denied
	}
	key := pluginID
	if _, ok := m.bindings[pluginID]; !ok {
		key = defaultKey
	}
	return m.enforcer.Decide(key, token)
}

// CheckPermission reports whether pluginID may use token. Blocked plugins
// are refused everything, and a denied token is refused even when it is
// also allowed.
func (m *Manager) CheckPermission(pluginID, token string) bool {
	d := m.decide(pluginID, token)
	if d != capability.Allowed {
		m.logger.Debug("permission refused", "plugin", pluginID, "permission", token, "decision", d.String())
		return false
	}
	return true
}

// RequirePermission is CheckPermission returning a SECURITY_VIOLATION error.
func (m *Manager) RequirePermission(pluginID, token string) error {
	if m.CheckPermission(pluginID, token) {
		return nil
	}
	return oops.Code(errutil.CodeSecurityViolation).
		In("security").
		With("plugin", pluginID).
		With("permission", token).
		With("blocked", m.IsBlocked(pluginID)).
		Errorf("plugin %s lacks permission %s", pluginID, token)
}

// CheckDomain reports whether pluginID may contact host. host may be a bare
// hostname or a URL. Denied domains win; an empty allow list allows every
// domain that is not denied.
func (m *Manager) CheckDomain(pluginID, host string) bool {
	host = hostname(host)
	if host == "" {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, blocked := m.blocked[pluginID]; blocked {
		return false
	}
	b, ok := m.bindings[pluginID]
	if !ok {
		b = &m.defaultPolicy
	}
	for _, g := range b.denyDomains {
		if g.Match(host) {
			return false
		}
	}
	if len(b.allowDomains) == 0 {
		return true
	}
	for _, g := range b.allowDomains {
		if g.Match(host) {
			return true
		}
	}
	return false
}

func hostname(s string) string {
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Hostname()
	}
	return strings.ToLower(strings.TrimSuffix(s, "."))
}

// AllowNetworkRequest consumes one token from pluginID's network rate
// ceiling. It returns false when the plugin is blocked or over its rate.
func (m *Manager) AllowNetworkRequest(pluginID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, blocked := m.blocked[pluginID]; blocked {
		return false
	}
	lim, ok := m.limiters[pluginID]
	if !ok {
		p := m.defaultPolicy.policy
		if b, bound := m.bindings[pluginID]; bound {
			p = b.policy
		}
		if p.MaxNetworkRate <= 0 {
			lim = rate.NewLimiter(rate.Inf, 0)
		} else {
			burst := int(math.Ceil(p.MaxNetworkRate))
			lim = rate.NewLimiter(rate.Limit(p.MaxNetworkRate), burst)
		}
		m.limiters[pluginID] = lim
	}
	return lim.Allow()
}
