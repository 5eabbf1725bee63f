// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package security

import (
	"bytes"
	"os"
	"sort"

	"github.com/samber/oops"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/holomush/plughost/pkg/errutil"
)

// PolicyFile is the YAML document accepted by LoadPolicies.
//
//	default:
//	  allowed: [config.read, message.process]
//	plugins:
//	  weather:
//	    allowed: ["network.*"]
//	    allowed_domains: ["*.openweathermap.org"]
//	blocked: [bad-plugin]
type PolicyFile struct {
	Default *Policy           `yaml:"default,omitempty"`
	Plugins map[string]Policy `yaml:"plugins,omitempty"`
	Blocked []string          `yaml:"blocked,omitempty"`
}

// ParsePolicyFile decodes a policy document, rejecting unknown fields.
func ParsePolicyFile(data []byte) (*PolicyFile, error) {
	var pf PolicyFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		return nil, oops.Code(errutil.CodeConfigInvalid).In("security").Wrapf(err, "parse policy file")
	}
	return &pf, nil
}

// LoadPolicies reads path and applies its default policy, per-plugin
// policies and block-list. Nothing is applied when any policy is invalid.
func (m *Manager) LoadPolicies(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from host configuration
	if err != nil {
		return oops.Code(errutil.CodeConfigInvalid).In("security").With("path", path).Wrap(err)
	}
	pf, err := ParsePolicyFile(data)
	if err != nil {
		return oops.With("path", path).Wrap(err)
	}
	return m.Apply(pf)
}

// Apply installs the contents of pf.
func (m *Manager) Apply(pf *PolicyFile) error {
	ids := make([]string, 0, len(pf.Plugins))
	for id, p := range pf.Plugins {
		if err := p.Validate(); err != nil {
			return oops.With("plugin", id).Wrap(err)
		}
		ids = append(ids, id)
	}
	if pf.Default != nil {
		if err := pf.Default.Validate(); err != nil {
			return oops.With("plugin", "default").Wrap(err)
		}
	}
	sort.Strings(ids)

	if pf.Default != nil {
		m.mu.Lock()
		def, err := m.compile(defaultKey, *pf.Default)
		if err == nil {
			m.defaultPolicy = *def
			m.limiters = make(map[string]*rate.Limiter)
		}
		m.mu.Unlock()
		if err != nil {
			return err
		}
	}
	for _, id := range ids {
		if err := m.SetPolicy(id, pf.Plugins[id]); err != nil {
			return err
		}
	}
	for _, id := range pf.Blocked {
		m.Block(id)
	}
	m.logger.Info("security policies applied", "plugins", len(ids), "blocked", len(pf.Blocked))
	return nil
}

// Export returns the current policies as a PolicyFile.
func (m *Manager) Export() *PolicyFile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def := m.defaultPolicy.policy.Clone()
	pf := &PolicyFile{Default: &def, Plugins: make(map[string]Policy, len(m.bindings))}
	for id, b := range m.bindings {
		pf.Plugins[id] = b.policy.Clone()
	}
	for id := range m.blocked {
		pf.Blocked = append(pf.Blocked, id)
	}
	sort.Strings(pf.Blocked)
	return pf
}
