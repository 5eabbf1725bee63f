// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package security

import (
	"strings"

	"github.com/gobwas/glob"
	"github.com/samber/oops"

	"github.com/holomush/plughost/pkg/errutil"
)

// Policy is the allow/deny/quota configuration bound to one plugin.
// Allowed and Denied hold permission tokens or glob patterns over tokens;
// a Denied match always wins.
type Policy struct {
	Allowed             []string `yaml:"allowed" json:"allowed"`
	Denied              []string `yaml:"denied" json:"denied"`
	MaxMemoryMB         int      `yaml:"max_memory_mb" json:"max_memory_mb"`
	MaxCPUPercent       float64  `yaml:"max_cpu_percent" json:"max_cpu_percent"`
	MaxNetworkRate      float64  `yaml:"max_network_rate" json:"max_network_rate"` // requests per second, 0 is unlimited
	AllowedDomains      []string `yaml:"allowed_domains,omitempty" json:"allowed_domains,omitempty"`
	DeniedDomains       []string `yaml:"denied_domains,omitempty" json:"denied_domains,omitempty"`
	SandboxEnabled      bool     `yaml:"sandbox_enabled" json:"sandbox_enabled"`
	CodeSigningRequired bool     `yaml:"code_signing_required" json:"code_signing_required"`
}

// DefaultPolicy is the conservative policy bound when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		Allowed: []string{
			string(PermNetworkHTTP),
			string(PermNetworkHTTPS),
			string(PermConfigRead),
			string(PermConfigWrite),
			string(PermMessageProcess),
		},
		Denied: []string{
			string(PermSystemCommand),
			string(PermRegistryAccess),
			string(PermFileExecute),
		},
		MaxMemoryMB:    100,
		MaxCPUPercent:  50,
		MaxNetworkRate: 10,
		SandboxEnabled: true,
	}
}

// Clone returns a deep copy of p.
func (p Policy) Clone() Policy {
	p.Allowed = append([]string(nil), p.Allowed...)
	p.Denied = append([]string(nil), p.Denied...)
	p.AllowedDomains = append([]string(nil), p.AllowedDomains...)
	p.DeniedDomains = append([]string(nil), p.DeniedDomains...)
	return p
}

// Validate rejects unknown exact tokens and negative ceilings. Patterns
// containing wildcards are accepted as-is.
func (p Policy) Validate() error {
	fail := oops.Code(errutil.CodeConfigInvalid).In("security")
	for _, set := range [][]string{p.Allowed, p.Denied} {
		for _, tok := range set {
			if !isPattern(tok) && !Known(tok) {
				return fail.With("permission", tok).Errorf("unknown permission %q", tok)
			}
		}
	}
	if p.MaxMemoryMB < 0 || p.MaxCPUPercent < 0 || p.MaxNetworkRate < 0 {
		return fail.Errorf("resource ceilings must not be negative")
	}
	if _, err := compileDomains(p.AllowedDomains); err != nil {
		return err
	}
	if _, err := compileDomains(p.DeniedDomains); err != nil {
		return err
	}
	return nil
}

func isPattern(tok string) bool {
	return strings.ContainsAny(tok, "*?[{")
}

func compileDomains(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(strings.ToLower(p), '.')
		if err != nil {
			return nil, oops.Code(errutil.CodeConfigInvalid).
				In("security").
				With("domain", p).
				Wrapf(err, "compile domain pattern")
		}
		out = append(out, g)
	}
	return out, nil
}
