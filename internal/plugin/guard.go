// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

// ScanReport is the result of a heuristic source scan. Safe is false only
// when a dynamic-execution primitive was found; every other finding is an
// advisory warning.
type ScanReport struct {
	Safe     bool     `json:"safe"`
	Warnings []string `json:"warnings,omitempty"`
	Files    int      `json:"files"`
}

// Guard is the security surface the Manager consults. The security package
// provides the production implementation.
type Guard interface {
	// ValidateManifest rejects manifests that must not be installed.
	ValidateManifest(m *Manifest) error
	// VerifySignature checks the plugin signature when the bound policy
	// requires one.
	VerifySignature(pluginID, dir string) error
	// ScanCode scans every source file under dir.
	ScanCode(dir string) (*ScanReport, error)
	// CalculateHash returns a content hash of the plugin's sources and manifest.
	CalculateHash(dir string) (string, error)

	IsBlocked(pluginID string) bool
	Block(pluginID string)
	Unblock(pluginID string)

	// EnsurePolicy binds the default policy unless one is already bound.
	EnsurePolicy(pluginID string) error
	// ReleasePolicy forgets a policy EnsurePolicy bound. Policies an
	// operator bound are kept.
	ReleasePolicy(pluginID string)
}

// InstallReport summarizes a successful install.
type InstallReport struct {
	PluginID string   `json:"plugin_id"`
	Version  string   `json:"version"`
	Type     Type     `json:"runtime"`
	Hash     string   `json:"hash,omitempty"`
	Safe     bool     `json:"safe"`
	Warnings []string `json:"warnings,omitempty"`
}
