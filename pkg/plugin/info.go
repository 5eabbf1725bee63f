// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package plugin defines the contracts shared by the host and every plugin:
// identity records, lifecycle states, message values, capability interfaces
// and the Runtime that implements the shared lifecycle state machine.
package plugin

import "slices"

// Info identifies a plugin. It is immutable once a Runtime is created from it;
// callers receive copies via Clone.
type Info struct {
	ID             string   `json:"plugin_id"`
	Name           string   `json:"name"`
	Version        string   `json:"version"`
	Description    string   `json:"description,omitempty"`
	Author         string   `json:"author,omitempty"`
	Homepage       string   `json:"homepage,omitempty"`
	License        string   `json:"license,omitempty"`
	Dependencies   []string `json:"dependencies,omitempty"`
	MinHostVersion string   `json:"min_host_version,omitempty"`
	MaxHostVersion string   `json:"max_host_version,omitempty"`
	Permissions    []string `json:"permissions,omitempty"`
	Tags           []string `json:"tags,omitempty"`
}

// Clone returns a deep copy of the info record.
func (i Info) Clone() Info {
	i.Dependencies = slices.Clone(i.Dependencies)
	i.Permissions = slices.Clone(i.Permissions)
	i.Tags = slices.Clone(i.Tags)
	return i
}

// HasPermission reports whether the plugin declared the permission token.
// Declaring a permission does not grant it; see the security manager.
func (i Info) HasPermission(token string) bool {
	return slices.Contains(i.Permissions, token)
}
