// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package plugin provides plugin discovery, loading and lifecycle control.
package plugin

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"

	"github.com/samber/oops"

	"github.com/holomush/plughost/pkg/errutil"
	pluginpkg "github.com/holomush/plughost/pkg/plugin"
)

// ManifestFile is the name of the manifest in every plugin directory.
const ManifestFile = "plugin.json"

// Type identifies the plugin runtime backend.
type Type string

// Plugin types supported by the system.
const (
	TypeLua     Type = "lua"
	TypeBinary  Type = "binary"
	TypeNative  Type = "native"
	TypeBuiltin Type = "builtin"
)

// EntryExtension returns the file extension an entry point of this type
// must carry, or empty when any name is accepted.
func (t Type) EntryExtension() string {
	switch t {
	case TypeLua:
		return ".lua"
	case TypeNative:
		return ".so"
	default:
		return ""
	}
}

// NeedsEntryFile reports whether the entry point names a file on disk.
func (t Type) NeedsEntryFile() bool {
	return t != TypeBuiltin
}

// Manifest represents a plugin.json file.
type Manifest struct {
	ID             string         `json:"plugin_id" jsonschema:"pattern=^[A-Za-z0-9_-]+$"`
	Name           string         `json:"name" jsonschema:"minLength=1"`
	Version        string         `json:"version"`
	Description    string         `json:"description,omitempty"`
	Author         string         `json:"author,omitempty"`
	Homepage       string         `json:"homepage,omitempty"`
	License        string         `json:"license,omitempty"`
	Runtime        Type           `json:"runtime,omitempty" jsonschema:"enum=lua,enum=binary,enum=native,enum=builtin"`
	EntryPoint     string         `json:"entry_point"`
	ClassName      string         `json:"class_name,omitempty"`
	Dependencies   []string       `json:"dependencies,omitempty"`
	MinHostVersion string         `json:"min_host_version,omitempty"`
	MaxHostVersion string         `json:"max_host_version,omitempty"`
	RuntimeVersion string         `json:"runtime_version,omitempty"`
	SupportedOS    []string       `json:"supported_os,omitempty"`
	Permissions    []string       `json:"permissions,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	ConfigSchema   map[string]any `json:"config_schema,omitempty"`
}

// maxIDLength is the maximum allowed length for plugin ids.
const maxIDLength = 64

var (
	// idPattern allows letters, digits, underscore and hyphen only.
	idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	// versionPattern matches 2 to 4 dot-separated non-negative integers.
	versionPattern = regexp.MustCompile(`^\d+(\.\d+){1,3}$`)
)

// ValidID reports whether id is a well-formed plugin id.
func ValidID(id string) bool {
	return id != "" && len(id) <= maxIDLength && idPattern.MatchString(id)
}

// ValidVersion reports whether v is 2 to 4 dot-separated non-negative integers.
func ValidVersion(v string) bool {
	return versionPattern.MatchString(v)
}

// ParseManifest parses and validates a plugin.json document.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, oops.Code(errutil.CodeManifestInvalid).Errorf("manifest data is empty")
	}

	if err := ValidateSchema(data); err != nil {
		return nil, oops.Code(errutil.CodeManifestInvalid).Wrap(err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, oops.Code(errutil.CodeManifestInvalid).Wrapf(err, "invalid JSON")
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// LoadManifest reads and parses dir/plugin.json.
func LoadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path) //nolint:gosec // path is built from a configured plugin directory
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, oops.Code(errutil.CodeManifestInvalid).
				With("path", path).
				Errorf("manifest not found")
		}
		return nil, oops.Code(errutil.CodeManifestInvalid).With("path", path).Wrap(err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, oops.With("path", path).Wrap(err)
	}
	return m, nil
}

// Validate checks manifest constraints and fills in the default runtime.
func (m *Manifest) Validate() error {
	fail := oops.Code(errutil.CodeManifestInvalid).With("plugin", m.ID)

	if m.ID == "" {
		return fail.Errorf("plugin_id is required")
	}
	if !ValidID(m.ID) {
		return fail.Errorf("plugin_id %q must contain only letters, digits, underscore or hyphen (max %d)", m.ID, maxIDLength)
	}
	if m.Name == "" {
		return fail.Errorf("name is required")
	}
	if m.Version == "" {
		return fail.Errorf("version is required")
	}
	if !ValidVersion(m.Version) {
		return fail.Errorf("version %q must be 2-4 dot-separated non-negative integers", m.Version)
	}
	if m.EntryPoint == "" {
		return fail.Errorf("entry_point is required")
	}

	if m.Runtime == "" {
		m.Runtime = TypeLua
	}
	switch m.Runtime {
	case TypeLua, TypeBinary, TypeNative, TypeBuiltin:
	default:
		return fail.Errorf("runtime must be lua, binary, native or builtin, got %q", m.Runtime)
	}

	if m.Runtime.NeedsEntryFile() {
		if filepath.IsAbs(m.EntryPoint) || !filepath.IsLocal(m.EntryPoint) {
			return fail.Errorf("entry_point %q must be a relative path inside the plugin directory", m.EntryPoint)
		}
	}
	return nil
}

// ClassOrDefault returns class_name, defaulting to "Plugin".
func (m *Manifest) ClassOrDefault() string {
	if m.ClassName != "" {
		return m.ClassName
	}
	return "Plugin"
}

// Info returns the identity record for the plugin.
func (m *Manifest) Info() pluginpkg.Info {
	return pluginpkg.Info{
		ID:             m.ID,
		Name:           m.Name,
		Version:        m.Version,
		Description:    m.Description,
		Author:         m.Author,
		Homepage:       m.Homepage,
		License:        m.License,
		Dependencies:   append([]string(nil), m.Dependencies...),
		MinHostVersion: m.MinHostVersion,
		MaxHostVersion: m.MaxHostVersion,
		Permissions:    append([]string(nil), m.Permissions...),
		Tags:           append([]string(nil), m.Tags...),
	}
}

// Schema converts the manifest's config_schema into a ConfigSchema.
func (m *Manifest) Schema() (pluginpkg.ConfigSchema, error) {
	schema, err := pluginpkg.SchemaFromJSON(m.ConfigSchema)
	if err != nil {
		return nil, oops.Code(errutil.CodeManifestInvalid).With("plugin", m.ID).Wrap(err)
	}
	return schema, nil
}
