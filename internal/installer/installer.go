// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package installer checks plugin compatibility, validates plugin
// directories, installs Lua rock dependencies and unpacks plugin archives.
package installer

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"

	"github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/pkg/errutil"
)

// Mode selects where dependencies are installed.
type Mode string

// Installation modes.
const (
	ModeAuto        Mode = "auto"
	ModeBundle      Mode = "bundle"
	ModeDevelopment Mode = "development"
)

// ParseMode converts a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeBundle, ModeDevelopment:
		return m, nil
	default:
		return "", oops.Code(errutil.CodeConfigInvalid).
			With("mode", s).
			Errorf("installer mode must be auto, bundle or development")
	}
}

// DetectMode resolves ModeAuto: a binary built from a tagged module version
// runs in bundle mode, a development build in development mode.
func DetectMode() Mode {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ModeDevelopment
	}
	return modeForVersion(info.Main.Version)
}

func modeForVersion(v string) Mode {
	if v == "" || v == "(devel)" {
		return ModeDevelopment
	}
	return ModeBundle
}

// osAliases maps common alternative spellings onto GOOS values.
var osAliases = map[string]string{
	"macos":   "darwin",
	"mac":     "darwin",
	"osx":     "darwin",
	"win":     "windows",
	"win32":   "windows",
	"windows": "windows",
}

func normalizeOS(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if alias, ok := osAliases[s]; ok {
		return alias
	}
	return s
}

// Installer performs compatibility checks and installs plugin files and
// dependencies. It holds no per-plugin state and is safe for concurrent use.
type Installer struct {
	hostVersion    string
	runtimeVersion string
	goos           string
	mode           Mode
	depsDir        string
	luarocks       string
	runner         CommandRunner
	logger         *slog.Logger
}

// Option configures an Installer.
type Option func(*Installer)

// WithHostVersion sets the host version checked against
// min_host_version and max_host_version.
func WithHostVersion(v string) Option {
	return func(i *Installer) { i.hostVersion = v }
}

// WithRuntimeVersion overrides the Go runtime version compared with a
// manifest's runtime_version.
func WithRuntimeVersion(v string) Option {
	return func(i *Installer) { i.runtimeVersion = v }
}

// WithOS overrides the operating system compared with supported_os.
func WithOS(goos string) Option {
	return func(i *Installer) { i.goos = goos }
}

// WithMode sets the dependency installation mode.
func WithMode(m Mode) Option {
	return func(i *Installer) { i.mode = m }
}

// WithDepsDir sets the private dependency tree used in bundle mode.
func WithDepsDir(dir string) Option {
	return func(i *Installer) { i.depsDir = dir }
}

// WithLuaRocks sets the luarocks executable.
func WithLuaRocks(path string) Option {
	return func(i *Installer) { i.luarocks = path }
}

// WithRunner sets the command runner used for dependency installs.
func WithRunner(r CommandRunner) Option {
	return func(i *Installer) { i.runner = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Installer) { i.logger = l }
}

// New creates an Installer. ModeAuto is resolved immediately.
func New(opts ...Option) *Installer {
	i := &Installer{
		hostVersion:    "0.0.0",
		runtimeVersion: runtime.Version(),
		goos:           runtime.GOOS,
		mode:           ModeAuto,
		luarocks:       "luarocks",
		runner:         ExecRunner{},
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.mode == ModeAuto || i.mode == "" {
		i.mode = DetectMode()
	}
	return i
}

// Mode returns the resolved installation mode.
func (i *Installer) Mode() Mode { return i.mode }

// DepsDir returns the private dependency tree, or empty outside bundle mode.
func (i *Installer) DepsDir() string {
	if i.mode != ModeBundle {
		return ""
	}
	return i.depsDir
}

// HostVersion returns the host version used in compatibility checks.
func (i *Installer) HostVersion() string { return i.hostVersion }

// CheckCompatibility rejects a manifest whose host version range, minimum
// runtime version or supported operating systems exclude this host.
func (i *Installer) CheckCompatibility(m *plugin.Manifest) error {
	fail := oops.Code(errutil.CodeIncompatible).In("installer").With("plugin", m.ID)

	if m.MinHostVersion != "" || m.MaxHostVersion != "" {
		host, err := semver.NewVersion(i.hostVersion)
		if err != nil {
			return oops.Code(errutil.CodeConfigInvalid).
				In("installer").
				With("host_version", i.hostVersion).
				Wrapf(err, "host version is not a semantic version")
		}
		if err := checkBound(host, ">=", m.MinHostVersion, m.ID); err != nil {
			return err
		}
		if err := checkBound(host, "<=", m.MaxHostVersion, m.ID); err != nil {
			return err
		}
	}

	if m.RuntimeVersion != "" {
		want, err := semver.NewVersion(m.RuntimeVersion)
		if err != nil {
			return oops.Code(errutil.CodeManifestInvalid).
				With("plugin", m.ID).
				Wrapf(err, "runtime_version %q is not a version", m.RuntimeVersion)
		}
		have, err := goVersion(i.runtimeVersion)
		if err != nil {
			i.logger.Warn("cannot parse runtime version, skipping check",
				"plugin", m.ID, "runtime_version", i.runtimeVersion)
		} else if have.LessThan(want) {
			return fail.With("runtime_version", i.runtimeVersion).
				Errorf("plugin %s requires runtime %s, host runs %s", m.ID, m.RuntimeVersion, have)
		}
	}

	if len(m.SupportedOS) > 0 {
		current := normalizeOS(i.goos)
		ok := slices.ContainsFunc(m.SupportedOS, func(s string) bool { return normalizeOS(s) == current })
		if !ok {
			return fail.With("os", i.goos).With("supported_os", m.SupportedOS).
				Errorf("plugin %s does not support %s", m.ID, i.goos)
		}
	}
	return nil
}

func checkBound(host *semver.Version, op, bound, id string) error {
	if bound == "" {
		return nil
	}
	c, err := semver.NewConstraint(op + " " + bound)
	if err != nil {
		return oops.Code(errutil.CodeManifestInvalid).
			With("plugin", id).
			Wrapf(err, "host version bound %q is not a version", bound)
	}
	if !c.Check(host) {
		return oops.Code(errutil.CodeIncompatible).
			In("installer").
			With("plugin", id).
			With("host_version", host.String()).
			Errorf("plugin %s requires host version %s %s, host is %s", id, op, bound, host)
	}
	return nil
}

// goVersion parses runtime.Version output such as "go1.25.1" or
// "go1.26rc1 X:nocoverageredesign".
func goVersion(v string) (*semver.Version, error) {
	if fields := strings.Fields(v); len(fields) > 0 {
		v = fields[0]
	}
	v = strings.TrimPrefix(v, "go")
	if i := strings.IndexFunc(v, func(r rune) bool { return (r < '0' || r > '9') && r != '.' }); i >= 0 {
		v = v[:i]
	}
	return semver.NewVersion(v)
}

// ValidateStructure checks that dir holds a valid manifest whose entry
// point exists inside dir. Plugin trees may not contain symbolic links.
func (i *Installer) ValidateStructure(dir string) (*plugin.Manifest, error) {
	fail := oops.Code(errutil.CodeStructureInvalid).In("installer").With("dir", dir)

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fail.Wrap(err)
	}
	if !info.IsDir() {
		return nil, fail.Errorf("%s is not a directory", dir)
	}
	if err := rejectSymlinks(dir); err != nil {
		return nil, fail.Wrap(err)
	}
	if _, err := os.Stat(filepath.Join(dir, plugin.ManifestFile)); err != nil {
		return nil, fail.Errorf("%s is missing", plugin.ManifestFile)
	}
	m, err := plugin.LoadManifest(dir)
	if err != nil {
		return nil, err
	}
	if m.Runtime.NeedsEntryFile() {
		entry, err := os.Stat(filepath.Join(dir, m.EntryPoint))
		if err != nil {
			return nil, fail.With("plugin", m.ID).Errorf("entry point %s not found", m.EntryPoint)
		}
		if entry.IsDir() {
			return nil, fail.With("plugin", m.ID).Errorf("entry point %s is a directory", m.EntryPoint)
		}
	}
	return m, nil
}

func rejectSymlinks(dir string) error {
	root, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return err
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		return oops.With("file", filepath.ToSlash(rel)).Errorf("symbolic link %s is not allowed in a plugin", filepath.ToSlash(rel))
	})
}
