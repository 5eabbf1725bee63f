// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/samber/oops"

	"github.com/holomush/plughost/pkg/errutil"
	pluginpkg "github.com/holomush/plughost/pkg/plugin"
)

// Candidate is a discovered plugin: its manifest and directory.
type Candidate struct {
	Manifest *Manifest
	Dir      string
}

// EntryPath returns the absolute path of the entry point.
func (c *Candidate) EntryPath() string {
	return filepath.Join(c.Dir, c.Manifest.EntryPoint)
}

// Backend resolves and instantiates plugins of one runtime type.
type Backend interface {
	// Type returns the manifest runtime this backend serves.
	Type() Type

	// Load resolves the entry point and instantiates the plugin's hooks.
	Load(ctx context.Context, c *Candidate) (pluginpkg.Hooks, error)

	// Unload releases whatever Load acquired for the plugin.
	Unload(ctx context.Context, id string) error

	// Close releases every plugin the backend still holds.
	Close(ctx context.Context) error
}

// Stager is implemented by backends that can load a replacement for a
// plugin that is still running. The backend does not track a staged
// instance until Commit.
type Stager interface {
	Stage(ctx context.Context, c *Candidate) (*Staged, error)
}

// Staged is a loaded plugin instance waiting to replace the running one.
// Commit makes it the backend's instance for the id and releases the one
// it replaces; Discard releases the staged instance. Exactly one of them
// must be called.
type Staged struct {
	Hooks   pluginpkg.Hooks
	Commit  func()
	Discard func()
}

// Loader discovers plugin candidates in its directories and loads them
// through the backend matching each manifest's runtime.
type Loader struct {
	dirs []string

	mu       sync.RWMutex
	backends map[Type]Backend
}

// NewLoader creates a loader scanning dirs, with the given backends.
func NewLoader(dirs []string, backends ...Backend) *Loader {
	l := &Loader{
		dirs:     append([]string(nil), dirs...),
		backends: make(map[Type]Backend),
	}
	for _, b := range backends {
		l.AddBackend(b)
	}
	return l
}

// AddBackend registers or replaces the backend for its type.
func (l *Loader) AddBackend(b Backend) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.backends[b.Type()] = b
}

// Dirs returns the directories the loader scans.
func (l *Loader) Dirs() []string {
	return append([]string(nil), l.dirs...)
}

func (l *Loader) backend(t Type) (Backend, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.backends[t]
	return b, ok
}

// Discover finds all valid plugins in the immediate subdirectories of each
// plugin directory. Hidden directories are ignored; invalid plugins are
// logged and skipped.
func (l *Loader) Discover(_ context.Context) ([]*Candidate, error) {
	var candidates []*Candidate
	for _, root := range l.dirs {
		entries, err := os.ReadDir(root)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, oops.Code(errutil.CodeLoadFailed).
				With("dir", root).
				Wrapf(err, "read plugins directory")
		}

		for _, entry := range entries {
			if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			dir := filepath.Join(root, entry.Name())
			c, err := l.Candidate(dir)
			if err != nil {
				slog.Warn("skipping plugin with invalid manifest",
					"dir", dir,
					"error", err)
				continue
			}
			candidates = append(candidates, c)
		}
	}
	return candidates, nil
}

// Candidate reads the manifest in dir.
func (l *Loader) Candidate(dir string) (*Candidate, error) {
	m, err := LoadManifest(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	return &Candidate{Manifest: m, Dir: abs}, nil
}

// Load resolves and instantiates a candidate, returning an Unloaded runtime.
func (l *Loader) Load(ctx context.Context, c *Candidate) (*pluginpkg.Runtime, error) {
	backend, schema, fail, err := l.prepare(c)
	if err != nil {
		return nil, err
	}
	hooks, err := backend.Load(ctx, c)
	if err != nil {
		return nil, wrapLoad(fail, err)
	}
	return pluginpkg.NewRuntime(c.Manifest.Info(), hooks, pluginpkg.WithSchema(schema)), nil
}

// Stage loads a candidate next to a running instance of the same plugin.
// The returned runtime is Unloaded; the caller commits or discards the
// staged backend instance.
func (l *Loader) Stage(ctx context.Context, c *Candidate) (*pluginpkg.Runtime, *Staged, error) {
	backend, schema, fail, err := l.prepare(c)
	if err != nil {
		return nil, nil, err
	}
	stager, ok := backend.(Stager)
	if !ok {
		return nil, nil, fail.Errorf("runtime %q cannot reload a running plugin", c.Manifest.Runtime)
	}
	staged, err := stager.Stage(ctx, c)
	if err != nil {
		return nil, nil, wrapLoad(fail, err)
	}
	return pluginpkg.NewRuntime(c.Manifest.Info(), staged.Hooks, pluginpkg.WithSchema(schema)), staged, nil
}

func (l *Loader) prepare(c *Candidate) (Backend, pluginpkg.ConfigSchema, oops.OopsErrorBuilder, error) {
	m := c.Manifest
	fail := oops.Code(errutil.CodeLoadFailed).
		In("loader").
		With("plugin", m.ID).
		With("runtime", string(m.Runtime))

	backend, ok := l.backend(m.Runtime)
	if !ok {
		return nil, nil, fail, fail.Errorf("no backend for runtime %q", m.Runtime)
	}
	if m.Runtime.NeedsEntryFile() {
		if _, err := os.Stat(c.EntryPath()); err != nil {
			return nil, nil, fail, fail.With("entry", c.EntryPath()).Wrapf(err, "entry point not found")
		}
	}
	schema, err := m.Schema()
	if err != nil {
		return nil, nil, fail, err
	}
	return backend, schema, fail, nil
}

func wrapLoad(fail oops.OopsErrorBuilder, err error) error {
	if errutil.HasCode(err, errutil.CodeLoadFailed) {
		return err
	}
	return fail.Wrap(err)
}

// Unload releases a plugin from its backend.
func (l *Loader) Unload(ctx context.Context, t Type, id string) error {
	backend, ok := l.backend(t)
	if !ok {
		return nil
	}
	return backend.Unload(ctx, id)
}

// LoadAll discovers and loads every candidate. Failures are collected per
// plugin id and never abort the remaining candidates.
func (l *Loader) LoadAll(ctx context.Context) ([]*pluginpkg.Runtime, map[string]error) {
	failures := make(map[string]error)
	candidates, err := l.Discover(ctx)
	if err != nil {
		failures[""] = err
		return nil, failures
	}

	var loaded []*pluginpkg.Runtime
	for _, c := range candidates {
		rt, err := l.Load(ctx, c)
		if err != nil {
			slog.Warn("failed to load plugin", "plugin", c.Manifest.ID, "error", err)
			failures[c.Manifest.ID] = err
			continue
		}
		loaded = append(loaded, rt)
	}
	return loaded, failures
}

// Close shuts down every backend.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.RLock()
	types := make([]Type, 0, len(l.backends))
	for t := range l.backends {
		types = append(types, t)
	}
	l.mu.RUnlock()
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	var errs []error
	for _, t := range types {
		b, _ := l.backend(t)
		if err := b.Close(ctx); err != nil {
			errs = append(errs, oops.With("runtime", string(t)).Wrapf(err, "close backend"))
		}
	}
	return errors.Join(errs...)
}
