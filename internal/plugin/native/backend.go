// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package native loads plugins compiled as Go shared objects (.so files).
//
// A shared object exports a symbol named after the manifest's class_name,
// which must be a constructor of type func(plugin.Info) plugin.Hooks, a
// plugin.Factory variable, or a value implementing plugin.Hooks. Go cannot
// unload shared objects, so Unload only forgets the plugin; reloading the
// same path reuses the already opened object.
package native

import (
	"context"
	stdplugin "plugin"
	"sort"
	"sync"

	"github.com/samber/oops"

	plugins "github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/pkg/errutil"
	pluginpkg "github.com/holomush/plughost/pkg/plugin"
)

// Compile-time interface checks.
var (
	_ plugins.Backend = (*Backend)(nil)
	_ plugins.Stager  = (*Backend)(nil)
)

// Symbols resolves exported symbols. *plugin.Plugin implements it.
type Symbols interface {
	Lookup(name string) (stdplugin.Symbol, error)
}

// Opener opens a shared object.
type Opener func(path string) (Symbols, error)

func openShared(path string) (Symbols, error) {
	return stdplugin.Open(path)
}

// Backend loads shared-object plugins.
type Backend struct {
	open Opener

	mu     sync.Mutex
	loaded map[string]string
	closed bool
}

// Option configures a Backend.
type Option func(*Backend)

// WithOpener replaces plugin.Open, for tests.
func WithOpener(open Opener) Option {
	return func(b *Backend) {
		if open != nil {
			b.open = open
		}
	}
}

// NewBackend creates a shared-object backend.
func NewBackend(opts ...Option) *Backend {
	b := &Backend{
		open:   openShared,
		loaded: make(map[string]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Type implements plugins.Backend.
func (b *Backend) Type() plugins.Type { return plugins.TypeNative }

// Load opens the entry object and instantiates the class symbol.
func (b *Backend) Load(_ context.Context, c *plugins.Candidate) (pluginpkg.Hooks, error) {
	m := c.Manifest
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, b.fail(c).Errorf("backend is closed")
	}
	if _, ok := b.loaded[m.ID]; ok {
		return nil, b.fail(c).Errorf("plugin %s is already loaded", m.ID)
	}
	hooks, err := b.resolve(c)
	if err != nil {
		return nil, err
	}
	b.loaded[m.ID] = c.EntryPath()
	return hooks, nil
}

// Stage implements plugins.Stager. Shared objects are never unmapped, so
// Commit only records the new path.
func (b *Backend) Stage(_ context.Context, c *plugins.Candidate) (*plugins.Staged, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, b.fail(c).Errorf("backend is closed")
	}
	hooks, err := b.resolve(c)
	if err != nil {
		return nil, err
	}
	id, path := c.Manifest.ID, c.EntryPath()
	return &plugins.Staged{
		Hooks: hooks,
		Commit: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if !b.closed {
				b.loaded[id] = path
			}
		},
		Discard: func() {},
	}, nil
}

func (b *Backend) fail(c *plugins.Candidate) oops.OopsErrorBuilder {
	return oops.Code(errutil.CodeLoadFailed).
		In("native").
		With("plugin", c.Manifest.ID).
		With("class", c.Manifest.ClassOrDefault())
}

// resolve must be called with b.mu held.
func (b *Backend) resolve(c *plugins.Candidate) (hooks pluginpkg.Hooks, err error) {
	fail := b.fail(c)
	path := c.EntryPath()
	so, err := b.open(path)
	if err != nil {
		return nil, fail.With("path", path).Hint("failed to open shared object").Wrap(err)
	}
	sym, err := so.Lookup(c.Manifest.ClassOrDefault())
	if err != nil {
		return nil, fail.Hint("class symbol not exported").Wrap(err)
	}

	defer func() {
		if r := recover(); r != nil {
			hooks, err = nil, errutil.Recovered(errutil.CodeLoadFailed, r)
		}
	}()
	hooks, err = instantiate(sym, c.Manifest.Info())
	if err != nil {
		return nil, fail.Wrap(err)
	}
	return hooks, nil
}

func instantiate(sym stdplugin.Symbol, info pluginpkg.Info) (pluginpkg.Hooks, error) {
	var hooks pluginpkg.Hooks
	switch s := sym.(type) {
	case func(pluginpkg.Info) pluginpkg.Hooks:
		hooks = s(info)
	case *pluginpkg.Factory:
		if s == nil || *s == nil {
			return nil, oops.Errorf("factory symbol is nil")
		}
		hooks = (*s)(info)
	case *func(pluginpkg.Info) pluginpkg.Hooks:
		if s == nil || *s == nil {
			return nil, oops.Errorf("constructor symbol is nil")
		}
		hooks = (*s)(info)
	case pluginpkg.Hooks:
		hooks = s
	default:
		return nil, oops.Errorf("symbol of type %T is not a constructor or plugin", sym)
	}
	if hooks == nil {
		return nil, oops.Errorf("constructor returned nil")
	}
	return hooks, nil
}

// Unload forgets the plugin. The shared object stays mapped.
func (b *Backend) Unload(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.loaded[id]; !ok {
		return oops.Code(errutil.CodePluginNotFound).
			In("native").
			With("plugin", id).
			Errorf("plugin not loaded")
	}
	delete(b.loaded, id)
	return nil
}

// Loaded returns the sorted ids of loaded plugins.
func (b *Backend) Loaded() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.loaded))
	for id := range b.loaded {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close forgets every plugin and rejects further loads.
func (b *Backend) Close(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	clear(b.loaded)
	return nil
}
