// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lua

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	plugins "github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/internal/plugin/hostfunc"
	"github.com/holomush/plughost/pkg/errutil"
	pluginpkg "github.com/holomush/plughost/pkg/plugin"
)

// Compile-time interface check.
var (
	_ plugins.Backend = (*Backend)(nil)
	_ plugins.Stager  = (*Backend)(nil)
)

// Backend loads Lua plugins. Each plugin keeps one persistent Lua state for
// its whole loaded lifetime.
type Backend struct {
	factory   *StateFactory
	hostFuncs *hostfunc.Functions
	depsDir   string

	mu      sync.RWMutex
	scripts map[string]*script
	closed  bool
}

// Option configures a Backend.
type Option func(*Backend)

// WithHostFunctions installs the host table into every plugin state.
func WithHostFunctions(hf *hostfunc.Functions) Option {
	return func(b *Backend) { b.hostFuncs = hf }
}

// WithDepsDir adds a luarocks tree to the module search path used while a
// plugin's entry file runs.
func WithDepsDir(dir string) Option {
	return func(b *Backend) { b.depsDir = dir }
}

// NewBackend creates a Lua backend.
func NewBackend(opts ...Option) *Backend {
	b := &Backend{
		factory: NewStateFactory(),
		scripts: make(map[string]*script),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Type implements plugins.Backend.
func (b *Backend) Type() plugins.Type { return plugins.TypeLua }

// Load runs the entry file and resolves the plugin's class. The class_name
// global may be a table, a table with a new method, or a constructor
// function; when it is absent the table returned by the chunk is used.
func (b *Backend) Load(ctx context.Context, c *plugins.Candidate) (pluginpkg.Hooks, error) {
	m := c.Manifest
	fail := oops.Code(errutil.CodeLoadFailed).In("lua").With("plugin", m.ID)

	b.mu.RLock()
	_, dup := b.scripts[m.ID]
	b.mu.RUnlock()
	if dup {
		return nil, fail.Errorf("plugin %s is already loaded", m.ID)
	}

	s, hooks, err := b.load(ctx, c)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.close()
		return nil, fail.Errorf("backend is closed")
	}
	if _, dup := b.scripts[m.ID]; dup {
		s.close()
		return nil, fail.Errorf("plugin %s is already loaded", m.ID)
	}
	b.scripts[m.ID] = s
	return hooks, nil
}

// Stage implements plugins.Stager. The staged state runs the new entry
// file while the current state keeps serving until Commit closes it.
func (b *Backend) Stage(ctx context.Context, c *plugins.Candidate) (*plugins.Staged, error) {
	s, hooks, err := b.load(ctx, c)
	if err != nil {
		return nil, err
	}
	id := c.Manifest.ID
	return &plugins.Staged{
		Hooks: hooks,
		Commit: func() {
			b.mu.Lock()
			if b.closed {
				b.mu.Unlock()
				s.close()
				return
			}
			old := b.scripts[id]
			b.scripts[id] = s
			b.mu.Unlock()
			if old != nil {
				old.close()
			}
		},
		Discard: s.close,
	}, nil
}

func (b *Backend) load(ctx context.Context, c *plugins.Candidate) (*script, pluginpkg.Hooks, error) {
	m := c.Manifest
	fail := oops.Code(errutil.CodeLoadFailed).In("lua").With("plugin", m.ID)

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, nil, fail.Errorf("backend is closed")
	}

	entry := c.EntryPath()
	code, err := os.ReadFile(filepath.Clean(entry))
	if err != nil {
		return nil, nil, fail.With("path", entry).Hint("failed to read entry file").Wrap(err)
	}

	L, err := b.factory.NewState(ctx)
	if err != nil {
		return nil, nil, fail.Hint("failed to create state").Wrap(err)
	}
	if b.hostFuncs != nil {
		b.hostFuncs.Register(L, m.ID)
	}

	self, err := b.instantiate(ctx, L, c, string(code))
	if err != nil {
		L.Close()
		return nil, nil, fail.With("entry", m.EntryPoint).Wrap(err)
	}

	s := &script{id: m.ID, L: L, self: self}
	hooks, err := newScriptHooks(s)
	if err != nil {
		s.close()
		return nil, nil, fail.With("entry", m.EntryPoint).Wrap(err)
	}
	return s, hooks, nil
}

func (b *Backend) instantiate(ctx context.Context, L *lua.LState, c *plugins.Candidate, code string) (*lua.LTable, error) { //nolint:gocritic // L is the gopher-lua convention
	if ctx != nil {
		L.SetContext(ctx)
		defer L.RemoveContext()
	}

	var returned lua.LValue = lua.LNil
	err := withSearchPath(L, searchPath(c.Dir, b.depsDir), func() error {
		fn, err := L.LoadString(code)
		if err != nil {
			return oops.Hint("syntax error").Wrap(err)
		}
		L.Push(fn)
		if err := L.PCall(0, 1, nil); err != nil {
			return oops.Hint("entry file raised an error").Wrap(err)
		}
		returned = L.Get(-1)
		L.Pop(1)
		return nil
	})
	if err != nil {
		return nil, err
	}

	className := c.Manifest.ClassOrDefault()
	class := L.GetGlobal(className)
	if class == lua.LNil {
		class = returned
	}
	info := infoToTable(L, c.Manifest.Info())

	switch v := class.(type) {
	case *lua.LFunction:
		return construct(L, v, info)
	case *lua.LTable:
		if ctor, ok := L.GetField(v, "new").(*lua.LFunction); ok {
			return construct(L, ctor, v, info)
		}
		return v, nil
	default:
		return nil, oops.With("class", className).
			Errorf("class %q must be a table or constructor function, got %s", className, class.Type())
	}
}

func construct(L *lua.LState, ctor *lua.LFunction, args ...lua.LValue) (*lua.LTable, error) { //nolint:gocritic // L is the gopher-lua convention
	if err := L.CallByParam(lua.P{Fn: ctor, NRet: 1, Protect: true}, args...); err != nil {
		return nil, oops.Hint("constructor raised an error").Wrap(err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	self, ok := ret.(*lua.LTable)
	if !ok {
		return nil, oops.Errorf("constructor returned %s, want table", ret.Type())
	}
	return self, nil
}

// Unload closes the plugin's Lua state.
func (b *Backend) Unload(_ context.Context, id string) error {
	b.mu.Lock()
	s, ok := b.scripts[id]
	delete(b.scripts, id)
	b.mu.Unlock()

	if !ok {
		return oops.Code(errutil.CodePluginNotFound).
			In("lua").
			With("plugin", id).
			With("operation", "unload").
			Errorf("plugin not loaded")
	}
	s.close()
	return nil
}

// Loaded returns the sorted ids of loaded plugins.
func (b *Backend) Loaded() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.scripts))
	for id := range b.scripts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close closes every plugin state. Loads after Close fail.
func (b *Backend) Close(_ context.Context) error {
	b.mu.Lock()
	scripts := b.scripts
	b.scripts = make(map[string]*script)
	b.closed = true
	b.mu.Unlock()

	for _, s := range scripts {
		s.close()
	}
	return nil
}
