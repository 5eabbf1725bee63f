// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"sort"
	"sync"

	"github.com/samber/oops"

	"github.com/holomush/plughost/pkg/errutil"
	pluginpkg "github.com/holomush/plughost/pkg/plugin"
)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]pluginpkg.Factory)
)

// RegisterFactory makes a compiled-in plugin available under className.
// It is intended to be called from init functions.
// Panics if the factory is nil or the name is already registered.
func RegisterFactory(className string, factory pluginpkg.Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()

	if factory == nil {
		panic("plugin: RegisterFactory factory is nil")
	}
	if _, dup := factories[className]; dup {
		panic("plugin: RegisterFactory called twice for " + className)
	}
	factories[className] = factory
}

// UnregisterFactory removes a compiled-in plugin. Used by tests.
func UnregisterFactory(className string) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	delete(factories, className)
}

// Factories returns the sorted class names of registered factories.
func Factories() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupFactory(className string) (pluginpkg.Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[className]
	return f, ok
}

// BuiltinBackend instantiates plugins compiled into the host binary.
type BuiltinBackend struct{}

// Compile-time interface checks.
var (
	_ Backend = BuiltinBackend{}
	_ Stager  = BuiltinBackend{}
)

// Type implements Backend.
func (BuiltinBackend) Type() Type { return TypeBuiltin }

// Load implements Backend.
func (BuiltinBackend) Load(_ context.Context, c *Candidate) (hooks pluginpkg.Hooks, err error) {
	class := c.Manifest.ClassOrDefault()
	factory, ok := lookupFactory(class)
	if !ok {
		return nil, oops.Code(errutil.CodeLoadFailed).
			In("builtin").
			With("plugin", c.Manifest.ID).
			With("class", class).
			Errorf("no builtin plugin registered as %q", class)
	}
	defer func() {
		if r := recover(); r != nil {
			hooks, err = nil, errutil.Recovered(errutil.CodeLoadFailed, r)
		}
	}()
	hooks = factory(c.Manifest.Info())
	if hooks == nil {
		return nil, oops.Code(errutil.CodeLoadFailed).
			In("builtin").
			With("plugin", c.Manifest.ID).
			Errorf("factory %q returned nil", class)
	}
	return hooks, nil
}

// Stage implements Stager. Builtin plugins hold no backend resources.
func (b BuiltinBackend) Stage(ctx context.Context, c *Candidate) (*Staged, error) {
	hooks, err := b.Load(ctx, c)
	if err != nil {
		return nil, err
	}
	return &Staged{Hooks: hooks, Commit: func() {}, Discard: func() {}}, nil
}

// Unload implements Backend.
func (BuiltinBackend) Unload(context.Context, string) error { return nil }

// Close implements Backend.
func (BuiltinBackend) Close(context.Context) error { return nil }
