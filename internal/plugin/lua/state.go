// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package lua provides the Lua script backend for plugins.
package lua

import (
	"context"
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// safeLibrary represents a Lua library that is safe to load in sandboxed state.
type safeLibrary struct {
	name string
	fn   lua.LGFunction
}

// defaultSafeLibraries returns the list of libraries safe to load.
// Safe: base, package, table, string, math.
// Blocked: os, io, debug, channel, coroutine.
func defaultSafeLibraries() []safeLibrary {
	return []safeLibrary{
		{lua.BaseLibName, lua.OpenBase},
		{lua.LoadLibName, lua.OpenPackage},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
}

// StateFactory creates sandboxed Lua states with only safe libraries.
type StateFactory struct {
	// libraries allows overriding the default safe libraries for testing.
	libraries []safeLibrary
}

// NewStateFactory creates a new state factory.
func NewStateFactory() *StateFactory {
	return &StateFactory{
		libraries: defaultSafeLibraries(),
	}
}

// unsafeBaseFunctions lists base library functions that compile or run code
// from outside the plugin's module path.
var unsafeBaseFunctions = []string{"dofile", "loadfile", "loadstring", "load"}

// NewState creates a fresh Lua state with only safe libraries loaded.
// require is available and resolves modules through package.path, which the
// backend points at the plugin and dependency directories while loading.
func (f *StateFactory) NewState(_ context.Context) (*lua.LState, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})

	for _, lib := range f.libraries {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("failed to open library %s: %w", lib.name, err)
		}
	}

	for _, fn := range unsafeBaseFunctions {
		L.SetGlobal(fn, lua.LNil)
	}

	return L, nil
}

// searchPath builds a package.path for a plugin directory and an optional
// dependency tree installed with luarocks --tree.
func searchPath(pluginDir, depsDir string) string {
	parts := []string{
		pluginDir + "/?.lua",
		pluginDir + "/?/init.lua",
	}
	if depsDir != "" {
		parts = append(parts,
			depsDir+"/share/lua/5.1/?.lua",
			depsDir+"/share/lua/5.1/?/init.lua",
		)
	}
	return strings.Join(parts, ";")
}

// withSearchPath prepends prefix to package.path while fn runs and restores
// the previous value afterwards, even when fn fails.
func withSearchPath(L *lua.LState, prefix string, fn func() error) error { //nolint:gocritic // L is the gopher-lua convention
	pkg, ok := L.GetGlobal("package").(*lua.LTable)
	if !ok {
		return fn()
	}
	previous := L.GetField(pkg, "path")
	path := prefix
	if s, isString := previous.(lua.LString); isString && s != "" {
		path = prefix + ";" + string(s)
	}
	L.SetField(pkg, "path", lua.LString(path))
	defer L.SetField(pkg, "path", previous)
	return fn()
}
