// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package hostfunc note: L is the idiomatic variable name for lua.LState
// in the gopher-lua community.
//nolint:gocritic // captLocal: L is the idiomatic name for lua.LState
package hostfunc

import (
	"context"

	lua "github.com/yuin/gopher-lua"
)

// pushError pushes nil followed by an error string to the Lua stack and returns 2.
// This is the standard pattern for returning errors from host functions.
func pushError(L *lua.LState, errMsg string) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(errMsg))
	return 2
}

// pushSuccess pushes a value followed by nil (no error) to the Lua stack and returns 2.
func pushSuccess(L *lua.LState, value lua.LValue) int {
	L.Push(value)
	L.Push(lua.LNil)
	return 2
}

// callContext derives a bounded context from the Lua state's context, or
// from context.Background() when none is set.
func callContext(L *lua.LState) (context.Context, context.CancelFunc) {
	parent := L.Context()
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, defaultCallTimeout)
}
