// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package hostfunc

import (
	"fmt"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

// ToGo converts a Lua value to its JSON-shaped Go equivalent. Tables with
// sequential integer keys become []any, other non-empty tables become
// map[string]any and empty tables become an empty map.
func ToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LString:
		return string(val)
	case lua.LNumber:
		return float64(val)
	case lua.LBool:
		return bool(val)
	case *lua.LTable:
		if val.MaxN() > 0 {
			return tableToSlice(val)
		}
		return TableToMap(val)
	case *lua.LNilType:
		return nil
	default:
		return v.String()
	}
}

// TableToMap converts a Lua table to map[string]any.
func TableToMap(tbl *lua.LTable) map[string]any {
	out := make(map[string]any)
	tbl.ForEach(func(k, v lua.LValue) {
		out[k.String()] = ToGo(v)
	})
	return out
}

func tableToSlice(tbl *lua.LTable) []any {
	n := tbl.MaxN()
	out := make([]any, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, ToGo(tbl.RawGetInt(i)))
	}
	return out
}

// StringList converts the array part of a Lua table to strings.
func StringList(v lua.LValue) []string {
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return nil
	}
	n := tbl.MaxN()
	out := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, tbl.RawGetInt(i).String())
	}
	return out
}

// ToLua converts a JSON-shaped Go value to a Lua value. Map keys are set
// in sorted order so table construction is deterministic.
func ToLua(L *lua.LState, v any) lua.LValue { //nolint:gocritic // L is the gopher-lua convention
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case string:
		return lua.LString(val)
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case []string:
		tbl := L.CreateTable(len(val), 0)
		for _, s := range val {
			tbl.Append(lua.LString(s))
		}
		return tbl
	case []any:
		tbl := L.CreateTable(len(val), 0)
		for _, item := range val {
			tbl.Append(ToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.CreateTable(0, len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			tbl.RawSetString(k, ToLua(L, val[k]))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprint(val))
	}
}
