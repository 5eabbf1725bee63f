// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lua

import (
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/holomush/plughost/internal/plugin/hostfunc"
	pluginpkg "github.com/holomush/plughost/pkg/plugin"
)

// messageToTable converts a message into the table plugins receive.
// The timestamp is exposed as unix seconds.
func messageToTable(L *lua.LState, msg *pluginpkg.MessageContext) *lua.LTable { //nolint:gocritic // L is the gopher-lua convention
	tbl := L.CreateTable(0, 10)
	tbl.RawSetString("message_id", lua.LString(msg.ID))
	tbl.RawSetString("instance_id", lua.LString(msg.InstanceID))
	tbl.RawSetString("chat_id", lua.LString(msg.ChatID))
	tbl.RawSetString("sender", lua.LString(msg.Sender))
	tbl.RawSetString("sender_alias", lua.LString(msg.SenderAlias))
	tbl.RawSetString("message_type", lua.LString(msg.Type))
	tbl.RawSetString("content", lua.LString(msg.Content))
	tbl.RawSetString("file_path", lua.LString(msg.FilePath))
	tbl.RawSetString("timestamp", lua.LNumber(msg.Timestamp.Unix()))
	meta := msg.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	tbl.RawSetString("metadata", hostfunc.ToLua(L, meta))
	return tbl
}

// messageFromTable applies the fields of a plugin-returned table on top of
// base. Fields the table omits keep their value from base.
func messageFromTable(tbl *lua.LTable, base *pluginpkg.MessageContext) *pluginpkg.MessageContext {
	out := base.Clone()
	setString := func(key string, dst *string) {
		if s, ok := tbl.RawGetString(key).(lua.LString); ok {
			*dst = string(s)
		}
	}
	setString("message_id", &out.ID)
	setString("instance_id", &out.InstanceID)
	setString("chat_id", &out.ChatID)
	setString("sender", &out.Sender)
	setString("sender_alias", &out.SenderAlias)
	setString("content", &out.Content)
	setString("file_path", &out.FilePath)
	if s, ok := tbl.RawGetString("message_type").(lua.LString); ok {
		out.Type = pluginpkg.MessageType(s)
	}
	if n, ok := tbl.RawGetString("timestamp").(lua.LNumber); ok {
		out.Timestamp = time.Unix(int64(n), 0).UTC()
	}
	if meta, ok := tbl.RawGetString("metadata").(*lua.LTable); ok {
		out.Metadata = hostfunc.TableToMap(meta)
	}
	return out
}

// resultToTable converts a result for postprocess hooks.
func resultToTable(L *lua.LState, res *pluginpkg.ProcessResult) *lua.LTable { //nolint:gocritic // L is the gopher-lua convention
	tbl := L.CreateTable(0, 6)
	tbl.RawSetString("success", lua.LBool(res.Success))
	tbl.RawSetString("response", lua.LString(res.Response))
	tbl.RawSetString("should_reply", lua.LBool(res.ShouldReply))
	tbl.RawSetString("next_action", lua.LString(res.NextAction))
	tbl.RawSetString("error", lua.LString(res.Error))
	meta := res.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	tbl.RawSetString("metadata", hostfunc.ToLua(L, meta))
	return tbl
}

// resultFromValue interprets what process_message or postprocess returned:
// nil sends nothing, a string is a reply and a table is a full result.
func resultFromValue(v lua.LValue) *pluginpkg.ProcessResult {
	switch val := v.(type) {
	case lua.LString:
		return pluginpkg.Reply(string(val))
	case *lua.LTable:
		return resultFromTable(val)
	default:
		return pluginpkg.NoReply()
	}
}

// resultFromTable reads a result table. success defaults to true unless an
// error is set; should_reply defaults to whether a response is present.
func resultFromTable(tbl *lua.LTable) *pluginpkg.ProcessResult {
	res := &pluginpkg.ProcessResult{}
	if s, ok := tbl.RawGetString("response").(lua.LString); ok {
		res.Response = string(s)
	}
	if s, ok := tbl.RawGetString("next_action").(lua.LString); ok {
		res.NextAction = string(s)
	}
	if s, ok := tbl.RawGetString("error").(lua.LString); ok {
		res.Error = string(s)
	}
	if meta, ok := tbl.RawGetString("metadata").(*lua.LTable); ok {
		res.Metadata = hostfunc.TableToMap(meta)
	}

	res.Success = res.Error == ""
	if b, ok := tbl.RawGetString("success").(lua.LBool); ok {
		res.Success = bool(b)
	}
	res.ShouldReply = res.Response != ""
	if b, ok := tbl.RawGetString("should_reply").(lua.LBool); ok {
		res.ShouldReply = bool(b)
	}
	return res
}

// infoToTable exposes the plugin's identity to constructors.
func infoToTable(L *lua.LState, info pluginpkg.Info) *lua.LTable { //nolint:gocritic // L is the gopher-lua convention
	tbl := L.CreateTable(0, 6)
	tbl.RawSetString("plugin_id", lua.LString(info.ID))
	tbl.RawSetString("name", lua.LString(info.Name))
	tbl.RawSetString("version", lua.LString(info.Version))
	tbl.RawSetString("description", lua.LString(info.Description))
	tbl.RawSetString("author", lua.LString(info.Author))
	tbl.RawSetString("permissions", hostfunc.ToLua(L, info.Permissions))
	return tbl
}
