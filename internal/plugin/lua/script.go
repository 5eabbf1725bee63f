// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lua

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/holomush/plughost/internal/plugin/hostfunc"
	pluginpkg "github.com/holomush/plughost/pkg/plugin"
)

// Method names looked up on a plugin's class table.
const (
	methodInitialize     = "initialize"
	methodActivate       = "activate"
	methodDeactivate     = "deactivate"
	methodCleanup        = "cleanup"
	methodProcessMessage = "process_message"
	methodCanProcess     = "can_process"
	methodPreprocess     = "preprocess"
	methodPostprocess    = "postprocess"
	methodTestConnection = "test_connection"
	methodHealthCheck    = "health_check"
	methodValidateConfig = "validate_config"
	methodUpdateConfig   = "update_config"

	fieldSupportedTypes = "supported_message_types"
	fieldPlatformType   = "platform_type"
	fieldConfigSchema   = "config_schema"
)

// errClosed is returned when a call reaches a script that was unloaded.
var errClosed = errors.New("lua script is closed")

// script is one plugin's persistent Lua state and class instance. A Lua
// state is not safe for concurrent use, so every call holds mu.
type script struct {
	id string

	mu     sync.Mutex
	L      *lua.LState
	self   *lua.LTable
	closed bool
}

// has reports whether the instance exposes a callable method.
func (s *script) has(method string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	_, ok := s.L.GetField(s.self, method).(*lua.LFunction)
	return ok
}

// invoke calls self:method(args...) with two results. args and handle run
// with the state locked so they may build and read Lua values. found is
// false when the method does not exist.
func (s *script) invoke(
	ctx context.Context,
	method string,
	args func(L *lua.LState) []lua.LValue,
	handle func(ret1, ret2 lua.LValue) error,
) (found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, oops.In("lua").With("plugin", s.id).With("method", method).Wrap(errClosed)
	}
	fn, ok := s.L.GetField(s.self, method).(*lua.LFunction)
	if !ok {
		return false, nil
	}

	callArgs := []lua.LValue{s.self}
	if args != nil {
		callArgs = append(callArgs, args(s.L)...)
	}

	if ctx != nil {
		s.L.SetContext(ctx)
		defer s.L.RemoveContext()
	}
	if err := s.L.CallByParam(lua.P{Fn: fn, NRet: 2, Protect: true}, callArgs...); err != nil {
		return true, oops.In("lua").With("plugin", s.id).With("method", method).Wrap(err)
	}
	ret1, ret2 := s.L.Get(-2), s.L.Get(-1)
	s.L.Pop(2)

	if handle == nil {
		return true, nil
	}
	return true, handle(ret1, ret2)
}

// property reads a field that may be a plain value or a method computing it.
func (s *script) property(name string, read func(lua.LValue)) error {
	s.mu.Lock()
	v := s.L.GetField(s.self, name)
	if _, isFn := v.(*lua.LFunction); !isFn {
		read(v)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	_, err := s.invoke(context.Background(), name, nil, func(ret, _ lua.LValue) error {
		read(ret)
		return nil
	})
	return err
}

// close releases the Lua state. Calls after close fail with errClosed.
func (s *script) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.L.Close()
}

// hookError interprets the status a hook returned: nothing or true is
// success; false with an optional message is a failure.
func hookError(method string, ret1, ret2 lua.LValue) error {
	if ret1 != lua.LFalse {
		return nil
	}
	if msg, ok := ret2.(lua.LString); ok && msg != "" {
		return fmt.Errorf("%s: %s", method, string(msg))
	}
	return fmt.Errorf("%s returned false", method)
}

// scriptHooks adapts a script to the plugin hook and trait interfaces. Which
// traits are real is decided when the script loads and reported through
// Capabilities; absent optional methods fall back to neutral behavior.
type scriptHooks struct {
	script *script

	types    []pluginpkg.MessageType
	platform string
	schema   pluginpkg.ConfigSchema
	caps     []pluginpkg.Capability
}

// Compile-time interface checks.
var (
	_ pluginpkg.Hooks              = (*scriptHooks)(nil)
	_ pluginpkg.MessageHandler     = (*scriptHooks)(nil)
	_ pluginpkg.Matcher            = (*scriptHooks)(nil)
	_ pluginpkg.Preprocessor       = (*scriptHooks)(nil)
	_ pluginpkg.Postprocessor      = (*scriptHooks)(nil)
	_ pluginpkg.ConnectionTester   = (*scriptHooks)(nil)
	_ pluginpkg.SchemaProvider     = (*scriptHooks)(nil)
	_ pluginpkg.ConfigValidator    = (*scriptHooks)(nil)
	_ pluginpkg.ConfigUpdater      = (*scriptHooks)(nil)
	_ pluginpkg.HealthChecker      = (*scriptHooks)(nil)
	_ pluginpkg.CapabilityReporter = (*scriptHooks)(nil)
)

// newScriptHooks inspects the instance and caches its declared properties.
func newScriptHooks(s *script) (*scriptHooks, error) {
	h := &scriptHooks{script: s, platform: "lua"}

	handles := s.has(methodProcessMessage)
	if err := s.property(fieldSupportedTypes, func(v lua.LValue) {
		for _, t := range hostfunc.StringList(v) {
			h.types = append(h.types, pluginpkg.MessageType(t))
		}
	}); err != nil {
		return nil, err
	}
	if handles && h.types == nil {
		h.types = []pluginpkg.MessageType{pluginpkg.MessageText}
	}

	if err := s.property(fieldPlatformType, func(v lua.LValue) {
		if str, ok := v.(lua.LString); ok && str != "" {
			h.platform = string(str)
		}
	}); err != nil {
		return nil, err
	}

	var rawSchema map[string]any
	if err := s.property(fieldConfigSchema, func(v lua.LValue) {
		if tbl, ok := v.(*lua.LTable); ok {
			rawSchema = hostfunc.TableToMap(tbl)
		}
	}); err != nil {
		return nil, err
	}
	if rawSchema != nil {
		schema, err := pluginpkg.SchemaFromJSON(rawSchema)
		if err != nil {
			return nil, err
		}
		h.schema = schema
	}

	h.caps = []pluginpkg.Capability{
		pluginpkg.CapabilityLifecycle,
		pluginpkg.CapabilityConfigurable,
		pluginpkg.CapabilityHealth,
	}
	if handles {
		h.caps = append(h.caps, pluginpkg.CapabilityService)
	}
	if s.has(methodCanProcess) || s.has(methodPreprocess) || s.has(methodPostprocess) {
		h.caps = append(h.caps, pluginpkg.CapabilityMessageHooks)
	}
	return h, nil
}

func (h *scriptHooks) lifecycle(ctx context.Context, method string, args func(L *lua.LState) []lua.LValue) error {
	_, err := h.script.invoke(ctx, method, args, func(ret1, ret2 lua.LValue) error {
		return hookError(method, ret1, ret2)
	})
	return err
}

// OnInitialize implements plugin.Hooks.
func (h *scriptHooks) OnInitialize(ctx context.Context, cfg map[string]any) error {
	return h.lifecycle(ctx, methodInitialize, func(L *lua.LState) []lua.LValue {
		return []lua.LValue{hostfunc.ToLua(L, nonNil(cfg))}
	})
}

// OnActivate implements plugin.Hooks.
func (h *scriptHooks) OnActivate(ctx context.Context) error {
	return h.lifecycle(ctx, methodActivate, nil)
}

// OnDeactivate implements plugin.Hooks.
func (h *scriptHooks) OnDeactivate(ctx context.Context) error {
	return h.lifecycle(ctx, methodDeactivate, nil)
}

// OnCleanup implements plugin.Hooks.
func (h *scriptHooks) OnCleanup(ctx context.Context) error {
	return h.lifecycle(ctx, methodCleanup, nil)
}

// HandleMessage implements plugin.MessageHandler.
func (h *scriptHooks) HandleMessage(ctx context.Context, msg *pluginpkg.MessageContext) (*pluginpkg.ProcessResult, error) {
	var res *pluginpkg.ProcessResult
	found, err := h.script.invoke(ctx, methodProcessMessage,
		func(L *lua.LState) []lua.LValue { return []lua.LValue{messageToTable(L, msg)} },
		func(ret1, ret2 lua.LValue) error {
			if err := hookError(methodProcessMessage, ret1, ret2); err != nil {
				return err
			}
			res = resultFromValue(ret1)
			return nil
		})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("plugin %s does not define %s", h.script.id, methodProcessMessage)
	}
	return res, nil
}

// SupportedMessageTypes implements plugin.MessageHandler.
func (h *scriptHooks) SupportedMessageTypes() []pluginpkg.MessageType {
	return append([]pluginpkg.MessageType(nil), h.types...)
}

// PlatformType implements plugin.MessageHandler.
func (h *scriptHooks) PlatformType() string { return h.platform }

// CanProcess implements plugin.Matcher. A script without can_process
// accepts every message it supports.
func (h *scriptHooks) CanProcess(ctx context.Context, msg *pluginpkg.MessageContext) bool {
	accept := true
	_, err := h.script.invoke(ctx, methodCanProcess,
		func(L *lua.LState) []lua.LValue { return []lua.LValue{messageToTable(L, msg)} },
		func(ret1, _ lua.LValue) error {
			accept = lua.LVAsBool(ret1)
			return nil
		})
	return err == nil && accept
}

// Preprocess implements plugin.Preprocessor.
func (h *scriptHooks) Preprocess(ctx context.Context, msg *pluginpkg.MessageContext) (*pluginpkg.MessageContext, error) {
	out := msg
	_, err := h.script.invoke(ctx, methodPreprocess,
		func(L *lua.LState) []lua.LValue { return []lua.LValue{messageToTable(L, msg)} },
		func(ret1, ret2 lua.LValue) error {
			if err := hookError(methodPreprocess, ret1, ret2); err != nil {
				return err
			}
			if tbl, ok := ret1.(*lua.LTable); ok {
				out = messageFromTable(tbl, msg)
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Postprocess implements plugin.Postprocessor.
func (h *scriptHooks) Postprocess(ctx context.Context, msg *pluginpkg.MessageContext, result *pluginpkg.ProcessResult) (*pluginpkg.ProcessResult, error) {
	out := result
	_, err := h.script.invoke(ctx, methodPostprocess,
		func(L *lua.LState) []lua.LValue {
			return []lua.LValue{messageToTable(L, msg), resultToTable(L, result)}
		},
		func(ret1, ret2 lua.LValue) error {
			if err := hookError(methodPostprocess, ret1, ret2); err != nil {
				return err
			}
			if tbl, ok := ret1.(*lua.LTable); ok {
				out = resultFromTable(tbl)
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TestConnection implements plugin.ConnectionTester.
func (h *scriptHooks) TestConnection(ctx context.Context) error {
	return h.lifecycle(ctx, methodTestConnection, nil)
}

// CheckHealth implements plugin.HealthChecker.
func (h *scriptHooks) CheckHealth(ctx context.Context) error {
	return h.lifecycle(ctx, methodHealthCheck, nil)
}

// ConfigSchema implements plugin.SchemaProvider. It returns nil when the
// script declares no schema so the manifest's schema applies.
func (h *scriptHooks) ConfigSchema() pluginpkg.ConfigSchema { return h.schema }

// ValidateConfig implements plugin.ConfigValidator.
func (h *scriptHooks) ValidateConfig(cfg map[string]any) error {
	return h.lifecycle(context.Background(), methodValidateConfig, func(L *lua.LState) []lua.LValue {
		return []lua.LValue{hostfunc.ToLua(L, nonNil(cfg))}
	})
}

// OnConfigUpdate implements plugin.ConfigUpdater.
func (h *scriptHooks) OnConfigUpdate(ctx context.Context, cfg map[string]any) error {
	return h.lifecycle(ctx, methodUpdateConfig, func(L *lua.LState) []lua.LValue {
		return []lua.LValue{hostfunc.ToLua(L, nonNil(cfg))}
	})
}

// Capabilities implements plugin.CapabilityReporter.
func (h *scriptHooks) Capabilities() []pluginpkg.Capability {
	return append([]pluginpkg.Capability(nil), h.caps...)
}

func nonNil(cfg map[string]any) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	return cfg
}
