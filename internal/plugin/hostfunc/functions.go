// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package hostfunc provides host functions to Lua plugins.
//
// Host functions expose host capabilities to plugins in a controlled way.
// Functions that reach sensitive resources require a permission check
// against the plugin's security policy.
package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	lua "github.com/yuin/gopher-lua"

	"github.com/holomush/plughost/internal/kvstore"
)

const (
	// GlobalName is the Lua global the host table is installed under.
	GlobalName = "host"

	defaultCallTimeout = 10 * time.Second
	maxResponseBytes   = 1 << 20
)

// Permission tokens consulted by host functions.
const (
	PermConfigRead    = "config.read"
	PermDatabaseRead  = "database.read"
	PermDatabaseWrite = "database.write"
	PermNetworkHTTP   = "network.http"
	PermNetworkHTTPS  = "network.https"
	PermSystemCommand = "system.command"
)

// PermissionChecker answers permission and network questions for a plugin.
type PermissionChecker interface {
	CheckPermission(pluginID, token string) bool
	CheckDomain(pluginID, host string) bool
	AllowNetworkRequest(pluginID string) bool
}

// ConfigSource returns the stored configuration of a plugin.
type ConfigSource interface {
	Config(pluginID string) (map[string]any, bool)
}

// CommandRunner runs an external command and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput() //nolint:gosec // gated by system.command
}

// Functions provides host functions to Lua plugins.
type Functions struct {
	checker PermissionChecker
	kv      kvstore.Store
	configs ConfigSource
	client  *http.Client
	runner  CommandRunner
	logger  *slog.Logger
}

// Option configures Functions.
type Option func(*Functions)

// WithKVStore enables host.kv_* backed by kv.
func WithKVStore(kv kvstore.Store) Option {
	return func(f *Functions) { f.kv = kv }
}

// WithConfigSource enables host.config_get.
func WithConfigSource(src ConfigSource) Option {
	return func(f *Functions) { f.configs = src }
}

// WithHTTPClient overrides the client used by host.http_get.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Functions) { f.client = c }
}

// WithCommandRunner overrides how host.exec runs commands.
func WithCommandRunner(r CommandRunner) Option {
	return func(f *Functions) { f.runner = r }
}

// WithLogger sets the logger behind host.log.
func WithLogger(l *slog.Logger) Option {
	return func(f *Functions) { f.logger = l }
}

// New creates host functions. Panics if checker is nil.
func New(checker PermissionChecker, opts ...Option) *Functions {
	if checker == nil {
		panic("hostfunc.New: checker cannot be nil")
	}
	f := &Functions{
		checker: checker,
		client:  &http.Client{Timeout: defaultCallTimeout},
		runner:  execRunner{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register installs the host table into a Lua state for pluginID.
func (f *Functions) Register(ls *lua.LState, pluginID string) {
	mod := ls.NewTable()

	// No permission required.
	ls.SetField(mod, "log", ls.NewFunction(f.logFn(pluginID)))
	ls.SetField(mod, "new_id", ls.NewFunction(newIDFn))

	ls.SetField(mod, "config_get", ls.NewFunction(f.wrap(pluginID, PermConfigRead, f.configGetFn(pluginID))))
	ls.SetField(mod, "kv_get", ls.NewFunction(f.wrap(pluginID, PermDatabaseRead, f.kvGetFn(pluginID))))
	ls.SetField(mod, "kv_set", ls.NewFunction(f.wrap(pluginID, PermDatabaseWrite, f.kvSetFn(pluginID))))
	ls.SetField(mod, "kv_delete", ls.NewFunction(f.wrap(pluginID, PermDatabaseWrite, f.kvDeleteFn(pluginID))))
	ls.SetField(mod, "http_get", ls.NewFunction(f.httpGetFn(pluginID)))
	ls.SetField(mod, "exec", ls.NewFunction(f.wrap(pluginID, PermSystemCommand, f.execFn(pluginID))))

	ls.SetGlobal(GlobalName, mod)
}

func (f *Functions) wrap(pluginID, perm string, fn lua.LGFunction) lua.LGFunction {
	return func(L *lua.LState) int {
		if !f.checker.CheckPermission(pluginID, perm) {
			L.RaiseError("permission denied: %s requires %s", pluginID, perm)
			return 0
		}
		return fn(L)
	}
}

func (f *Functions) logFn(pluginID string) lua.LGFunction {
	return func(L *lua.LState) int {
		level := L.CheckString(1)
		message := L.CheckString(2)

		logger := f.logger.With("plugin", pluginID)
		switch level {
		case "debug":
			logger.Debug(message)
		case "warn":
			logger.Warn(message)
		case "info":
			logger.Info(message)
		case "error":
			logger.Error(message)
		default:
			L.RaiseError("invalid log level %q: must be debug, info, warn, or error", level)
		}
		return 0
	}
}

func newIDFn(L *lua.LState) int {
	L.Push(lua.LString(ulid.Make().String()))
	return 1
}

func (f *Functions) configGetFn(pluginID string) lua.LGFunction {
	return func(L *lua.LState) int {
		key := L.CheckString(1)
		if f.configs == nil {
			return pushError(L, "config not available")
		}
		cfg, ok := f.configs.Config(pluginID)
		if !ok {
			return pushSuccess(L, lua.LNil)
		}
		return pushSuccess(L, ToLua(L, cfg[key]))
	}
}

// sanitizeKVError returns the message a plugin sees for a failed kv
// operation. Store errors can carry addresses and credentials, so anything
// but a timeout is logged under a correlation id and reported only by
// that id.
func (f *Functions) sanitizeKVError(pluginID, op, key string, err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		f.logger.Warn("plugin kv operation timed out", "plugin", pluginID, "operation", op, "key", key)
		return "operation timed out"
	}
	errorID := ulid.Make().String()
	f.logger.Error("plugin kv operation failed",
		"error_id", errorID,
		"plugin", pluginID,
		"operation", op,
		"key", key,
		"error", err)
	return fmt.Sprintf("internal error (ref: %s)", errorID)
}

// kvSection namespaces a plugin's keys in the shared store.
func kvSection(pluginID string) string {
	return "plugin:" + pluginID
}

func (f *Functions) kvGetFn(pluginID string) lua.LGFunction {
	return func(L *lua.LState) int {
		key := L.CheckString(1)
		if f.kv == nil {
			return pushError(L, "kv store not available")
		}
		ctx, cancel := callContext(L)
		defer cancel()

		var value any
		found, err := f.kv.Get(ctx, kvSection(pluginID), key, &value)
		if err != nil {
			return pushError(L, f.sanitizeKVError(pluginID, "get", key, err))
		}
		if !found {
			return pushSuccess(L, lua.LNil)
		}
		return pushSuccess(L, ToLua(L, value))
	}
}

func (f *Functions) kvSetFn(pluginID string) lua.LGFunction {
	return func(L *lua.LState) int {
		key := L.CheckString(1)
		value := ToGo(L.CheckAny(2))
		if f.kv == nil {
			L.Push(lua.LString("kv store not available"))
			return 1
		}
		ctx, cancel := callContext(L)
		defer cancel()

		if err := f.kv.Set(ctx, kvSection(pluginID), key, value); err != nil {
			L.Push(lua.LString(f.sanitizeKVError(pluginID, "set", key, err)))
			return 1
		}
		return 0
	}
}

func (f *Functions) kvDeleteFn(pluginID string) lua.LGFunction {
	return func(L *lua.LState) int {
		key := L.CheckString(1)
		if f.kv == nil {
			L.Push(lua.LString("kv store not available"))
			return 1
		}
		ctx, cancel := callContext(L)
		defer cancel()

		if err := f.kv.Delete(ctx, kvSection(pluginID), key); err != nil {
			L.Push(lua.LString(f.sanitizeKVError(pluginID, "delete", key, err)))
			return 1
		}
		return 0
	}
}

// httpGetFn returns body, status, err. The permission depends on the URL
// scheme, and the domain and rate ceilings of the policy apply.
func (f *Functions) httpGetFn(pluginID string) lua.LGFunction {
	return func(L *lua.LState) int {
		raw := L.CheckString(1)
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return pushError(L, "invalid url: "+raw)
		}

		perm := PermNetworkHTTPS
		switch strings.ToLower(u.Scheme) {
		case "https":
		case "http":
			perm = PermNetworkHTTP
		default:
			return pushError(L, "unsupported url scheme: "+u.Scheme)
		}
		if !f.checker.CheckPermission(pluginID, perm) {
			L.RaiseError("permission denied: %s requires %s", pluginID, perm)
			return 0
		}
		if !f.checker.CheckDomain(pluginID, u.Hostname()) {
			return pushError(L, "domain not allowed: "+u.Hostname())
		}
		if !f.checker.AllowNetworkRequest(pluginID) {
			return pushError(L, "network rate limit exceeded")
		}

		ctx, cancel := callContext(L)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return pushError(L, err.Error())
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return pushError(L, err.Error())
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return pushError(L, err.Error())
		}
		L.Push(lua.LString(body))
		L.Push(lua.LNumber(resp.StatusCode))
		L.Push(lua.LNil)
		return 3
	}
}

func (f *Functions) execFn(pluginID string) lua.LGFunction {
	return func(L *lua.LState) int {
		name := L.CheckString(1)
		args := make([]string, 0, L.GetTop()-1)
		for i := 2; i <= L.GetTop(); i++ {
			args = append(args, L.CheckString(i))
		}
		ctx, cancel := callContext(L)
		defer cancel()

		f.logger.Info("plugin running command", "plugin", pluginID, "command", name)
		out, err := f.runner.Run(ctx, name, args...)
		if err != nil {
			L.Push(lua.LString(out))
			L.Push(lua.LString(err.Error()))
			return 2
		}
		return pushSuccess(L, lua.LString(out))
	}
}
