// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/holomush/plughost/internal/kvstore"
	"github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/internal/plugin/security"
	"github.com/holomush/plughost/internal/plugin/settings"
	pluginpkg "github.com/holomush/plughost/pkg/plugin"
)

// puppet is a compiled-in plugin whose behavior tests can steer.
type puppet struct {
	pluginpkg.BaseHooks
	info pluginpkg.Info

	initialized atomic.Int32
	activated   atomic.Int32
	deactivated atomic.Int32
	cleaned     atomic.Int32

	activateErr error
	health      func(ctx context.Context) error
	accept      func(msg *pluginpkg.MessageContext) bool
}

func (p *puppet) OnInitialize(context.Context, map[string]any) error {
	p.initialized.Add(1)
	return nil
}

func (p *puppet) OnActivate(context.Context) error {
	if p.activateErr != nil {
		return p.activateErr
	}
	p.activated.Add(1)
	return nil
}

func (p *puppet) OnDeactivate(context.Context) error {
	p.deactivated.Add(1)
	return nil
}

func (p *puppet) OnCleanup(context.Context) error {
	p.cleaned.Add(1)
	return nil
}

func (p *puppet) HandleMessage(_ context.Context, msg *pluginpkg.MessageContext) (*pluginpkg.ProcessResult, error) {
	if msg.Content == "boom" {
		return nil, errors.New("boom")
	}
	return pluginpkg.Reply(p.info.ID + ":" + strings.ToUpper(msg.Content)), nil
}

func (p *puppet) SupportedMessageTypes() []pluginpkg.MessageType {
	return []pluginpkg.MessageType{pluginpkg.MessageText}
}

func (p *puppet) PlatformType() string { return "puppet" }

func (p *puppet) CanProcess(_ context.Context, msg *pluginpkg.MessageContext) bool {
	if p.accept == nil {
		return true
	}
	return p.accept(msg)
}

func (p *puppet) CheckHealth(ctx context.Context) error {
	if p.health == nil {
		return nil
	}
	return p.health(ctx)
}

func (p *puppet) ConfigSchema() pluginpkg.ConfigSchema {
	return pluginpkg.ConfigSchema{
		"greeting": {Type: "string", Default: "hello"},
		"retries":  {Type: "integer", Minimum: pluginpkg.Float(0), Maximum: pluginpkg.Float(5)},
	}
}

// registerPuppet registers a builtin factory under a class unique to the
// test and returns the puppet it hands out.
func registerPuppet(t *testing.T, class string, setup func(*puppet)) *puppet {
	t.Helper()
	p := &puppet{}
	if setup != nil {
		setup(p)
	}
	class = t.Name() + "/" + class
	plugin.RegisterFactory(class, func(info pluginpkg.Info) pluginpkg.Hooks {
		p.info = info
		return p
	})
	t.Cleanup(func() { plugin.UnregisterFactory(class) })
	return p
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

// writeBuiltin writes a builtin plugin directory under root and returns it.
func writeBuiltin(t *testing.T, root, id, class string, permissions ...string) string {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o750))
	manifest := map[string]any{
		"plugin_id":   id,
		"name":        id,
		"version":     "1.0.0",
		"runtime":     "builtin",
		"entry_point": "builtin",
		"class_name":  t.Name() + "/" + class,
	}
	if len(permissions) > 0 {
		manifest["permissions"] = permissions
	}
	data, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.ManifestFile), data, 0o600))
	return dir
}

type fixture struct {
	root     string
	manager  *plugin.Manager
	registry *plugin.Registry
	guard    *security.Manager
	settings *settings.Store
	kv       *kvstore.Memory
	observer *recordingObserver
}

func newFixture(t *testing.T, opts ...plugin.ManagerOption) *fixture {
	t.Helper()
	f := &fixture{
		root:     t.TempDir(),
		registry: plugin.NewRegistry(),
		kv:       kvstore.NewMemory(),
		observer: &recordingObserver{},
	}
	guard, err := security.NewManager()
	require.NoError(t, err)
	f.guard = guard
	f.settings = settings.New(f.kv)
	require.NoError(t, f.settings.Load(context.Background()))

	loader := plugin.NewLoader([]string{f.root}, plugin.BuiltinBackend{})
	opts = append([]plugin.ManagerOption{plugin.WithObserver(f.observer)}, opts...)
	f.manager = plugin.NewManager(f.registry, loader, f.guard, f.settings, opts...)
	return f
}

func (f *fixture) runtime(t *testing.T, id string) *pluginpkg.Runtime {
	t.Helper()
	rt, ok := f.registry.Get(id)
	require.True(t, ok, "plugin %s not registered", id)
	return rt
}

type recordingObserver struct {
	ops      atomic.Int32
	failures atomic.Int32
	messages atomic.Int32
	states   atomic.Value
}

func (o *recordingObserver) LifecycleOperation(_ string, err error) {
	o.ops.Add(1)
	if err != nil {
		o.failures.Add(1)
	}
}

func (o *recordingObserver) MessageProcessed(string, bool) { o.messages.Add(1) }

func (o *recordingObserver) PluginStates(counts map[pluginpkg.State]int) { o.states.Store(counts) }
