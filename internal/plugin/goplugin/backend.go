// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package goplugin provides the backend for binary plugins using HashiCorp's
// go-plugin system over gRPC.
package goplugin

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	hashiplug "github.com/hashicorp/go-plugin"
	"github.com/samber/oops"

	plugins "github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/pkg/errutil"
	pluginpkg "github.com/holomush/plughost/pkg/plugin"
	"github.com/holomush/plughost/pkg/pluginsdk"
)

// DefaultCallTimeout bounds every call into a plugin process.
const DefaultCallTimeout = 5 * time.Second

// Sentinel errors for programmatic error checking.
var (
	// ErrBackendClosed is returned when operations are attempted on a closed backend.
	ErrBackendClosed = errors.New("backend is closed")
	// ErrPluginNotLoaded is returned when operating on a plugin that isn't loaded.
	ErrPluginNotLoaded = errors.New("plugin not loaded")
	// ErrPluginAlreadyLoaded is returned when loading a plugin that's already loaded.
	ErrPluginAlreadyLoaded = errors.New("plugin already loaded")
)

// Compile-time interface checks.
var (
	_ plugins.Backend = (*Backend)(nil)
	_ plugins.Stager  = (*Backend)(nil)
)

// PluginClient wraps go-plugin client for testability.
type PluginClient interface {
	// Client returns the gRPC client protocol.
	Client() (hashiplug.ClientProtocol, error)
	// Kill terminates the plugin process.
	Kill()
}

// ClientFactory creates plugin clients.
type ClientFactory interface {
	// NewClient creates a client for the given executable path.
	NewClient(execPath string) PluginClient
}

// DefaultClientFactory creates real go-plugin clients.
type DefaultClientFactory struct{}

// NewClient creates a real go-plugin client.
func (f *DefaultClientFactory) NewClient(execPath string) PluginClient {
	return hashiplug.NewClient(&hashiplug.ClientConfig{
		HandshakeConfig:  HandshakeConfig,
		Plugins:          PluginMap,
		Cmd:              exec.Command(execPath), // #nosec G204 -- execPath resolved from a validated manifest
		AllowedProtocols: []hashiplug.Protocol{hashiplug.ProtocolGRPC},
	})
}

// Backend manages binary plugins via HashiCorp go-plugin.
type Backend struct {
	clientFactory ClientFactory
	timeout       time.Duration

	mu      sync.RWMutex
	plugins map[string]PluginClient
	closed  bool
}

// Option configures a Backend.
type Option func(*Backend)

// WithClientFactory replaces the go-plugin client factory, for tests.
func WithClientFactory(f ClientFactory) Option {
	return func(b *Backend) {
		if f != nil {
			b.clientFactory = f
		}
	}
}

// WithCallTimeout bounds each call into a plugin process.
func WithCallTimeout(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// NewBackend creates a binary plugin backend.
func NewBackend(opts ...Option) *Backend {
	b := &Backend{
		clientFactory: &DefaultClientFactory{},
		timeout:       DefaultCallTimeout,
		plugins:       make(map[string]PluginClient),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Type implements plugins.Backend.
func (b *Backend) Type() plugins.Type { return plugins.TypeBinary }

// Load starts the plugin process, dispenses its client and asks it to
// describe itself. The process is killed if any step fails.
func (b *Backend) Load(ctx context.Context, c *plugins.Candidate) (pluginpkg.Hooks, error) {
	m := c.Manifest
	fail := oops.Code(errutil.CodeLoadFailed).In("goplugin").With("plugin", m.ID)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fail.Wrap(ErrBackendClosed)
	}
	if _, ok := b.plugins[m.ID]; ok {
		return nil, fail.Wrap(ErrPluginAlreadyLoaded)
	}

	client, hooks, err := b.start(ctx, c)
	if err != nil {
		return nil, err
	}
	b.plugins[m.ID] = client
	return hooks, nil
}

// Stage implements plugins.Stager. A second process is started for the
// new executable; Commit kills the process it replaces.
func (b *Backend) Stage(ctx context.Context, c *plugins.Candidate) (*plugins.Staged, error) {
	id := c.Manifest.ID
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, oops.Code(errutil.CodeLoadFailed).In("goplugin").With("plugin", id).Wrap(ErrBackendClosed)
	}

	client, hooks, err := b.start(ctx, c)
	if err != nil {
		return nil, err
	}
	return &plugins.Staged{
		Hooks: hooks,
		Commit: func() {
			b.mu.Lock()
			if b.closed {
				b.mu.Unlock()
				client.Kill()
				return
			}
			old := b.plugins[id]
			b.plugins[id] = client
			b.mu.Unlock()
			if old != nil {
				old.Kill()
			}
		},
		Discard: client.Kill,
	}, nil
}

func (b *Backend) start(ctx context.Context, c *plugins.Candidate) (PluginClient, pluginpkg.Hooks, error) {
	m := c.Manifest
	fail := oops.Code(errutil.CodeLoadFailed).In("goplugin").With("plugin", m.ID)

	execPath := c.EntryPath()
	if _, err := os.Stat(execPath); err != nil {
		return nil, nil, fail.With("path", execPath).Hint("plugin executable not found").Wrap(err)
	}

	client := b.clientFactory.NewClient(execPath)

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, nil, fail.Hint("failed to connect to plugin").Wrap(err)
	}

	raw, err := rpcClient.Dispense(pluginsdk.PluginName)
	if err != nil {
		client.Kill()
		return nil, nil, fail.Hint("failed to dispense plugin").Wrap(err)
	}

	remote, ok := raw.(Remote)
	if !ok {
		client.Kill()
		return nil, nil, fail.Errorf("plugin %s dispensed %T, not a plugin client", m.ID, raw)
	}

	descCtx, cancel := context.WithTimeout(ctx, b.timeout)
	desc, err := remote.Describe(descCtx)
	cancel()
	if err != nil {
		client.Kill()
		return nil, nil, fail.Hint("describe failed").Wrap(err)
	}

	hooks, err := newRemoteHooks(remote, desc, b.timeout)
	if err != nil {
		client.Kill()
		return nil, nil, fail.Wrap(err)
	}
	return client, hooks, nil
}

// Unload kills the plugin process.
func (b *Backend) Unload(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return oops.In("goplugin").With("plugin", id).Wrap(ErrBackendClosed)
	}
	client, ok := b.plugins[id]
	if !ok {
		return oops.Code(errutil.CodePluginNotFound).In("goplugin").With("plugin", id).Wrap(ErrPluginNotLoaded)
	}
	client.Kill()
	delete(b.plugins, id)
	return nil
}

// Loaded returns the sorted ids of running plugins.
func (b *Backend) Loaded() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}
	ids := make([]string, 0, len(b.plugins))
	for id := range b.plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close kills every plugin process.
func (b *Backend) Close(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, client := range b.plugins {
		client.Kill()
	}
	b.closed = true
	clear(b.plugins)
	return nil
}
