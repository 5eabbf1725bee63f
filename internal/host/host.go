// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package host composes the plugin host: settings storage, the security
// manager, plugin backends, the lifecycle manager, the marketplace client
// and the installer.
package host

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/samber/oops"

	"github.com/holomush/plughost/internal/config"
	"github.com/holomush/plughost/internal/installer"
	"github.com/holomush/plughost/internal/kvstore"
	"github.com/holomush/plughost/internal/marketplace"
	"github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/internal/plugin/goplugin"
	"github.com/holomush/plughost/internal/plugin/hostfunc"
	pluginlua "github.com/holomush/plughost/internal/plugin/lua"
	"github.com/holomush/plughost/internal/plugin/native"
	"github.com/holomush/plughost/internal/plugin/security"
	"github.com/holomush/plughost/internal/plugin/settings"
	"github.com/holomush/plughost/pkg/errutil"
)

// Observer receives lifecycle, registry and download outcomes.
// observability.Metrics implements it.
type Observer interface {
	plugin.Observer
	marketplace.Observer
}

type options struct {
	logger        *slog.Logger
	observer      Observer
	httpClient    *http.Client
	runner        installer.CommandRunner
	hostRunner    hostfunc.CommandRunner
	backends      []plugin.Backend
	marketOptions []marketplace.Option
}

// Option configures a Host.
type Option func(*options)

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithObserver reports lifecycle, registry and download outcomes to obs.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithHTTPClient sets the client used by the marketplace and host.http_get.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithDependencyRunner replaces how luarocks is invoked.
func WithDependencyRunner(r installer.CommandRunner) Option {
	return func(o *options) { o.runner = r }
}

// WithHostCommandRunner replaces how host.exec runs commands.
func WithHostCommandRunner(r hostfunc.CommandRunner) Option {
	return func(o *options) { o.hostRunner = r }
}

// WithBackends replaces the default plugin backends.
func WithBackends(backends ...plugin.Backend) Option {
	return func(o *options) { o.backends = backends }
}

// WithMarketplaceOptions passes extra options to the marketplace client.
func WithMarketplaceOptions(opts ...marketplace.Option) Option {
	return func(o *options) { o.marketOptions = append(o.marketOptions, opts...) }
}

// Host is the plugin host context object. It owns every component and is
// the only place they are wired together.
type Host struct {
	cfg    *config.Config
	logger *slog.Logger

	kv        kvstore.Store
	settings  *settings.Store
	security  *security.Manager
	manager   *plugin.Manager
	market    *marketplace.Client
	installer *installer.Installer

	ready atomic.Bool
}

// New builds a Host from cfg. Nothing is loaded until LoadAll.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Host, error) {
	if cfg == nil {
		return nil, oops.Code(errutil.CodeInvalidArgument).In("host").Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	logger := o.logger

	kv, err := kvstore.Open(ctx, cfg.KV)
	if err != nil {
		return nil, err
	}
	h := &Host{cfg: cfg, logger: logger, kv: kv}
	fail := func(err error) (*Host, error) {
		if closeErr := kv.Close(); closeErr != nil {
			errutil.LogWarn(logger, "failed to close kv store", closeErr)
		}
		return nil, err
	}

	h.settings = settings.New(kv, settings.WithLogger(logger))
	if err := h.settings.Load(ctx); err != nil {
		return fail(err)
	}

	secOpts := []security.Option{security.WithLogger(logger)}
	for _, raw := range cfg.Security.TrustedKeys {
		id, key, err := security.ParseTrustedKey(raw)
		if err != nil {
			return fail(err)
		}
		secOpts = append(secOpts, security.WithTrustedKey(id, key))
	}
	h.security, err = security.NewManager(secOpts...)
	if err != nil {
		return fail(err)
	}
	if cfg.Security.PoliciesFile != "" {
		if err := h.security.LoadPolicies(cfg.Security.PoliciesFile); err != nil {
			return fail(err)
		}
	}

	mode, err := installer.ParseMode(cfg.Installer.Mode)
	if err != nil {
		return fail(err)
	}
	instOpts := []installer.Option{
		installer.WithHostVersion(cfg.Host.Version),
		installer.WithMode(mode),
		installer.WithDepsDir(cfg.Plugins.DepsDir),
		installer.WithLogger(logger),
	}
	if cfg.Installer.LuaRocks != "" {
		instOpts = append(instOpts, installer.WithLuaRocks(cfg.Installer.LuaRocks))
	}
	if o.runner != nil {
		instOpts = append(instOpts, installer.WithRunner(o.runner))
	}
	h.installer = installer.New(instOpts...)

	backends := o.backends
	if backends == nil {
		backends = h.defaultBackends(o)
	}
	loader := plugin.NewLoader(cfg.Plugins.Dirs, backends...)

	mgrOpts := []plugin.ManagerOption{plugin.WithLogger(logger)}
	if o.observer != nil {
		mgrOpts = append(mgrOpts, plugin.WithObserver(o.observer))
	}
	h.manager = plugin.NewManager(plugin.NewRegistry(), loader, h.security, h.settings, mgrOpts...)

	sources := cfg.Marketplace.Sources
	if len(sources) == 0 {
		sources = marketplace.DefaultSources(cfg.Marketplace.CacheDir)
	}
	marketOpts := []marketplace.Option{
		marketplace.WithSources(sources...),
		marketplace.WithCacheTTL(cfg.Marketplace.CacheTTL),
		marketplace.WithDownloadTimeout(cfg.Marketplace.DownloadTimeout),
		marketplace.WithLogger(logger),
	}
	if o.httpClient != nil {
		marketOpts = append(marketOpts, marketplace.WithHTTPClient(o.httpClient))
	}
	if o.observer != nil {
		marketOpts = append(marketOpts, marketplace.WithObserver(o.observer))
	}
	h.market, err = marketplace.NewClient(cfg.Marketplace.CacheDir, append(marketOpts, o.marketOptions...)...)
	if err != nil {
		return fail(err)
	}

	logger.Debug("plugin host constructed",
		"plugin_dirs", cfg.Plugins.Dirs,
		"kv_driver", cfg.KV.Driver,
		"installer_mode", string(h.installer.Mode()))
	return h, nil
}

func (h *Host) defaultBackends(o options) []plugin.Backend {
	hfOpts := []hostfunc.Option{
		hostfunc.WithKVStore(h.kv),
		hostfunc.WithConfigSource(h.settings),
		hostfunc.WithLogger(h.logger),
	}
	if o.httpClient != nil {
		hfOpts = append(hfOpts, hostfunc.WithHTTPClient(o.httpClient))
	}
	if o.hostRunner != nil {
		hfOpts = append(hfOpts, hostfunc.WithCommandRunner(o.hostRunner))
	}
	funcs := hostfunc.New(h.security, hfOpts...)

	return []plugin.Backend{
		pluginlua.NewBackend(
			pluginlua.WithHostFunctions(funcs),
			pluginlua.WithDepsDir(h.installer.DepsDir()),
		),
		goplugin.NewBackend(),
		native.NewBackend(),
		plugin.BuiltinBackend{},
	}
}

// Config returns the configuration the host was built from.
func (h *Host) Config() *config.Config { return h.cfg }

// Manager returns the lifecycle manager.
func (h *Host) Manager() *plugin.Manager { return h.manager }

// Marketplace returns the marketplace client.
func (h *Host) Marketplace() *marketplace.Client { return h.market }

// Installer returns the installer.
func (h *Host) Installer() *installer.Installer { return h.installer }

// Security returns the security manager.
func (h *Host) Security() *security.Manager { return h.security }

// Settings returns the plugin configuration store.
func (h *Host) Settings() *settings.Store { return h.settings }

// PluginsDir is the directory marketplace installs are unpacked into.
func (h *Host) PluginsDir() string { return h.cfg.Plugins.Dirs[0] }

// LoadAll installs every plugin found in the plugin directories and
// re-enables those persisted as enabled. The host is ready afterwards even
// when individual plugins failed.
func (h *Host) LoadAll(ctx context.Context) (map[string]error, error) {
	failures, err := h.manager.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	h.ready.Store(true)
	h.logger.Info("plugins loaded", "installed", h.manager.Registry().Len(), "failed", len(failures))
	return failures, nil
}

// Ready reports whether LoadAll has completed.
func (h *Host) Ready() bool { return h.ready.Load() }

// Close shuts every plugin down and releases the settings store.
func (h *Host) Close(ctx context.Context) error {
	h.ready.Store(false)
	var errs []error
	if err := h.manager.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := h.kv.Close(); err != nil {
		errs = append(errs, oops.Code(errutil.CodeStorageFailed).In("host").Wrap(err))
	}
	return errors.Join(errs...)
}
