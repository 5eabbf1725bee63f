// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/holomush/plughost/pkg/errutil"
	pluginpkg "github.com/holomush/plughost/pkg/plugin"
)

// DefaultHealthTimeout bounds a single plugin's health check.
const DefaultHealthTimeout = 5 * time.Second

// Lifecycle operation names reported to the Observer.
const (
	OpInstall   = "install"
	OpUninstall = "uninstall"
	OpEnable    = "enable"
	OpDisable   = "disable"
	OpReload    = "reload"
)

// SettingsStore persists per-plugin configuration and the enabled flag.
// settings.Store implements it.
type SettingsStore interface {
	Save(ctx context.Context, pluginID string, cfg, schema map[string]any) error
	Config(pluginID string) (map[string]any, bool)
	Enable(ctx context.Context, pluginID string) error
	Disable(ctx context.Context, pluginID string) error
	IsEnabled(pluginID string) bool
	Delete(ctx context.Context, pluginID string) error
	EnabledIDs() []string
}

// Observer receives lifecycle and message outcomes, typically for metrics.
type Observer interface {
	LifecycleOperation(op string, err error)
	MessageProcessed(pluginID string, success bool)
	PluginStates(counts map[pluginpkg.State]int)
}

type nopObserver struct{}

func (nopObserver) LifecycleOperation(string, error)    {}
func (nopObserver) MessageProcessed(string, bool)       {}
func (nopObserver) PluginStates(map[pluginpkg.State]int) {}

// Status is a point-in-time view of one installed plugin.
type Status struct {
	Info         pluginpkg.Info         `json:"info"`
	Type         Type                   `json:"runtime"`
	Dir          string                 `json:"dir"`
	State        pluginpkg.State        `json:"state"`
	Enabled      bool                   `json:"enabled"`
	Capabilities []pluginpkg.Capability `json:"capabilities"`
	Metrics      pluginpkg.Metrics      `json:"metrics"`
}

// Manager is the lifecycle orchestrator. It composes the loader, registry,
// security guard and settings store into install, uninstall, enable,
// disable and health-check operations. Operations on the same plugin id
// are serialized.
type Manager struct {
	registry *Registry
	loader   *Loader
	guard    Guard
	settings SettingsStore

	logger        *slog.Logger
	observer      Observer
	healthTimeout time.Duration

	locks *keyedMutex

	mu   sync.RWMutex
	dirs map[string]string
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithObserver reports lifecycle and message outcomes to o.
func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithHealthTimeout bounds each plugin's health check.
func WithHealthTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.healthTimeout = d
		}
	}
}

// NewManager creates a plugin manager.
// Panics if any collaborator is nil.
func NewManager(registry *Registry, loader *Loader, guard Guard, settings SettingsStore, opts ...ManagerOption) *Manager {
	if registry == nil || loader == nil || guard == nil || settings == nil {
		panic("plugin: NewManager requires registry, loader, guard and settings")
	}
	m := &Manager{
		registry:      registry,
		loader:        loader,
		guard:         guard,
		settings:      settings,
		logger:        slog.Default(),
		observer:      nopObserver{},
		healthTimeout: DefaultHealthTimeout,
		locks:         newKeyedMutex(),
		dirs:          make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry returns the registry the manager maintains.
func (m *Manager) Registry() *Registry { return m.registry }

// Dir returns the directory an installed plugin was loaded from.
func (m *Manager) Dir(id string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dir, ok := m.dirs[id]
	return dir, ok
}

func notFound(id string) error {
	return oops.Code(errutil.CodePluginNotFound).
		In("manager").
		With("plugin", id).
		Errorf("plugin %s is not installed", id)
}

func (m *Manager) runtime(id string) (*pluginpkg.Runtime, error) {
	rt, ok := m.registry.Get(id)
	if !ok {
		return nil, notFound(id)
	}
	return rt, nil
}

// Install validates, loads and registers the plugin in dir. The manifest
// and security checks run before anything is mutated. The settings record
// is created disabled; when cfg is non-nil it is stored and the plugin is
// initialized with it.
func (m *Manager) Install(ctx context.Context, dir string, cfg map[string]any) (report *InstallReport, err error) {
	defer func() { m.finish(OpInstall, err) }()

	c, err := m.loader.Candidate(dir)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(c.Manifest.ID)
	defer unlock()
	return m.installLocked(ctx, c, cfg)
}

// Preflight runs every check Install performs before mutating anything:
// manifest validation, the block-list, the duplicate id and the signature.
// Callers that prepare a plugin directory (dependencies, unpacking) run it
// first.
func (m *Manager) Preflight(dir string) (*Manifest, error) {
	c, err := m.loader.Candidate(dir)
	if err != nil {
		return nil, err
	}
	if err := m.preflight(c); err != nil {
		return nil, err
	}
	if _, exists := m.registry.Get(c.Manifest.ID); exists {
		return nil, pluginExists(c.Manifest.ID)
	}
	return c.Manifest, nil
}

// PreflightReload runs the checks Reload performs on new code for the
// installed plugin id found in dir, before anything is replaced.
func (m *Manager) PreflightReload(id, dir string) (*Manifest, error) {
	c, err := m.loader.Candidate(dir)
	if err != nil {
		return nil, err
	}
	if err := m.checkReplacement(id, c); err != nil {
		return nil, err
	}
	return c.Manifest, nil
}

func (m *Manager) checkReplacement(id string, c *Candidate) error {
	if c.Manifest.ID != id {
		return oops.Code(errutil.CodeManifestInvalid).
			In("manager").
			With("plugin", id).
			With("manifest_id", c.Manifest.ID).
			Errorf("manifest in %s declares a different plugin id", c.Dir)
	}
	return m.preflight(c)
}

func pluginExists(id string) error {
	return oops.Code(errutil.CodePluginExists).
		In("manager").
		With("plugin", id).
		Errorf("plugin %s is already installed", id)
}

// preflight holds the checks shared by install and reload.
func (m *Manager) preflight(c *Candidate) error {
	id := c.Manifest.ID
	if err := m.guard.ValidateManifest(c.Manifest); err != nil {
		return err
	}
	if m.guard.IsBlocked(id) {
		return oops.Code(errutil.CodeSecurityViolation).
			In("manager").
			With("plugin", id).
			Errorf("plugin %s is blocked", id)
	}
	return m.guard.VerifySignature(id, c.Dir)
}

// inspect scans and hashes the candidate. Both are advisory; a scan that
// cannot complete marks the report unsafe.
func (m *Manager) inspect(c *Candidate) *InstallReport {
	mf := c.Manifest
	id := mf.ID
	report := &InstallReport{PluginID: id, Version: mf.Version, Type: mf.Runtime, Safe: true}
	if scan, err := m.guard.ScanCode(c.Dir); err != nil {
		errutil.LogWarn(m.logger, "code scan failed", err, "plugin", id)
		report.Safe = false
		report.Warnings = append(report.Warnings, "code scan incomplete: "+errutil.Message(err))
	} else {
		report.Safe = scan.Safe
		report.Warnings = scan.Warnings
		if !scan.Safe {
			m.logger.Warn("plugin uses dynamic code execution",
				"plugin", id,
				"warnings", len(scan.Warnings))
		}
	}
	if hash, err := m.guard.CalculateHash(c.Dir); err != nil {
		errutil.LogWarn(m.logger, "hash calculation failed", err, "plugin", id)
	} else {
		report.Hash = hash
	}
	return report
}

func (m *Manager) installLocked(ctx context.Context, c *Candidate, cfg map[string]any) (*InstallReport, error) {
	mf := c.Manifest
	id := mf.ID

	if err := m.preflight(c); err != nil {
		return nil, err
	}
	if _, exists := m.registry.Get(id); exists {
		return nil, pluginExists(id)
	}
	report := m.inspect(c)

	rt, err := m.loader.Load(ctx, c)
	if err != nil {
		return nil, err
	}
	if err := m.registry.Register(rt, mf.Runtime); err != nil {
		m.unload(ctx, mf.Runtime, id)
		return nil, err
	}
	rollback := func() {
		m.registry.Unregister(id)
		m.unload(ctx, mf.Runtime, id)
		m.guard.ReleasePolicy(id)
	}

	if err := m.guard.EnsurePolicy(id); err != nil {
		rollback()
		return nil, err
	}

	stored := cfg
	if stored == nil {
		stored, _ = m.settings.Config(id)
	}
	if err := m.settings.Save(ctx, id, stored, rt.ConfigSchema().ToJSONSchema()); err != nil {
		rollback()
		return nil, err
	}

	m.mu.Lock()
	m.dirs[id] = c.Dir
	m.mu.Unlock()

	m.logger.Info("plugin installed",
		"plugin", id,
		"version", mf.Version,
		"runtime", string(mf.Runtime))

	if cfg != nil {
		if err := rt.Initialize(ctx, cfg); err != nil {
			errutil.LogError(m.logger, "plugin initialize failed", err, "plugin", id)
			return report, err
		}
	}
	return report, nil
}

func (m *Manager) unload(ctx context.Context, t Type, id string) {
	if err := m.loader.Unload(ctx, t, id); err != nil && !errutil.HasCode(err, errutil.CodePluginNotFound) {
		errutil.LogWarn(m.logger, "backend unload failed", err, "plugin", id)
	}
}

// Uninstall cleans the plugin up, removes it from the registry, releases
// its backend resources and deletes its settings. A default policy bound
// at install is released; a policy set by the operator stays. Cleanup
// failures are logged and do not stop the uninstall.
func (m *Manager) Uninstall(ctx context.Context, id string) (err error) {
	defer func() { m.finish(OpUninstall, err) }()

	unlock := m.locks.Lock(id)
	defer unlock()

	if err := m.removeLocked(ctx, id); err != nil {
		return err
	}
	if err := m.settings.Delete(ctx, id); err != nil {
		return err
	}
	m.guard.ReleasePolicy(id)
	m.logger.Info("plugin uninstalled", "plugin", id)
	return nil
}

// removeLocked tears a plugin down without touching persisted state.
func (m *Manager) removeLocked(ctx context.Context, id string) error {
	rt, err := m.runtime(id)
	if err != nil {
		return err
	}
	if err := rt.Cleanup(ctx); err != nil {
		errutil.LogError(m.logger, "plugin cleanup failed", err, "plugin", id)
	}
	typ, _ := m.registry.TypeOf(id)
	m.registry.Unregister(id)
	m.unload(ctx, typ, id)

	m.mu.Lock()
	delete(m.dirs, id)
	m.mu.Unlock()
	return nil
}

// Reload replaces a running plugin with the code now in its directory,
// keeping its settings. The new code is checked and loaded next to the
// running instance; the running instance is only replaced once that
// succeeded, so a failed reload leaves it untouched. A plugin that was
// enabled is enabled again.
func (m *Manager) Reload(ctx context.Context, id string) (report *InstallReport, err error) {
	defer func() { m.finish(OpReload, err) }()

	unlock := m.locks.Lock(id)
	defer unlock()

	old, err := m.runtime(id)
	if err != nil {
		return nil, err
	}
	oldType, _ := m.registry.TypeOf(id)
	dir, _ := m.Dir(id)
	c, err := m.loader.Candidate(dir)
	if err != nil {
		return nil, err
	}
	if err := m.checkReplacement(id, c); err != nil {
		return nil, err
	}
	report = m.inspect(c)

	rt, staged, err := m.loader.Stage(ctx, c)
	if err != nil {
		return nil, err
	}
	stored, _ := m.settings.Config(id)
	if err := m.settings.Save(ctx, id, stored, rt.ConfigSchema().ToJSONSchema()); err != nil {
		staged.Discard()
		return nil, err
	}

	if err := old.Cleanup(ctx); err != nil {
		errutil.LogError(m.logger, "plugin cleanup failed", err, "plugin", id)
	}
	staged.Commit()
	if oldType != c.Manifest.Runtime {
		m.unload(ctx, oldType, id)
	}
	m.registry.Replace(rt, c.Manifest.Runtime)

	m.logger.Info("plugin reloaded",
		"plugin", id,
		"from", old.Info().Version,
		"to", c.Manifest.Version)

	if m.settings.IsEnabled(id) {
		if err := m.enableLocked(ctx, id, nil); err != nil {
			return report, err
		}
	}
	return report, nil
}

// Enable initializes the plugin with cfg, or with its stored configuration
// when cfg is nil, activates it and persists the configuration and enabled
// flag. On failure the plugin is left inactive.
func (m *Manager) Enable(ctx context.Context, id string, cfg map[string]any) (err error) {
	defer func() { m.finish(OpEnable, err) }()

	unlock := m.locks.Lock(id)
	defer unlock()
	return m.enableLocked(ctx, id, cfg)
}

func (m *Manager) enableLocked(ctx context.Context, id string, cfg map[string]any) error {
	rt, err := m.runtime(id)
	if err != nil {
		return err
	}
	if m.guard.IsBlocked(id) {
		return oops.Code(errutil.CodeSecurityViolation).
			In("manager").
			With("plugin", id).
			Errorf("plugin %s is blocked", id)
	}
	if rt.State() == pluginpkg.StateDisabled {
		return oops.Code(errutil.CodeInvalidStateChange).
			In("manager").
			With("plugin", id).
			Errorf("plugin %s is disabled by policy", id)
	}
	if cfg == nil {
		stored, ok := m.settings.Config(id)
		if !ok || stored == nil {
			return oops.Code(errutil.CodeConfigInvalid).
				In("manager").
				With("plugin", id).
				Errorf("no configuration supplied and none stored for plugin %s", id)
		}
		cfg = stored
	}

	if err := rt.Deactivate(ctx); err != nil {
		return err
	}
	if err := rt.Initialize(ctx, cfg); err != nil {
		return err
	}
	if err := rt.Activate(ctx); err != nil {
		return err
	}

	if err := m.persistEnabled(ctx, rt); err != nil {
		if derr := rt.Deactivate(ctx); derr != nil {
			errutil.LogError(m.logger, "deactivate after failed persist", derr, "plugin", id)
		}
		return err
	}
	m.logger.Info("plugin enabled", "plugin", id)
	return nil
}

func (m *Manager) persistEnabled(ctx context.Context, rt *pluginpkg.Runtime) error {
	if err := m.settings.Save(ctx, rt.ID(), rt.Config(), rt.ConfigSchema().ToJSONSchema()); err != nil {
		return err
	}
	return m.settings.Enable(ctx, rt.ID())
}

// Disable deactivates the plugin and clears its persisted enabled flag.
// The plugin stays installed.
func (m *Manager) Disable(ctx context.Context, id string) (err error) {
	defer func() { m.finish(OpDisable, err) }()

	unlock := m.locks.Lock(id)
	defer unlock()

	rt, err := m.runtime(id)
	if err != nil {
		return err
	}
	if err := rt.Deactivate(ctx); err != nil {
		return err
	}
	if err := m.settings.Disable(ctx, id); err != nil {
		return err
	}
	m.logger.Info("plugin disabled", "plugin", id)
	return nil
}

// UpdateConfig applies and persists a new configuration for a plugin.
func (m *Manager) UpdateConfig(ctx context.Context, id string, cfg map[string]any) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	rt, err := m.runtime(id)
	if err != nil {
		return err
	}
	if err := rt.UpdateConfig(ctx, cfg); err != nil {
		return err
	}
	return m.settings.Save(ctx, id, rt.Config(), rt.ConfigSchema().ToJSONSchema())
}

// SetDisabled deactivates the plugin and moves it into the Disabled
// policy state, where Enable is refused until ClearDisabled.
func (m *Manager) SetDisabled(ctx context.Context, id string) error {
	unlock := m.locks.Lock(id)
	defer unlock()
	return m.setDisabledLocked(ctx, id)
}

func (m *Manager) setDisabledLocked(ctx context.Context, id string) error {
	rt, err := m.runtime(id)
	if err != nil {
		return err
	}
	if err := rt.Deactivate(ctx); err != nil {
		return err
	}
	if err := rt.SetDisabled(true); err != nil {
		return err
	}
	return m.settings.Disable(ctx, id)
}

// ClearDisabled returns a Disabled plugin to Unloaded so it can be enabled.
func (m *Manager) ClearDisabled(_ context.Context, id string) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	rt, err := m.runtime(id)
	if err != nil {
		return err
	}
	return rt.SetDisabled(false)
}

// Block adds the plugin to the security block-list and, when installed,
// moves it into the Disabled state.
func (m *Manager) Block(ctx context.Context, id string) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	m.guard.Block(id)
	if _, ok := m.registry.Get(id); !ok {
		return nil
	}
	return m.setDisabledLocked(ctx, id)
}

// Unblock removes the plugin from the block-list and clears Disabled.
func (m *Manager) Unblock(_ context.Context, id string) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	m.guard.Unblock(id)
	rt, ok := m.registry.Get(id)
	if !ok {
		return nil
	}
	return rt.SetDisabled(false)
}

// HealthCheckAll checks every registered plugin concurrently. Each check
// is bounded by the health timeout; a failure, panic or timeout is
// reported for that plugin only.
func (m *Manager) HealthCheckAll(ctx context.Context) map[string]pluginpkg.HealthStatus {
	runtimes := m.registry.List()
	results := make(map[string]pluginpkg.HealthStatus, len(runtimes))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, rt := range runtimes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := m.checkOne(ctx, rt)
			mu.Lock()
			results[rt.ID()] = status
			mu.Unlock()
		}()
	}
	wg.Wait()

	counts := make(map[pluginpkg.State]int)
	for _, status := range results {
		counts[status.State]++
	}
	m.observer.PluginStates(counts)
	return results
}

func (m *Manager) checkOne(ctx context.Context, rt *pluginpkg.Runtime) pluginpkg.HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, m.healthTimeout)
	defer cancel()

	done := make(chan pluginpkg.HealthStatus, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- pluginpkg.HealthStatus{
					State:     rt.State(),
					Message:   fmt.Sprintf("health check panicked: %v", r),
					CheckedAt: time.Now(),
				}
			}
		}()
		done <- rt.HealthCheck(ctx)
	}()

	select {
	case status := <-done:
		if !status.Healthy {
			m.logger.Warn("plugin unhealthy", "plugin", rt.ID(), "message", status.Message)
		}
		return status
	case <-ctx.Done():
		m.logger.Warn("plugin health check timed out", "plugin", rt.ID())
		return pluginpkg.HealthStatus{
			State:     rt.State(),
			Message:   "health check timed out: " + ctx.Err().Error(),
			CheckedAt: time.Now(),
		}
	}
}

// Dispatch offers msg to every active service plugin whose CanProcess
// accepts it, in plugin id order, and returns each plugin's result.
func (m *Manager) Dispatch(ctx context.Context, msg *pluginpkg.MessageContext) map[string]*pluginpkg.ProcessResult {
	results := make(map[string]*pluginpkg.ProcessResult)
	for _, rt := range m.registry.ServicePlatforms() {
		if !rt.CanProcess(ctx, msg) {
			continue
		}
		res := rt.ProcessMessage(ctx, msg)
		results[rt.ID()] = res
		m.observer.MessageProcessed(rt.ID(), res.Success)
	}
	return results
}

// LoadAll installs every discovered plugin and enables those whose
// settings are marked enabled. Failures are returned per plugin id and
// never abort the remaining plugins.
func (m *Manager) LoadAll(ctx context.Context) (map[string]error, error) {
	candidates, err := m.loader.Discover(ctx)
	if err != nil {
		return nil, err
	}

	failures := make(map[string]error)
	for _, c := range candidates {
		if _, exists := m.registry.Get(c.Manifest.ID); exists {
			continue
		}
		if _, err := m.Install(ctx, c.Dir, nil); err != nil {
			errutil.LogWarn(m.logger, "failed to install plugin", err, "plugin", c.Manifest.ID)
			failures[c.Manifest.ID] = err
		}
	}

	for _, id := range m.settings.EnabledIDs() {
		if _, ok := m.registry.Get(id); !ok {
			continue
		}
		if err := m.Enable(ctx, id, nil); err != nil {
			errutil.LogWarn(m.logger, "failed to enable plugin", err, "plugin", id)
			failures[id] = err
		}
	}
	return failures, nil
}

// List returns the status of every installed plugin, sorted by id.
func (m *Manager) List() []Status {
	runtimes := m.registry.List()
	out := make([]Status, 0, len(runtimes))
	for _, rt := range runtimes {
		typ, _ := m.registry.TypeOf(rt.ID())
		dir, _ := m.Dir(rt.ID())
		out = append(out, Status{
			Info:         rt.Info(),
			Type:         typ,
			Dir:          dir,
			State:        rt.State(),
			Enabled:      m.settings.IsEnabled(rt.ID()),
			Capabilities: rt.Capabilities(),
			Metrics:      rt.Metrics(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Info.ID < out[j].Info.ID })
	return out
}

// Close cleans up every plugin and closes the backends. Persisted
// settings are kept so the next start restores the same plugins.
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	for _, id := range m.registry.IDs() {
		unlock := m.locks.Lock(id)
		if err := m.removeLocked(ctx, id); err != nil {
			errs = append(errs, err)
		}
		unlock()
	}
	if err := m.loader.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (m *Manager) finish(op string, err error) {
	m.observer.LifecycleOperation(op, err)
}
