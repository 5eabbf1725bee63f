// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/holomush/plughost/pkg/errutil"
)

// Compile-time interface checks.
var (
	_ ServicePlatform = (*Runtime)(nil)
	_ MessageHooks    = (*Runtime)(nil)
	_ Configurable    = (*Runtime)(nil)
	_ HealthReporter  = (*Runtime)(nil)
)

// Runtime wraps a plugin's Hooks with the shared lifecycle state machine and
// invocation accounting. It is the only plugin type the host holds.
//
// Lifecycle operations are serialized by opMu; state and metrics are guarded
// by mu, which is never held while plugin code runs.
type Runtime struct {
	info   Info
	hooks  Hooks
	schema ConfigSchema
	now    func() time.Time

	opMu sync.Mutex

	mu      sync.RWMutex
	state   State
	config  map[string]any
	metrics Metrics
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithSchema sets the configuration schema declared by the manifest. A
// schema supplied by the hooks through SchemaProvider takes precedence.
func WithSchema(schema ConfigSchema) RuntimeOption {
	return func(r *Runtime) {
		r.schema = schema
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) RuntimeOption {
	return func(r *Runtime) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRuntime creates a Runtime in the Unloaded state.
// Panics if hooks is nil.
func NewRuntime(info Info, hooks Hooks, opts ...RuntimeOption) *Runtime {
	if hooks == nil {
		panic("plugin: hooks cannot be nil")
	}
	r := &Runtime{
		info:  info.Clone(),
		hooks: hooks,
		now:   time.Now,
		state: StateUnloaded,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ID returns the plugin id.
func (r *Runtime) ID() string { return r.info.ID }

// Info returns a copy of the plugin's identity record.
func (r *Runtime) Info() Info { return r.info.Clone() }

// Hooks returns the wrapped plugin hooks.
func (r *Runtime) Hooks() Hooks { return r.hooks }

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Capabilities lists the capability sets this plugin offers.
func (r *Runtime) Capabilities() []Capability {
	if rep, ok := r.hooks.(CapabilityReporter); ok {
		caps := rep.Capabilities()
		if !slices.Contains(caps, CapabilityLifecycle) {
			caps = append([]Capability{CapabilityLifecycle}, caps...)
		}
		return caps
	}
	caps := []Capability{CapabilityLifecycle, CapabilityConfigurable, CapabilityHealth}
	if _, ok := r.hooks.(MessageHandler); ok {
		caps = append(caps, CapabilityService)
	}
	switch r.hooks.(type) {
	case Matcher, Preprocessor, Postprocessor:
		caps = append(caps, CapabilityMessageHooks)
	}
	return caps
}

// Implements reports whether the plugin offers the capability set.
func (r *Runtime) Implements(c Capability) bool {
	return slices.Contains(r.Capabilities(), c)
}

// Initialize validates cfg, resets call accounting and runs the plugin's
// initialize hook. Valid from Unloaded, Initialized, Inactive and Error.
func (r *Runtime) Initialize(ctx context.Context, cfg map[string]any) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if err := r.checkTransition("initialize", StateLoaded); err != nil {
		return err
	}

	merged := r.ConfigSchema().ApplyDefaults(cfg)
	if err := r.ValidateConfig(merged); err != nil {
		return oops.Code(errutil.CodeConfigInvalid).
			In("runtime").
			With("plugin", r.info.ID).
			Wrap(err)
	}

	r.mu.Lock()
	r.state = StateLoaded
	r.config = merged
	r.metrics.TotalCalls = 0
	r.metrics.SuccessfulCalls = 0
	r.metrics.FailedCalls = 0
	r.metrics.AvgResponseTime = 0
	r.metrics.LastCallAt = time.Time{}
	r.mu.Unlock()

	if err := r.runHook("initialize", func() error {
		return r.hooks.OnInitialize(ctx, maps.Clone(merged))
	}); err != nil {
		return err
	}

	r.mu.Lock()
	r.state = StateInitialized
	r.metrics.InitializedAt = r.now()
	r.mu.Unlock()
	return nil
}

// Activate runs the activate hook and moves to Active. Activating an
// already active plugin is a no-op.
func (r *Runtime) Activate(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if r.State() == StateActive {
		return nil
	}
	if err := r.checkTransition("activate", StateActive); err != nil {
		return err
	}
	if err := r.runHook("activate", func() error { return r.hooks.OnActivate(ctx) }); err != nil {
		return err
	}
	r.setState(StateActive)
	return nil
}

// Deactivate runs the deactivate hook and moves Active to Inactive. It is a
// no-op in any other state.
func (r *Runtime) Deactivate(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	return r.deactivateLocked(ctx)
}

func (r *Runtime) deactivateLocked(ctx context.Context) error {
	if r.State() != StateActive {
		return nil
	}
	if err := r.runHook("deactivate", func() error { return r.hooks.OnDeactivate(ctx) }); err != nil {
		return err
	}
	r.setState(StateInactive)
	return nil
}

// Cleanup deactivates the plugin if needed, runs the cleanup hook and
// returns to Unloaded.
func (r *Runtime) Cleanup(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if err := r.deactivateLocked(ctx); err != nil {
		return err
	}
	if r.State() == StateUnloaded {
		return nil
	}
	if err := r.checkTransition("cleanup", StateUnloaded); err != nil {
		return err
	}
	if err := r.runHook("cleanup", func() error { return r.hooks.OnCleanup(ctx) }); err != nil {
		return err
	}

	r.mu.Lock()
	r.state = StateUnloaded
	r.config = nil
	r.mu.Unlock()
	return nil
}

// SetDisabled moves the plugin into or out of the Disabled policy state.
// Disabling an active plugin is rejected; deactivate it first. Clearing
// the flag returns the plugin to Unloaded so it can be initialized again.
func (r *Runtime) SetDisabled(disabled bool) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case disabled && r.state == StateActive:
		return oops.Code(errutil.CodeInvalidStateChange).
			In("runtime").
			With("plugin", r.info.ID).
			Errorf("cannot disable an active plugin")
	case disabled:
		r.state = StateDisabled
	case r.state == StateDisabled:
		r.state = StateUnloaded
	}
	return nil
}

// ProcessMessage runs the message pipeline: reject unless active, reject
// unsupported message types, preprocess and handle, then postprocess.
// The caller's message is never mutated. Every call updates the metrics.
func (r *Runtime) ProcessMessage(ctx context.Context, msg *MessageContext) (result *ProcessResult) {
	start := r.now()
	defer func() {
		if rec := recover(); rec != nil {
			result = Failure(errutil.Recovered(errutil.CodeLifecycleFailed, rec))
		}
		r.record(start, result)
	}()

	if msg == nil {
		return Failure(fmt.Errorf("message is nil"))
	}
	if state := r.State(); state != StateActive {
		return Failure(fmt.Errorf("plugin %s is %s, not active", r.info.ID, state))
	}
	handler, ok := r.hooks.(MessageHandler)
	if !ok {
		return Failure(fmt.Errorf("plugin %s does not handle messages", r.info.ID))
	}
	if !slices.Contains(handler.SupportedMessageTypes(), msg.Type) {
		return Failure(fmt.Errorf("plugin %s does not support %s messages", r.info.ID, msg.Type))
	}

	work, err := r.PreprocessMessage(ctx, msg.Clone())
	if err != nil {
		return Failure(err)
	}
	res, err := handler.HandleMessage(ctx, work)
	if err != nil {
		return Failure(err)
	}
	if res == nil {
		res = NoReply()
	}
	res, err = r.PostprocessResult(ctx, work, res)
	if err != nil {
		return Failure(err)
	}
	res.Metadata = mergeMetadata(res.Metadata, map[string]any{"processed_by": r.info.ID})
	return res
}

// record updates the running metrics with one call's outcome.
func (r *Runtime) record(start time.Time, result *ProcessResult) {
	elapsed := r.now().Sub(start)

	r.mu.Lock()
	defer r.mu.Unlock()

	m := &r.metrics
	m.TotalCalls++
	n := time.Duration(m.TotalCalls) //nolint:gosec // call counts never approach int64 overflow
	m.AvgResponseTime = (m.AvgResponseTime*(n-1) + elapsed) / n
	m.LastCallAt = r.now()
	if result != nil && result.Success {
		m.SuccessfulCalls++
		return
	}
	m.FailedCalls++
	if result != nil && result.Error != "" {
		m.LastError = result.Error
	}
}

// TestConnection delegates to the plugin's ConnectionTester when present.
func (r *Runtime) TestConnection(ctx context.Context) error {
	tester, ok := r.hooks.(ConnectionTester)
	if !ok {
		return nil
	}
	return safeCall(func() error { return tester.TestConnection(ctx) })
}

// SupportedMessageTypes returns the message types the plugin handles.
func (r *Runtime) SupportedMessageTypes() []MessageType {
	if handler, ok := r.hooks.(MessageHandler); ok {
		return slices.Clone(handler.SupportedMessageTypes())
	}
	return nil
}

// PlatformType returns the plugin's platform label, or empty.
func (r *Runtime) PlatformType() string {
	if handler, ok := r.hooks.(MessageHandler); ok {
		return handler.PlatformType()
	}
	return ""
}

// CanProcess reports whether an active plugin would accept msg.
func (r *Runtime) CanProcess(ctx context.Context, msg *MessageContext) (ok bool) {
	if msg == nil || r.State() != StateActive {
		return false
	}
	if !slices.Contains(r.SupportedMessageTypes(), msg.Type) {
		return false
	}
	matcher, isMatcher := r.hooks.(Matcher)
	if !isMatcher {
		return true
	}
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	return matcher.CanProcess(ctx, msg.Clone())
}

// PreprocessMessage applies the plugin's Preprocessor, if any.
func (r *Runtime) PreprocessMessage(ctx context.Context, msg *MessageContext) (*MessageContext, error) {
	pre, ok := r.hooks.(Preprocessor)
	if !ok {
		return msg, nil
	}
	out, err := pre.Preprocess(ctx, msg)
	if err != nil {
		return nil, oops.In("runtime").With("plugin", r.info.ID).Wrapf(err, "preprocess")
	}
	if out == nil {
		return msg, nil
	}
	return out, nil
}

// PostprocessResult applies the plugin's Postprocessor, if any.
func (r *Runtime) PostprocessResult(ctx context.Context, msg *MessageContext, result *ProcessResult) (*ProcessResult, error) {
	post, ok := r.hooks.(Postprocessor)
	if !ok {
		return result, nil
	}
	out, err := post.Postprocess(ctx, msg, result)
	if err != nil {
		return nil, oops.In("runtime").With("plugin", r.info.ID).Wrapf(err, "postprocess")
	}
	if out == nil {
		return result, nil
	}
	return out, nil
}

// ConfigSchema returns the plugin's configuration schema.
func (r *Runtime) ConfigSchema() ConfigSchema {
	if provider, ok := r.hooks.(SchemaProvider); ok {
		if schema := provider.ConfigSchema(); schema != nil {
			return schema
		}
	}
	if r.schema == nil {
		return ConfigSchema{}
	}
	return r.schema
}

// ValidateConfig checks cfg against the schema and any plugin validator.
func (r *Runtime) ValidateConfig(cfg map[string]any) error {
	if err := r.ConfigSchema().Validate(cfg); err != nil {
		return err
	}
	if validator, ok := r.hooks.(ConfigValidator); ok {
		if err := safeCall(func() error { return validator.ValidateConfig(cfg) }); err != nil {
			return oops.Code(errutil.CodeConfigInvalid).With("plugin", r.info.ID).Wrap(err)
		}
	}
	return nil
}

// UpdateConfig validates and applies a new configuration to a loaded plugin.
func (r *Runtime) UpdateConfig(ctx context.Context, cfg map[string]any) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	merged := r.ConfigSchema().ApplyDefaults(cfg)
	if err := r.ValidateConfig(merged); err != nil {
		return err
	}
	if updater, ok := r.hooks.(ConfigUpdater); ok {
		if err := safeCall(func() error { return updater.OnConfigUpdate(ctx, maps.Clone(merged)) }); err != nil {
			return oops.Code(errutil.CodeConfigInvalid).With("plugin", r.info.ID).Wrap(err)
		}
	}
	r.mu.Lock()
	r.config = merged
	r.mu.Unlock()
	return nil
}

// Config returns a copy of the current configuration.
func (r *Runtime) Config() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.config)
}

// HealthCheck reports the plugin's health. A plugin in the Error state is
// unhealthy; an active plugin is additionally asked via HealthChecker.
func (r *Runtime) HealthCheck(ctx context.Context) HealthStatus {
	state := r.State()
	metrics := r.Metrics()
	status := HealthStatus{
		Healthy:   state != StateError,
		State:     state,
		Message:   state.String(),
		CheckedAt: r.now(),
		Details: map[string]any{
			"total_calls":  metrics.TotalCalls,
			"failed_calls": metrics.FailedCalls,
		},
	}
	if state == StateError {
		status.Message = metrics.LastError
		return status
	}
	if checker, ok := r.hooks.(HealthChecker); ok && state == StateActive {
		if err := safeCall(func() error { return checker.CheckHealth(ctx) }); err != nil {
			status.Healthy = false
			status.Message = err.Error()
		}
	}
	return status
}

// Metrics returns a snapshot of the invocation accounting.
func (r *Runtime) Metrics() Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metrics
}

// SelfDiagnose combines state, health and metrics into a list of issues.
func (r *Runtime) SelfDiagnose(ctx context.Context) Diagnosis {
	health := r.HealthCheck(ctx)
	metrics := r.Metrics()
	d := Diagnosis{
		PluginID: r.info.ID,
		State:    health.State,
		Healthy:  health.Healthy,
		Metrics:  metrics,
	}
	if !health.Healthy && health.Message != "" {
		d.Issues = append(d.Issues, "health check failed: "+health.Message)
	}
	if health.State != StateActive {
		d.Issues = append(d.Issues, fmt.Sprintf("plugin is %s", health.State))
	}
	if metrics.TotalCalls >= 10 && metrics.FailedCalls*2 > metrics.TotalCalls {
		d.Issues = append(d.Issues, fmt.Sprintf("high failure rate: %d of %d calls failed",
			metrics.FailedCalls, metrics.TotalCalls))
	}
	if metrics.ErrorCount > 0 && metrics.LastError != "" {
		d.Issues = append(d.Issues, "last error: "+metrics.LastError)
	}
	return d
}

func (r *Runtime) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// checkTransition rejects a move that the lifecycle machine does not allow.
// Re-initializing from Loaded is allowed so that a failed config check can
// be retried.
func (r *Runtime) checkTransition(op string, to State) error {
	from := r.State()
	if CanTransition(from, to) || (from == to && to == StateLoaded) {
		return nil
	}
	return oops.Code(errutil.CodeInvalidStateChange).
		In("runtime").
		With("plugin", r.info.ID).
		With("operation", op).
		With("from", from.String()).
		With("to", to.String()).
		Errorf("cannot %s plugin %s in state %s", op, r.info.ID, from)
}

// runHook runs a lifecycle hook, moving to Error and recording the failure
// if it returns an error or panics.
func (r *Runtime) runHook(op string, fn func() error) error {
	err := safeCall(fn)
	if err == nil {
		return nil
	}
	r.mu.Lock()
	r.state = StateError
	r.metrics.ErrorCount++
	r.metrics.LastError = err.Error()
	r.mu.Unlock()
	return oops.Code(errutil.CodeLifecycleFailed).
		In("runtime").
		With("plugin", r.info.ID).
		With("operation", op).
		Wrapf(err, "%s hook failed", op)
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errutil.Recovered(errutil.CodeLifecycleFailed, rec)
		}
	}()
	return fn()
}
