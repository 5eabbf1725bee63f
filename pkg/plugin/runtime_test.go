// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/plughost/pkg/errutil"
	"github.com/holomush/plughost/pkg/plugin"
)

// echoHooks is a service plugin that echoes text messages.
type echoHooks struct {
	plugin.BaseHooks

	mu          sync.Mutex
	calls       []string
	initErr     error
	activateErr error
	panicOn     string
	healthErr   error
	initCfg     map[string]any
}

func (h *echoHooks) note(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, name)
}

func (h *echoHooks) OnInitialize(_ context.Context, cfg map[string]any) error {
	h.note("initialize")
	if h.panicOn == "initialize" {
		panic("initialize exploded")
	}
	h.initCfg = cfg
	return h.initErr
}

func (h *echoHooks) OnActivate(context.Context) error {
	h.note("activate")
	return h.activateErr
}

func (h *echoHooks) OnDeactivate(context.Context) error {
	h.note("deactivate")
	return nil
}

func (h *echoHooks) OnCleanup(context.Context) error {
	h.note("cleanup")
	return nil
}

func (h *echoHooks) HandleMessage(_ context.Context, msg *plugin.MessageContext) (*plugin.ProcessResult, error) {
	if h.panicOn == "handle" {
		panic("handler exploded")
	}
	if msg.Content == "fail" {
		return nil, errors.New("cannot echo that")
	}
	msg.Content = "mutated by plugin"
	return plugin.Reply("echo"), nil
}

func (h *echoHooks) SupportedMessageTypes() []plugin.MessageType {
	return []plugin.MessageType{plugin.MessageText}
}

func (h *echoHooks) PlatformType() string { return "echo" }

func (h *echoHooks) CheckHealth(context.Context) error { return h.healthErr }

func (h *echoHooks) ConfigSchema() plugin.ConfigSchema {
	return plugin.ConfigSchema{
		"prefix": {Type: "string", Default: ">"},
		"repeat": {Type: "integer", Minimum: plugin.Float(1)},
	}
}

// upperHooks adds pre/post processing around echo.
type upperHooks struct {
	echoHooks
}

func (h *upperHooks) Preprocess(_ context.Context, msg *plugin.MessageContext) (*plugin.MessageContext, error) {
	msg.Content = strings.ToUpper(msg.Content)
	return msg, nil
}

func (h *upperHooks) HandleMessage(_ context.Context, msg *plugin.MessageContext) (*plugin.ProcessResult, error) {
	return plugin.Reply(msg.Content), nil
}

func (h *upperHooks) Postprocess(_ context.Context, _ *plugin.MessageContext, res *plugin.ProcessResult) (*plugin.ProcessResult, error) {
	res.Response += "!"
	return res, nil
}

func (h *upperHooks) CanProcess(_ context.Context, msg *plugin.MessageContext) bool {
	return !strings.HasPrefix(msg.Content, "#")
}

type lifecycleOnly struct {
	plugin.BaseHooks
}

func newEcho(t *testing.T, hooks plugin.Hooks) *plugin.Runtime {
	t.Helper()
	return plugin.NewRuntime(plugin.Info{ID: "echo", Name: "Echo", Version: "1.0.0"}, hooks)
}

func activate(t *testing.T, rt *plugin.Runtime, cfg map[string]any) {
	t.Helper()
	require.NoError(t, rt.Initialize(context.Background(), cfg))
	require.NoError(t, rt.Activate(context.Background()))
	require.Equal(t, plugin.StateActive, rt.State())
}

func TestNewRuntime_PanicsOnNilHooks(t *testing.T) {
	assert.Panics(t, func() {
		plugin.NewRuntime(plugin.Info{ID: "x"}, nil)
	})
}

func TestRuntime_Lifecycle(t *testing.T) {
	ctx := context.Background()
	hooks := &echoHooks{}
	rt := newEcho(t, hooks)
	assert.Equal(t, plugin.StateUnloaded, rt.State())

	require.NoError(t, rt.Initialize(ctx, map[string]any{"repeat": 2}))
	assert.Equal(t, plugin.StateInitialized, rt.State())
	assert.Equal(t, ">", hooks.initCfg["prefix"], "defaults applied before the hook runs")
	assert.False(t, rt.Metrics().InitializedAt.IsZero())

	require.NoError(t, rt.Activate(ctx))
	assert.Equal(t, plugin.StateActive, rt.State())

	require.NoError(t, rt.Deactivate(ctx))
	assert.Equal(t, plugin.StateInactive, rt.State())

	require.NoError(t, rt.Activate(ctx))
	require.NoError(t, rt.Cleanup(ctx))
	assert.Equal(t, plugin.StateUnloaded, rt.State())
	assert.Nil(t, rt.Config())

	assert.Equal(t, []string{"initialize", "activate", "deactivate", "activate", "deactivate", "cleanup"}, hooks.calls)
}

func TestRuntime_InvalidTransitions(t *testing.T) {
	ctx := context.Background()
	rt := newEcho(t, &echoHooks{})

	err := rt.Activate(ctx)
	errutil.AssertErrorCode(t, err, errutil.CodeInvalidStateChange)
	assert.Equal(t, plugin.StateUnloaded, rt.State())

	activate(t, rt, nil)
	err = rt.Initialize(ctx, nil)
	errutil.AssertErrorCode(t, err, errutil.CodeInvalidStateChange)
	assert.Equal(t, plugin.StateActive, rt.State(), "rejected transitions leave state unchanged")
}

func TestRuntime_InvalidConfigLeavesStateUnchanged(t *testing.T) {
	rt := newEcho(t, &echoHooks{})

	err := rt.Initialize(context.Background(), map[string]any{"repeat": 0})
	errutil.AssertErrorCode(t, err, errutil.CodeConfigInvalid)
	assert.Equal(t, plugin.StateUnloaded, rt.State())
	assert.Zero(t, rt.Metrics().ErrorCount)
}

func TestRuntime_HookFailureMovesToError(t *testing.T) {
	ctx := context.Background()
	hooks := &echoHooks{initErr: errors.New("database unreachable")}
	rt := newEcho(t, hooks)

	err := rt.Initialize(ctx, nil)
	errutil.AssertErrorCode(t, err, errutil.CodeLifecycleFailed)
	errutil.AssertErrorContext(t, err, "operation", "initialize")
	assert.Equal(t, plugin.StateError, rt.State())
	assert.Equal(t, uint64(1), rt.Metrics().ErrorCount)
	assert.Contains(t, rt.Metrics().LastError, "database unreachable")

	// Error is not terminal: a successful initialize recovers.
	hooks.initErr = nil
	require.NoError(t, rt.Initialize(ctx, nil))
	assert.Equal(t, plugin.StateInitialized, rt.State())
	assert.Equal(t, uint64(1), rt.Metrics().ErrorCount, "error counter is cumulative")
}

func TestRuntime_HookPanicIsRecovered(t *testing.T) {
	rt := newEcho(t, &echoHooks{panicOn: "initialize"})

	err := rt.Initialize(context.Background(), nil)
	errutil.AssertErrorCode(t, err, errutil.CodeLifecycleFailed)
	assert.Equal(t, plugin.StateError, rt.State())
	assert.Contains(t, rt.Metrics().LastError, "initialize exploded")
}

func TestRuntime_ActivateFailure(t *testing.T) {
	ctx := context.Background()
	rt := newEcho(t, &echoHooks{activateErr: errors.New("port in use")})
	require.NoError(t, rt.Initialize(ctx, nil))

	err := rt.Activate(ctx)
	require.Error(t, err)
	assert.Equal(t, plugin.StateError, rt.State())
}

func TestRuntime_ProcessMessage(t *testing.T) {
	ctx := context.Background()
	rt := newEcho(t, &echoHooks{})
	activate(t, rt, nil)

	msg := plugin.NewMessageContext("inst", "chat", "bob", plugin.MessageText, "hi")
	res := rt.ProcessMessage(ctx, msg)

	require.True(t, res.Success, res.Error)
	assert.True(t, res.ShouldReply)
	assert.Equal(t, "echo", res.Response)
	assert.Equal(t, "echo", res.Metadata["processed_by"])
	assert.Equal(t, "hi", msg.Content, "host message must not be mutated")

	m := rt.Metrics()
	assert.Equal(t, uint64(1), m.TotalCalls)
	assert.Equal(t, uint64(1), m.SuccessfulCalls)
	assert.False(t, m.LastCallAt.IsZero())
}

func TestRuntime_ProcessMessageRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("not active", func(t *testing.T) {
		rt := newEcho(t, &echoHooks{})
		res := rt.ProcessMessage(ctx, plugin.NewMessageContext("i", "c", "s", plugin.MessageText, "hi"))
		assert.False(t, res.Success)
		assert.False(t, res.ShouldReply)
		assert.Contains(t, res.Error, "not active")
		assert.Equal(t, uint64(1), rt.Metrics().FailedCalls)
	})

	t.Run("unsupported type", func(t *testing.T) {
		rt := newEcho(t, &echoHooks{})
		activate(t, rt, nil)
		res := rt.ProcessMessage(ctx, plugin.NewMessageContext("i", "c", "s", plugin.MessageImage, ""))
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "image")
	})

	t.Run("handler error", func(t *testing.T) {
		rt := newEcho(t, &echoHooks{})
		activate(t, rt, nil)
		res := rt.ProcessMessage(ctx, plugin.NewMessageContext("i", "c", "s", plugin.MessageText, "fail"))
		assert.False(t, res.Success)
		assert.Equal(t, "cannot echo that", rt.Metrics().LastError)
		assert.Equal(t, plugin.StateActive, rt.State(), "message failures do not change state")
	})

	t.Run("handler panic", func(t *testing.T) {
		rt := newEcho(t, &echoHooks{panicOn: "handle"})
		activate(t, rt, nil)
		res := rt.ProcessMessage(ctx, plugin.NewMessageContext("i", "c", "s", plugin.MessageText, "hi"))
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "handler exploded")
	})

	t.Run("not a service plugin", func(t *testing.T) {
		rt := newEcho(t, &lifecycleOnly{})
		activate(t, rt, nil)
		res := rt.ProcessMessage(ctx, plugin.NewMessageContext("i", "c", "s", plugin.MessageText, "hi"))
		assert.False(t, res.Success)
	})
}

func TestRuntime_PrePostProcessing(t *testing.T) {
	ctx := context.Background()
	rt := newEcho(t, &upperHooks{})
	activate(t, rt, nil)

	res := rt.ProcessMessage(ctx, plugin.NewMessageContext("i", "c", "s", plugin.MessageText, "hey"))
	require.True(t, res.Success)
	assert.Equal(t, "HEY!", res.Response)

	assert.True(t, rt.CanProcess(ctx, plugin.NewMessageContext("i", "c", "s", plugin.MessageText, "hey")))
	assert.False(t, rt.CanProcess(ctx, plugin.NewMessageContext("i", "c", "s", plugin.MessageText, "#skip")))
	assert.False(t, rt.CanProcess(ctx, plugin.NewMessageContext("i", "c", "s", plugin.MessageVoice, "hey")))
}

func TestRuntime_AverageResponseTime(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	ticks := []time.Duration{0, 10 * time.Millisecond, 10 * time.Millisecond, 40 * time.Millisecond, 40 * time.Millisecond}
	i := 0
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		d := ticks[len(ticks)-1]
		if i < len(ticks) {
			d = ticks[i]
		}
		i++
		return base.Add(d)
	}

	rt := plugin.NewRuntime(plugin.Info{ID: "echo"}, &echoHooks{}, plugin.WithClock(clock))
	activate(t, rt, nil)
	// Initialize consumed one tick for InitializedAt.
	mu.Lock()
	i = 0
	ticks = []time.Duration{0, 10 * time.Millisecond, 10 * time.Millisecond, 100 * time.Millisecond, 130 * time.Millisecond, 130 * time.Millisecond}
	mu.Unlock()

	msg := plugin.NewMessageContext("i", "c", "s", plugin.MessageText, "a")
	rt.ProcessMessage(ctx, msg) // 10ms
	rt.ProcessMessage(ctx, msg) // 30ms

	// (10*(2-1) + 30) / 2 = 20ms
	assert.Equal(t, 20*time.Millisecond, rt.Metrics().AvgResponseTime)
}

func TestRuntime_InitializeResetsCallCounters(t *testing.T) {
	ctx := context.Background()
	rt := newEcho(t, &echoHooks{})
	activate(t, rt, nil)
	rt.ProcessMessage(ctx, plugin.NewMessageContext("i", "c", "s", plugin.MessageText, "a"))
	require.Equal(t, uint64(1), rt.Metrics().TotalCalls)

	require.NoError(t, rt.Deactivate(ctx))
	require.NoError(t, rt.Initialize(ctx, nil))

	m := rt.Metrics()
	assert.Zero(t, m.TotalCalls)
	assert.Zero(t, m.SuccessfulCalls)
	assert.Zero(t, m.AvgResponseTime)
}

func TestRuntime_SetDisabled(t *testing.T) {
	ctx := context.Background()
	rt := newEcho(t, &echoHooks{})
	activate(t, rt, nil)

	err := rt.SetDisabled(true)
	errutil.AssertErrorCode(t, err, errutil.CodeInvalidStateChange)

	require.NoError(t, rt.Deactivate(ctx))
	require.NoError(t, rt.SetDisabled(true))
	assert.Equal(t, plugin.StateDisabled, rt.State())

	err = rt.Initialize(ctx, nil)
	require.Error(t, err, "disabled plugins cannot be initialized")

	require.NoError(t, rt.SetDisabled(false))
	assert.Equal(t, plugin.StateUnloaded, rt.State())
	activate(t, rt, nil)
}

func TestRuntime_Capabilities(t *testing.T) {
	service := newEcho(t, &echoHooks{})
	assert.True(t, service.Implements(plugin.CapabilityService))
	assert.False(t, service.Implements(plugin.CapabilityMessageHooks))

	hooked := newEcho(t, &upperHooks{})
	assert.True(t, hooked.Implements(plugin.CapabilityMessageHooks))

	bare := newEcho(t, &lifecycleOnly{})
	assert.False(t, bare.Implements(plugin.CapabilityService))
	assert.True(t, bare.Implements(plugin.CapabilityLifecycle))
	assert.True(t, bare.Implements(plugin.CapabilityHealth))
	assert.Empty(t, bare.SupportedMessageTypes())
	assert.Empty(t, bare.PlatformType())
}

func TestRuntime_HealthAndDiagnosis(t *testing.T) {
	ctx := context.Background()
	hooks := &echoHooks{}
	rt := newEcho(t, hooks)
	activate(t, rt, nil)

	status := rt.HealthCheck(ctx)
	assert.True(t, status.Healthy)
	assert.Equal(t, plugin.StateActive, status.State)

	hooks.healthErr = errors.New("upstream down")
	status = rt.HealthCheck(ctx)
	assert.False(t, status.Healthy)
	assert.Equal(t, "upstream down", status.Message)

	diag := rt.SelfDiagnose(ctx)
	assert.False(t, diag.Healthy)
	assert.Equal(t, "echo", diag.PluginID)
	assert.Contains(t, diag.Issues, "health check failed: upstream down")
}

func TestRuntime_UpdateConfig(t *testing.T) {
	ctx := context.Background()
	rt := newEcho(t, &echoHooks{})
	activate(t, rt, map[string]any{"repeat": 1})

	require.NoError(t, rt.UpdateConfig(ctx, map[string]any{"repeat": 3}))
	assert.Equal(t, 3, rt.Config()["repeat"])

	err := rt.UpdateConfig(ctx, map[string]any{"repeat": -1})
	errutil.AssertErrorCode(t, err, errutil.CodeConfigInvalid)
	assert.Equal(t, 3, rt.Config()["repeat"])
}

func TestRuntime_ConcurrentProcessing(t *testing.T) {
	ctx := context.Background()
	rt := newEcho(t, &echoHooks{})
	activate(t, rt, nil)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rt.ProcessMessage(ctx, plugin.NewMessageContext("i", "c", "s", plugin.MessageText, "x"))
		}()
	}
	wg.Wait()

	m := rt.Metrics()
	assert.Equal(t, uint64(50), m.TotalCalls)
	assert.Equal(t, uint64(50), m.SuccessfulCalls)
}
