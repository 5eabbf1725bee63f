// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package goplugin

import (
	"context"
	"errors"
	"fmt"
	"time"

	pluginpkg "github.com/holomush/plughost/pkg/plugin"
	"github.com/holomush/plughost/pkg/pluginsdk"
)

// HandshakeConfig is imported from pluginsdk to ensure host and plugins
// use identical configuration. Do not define locally to prevent drift.
var HandshakeConfig = pluginsdk.HandshakeConfig

// PluginMap is the map of plugins the host can dispense.
var PluginMap = pluginsdk.PluginSet(nil)

// Remote is the host-side view of a plugin process. *pluginsdk.Client
// implements it.
type Remote interface {
	Describe(ctx context.Context) (*pluginsdk.Description, error)
	Lifecycle(ctx context.Context, op string, cfg map[string]any) error
	HandleMessage(ctx context.Context, msg *pluginpkg.MessageContext) (*pluginpkg.ProcessResult, error)
	CanProcess(ctx context.Context, msg *pluginpkg.MessageContext) (bool, error)
	Preprocess(ctx context.Context, msg *pluginpkg.MessageContext) (*pluginpkg.MessageContext, error)
	Postprocess(ctx context.Context, msg *pluginpkg.MessageContext, res *pluginpkg.ProcessResult) (*pluginpkg.ProcessResult, error)
	CheckHealth(ctx context.Context) (bool, string, error)
	TestConnection(ctx context.Context) error
}

// Compile-time interface check.
var _ Remote = (*pluginsdk.Client)(nil)

// remoteHooks adapts a plugin process to the hook and trait interfaces.
// Every call is bounded by timeout.
type remoteHooks struct {
	remote  Remote
	timeout time.Duration

	types    []pluginpkg.MessageType
	platform string
	schema   pluginpkg.ConfigSchema
	caps     []pluginpkg.Capability
}

// Compile-time interface checks.
var (
	_ pluginpkg.Hooks              = (*remoteHooks)(nil)
	_ pluginpkg.MessageHandler     = (*remoteHooks)(nil)
	_ pluginpkg.Matcher            = (*remoteHooks)(nil)
	_ pluginpkg.Preprocessor       = (*remoteHooks)(nil)
	_ pluginpkg.Postprocessor      = (*remoteHooks)(nil)
	_ pluginpkg.ConnectionTester   = (*remoteHooks)(nil)
	_ pluginpkg.SchemaProvider     = (*remoteHooks)(nil)
	_ pluginpkg.HealthChecker      = (*remoteHooks)(nil)
	_ pluginpkg.CapabilityReporter = (*remoteHooks)(nil)
)

func newRemoteHooks(remote Remote, desc *pluginsdk.Description, timeout time.Duration) (*remoteHooks, error) {
	h := &remoteHooks{remote: remote, timeout: timeout, platform: desc.PlatformType}
	for _, t := range desc.MessageTypes {
		h.types = append(h.types, pluginpkg.MessageType(t))
	}
	for _, c := range desc.Capabilities {
		h.caps = append(h.caps, pluginpkg.Capability(c))
	}
	if len(desc.ConfigSchema) > 0 {
		schema, err := pluginpkg.SchemaFromJSON(desc.ConfigSchema)
		if err != nil {
			return nil, err
		}
		h.schema = schema
	}
	return h, nil
}

func (h *remoteHooks) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, h.timeout)
}

func (h *remoteHooks) lifecycle(ctx context.Context, op string, cfg map[string]any) error {
	ctx, cancel := h.callContext(ctx)
	defer cancel()
	return h.remote.Lifecycle(ctx, op, cfg)
}

// OnInitialize implements plugin.Hooks.
func (h *remoteHooks) OnInitialize(ctx context.Context, cfg map[string]any) error {
	return h.lifecycle(ctx, pluginsdk.OpInitialize, cfg)
}

// OnActivate implements plugin.Hooks.
func (h *remoteHooks) OnActivate(ctx context.Context) error {
	return h.lifecycle(ctx, pluginsdk.OpActivate, nil)
}

// OnDeactivate implements plugin.Hooks.
func (h *remoteHooks) OnDeactivate(ctx context.Context) error {
	return h.lifecycle(ctx, pluginsdk.OpDeactivate, nil)
}

// OnCleanup implements plugin.Hooks.
func (h *remoteHooks) OnCleanup(ctx context.Context) error {
	return h.lifecycle(ctx, pluginsdk.OpCleanup, nil)
}

// HandleMessage implements plugin.MessageHandler.
func (h *remoteHooks) HandleMessage(ctx context.Context, msg *pluginpkg.MessageContext) (*pluginpkg.ProcessResult, error) {
	ctx, cancel := h.callContext(ctx)
	defer cancel()
	return h.remote.HandleMessage(ctx, msg)
}

// SupportedMessageTypes implements plugin.MessageHandler.
func (h *remoteHooks) SupportedMessageTypes() []pluginpkg.MessageType {
	return append([]pluginpkg.MessageType(nil), h.types...)
}

// PlatformType implements plugin.MessageHandler.
func (h *remoteHooks) PlatformType() string { return h.platform }

// CanProcess implements plugin.Matcher. Transport failures reject.
func (h *remoteHooks) CanProcess(ctx context.Context, msg *pluginpkg.MessageContext) bool {
	ctx, cancel := h.callContext(ctx)
	defer cancel()
	ok, err := h.remote.CanProcess(ctx, msg)
	return err == nil && ok
}

// Preprocess implements plugin.Preprocessor.
func (h *remoteHooks) Preprocess(ctx context.Context, msg *pluginpkg.MessageContext) (*pluginpkg.MessageContext, error) {
	ctx, cancel := h.callContext(ctx)
	defer cancel()
	return h.remote.Preprocess(ctx, msg)
}

// Postprocess implements plugin.Postprocessor.
func (h *remoteHooks) Postprocess(ctx context.Context, msg *pluginpkg.MessageContext, res *pluginpkg.ProcessResult) (*pluginpkg.ProcessResult, error) {
	ctx, cancel := h.callContext(ctx)
	defer cancel()
	return h.remote.Postprocess(ctx, msg, res)
}

// TestConnection implements plugin.ConnectionTester.
func (h *remoteHooks) TestConnection(ctx context.Context) error {
	ctx, cancel := h.callContext(ctx)
	defer cancel()
	return h.remote.TestConnection(ctx)
}

// CheckHealth implements plugin.HealthChecker.
func (h *remoteHooks) CheckHealth(ctx context.Context) error {
	ctx, cancel := h.callContext(ctx)
	defer cancel()
	healthy, msg, err := h.remote.CheckHealth(ctx)
	if err != nil {
		return err
	}
	if !healthy {
		if msg == "" {
			return errors.New("plugin reported unhealthy")
		}
		return fmt.Errorf("plugin reported unhealthy: %s", msg)
	}
	return nil
}

// ConfigSchema implements plugin.SchemaProvider.
func (h *remoteHooks) ConfigSchema() pluginpkg.ConfigSchema { return h.schema }

// Capabilities implements plugin.CapabilityReporter.
func (h *remoteHooks) Capabilities() []pluginpkg.Capability {
	return append([]pluginpkg.Capability(nil), h.caps...)
}
