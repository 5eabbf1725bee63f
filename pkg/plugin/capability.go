// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"time"
)

// Capability names one of the orthogonal capability sets a plugin may offer.
type Capability string

// Capability sets.
const (
	CapabilityLifecycle    Capability = "lifecycle"
	CapabilityService      Capability = "service"
	CapabilityMessageHooks Capability = "message_hooks"
	CapabilityConfigurable Capability = "configurable"
	CapabilityHealth       Capability = "health"
)

// Plugin is the base lifecycle capability every plugin satisfies.
type Plugin interface {
	Info() Info
	Initialize(ctx context.Context, cfg map[string]any) error
	Activate(ctx context.Context) error
	Deactivate(ctx context.Context) error
	Cleanup(ctx context.Context) error
	State() State
}

// ServicePlatform is implemented by plugins that process inbound messages.
type ServicePlatform interface {
	Plugin
	ProcessMessage(ctx context.Context, msg *MessageContext) *ProcessResult
	TestConnection(ctx context.Context) error
	SupportedMessageTypes() []MessageType
	PlatformType() string
}

// MessageHooks are the optional pre/post processing steps around a message.
type MessageHooks interface {
	CanProcess(ctx context.Context, msg *MessageContext) bool
	PreprocessMessage(ctx context.Context, msg *MessageContext) (*MessageContext, error)
	PostprocessResult(ctx context.Context, msg *MessageContext, result *ProcessResult) (*ProcessResult, error)
}

// Configurable is implemented by plugins that accept configuration.
type Configurable interface {
	ConfigSchema() ConfigSchema
	ValidateConfig(cfg map[string]any) error
	UpdateConfig(ctx context.Context, cfg map[string]any) error
	Config() map[string]any
}

// HealthReporter is implemented by plugins that report health and metrics.
type HealthReporter interface {
	HealthCheck(ctx context.Context) HealthStatus
	Metrics() Metrics
	SelfDiagnose(ctx context.Context) Diagnosis
}

// HealthStatus is the result of a single health check.
type HealthStatus struct {
	Healthy   bool           `json:"healthy"`
	State     State          `json:"state"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// Metrics is the invocation accounting kept for every plugin.
type Metrics struct {
	TotalCalls      uint64        `json:"total_calls"`
	SuccessfulCalls uint64        `json:"successful_calls"`
	FailedCalls     uint64        `json:"failed_calls"`
	ErrorCount      uint64        `json:"error_count"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	LastCallAt      time.Time     `json:"last_call_at,omitzero"`
	LastError       string        `json:"last_error,omitempty"`
	InitializedAt   time.Time     `json:"initialized_at,omitzero"`
}

// Diagnosis is a self-assessment combining state, health and metrics.
type Diagnosis struct {
	PluginID string   `json:"plugin_id"`
	State    State    `json:"state"`
	Healthy  bool     `json:"healthy"`
	Issues   []string `json:"issues,omitempty"`
	Metrics  Metrics  `json:"metrics"`
}

// Hooks is the narrow trait a plugin author implements. The Runtime owns
// state and accounting and calls these only on valid transitions.
type Hooks interface {
	OnInitialize(ctx context.Context, cfg map[string]any) error
	OnActivate(ctx context.Context) error
	OnDeactivate(ctx context.Context) error
	OnCleanup(ctx context.Context) error
}

// MessageHandler is the optional trait that makes a plugin a service platform.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *MessageContext) (*ProcessResult, error)
	SupportedMessageTypes() []MessageType
	PlatformType() string
}

// ConnectionTester checks connectivity to whatever the plugin fronts.
type ConnectionTester interface {
	TestConnection(ctx context.Context) error
}

// Matcher decides whether a message should be offered to the plugin at all.
type Matcher interface {
	CanProcess(ctx context.Context, msg *MessageContext) bool
}

// Preprocessor may rewrite a message before it is handled.
type Preprocessor interface {
	Preprocess(ctx context.Context, msg *MessageContext) (*MessageContext, error)
}

// Postprocessor may rewrite a result after the message was handled.
type Postprocessor interface {
	Postprocess(ctx context.Context, msg *MessageContext, result *ProcessResult) (*ProcessResult, error)
}

// SchemaProvider supplies the plugin's configuration schema.
type SchemaProvider interface {
	ConfigSchema() ConfigSchema
}

// ConfigValidator adds plugin-specific checks on top of schema validation.
type ConfigValidator interface {
	ValidateConfig(cfg map[string]any) error
}

// ConfigUpdater is notified when configuration changes on a live plugin.
type ConfigUpdater interface {
	OnConfigUpdate(ctx context.Context, cfg map[string]any) error
}

// HealthChecker reports plugin-specific health; nil means healthy.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// CapabilityReporter is implemented by adapters whose capabilities are only
// known at runtime, such as script or out-of-process plugins.
type CapabilityReporter interface {
	Capabilities() []Capability
}

// Factory creates plugin hooks for an info record. It is the registration
// entry point for compiled-in and shared-object plugins.
type Factory func(info Info) Hooks

// BaseHooks provides no-op lifecycle hooks for embedding.
type BaseHooks struct{}

// OnInitialize implements Hooks.
func (BaseHooks) OnInitialize(context.Context, map[string]any) error { return nil }

// OnActivate implements Hooks.
func (BaseHooks) OnActivate(context.Context) error { return nil }

// OnDeactivate implements Hooks.
func (BaseHooks) OnDeactivate(context.Context) error { return nil }

// OnCleanup implements Hooks.
func (BaseHooks) OnCleanup(context.Context) error { return nil }
