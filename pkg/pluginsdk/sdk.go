// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package pluginsdk provides the SDK for building plughost binary plugins.
//
// Binary plugins run as separate processes and talk to the host over gRPC
// using the HashiCorp go-plugin framework. A binary plugin implements the
// same plugin.Hooks trait (plus any optional traits) as a compiled-in one.
//
// Example usage:
//
//	package main
//
//	import (
//		"context"
//
//		"github.com/holomush/plughost/pkg/plugin"
//		"github.com/holomush/plughost/pkg/pluginsdk"
//	)
//
//	type Echo struct{ plugin.BaseHooks }
//
//	func (Echo) HandleMessage(_ context.Context, msg *plugin.MessageContext) (*plugin.ProcessResult, error) {
//		return plugin.Reply(msg.Content), nil
//	}
//
//	func (Echo) SupportedMessageTypes() []plugin.MessageType {
//		return []plugin.MessageType{plugin.MessageText}
//	}
//
//	func (Echo) PlatformType() string { return "echo" }
//
//	func main() {
//		pluginsdk.Serve(&pluginsdk.ServeConfig{Hooks: Echo{}})
//	}
package pluginsdk

import (
	"context"
	"errors"

	hashiplug "github.com/hashicorp/go-plugin"
	"google.golang.org/grpc"

	"github.com/holomush/plughost/pkg/plugin"
)

// PluginName is the key under which the plugin is dispensed.
const PluginName = "plugin"

// HandshakeConfig is the go-plugin handshake configuration.
// Both host and plugins must use the same values.
var HandshakeConfig = hashiplug.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "PLUGHOST_PLUGIN",
	MagicCookieValue: "plughost-v1",
}

// ServeConfig configures the plugin server.
type ServeConfig struct {
	// Hooks is the plugin implementation.
	// Required; Serve will panic if nil.
	Hooks plugin.Hooks
}

// Serve starts the plugin server. This should be called from main().
// It blocks and never returns under normal operation.
func Serve(config *ServeConfig) {
	if config == nil {
		panic("pluginsdk: config cannot be nil")
	}
	if config.Hooks == nil {
		panic("pluginsdk: config.Hooks cannot be nil")
	}
	hashiplug.Serve(&hashiplug.ServeConfig{
		HandshakeConfig: HandshakeConfig,
		Plugins:         PluginSet(config.Hooks),
		GRPCServer:      hashiplug.DefaultGRPCServer,
	})
}

// PluginSet returns the go-plugin plugin map. The host passes nil hooks;
// plugin processes pass their implementation.
func PluginSet(hooks plugin.Hooks) map[string]hashiplug.Plugin {
	return map[string]hashiplug.Plugin{
		PluginName: &GRPCPlugin{hooks: hooks},
	}
}

// GRPCPlugin implements go-plugin's GRPCPlugin interface.
type GRPCPlugin struct {
	hashiplug.NetRPCUnsupportedPlugin
	hooks plugin.Hooks
}

// GRPCServer registers the plugin server (called by plugin process).
func (p *GRPCPlugin) GRPCServer(_ *hashiplug.GRPCBroker, s *grpc.Server) error {
	if p.hooks == nil {
		return errors.New("pluginsdk: hooks are nil")
	}
	RegisterServer(s, p.hooks)
	return nil
}

// GRPCClient returns a plugin client (called by host process).
func (p *GRPCPlugin) GRPCClient(_ context.Context, _ *hashiplug.GRPCBroker, c *grpc.ClientConn) (interface{}, error) {
	return NewClient(c), nil
}
