// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package main is an echo plugin that runs as a separate process.
//
// Build it next to its manifest:
//
//	go build -o plugins/echo-binary/echo-binary ./plugins/echo-binary
package main

import (
	"context"
	"strings"

	"github.com/holomush/plughost/pkg/plugin"
	"github.com/holomush/plughost/pkg/pluginsdk"
)

// Echo replies with the message content, upper-cased when configured.
type Echo struct {
	plugin.BaseHooks
	upper bool
}

// OnInitialize reads the "upper" setting.
func (e *Echo) OnInitialize(_ context.Context, cfg map[string]any) error {
	e.upper, _ = cfg["upper"].(bool)
	return nil
}

// HandleMessage implements plugin.MessageHandler.
func (e *Echo) HandleMessage(_ context.Context, msg *plugin.MessageContext) (*plugin.ProcessResult, error) {
	if msg.Content == "" {
		return &plugin.ProcessResult{Success: true}, nil
	}
	if e.upper {
		return plugin.Reply(strings.ToUpper(msg.Content)), nil
	}
	return plugin.Reply(msg.Content), nil
}

// SupportedMessageTypes implements plugin.MessageHandler.
func (*Echo) SupportedMessageTypes() []plugin.MessageType {
	return []plugin.MessageType{plugin.MessageText}
}

// PlatformType implements plugin.MessageHandler.
func (*Echo) PlatformType() string { return "echo" }

func main() {
	pluginsdk.Serve(&pluginsdk.ServeConfig{Hooks: &Echo{}})
}
