// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/plughost/pkg/errutil"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "not JSON: %s", buf.String())
	return entry
}

func TestSetup_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("plughost", "1.0.0", FormatJSON, slog.LevelInfo, &buf)

	logger.Info("plugin enabled", "plugin", "echo")

	entry := decode(t, &buf)
	assert.Equal(t, "plugin enabled", entry["msg"])
	assert.Equal(t, "plughost", entry["service"])
	assert.Equal(t, "1.0.0", entry["version"])
	assert.Equal(t, "echo", entry["plugin"])
	assert.Contains(t, entry, "time")
	assert.Contains(t, entry, "level")
}

func TestSetup_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("plughost", "1.0.0", FormatText, slog.LevelInfo, &buf)

	logger.Info("registry refreshed")

	assert.Contains(t, buf.String(), "registry refreshed")
	assert.Contains(t, buf.String(), "service=plughost")
}

func TestSetup_DefaultFormatIsJSON(t *testing.T) {
	var buf bytes.Buffer
	Setup("plughost", "1.0.0", "", slog.LevelInfo, &buf).Info("hello")
	decode(t, &buf)
}

func TestSetup_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("plughost", "1.0.0", FormatJSON, slog.LevelWarn, &buf)

	logger.Info("dropped")
	assert.Zero(t, buf.Len())
	logger.Warn("kept")
	assert.Equal(t, "kept", decode(t, &buf)["msg"])
}

func TestHandler_TraceContext(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("plughost", "1.0.0", FormatJSON, slog.LevelDebug, &buf)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))

	logger.InfoContext(ctx, "traced message")

	entry := decode(t, &buf)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", entry["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", entry["span_id"])
}

func TestHandler_NoTraceContext(t *testing.T) {
	var buf bytes.Buffer
	Setup("plughost", "1.0.0", FormatJSON, slog.LevelDebug, &buf).Info("no trace")

	entry := decode(t, &buf)
	assert.NotContains(t, entry, "trace_id")
	assert.NotContains(t, entry, "span_id")
}

func TestHandler_WithAttrsAndGroupKeepIdentity(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("plughost", "2.0.0", FormatJSON, slog.LevelDebug, &buf)

	ForPlugin(logger, "echo").WithGroup("call").Info("done", "ms", 3)

	entry := decode(t, &buf)
	assert.Equal(t, "echo", entry["plugin"])
	assert.Equal(t, "plughost", entry["call"].(map[string]any)["service"])
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	errutil.AssertErrorCode(t, err, errutil.CodeConfigInvalid)
}

func TestSetDefault(t *testing.T) {
	original := slog.Default()
	defer slog.SetDefault(original)

	logger := SetDefault("plughost", "2.0.0", FormatJSON, slog.LevelInfo)
	assert.Same(t, logger, slog.Default())
}
