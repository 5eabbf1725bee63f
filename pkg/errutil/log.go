// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package errutil

import (
	"log/slog"

	"github.com/samber/oops"
)

// LogError logs an error with structured context if it's an oops error.
// For oops errors, it extracts and logs the message, code, domain and context.
// For standard errors, it logs the error string. Extra attrs are appended as-is.
func LogError(logger *slog.Logger, msg string, err error, attrs ...any) {
	if logger == nil {
		logger = slog.Default()
	}
	if oopsErr, ok := oops.AsOops(err); ok {
		fields := []any{
			"error", oopsErr.Error(),
		}
		if code := oopsErr.Code(); code != nil {
			fields = append(fields, "code", code)
		}
		if domain := oopsErr.Domain(); domain != "" {
			fields = append(fields, "domain", domain)
		}
		if ctx := oopsErr.Context(); len(ctx) > 0 {
			fields = append(fields, "context", ctx)
		}
		logger.Error(msg, append(fields, attrs...)...)
		return
	}
	logger.Error(msg, append([]any{"error", err}, attrs...)...)
}

// LogWarn logs a non-fatal per-item failure, such as one source or one dependency.
func LogWarn(logger *slog.Logger, msg string, err error, attrs ...any) {
	if logger == nil {
		logger = slog.Default()
	}
	fields := []any{"error", err}
	if code := Code(err); code != "" {
		fields = append(fields, "code", code)
	}
	logger.Warn(msg, append(fields, attrs...)...)
}
