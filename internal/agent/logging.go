// Copyright 2025 The OpenChoreo Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the agent's root logger straight from its own Config
// (no generic Level/Format struct in between) and binds planeType,
// planeID, and hostname onto every record it emits, so every log line
// this process writes is already scoped to the agent identity that
// produced it without callers repeating those attributes at each
// call site.
func NewLogger(cfg Config, hostname string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}

	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler).With(
		"planeType", cfg.PlaneType,
		"planeID", cfg.PlaneID,
		"hostname", hostname,
	)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loggerKey is the context key NewContext/FromContext use to carry a
// request-scoped logger, e.g. the "component": "transport" logger that
// Transport.Run stashes on its context so dial and readLoop read it back
// without being handed it explicitly.
type loggerKey struct{}

// NewContext returns a copy of ctx carrying logger, retrievable by
// FromContext.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger stashed by NewContext, or
// slog.Default() if ctx carries none.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
