// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging provides structured logging for the flow engine's
// components, built on log/slog. Every long-lived component (session
// store, dispatcher, background worker, reaper) gets its own named
// logger via Named, so log aggregation can filter by "component".
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Level mirrors slog's severity ordering with names matched to this
// system's usage: Debug for per-event dispatch tracing, Info for
// lifecycle events, Warn for degraded-mode transitions, Error for DLQ
// writes and unrecoverable init failures.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) slog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config controls the process-wide logger. A zero-value Config yields
// a Debug-level text logger on stderr (LevelDebug is the zero Level);
// Default gives the Info-level JSON logger used in production.
type Config struct {
	Level  Level
	JSON   bool
	Output io.Writer
}

// New builds a *slog.Logger from cfg. Pass it to slog.SetDefault during
// startup, then obtain component loggers via Named.
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: cfg.Level.slog()}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}

// Default returns the production default: Info level, JSON, stderr.
func Default() *slog.Logger {
	return New(Config{Level: LevelInfo, JSON: true})
}

// Named returns a child logger tagged with a "component" attribute,
// so every log line it emits can be filtered by subsystem.
func Named(base *slog.Logger, component string) *slog.Logger {
	if base == nil {
		base = Default()
	}
	return base.With("component", component)
}
