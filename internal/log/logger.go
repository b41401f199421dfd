// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log builds the daemon's slog loggers and holds the field-key
// vocabulary shared by every subsystem.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format selects the handler encoding.
type Format string

const (
	// FormatJSON emits one JSON object per record.
	FormatJSON Format = "json"
	// FormatText emits human-readable key=value records.
	FormatText Format = "text"
)

// LevelTrace sits below Debug and carries wire-level noise: transport
// frames, heartbeat payloads, hub fan-out decisions.
const LevelTrace = slog.Level(-8)

// Field keys shared across subsystems so records correlate in aggregation.
const (
	// TaskIDKey identifies the task template a record belongs to.
	TaskIDKey = "task_id"
	// RunIDKey identifies a single execution of a task.
	RunIDKey = "run_id"
	// WorkerIDKey identifies the worker node involved.
	WorkerIDKey = "worker_id"
	// ExecutionIDKey names a WebSocket log subscription target.
	ExecutionIDKey = "execution_id"
	// StreamKey names a log stream (stdout, stderr, system).
	StreamKey = "stream"
	// DurationKey carries elapsed time in milliseconds.
	DurationKey = "duration_ms"
	// EventKey names lifecycle events (dispatched, queued, reaped).
	EventKey = "event"
)

// Config holds the logging configuration.
type Config struct {
	// Level is the minimum level emitted: trace, debug, info, warn, error.
	Level string

	// Format picks the handler encoding. Defaults to JSON.
	Format Format

	// Output receives the records. Defaults to os.Stderr.
	Output io.Writer

	// AddSource annotates records with file:line of the call site.
	AddSource bool
}

// DefaultConfig returns the production defaults: info-level JSON on stderr.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: FormatJSON,
		Output: os.Stderr,
	}
}

// FromEnv builds a Config from the environment.
//
// DISPATCH_DEBUG=1 forces debug level plus source annotation and wins over
// the level variables. Otherwise DISPATCH_LOG_LEVEL is consulted first,
// then the generic LOG_LEVEL. LOG_FORMAT switches the encoding and
// LOG_SOURCE=1 turns on call-site annotation.
func FromEnv() *Config {
	cfg := DefaultConfig()

	switch os.Getenv("DISPATCH_DEBUG") {
	case "true", "1":
		cfg.Level = "debug"
		cfg.AddSource = true
	default:
		cfg.Level = levelFromEnv(cfg.Level)
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}
	if os.Getenv("LOG_SOURCE") == "1" {
		cfg.AddSource = true
	}
	return cfg
}

func levelFromEnv(fallback string) string {
	for _, name := range []string{"DISPATCH_LOG_LEVEL", "LOG_LEVEL"} {
		if level := os.Getenv(name); level != "" {
			return strings.ToLower(level)
		}
	}
	return fallback
}

// New creates a structured logger from cfg. A nil cfg gets the defaults.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}
	if cfg.Format == FormatText {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

// ParseLevel maps a level name to its slog.Level. Unknown names fall back
// to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent tags a logger with the subsystem name that produced it.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With("component", component)
}

// WithRunContext tags a logger with the run and task identifiers so every
// subsequent record correlates to one execution.
func WithRunContext(logger *slog.Logger, runID, taskID string) *slog.Logger {
	return logger.With(
		slog.String(RunIDKey, runID),
		slog.String(TaskIDKey, taskID),
	)
}

// SanitizeAPIKey renders a worker credential safe for logs, keeping only
// the last four characters. Short keys are fully redacted.
func SanitizeAPIKey(key string) string {
	if len(key) <= 4 {
		return "[REDACTED]"
	}
	return "..." + key[len(key)-4:]
}
