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

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	logger.Info("task dispatched", slog.String(TaskIDKey, "t-1"), slog.String(RunIDKey, "r-1"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["task_id"] != "t-1" {
		t.Errorf("expected task_id 't-1', got %v", entry["task_id"])
	}
	if entry["run_id"] != "r-1" {
		t.Errorf("expected run_id 'r-1', got %v", entry["run_id"])
	}
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatText, Output: &buf})

	logger.Info("worker online", slog.String(WorkerIDKey, "w-1"))

	if !strings.Contains(buf.String(), "worker_id=w-1") {
		t.Errorf("expected text output to contain worker_id=w-1, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"trace", LevelTrace},
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.expected {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "warn", Format: FormatJSON, Output: &buf})

	logger.Info("should be filtered")
	logger.Warn("should appear")

	if strings.Contains(buf.String(), "should be filtered") {
		t.Error("info message should have been filtered at warn level")
	}
	if !strings.Contains(buf.String(), "should appear") {
		t.Error("warn message should have appeared")
	}
}

func TestWithRunContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	WithRunContext(logger, "r-9", "t-9").Info("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["run_id"] != "r-9" || entry["task_id"] != "t-9" {
		t.Errorf("run context fields missing: %v", entry)
	}
}

func TestSanitizeAPIKey(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", "[REDACTED]"},
		{"abc", "[REDACTED]"},
		{"abcd", "[REDACTED]"},
		{"sk-1234567890", "...7890"},
	}

	for _, tt := range tests {
		if got := SanitizeAPIKey(tt.input); got != tt.expected {
			t.Errorf("SanitizeAPIKey(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestTraceLevelGating(t *testing.T) {
	var buf bytes.Buffer

	logger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})
	logger.Log(context.Background(), LevelTrace, "frame dump")
	if buf.Len() != 0 {
		t.Errorf("trace output should be suppressed at debug level, got %q", buf.String())
	}

	logger = New(&Config{Level: "trace", Format: FormatJSON, Output: &buf})
	logger.Log(context.Background(), LevelTrace, "frame dump")
	if !strings.Contains(buf.String(), "frame dump") {
		t.Error("trace record should appear at trace level")
	}
}
