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

// Package errors defines the error taxonomy shared across the control plane.
// Component boundaries return one of these typed errors; callers classify
// with Kind and decide between retry, fail, and propagate.
package errors

import (
	"fmt"
	"time"
)

// Kind identifies the error category for policy decisions.
type Kind string

const (
	// KindTransient covers transport and blob-store failures that a retry
	// may resolve.
	KindTransient Kind = "transient_network"
	// KindAuth covers authentication and signature failures. Not retryable
	// within a reconnect loop.
	KindAuth Kind = "auth_failure"
	// KindQuota covers refused enqueues and dropped messages under quota.
	KindQuota Kind = "quota_exceeded"
	// KindValidation covers rejected input: bad paths, oversize archives,
	// illegal schedules.
	KindValidation Kind = "validation"
	// KindStateConflict covers rejected state-machine transitions.
	KindStateConflict Kind = "state_conflict"
	// KindWorkerUnavailable covers resolver exhaustion.
	KindWorkerUnavailable Kind = "worker_unavailable"
	// KindTimeout covers dispatch and runtime deadline expiry.
	KindTimeout Kind = "timeout"
	// KindNotFound covers missing resources.
	KindNotFound Kind = "not_found"
	// KindInternal covers everything else. Logged with a correlation id.
	KindInternal Kind = "internal"
)

// TransientError represents a network or storage failure that may succeed
// on retry. Consecutive transient errors drive the reconnect loop.
type TransientError struct {
	// Op describes the operation that failed (e.g., "blob.put", "gateway.poll")
	Op string

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("transient error in %s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("transient error: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransientError) Unwrap() error { return e.Cause }

// AuthError represents an authentication or signature failure.
// These are never retried inside a reconnect loop; past a threshold the
// transport disables itself until operator intervention.
type AuthError struct {
	// Scheme is the authentication scheme that failed (api_key, mtls, hmac, jwt)
	Scheme string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.Scheme != "" {
		return fmt.Sprintf("authentication failed (%s): %s", e.Scheme, e.Message)
	}
	return fmt.Sprintf("authentication failed: %s", e.Message)
}

// QuotaError represents a refused enqueue or connection under quota limits.
type QuotaError struct {
	// Resource is the limited resource (e.g., "websocket_connections", "log_buffer")
	Resource string

	// Limit is the configured quota
	Limit int
}

// Error implements the error interface.
func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded for %s (limit %d)", e.Resource, e.Limit)
}

// ValidationError represents user input validation failures.
// Use this for invalid input, malformed data, or constraint violations.
// Validation failures are never partially applied.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Reason is the machine-readable reason category
	// (e.g., "oversize", "too-many-files", "illegal-path", "symlink-present")
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// StateConflictError represents a rejected state-machine transition.
// The caller should re-read current state and retry if applicable.
type StateConflictError struct {
	// Entity is the entity whose transition was rejected (e.g., "run")
	Entity string

	// ID is the entity identifier
	ID string

	// From and To describe the rejected transition
	From string
	To   string
}

// Error implements the error interface.
func (e *StateConflictError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s (id %s)", e.Entity, e.From, e.To, e.ID)
}

// WorkerUnavailableError represents resolver exhaustion: no eligible worker
// could be found under the task's execution strategy.
type WorkerUnavailableError struct {
	// Strategy is the execution strategy that failed (fixed, auto, prefer-bound)
	Strategy string

	// WorkerID is the requested worker for fixed strategies, if any
	WorkerID string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *WorkerUnavailableError) Error() string {
	if e.WorkerID != "" {
		return fmt.Sprintf("worker %s unavailable (%s): %s", e.WorkerID, e.Strategy, e.Message)
	}
	return fmt.Sprintf("no worker available (%s): %s", e.Strategy, e.Message)
}

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "dispatch ack", "run heartbeat")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error { return e.Cause }

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "task", "run", "worker", "project")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// InternalError represents an unexpected failure. It carries a correlation
// id so the log line and the user-visible error can be matched.
type InternalError struct {
	// CorrelationID links this error to log output
	CorrelationID string

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *InternalError) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("internal error (correlation-id: %s): %s", e.CorrelationID, e.Message)
	}
	return fmt.Sprintf("internal error: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *InternalError) Unwrap() error { return e.Cause }
