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

// Package transport moves work between the master and its workers.
//
// Two modes implement the same upstream-facing contract. Intranet mode
// pushes: the master calls the worker's HTTP endpoint directly. Gateway
// mode pulls: the master enqueues on a per-worker durable queue and the
// worker collects via long-poll. The scheduler never knows which mode a
// worker is on.
//
// Dispatch and result reporting are idempotent through the receipt cache:
// a repeated message inside the TTL window returns the first outcome
// byte-identical instead of re-executing the side effect.
package transport

import (
	"context"
	"encoding/json"
	"time"
)

// Transport modes.
const (
	ModeIntranet = "intranet"
	ModeGateway  = "gateway"
)

// Control actions pushed to workers.
const (
	ControlCancel  = "cancel"
	ControlConfig  = "config"
	ControlRuntime = "runtime"
)

// TaskDispatch is the payload handed to a worker. TaskID is the run's
// external UUID and the idempotency key for the dispatch.
type TaskDispatch struct {
	TaskID         string          `json:"task_id"`
	Name           string          `json:"name"`
	Type           string          `json:"type"`
	ProjectID      string          `json:"project_id,omitempty"`
	ProjectVersion int             `json:"project_version,omitempty"`
	Entrypoint     string          `json:"entrypoint,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	Attempt        int             `json:"attempt"`
	DispatchedAt   time.Time       `json:"dispatched_at"`
}

// TaskAck is the worker's accept/refuse answer to a dispatch.
type TaskAck struct {
	TaskID    string `json:"task_id"`
	ReceiptID string `json:"receipt_id,omitempty"`
	WorkerID  string `json:"worker_id"`
	Accepted  bool   `json:"accepted"`
	Reason    string `json:"reason,omitempty"`
}

// Result is the terminal report for one task execution. Idempotent on
// TaskID.
type Result struct {
	WorkerID     string          `json:"worker_id"`
	TaskID       string          `json:"task_id"`
	Status       string          `json:"status"`
	ExitCode     *int            `json:"exit_code,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
	DurationMS   int64           `json:"duration_ms"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// ControlMessage is a master-initiated instruction (cancel, config push,
// runtime management). Delivery is at-least-once; handlers must be
// idempotent on RequestID.
type ControlMessage struct {
	RequestID   string          `json:"request_id"`
	WorkerID    string          `json:"worker_id"`
	Action      string          `json:"action"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ReplyStream string          `json:"reply_stream,omitempty"`
	IssuedAt    time.Time       `json:"issued_at"`
}

// ControlResult carries the worker's answer to a control message.
type ControlResult struct {
	WorkerID    string `json:"worker_id"`
	RequestID   string `json:"request_id"`
	Success     bool   `json:"success"`
	PayloadJSON string `json:"payload_json,omitempty"`
	Error       string `json:"error,omitempty"`
	ReplyStream string `json:"reply_stream,omitempty"`
}

// DispatchResult is the outcome of a dispatch attempt.
type DispatchResult struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	TaskID   string `json:"task_id"`
}

// Dispatcher is the upstream-facing contract the scheduler drives. Both
// modes implement it.
type Dispatcher interface {
	// Dispatch delivers a task to the worker and waits up to ackTimeout
	// for the accept/refuse answer. Idempotent on task.TaskID: a repeat
	// within the receipt TTL returns the cached result.
	Dispatch(ctx context.Context, workerID string, task TaskDispatch, ackTimeout time.Duration) (DispatchResult, error)

	// PushControl delivers a control message to the worker.
	PushControl(ctx context.Context, workerID string, ctrl ControlMessage) error

	// Mode reports the transport mode.
	Mode() string

	// Close releases transport resources.
	Close() error
}
