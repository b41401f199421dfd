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

// Package backend provides storage for tasks, runs, workers, distribution
// state and node history.
//
// # Interface Hierarchy
//
// Interfaces are segregated so components depend on the minimum they need:
//
//   - TaskStore / RunStore (core): templates and execution records
//   - WorkerStore: worker registration, credentials, status
//   - NodeProjectStore: per-worker artifact distribution state
//   - HistoryStore: node events and minute-coalesced performance samples
//   - ACLStore: per-user worker permissions
//
// The Backend interface composes all of these for full implementations.
// State transitions are enforced here, at the persistence boundary: an
// update inconsistent with the run state machine is rejected with a
// StateConflictError, and the conflicting writer loses.
package backend

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/tombee/dispatch/internal/state"
)

// TaskType identifies what a task template runs.
type TaskType string

const (
	TaskTypeFile   TaskType = "file"
	TaskTypeCode   TaskType = "code"
	TaskTypeRule   TaskType = "rule"
	TaskTypeSpider TaskType = "spider"
)

// ScheduleKind selects the trigger style.
type ScheduleKind string

const (
	ScheduleOnce     ScheduleKind = "once"
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleManual   ScheduleKind = "manual"
)

// Schedule describes when a task fires.
type Schedule struct {
	Kind ScheduleKind `json:"kind"`

	// Cron is the 5-field cron expression for ScheduleCron.
	Cron string `json:"cron,omitempty"`

	// Interval is the fixed period for ScheduleInterval.
	Interval time.Duration `json:"interval,omitempty"`

	// At is the one-shot fire time for ScheduleOnce.
	At *time.Time `json:"at,omitempty"`
}

// RetryPolicy controls retry orchestration for failed runs.
type RetryPolicy struct {
	// MaxRetries is the number of fresh runs scheduled after a terminal
	// failed or timeout run. Distinct from the run-level attempt number.
	MaxRetries int `json:"max_retries"`

	// InitialDelay seeds the backoff engine.
	InitialDelay time.Duration `json:"initial_delay"`

	// Backoff selects the growth curve ("exponential" or "fixed").
	Backoff string `json:"backoff"`
}

// ExecutionStrategy selects how the resolver picks a worker.
type ExecutionStrategy string

const (
	StrategyLocal       ExecutionStrategy = "local"
	StrategyFixed       ExecutionStrategy = "fixed"
	StrategyAuto        ExecutionStrategy = "auto"
	StrategyPreferBound ExecutionStrategy = "prefer-bound"
)

// Task is a reusable template describing what to run and when.
// Internal primary keys never leave the store; PublicID is the only
// identifier that crosses boundaries.
type Task struct {
	PublicID  string            `json:"public_id"`
	Name      string            `json:"name"`
	ProjectID string            `json:"project_id"`
	Type      TaskType          `json:"type"`
	Schedule  Schedule          `json:"schedule"`

	// MaxConcurrentInstances caps simultaneous live runs of this task.
	MaxConcurrentInstances int `json:"max_concurrent_instances"`

	// TimeoutSeconds is the run heartbeat limit; zero uses the global
	// execution timeout.
	TimeoutSeconds int `json:"timeout_seconds"`

	Retry    RetryPolicy       `json:"retry"`
	IsActive bool              `json:"is_active"`
	Strategy ExecutionStrategy `json:"strategy"`

	// FallbackEnabled lets fixed strategies fall back to auto when the
	// bound worker is not online.
	FallbackEnabled bool   `json:"fallback_enabled"`
	BoundWorkerID   string `json:"bound_worker_id,omitempty"`
	OwnerID         string `json:"owner_id"`

	// Selector optionally narrows auto resolution with a worker
	// expression evaluated against the worker snapshot.
	Selector string `json:"selector,omitempty"`

	// Entrypoint is passed through to the worker payload.
	Entrypoint string `json:"entrypoint,omitempty"`

	SuccessCount int64      `json:"success_count"`
	FailureCount int64      `json:"failure_count"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	NextRun      *time.Time `json:"next_run,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Run is one invocation of a task. RunID is the external UUID carried on
// every wire message; PublicID is the API identifier.
type Run struct {
	PublicID string `json:"public_id"`
	RunID    string `json:"run_id"`
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id,omitempty"`

	DispatchStatus state.DispatchStatus `json:"dispatch_status"`
	RuntimeStatus  state.RuntimeStatus  `json:"runtime_status,omitempty"`

	StartTime  *time.Time `json:"start_time,omitempty"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	DurationMS *int64     `json:"duration_ms,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`

	// Attempt is the 0-based retry attempt number for this run.
	Attempt int `json:"attempt"`

	ErrorMessage  string          `json:"error_message,omitempty"`
	ResultData    json.RawMessage `json:"result_data,omitempty"`
	LastHeartbeat *time.Time      `json:"last_heartbeat,omitempty"`
	LogFileKey    string          `json:"log_file_key,omitempty"`
	ErrorLogKey   string          `json:"error_log_key,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Status derives the aggregate status from the two axes.
func (r *Run) Status() state.Status {
	return state.Aggregate(r.DispatchStatus, r.RuntimeStatus)
}

// WorkerStatus is the registry lifecycle state of a worker.
type WorkerStatus string

const (
	WorkerOffline     WorkerStatus = "offline"
	WorkerOnline      WorkerStatus = "online"
	WorkerUnreachable WorkerStatus = "unreachable"
)

// HeartbeatMetrics is the latest resource snapshot reported by a worker.
type HeartbeatMetrics struct {
	CPUPercent         float64   `json:"cpu_percent"`
	MemoryPercent      float64   `json:"memory_percent"`
	DiskPercent        float64   `json:"disk_percent"`
	RunningTasks       int       `json:"running_tasks"`
	MaxConcurrentTasks int       `json:"max_concurrent_tasks"`
	Timestamp          time.Time `json:"timestamp"`
}

// Worker is a registered execution agent.
type Worker struct {
	PublicID string `json:"public_id"`
	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     int    `json:"port"`

	Status WorkerStatus `json:"status"`
	Region string       `json:"region,omitempty"`
	Tags   []string     `json:"tags,omitempty"`

	OSInfo       map[string]any `json:"os_info,omitempty"`
	Capabilities map[string]any `json:"capabilities,omitempty"`

	LastHeartbeat *time.Time        `json:"last_heartbeat,omitempty"`
	Metrics       *HeartbeatMetrics `json:"metrics,omitempty"`

	// APIKey authenticates the worker; SecretKey signs intranet pushes.
	// Neither is ever logged.
	APIKey    string `json:"api_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NodeProjectStatus marks whether a worker's copy of a project is current.
type NodeProjectStatus string

const (
	NodeProjectSynced NodeProjectStatus = "synced"
	NodeProjectStale  NodeProjectStatus = "stale"
)

// NodeProjectFile tracks one distributed file.
type NodeProjectFile struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// NodeProject is the distribution state for one (worker, project) pair.
// Exactly one row exists per pair.
type NodeProject struct {
	WorkerID  string `json:"worker_id"`
	ProjectID string `json:"project_id"`

	FileHash       string            `json:"file_hash"`
	FileSize       int64             `json:"file_size"`
	TransferMethod string            `json:"transfer_method"`
	Status         NodeProjectStatus `json:"status"`
	SyncCount      int               `json:"sync_count"`

	SyncedAt   *time.Time        `json:"synced_at,omitempty"`
	LastUsedAt *time.Time        `json:"last_used_at,omitempty"`
	Files      []NodeProjectFile `json:"files,omitempty"`
}

// NodeEvent records a worker lifecycle transition.
type NodeEvent struct {
	WorkerID  string    `json:"worker_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// PerfSample is a minute-coalesced performance row. The ingest layer
// coalesces; within one minute the last value wins.
type PerfSample struct {
	WorkerID      string    `json:"worker_id"`
	Minute        time.Time `json:"minute"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	RunningTasks  int       `json:"running_tasks"`
}

// Permission grades a user's access to a worker.
type Permission string

const (
	PermissionUse   Permission = "use"
	PermissionAdmin Permission = "admin"
)

// RunUpdate carries the optional fields set alongside a status transition.
// Nil pointers leave the column untouched.
type RunUpdate struct {
	WorkerID      *string
	StartTime     *time.Time
	EndTime       *time.Time
	DurationMS    *int64
	ExitCode      *int
	ErrorMessage  *string
	ResultData    json.RawMessage
	LastHeartbeat *time.Time
	LogFileKey    *string
	ErrorLogKey   *string
}

// TaskFilter filters task listings.
type TaskFilter struct {
	Active *bool
	Type   TaskType
	Limit  int
	Offset int
}

// RunFilter filters run listings.
type RunFilter struct {
	TaskID   string
	WorkerID string
	Status   state.Status
	Limit    int
	Offset   int
}

// TaskStore stores task templates.
type TaskStore interface {
	// CreateTask creates a task. Names are globally unique.
	CreateTask(ctx context.Context, task *Task) error

	// GetTask retrieves a task by public id.
	GetTask(ctx context.Context, publicID string) (*Task, error)

	// GetTaskByName retrieves a task by its unique name.
	GetTaskByName(ctx context.Context, name string) (*Task, error)

	// UpdateTask updates a task's configuration.
	UpdateTask(ctx context.Context, task *Task) error

	// ListTasks lists tasks with optional filtering.
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)

	// DeleteTask deletes a task and cascades to its runs.
	DeleteTask(ctx context.Context, publicID string) error

	// RecordTaskOutcome bumps the success or failure counter and stamps
	// last_run/next_run in one write.
	RecordTaskOutcome(ctx context.Context, publicID string, success bool, lastRun time.Time, nextRun *time.Time) error
}

// RunStore stores execution records and enforces the state machine.
type RunStore interface {
	// CreateRun creates a run in dispatch=pending.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run by its external run id.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// TransitionDispatch advances the dispatch axis. Rejects transitions
	// the state machine forbids with a StateConflictError.
	TransitionDispatch(ctx context.Context, runID string, to state.DispatchStatus, update RunUpdate) error

	// TransitionRuntime advances the runtime axis under the same rules.
	TransitionRuntime(ctx context.Context, runID string, to state.RuntimeStatus, update RunUpdate) error

	// TouchRunHeartbeat stamps last_heartbeat on a live run.
	TouchRunHeartbeat(ctx context.Context, runID string, at time.Time) error

	// ListRuns lists runs with optional filtering, newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// CountLiveRuns counts runs of a task in {dispatching, queued, running}.
	CountLiveRuns(ctx context.Context, taskID string) (int, error)

	// ListStalledDispatches returns runs stuck in dispatching since before
	// cutoff. Consumed by the scheduler janitor.
	ListStalledDispatches(ctx context.Context, cutoff time.Time) ([]*Run, error)

	// ListStaleRunning returns running runs whose last heartbeat is older
	// than their per-run cutoff.
	ListStaleRunning(ctx context.Context, cutoff time.Time) ([]*Run, error)
}

// WorkerStore stores worker registrations.
type WorkerStore interface {
	// CreateWorker registers a worker.
	CreateWorker(ctx context.Context, worker *Worker) error

	// GetWorker retrieves a worker by public id.
	GetWorker(ctx context.Context, publicID string) (*Worker, error)

	// GetWorkerByAPIKey authenticates a worker credential.
	GetWorkerByAPIKey(ctx context.Context, apiKey string) (*Worker, error)

	// UpdateWorkerStatus transitions a worker's registry state.
	UpdateWorkerStatus(ctx context.Context, publicID string, status WorkerStatus) error

	// RecordHeartbeat stamps last_heartbeat and the metrics snapshot
	// atomically.
	RecordHeartbeat(ctx context.Context, publicID string, metrics HeartbeatMetrics) error

	// ListWorkers lists workers, optionally by status.
	ListWorkers(ctx context.Context, status WorkerStatus) ([]*Worker, error)

	// DeleteWorker removes a worker. Fails if active runs reference it.
	DeleteWorker(ctx context.Context, publicID string) error
}

// NodeProjectStore stores per-worker artifact distribution state.
type NodeProjectStore interface {
	// UpsertNodeProject records a successful delivery; one row per pair.
	UpsertNodeProject(ctx context.Context, np *NodeProject) error

	// GetNodeProject retrieves the row for one (worker, project) pair.
	GetNodeProject(ctx context.Context, workerID, projectID string) (*NodeProject, error)

	// MarkProjectStale sets every row of the project to stale.
	MarkProjectStale(ctx context.Context, projectID string) (int, error)

	// ListNodeProjects lists distribution rows for a worker.
	ListNodeProjects(ctx context.Context, workerID string) ([]*NodeProject, error)
}

// HistoryStore stores node events and performance samples.
type HistoryStore interface {
	// AppendNodeEvent records a worker lifecycle transition.
	AppendNodeEvent(ctx context.Context, event NodeEvent) error

	// ListNodeEvents lists events for a worker, newest first.
	ListNodeEvents(ctx context.Context, workerID string, limit int) ([]NodeEvent, error)

	// UpsertPerfSample writes a minute-coalesced sample; the last write
	// within a minute wins.
	UpsertPerfSample(ctx context.Context, sample PerfSample) error

	// ListPerfSamples lists samples for a worker since a cutoff.
	ListPerfSamples(ctx context.Context, workerID string, since time.Time) ([]PerfSample, error)

	// PrunePerfSamples drops samples older than cutoff, returning the count.
	PrunePerfSamples(ctx context.Context, cutoff time.Time) (int, error)
}

// ACLStore stores per-user worker permissions. Admins bypass.
type ACLStore interface {
	// SetPermission grants a permission on a worker.
	SetPermission(ctx context.Context, userID, workerID string, perm Permission) error

	// GetPermission returns the granted permission, if any.
	GetPermission(ctx context.Context, userID, workerID string) (Permission, bool, error)
}

// Backend composes the full storage contract.
type Backend interface {
	TaskStore
	RunStore
	WorkerStore
	NodeProjectStore
	HistoryStore
	ACLStore
	io.Closer
}
