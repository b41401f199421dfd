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

// Package sqlite provides a SQLite backend implementation for single-node
// deployments. State transitions are checked inside a transaction with a
// guarded UPDATE, so a conflicting concurrent writer loses cleanly.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tombee/dispatch/internal/backend"
	"github.com/tombee/dispatch/internal/state"
	dispatcherrors "github.com/tombee/dispatch/pkg/errors"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertions.
var (
	_ backend.TaskStore        = (*Backend)(nil)
	_ backend.RunStore         = (*Backend)(nil)
	_ backend.WorkerStore      = (*Backend)(nil)
	_ backend.NodeProjectStore = (*Backend)(nil)
	_ backend.HistoryStore     = (*Backend)(nil)
	_ backend.ACLStore         = (*Backend)(nil)
	_ backend.Backend          = (*Backend)(nil)
)

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite backend.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

// configurePragmas sets SQLite configuration options.
func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			public_id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			project_id TEXT NOT NULL,
			type TEXT NOT NULL,
			schedule TEXT NOT NULL,
			max_concurrent_instances INTEGER DEFAULT 3,
			timeout_seconds INTEGER DEFAULT 0,
			retry TEXT NOT NULL,
			is_active INTEGER DEFAULT 1,
			strategy TEXT NOT NULL,
			fallback_enabled INTEGER DEFAULT 0,
			bound_worker_id TEXT,
			owner_id TEXT,
			selector TEXT,
			entrypoint TEXT,
			success_count INTEGER DEFAULT 0,
			failure_count INTEGER DEFAULT 0,
			last_run TEXT,
			next_run TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_active ON tasks(is_active)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_type ON tasks(type)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			public_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			worker_id TEXT,
			dispatch_status TEXT NOT NULL,
			runtime_status TEXT NOT NULL DEFAULT '',
			start_time TEXT,
			end_time TEXT,
			duration_ms INTEGER,
			exit_code INTEGER,
			attempt INTEGER DEFAULT 0,
			error_message TEXT,
			result_data TEXT,
			last_heartbeat TEXT,
			log_file_key TEXT,
			error_log_key TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (task_id) REFERENCES tasks(public_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_task_id ON runs(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_worker_id ON runs(worker_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_dispatch_status ON runs(dispatch_status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
		`CREATE TABLE IF NOT EXISTS workers (
			public_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			host TEXT NOT NULL,
			port INTEGER DEFAULT 0,
			status TEXT NOT NULL,
			region TEXT,
			tags TEXT,
			os_info TEXT,
			capabilities TEXT,
			last_heartbeat TEXT,
			metrics TEXT,
			api_key TEXT,
			secret_key TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workers_status ON workers(status)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_workers_api_key ON workers(api_key)`,
		`CREATE TABLE IF NOT EXISTS node_projects (
			worker_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			file_hash TEXT NOT NULL,
			file_size INTEGER DEFAULT 0,
			transfer_method TEXT,
			status TEXT NOT NULL,
			sync_count INTEGER DEFAULT 0,
			synced_at TEXT,
			last_used_at TEXT,
			files TEXT,
			PRIMARY KEY (worker_id, project_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_node_projects_project ON node_projects(project_id)`,
		`CREATE TABLE IF NOT EXISTS node_events (
			worker_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_node_events_worker ON node_events(worker_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS perf_samples (
			worker_id TEXT NOT NULL,
			minute TEXT NOT NULL,
			cpu_percent REAL DEFAULT 0,
			memory_percent REAL DEFAULT 0,
			disk_percent REAL DEFAULT 0,
			running_tasks INTEGER DEFAULT 0,
			PRIMARY KEY (worker_id, minute)
		)`,
		`CREATE TABLE IF NOT EXISTS user_node_permissions (
			user_id TEXT NOT NULL,
			worker_id TEXT NOT NULL,
			permission TEXT NOT NULL,
			PRIMARY KEY (user_id, worker_id)
		)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// CreateTask creates a task. Names are globally unique.
func (b *Backend) CreateTask(ctx context.Context, task *backend.Task) error {
	scheduleJSON, err := json.Marshal(task.Schedule)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule: %w", err)
	}
	retryJSON, err := json.Marshal(task.Retry)
	if err != nil {
		return fmt.Errorf("failed to marshal retry: %w", err)
	}

	query := `
		INSERT INTO tasks (public_id, name, project_id, type, schedule, max_concurrent_instances,
			timeout_seconds, retry, is_active, strategy, fallback_enabled, bound_worker_id,
			owner_id, selector, entrypoint, success_count, failure_count, last_run, next_run,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now()
	_, err = b.db.ExecContext(ctx, query,
		task.PublicID, task.Name, task.ProjectID, string(task.Type), string(scheduleJSON),
		task.MaxConcurrentInstances, task.TimeoutSeconds, string(retryJSON),
		boolToInt(task.IsActive), string(task.Strategy), boolToInt(task.FallbackEnabled),
		nullString(task.BoundWorkerID), nullString(task.OwnerID), nullString(task.Selector),
		nullString(task.Entrypoint), task.SuccessCount, task.FailureCount,
		formatTime(task.LastRun), formatTime(task.NextRun),
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	task.CreatedAt = now
	task.UpdatedAt = now
	return nil
}

const taskColumns = `public_id, name, project_id, type, schedule, max_concurrent_instances,
	timeout_seconds, retry, is_active, strategy, fallback_enabled, bound_worker_id,
	owner_id, selector, entrypoint, success_count, failure_count, last_run, next_run,
	created_at, updated_at`

// GetTask retrieves a task by public id.
func (b *Backend) GetTask(ctx context.Context, publicID string) (*backend.Task, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE public_id = ?`, publicID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, &dispatcherrors.NotFoundError{Resource: "task", ID: publicID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// GetTaskByName retrieves a task by its unique name.
func (b *Backend) GetTaskByName(ctx context.Context, name string) (*backend.Task, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE name = ?`, name)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, &dispatcherrors.NotFoundError{Resource: "task", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// UpdateTask updates a task's configuration.
func (b *Backend) UpdateTask(ctx context.Context, task *backend.Task) error {
	scheduleJSON, err := json.Marshal(task.Schedule)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule: %w", err)
	}
	retryJSON, err := json.Marshal(task.Retry)
	if err != nil {
		return fmt.Errorf("failed to marshal retry: %w", err)
	}

	query := `
		UPDATE tasks SET
			name = ?, project_id = ?, type = ?, schedule = ?, max_concurrent_instances = ?,
			timeout_seconds = ?, retry = ?, is_active = ?, strategy = ?, fallback_enabled = ?,
			bound_worker_id = ?, owner_id = ?, selector = ?, entrypoint = ?,
			last_run = ?, next_run = ?, updated_at = ?
		WHERE public_id = ?
	`

	now := time.Now()
	result, err := b.db.ExecContext(ctx, query,
		task.Name, task.ProjectID, string(task.Type), string(scheduleJSON),
		task.MaxConcurrentInstances, task.TimeoutSeconds, string(retryJSON),
		boolToInt(task.IsActive), string(task.Strategy), boolToInt(task.FallbackEnabled),
		nullString(task.BoundWorkerID), nullString(task.OwnerID), nullString(task.Selector),
		nullString(task.Entrypoint), formatTime(task.LastRun), formatTime(task.NextRun),
		now.Format(time.RFC3339), task.PublicID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return &dispatcherrors.NotFoundError{Resource: "task", ID: task.PublicID}
	}

	task.UpdatedAt = now
	return nil
}

// ListTasks lists tasks with optional filtering.
func (b *Backend) ListTasks(ctx context.Context, filter backend.TaskFilter) ([]*backend.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any

	if filter.Active != nil {
		query += ` AND is_active = ?`
		args = append(args, boolToInt(*filter.Active))
	}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(filter.Type))
	}
	query += ` ORDER BY created_at ASC, public_id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*backend.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// DeleteTask deletes a task; runs cascade via the foreign key.
func (b *Backend) DeleteTask(ctx context.Context, publicID string) error {
	result, err := b.db.ExecContext(ctx, `DELETE FROM tasks WHERE public_id = ?`, publicID)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return &dispatcherrors.NotFoundError{Resource: "task", ID: publicID}
	}
	return nil
}

// RecordTaskOutcome bumps the success or failure counter and stamps run times.
func (b *Backend) RecordTaskOutcome(ctx context.Context, publicID string, success bool, lastRun time.Time, nextRun *time.Time) error {
	column := "failure_count"
	if success {
		column = "success_count"
	}
	query := fmt.Sprintf(`
		UPDATE tasks SET %s = %s + 1, last_run = ?, next_run = ?, updated_at = ?
		WHERE public_id = ?
	`, column, column)

	result, err := b.db.ExecContext(ctx, query,
		lastRun.Format(time.RFC3339), formatTime(nextRun),
		time.Now().Format(time.RFC3339), publicID,
	)
	if err != nil {
		return fmt.Errorf("failed to record task outcome: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return &dispatcherrors.NotFoundError{Resource: "task", ID: publicID}
	}
	return nil
}

// CreateRun creates a run in dispatch=pending.
func (b *Backend) CreateRun(ctx context.Context, run *backend.Run) error {
	if run.DispatchStatus == "" {
		run.DispatchStatus = state.DispatchPending
	}

	query := `
		INSERT INTO runs (run_id, public_id, task_id, worker_id, dispatch_status, runtime_status,
			start_time, end_time, duration_ms, exit_code, attempt, error_message, result_data,
			last_heartbeat, log_file_key, error_log_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now()
	_, err := b.db.ExecContext(ctx, query,
		run.RunID, run.PublicID, run.TaskID, nullString(run.WorkerID),
		string(run.DispatchStatus), string(run.RuntimeStatus),
		formatTime(run.StartTime), formatTime(run.EndTime),
		nullInt64(run.DurationMS), nullInt(run.ExitCode), run.Attempt,
		nullString(run.ErrorMessage), nullString(string(run.ResultData)),
		formatTime(run.LastHeartbeat), nullString(run.LogFileKey), nullString(run.ErrorLogKey),
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	run.CreatedAt = now
	run.UpdatedAt = now
	return nil
}

const runColumns = `run_id, public_id, task_id, worker_id, dispatch_status, runtime_status,
	start_time, end_time, duration_ms, exit_code, attempt, error_message, result_data,
	last_heartbeat, log_file_key, error_log_key, created_at, updated_at`

// GetRun retrieves a run by its external run id.
func (b *Backend) GetRun(ctx context.Context, runID string) (*backend.Run, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &dispatcherrors.NotFoundError{Resource: "run", ID: runID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// TransitionDispatch advances the dispatch axis. The current state is read
// and checked inside a transaction and the UPDATE is guarded on it, so a
// concurrent conflicting writer loses with a StateConflictError.
func (b *Backend) TransitionDispatch(ctx context.Context, runID string, to state.DispatchStatus, update backend.RunUpdate) error {
	return b.transition(ctx, runID, func(d state.DispatchStatus, r state.RuntimeStatus) (string, error) {
		if !state.CanTransitionDispatch(d, to) {
			return "", &dispatcherrors.StateConflictError{
				Entity: "run", ID: runID, From: string(d), To: string(to),
			}
		}
		return string(to), nil
	}, "dispatch_status", update)
}

// TransitionRuntime advances the runtime axis under the same rules.
func (b *Backend) TransitionRuntime(ctx context.Context, runID string, to state.RuntimeStatus, update backend.RunUpdate) error {
	return b.transition(ctx, runID, func(d state.DispatchStatus, r state.RuntimeStatus) (string, error) {
		if !state.CanTransitionRuntime(d, r, to) {
			return "", &dispatcherrors.StateConflictError{
				Entity: "run", ID: runID, From: string(r), To: string(to),
			}
		}
		return string(to), nil
	}, "runtime_status", update)
}

// transition runs one guarded status update. check receives the current
// axes and returns the new value for column.
func (b *Backend) transition(ctx context.Context, runID string, check func(state.DispatchStatus, state.RuntimeStatus) (string, error), column string, update backend.RunUpdate) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var dispatchStatus, runtimeStatus string
	err = tx.QueryRowContext(ctx,
		`SELECT dispatch_status, runtime_status FROM runs WHERE run_id = ?`, runID,
	).Scan(&dispatchStatus, &runtimeStatus)
	if err == sql.ErrNoRows {
		return &dispatcherrors.NotFoundError{Resource: "run", ID: runID}
	}
	if err != nil {
		return fmt.Errorf("failed to read run state: %w", err)
	}

	newValue, err := check(state.DispatchStatus(dispatchStatus), state.RuntimeStatus(runtimeStatus))
	if err != nil {
		return err
	}

	query := `UPDATE runs SET ` + column + ` = ?`
	args := []any{newValue}

	if update.WorkerID != nil {
		query += `, worker_id = ?`
		args = append(args, *update.WorkerID)
	}
	if update.StartTime != nil {
		query += `, start_time = ?`
		args = append(args, update.StartTime.Format(time.RFC3339))
	}
	if update.EndTime != nil {
		query += `, end_time = ?`
		args = append(args, update.EndTime.Format(time.RFC3339))
	}
	if update.DurationMS != nil {
		query += `, duration_ms = ?`
		args = append(args, *update.DurationMS)
	}
	if update.ExitCode != nil {
		query += `, exit_code = ?`
		args = append(args, *update.ExitCode)
	}
	if update.ErrorMessage != nil {
		query += `, error_message = ?`
		args = append(args, *update.ErrorMessage)
	}
	if update.ResultData != nil {
		query += `, result_data = ?`
		args = append(args, string(update.ResultData))
	}
	if update.LastHeartbeat != nil {
		query += `, last_heartbeat = ?`
		args = append(args, update.LastHeartbeat.Format(time.RFC3339))
	}
	if update.LogFileKey != nil {
		query += `, log_file_key = ?`
		args = append(args, *update.LogFileKey)
	}
	if update.ErrorLogKey != nil {
		query += `, error_log_key = ?`
		args = append(args, *update.ErrorLogKey)
	}

	// Guard on the state observed above.
	query += `, updated_at = ? WHERE run_id = ? AND dispatch_status = ? AND runtime_status = ?`
	args = append(args, time.Now().Format(time.RFC3339), runID, dispatchStatus, runtimeStatus)

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return &dispatcherrors.StateConflictError{
			Entity: "run", ID: runID, From: dispatchStatus + "/" + runtimeStatus, To: newValue,
		}
	}

	return tx.Commit()
}

// TouchRunHeartbeat stamps last_heartbeat on a live run.
func (b *Backend) TouchRunHeartbeat(ctx context.Context, runID string, at time.Time) error {
	query := `
		UPDATE runs SET last_heartbeat = ?, updated_at = ?
		WHERE run_id = ?
		  AND dispatch_status NOT IN ('failed', 'timeout')
		  AND runtime_status NOT IN ('success', 'failed', 'cancelled', 'timeout')
	`
	result, err := b.db.ExecContext(ctx, query,
		at.Format(time.RFC3339), time.Now().Format(time.RFC3339), runID)
	if err != nil {
		return fmt.Errorf("failed to touch run heartbeat: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		// Either missing or terminal; distinguish for the caller.
		var exists int
		if scanErr := b.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE run_id = ?`, runID).Scan(&exists); scanErr == sql.ErrNoRows {
			return &dispatcherrors.NotFoundError{Resource: "run", ID: runID}
		}
		return &dispatcherrors.StateConflictError{Entity: "run", ID: runID, From: "terminal", To: "heartbeat"}
	}
	return nil
}

// ListRuns lists runs with optional filtering, newest first.
// Aggregate-status filters are mapped back onto the two stored axes.
func (b *Backend) ListRuns(ctx context.Context, filter backend.RunFilter) ([]*backend.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, filter.TaskID)
	}
	if filter.WorkerID != "" {
		query += ` AND worker_id = ?`
		args = append(args, filter.WorkerID)
	}
	switch filter.Status {
	case "":
	case state.StatusPending, state.StatusDispatching, state.StatusQueued:
		query += ` AND dispatch_status = ? AND runtime_status = ''`
		args = append(args, string(filter.Status))
	case state.StatusRunning, state.StatusSuccess, state.StatusCancelled:
		query += ` AND dispatch_status = 'queued' AND runtime_status = ?`
		args = append(args, string(filter.Status))
	case state.StatusFailed, state.StatusTimeout:
		query += ` AND (dispatch_status = ? OR (dispatch_status = 'queued' AND runtime_status = ?))`
		args = append(args, string(filter.Status), string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, run_id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*backend.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CountLiveRuns counts runs of a task in {dispatching, queued, running}.
func (b *Backend) CountLiveRuns(ctx context.Context, taskID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM runs
		WHERE task_id = ?
		  AND (dispatch_status = 'dispatching'
		       OR (dispatch_status = 'queued' AND runtime_status IN ('', 'running')))
	`
	var count int
	if err := b.db.QueryRowContext(ctx, query, taskID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count live runs: %w", err)
	}
	return count, nil
}

// ListStalledDispatches returns runs stuck in dispatching since before cutoff.
func (b *Backend) ListStalledDispatches(ctx context.Context, cutoff time.Time) ([]*backend.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs
		WHERE dispatch_status = 'dispatching' AND updated_at < ?
		ORDER BY updated_at ASC`

	rows, err := b.db.QueryContext(ctx, query, cutoff.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to list stalled dispatches: %w", err)
	}
	defer rows.Close()

	var runs []*backend.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListStaleRunning returns running runs whose last heartbeat predates cutoff.
// Runs that never heartbeated are judged by their start time.
func (b *Backend) ListStaleRunning(ctx context.Context, cutoff time.Time) ([]*backend.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs
		WHERE dispatch_status = 'queued' AND runtime_status = 'running'
		  AND COALESCE(last_heartbeat, start_time) < ?
		ORDER BY run_id ASC`

	rows, err := b.db.QueryContext(ctx, query, cutoff.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to list stale running runs: %w", err)
	}
	defer rows.Close()

	var runs []*backend.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CreateWorker registers a worker.
func (b *Backend) CreateWorker(ctx context.Context, worker *backend.Worker) error {
	if worker.Status == "" {
		worker.Status = backend.WorkerOffline
	}
	tagsJSON, err := json.Marshal(worker.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	osJSON, err := json.Marshal(worker.OSInfo)
	if err != nil {
		return fmt.Errorf("failed to marshal os_info: %w", err)
	}
	capsJSON, err := json.Marshal(worker.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}

	query := `
		INSERT INTO workers (public_id, name, host, port, status, region, tags, os_info,
			capabilities, last_heartbeat, metrics, api_key, secret_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now()
	_, err = b.db.ExecContext(ctx, query,
		worker.PublicID, worker.Name, worker.Host, worker.Port, string(worker.Status),
		nullString(worker.Region), string(tagsJSON), string(osJSON), string(capsJSON),
		formatTime(worker.LastHeartbeat), nil,
		nullString(worker.APIKey), nullString(worker.SecretKey),
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	worker.CreatedAt = now
	worker.UpdatedAt = now
	return nil
}

const workerColumns = `public_id, name, host, port, status, region, tags, os_info,
	capabilities, last_heartbeat, metrics, api_key, secret_key, created_at, updated_at`

// GetWorker retrieves a worker by public id.
func (b *Backend) GetWorker(ctx context.Context, publicID string) (*backend.Worker, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE public_id = ?`, publicID)
	worker, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return nil, &dispatcherrors.NotFoundError{Resource: "worker", ID: publicID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	return worker, nil
}

// GetWorkerByAPIKey authenticates a worker credential.
func (b *Backend) GetWorkerByAPIKey(ctx context.Context, apiKey string) (*backend.Worker, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE api_key = ?`, apiKey)
	worker, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return nil, &dispatcherrors.AuthError{Scheme: "api_key", Message: "unknown credential"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up worker by api key: %w", err)
	}
	return worker, nil
}

// UpdateWorkerStatus transitions a worker's registry state.
func (b *Backend) UpdateWorkerStatus(ctx context.Context, publicID string, status backend.WorkerStatus) error {
	result, err := b.db.ExecContext(ctx,
		`UPDATE workers SET status = ?, updated_at = ? WHERE public_id = ?`,
		string(status), time.Now().Format(time.RFC3339), publicID)
	if err != nil {
		return fmt.Errorf("failed to update worker status: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return &dispatcherrors.NotFoundError{Resource: "worker", ID: publicID}
	}
	return nil
}

// RecordHeartbeat stamps last_heartbeat and the metrics snapshot atomically.
func (b *Backend) RecordHeartbeat(ctx context.Context, publicID string, metrics backend.HeartbeatMetrics) error {
	if metrics.Timestamp.IsZero() {
		metrics.Timestamp = time.Now()
	}
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	result, err := b.db.ExecContext(ctx,
		`UPDATE workers SET last_heartbeat = ?, metrics = ?, updated_at = ? WHERE public_id = ?`,
		metrics.Timestamp.Format(time.RFC3339), string(metricsJSON),
		time.Now().Format(time.RFC3339), publicID)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return &dispatcherrors.NotFoundError{Resource: "worker", ID: publicID}
	}
	return nil
}

// ListWorkers lists workers, optionally by status.
func (b *Backend) ListWorkers(ctx context.Context, status backend.WorkerStatus) ([]*backend.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY public_id ASC`

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	var workers []*backend.Worker
	for rows.Next() {
		worker, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		workers = append(workers, worker)
	}
	return workers, rows.Err()
}

// DeleteWorker removes a worker. Fails if non-terminal runs reference it.
func (b *Backend) DeleteWorker(ctx context.Context, publicID string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var active int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM runs
		WHERE worker_id = ?
		  AND dispatch_status NOT IN ('failed', 'timeout')
		  AND runtime_status NOT IN ('success', 'failed', 'cancelled', 'timeout')
	`, publicID).Scan(&active)
	if err != nil {
		return fmt.Errorf("failed to count active runs: %w", err)
	}
	if active > 0 {
		return &dispatcherrors.StateConflictError{Entity: "worker", ID: publicID, From: "online", To: "deleted"}
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM workers WHERE public_id = ?`, publicID)
	if err != nil {
		return fmt.Errorf("failed to delete worker: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return &dispatcherrors.NotFoundError{Resource: "worker", ID: publicID}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM node_projects WHERE worker_id = ?`, publicID); err != nil {
		return fmt.Errorf("failed to delete worker projects: %w", err)
	}

	return tx.Commit()
}

// UpsertNodeProject records a successful delivery; one row per pair.
// Sync count accumulates across upserts.
func (b *Backend) UpsertNodeProject(ctx context.Context, np *backend.NodeProject) error {
	filesJSON, err := json.Marshal(np.Files)
	if err != nil {
		return fmt.Errorf("failed to marshal files: %w", err)
	}

	query := `
		INSERT INTO node_projects (worker_id, project_id, file_hash, file_size, transfer_method,
			status, sync_count, synced_at, last_used_at, files)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT (worker_id, project_id) DO UPDATE SET
			file_hash = excluded.file_hash,
			file_size = excluded.file_size,
			transfer_method = excluded.transfer_method,
			status = excluded.status,
			sync_count = node_projects.sync_count + 1,
			synced_at = excluded.synced_at,
			last_used_at = excluded.last_used_at,
			files = excluded.files
	`

	_, err = b.db.ExecContext(ctx, query,
		np.WorkerID, np.ProjectID, np.FileHash, np.FileSize, nullString(np.TransferMethod),
		string(np.Status), formatTime(np.SyncedAt), formatTime(np.LastUsedAt), string(filesJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert node project: %w", err)
	}
	return nil
}

// GetNodeProject retrieves the row for one (worker, project) pair.
func (b *Backend) GetNodeProject(ctx context.Context, workerID, projectID string) (*backend.NodeProject, error) {
	query := `
		SELECT worker_id, project_id, file_hash, file_size, transfer_method,
			status, sync_count, synced_at, last_used_at, files
		FROM node_projects WHERE worker_id = ? AND project_id = ?
	`

	np, err := scanNodeProject(b.db.QueryRowContext(ctx, query, workerID, projectID))
	if err == sql.ErrNoRows {
		return nil, &dispatcherrors.NotFoundError{Resource: "node_project", ID: workerID + "/" + projectID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node project: %w", err)
	}
	return np, nil
}

// MarkProjectStale sets every row of the project to stale.
func (b *Backend) MarkProjectStale(ctx context.Context, projectID string) (int, error) {
	result, err := b.db.ExecContext(ctx,
		`UPDATE node_projects SET status = ? WHERE project_id = ? AND status != ?`,
		string(backend.NodeProjectStale), projectID, string(backend.NodeProjectStale))
	if err != nil {
		return 0, fmt.Errorf("failed to mark project stale: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	return int(rowsAffected), nil
}

// ListNodeProjects lists distribution rows for a worker.
func (b *Backend) ListNodeProjects(ctx context.Context, workerID string) ([]*backend.NodeProject, error) {
	query := `
		SELECT worker_id, project_id, file_hash, file_size, transfer_method,
			status, sync_count, synced_at, last_used_at, files
		FROM node_projects WHERE worker_id = ? ORDER BY project_id ASC
	`

	rows, err := b.db.QueryContext(ctx, query, workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list node projects: %w", err)
	}
	defer rows.Close()

	var out []*backend.NodeProject
	for rows.Next() {
		np, err := scanNodeProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node project: %w", err)
		}
		out = append(out, np)
	}
	return out, rows.Err()
}

// AppendNodeEvent records a worker lifecycle transition.
func (b *Backend) AppendNodeEvent(ctx context.Context, event backend.NodeEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO node_events (worker_id, event_type, timestamp) VALUES (?, ?, ?)`,
		event.WorkerID, event.EventType, event.Timestamp.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to append node event: %w", err)
	}
	return nil
}

// ListNodeEvents lists events for a worker, newest first.
func (b *Backend) ListNodeEvents(ctx context.Context, workerID string, limit int) ([]backend.NodeEvent, error) {
	query := `SELECT worker_id, event_type, timestamp FROM node_events
		WHERE worker_id = ? ORDER BY timestamp DESC`
	args := []any{workerID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list node events: %w", err)
	}
	defer rows.Close()

	var events []backend.NodeEvent
	for rows.Next() {
		var e backend.NodeEvent
		var ts string
		if err := rows.Scan(&e.WorkerID, &e.EventType, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan node event: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339, ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

// UpsertPerfSample writes a minute-coalesced sample; last write wins.
func (b *Backend) UpsertPerfSample(ctx context.Context, sample backend.PerfSample) error {
	minute := sample.Minute.Truncate(time.Minute)
	query := `
		INSERT INTO perf_samples (worker_id, minute, cpu_percent, memory_percent, disk_percent, running_tasks)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (worker_id, minute) DO UPDATE SET
			cpu_percent = excluded.cpu_percent,
			memory_percent = excluded.memory_percent,
			disk_percent = excluded.disk_percent,
			running_tasks = excluded.running_tasks
	`
	_, err := b.db.ExecContext(ctx, query,
		sample.WorkerID, minute.UTC().Format(time.RFC3339),
		sample.CPUPercent, sample.MemoryPercent, sample.DiskPercent, sample.RunningTasks)
	if err != nil {
		return fmt.Errorf("failed to upsert perf sample: %w", err)
	}
	return nil
}

// ListPerfSamples lists samples for a worker since a cutoff, oldest first.
func (b *Backend) ListPerfSamples(ctx context.Context, workerID string, since time.Time) ([]backend.PerfSample, error) {
	query := `SELECT worker_id, minute, cpu_percent, memory_percent, disk_percent, running_tasks
		FROM perf_samples WHERE worker_id = ? AND minute >= ? ORDER BY minute ASC`

	rows, err := b.db.QueryContext(ctx, query, workerID, since.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to list perf samples: %w", err)
	}
	defer rows.Close()

	var samples []backend.PerfSample
	for rows.Next() {
		var s backend.PerfSample
		var minute string
		if err := rows.Scan(&s.WorkerID, &minute, &s.CPUPercent, &s.MemoryPercent, &s.DiskPercent, &s.RunningTasks); err != nil {
			return nil, fmt.Errorf("failed to scan perf sample: %w", err)
		}
		s.Minute, _ = time.Parse(time.RFC3339, minute)
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// PrunePerfSamples drops samples older than cutoff.
func (b *Backend) PrunePerfSamples(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := b.db.ExecContext(ctx,
		`DELETE FROM perf_samples WHERE minute < ?`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to prune perf samples: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	return int(rowsAffected), nil
}

// SetPermission grants a permission on a worker.
func (b *Backend) SetPermission(ctx context.Context, userID, workerID string, perm backend.Permission) error {
	query := `
		INSERT INTO user_node_permissions (user_id, worker_id, permission)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id, worker_id) DO UPDATE SET permission = excluded.permission
	`
	if _, err := b.db.ExecContext(ctx, query, userID, workerID, string(perm)); err != nil {
		return fmt.Errorf("failed to set permission: %w", err)
	}
	return nil
}

// GetPermission returns the granted permission, if any.
func (b *Backend) GetPermission(ctx context.Context, userID, workerID string) (backend.Permission, bool, error) {
	var perm string
	err := b.db.QueryRowContext(ctx,
		`SELECT permission FROM user_node_permissions WHERE user_id = ? AND worker_id = ?`,
		userID, workerID).Scan(&perm)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get permission: %w", err)
	}
	return backend.Permission(perm), true, nil
}

// scanner abstracts sql.Row and sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*backend.Task, error) {
	var task backend.Task
	var taskType, strategy, scheduleJSON, retryJSON string
	var isActive, fallbackEnabled int
	var boundWorkerID, ownerID, selector, entrypoint sql.NullString
	var lastRun, nextRun sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&task.PublicID, &task.Name, &task.ProjectID, &taskType, &scheduleJSON,
		&task.MaxConcurrentInstances, &task.TimeoutSeconds, &retryJSON,
		&isActive, &strategy, &fallbackEnabled, &boundWorkerID,
		&ownerID, &selector, &entrypoint, &task.SuccessCount, &task.FailureCount,
		&lastRun, &nextRun, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Type = backend.TaskType(taskType)
	task.Strategy = backend.ExecutionStrategy(strategy)
	task.IsActive = isActive != 0
	task.FallbackEnabled = fallbackEnabled != 0
	task.BoundWorkerID = boundWorkerID.String
	task.OwnerID = ownerID.String
	task.Selector = selector.String
	task.Entrypoint = entrypoint.String

	if err := json.Unmarshal([]byte(scheduleJSON), &task.Schedule); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schedule: %w", err)
	}
	if err := json.Unmarshal([]byte(retryJSON), &task.Retry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal retry: %w", err)
	}

	task.LastRun = parseTimePtr(lastRun)
	task.NextRun = parseTimePtr(nextRun)
	task.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	task.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &task, nil
}

func scanRun(row scanner) (*backend.Run, error) {
	var run backend.Run
	var workerID, errorMessage, resultData, logFileKey, errorLogKey sql.NullString
	var startTime, endTime, lastHeartbeat sql.NullString
	var durationMS sql.NullInt64
	var exitCode sql.NullInt64
	var dispatchStatus, runtimeStatus, createdAt, updatedAt string

	err := row.Scan(
		&run.RunID, &run.PublicID, &run.TaskID, &workerID, &dispatchStatus, &runtimeStatus,
		&startTime, &endTime, &durationMS, &exitCode, &run.Attempt, &errorMessage, &resultData,
		&lastHeartbeat, &logFileKey, &errorLogKey, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.WorkerID = workerID.String
	run.DispatchStatus = state.DispatchStatus(dispatchStatus)
	run.RuntimeStatus = state.RuntimeStatus(runtimeStatus)
	run.ErrorMessage = errorMessage.String
	if resultData.Valid && resultData.String != "" {
		run.ResultData = json.RawMessage(resultData.String)
	}
	run.LogFileKey = logFileKey.String
	run.ErrorLogKey = errorLogKey.String
	if durationMS.Valid {
		v := durationMS.Int64
		run.DurationMS = &v
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		run.ExitCode = &v
	}

	run.StartTime = parseTimePtr(startTime)
	run.EndTime = parseTimePtr(endTime)
	run.LastHeartbeat = parseTimePtr(lastHeartbeat)
	run.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	run.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &run, nil
}

func scanWorker(row scanner) (*backend.Worker, error) {
	var worker backend.Worker
	var status string
	var region, tagsJSON, osJSON, capsJSON, metricsJSON sql.NullString
	var lastHeartbeat sql.NullString
	var apiKey, secretKey sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&worker.PublicID, &worker.Name, &worker.Host, &worker.Port, &status,
		&region, &tagsJSON, &osJSON, &capsJSON, &lastHeartbeat, &metricsJSON,
		&apiKey, &secretKey, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	worker.Status = backend.WorkerStatus(status)
	worker.Region = region.String
	worker.APIKey = apiKey.String
	worker.SecretKey = secretKey.String

	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &worker.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
	}
	if osJSON.Valid && osJSON.String != "" {
		if err := json.Unmarshal([]byte(osJSON.String), &worker.OSInfo); err != nil {
			return nil, fmt.Errorf("failed to unmarshal os_info: %w", err)
		}
	}
	if capsJSON.Valid && capsJSON.String != "" {
		if err := json.Unmarshal([]byte(capsJSON.String), &worker.Capabilities); err != nil {
			return nil, fmt.Errorf("failed to unmarshal capabilities: %w", err)
		}
	}
	if metricsJSON.Valid && metricsJSON.String != "" {
		var m backend.HeartbeatMetrics
		if err := json.Unmarshal([]byte(metricsJSON.String), &m); err == nil {
			worker.Metrics = &m
		}
	}

	worker.LastHeartbeat = parseTimePtr(lastHeartbeat)
	worker.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	worker.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &worker, nil
}

func scanNodeProject(row scanner) (*backend.NodeProject, error) {
	var np backend.NodeProject
	var status string
	var transferMethod, syncedAt, lastUsedAt, filesJSON sql.NullString

	err := row.Scan(
		&np.WorkerID, &np.ProjectID, &np.FileHash, &np.FileSize, &transferMethod,
		&status, &np.SyncCount, &syncedAt, &lastUsedAt, &filesJSON,
	)
	if err != nil {
		return nil, err
	}

	np.Status = backend.NodeProjectStatus(status)
	np.TransferMethod = transferMethod.String
	np.SyncedAt = parseTimePtr(syncedAt)
	np.LastUsedAt = parseTimePtr(lastUsedAt)
	if filesJSON.Valid && filesJSON.String != "" {
		if err := json.Unmarshal([]byte(filesJSON.String), &np.Files); err != nil {
			return nil, fmt.Errorf("failed to unmarshal files: %w", err)
		}
	}
	return &np, nil
}

// formatTime converts a time pointer to a nullable RFC3339 string.
func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

// nullString converts an empty string to NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
