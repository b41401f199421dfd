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

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/dispatch/internal/backend"
	"github.com/tombee/dispatch/internal/state"
	dispatcherrors "github.com/tombee/dispatch/pkg/errors"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(Config{Path: filepath.Join(t.TempDir(), "dispatch.db"), WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func sampleTask(id, name string) *backend.Task {
	return &backend.Task{
		PublicID:  id,
		Name:      name,
		ProjectID: "proj-1",
		Type:      backend.TaskTypeFile,
		Schedule:  backend.Schedule{Kind: backend.ScheduleCron, Cron: "*/5 * * * *"},
		Retry:     backend.RetryPolicy{MaxRetries: 2, InitialDelay: 10 * time.Second, Backoff: "exponential"},
		IsActive:  true,
		Strategy:  backend.StrategyAuto,

		MaxConcurrentInstances: 3,
	}
}

func TestTaskRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	task := sampleTask("t1", "nightly-crawl")
	require.NoError(t, b.CreateTask(ctx, task))

	got, err := b.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "nightly-crawl", got.Name)
	assert.Equal(t, backend.TaskTypeFile, got.Type)
	assert.Equal(t, "*/5 * * * *", got.Schedule.Cron)
	assert.Equal(t, 2, got.Retry.MaxRetries)
	assert.True(t, got.IsActive)

	byName, err := b.GetTaskByName(ctx, "nightly-crawl")
	require.NoError(t, err)
	assert.Equal(t, "t1", byName.PublicID)
}

func TestTaskNameUnique(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.CreateTask(ctx, sampleTask("t1", "dup")))
	assert.Error(t, b.CreateTask(ctx, sampleTask("t2", "dup")))
}

func TestTaskNotFound(t *testing.T) {
	b := newTestBackend(t)

	_, err := b.GetTask(context.Background(), "missing")
	var nf *dispatcherrors.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "task", nf.Resource)
}

func TestListTasksFilter(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	active := sampleTask("t1", "active-task")
	inactive := sampleTask("t2", "inactive-task")
	inactive.IsActive = false
	require.NoError(t, b.CreateTask(ctx, active))
	require.NoError(t, b.CreateTask(ctx, inactive))

	yes := true
	got, err := b.ListTasks(ctx, backend.TaskFilter{Active: &yes})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].PublicID)
}

func TestRecordTaskOutcome(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.CreateTask(ctx, sampleTask("t1", "counted")))

	now := time.Now()
	next := now.Add(5 * time.Minute)
	require.NoError(t, b.RecordTaskOutcome(ctx, "t1", true, now, &next))
	require.NoError(t, b.RecordTaskOutcome(ctx, "t1", false, now, nil))

	got, err := b.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.SuccessCount)
	assert.Equal(t, int64(1), got.FailureCount)
	require.NotNil(t, got.LastRun)
}

func createRun(t *testing.T, b *Backend, runID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, b.CreateRun(ctx, &backend.Run{
		RunID:    runID,
		PublicID: "r-" + runID,
		TaskID:   "t1",
	}))
}

func TestRunDispatchLifecycle(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.CreateTask(ctx, sampleTask("t1", "lifecycle")))
	createRun(t, b, "run-1")

	worker := "w1"
	require.NoError(t, b.TransitionDispatch(ctx, "run-1", state.DispatchDispatching, backend.RunUpdate{WorkerID: &worker}))
	require.NoError(t, b.TransitionDispatch(ctx, "run-1", state.DispatchQueued, backend.RunUpdate{}))

	got, err := b.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, state.DispatchQueued, got.DispatchStatus)
	assert.Equal(t, "w1", got.WorkerID)
	assert.Equal(t, state.StatusQueued, got.Status())
}

func TestRunIllegalTransitionRejected(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.CreateTask(ctx, sampleTask("t1", "illegal")))
	createRun(t, b, "run-1")

	// pending -> queued skips dispatching.
	err := b.TransitionDispatch(ctx, "run-1", state.DispatchQueued, backend.RunUpdate{})
	var conflict *dispatcherrors.StateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "run", conflict.Entity)

	// Runtime axis is not live before dispatch reaches queued.
	err = b.TransitionRuntime(ctx, "run-1", state.RuntimeRunning, backend.RunUpdate{})
	require.ErrorAs(t, err, &conflict)
}

func TestRunRuntimeLifecycle(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.CreateTask(ctx, sampleTask("t1", "runtime")))
	createRun(t, b, "run-1")
	require.NoError(t, b.TransitionDispatch(ctx, "run-1", state.DispatchDispatching, backend.RunUpdate{}))
	require.NoError(t, b.TransitionDispatch(ctx, "run-1", state.DispatchQueued, backend.RunUpdate{}))

	start := time.Now()
	require.NoError(t, b.TransitionRuntime(ctx, "run-1", state.RuntimeRunning, backend.RunUpdate{StartTime: &start}))

	end := start.Add(3 * time.Second)
	duration := int64(3000)
	exit := 0
	require.NoError(t, b.TransitionRuntime(ctx, "run-1", state.RuntimeSuccess, backend.RunUpdate{
		EndTime:    &end,
		DurationMS: &duration,
		ExitCode:   &exit,
	}))

	got, err := b.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, state.StatusSuccess, got.Status())
	require.NotNil(t, got.DurationMS)
	assert.Equal(t, int64(3000), *got.DurationMS)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)

	// Terminal runs are immutable.
	err = b.TransitionRuntime(ctx, "run-1", state.RuntimeRunning, backend.RunUpdate{})
	var conflict *dispatcherrors.StateConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestTouchRunHeartbeatTerminal(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.CreateTask(ctx, sampleTask("t1", "hb")))
	createRun(t, b, "run-1")

	require.NoError(t, b.TouchRunHeartbeat(ctx, "run-1", time.Now()))

	require.NoError(t, b.TransitionDispatch(ctx, "run-1", state.DispatchDispatching, backend.RunUpdate{}))
	require.NoError(t, b.TransitionDispatch(ctx, "run-1", state.DispatchFailed, backend.RunUpdate{}))

	err := b.TouchRunHeartbeat(ctx, "run-1", time.Now())
	var conflict *dispatcherrors.StateConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestCountLiveRuns(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.CreateTask(ctx, sampleTask("t1", "live")))
	createRun(t, b, "run-1") // pending, not live
	createRun(t, b, "run-2")
	createRun(t, b, "run-3")

	require.NoError(t, b.TransitionDispatch(ctx, "run-2", state.DispatchDispatching, backend.RunUpdate{}))
	require.NoError(t, b.TransitionDispatch(ctx, "run-3", state.DispatchDispatching, backend.RunUpdate{}))
	require.NoError(t, b.TransitionDispatch(ctx, "run-3", state.DispatchQueued, backend.RunUpdate{}))
	require.NoError(t, b.TransitionRuntime(ctx, "run-3", state.RuntimeRunning, backend.RunUpdate{}))

	count, err := b.CountLiveRuns(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestListRunsByStatus(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.CreateTask(ctx, sampleTask("t1", "by-status")))
	createRun(t, b, "run-1")
	createRun(t, b, "run-2")

	require.NoError(t, b.TransitionDispatch(ctx, "run-2", state.DispatchDispatching, backend.RunUpdate{}))
	require.NoError(t, b.TransitionDispatch(ctx, "run-2", state.DispatchQueued, backend.RunUpdate{}))
	require.NoError(t, b.TransitionRuntime(ctx, "run-2", state.RuntimeFailed, backend.RunUpdate{}))

	failed, err := b.ListRuns(ctx, backend.RunFilter{Status: state.StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "run-2", failed[0].RunID)

	pending, err := b.ListRuns(ctx, backend.RunFilter{Status: state.StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "run-1", pending[0].RunID)
}

func TestListStalledDispatches(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.CreateTask(ctx, sampleTask("t1", "stalled")))
	createRun(t, b, "run-1")
	require.NoError(t, b.TransitionDispatch(ctx, "run-1", state.DispatchDispatching, backend.RunUpdate{}))

	stalled, err := b.ListStalledDispatches(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, "run-1", stalled[0].RunID)

	none, err := b.ListStalledDispatches(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestWorkerHeartbeatAndLookup(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	worker := &backend.Worker{
		PublicID: "w1",
		Name:     "crawler-1",
		Host:     "10.0.0.5",
		Port:     8090,
		Status:   backend.WorkerOnline,
		Tags:     []string{"gpu", "eu-west"},
		APIKey:   "key-abc",
	}
	require.NoError(t, b.CreateWorker(ctx, worker))

	require.NoError(t, b.RecordHeartbeat(ctx, "w1", backend.HeartbeatMetrics{
		CPUPercent:   42.5,
		RunningTasks: 3,
		Timestamp:    time.Now(),
	}))

	got, err := b.GetWorkerByAPIKey(ctx, "key-abc")
	require.NoError(t, err)
	assert.Equal(t, "w1", got.PublicID)
	assert.Equal(t, []string{"gpu", "eu-west"}, got.Tags)
	require.NotNil(t, got.Metrics)
	assert.Equal(t, 42.5, got.Metrics.CPUPercent)
	require.NotNil(t, got.LastHeartbeat)

	_, err = b.GetWorkerByAPIKey(ctx, "wrong")
	var authErr *dispatcherrors.AuthError
	assert.ErrorAs(t, err, &authErr)
}

func TestDeleteWorkerWithActiveRuns(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.CreateTask(ctx, sampleTask("t1", "del-worker")))
	require.NoError(t, b.CreateWorker(ctx, &backend.Worker{PublicID: "w1", Name: "n", Host: "h"}))
	createRun(t, b, "run-1")
	worker := "w1"
	require.NoError(t, b.TransitionDispatch(ctx, "run-1", state.DispatchDispatching, backend.RunUpdate{WorkerID: &worker}))

	var conflict *dispatcherrors.StateConflictError
	assert.ErrorAs(t, b.DeleteWorker(ctx, "w1"), &conflict)

	require.NoError(t, b.TransitionDispatch(ctx, "run-1", state.DispatchFailed, backend.RunUpdate{}))
	assert.NoError(t, b.DeleteWorker(ctx, "w1"))
}

func TestNodeProjectUpsertAndStale(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	now := time.Now()
	np := &backend.NodeProject{
		WorkerID:  "w1",
		ProjectID: "p1",
		FileHash:  "abc",
		FileSize:  1024,
		Status:    backend.NodeProjectSynced,
		SyncedAt:  &now,
		Files:     []backend.NodeProjectFile{{Path: "main.py", Hash: "h1", Size: 512}},
	}
	require.NoError(t, b.UpsertNodeProject(ctx, np))

	np.FileHash = "def"
	require.NoError(t, b.UpsertNodeProject(ctx, np))

	got, err := b.GetNodeProject(ctx, "w1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "def", got.FileHash)
	assert.Equal(t, 2, got.SyncCount)
	require.Len(t, got.Files, 1)

	require.NoError(t, b.UpsertNodeProject(ctx, &backend.NodeProject{
		WorkerID: "w2", ProjectID: "p1", FileHash: "def", Status: backend.NodeProjectSynced,
	}))

	n, err := b.MarkProjectStale(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err = b.GetNodeProject(ctx, "w1", "p1")
	require.NoError(t, err)
	assert.Equal(t, backend.NodeProjectStale, got.Status)

	// Already stale rows are not counted again.
	n, err = b.MarkProjectStale(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPerfSampleCoalescing(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	minute := time.Date(2026, 1, 10, 12, 30, 0, 0, time.UTC)
	require.NoError(t, b.UpsertPerfSample(ctx, backend.PerfSample{
		WorkerID: "w1", Minute: minute.Add(10 * time.Second), CPUPercent: 20,
	}))
	require.NoError(t, b.UpsertPerfSample(ctx, backend.PerfSample{
		WorkerID: "w1", Minute: minute.Add(40 * time.Second), CPUPercent: 80,
	}))

	samples, err := b.ListPerfSamples(ctx, "w1", minute.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, 80.0, samples[0].CPUPercent)

	pruned, err := b.PrunePerfSamples(ctx, minute.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)
}

func TestNodeEvents(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.AppendNodeEvent(ctx, backend.NodeEvent{WorkerID: "w1", EventType: "online", Timestamp: time.Now().Add(-time.Minute)}))
	require.NoError(t, b.AppendNodeEvent(ctx, backend.NodeEvent{WorkerID: "w1", EventType: "offline", Timestamp: time.Now()}))

	events, err := b.ListNodeEvents(ctx, "w1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "offline", events[0].EventType)
}

func TestPermissions(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	_, ok, err := b.GetPermission(ctx, "u1", "w1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.SetPermission(ctx, "u1", "w1", backend.PermissionUse))
	require.NoError(t, b.SetPermission(ctx, "u1", "w1", backend.PermissionAdmin))

	perm, ok, err := b.GetPermission(ctx, "u1", "w1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, backend.PermissionAdmin, perm)
}
