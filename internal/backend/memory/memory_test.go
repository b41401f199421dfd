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

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/dispatch/internal/backend"
	"github.com/tombee/dispatch/internal/state"
	dispatcherrors "github.com/tombee/dispatch/pkg/errors"
)

func seedTask(t *testing.T, s *Store, id string) {
	t.Helper()
	require.NoError(t, s.CreateTask(context.Background(), &backend.Task{
		PublicID: id,
		Name:     "task-" + id,
		Type:     backend.TaskTypeCode,
		Schedule: backend.Schedule{Kind: backend.ScheduleManual},
		Strategy: backend.StrategyLocal,
		IsActive: true,
	}))
}

func TestRunTransitionEnforcement(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedTask(t, s, "t1")

	require.NoError(t, s.CreateRun(ctx, &backend.Run{RunID: "r1", PublicID: "pr1", TaskID: "t1"}))

	var conflict *dispatcherrors.StateConflictError
	assert.ErrorAs(t, s.TransitionDispatch(ctx, "r1", state.DispatchQueued, backend.RunUpdate{}), &conflict)

	require.NoError(t, s.TransitionDispatch(ctx, "r1", state.DispatchDispatching, backend.RunUpdate{}))
	require.NoError(t, s.TransitionDispatch(ctx, "r1", state.DispatchQueued, backend.RunUpdate{}))
	require.NoError(t, s.TransitionRuntime(ctx, "r1", state.RuntimeSuccess, backend.RunUpdate{}))

	got, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, state.StatusSuccess, got.Status())
}

func TestCreateRunRequiresTask(t *testing.T) {
	s := New()

	err := s.CreateRun(context.Background(), &backend.Run{RunID: "r1", TaskID: "missing"})
	var nf *dispatcherrors.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestDeleteTaskCascades(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedTask(t, s, "t1")

	require.NoError(t, s.CreateRun(ctx, &backend.Run{RunID: "r1", TaskID: "t1"}))
	require.NoError(t, s.DeleteTask(ctx, "t1"))

	_, err := s.GetRun(ctx, "r1")
	var nf *dispatcherrors.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestGetReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedTask(t, s, "t1")

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	got.Name = "mutated"

	again, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "task-t1", again.Name)
}

func TestListStaleRunningUsesStartTimeFallback(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedTask(t, s, "t1")

	require.NoError(t, s.CreateRun(ctx, &backend.Run{RunID: "r1", TaskID: "t1"}))
	require.NoError(t, s.TransitionDispatch(ctx, "r1", state.DispatchDispatching, backend.RunUpdate{}))
	require.NoError(t, s.TransitionDispatch(ctx, "r1", state.DispatchQueued, backend.RunUpdate{}))

	start := time.Now().Add(-10 * time.Minute)
	require.NoError(t, s.TransitionRuntime(ctx, "r1", state.RuntimeRunning, backend.RunUpdate{StartTime: &start}))

	stale, err := s.ListStaleRunning(ctx, time.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "r1", stale[0].RunID)

	// A fresh heartbeat rescues the run.
	require.NoError(t, s.TouchRunHeartbeat(ctx, "r1", time.Now()))
	stale, err = s.ListStaleRunning(ctx, time.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestWorkerLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.CreateWorker(ctx, &backend.Worker{PublicID: "w1", Name: "n1", Host: "h", APIKey: "k1"}))

	got, err := s.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, backend.WorkerOffline, got.Status)

	require.NoError(t, s.UpdateWorkerStatus(ctx, "w1", backend.WorkerOnline))
	require.NoError(t, s.RecordHeartbeat(ctx, "w1", backend.HeartbeatMetrics{RunningTasks: 2}))

	online, err := s.ListWorkers(ctx, backend.WorkerOnline)
	require.NoError(t, err)
	require.Len(t, online, 1)
	require.NotNil(t, online[0].Metrics)
	assert.Equal(t, 2, online[0].Metrics.RunningTasks)
}
