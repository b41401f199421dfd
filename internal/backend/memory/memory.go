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

// Package memory provides an in-memory Backend for tests and ephemeral
// deployments. All state is lost on restart.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tombee/dispatch/internal/backend"
	"github.com/tombee/dispatch/internal/state"
	dispatcherrors "github.com/tombee/dispatch/pkg/errors"
)

// Store is an in-memory Backend. Safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	tasks   map[string]*backend.Task // public id -> task
	runs    map[string]*backend.Run  // run id -> run
	workers map[string]*backend.Worker

	nodeProjects map[npKey]*backend.NodeProject
	events       map[string][]backend.NodeEvent   // worker id -> events, append order
	perf         map[perfKey]backend.PerfSample   // (worker, minute) -> sample
	permissions  map[permKey]backend.Permission

	now func() time.Time // test hook
}

type npKey struct{ workerID, projectID string }
type perfKey struct {
	workerID string
	minute   int64
}
type permKey struct{ userID, workerID string }

// New creates an empty in-memory backend.
func New() *Store {
	return &Store{
		tasks:        make(map[string]*backend.Task),
		runs:         make(map[string]*backend.Run),
		workers:      make(map[string]*backend.Worker),
		nodeProjects: make(map[npKey]*backend.NodeProject),
		events:       make(map[string][]backend.NodeEvent),
		perf:         make(map[perfKey]backend.PerfSample),
		permissions:  make(map[permKey]backend.Permission),
		now:          time.Now,
	}
}

// SetClock overrides the time source. Used by tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// CreateTask creates a task. Names are globally unique.
func (s *Store) CreateTask(_ context.Context, task *backend.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.PublicID]; ok {
		return &dispatcherrors.ValidationError{Field: "public_id", Message: "task already exists", Reason: "duplicate"}
	}
	for _, existing := range s.tasks {
		if existing.Name == task.Name {
			return &dispatcherrors.ValidationError{Field: "name", Message: "task name already in use", Reason: "duplicate"}
		}
	}

	cp := *task
	cp.CreatedAt = s.now()
	cp.UpdatedAt = cp.CreatedAt
	s.tasks[task.PublicID] = &cp
	task.CreatedAt = cp.CreatedAt
	task.UpdatedAt = cp.UpdatedAt
	return nil
}

// GetTask retrieves a task by public id.
func (s *Store) GetTask(_ context.Context, publicID string) (*backend.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[publicID]
	if !ok {
		return nil, &dispatcherrors.NotFoundError{Resource: "task", ID: publicID}
	}
	cp := *t
	return &cp, nil
}

// GetTaskByName retrieves a task by its unique name.
func (s *Store) GetTaskByName(_ context.Context, name string) (*backend.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.tasks {
		if t.Name == name {
			cp := *t
			return &cp, nil
		}
	}
	return nil, &dispatcherrors.NotFoundError{Resource: "task", ID: name}
}

// UpdateTask updates a task's configuration.
func (s *Store) UpdateTask(_ context.Context, task *backend.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.tasks[task.PublicID]
	if !ok {
		return &dispatcherrors.NotFoundError{Resource: "task", ID: task.PublicID}
	}

	cp := *task
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = s.now()
	s.tasks[task.PublicID] = &cp
	return nil
}

// ListTasks lists tasks with optional filtering, ordered by creation time.
func (s *Store) ListTasks(_ context.Context, filter backend.TaskFilter) ([]*backend.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*backend.Task
	for _, t := range s.tasks {
		if filter.Active != nil && t.IsActive != *filter.Active {
			continue
		}
		if filter.Type != "" && t.Type != filter.Type {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].PublicID < out[j].PublicID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return paginate(out, filter.Offset, filter.Limit), nil
}

// DeleteTask deletes a task and cascades to its runs.
func (s *Store) DeleteTask(_ context.Context, publicID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[publicID]; !ok {
		return &dispatcherrors.NotFoundError{Resource: "task", ID: publicID}
	}
	delete(s.tasks, publicID)
	for id, r := range s.runs {
		if r.TaskID == publicID {
			delete(s.runs, id)
		}
	}
	return nil
}

// RecordTaskOutcome bumps the success or failure counter and stamps run times.
func (s *Store) RecordTaskOutcome(_ context.Context, publicID string, success bool, lastRun time.Time, nextRun *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[publicID]
	if !ok {
		return &dispatcherrors.NotFoundError{Resource: "task", ID: publicID}
	}
	if success {
		t.SuccessCount++
	} else {
		t.FailureCount++
	}
	lr := lastRun
	t.LastRun = &lr
	t.NextRun = nextRun
	t.UpdatedAt = s.now()
	return nil
}

// CreateRun creates a run in dispatch=pending.
func (s *Store) CreateRun(_ context.Context, run *backend.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.RunID]; ok {
		return &dispatcherrors.ValidationError{Field: "run_id", Message: "run already exists", Reason: "duplicate"}
	}
	if _, ok := s.tasks[run.TaskID]; !ok {
		return &dispatcherrors.NotFoundError{Resource: "task", ID: run.TaskID}
	}

	cp := *run
	if cp.DispatchStatus == "" {
		cp.DispatchStatus = state.DispatchPending
	}
	cp.CreatedAt = s.now()
	cp.UpdatedAt = cp.CreatedAt
	s.runs[run.RunID] = &cp
	run.CreatedAt = cp.CreatedAt
	run.UpdatedAt = cp.UpdatedAt
	return nil
}

// GetRun retrieves a run by its external run id.
func (s *Store) GetRun(_ context.Context, runID string) (*backend.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[runID]
	if !ok {
		return nil, &dispatcherrors.NotFoundError{Resource: "run", ID: runID}
	}
	cp := *r
	return &cp, nil
}

// TransitionDispatch advances the dispatch axis, rejecting illegal moves.
func (s *Store) TransitionDispatch(_ context.Context, runID string, to state.DispatchStatus, update backend.RunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return &dispatcherrors.NotFoundError{Resource: "run", ID: runID}
	}
	if !state.CanTransitionDispatch(r.DispatchStatus, to) {
		return &dispatcherrors.StateConflictError{
			Entity: "run",
			ID:     runID,
			From:   string(r.DispatchStatus),
			To:     string(to),
		}
	}
	r.DispatchStatus = to
	applyUpdate(r, update)
	r.UpdatedAt = s.now()
	return nil
}

// TransitionRuntime advances the runtime axis, rejecting illegal moves.
func (s *Store) TransitionRuntime(_ context.Context, runID string, to state.RuntimeStatus, update backend.RunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return &dispatcherrors.NotFoundError{Resource: "run", ID: runID}
	}
	if !state.CanTransitionRuntime(r.DispatchStatus, r.RuntimeStatus, to) {
		return &dispatcherrors.StateConflictError{
			Entity: "run",
			ID:     runID,
			From:   string(r.RuntimeStatus),
			To:     string(to),
		}
	}
	r.RuntimeStatus = to
	applyUpdate(r, update)
	r.UpdatedAt = s.now()
	return nil
}

// TouchRunHeartbeat stamps last_heartbeat on a live run.
func (s *Store) TouchRunHeartbeat(_ context.Context, runID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return &dispatcherrors.NotFoundError{Resource: "run", ID: runID}
	}
	if state.IsTerminal(r.Status()) {
		return &dispatcherrors.StateConflictError{
			Entity: "run",
			ID:     runID,
			From:   string(r.Status()),
			To:     string(r.Status()),
		}
	}
	hb := at
	r.LastHeartbeat = &hb
	r.UpdatedAt = s.now()
	return nil
}

// ListRuns lists runs with optional filtering, newest first.
func (s *Store) ListRuns(_ context.Context, filter backend.RunFilter) ([]*backend.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*backend.Run
	for _, r := range s.runs {
		if filter.TaskID != "" && r.TaskID != filter.TaskID {
			continue
		}
		if filter.WorkerID != "" && r.WorkerID != filter.WorkerID {
			continue
		}
		if filter.Status != "" && r.Status() != filter.Status {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RunID > out[j].RunID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, filter.Offset, filter.Limit), nil
}

// CountLiveRuns counts runs of a task in {dispatching, queued, running}.
func (s *Store) CountLiveRuns(_ context.Context, taskID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, r := range s.runs {
		if r.TaskID != taskID {
			continue
		}
		switch r.Status() {
		case state.StatusDispatching, state.StatusQueued, state.StatusRunning:
			count++
		}
	}
	return count, nil
}

// ListStalledDispatches returns runs stuck in dispatching since before cutoff.
func (s *Store) ListStalledDispatches(_ context.Context, cutoff time.Time) ([]*backend.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*backend.Run
	for _, r := range s.runs {
		if r.DispatchStatus == state.DispatchDispatching && r.UpdatedAt.Before(cutoff) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// ListStaleRunning returns running runs whose last heartbeat predates cutoff.
// Runs that never heartbeated are judged by their start time.
func (s *Store) ListStaleRunning(_ context.Context, cutoff time.Time) ([]*backend.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*backend.Run
	for _, r := range s.runs {
		if r.Status() != state.StatusRunning {
			continue
		}
		ref := r.LastHeartbeat
		if ref == nil {
			ref = r.StartTime
		}
		if ref != nil && ref.Before(cutoff) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out, nil
}

// CreateWorker registers a worker.
func (s *Store) CreateWorker(_ context.Context, worker *backend.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workers[worker.PublicID]; ok {
		return &dispatcherrors.ValidationError{Field: "public_id", Message: "worker already exists", Reason: "duplicate"}
	}
	cp := *worker
	if cp.Status == "" {
		cp.Status = backend.WorkerOffline
	}
	cp.CreatedAt = s.now()
	cp.UpdatedAt = cp.CreatedAt
	s.workers[worker.PublicID] = &cp
	worker.CreatedAt = cp.CreatedAt
	worker.UpdatedAt = cp.UpdatedAt
	return nil
}

// GetWorker retrieves a worker by public id.
func (s *Store) GetWorker(_ context.Context, publicID string) (*backend.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.workers[publicID]
	if !ok {
		return nil, &dispatcherrors.NotFoundError{Resource: "worker", ID: publicID}
	}
	cp := *w
	return &cp, nil
}

// GetWorkerByAPIKey authenticates a worker credential.
func (s *Store) GetWorkerByAPIKey(_ context.Context, apiKey string) (*backend.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, w := range s.workers {
		if w.APIKey != "" && w.APIKey == apiKey {
			cp := *w
			return &cp, nil
		}
	}
	return nil, &dispatcherrors.AuthError{Scheme: "api_key", Message: "unknown credential"}
}

// UpdateWorkerStatus transitions a worker's registry state.
func (s *Store) UpdateWorkerStatus(_ context.Context, publicID string, status backend.WorkerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[publicID]
	if !ok {
		return &dispatcherrors.NotFoundError{Resource: "worker", ID: publicID}
	}
	w.Status = status
	w.UpdatedAt = s.now()
	return nil
}

// RecordHeartbeat stamps last_heartbeat and the metrics snapshot atomically.
func (s *Store) RecordHeartbeat(_ context.Context, publicID string, metrics backend.HeartbeatMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[publicID]
	if !ok {
		return &dispatcherrors.NotFoundError{Resource: "worker", ID: publicID}
	}
	m := metrics
	w.Metrics = &m
	hb := metrics.Timestamp
	if hb.IsZero() {
		hb = s.now()
	}
	w.LastHeartbeat = &hb
	w.UpdatedAt = s.now()
	return nil
}

// ListWorkers lists workers, optionally by status, ordered by public id.
func (s *Store) ListWorkers(_ context.Context, status backend.WorkerStatus) ([]*backend.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*backend.Worker
	for _, w := range s.workers {
		if status != "" && w.Status != status {
			continue
		}
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublicID < out[j].PublicID })
	return out, nil
}

// DeleteWorker removes a worker. Fails if active runs reference it.
func (s *Store) DeleteWorker(_ context.Context, publicID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workers[publicID]; !ok {
		return &dispatcherrors.NotFoundError{Resource: "worker", ID: publicID}
	}
	for _, r := range s.runs {
		if r.WorkerID == publicID && !state.IsTerminal(r.Status()) {
			return &dispatcherrors.StateConflictError{
				Entity: "worker",
				ID:     publicID,
				From:   string(backend.WorkerOnline),
				To:     "deleted",
			}
		}
	}
	delete(s.workers, publicID)
	for k := range s.nodeProjects {
		if k.workerID == publicID {
			delete(s.nodeProjects, k)
		}
	}
	return nil
}

// UpsertNodeProject records a successful delivery; one row per pair.
func (s *Store) UpsertNodeProject(_ context.Context, np *backend.NodeProject) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := npKey{np.WorkerID, np.ProjectID}
	cp := *np
	cp.Files = append([]backend.NodeProjectFile(nil), np.Files...)
	if existing, ok := s.nodeProjects[key]; ok {
		cp.SyncCount = existing.SyncCount + 1
	} else if cp.SyncCount == 0 {
		cp.SyncCount = 1
	}
	s.nodeProjects[key] = &cp
	return nil
}

// GetNodeProject retrieves the row for one (worker, project) pair.
func (s *Store) GetNodeProject(_ context.Context, workerID, projectID string) (*backend.NodeProject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	np, ok := s.nodeProjects[npKey{workerID, projectID}]
	if !ok {
		return nil, &dispatcherrors.NotFoundError{Resource: "node_project", ID: workerID + "/" + projectID}
	}
	cp := *np
	cp.Files = append([]backend.NodeProjectFile(nil), np.Files...)
	return &cp, nil
}

// MarkProjectStale sets every row of the project to stale.
func (s *Store) MarkProjectStale(_ context.Context, projectID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for k, np := range s.nodeProjects {
		if k.projectID == projectID && np.Status != backend.NodeProjectStale {
			np.Status = backend.NodeProjectStale
			count++
		}
	}
	return count, nil
}

// ListNodeProjects lists distribution rows for a worker.
func (s *Store) ListNodeProjects(_ context.Context, workerID string) ([]*backend.NodeProject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*backend.NodeProject
	for k, np := range s.nodeProjects {
		if k.workerID != workerID {
			continue
		}
		cp := *np
		cp.Files = append([]backend.NodeProjectFile(nil), np.Files...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out, nil
}

// AppendNodeEvent records a worker lifecycle transition.
func (s *Store) AppendNodeEvent(_ context.Context, event backend.NodeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	s.events[event.WorkerID] = append(s.events[event.WorkerID], event)
	return nil
}

// ListNodeEvents lists events for a worker, newest first.
func (s *Store) ListNodeEvents(_ context.Context, workerID string, limit int) ([]backend.NodeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[workerID]
	out := make([]backend.NodeEvent, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		out = append(out, events[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// UpsertPerfSample writes a minute-coalesced sample; last write wins.
func (s *Store) UpsertPerfSample(_ context.Context, sample backend.PerfSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	minute := sample.Minute.Truncate(time.Minute)
	sample.Minute = minute
	s.perf[perfKey{sample.WorkerID, minute.Unix()}] = sample
	return nil
}

// ListPerfSamples lists samples for a worker since a cutoff, oldest first.
func (s *Store) ListPerfSamples(_ context.Context, workerID string, since time.Time) ([]backend.PerfSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []backend.PerfSample
	for k, sample := range s.perf {
		if k.workerID == workerID && !sample.Minute.Before(since) {
			out = append(out, sample)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Minute.Before(out[j].Minute) })
	return out, nil
}

// PrunePerfSamples drops samples older than cutoff.
func (s *Store) PrunePerfSamples(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for k, sample := range s.perf {
		if sample.Minute.Before(cutoff) {
			delete(s.perf, k)
			count++
		}
	}
	return count, nil
}

// SetPermission grants a permission on a worker.
func (s *Store) SetPermission(_ context.Context, userID, workerID string, perm backend.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permissions[permKey{userID, workerID}] = perm
	return nil
}

// GetPermission returns the granted permission, if any.
func (s *Store) GetPermission(_ context.Context, userID, workerID string) (backend.Permission, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	perm, ok := s.permissions[permKey{userID, workerID}]
	return perm, ok, nil
}

// Close is a no-op for the in-memory backend.
func (s *Store) Close() error { return nil }

func applyUpdate(r *backend.Run, u backend.RunUpdate) {
	if u.WorkerID != nil {
		r.WorkerID = *u.WorkerID
	}
	if u.StartTime != nil {
		r.StartTime = u.StartTime
	}
	if u.EndTime != nil {
		r.EndTime = u.EndTime
	}
	if u.DurationMS != nil {
		r.DurationMS = u.DurationMS
	}
	if u.ExitCode != nil {
		r.ExitCode = u.ExitCode
	}
	if u.ErrorMessage != nil {
		r.ErrorMessage = strings.TrimSpace(*u.ErrorMessage)
	}
	if u.ResultData != nil {
		r.ResultData = u.ResultData
	}
	if u.LastHeartbeat != nil {
		r.LastHeartbeat = u.LastHeartbeat
	}
	if u.LogFileKey != nil {
		r.LogFileKey = *u.LogFileKey
	}
	if u.ErrorLogKey != nil {
		r.ErrorLogKey = *u.ErrorLogKey
	}
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

var _ backend.Backend = (*Store)(nil)
