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

// Package registry tracks worker health. The database is authoritative;
// a read-mostly in-process snapshot avoids a DB hit per health tick.
// Reads take the snapshot pointer; the write half is acquired only on a
// state change.
package registry

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/dispatch/internal/backend"
	dispatcherrors "github.com/tombee/dispatch/pkg/errors"
	"github.com/tombee/dispatch/pkg/metrics"
)

// Config tunes the registry.
type Config struct {
	// OfflineThreshold marks a worker offline when its last heartbeat is
	// older than this.
	OfflineThreshold time.Duration

	// ScanInterval is the health scan cadence.
	ScanInterval time.Duration

	// HeartbeatRateLimit caps accepted heartbeats per worker per second
	// burst window.
	HeartbeatRateLimit rate.Limit

	// HeartbeatBurst is the limiter burst.
	HeartbeatBurst int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.OfflineThreshold <= 0 {
		out.OfflineThreshold = 90 * time.Second
	}
	if out.ScanInterval <= 0 {
		out.ScanInterval = 3 * time.Second
	}
	if out.HeartbeatRateLimit <= 0 {
		out.HeartbeatRateLimit = 5
	}
	if out.HeartbeatBurst <= 0 {
		out.HeartbeatBurst = 10
	}
	return out
}

// Heartbeat is the ingest payload from a worker.
type Heartbeat struct {
	WorkerID           string         `json:"worker_id"`
	APIKey             string         `json:"-"`
	CPUPercent         float64        `json:"cpu_percent"`
	MemoryPercent      float64        `json:"memory_percent"`
	DiskPercent        float64        `json:"disk_percent"`
	RunningTasks       int            `json:"running_tasks"`
	MaxConcurrentTasks int            `json:"max_concurrent_tasks"`
	Timestamp          time.Time      `json:"timestamp"`
	OSInfo             map[string]any `json:"os_info,omitempty"`
	Capabilities       map[string]any `json:"capabilities,omitempty"`
}

// WorkerView is one worker in the snapshot.
type WorkerView struct {
	WorkerID      string
	Status        backend.WorkerStatus
	LastHeartbeat time.Time
	Metrics       backend.HeartbeatMetrics
	Tags          []string
	Capabilities  map[string]any
}

// EventFunc observes worker lifecycle transitions.
type EventFunc func(workerID, eventType string)

// Registry is the node registry and health monitor.
type Registry struct {
	store  storeIface
	cfg    Config
	logger *slog.Logger

	// snapshot is replaced wholesale on change; readers load the pointer
	// lock-free while snapMu serializes the copy-and-swap writers.
	snapshot atomic.Pointer[map[string]WorkerView]
	snapMu   sync.Mutex

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter

	observerMu sync.RWMutex
	observer   EventFunc

	stop      chan struct{}
	done      chan struct{}
	started   atomic.Bool
	closeOnce sync.Once

	now func() time.Time // test hook
}

// storeIface is the slice of the backend the registry needs.
type storeIface interface {
	backend.WorkerStore
	backend.HistoryStore
	backend.ACLStore
}

// New creates a registry. Call Start to begin the health scan.
func New(store storeIface, cfg Config, logger *slog.Logger) *Registry {
	r := &Registry{
		store:    store,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "registry"),
		limiters: make(map[string]*rate.Limiter),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		now:      time.Now,
	}
	empty := make(map[string]WorkerView)
	r.snapshot.Store(&empty)
	return r
}

// SetClock overrides the time source. Used by tests.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// SetObserver registers the transition observer.
func (r *Registry) SetObserver(fn EventFunc) {
	r.observerMu.Lock()
	r.observer = fn
	r.observerMu.Unlock()
}

// Start loads the initial snapshot and runs the scan loop until ctx ends
// or Stop is called.
func (r *Registry) Start(ctx context.Context) error {
	if err := r.refreshSnapshot(ctx); err != nil {
		return err
	}

	r.started.Store(true)
	go r.scanLoop(ctx)
	return nil
}

// Stop halts the scan loop. Safe to call when Start never ran, as on a
// daemon that failed partway through wiring.
func (r *Registry) Stop() {
	r.closeOnce.Do(func() {
		close(r.stop)
		if r.started.Load() {
			<-r.done
		}
	})
}

// Ingest processes one heartbeat: credential check, rate limit, atomic
// heartbeat write, minute-coalesced history row, and the OFFLINE -> ONLINE
// transition when the worker was dark.
func (r *Registry) Ingest(ctx context.Context, hb Heartbeat) error {
	if hb.WorkerID == "" {
		return &dispatcherrors.ValidationError{Field: "worker_id", Message: "required", Reason: "missing"}
	}

	worker, err := r.store.GetWorker(ctx, hb.WorkerID)
	if err != nil {
		return err
	}
	if worker.APIKey == "" || subtle.ConstantTimeCompare([]byte(worker.APIKey), []byte(hb.APIKey)) != 1 {
		return &dispatcherrors.AuthError{Scheme: "api_key", Message: "heartbeat credential mismatch"}
	}

	if !r.limiterFor(hb.WorkerID).Allow() {
		return &dispatcherrors.QuotaError{Resource: "heartbeat", Limit: int(r.cfg.HeartbeatRateLimit)}
	}

	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.now()
	}

	m := backend.HeartbeatMetrics{
		CPUPercent:         hb.CPUPercent,
		MemoryPercent:      hb.MemoryPercent,
		DiskPercent:        hb.DiskPercent,
		RunningTasks:       hb.RunningTasks,
		MaxConcurrentTasks: hb.MaxConcurrentTasks,
		Timestamp:          hb.Timestamp,
	}
	if err := r.store.RecordHeartbeat(ctx, hb.WorkerID, m); err != nil {
		return err
	}

	// Coalesced to the minute: the last heartbeat in a minute wins.
	if err := r.store.UpsertPerfSample(ctx, backend.PerfSample{
		WorkerID:      hb.WorkerID,
		Minute:        hb.Timestamp.Truncate(time.Minute),
		CPUPercent:    hb.CPUPercent,
		MemoryPercent: hb.MemoryPercent,
		DiskPercent:   hb.DiskPercent,
		RunningTasks:  hb.RunningTasks,
	}); err != nil {
		r.logger.Warn("perf history write failed",
			slog.String("worker_id", hb.WorkerID),
			slog.String("error", err.Error()))
	}

	if worker.Status != backend.WorkerOnline {
		if err := r.transition(ctx, hb.WorkerID, backend.WorkerOnline, "online"); err != nil {
			return err
		}
	}

	r.updateSnapshotEntry(hb.WorkerID, func(view *WorkerView) {
		view.Status = backend.WorkerOnline
		view.LastHeartbeat = hb.Timestamp
		view.Metrics = m
		view.Tags = worker.Tags
		if hb.Capabilities != nil {
			view.Capabilities = hb.Capabilities
		} else if view.Capabilities == nil {
			view.Capabilities = worker.Capabilities
		}
	})
	return nil
}

// Snapshot returns the current worker view map. The map is shared and
// must not be mutated.
func (r *Registry) Snapshot() map[string]WorkerView {
	return *r.snapshot.Load()
}

// OnlineWorkers returns the online entries of the snapshot.
func (r *Registry) OnlineWorkers() []WorkerView {
	snap := r.Snapshot()
	out := make([]WorkerView, 0, len(snap))
	for _, view := range snap {
		if view.Status == backend.WorkerOnline {
			out = append(out, view)
		}
	}
	return out
}

// CanUse checks the per-user ACL for a worker. Admin grants imply use.
func (r *Registry) CanUse(ctx context.Context, userID, workerID string, isAdmin bool) (bool, error) {
	if isAdmin {
		return true, nil
	}
	perm, ok, err := r.store.GetPermission(ctx, userID, workerID)
	if err != nil {
		return false, err
	}
	return ok && (perm == backend.PermissionUse || perm == backend.PermissionAdmin), nil
}

// Scan runs one health pass: workers silent past the offline threshold
// transition to OFFLINE with a NodeEvent, and the snapshot refreshes.
func (r *Registry) Scan(ctx context.Context) error {
	cutoff := r.now().Add(-r.cfg.OfflineThreshold)

	snap := r.Snapshot()
	for workerID, view := range snap {
		if view.Status != backend.WorkerOnline {
			continue
		}
		if view.LastHeartbeat.Before(cutoff) {
			if err := r.transition(ctx, workerID, backend.WorkerOffline, "offline"); err != nil {
				r.logger.Warn("offline transition failed",
					slog.String("worker_id", workerID),
					slog.String("error", err.Error()))
				continue
			}
			r.logger.Info("worker offline",
				slog.String("worker_id", workerID),
				slog.Time("last_heartbeat", view.LastHeartbeat))
		}
	}

	return r.refreshSnapshot(ctx)
}

// transition persists the status change, records the event, and notifies
// the observer.
func (r *Registry) transition(ctx context.Context, workerID string, status backend.WorkerStatus, eventType string) error {
	if err := r.store.UpdateWorkerStatus(ctx, workerID, status); err != nil {
		return err
	}
	if err := r.store.AppendNodeEvent(ctx, backend.NodeEvent{
		WorkerID:  workerID,
		EventType: eventType,
		Timestamp: r.now(),
	}); err != nil {
		r.logger.Warn("node event write failed",
			slog.String("worker_id", workerID),
			slog.String("error", err.Error()))
	}

	r.observerMu.RLock()
	observer := r.observer
	r.observerMu.RUnlock()
	if observer != nil {
		observer(workerID, eventType)
	}
	return nil
}

// refreshSnapshot rebuilds the copy-on-read snapshot from the store.
func (r *Registry) refreshSnapshot(ctx context.Context) error {
	workers, err := r.store.ListWorkers(ctx, "")
	if err != nil {
		return err
	}

	r.snapMu.Lock()
	defer r.snapMu.Unlock()

	next := make(map[string]WorkerView, len(workers))
	online := 0
	for _, w := range workers {
		view := WorkerView{
			WorkerID:     w.PublicID,
			Status:       w.Status,
			Tags:         w.Tags,
			Capabilities: w.Capabilities,
		}
		if w.LastHeartbeat != nil {
			view.LastHeartbeat = *w.LastHeartbeat
		}
		if w.Metrics != nil {
			view.Metrics = *w.Metrics
		}
		next[w.PublicID] = view
		if w.Status == backend.WorkerOnline {
			online++
		}
	}
	r.snapshot.Store(&next)
	metrics.SetWorkersOnline(online)
	return nil
}

// updateSnapshotEntry swaps in a new snapshot with one entry replaced.
// Two concurrent copy-and-swaps would drop one of the updates, so the
// write half locks.
func (r *Registry) updateSnapshotEntry(workerID string, mutate func(*WorkerView)) {
	r.snapMu.Lock()
	defer r.snapMu.Unlock()

	old := r.Snapshot()
	next := make(map[string]WorkerView, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	view := next[workerID]
	view.WorkerID = workerID
	mutate(&view)
	next[workerID] = view
	r.snapshot.Store(&next)
}

func (r *Registry) limiterFor(workerID string) *rate.Limiter {
	r.limitMu.Lock()
	defer r.limitMu.Unlock()

	l, ok := r.limiters[workerID]
	if !ok {
		l = rate.NewLimiter(r.cfg.HeartbeatRateLimit, r.cfg.HeartbeatBurst)
		r.limiters[workerID] = l
	}
	return l
}

func (r *Registry) scanLoop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			if err := r.Scan(ctx); err != nil {
				r.logger.Warn("health scan failed", slog.String("error", err.Error()))
			}
		}
	}
}
