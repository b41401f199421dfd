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

package registry

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/tombee/dispatch/internal/backend"
	"github.com/tombee/dispatch/internal/backend/memory"
	"github.com/tombee/dispatch/internal/log"
	dispatcherrors "github.com/tombee/dispatch/pkg/errors"
)

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *memory.Store) {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { store.Close() })

	logger := log.New(&log.Config{Level: "error", Output: io.Discard})
	r := New(store, cfg, logger)
	return r, store
}

func registerWorker(t *testing.T, store *memory.Store, id, apiKey string) {
	t.Helper()
	err := store.CreateWorker(context.Background(), &backend.Worker{
		PublicID: id,
		Name:     id,
		Host:     "10.0.0.1",
		Port:     8900,
		Status:   backend.WorkerOffline,
		APIKey:   apiKey,
	})
	require.NoError(t, err)
}

func TestIngestRequiresCredential(t *testing.T) {
	r, store := newTestRegistry(t, Config{})
	registerWorker(t, store, "w1", "key-1")
	ctx := context.Background()

	err := r.Ingest(ctx, Heartbeat{WorkerID: "w1", APIKey: "wrong"})
	var authErr *dispatcherrors.AuthError
	require.ErrorAs(t, err, &authErr)

	err = r.Ingest(ctx, Heartbeat{APIKey: "key-1"})
	var valErr *dispatcherrors.ValidationError
	require.ErrorAs(t, err, &valErr)

	err = r.Ingest(ctx, Heartbeat{WorkerID: "nope", APIKey: "key-1"})
	var nfErr *dispatcherrors.NotFoundError
	require.ErrorAs(t, err, &nfErr)
}

func TestIngestMarksOnline(t *testing.T) {
	r, store := newTestRegistry(t, Config{})
	registerWorker(t, store, "w1", "key-1")
	ctx := context.Background()

	require.NoError(t, r.Ingest(ctx, Heartbeat{
		WorkerID:     "w1",
		APIKey:       "key-1",
		CPUPercent:   42.5,
		RunningTasks: 2,
	}))

	w, err := store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, backend.WorkerOnline, w.Status)
	require.NotNil(t, w.Metrics)
	assert.Equal(t, 42.5, w.Metrics.CPUPercent)
	require.NotNil(t, w.LastHeartbeat)

	// Transition produced an event.
	events, err := store.ListNodeEvents(ctx, "w1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "online", events[0].EventType)

	// Snapshot reflects it without a refresh.
	snap := r.Snapshot()
	require.Contains(t, snap, "w1")
	assert.Equal(t, backend.WorkerOnline, snap["w1"].Status)
}

func TestIngestRateLimited(t *testing.T) {
	r, store := newTestRegistry(t, Config{
		HeartbeatRateLimit: rate.Limit(0.0001),
		HeartbeatBurst:     2,
	})
	registerWorker(t, store, "w1", "key-1")
	ctx := context.Background()

	hb := Heartbeat{WorkerID: "w1", APIKey: "key-1"}
	require.NoError(t, r.Ingest(ctx, hb))
	require.NoError(t, r.Ingest(ctx, hb))

	err := r.Ingest(ctx, hb)
	var quotaErr *dispatcherrors.QuotaError
	require.ErrorAs(t, err, &quotaErr)
	assert.Equal(t, "heartbeat", quotaErr.Resource)
}

func TestIngestCoalescesPerfHistory(t *testing.T) {
	r, store := newTestRegistry(t, Config{})
	registerWorker(t, store, "w1", "key-1")
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Three heartbeats inside one minute collapse to one row; the last wins.
	for i, cpu := range []float64{10, 20, 30} {
		require.NoError(t, r.Ingest(ctx, Heartbeat{
			WorkerID:   "w1",
			APIKey:     "key-1",
			CPUPercent: cpu,
			Timestamp:  base.Add(time.Duration(i*15) * time.Second),
		}))
	}
	require.NoError(t, r.Ingest(ctx, Heartbeat{
		WorkerID:   "w1",
		APIKey:     "key-1",
		CPUPercent: 99,
		Timestamp:  base.Add(90 * time.Second),
	}))

	samples, err := store.ListPerfSamples(ctx, "w1", base.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, 30.0, samples[0].CPUPercent)
	assert.Equal(t, 99.0, samples[1].CPUPercent)
}

func TestScanTransitionsOffline(t *testing.T) {
	r, store := newTestRegistry(t, Config{OfflineThreshold: 90 * time.Second})
	registerWorker(t, store, "w2", "key-2")
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	r.SetClock(func() time.Time { return now })
	store.SetClock(func() time.Time { return now })

	require.NoError(t, r.Ingest(ctx, Heartbeat{WorkerID: "w2", APIKey: "key-2", Timestamp: base}))

	// At +89s the worker is still inside the threshold.
	now = base.Add(89 * time.Second)
	require.NoError(t, r.Scan(ctx))
	w, err := store.GetWorker(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, backend.WorkerOnline, w.Status)

	// At +91s the scan marks it offline and records the event.
	now = base.Add(91 * time.Second)
	require.NoError(t, r.Scan(ctx))
	w, err = store.GetWorker(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, backend.WorkerOffline, w.Status)

	events, err := store.ListNodeEvents(ctx, "w2", 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "offline", events[0].EventType)

	assert.Empty(t, r.OnlineWorkers())

	// A resumed heartbeat brings it back online and eligible again.
	require.NoError(t, r.Ingest(ctx, Heartbeat{WorkerID: "w2", APIKey: "key-2", Timestamp: now}))
	w, err = store.GetWorker(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, backend.WorkerOnline, w.Status)
	require.Len(t, r.OnlineWorkers(), 1)
}

func TestScanNotifiesObserver(t *testing.T) {
	r, store := newTestRegistry(t, Config{OfflineThreshold: 90 * time.Second})
	registerWorker(t, store, "w1", "key-1")
	ctx := context.Background()

	type transition struct{ worker, event string }
	var seen []transition
	r.SetObserver(func(workerID, eventType string) {
		seen = append(seen, transition{workerID, eventType})
	})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	r.SetClock(func() time.Time { return now })

	require.NoError(t, r.Ingest(ctx, Heartbeat{WorkerID: "w1", APIKey: "key-1", Timestamp: base}))
	now = base.Add(2 * time.Minute)
	require.NoError(t, r.Scan(ctx))

	require.Len(t, seen, 2)
	assert.Equal(t, transition{"w1", "online"}, seen[0])
	assert.Equal(t, transition{"w1", "offline"}, seen[1])
}

func TestSnapshotRefreshOnStart(t *testing.T) {
	r, store := newTestRegistry(t, Config{ScanInterval: time.Hour})
	registerWorker(t, store, "w1", "key-1")
	registerWorker(t, store, "w2", "key-2")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))
	defer r.Stop()

	snap := r.Snapshot()
	assert.Len(t, snap, 2)
	assert.Equal(t, backend.WorkerOffline, snap["w1"].Status)
}

func TestCanUse(t *testing.T) {
	r, store := newTestRegistry(t, Config{})
	registerWorker(t, store, "w1", "key-1")
	ctx := context.Background()

	ok, err := r.CanUse(ctx, "alice", "w1", false)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SetPermission(ctx, "alice", "w1", backend.PermissionUse))
	ok, err = r.CanUse(ctx, "alice", "w1", false)
	require.NoError(t, err)
	assert.True(t, ok)

	// Platform admins bypass the ACL entirely.
	ok, err = r.CanUse(ctx, "root", "w1", true)
	require.NoError(t, err)
	assert.True(t, ok)

	// An admin grant on the worker implies use.
	require.NoError(t, store.SetPermission(ctx, "bob", "w1", backend.PermissionAdmin))
	ok, err = r.CanUse(ctx, "bob", "w1", false)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConcurrentIngestKeepsAllSnapshotEntries(t *testing.T) {
	r, store := newTestRegistry(t, Config{HeartbeatRateLimit: rate.Inf})
	const workers = 8
	ctx := context.Background()

	ids := make([]string, workers)
	for i := range ids {
		ids[i] = fmt.Sprintf("w%d", i)
		registerWorker(t, store, ids[i], "key-"+ids[i])
	}

	// Racing copy-and-swap updates must not drop each other's entries.
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, r.Ingest(ctx, Heartbeat{WorkerID: id, APIKey: "key-" + id}))
		}(id)
	}
	wg.Wait()

	snap := r.Snapshot()
	for _, id := range ids {
		view, ok := snap[id]
		require.True(t, ok, "worker %s missing from snapshot", id)
		assert.Equal(t, backend.WorkerOnline, view.Status)
	}
}

func TestStopWithoutStart(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked with no scan loop running")
	}
}
