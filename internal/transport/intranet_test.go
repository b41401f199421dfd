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

package transport

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/dispatch/internal/backend"
	"github.com/tombee/dispatch/internal/backend/memory"
	"github.com/tombee/dispatch/internal/log"
	"github.com/tombee/dispatch/internal/receipt"
	"github.com/tombee/dispatch/pkg/backoff"
	dispatcherrors "github.com/tombee/dispatch/pkg/errors"
)

// fakeWorker runs an HTTP endpoint imitating a push-mode worker.
type fakeWorker struct {
	t          *testing.T
	server     *httptest.Server
	secret     string
	apiKey     string
	accept     atomic.Bool
	status     atomic.Int64
	dispatches atomic.Int64
}

func newFakeWorker(t *testing.T, apiKey, secret string) *fakeWorker {
	f := &fakeWorker{t: t, apiKey: apiKey, secret: secret}
	f.accept.Store(true)
	f.status.Store(http.StatusOK)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/tasks/dispatch", func(w http.ResponseWriter, r *http.Request) {
		if code := int(f.status.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+f.apiKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)

		if f.secret != "" {
			err := VerifyHMAC(f.secret,
				r.Header.Get("X-Timestamp"), r.Header.Get("X-Nonce"), r.Header.Get("X-Signature"),
				body, DefaultReplayWindow, time.Now(), nil)
			if err != nil {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
		}

		var task TaskDispatch
		if err := json.Unmarshal(body, &task); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.dispatches.Add(1)

		ack := TaskAck{TaskID: task.TaskID, Accepted: f.accept.Load()}
		if !ack.Accepted {
			ack.Reason = "at capacity"
		}
		json.NewEncoder(w).Encode(ack)
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeWorker) hostPort() (string, int) {
	u := f.server.Listener.Addr().(*net.TCPAddr)
	return "127.0.0.1", u.Port
}

func newIntranet(t *testing.T, worker *fakeWorker) (*Intranet, *memory.Store) {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { store.Close() })

	host, port := worker.hostPort()
	require.NoError(t, store.CreateWorker(context.Background(), &backend.Worker{
		PublicID:  "w1",
		Name:      "w1",
		Host:      host,
		Port:      port,
		APIKey:    worker.apiKey,
		SecretKey: worker.secret,
	}))

	receipts := receipt.New()
	t.Cleanup(receipts.Close)

	logger := log.New(&log.Config{Level: "error", Output: io.Discard})
	tr, err := NewIntranet(store, receipts, IntranetConfig{
		Backoff: backoff.Config{Initial: 10 * time.Millisecond, Jitter: 0.01},
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr, store
}

func TestIntranetDispatchAccepted(t *testing.T) {
	worker := newFakeWorker(t, "key-1", "sec-1")
	tr, _ := newIntranet(t, worker)

	result, err := tr.Dispatch(context.Background(), "w1", TaskDispatch{TaskID: "run-1", Name: "nightly"}, time.Second)
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, int64(1), worker.dispatches.Load())

	// Same task id inside the TTL: cached outcome, no second push.
	again, err := tr.Dispatch(context.Background(), "w1", TaskDispatch{TaskID: "run-1", Name: "nightly"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, result, again)
	assert.Equal(t, int64(1), worker.dispatches.Load())
}

func TestIntranetDispatchRefused(t *testing.T) {
	worker := newFakeWorker(t, "key-1", "")
	worker.accept.Store(false)
	tr, _ := newIntranet(t, worker)

	result, err := tr.Dispatch(context.Background(), "w1", TaskDispatch{TaskID: "run-1"}, time.Second)
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.Equal(t, "at capacity", result.Reason)
}

func TestIntranetTransientFailuresBackOff(t *testing.T) {
	worker := newFakeWorker(t, "key-1", "")
	worker.status.Store(http.StatusInternalServerError)
	tr, _ := newIntranet(t, worker)
	ctx := context.Background()

	// Three consecutive transient failures arm the backoff.
	for i := 0; i < 3; i++ {
		_, err := tr.Dispatch(ctx, "w1", TaskDispatch{TaskID: "run-" + strconv.Itoa(i)}, time.Second)
		var transientErr *dispatcherrors.TransientError
		require.ErrorAs(t, err, &transientErr)
	}

	// While backing off the link refuses immediately.
	_, err := tr.Dispatch(ctx, "w1", TaskDispatch{TaskID: "run-x"}, time.Second)
	var unavailErr *dispatcherrors.WorkerUnavailableError
	require.ErrorAs(t, err, &unavailErr)

	// After the delay elapses and the worker recovers, dispatch succeeds
	// and the counters clear.
	worker.status.Store(http.StatusOK)
	time.Sleep(30 * time.Millisecond)
	result, err := tr.Dispatch(ctx, "w1", TaskDispatch{TaskID: "run-y"}, time.Second)
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.True(t, tr.LinkState("w1").Ready())
}

func TestIntranetAuthFailuresDisableLink(t *testing.T) {
	worker := newFakeWorker(t, "other-key", "")
	tr, _ := newIntranet(t, worker)
	ctx := context.Background()

	for i := 0; i < DefaultMaxAuthFailures; i++ {
		_, err := tr.Dispatch(ctx, "w1", TaskDispatch{TaskID: "run-" + strconv.Itoa(i)}, time.Second)
		var authErr *dispatcherrors.AuthError
		require.ErrorAs(t, err, &authErr)
	}
	assert.True(t, tr.LinkState("w1").Disabled())

	// Disabled links never retry on their own.
	_, err := tr.Dispatch(ctx, "w1", TaskDispatch{TaskID: "run-z"}, time.Second)
	var unavailErr *dispatcherrors.WorkerUnavailableError
	require.ErrorAs(t, err, &unavailErr)

	// Operator intervention re-enables.
	tr.LinkState("w1").Enable()
	assert.False(t, tr.LinkState("w1").Disabled())
}

func TestIntranetNoEndpoint(t *testing.T) {
	worker := newFakeWorker(t, "key-1", "")
	tr, store := newIntranet(t, worker)
	ctx := context.Background()

	require.NoError(t, store.CreateWorker(ctx, &backend.Worker{PublicID: "w2", Name: "w2", APIKey: "k2"}))
	_, err := tr.Dispatch(ctx, "w2", TaskDispatch{TaskID: "run-1"}, time.Second)
	var unavailErr *dispatcherrors.WorkerUnavailableError
	require.ErrorAs(t, err, &unavailErr)
}

func TestConnStateThresholds(t *testing.T) {
	cs := NewConnState(2, backoff.Config{Initial: 5 * time.Millisecond, Jitter: 0.01})
	transient := &dispatcherrors.TransientError{Op: "x"}

	assert.Zero(t, cs.Fail(transient))
	assert.Zero(t, cs.Fail(transient))
	assert.True(t, cs.Ready())

	// Third consecutive failure arms the backoff.
	delay := cs.Fail(transient)
	assert.Positive(t, delay)
	assert.False(t, cs.Ready())

	cs.Success()
	assert.True(t, cs.Ready())

	// Auth failures count separately and disable past the threshold.
	authErr := &dispatcherrors.AuthError{Scheme: "api_key"}
	cs.Fail(authErr)
	assert.False(t, cs.Disabled())
	cs.Fail(authErr)
	assert.True(t, cs.Disabled())
	assert.False(t, cs.Ready())
}
