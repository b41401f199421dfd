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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/dispatch/internal/backend"
	"github.com/tombee/dispatch/internal/backend/memory"
	"github.com/tombee/dispatch/internal/blob"
	"github.com/tombee/dispatch/internal/log"
	"github.com/tombee/dispatch/internal/logpipe"
	"github.com/tombee/dispatch/internal/receipt"
	"github.com/tombee/dispatch/internal/registry"
)

type gatewayFixture struct {
	gw      *Gateway
	server  *httptest.Server
	store   *memory.Store
	results []Result
	hbs     []registry.Heartbeat
	mu      sync.Mutex
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	store := memory.New()
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.CreateWorker(context.Background(), &backend.Worker{
		PublicID: "w1",
		Name:     "w1",
		APIKey:   "key-1",
	}))

	logger := log.New(&log.Config{Level: "error", Output: io.Discard})
	pipeline := logpipe.New(blob.NewMemoryStore(), logpipe.Config{}, logger)
	t.Cleanup(func() { pipeline.Close(context.Background()) })

	receipts := receipt.New()
	t.Cleanup(receipts.Close)

	f := &gatewayFixture{store: store}
	f.gw = NewGateway(GatewayConfig{PollTimeoutCap: 2 * time.Second}, NewVerifier(store, nil, time.Minute), receipts, pipeline, Handlers{
		OnResult: func(_ context.Context, r Result) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.results = append(f.results, r)
			return nil
		},
		OnHeartbeat: func(_ context.Context, hb registry.Heartbeat) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.hbs = append(f.hbs, hb)
			return nil
		},
	}, logger)

	f.server = httptest.NewServer(f.gw.Handler())
	t.Cleanup(f.server.Close)
	return f
}

// call issues an authenticated worker request and decodes the answer.
func (f *gatewayFixture) call(t *testing.T, path string, payload any, out any) int {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, f.server.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(HeaderWorkerID, "w1")
	req.Header.Set(HeaderAPIKey, "key-1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil {
		require.NoError(t, json.Unmarshal(data, out), "body: %s", data)
	}
	return resp.StatusCode
}

func TestGatewayDispatchPollAck(t *testing.T) {
	f := newGatewayFixture(t)

	// Worker polls concurrently and accepts what it receives.
	done := make(chan struct{})
	go func() {
		defer close(done)
		var poll pollTaskResponse
		status := f.call(t, "/api/v1/gateway/tasks/poll", pollRequest{TimeoutMS: 1500}, &poll)
		assert.Equal(t, http.StatusOK, status)
		if !assert.True(t, poll.HasTask) {
			return
		}
		assert.Equal(t, "run-1", poll.Task.TaskID)

		var ackResp map[string]bool
		status = f.call(t, "/api/v1/gateway/tasks/ack", TaskAck{
			TaskID:    poll.Task.TaskID,
			ReceiptID: poll.ReceiptID,
			Accepted:  true,
		}, &ackResp)
		assert.Equal(t, http.StatusOK, status)
	}()

	result, err := f.gw.Dispatch(context.Background(), "w1", TaskDispatch{TaskID: "run-1", Name: "nightly"}, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	<-done

	// Repeated dispatch of the same task id answers from the receipt
	// cache without a second delivery.
	again, err := f.gw.Dispatch(context.Background(), "w1", TaskDispatch{TaskID: "run-1", Name: "nightly"}, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, result, again)
	assert.Equal(t, 0, f.gw.QueueDepth("w1"))
}

func TestGatewayDispatchAckTimeout(t *testing.T) {
	f := newGatewayFixture(t)

	_, err := f.gw.Dispatch(context.Background(), "w1", TaskDispatch{TaskID: "run-1"}, 50*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")

	// The task stays queued for the next poll.
	assert.Equal(t, 1, f.gw.QueueDepth("w1"))
}

func TestGatewayDispatchRefused(t *testing.T) {
	f := newGatewayFixture(t)

	go func() {
		var poll pollTaskResponse
		f.call(t, "/api/v1/gateway/tasks/poll", pollRequest{TimeoutMS: 1500}, &poll)
		if poll.HasTask {
			f.call(t, "/api/v1/gateway/tasks/ack", TaskAck{
				TaskID:    poll.Task.TaskID,
				ReceiptID: poll.ReceiptID,
				Accepted:  false,
				Reason:    "at capacity",
			}, nil)
		}
	}()

	result, err := f.gw.Dispatch(context.Background(), "w1", TaskDispatch{TaskID: "run-2"}, 2*time.Second)
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.Equal(t, "at capacity", result.Reason)
}

func TestGatewayReportResultIdempotent(t *testing.T) {
	f := newGatewayFixture(t)

	report := Result{
		TaskID:     "run-1",
		Status:     "success",
		DurationMS: 1200,
	}

	var first, second map[string]any
	status := f.call(t, "/api/v1/gateway/results", report, &first)
	require.Equal(t, http.StatusOK, status)

	// The duplicate must answer byte-identical without re-invoking the
	// handler.
	status = f.call(t, "/api/v1/gateway/results", report, &second)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, first, second)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.results, 1)
	assert.Equal(t, "w1", f.results[0].WorkerID)
}

func TestGatewayHeartbeatForwarded(t *testing.T) {
	f := newGatewayFixture(t)

	var resp map[string]bool
	status := f.call(t, "/api/v1/gateway/heartbeat", map[string]any{
		"cpu_percent":   55.5,
		"running_tasks": 3,
	}, &resp)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, resp["success"])

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.hbs, 1)
	assert.Equal(t, "w1", f.hbs[0].WorkerID)
	assert.Equal(t, "key-1", f.hbs[0].APIKey)
	assert.Equal(t, 55.5, f.hbs[0].CPUPercent)
}

func TestGatewayRejectsUnauthenticated(t *testing.T) {
	f := newGatewayFixture(t)

	resp, err := http.Post(f.server.URL+"/api/v1/gateway/heartbeat", "application/json", bytes.NewReader([]byte("{}")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGatewayControlRoundTrip(t *testing.T) {
	f := newGatewayFixture(t)

	require.NoError(t, f.gw.PushControl(context.Background(), "w1", ControlMessage{
		Action:  ControlCancel,
		Payload: json.RawMessage(`{"task_id":"run-1"}`),
	}))

	var poll pollControlResponse
	status := f.call(t, "/api/v1/gateway/control/poll", pollRequest{TimeoutMS: 500}, &poll)
	require.Equal(t, http.StatusOK, status)
	require.True(t, poll.HasControl)
	assert.Equal(t, ControlCancel, poll.Control.Action)
	assert.NotEmpty(t, poll.Control.RequestID)

	var ackResp map[string]bool
	status = f.call(t, "/api/v1/gateway/control/ack", map[string]string{"receipt_id": poll.ReceiptID}, &ackResp)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, ackResp["success"])

	// Without a redeliver pass the queue is empty again.
	assert.Equal(t, 0, f.gw.RedeliverInflight("w1"))
}

func TestGatewayRedeliversUnacked(t *testing.T) {
	f := newGatewayFixture(t)

	require.NoError(t, f.gw.PushControl(context.Background(), "w1", ControlMessage{Action: ControlConfig}))

	var poll pollControlResponse
	f.call(t, "/api/v1/gateway/control/poll", pollRequest{TimeoutMS: 500}, &poll)
	require.True(t, poll.HasControl)

	// Worker crashed before acking; the delivery returns to the queue.
	assert.Equal(t, 1, f.gw.RedeliverInflight("w1"))

	var again pollControlResponse
	f.call(t, "/api/v1/gateway/control/poll", pollRequest{TimeoutMS: 500}, &again)
	require.True(t, again.HasControl)
	assert.Equal(t, poll.Control.RequestID, again.Control.RequestID)
}

func TestGatewayLogIngest(t *testing.T) {
	f := newGatewayFixture(t)

	var resp map[string]bool
	status := f.call(t, "/api/v1/gateway/logs", logpipe.Record{
		RunID:    "run-1",
		Stream:   logpipe.StreamStdout,
		Sequence: 1,
		Content:  "starting",
	}, &resp)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, resp["success"])

	recs := make([]logpipe.Record, 0, 3)
	for i := int64(2); i <= 4; i++ {
		recs = append(recs, logpipe.Record{
			RunID:    "run-1",
			Stream:   logpipe.StreamStdout,
			Sequence: i,
			Content:  fmt.Sprintf("line %d", i),
		})
	}
	status = f.call(t, "/api/v1/gateway/logs/batch", recs, &resp)
	require.Equal(t, http.StatusOK, status)
}

func TestWorkerQueueBackpressure(t *testing.T) {
	q := newWorkerQueue[int](2)
	require.NoError(t, q.enqueue("r1", 1))
	require.NoError(t, q.enqueue("r2", 2))
	assert.Error(t, q.enqueue("r3", 3))

	_, v, ok := q.poll(context.Background(), 10*time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, 1, v)

	// In-flight still counts toward the cap until acked.
	assert.Error(t, q.enqueue("r3", 3))
}

func TestPollAdvertisesCompressThreshold(t *testing.T) {
	f := newGatewayFixture(t)

	// An empty poll still carries the batching hint, so a worker learns
	// the threshold before it ships its first log batch.
	var poll pollTaskResponse
	status := f.call(t, "/api/v1/gateway/tasks/poll", pollRequest{TimeoutMS: 50}, &poll)
	assert.Equal(t, http.StatusOK, status)
	assert.False(t, poll.HasTask)
	assert.Equal(t, 4096, poll.CompressThreshold)
}
