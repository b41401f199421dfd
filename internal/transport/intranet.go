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
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/dispatch/internal/backend"
	"github.com/tombee/dispatch/internal/receipt"
	"github.com/tombee/dispatch/pkg/backoff"
	dispatcherrors "github.com/tombee/dispatch/pkg/errors"
	"github.com/tombee/dispatch/pkg/httpclient"
	"github.com/tombee/dispatch/pkg/metrics"
)

// IntranetConfig tunes the push-mode transport.
type IntranetConfig struct {
	// MaxAuthFailures disables a worker link after this many consecutive
	// auth rejections.
	MaxAuthFailures int

	// Backoff drives the per-worker reconnect delays.
	Backoff backoff.Config

	// Client overrides the HTTP client configuration.
	Client httpclient.Config
}

// Intranet is the push-mode transport: the master calls the worker's
// advertised HTTP endpoint directly, authenticated with the worker's api
// key and optionally HMAC-signed with its secret.
type Intranet struct {
	workers  backend.WorkerStore
	receipts *receipt.Cache
	client   *http.Client
	cfg      IntranetConfig
	logger   *slog.Logger

	mu    sync.Mutex
	links map[string]*ConnState
}

// NewIntranet builds the push transport.
func NewIntranet(workers backend.WorkerStore, receipts *receipt.Cache, cfg IntranetConfig, logger *slog.Logger) (*Intranet, error) {
	clientCfg := cfg.Client
	if clientCfg.Timeout == 0 {
		clientCfg = httpclient.DefaultConfig()
		clientCfg.UserAgent = "dispatch-master/1.0"
		// Ack waits are bounded by the caller's context; the transport
		// layer must not retry a dispatch on its own.
		clientCfg.RetryAttempts = 0
	}
	client, err := httpclient.New(clientCfg)
	if err != nil {
		return nil, err
	}
	return &Intranet{
		workers:  workers,
		receipts: receipts,
		client:   client,
		cfg:      cfg,
		logger:   logger.With("component", "intranet"),
		links:    make(map[string]*ConnState),
	}, nil
}

// Mode reports the transport mode.
func (t *Intranet) Mode() string { return ModeIntranet }

// Close releases idle connections.
func (t *Intranet) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

// Dispatch pushes the task to the worker's endpoint and waits for the
// inline accept/refuse answer. Idempotent on task.TaskID.
func (t *Intranet) Dispatch(ctx context.Context, workerID string, task TaskDispatch, ackTimeout time.Duration) (DispatchResult, error) {
	key := receipt.Key{WorkerID: workerID, MessageID: "dispatch:" + task.TaskID}
	if out, ok := t.receipts.Check(key); ok {
		metrics.RecordReceiptHit("dispatch")
		var cached DispatchResult
		if err := json.Unmarshal(out.Payload, &cached); err == nil {
			return cached, nil
		}
	}

	link := t.link(workerID)
	if link.Disabled() {
		return DispatchResult{TaskID: task.TaskID}, &dispatcherrors.WorkerUnavailableError{
			WorkerID: workerID,
			Message:  "transport disabled after repeated auth failures",
		}
	}
	if !link.Ready() {
		return DispatchResult{TaskID: task.TaskID}, &dispatcherrors.WorkerUnavailableError{
			WorkerID: workerID,
			Message:  "link backing off after consecutive failures",
		}
	}

	if task.DispatchedAt.IsZero() {
		task.DispatchedAt = time.Now().UTC()
	}

	start := time.Now()
	var ack TaskAck
	err := t.push(ctx, workerID, "/api/v1/tasks/dispatch", task, ackTimeout, &ack)
	if err != nil {
		delay := link.Fail(err)
		if delay > 0 {
			t.logger.Warn("worker link backing off",
				slog.String("worker_id", workerID),
				slog.Duration("delay", delay))
		}
		metrics.RecordDispatch(ModeIntranet, "error")
		return DispatchResult{TaskID: task.TaskID}, err
	}
	link.Success()

	result := DispatchResult{Accepted: ack.Accepted, Reason: ack.Reason, TaskID: task.TaskID}
	payload, _ := json.Marshal(result)
	t.receipts.Record(key, receipt.Outcome{Accepted: ack.Accepted, Reason: ack.Reason, Payload: payload})

	outcome := "accepted"
	if !ack.Accepted {
		outcome = "refused"
	}
	metrics.RecordDispatch(ModeIntranet, outcome)
	metrics.ObserveDispatchDuration(ModeIntranet, time.Since(start).Seconds())
	return result, nil
}

// PushControl delivers a control message inline.
func (t *Intranet) PushControl(ctx context.Context, workerID string, ctrl ControlMessage) error {
	if ctrl.RequestID == "" {
		ctrl.RequestID = uuid.NewString()
	}
	if ctrl.IssuedAt.IsZero() {
		ctrl.IssuedAt = time.Now().UTC()
	}
	ctrl.WorkerID = workerID

	link := t.link(workerID)
	if link.Disabled() {
		return &dispatcherrors.WorkerUnavailableError{WorkerID: workerID, Message: "transport disabled"}
	}

	var resp struct {
		Success bool `json:"success"`
	}
	err := t.push(ctx, workerID, "/api/v1/control", ctrl, 10*time.Second, &resp)
	if err != nil {
		link.Fail(err)
		return err
	}
	link.Success()
	return nil
}

// LinkState exposes the connection tracker for a worker. Operators use it
// to re-enable a disabled link.
func (t *Intranet) LinkState(workerID string) *ConnState {
	return t.link(workerID)
}

// push POSTs a signed payload to the worker's endpoint and decodes the
// answer into out.
func (t *Intranet) push(ctx context.Context, workerID, path string, payload any, timeout time.Duration, out any) error {
	worker, err := t.workers.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if worker.Host == "" || worker.Port == 0 {
		return &dispatcherrors.WorkerUnavailableError{
			WorkerID: workerID,
			Message:  "worker advertises no reachable endpoint",
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return &dispatcherrors.InternalError{Message: "unmarshalable push payload", Cause: err}
	}

	url := fmt.Sprintf("http://%s:%d%s", worker.Host, worker.Port, path)
	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &dispatcherrors.InternalError{Message: "request build failed", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+worker.APIKey)

	if worker.SecretKey != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		nonce := uuid.NewString()
		sig, err := SignHMAC(worker.SecretKey, ts, nonce, body)
		if err != nil {
			return &dispatcherrors.InternalError{Message: "payload signing failed", Cause: err}
		}
		req.Header.Set("X-Timestamp", ts)
		req.Header.Set("X-Nonce", nonce)
		req.Header.Set("X-Signature", sig)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return &dispatcherrors.TimeoutError{Operation: "dispatch ack", Duration: timeout, Cause: err}
		}
		return &dispatcherrors.TransientError{Op: "intranet.push", Message: workerID, Cause: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &dispatcherrors.AuthError{Scheme: "api_key", Message: "worker rejected credential"}
	case resp.StatusCode >= 500:
		return &dispatcherrors.TransientError{
			Op:      "intranet.push",
			Message: fmt.Sprintf("worker answered %d", resp.StatusCode),
		}
	case resp.StatusCode >= 400:
		return &dispatcherrors.ValidationError{
			Field:   "payload",
			Message: fmt.Sprintf("worker answered %d", resp.StatusCode),
			Reason:  "rejected",
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &dispatcherrors.TransientError{Op: "intranet.push", Message: "truncated answer", Cause: err}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return &dispatcherrors.TransientError{Op: "intranet.push", Message: "unparsable answer", Cause: err}
		}
	}
	return nil
}

func (t *Intranet) link(workerID string) *ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.links[workerID]
	if !ok {
		l = NewConnState(t.cfg.MaxAuthFailures, t.cfg.Backoff)
		t.links[workerID] = l
	}
	return l
}

var _ Dispatcher = (*Intranet)(nil)
