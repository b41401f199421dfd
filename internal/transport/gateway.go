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
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/dispatch/internal/log"
	"github.com/tombee/dispatch/internal/logpipe"
	"github.com/tombee/dispatch/internal/receipt"
	"github.com/tombee/dispatch/internal/registry"
	dispatcherrors "github.com/tombee/dispatch/pkg/errors"
	"github.com/tombee/dispatch/pkg/metrics"
)

// GatewayConfig tunes the pull-mode transport.
type GatewayConfig struct {
	// PollTimeoutCap bounds worker-requested long-poll timeouts.
	PollTimeoutCap time.Duration

	// QueueDepth caps each per-worker queue.
	QueueDepth int

	// MaxBodyBytes bounds any single request body.
	MaxBodyBytes int64

	// CompressThreshold is advertised to workers on every poll: log
	// batches above this many bytes should arrive gzip-compressed.
	CompressThreshold int
}

func (c *GatewayConfig) withDefaults() GatewayConfig {
	out := *c
	if out.PollTimeoutCap <= 0 {
		out.PollTimeoutCap = 30 * time.Second
	}
	if out.QueueDepth <= 0 {
		out.QueueDepth = 1000
	}
	if out.MaxBodyBytes <= 0 {
		out.MaxBodyBytes = 50 << 20
	}
	if out.CompressThreshold <= 0 {
		out.CompressThreshold = 4096
	}
	return out
}

// Handlers are the upstream callbacks the gateway feeds. Each must be
// safe for concurrent use.
type Handlers struct {
	// OnResult consumes a terminal execution report. Called at most once
	// per task id inside the receipt TTL; the gateway replays the cached
	// answer to duplicates.
	OnResult func(ctx context.Context, result Result) error

	// OnHeartbeat forwards a worker heartbeat to the registry.
	OnHeartbeat func(ctx context.Context, hb registry.Heartbeat) error

	// OnControlResult consumes a worker's control reply.
	OnControlResult func(ctx context.Context, result ControlResult) error
}

// Gateway is the pull-mode transport: the master enqueues, workers
// long-poll over authenticated unary HTTP calls.
type Gateway struct {
	cfg      GatewayConfig
	verifier *Verifier
	receipts *receipt.Cache
	pipeline *logpipe.Pipeline
	handlers Handlers
	logger   *slog.Logger

	mu       sync.Mutex
	tasks    map[string]*workerQueue[TaskDispatch]
	controls map[string]*workerQueue[ControlMessage]
	waiters  map[string]chan TaskAck
}

// NewGateway builds the gateway transport.
func NewGateway(cfg GatewayConfig, verifier *Verifier, receipts *receipt.Cache, pipeline *logpipe.Pipeline, handlers Handlers, logger *slog.Logger) *Gateway {
	return &Gateway{
		cfg:      cfg.withDefaults(),
		verifier: verifier,
		receipts: receipts,
		pipeline: pipeline,
		handlers: handlers,
		logger:   logger.With("component", "gateway"),
		tasks:    make(map[string]*workerQueue[TaskDispatch]),
		controls: make(map[string]*workerQueue[ControlMessage]),
		waiters:  make(map[string]chan TaskAck),
	}
}

// Mode reports the transport mode.
func (g *Gateway) Mode() string { return ModeGateway }

// Close releases nothing today; queues are in-process.
func (g *Gateway) Close() error { return nil }

// Dispatch enqueues the task on the worker's durable queue and waits up
// to ackTimeout for the worker's accept/refuse answer. Idempotent on
// task.TaskID.
func (g *Gateway) Dispatch(ctx context.Context, workerID string, task TaskDispatch, ackTimeout time.Duration) (DispatchResult, error) {
	key := receipt.Key{WorkerID: workerID, MessageID: "dispatch:" + task.TaskID}
	if out, ok := g.receipts.Check(key); ok {
		metrics.RecordReceiptHit("dispatch")
		var cached DispatchResult
		if err := json.Unmarshal(out.Payload, &cached); err == nil {
			return cached, nil
		}
	}

	if task.DispatchedAt.IsZero() {
		task.DispatchedAt = time.Now().UTC()
	}

	ackCh := make(chan TaskAck, 1)
	g.mu.Lock()
	g.waiters[task.TaskID] = ackCh
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.waiters, task.TaskID)
		g.mu.Unlock()
	}()

	start := time.Now()
	receiptID := uuid.NewString()
	if err := g.taskQueue(workerID).enqueue(receiptID, task); err != nil {
		metrics.RecordDispatch(ModeGateway, "refused")
		return DispatchResult{TaskID: task.TaskID}, err
	}

	select {
	case <-ctx.Done():
		metrics.RecordDispatch(ModeGateway, "cancelled")
		return DispatchResult{TaskID: task.TaskID}, ctx.Err()
	case <-time.After(ackTimeout):
		metrics.RecordDispatch(ModeGateway, "timeout")
		return DispatchResult{TaskID: task.TaskID},
			&dispatcherrors.TimeoutError{Operation: "dispatch ack", Duration: ackTimeout}
	case ack := <-ackCh:
		result := DispatchResult{Accepted: ack.Accepted, Reason: ack.Reason, TaskID: task.TaskID}
		payload, _ := json.Marshal(result)
		g.receipts.Record(key, receipt.Outcome{Accepted: ack.Accepted, Reason: ack.Reason, Payload: payload})
		outcome := "accepted"
		if !ack.Accepted {
			outcome = "refused"
		}
		metrics.RecordDispatch(ModeGateway, outcome)
		metrics.ObserveDispatchDuration(ModeGateway, time.Since(start).Seconds())
		return result, nil
	}
}

// PushControl enqueues a control message for the worker to poll.
func (g *Gateway) PushControl(_ context.Context, workerID string, ctrl ControlMessage) error {
	if ctrl.RequestID == "" {
		ctrl.RequestID = uuid.NewString()
	}
	if ctrl.IssuedAt.IsZero() {
		ctrl.IssuedAt = time.Now().UTC()
	}
	ctrl.WorkerID = workerID
	return g.controlQueue(workerID).enqueue(uuid.NewString(), ctrl)
}

// RedeliverInflight pushes unacked deliveries for a worker back onto its
// queues. Called when the worker's link resets.
func (g *Gateway) RedeliverInflight(workerID string) int {
	return g.taskQueue(workerID).redeliver() + g.controlQueue(workerID).redeliver()
}

// QueueDepth reports the worker's pending task count.
func (g *Gateway) QueueDepth(workerID string) int {
	return g.taskQueue(workerID).depth()
}

// Handler returns the HTTP surface workers call. Every route requires
// authentication metadata on the request.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/gateway/tasks/poll", g.authed(g.handlePollTask))
	mux.HandleFunc("POST /api/v1/gateway/tasks/ack", g.authed(g.handleAckTask))
	mux.HandleFunc("POST /api/v1/gateway/results", g.authed(g.handleReportResult))
	mux.HandleFunc("POST /api/v1/gateway/logs", g.authed(g.handleSendLog))
	mux.HandleFunc("POST /api/v1/gateway/logs/batch", g.authed(g.handleSendLogBatch))
	mux.HandleFunc("POST /api/v1/gateway/logs/chunk", g.authed(g.handleSendLogChunk))
	mux.HandleFunc("POST /api/v1/gateway/heartbeat", g.authed(g.handleSendHeartbeat))
	mux.HandleFunc("POST /api/v1/gateway/control/poll", g.authed(g.handlePollControl))
	mux.HandleFunc("POST /api/v1/gateway/control/ack", g.authed(g.handleAckControl))
	mux.HandleFunc("POST /api/v1/gateway/control/result", g.authed(g.handleControlResult))
	return mux
}

type gatewayHandler func(w http.ResponseWriter, r *http.Request, workerID string, body []byte)

// authed reads the body once, authenticates, and passes both through.
func (g *Gateway) authed(next gatewayHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, g.cfg.MaxBodyBytes+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable body")
			return
		}
		if int64(len(body)) > g.cfg.MaxBodyBytes {
			writeError(w, http.StatusRequestEntityTooLarge, "body exceeds limit")
			return
		}

		worker, err := g.verifier.Verify(r, body)
		if err != nil {
			g.logger.Warn("gateway auth rejected",
				slog.String("remote", r.RemoteAddr),
				slog.String("api_key", log.SanitizeAPIKey(r.Header.Get(HeaderAPIKey))),
				slog.String("error", err.Error()))
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
		next(w, r, worker.PublicID, body)
	}
}

type pollRequest struct {
	WorkerID  string `json:"worker_id"`
	TimeoutMS int    `json:"timeout_ms"`
}

type pollTaskResponse struct {
	HasTask   bool          `json:"has_task"`
	Task      *TaskDispatch `json:"task,omitempty"`
	ReceiptID string        `json:"receipt_id,omitempty"`

	// CompressThreshold tells the worker when to gzip log batches.
	CompressThreshold int `json:"compress_threshold"`
}

func (g *Gateway) handlePollTask(w http.ResponseWriter, r *http.Request, workerID string, body []byte) {
	var req pollRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed poll request")
		return
	}

	receiptID, task, ok := g.taskQueue(workerID).poll(r.Context(), g.pollTimeout(req.TimeoutMS))
	resp := pollTaskResponse{HasTask: ok, CompressThreshold: g.cfg.CompressThreshold}
	if ok {
		resp.Task = &task
		resp.ReceiptID = receiptID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleAckTask(w http.ResponseWriter, r *http.Request, workerID string, body []byte) {
	var ack TaskAck
	if err := json.Unmarshal(body, &ack); err != nil || ack.TaskID == "" {
		writeError(w, http.StatusBadRequest, "malformed ack")
		return
	}
	ack.WorkerID = workerID

	// Ack idempotency keys on the delivery receipt.
	key := receipt.Key{WorkerID: workerID, MessageID: "ack:" + ack.ReceiptID}
	if out, ok := g.receipts.Check(key); ok {
		metrics.RecordReceiptHit("ack_task")
		replayOutcome(w, out)
		return
	}

	g.taskQueue(workerID).ack(ack.ReceiptID)

	g.mu.Lock()
	waiter := g.waiters[ack.TaskID]
	g.mu.Unlock()
	if waiter != nil {
		select {
		case waiter <- ack:
		default:
		}
	}

	payload, _ := json.Marshal(map[string]bool{"success": true})
	g.receipts.Record(key, receipt.Outcome{Accepted: true, Payload: payload})
	writeRaw(w, http.StatusOK, payload)
}

func (g *Gateway) handleReportResult(w http.ResponseWriter, r *http.Request, workerID string, body []byte) {
	var result Result
	if err := json.Unmarshal(body, &result); err != nil || result.TaskID == "" {
		writeError(w, http.StatusBadRequest, "malformed result")
		return
	}
	result.WorkerID = workerID

	// A running report is a liveness signal, not a terminal outcome; it
	// bypasses the receipt cache so the terminal report still lands.
	if result.Status == "running" {
		if err := g.handlers.OnResult(r.Context(), result); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}

	// Result idempotency keys on the task id: a redelivered report inside
	// the TTL answers byte-identical without re-running the handler.
	key := receipt.Key{WorkerID: workerID, MessageID: "result:" + result.TaskID}
	if out, ok := g.receipts.Check(key); ok {
		metrics.RecordReceiptHit("report_result")
		replayOutcome(w, out)
		return
	}

	if err := g.handlers.OnResult(r.Context(), result); err != nil {
		var conflictErr *dispatcherrors.StateConflictError
		if errors.As(err, &conflictErr) {
			// Terminal run already recorded; cache the refusal so the
			// duplicate path stays cheap.
			payload, _ := json.Marshal(map[string]any{"success": false, "error": "already recorded"})
			g.receipts.Record(key, receipt.Outcome{Reason: "state_conflict", Payload: payload})
			writeRaw(w, http.StatusConflict, payload)
			return
		}
		g.logger.Error("result handler failed",
			slog.String("task_id", result.TaskID),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "result not recorded")
		return
	}

	payload, _ := json.Marshal(map[string]bool{"success": true})
	g.receipts.Record(key, receipt.Outcome{Accepted: true, Payload: payload})
	writeRaw(w, http.StatusOK, payload)
}

func (g *Gateway) handleSendLog(w http.ResponseWriter, r *http.Request, _ string, body []byte) {
	var rec logpipe.Record
	if err := json.Unmarshal(body, &rec); err != nil || rec.RunID == "" {
		writeError(w, http.StatusBadRequest, "malformed log record")
		return
	}
	if err := g.pipeline.Append(r.Context(), rec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (g *Gateway) handleSendLogBatch(w http.ResponseWriter, r *http.Request, _ string, body []byte) {
	// Compressed batches arrive gzipped; the content encoding flags them.
	if r.Header.Get("Content-Encoding") == "gzip" {
		if err := g.pipeline.AppendCompressedBatch(r.Context(), body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}

	var recs []logpipe.Record
	if err := json.Unmarshal(body, &recs); err != nil {
		writeError(w, http.StatusBadRequest, "malformed log batch")
		return
	}
	if err := g.pipeline.AppendBatch(r.Context(), recs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type logChunkRequest struct {
	RunID     string `json:"run_id"`
	LogType   string `json:"log_type"`
	Data      []byte `json:"data"`
	Offset    int64  `json:"offset"`
	IsFinal   bool   `json:"is_final"`
	TotalSize int64  `json:"total_size,omitempty"`
	Checksum  string `json:"checksum,omitempty"`
}

func (g *Gateway) handleSendLogChunk(w http.ResponseWriter, r *http.Request, _ string, body []byte) {
	var req logChunkRequest
	if err := json.Unmarshal(body, &req); err != nil || req.RunID == "" {
		writeError(w, http.StatusBadRequest, "malformed chunk")
		return
	}

	if len(req.Data) > 0 {
		if err := g.pipeline.WriteChunk(r.Context(), req.RunID, req.LogType, req.Data, req.Offset); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.IsFinal {
		if err := g.pipeline.FinalizeChunks(r.Context(), req.RunID, req.LogType, req.TotalSize, req.Checksum); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (g *Gateway) handleSendHeartbeat(w http.ResponseWriter, r *http.Request, workerID string, body []byte) {
	var hb registry.Heartbeat
	if err := json.Unmarshal(body, &hb); err != nil {
		writeError(w, http.StatusBadRequest, "malformed heartbeat")
		return
	}
	hb.WorkerID = workerID
	hb.APIKey = r.Header.Get(HeaderAPIKey)

	if err := g.handlers.OnHeartbeat(r.Context(), hb); err != nil {
		var quotaErr *dispatcherrors.QuotaError
		if errors.As(err, &quotaErr) {
			writeError(w, http.StatusTooManyRequests, "heartbeat rate exceeded")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type pollControlResponse struct {
	HasControl bool            `json:"has_control"`
	Control    *ControlMessage `json:"control,omitempty"`
	ReceiptID  string          `json:"receipt_id,omitempty"`
}

func (g *Gateway) handlePollControl(w http.ResponseWriter, r *http.Request, workerID string, body []byte) {
	var req pollRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed poll request")
		return
	}

	receiptID, ctrl, ok := g.controlQueue(workerID).poll(r.Context(), g.pollTimeout(req.TimeoutMS))
	resp := pollControlResponse{HasControl: ok}
	if ok {
		resp.Control = &ctrl
		resp.ReceiptID = receiptID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleAckControl(w http.ResponseWriter, r *http.Request, workerID string, body []byte) {
	var req struct {
		ReceiptID string `json:"receipt_id"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.ReceiptID == "" {
		writeError(w, http.StatusBadRequest, "malformed control ack")
		return
	}

	key := receipt.Key{WorkerID: workerID, MessageID: "ack:" + req.ReceiptID}
	if out, ok := g.receipts.Check(key); ok {
		metrics.RecordReceiptHit("ack_control")
		replayOutcome(w, out)
		return
	}

	g.controlQueue(workerID).ack(req.ReceiptID)
	payload, _ := json.Marshal(map[string]bool{"success": true})
	g.receipts.Record(key, receipt.Outcome{Accepted: true, Payload: payload})
	writeRaw(w, http.StatusOK, payload)
}

func (g *Gateway) handleControlResult(w http.ResponseWriter, r *http.Request, workerID string, body []byte) {
	var result ControlResult
	if err := json.Unmarshal(body, &result); err != nil || result.RequestID == "" {
		writeError(w, http.StatusBadRequest, "malformed control result")
		return
	}
	result.WorkerID = workerID

	if g.handlers.OnControlResult != nil {
		if err := g.handlers.OnControlResult(r.Context(), result); err != nil {
			writeError(w, http.StatusInternalServerError, "control result not recorded")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (g *Gateway) taskQueue(workerID string) *workerQueue[TaskDispatch] {
	g.mu.Lock()
	defer g.mu.Unlock()
	q, ok := g.tasks[workerID]
	if !ok {
		q = newWorkerQueue[TaskDispatch](g.cfg.QueueDepth)
		g.tasks[workerID] = q
	}
	return q
}

func (g *Gateway) controlQueue(workerID string) *workerQueue[ControlMessage] {
	g.mu.Lock()
	defer g.mu.Unlock()
	q, ok := g.controls[workerID]
	if !ok {
		q = newWorkerQueue[ControlMessage](g.cfg.QueueDepth)
		g.controls[workerID] = q
	}
	return q
}

func (g *Gateway) pollTimeout(requestedMS int) time.Duration {
	timeout := time.Duration(requestedMS) * time.Millisecond
	if timeout <= 0 || timeout > g.cfg.PollTimeoutCap {
		timeout = g.cfg.PollTimeoutCap
	}
	return timeout
}

func replayOutcome(w http.ResponseWriter, out receipt.Outcome) {
	status := http.StatusOK
	if !out.Accepted && out.Reason == "state_conflict" {
		status = http.StatusConflict
	}
	writeRaw(w, status, out.Payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

var _ Dispatcher = (*Gateway)(nil)
