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

// Package daemon assembles the dispatchd master: storage, blob store, log
// pipeline, worker registry, transports, scheduler, artifact service and
// the WebSocket hub, behind one listener.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/tombee/dispatch/internal/artifact"
	"github.com/tombee/dispatch/internal/backend"
	"github.com/tombee/dispatch/internal/backend/memory"
	"github.com/tombee/dispatch/internal/backend/sqlite"
	"github.com/tombee/dispatch/internal/blob"
	"github.com/tombee/dispatch/internal/bus"
	"github.com/tombee/dispatch/internal/config"
	"github.com/tombee/dispatch/internal/hub"
	"github.com/tombee/dispatch/internal/log"
	"github.com/tombee/dispatch/internal/logpipe"
	"github.com/tombee/dispatch/internal/receipt"
	"github.com/tombee/dispatch/internal/registry"
	"github.com/tombee/dispatch/internal/scheduler"
	"github.com/tombee/dispatch/internal/transport"
	dispatcherrors "github.com/tombee/dispatch/pkg/errors"
)

// Options carries build-time identity.
type Options struct {
	Version   string
	Commit    string
	BuildDate string

	// ConfigPath enables hot reload of the reloadable keys when set.
	ConfigPath string
}

// Daemon is the dispatchd process.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	store      backend.Backend
	blobs      blob.Store
	pipeline   *logpipe.Pipeline
	receipts   *receipt.Cache
	registry   *registry.Registry
	events     bus.Bus
	gateway    *transport.Gateway
	intranet   *transport.Intranet
	dispatcher transport.Dispatcher
	scheduler  *scheduler.Scheduler
	hub        *hub.Hub
	artifacts  *artifact.Service

	server *http.Server
	ln     net.Listener

	mu        sync.Mutex
	started   bool
	closeOnce sync.Once
}

// New wires a daemon from configuration. Nothing starts until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Daemon, error) {
	logger := log.New(&log.Config{Level: cfg.Log.Level, Format: log.Format(cfg.Log.Format)})

	var store backend.Backend
	switch cfg.Backend.Type {
	case "memory":
		store = memory.New()
	default:
		wal := cfg.Backend.WAL == nil || *cfg.Backend.WAL
		be, err := sqlite.New(sqlite.Config{Path: cfg.Backend.Path, WAL: wal})
		if err != nil {
			return nil, fmt.Errorf("daemon: opening backend: %w", err)
		}
		store = be
	}

	var blobs blob.Store
	switch cfg.Blob.Backend {
	case "memory":
		blobs = blob.NewMemoryStore()
	default:
		s3Store, err := blob.NewS3Store(ctx, blob.S3Config{
			Bucket:         cfg.Blob.Bucket,
			Region:         cfg.Blob.Region,
			Endpoint:       cfg.Blob.Endpoint,
			ForcePathStyle: cfg.Blob.ForcePathStyle,
		})
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("daemon: opening blob store: %w", err)
		}
		blobs = s3Store
	}

	var events bus.Bus
	if cfg.Bus.RedisAddr != "" {
		redisBus, err := bus.NewRedisBus(ctx, bus.RedisConfig{
			Addr:   cfg.Bus.RedisAddr,
			Stream: cfg.Bus.Stream,
			Group:  cfg.Bus.Group,
			MaxLen: cfg.Bus.MaxLen,
		})
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("daemon: connecting event bus: %w", err)
		}
		events = redisBus
	} else {
		events = bus.NewMemoryBus(int(cfg.Bus.MaxLen))
	}

	pipeline := logpipe.New(blobs, logpipe.Config{
		BatchSize:     cfg.LogPipe.BatchSize,
		FlushInterval: cfg.LogPipe.FlushInterval,
		BufferMaxSize: cfg.LogPipe.BufferMaxSize,
		CacheLines:    cfg.LogPipe.CacheLines,
	}, logger)

	receipts := receipt.New()

	reg := registry.New(store, registry.Config{
		OfflineThreshold:   cfg.Registry.OfflineThreshold,
		ScanInterval:       cfg.Registry.ScanInterval,
		HeartbeatRateLimit: rate.Limit(cfg.Registry.HeartbeatRateLimit),
	}, logger)

	jwtSecret := []byte(cfg.Gateway.JWTSecret)
	verifier := transport.NewVerifier(store, jwtSecret, 0)

	d := &Daemon{
		cfg:      cfg,
		opts:     opts,
		logger:   log.WithComponent(logger, "daemon"),
		store:    store,
		blobs:    blobs,
		pipeline: pipeline,
		receipts: receipts,
		registry: reg,
		events:   events,
	}

	d.gateway = transport.NewGateway(transport.GatewayConfig{
		PollTimeoutCap:    cfg.Gateway.PollTimeoutCap,
		MaxBodyBytes:      cfg.Gateway.MaxMessageSize,
		CompressThreshold: cfg.LogPipe.CompressThreshold,
	}, verifier, receipts, pipeline, transport.Handlers{
		OnResult:        d.onResult,
		OnHeartbeat:     d.onHeartbeat,
		OnControlResult: d.onControlResult,
	}, logger)

	intranet, err := transport.NewIntranet(store, receipts, transport.IntranetConfig{
		MaxAuthFailures: cfg.Gateway.MaxAuthFailures,
	}, logger)
	if err != nil {
		d.closeWiring()
		return nil, fmt.Errorf("daemon: building intranet transport: %w", err)
	}
	d.intranet = intranet
	d.dispatcher = &modeMux{store: store, intranet: intranet, gateway: d.gateway}

	timezone, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		d.closeWiring()
		return nil, fmt.Errorf("daemon: scheduler timezone: %w", err)
	}
	d.scheduler = scheduler.New(store, scheduler.NewResolver(reg), d.dispatcher, nil, events, scheduler.Config{
		Role:                string(cfg.Role),
		Timezone:            timezone,
		MaxConcurrentTasks:  cfg.Scheduler.MaxConcurrentTasks,
		DefaultMaxInstances: cfg.Scheduler.MaxInstances,
		MisfireGrace:        cfg.Scheduler.MisfireGrace,
		AckTimeout:          cfg.Gateway.AckTimeout,
		DispatchStallLimit:  cfg.Scheduler.DispatchStallLimit,
		RunHeartbeatLimit:   cfg.Scheduler.ExecutionTimeout,
		RetryInitialDelay:   cfg.Scheduler.RetryDelay,
	}, logger)

	var verify hub.TokenVerifier = hub.AllowAll
	if len(jwtSecret) > 0 {
		verify = hub.JWTVerifier(jwtSecret)
	}
	d.hub = hub.New(hub.Config{
		MaxConnPerExecution: cfg.WebSocket.MaxConnPerExecution,
		MaxTotalConn:        cfg.WebSocket.MaxTotalConn,
		PingInterval:        cfg.WebSocket.PingInterval,
		PongTimeout:         cfg.WebSocket.PongTimeout,
		MaxMissedPongs:      cfg.WebSocket.MaxMissedPongs,
		MaxQueueSize:        cfg.WebSocket.MaxQueueSize,
		SendTimeout:         cfg.WebSocket.SendTimeout,
	}, verify, logger)

	// Durable first, then live: every appended record reaches subscribers
	// after its buffer write, and late subscribers replay from the cache.
	pipeline.SetEcho(func(rec logpipe.Record) {
		d.hub.Publish(hub.LogLineMessage(rec.RunID, hub.LogLineData{
			ExecutionID: rec.RunID,
			LogType:     rec.Stream,
			Content:     rec.Content,
			Timestamp:   rec.Timestamp,
			Level:       rec.Level,
			Source:      rec.Source,
		}))
	})
	d.hub.SetHistory(d.replayHistory)

	d.artifacts = artifact.New(blobs, store, artifact.Limits{
		MaxExtractSize:  cfg.Artifact.MaxExtractSize,
		MaxExtractFiles: cfg.Artifact.MaxExtractFiles,
	}, logger)

	return d, nil
}

// Start binds the listener and runs until ctx is cancelled or the server
// fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", d.cfg.Gateway.Port))
	if err != nil {
		return fmt.Errorf("daemon: listen: %w", err)
	}
	d.ln = ln

	if err := d.registry.Start(ctx); err != nil {
		return fmt.Errorf("daemon: starting registry: %w", err)
	}

	if d.cfg.IsMaster() {
		if err := d.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("daemon: starting scheduler: %w", err)
		}
		d.logger.Info("scheduler started", slog.String("role", string(d.cfg.Role)))
	} else {
		d.logger.Info("control role: scheduling loops disabled, events published to bus")
	}

	if d.opts.ConfigPath != "" {
		go func() {
			err := config.Watch(ctx, d.opts.ConfigPath, d.cfg, d.logger, d.applyReload)
			if err != nil && ctx.Err() == nil {
				d.logger.Warn("config watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	d.server = &http.Server{
		Handler:      d.Handler(),
		ReadTimeout:  d.cfg.Gateway.PollTimeoutCap + 10*time.Second,
		WriteTimeout: d.cfg.Gateway.PollTimeoutCap + 10*time.Second,
		IdleTimeout:  2 * d.cfg.Gateway.HeartbeatInterval,
	}

	d.logger.Info("dispatchd starting",
		slog.String("version", d.opts.Version),
		slog.String("role", string(d.cfg.Role)),
		slog.String("listen_addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Handler returns the full HTTP surface: gateway endpoints for workers,
// WebSocket subscriptions, artifact delivery, metrics and health.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/api/v1/gateway/", d.gateway.Handler())

	mux.HandleFunc("GET /ws/executions/{execution_id}/logs", func(w http.ResponseWriter, r *http.Request) {
		d.hub.ServeExecution(w, r, r.PathValue("execution_id"))
	})

	mux.HandleFunc("GET /api/v1/artifacts/{project_id}/manifest", d.handleManifest)
	mux.HandleFunc("GET /api/v1/artifacts/{project_id}/{version}/file", d.handleArtifactFile)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", d.handleHealth)

	return mux
}

// Shutdown drains the daemon in reverse dependency order.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}

	d.logger.Info("graceful shutdown initiated")

	if d.server != nil {
		d.server.SetKeepAlivesEnabled(false)
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		}
		cancel()
	}

	d.scheduler.Stop()
	d.registry.Stop()
	d.hub.Close(5 * time.Second)

	flushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := d.pipeline.Close(flushCtx); err != nil {
		d.logger.Error("log pipeline flush error", slog.String("error", err.Error()))
	}
	cancel()

	d.closeWiring()
	d.started = false
	d.logger.Info("daemon stopped")
	return nil
}

// closeWiring releases everything New opened. Safe on partial wiring and
// on repeated calls.
func (d *Daemon) closeWiring() {
	d.closeOnce.Do(d.closeAll)
}

func (d *Daemon) closeAll() {
	if d.intranet != nil {
		d.intranet.Close()
	}
	if d.gateway != nil {
		d.gateway.Close()
	}
	if d.receipts != nil {
		d.receipts.Close()
	}
	if d.events != nil {
		if err := d.events.Close(); err != nil {
			d.logger.Error("event bus close error", slog.String("error", err.Error()))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Error("backend close error", slog.String("error", err.Error()))
		}
	}
}

// onResult feeds the scheduler and fans the status out to subscribers.
// A running report marks the run live; repeats refresh its heartbeat.
func (d *Daemon) onResult(ctx context.Context, result transport.Result) error {
	if result.Status == "running" {
		if err := d.scheduler.MarkRunning(ctx, result.TaskID); err != nil {
			var conflictErr *dispatcherrors.StateConflictError
			if errors.As(err, &conflictErr) {
				return d.scheduler.TouchRunHeartbeat(ctx, result.TaskID)
			}
			return err
		}
		d.hub.Publish(hub.StatusMessage(result.TaskID, hub.StatusData{Status: result.Status}))
		return nil
	}

	if err := d.scheduler.HandleResult(ctx, result); err != nil {
		return err
	}
	d.hub.Publish(hub.StatusMessage(result.TaskID, hub.StatusData{
		Status:  result.Status,
		Message: result.ErrorMessage,
	}))
	return nil
}

func (d *Daemon) onHeartbeat(ctx context.Context, hb registry.Heartbeat) error {
	return d.registry.Ingest(ctx, hb)
}

// onControlResult applies worker control replies; a successful cancel
// reply finalizes the run.
func (d *Daemon) onControlResult(ctx context.Context, res transport.ControlResult) error {
	if !res.Success {
		d.logger.Warn("control request failed on worker",
			slog.String("worker_id", res.WorkerID),
			slog.String("request_id", res.RequestID),
			slog.String("error", res.Error))
		return nil
	}

	var payload struct {
		Action string `json:"action"`
		RunID  string `json:"run_id"`
	}
	if res.PayloadJSON != "" {
		if err := json.Unmarshal([]byte(res.PayloadJSON), &payload); err != nil {
			d.logger.Warn("unparsable control reply payload",
				slog.String("request_id", res.RequestID))
			return nil
		}
	}
	if payload.Action == transport.ControlCancel && payload.RunID != "" {
		return d.scheduler.ConfirmCancel(ctx, payload.RunID)
	}
	return nil
}

// replayHistory merges the cached stdout and stderr tails for a late
// subscriber, ordered by timestamp.
func (d *Daemon) replayHistory(executionID string) []hub.Message {
	var records []logpipe.Record
	for _, stream := range []string{logpipe.StreamStdout, logpipe.StreamStderr, logpipe.StreamSystem} {
		records = append(records, d.pipeline.Replay(executionID, stream)...)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})

	frames := make([]hub.Message, 0, len(records))
	for _, rec := range records {
		frames = append(frames, hub.LogLineMessage(executionID, hub.LogLineData{
			ExecutionID: rec.RunID,
			LogType:     rec.Stream,
			Content:     rec.Content,
			Timestamp:   rec.Timestamp,
			Level:       rec.Level,
			Source:      rec.Source,
		}))
	}
	return frames
}

// applyReload picks up the reloadable subset of the configuration.
func (d *Daemon) applyReload(r config.Reloadable) {
	d.cfg.Scheduler.MaxConcurrentTasks = r.MaxConcurrentTasks
	d.cfg.WebSocket.MaxConnPerExecution = r.MaxConnPerExecution
	d.cfg.WebSocket.MaxTotalConn = r.MaxTotalConn
	d.logger.Info("reloadable configuration applied",
		slog.Int("max_concurrent_tasks", r.MaxConcurrentTasks),
		slog.Int("ws_max_conn_per_execution", r.MaxConnPerExecution))
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"role":           string(d.cfg.Role),
		"version":        d.opts.Version,
		"workers_online": len(d.registry.OnlineWorkers()),
		"ws_connections": d.hub.ConnectionCount(),
	})
}

func (d *Daemon) handleManifest(w http.ResponseWriter, r *http.Request) {
	version := r.URL.Query().Get("version")
	if version == "" {
		version = artifact.VersionLatest
	}
	manifest, err := d.artifacts.GetManifest(r.Context(), r.PathValue("project_id"), version)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(manifest)
}

func (d *Daemon) handleArtifactFile(w http.ResponseWriter, r *http.Request) {
	var version int
	if _, err := fmt.Sscanf(r.PathValue("version"), "%d", &version); err != nil {
		http.Error(w, "invalid version", http.StatusBadRequest)
		return
	}
	filePath := r.URL.Query().Get("path")
	if filePath == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}

	rc, err := d.artifacts.OpenVersionFile(r.Context(), r.PathValue("project_id"), version, filePath)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, rc); err != nil {
		d.logger.Warn("artifact stream interrupted",
			slog.String("project_id", r.PathValue("project_id")),
			slog.String("path", filePath))
	}
}

// modeMux routes dispatches by worker reachability: workers registered
// with a direct endpoint take the intranet push path, the rest are queued
// for gateway pull.
type modeMux struct {
	store    backend.WorkerStore
	intranet *transport.Intranet
	gateway  *transport.Gateway
}

func (m *modeMux) pick(ctx context.Context, workerID string) (transport.Dispatcher, error) {
	worker, err := m.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if worker.Host != "" && worker.Port > 0 {
		return m.intranet, nil
	}
	return m.gateway, nil
}

func (m *modeMux) Dispatch(ctx context.Context, workerID string, task transport.TaskDispatch, ackTimeout time.Duration) (transport.DispatchResult, error) {
	t, err := m.pick(ctx, workerID)
	if err != nil {
		return transport.DispatchResult{}, err
	}
	return t.Dispatch(ctx, workerID, task, ackTimeout)
}

func (m *modeMux) PushControl(ctx context.Context, workerID string, ctrl transport.ControlMessage) error {
	t, err := m.pick(ctx, workerID)
	if err != nil {
		return err
	}
	return t.PushControl(ctx, workerID, ctrl)
}

func (m *modeMux) Mode() string { return "auto" }

func (m *modeMux) Close() error { return nil }
