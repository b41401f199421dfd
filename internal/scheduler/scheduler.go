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

// Package scheduler fires task templates, resolves execution targets,
// orchestrates retries, and reaps stalled runs.
//
// Exactly one process runs in the master role; control-role peers publish
// events to the bus instead of scheduling. The role is configured, never
// elected.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/dispatch/internal/backend"
	"github.com/tombee/dispatch/internal/bus"
	"github.com/tombee/dispatch/internal/log"
	"github.com/tombee/dispatch/internal/state"
	"github.com/tombee/dispatch/internal/transport"
	"github.com/tombee/dispatch/pkg/backoff"
	dispatcherrors "github.com/tombee/dispatch/pkg/errors"
	"github.com/tombee/dispatch/pkg/metrics"
)

// Scheduler roles.
const (
	RoleMaster  = "master"
	RoleControl = "control"
)

// Config tunes the scheduler.
type Config struct {
	// Role is master or control.
	Role string

	// Timezone evaluates cron expressions. Defaults to UTC.
	Timezone *time.Location

	// MaxConcurrentTasks caps process-wide live runs.
	MaxConcurrentTasks int

	// DefaultMaxInstances caps per-task live runs when the task sets none.
	DefaultMaxInstances int

	// TickInterval is the trigger loop cadence.
	TickInterval time.Duration

	// MisfireGrace coalesces missed firings within the window into one.
	MisfireGrace time.Duration

	// AckTimeout bounds the dispatch ack wait.
	AckTimeout time.Duration

	// DispatchStallLimit reaps runs stuck in dispatching.
	DispatchStallLimit time.Duration

	// RunHeartbeatLimit times out running runs with no heartbeat, for
	// tasks that set no timeout of their own.
	RunHeartbeatLimit time.Duration

	// RetryInitialDelay seeds retry backoff for tasks whose policy sets
	// no initial delay of its own.
	RetryInitialDelay time.Duration

	// JanitorInterval is the reaper cadence.
	JanitorInterval time.Duration

	// Consumer names this instance in the bus consumer group.
	Consumer string
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Role == "" {
		out.Role = RoleMaster
	}
	if out.Timezone == nil {
		out.Timezone = time.UTC
	}
	if out.MaxConcurrentTasks <= 0 {
		out.MaxConcurrentTasks = 50
	}
	if out.DefaultMaxInstances <= 0 {
		out.DefaultMaxInstances = 3
	}
	if out.TickInterval <= 0 {
		out.TickInterval = time.Second
	}
	if out.MisfireGrace <= 0 {
		out.MisfireGrace = 30 * time.Second
	}
	if out.AckTimeout <= 0 {
		out.AckTimeout = 5 * time.Second
	}
	if out.DispatchStallLimit <= 0 {
		out.DispatchStallLimit = time.Minute
	}
	if out.RunHeartbeatLimit <= 0 {
		out.RunHeartbeatLimit = 10 * time.Minute
	}
	if out.RetryInitialDelay <= 0 {
		out.RetryInitialDelay = 10 * time.Second
	}
	if out.JanitorInterval <= 0 {
		out.JanitorInterval = 15 * time.Second
	}
	if out.Consumer == "" {
		out.Consumer = "master-1"
	}
	return out
}

// LocalRequest is one submit to the co-located rule executor.
type LocalRequest struct {
	// ExecutionID tags the submit; paginated children carry the page
	// suffix for correlation.
	ExecutionID string

	Task *backend.Task
	Page int
}

// LocalExecutor runs rule tasks in-process.
type LocalExecutor interface {
	// Pages reports the pagination fan-out for a rule task; 1 when the
	// project declares none.
	Pages(ctx context.Context, task *backend.Task) int

	// Submit hands one page to the executor. Each submit is independent;
	// partial failures do not roll back siblings.
	Submit(ctx context.Context, req LocalRequest) error
}

// Store is the persistence slice the scheduler needs.
type Store interface {
	backend.TaskStore
	backend.RunStore
}

// Scheduler drives the trigger loop, the resolver, retries and the
// janitor for the master role, and event publication for control peers.
type Scheduler struct {
	cfg        Config
	store      Store
	resolver   *Resolver
	dispatcher transport.Dispatcher
	local      LocalExecutor
	events     bus.Bus
	logger     *slog.Logger
	tracer     trace.Tracer

	sem    chan struct{}
	slotMu sync.Mutex
	slots  map[string]struct{}

	cronMu sync.Mutex
	crons  map[string]compiledCron

	retryMu sync.Mutex
	retries map[string]*time.Timer

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	now func() time.Time
}

type compiledCron struct {
	source string
	expr   *CronExpr
}

// New creates a scheduler. local may be nil when no rule executor is
// co-located; events may be nil in single-instance deployments.
func New(store Store, resolver *Resolver, dispatcher transport.Dispatcher, local LocalExecutor, events bus.Bus, cfg Config, logger *slog.Logger) *Scheduler {
	c := cfg.withDefaults()
	return &Scheduler{
		cfg:        c,
		store:      store,
		resolver:   resolver,
		dispatcher: dispatcher,
		local:      local,
		events:     events,
		logger:     logger.With("component", "scheduler"),
		tracer:     otel.Tracer("dispatch/scheduler"),
		sem:        make(chan struct{}, c.MaxConcurrentTasks),
		slots:      make(map[string]struct{}),
		crons:      make(map[string]compiledCron),
		retries:    make(map[string]*time.Timer),
		stop:       make(chan struct{}),
		now:        time.Now,
	}
}

// SetClock overrides the time source. Used by tests.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Start launches the master loops. Control-role instances refuse: they
// publish to the bus and never run scheduler logic.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.Role != RoleMaster {
		return &dispatcherrors.ValidationError{
			Field:   "role",
			Message: "scheduler loops run only in the master role",
			Reason:  "illegal-role",
		}
	}

	s.wg.Add(2)
	go s.triggerLoop(ctx)
	go s.janitorLoop(ctx)
	if s.events != nil {
		s.wg.Add(1)
		go s.consumeLoop(ctx)
	}
	return nil
}

// Stop halts loops and cancels pending retry timers.
func (s *Scheduler) Stop() {
	s.closeOnce.Do(func() { close(s.stop) })
	s.retryMu.Lock()
	for key, timer := range s.retries {
		timer.Stop()
		delete(s.retries, key)
	}
	s.retryMu.Unlock()
	s.wg.Wait()
}

// TriggerTask fires a task immediately. Control-role instances publish a
// task_trigger event instead.
func (s *Scheduler) TriggerTask(ctx context.Context, taskID string) error {
	if s.cfg.Role != RoleMaster {
		if s.events == nil {
			return &dispatcherrors.InternalError{Message: "control role requires an event bus"}
		}
		_, err := s.events.Publish(ctx, bus.Event{Event: bus.EventTaskTrigger, TaskID: taskID})
		return err
	}

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	return s.fire(ctx, task, 0)
}

// NotifyTaskChanged invalidates cached trigger state for the task.
// Control-role instances publish a task_changed event instead.
func (s *Scheduler) NotifyTaskChanged(ctx context.Context, taskID string) error {
	if s.cfg.Role != RoleMaster {
		if s.events == nil {
			return &dispatcherrors.InternalError{Message: "control role requires an event bus"}
		}
		_, err := s.events.Publish(ctx, bus.Event{Event: bus.EventTaskChanged, TaskID: taskID})
		return err
	}
	return s.applyTaskChanged(ctx, taskID)
}

// applyTaskChanged drops the compiled cron and recomputes next_run from
// the authoritative row.
func (s *Scheduler) applyTaskChanged(ctx context.Context, taskID string) error {
	s.cronMu.Lock()
	delete(s.crons, taskID)
	s.cronMu.Unlock()

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		var nfErr *dispatcherrors.NotFoundError
		if errors.As(err, &nfErr) {
			return nil // deleted; nothing to reschedule
		}
		return err
	}

	next, err := s.nextFire(task, s.now())
	if err != nil {
		return err
	}
	if next.IsZero() {
		task.NextRun = nil
	} else {
		task.NextRun = &next
	}
	return s.store.UpdateTask(ctx, task)
}

// tick evaluates every active task against the clock once.
func (s *Scheduler) tick(ctx context.Context) {
	tasks, err := s.store.ListTasks(ctx, backend.TaskFilter{Active: boolPtr(true)})
	if err != nil {
		s.logger.Warn("trigger scan failed", slog.String("error", err.Error()))
		return
	}
	now := s.now()

	for _, task := range tasks {
		if task.Schedule.Kind == backend.ScheduleManual {
			continue
		}

		if task.NextRun == nil {
			next, err := s.nextFire(task, now)
			if err != nil {
				s.logger.Warn("unschedulable task",
					slog.String("task_id", task.PublicID),
					slog.String("error", err.Error()))
				continue
			}
			if next.IsZero() {
				continue
			}
			task.NextRun = &next
			if err := s.store.UpdateTask(ctx, task); err != nil {
				s.logger.Warn("next_run write failed", slog.String("task_id", task.PublicID))
			}
			continue
		}

		due := *task.NextRun
		if now.Before(due) {
			continue
		}

		// Advance next_run before firing so a slow dispatch cannot
		// double-fire the same slot. Missed slots inside the grace
		// window coalesce into this one fire; beyond it the slot is
		// skipped entirely.
		misfired := now.Sub(due) > s.cfg.MisfireGrace

		// A one-shot slot is consumed the moment it fires. Stamping
		// last_run here, not at the terminal result, keeps a failed or
		// slow dispatch from re-arming the slot on the next pass.
		if task.Schedule.Kind == backend.ScheduleOnce {
			fired := now
			task.LastRun = &fired
		}
		next, err := s.nextFire(task, now)
		if err != nil {
			continue
		}
		if next.IsZero() {
			task.NextRun = nil
		} else {
			task.NextRun = &next
		}
		if err := s.store.UpdateTask(ctx, task); err != nil {
			s.logger.Warn("next_run write failed", slog.String("task_id", task.PublicID))
			continue
		}

		if misfired && task.Schedule.Kind != backend.ScheduleOnce {
			s.logger.Warn("misfire beyond grace, slot skipped",
				slog.String("task_id", task.PublicID),
				slog.Time("due", due))
			continue
		}

		t := task
		go func() {
			if err := s.fire(ctx, t, 0); err != nil {
				s.logger.Warn("fire failed",
					slog.String("task_id", t.PublicID),
					slog.String("error", err.Error()))
			}
		}()
	}
}

// nextFire computes the next due time strictly after from.
func (s *Scheduler) nextFire(task *backend.Task, from time.Time) (time.Time, error) {
	switch task.Schedule.Kind {
	case backend.ScheduleManual:
		return time.Time{}, nil
	case backend.ScheduleOnce:
		if task.LastRun != nil || task.Schedule.At == nil {
			return time.Time{}, nil
		}
		return *task.Schedule.At, nil
	case backend.ScheduleInterval:
		if task.Schedule.Interval <= 0 {
			return time.Time{}, &dispatcherrors.ValidationError{
				Field: "schedule.interval", Message: "must be positive", Reason: "illegal-schedule"}
		}
		return from.Add(task.Schedule.Interval), nil
	case backend.ScheduleCron:
		expr, err := s.compiledCron(task)
		if err != nil {
			return time.Time{}, err
		}
		next := expr.Next(from.In(s.cfg.Timezone))
		if next.IsZero() {
			return time.Time{}, &dispatcherrors.ValidationError{
				Field: "schedule.cron", Message: "expression never fires", Reason: "illegal-schedule"}
		}
		return next, nil
	default:
		return time.Time{}, &dispatcherrors.ValidationError{
			Field: "schedule.kind", Message: string(task.Schedule.Kind), Reason: "illegal-schedule"}
	}
}

func (s *Scheduler) compiledCron(task *backend.Task) (*CronExpr, error) {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()

	if c, ok := s.crons[task.PublicID]; ok && c.source == task.Schedule.Cron {
		return c.expr, nil
	}
	expr, err := ParseCron(task.Schedule.Cron)
	if err != nil {
		return nil, &dispatcherrors.ValidationError{
			Field: "schedule.cron", Message: err.Error(), Reason: "illegal-schedule"}
	}
	s.crons[task.PublicID] = compiledCron{source: task.Schedule.Cron, expr: expr}
	return expr, nil
}

// fire runs the concurrency-safe fire sequence for one attempt.
func (s *Scheduler) fire(ctx context.Context, task *backend.Task, attempt int) error {
	// Re-read: the row may have been deactivated since the scan.
	task, err := s.store.GetTask(ctx, task.PublicID)
	if err != nil {
		return err
	}
	if !task.IsActive {
		return nil
	}

	maxInstances := task.MaxConcurrentInstances
	if maxInstances <= 0 {
		maxInstances = s.cfg.DefaultMaxInstances
	}
	live, err := s.store.CountLiveRuns(ctx, task.PublicID)
	if err != nil {
		return err
	}
	if live >= maxInstances {
		s.logger.Info("fire skipped at instance cap",
			slog.String("task_id", task.PublicID),
			slog.Int("live", live))
		return nil
	}

	// Process-wide running cap; a fire waits for a slot.
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stop:
		return nil
	}

	run := &backend.Run{
		PublicID: uuid.NewString(),
		RunID:    uuid.NewString(),
		TaskID:   task.PublicID,
		Attempt:  attempt,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		<-s.sem
		return err
	}
	s.holdSlot(run.RunID)

	ctx, span := s.tracer.Start(ctx, "scheduler.fire",
		trace.WithAttributes(
			attribute.String("task_id", task.PublicID),
			attribute.String("run_id", run.RunID),
			attribute.Int("attempt", attempt),
		))
	defer span.End()

	if err := s.store.TransitionDispatch(ctx, run.RunID, state.DispatchDispatching, backend.RunUpdate{}); err != nil {
		s.releaseSlot(run.RunID)
		return err
	}
	metrics.RecordRunTransition(string(state.StatusDispatching))

	target, err := s.resolver.Resolve(ctx, task, task.OwnerID, false)
	if err != nil {
		return s.failDispatch(ctx, task, run, err.Error())
	}

	if target.Local {
		return s.submitLocal(ctx, task, run)
	}

	result, err := s.dispatcher.Dispatch(ctx, target.WorkerID, transport.TaskDispatch{
		TaskID:         run.RunID,
		Name:           task.Name,
		Type:           string(task.Type),
		ProjectID:      task.ProjectID,
		Entrypoint:     task.Entrypoint,
		TimeoutSeconds: task.TimeoutSeconds,
		Attempt:        attempt,
	}, s.cfg.AckTimeout)
	if err != nil {
		var timeoutErr *dispatcherrors.TimeoutError
		if errors.As(err, &timeoutErr) {
			return s.timeoutDispatch(ctx, task, run, err.Error())
		}
		return s.failDispatch(ctx, task, run, err.Error())
	}
	if !result.Accepted {
		return s.failDispatch(ctx, task, run, "worker refused: "+result.Reason)
	}

	workerID := target.WorkerID
	if err := s.store.TransitionDispatch(ctx, run.RunID, state.DispatchQueued, backend.RunUpdate{
		WorkerID: &workerID,
	}); err != nil {
		s.releaseSlot(run.RunID)
		return err
	}
	metrics.RecordRunTransition(string(state.StatusQueued))
	log.WithRunContext(s.logger, run.RunID, task.PublicID).Info("run queued",
		slog.String("worker_id", workerID),
		slog.Int("attempt", attempt))
	return nil
}

// submitLocal fans a rule task out to the co-located executor, one
// submit per declared page.
func (s *Scheduler) submitLocal(ctx context.Context, task *backend.Task, run *backend.Run) error {
	if s.local == nil {
		return s.failDispatch(ctx, task, run, "no local executor configured")
	}

	pages := s.local.Pages(ctx, task)
	if pages < 1 {
		pages = 1
	}

	submitted := 0
	for page := 1; page <= pages; page++ {
		req := LocalRequest{ExecutionID: run.RunID, Task: task, Page: page}
		if pages > 1 {
			req.ExecutionID = fmt.Sprintf("%s_page_%d", run.RunID, page)
		}
		if err := s.local.Submit(ctx, req); err != nil {
			// Children are independent; siblings proceed.
			s.logger.Warn("local submit failed",
				slog.String("execution_id", req.ExecutionID),
				slog.String("error", err.Error()))
			continue
		}
		submitted++
	}
	if submitted == 0 {
		return s.failDispatch(ctx, task, run, "all local submits failed")
	}

	if err := s.store.TransitionDispatch(ctx, run.RunID, state.DispatchQueued, backend.RunUpdate{}); err != nil {
		s.releaseSlot(run.RunID)
		return err
	}
	metrics.RecordRunTransition(string(state.StatusQueued))
	return nil
}

func (s *Scheduler) failDispatch(ctx context.Context, task *backend.Task, run *backend.Run, reason string) error {
	msg := reason
	now := s.now()
	if err := s.store.TransitionDispatch(ctx, run.RunID, state.DispatchFailed, backend.RunUpdate{
		ErrorMessage: &msg,
		EndTime:      &now,
	}); err != nil {
		s.releaseSlot(run.RunID)
		return err
	}
	metrics.RecordRunTransition(string(state.StatusFailed))
	s.releaseSlot(run.RunID)
	s.maybeRetry(task, run)
	return nil
}

func (s *Scheduler) timeoutDispatch(ctx context.Context, task *backend.Task, run *backend.Run, reason string) error {
	msg := reason
	now := s.now()
	if err := s.store.TransitionDispatch(ctx, run.RunID, state.DispatchTimeout, backend.RunUpdate{
		ErrorMessage: &msg,
		EndTime:      &now,
	}); err != nil {
		s.releaseSlot(run.RunID)
		return err
	}
	metrics.RecordRunTransition(string(state.StatusTimeout))
	s.releaseSlot(run.RunID)
	s.maybeRetry(task, run)
	return nil
}

// HandleResult consumes a worker's terminal report. Wired as the
// transport's OnResult callback; the transport's receipt cache keeps
// duplicates off this path inside the TTL.
func (s *Scheduler) HandleResult(ctx context.Context, result transport.Result) error {
	run, err := s.store.GetRun(ctx, result.TaskID)
	if err != nil {
		return err
	}

	var runtimeStatus state.RuntimeStatus
	switch result.Status {
	case "success":
		runtimeStatus = state.RuntimeSuccess
	case "failed":
		runtimeStatus = state.RuntimeFailed
	case "cancelled":
		runtimeStatus = state.RuntimeCancelled
	case "timeout":
		runtimeStatus = state.RuntimeTimeout
	default:
		return &dispatcherrors.ValidationError{
			Field: "status", Message: result.Status, Reason: "illegal-status"}
	}

	// The runtime axis may not have seen a running report; bridge it so
	// the terminal transition is legal.
	if run.RuntimeStatus == state.RuntimeNone {
		startedAt := result.StartedAt
		if startedAt.IsZero() {
			startedAt = s.now()
		}
		if err := s.store.TransitionRuntime(ctx, run.RunID, state.RuntimeRunning, backend.RunUpdate{
			StartTime: &startedAt,
		}); err != nil {
			return err
		}
	}

	finishedAt := result.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = s.now()
	}
	update := backend.RunUpdate{
		EndTime:    &finishedAt,
		DurationMS: &result.DurationMS,
		ExitCode:   result.ExitCode,
		ResultData: result.Data,
	}
	if result.ErrorMessage != "" {
		update.ErrorMessage = &result.ErrorMessage
	}
	if err := s.store.TransitionRuntime(ctx, run.RunID, runtimeStatus, update); err != nil {
		return err
	}
	metrics.RecordRunTransition(string(runtimeStatus))
	s.releaseSlot(run.RunID)

	task, err := s.store.GetTask(ctx, run.TaskID)
	if err != nil {
		return err
	}
	success := runtimeStatus == state.RuntimeSuccess
	if err := s.store.RecordTaskOutcome(ctx, task.PublicID, success, finishedAt, task.NextRun); err != nil {
		s.logger.Warn("outcome write failed", slog.String("task_id", task.PublicID))
	}

	if runtimeStatus == state.RuntimeFailed || runtimeStatus == state.RuntimeTimeout {
		s.maybeRetry(task, run)
	}
	return nil
}

// MarkRunning bridges a live run onto the runtime axis when the worker
// reports start-of-execution out of band.
func (s *Scheduler) MarkRunning(ctx context.Context, runID string) error {
	now := s.now()
	if err := s.store.TransitionRuntime(ctx, runID, state.RuntimeRunning, backend.RunUpdate{
		StartTime:     &now,
		LastHeartbeat: &now,
	}); err != nil {
		return err
	}
	metrics.RecordRunTransition(string(state.StatusRunning))
	return nil
}

// TouchRunHeartbeat stamps run liveness from a worker heartbeat.
func (s *Scheduler) TouchRunHeartbeat(ctx context.Context, runID string) error {
	return s.store.TouchRunHeartbeat(ctx, runID, s.now())
}

// Cancel publishes a cancel control message for a live run. The runtime
// axis moves to cancelled on the worker's confirmation, or by the
// heartbeat reaper if none arrives.
func (s *Scheduler) Cancel(ctx context.Context, runID, reason string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if state.IsTerminal(run.Status()) {
		return &dispatcherrors.StateConflictError{
			Entity: "run", ID: runID, From: string(run.Status()), To: string(state.StatusCancelled)}
	}
	if run.WorkerID == "" {
		// Never reached a worker; cancel is a pure state transition and
		// never enters the retry chain.
		msg := "cancelled: " + reason
		now := s.now()
		if err := s.store.TransitionDispatch(ctx, run.RunID, state.DispatchFailed, backend.RunUpdate{
			ErrorMessage: &msg,
			EndTime:      &now,
		}); err != nil {
			return err
		}
		metrics.RecordRunTransition(string(state.StatusFailed))
		s.releaseSlot(run.RunID)
		return nil
	}

	payload, _ := json.Marshal(map[string]string{
		"task_id": run.TaskID,
		"run_id":  runID,
		"reason":  reason,
	})
	return s.dispatcher.PushControl(ctx, run.WorkerID, transport.ControlMessage{
		Action:  transport.ControlCancel,
		Payload: payload,
	})
}

// ConfirmCancel applies a worker's cancel confirmation.
func (s *Scheduler) ConfirmCancel(ctx context.Context, runID string) error {
	now := s.now()
	if err := s.store.TransitionRuntime(ctx, runID, state.RuntimeCancelled, backend.RunUpdate{
		EndTime: &now,
	}); err != nil {
		return err
	}
	metrics.RecordRunTransition(string(state.StatusCancelled))
	s.releaseSlot(runID)
	return nil
}

// maybeRetry schedules a one-shot refire when the retry policy allows.
// Each attempt gets a fresh Run; the job key includes the attempt number
// so chains never collide.
func (s *Scheduler) maybeRetry(task *backend.Task, run *backend.Run) {
	if run.Attempt >= task.Retry.MaxRetries {
		return
	}
	delay := s.retryDelay(task.Retry, run.Attempt)
	nextAttempt := run.Attempt + 1
	key := fmt.Sprintf("%s#%d", run.RunID, nextAttempt)

	s.retryMu.Lock()
	if _, ok := s.retries[key]; ok {
		s.retryMu.Unlock()
		return
	}
	s.retries[key] = time.AfterFunc(delay, func() {
		s.retryMu.Lock()
		delete(s.retries, key)
		s.retryMu.Unlock()

		select {
		case <-s.stop:
			return
		default:
		}
		if err := s.fire(context.Background(), task, nextAttempt); err != nil {
			s.logger.Warn("retry fire failed",
				slog.String("task_id", task.PublicID),
				slog.Int("attempt", nextAttempt),
				slog.String("error", err.Error()))
		}
	})
	s.retryMu.Unlock()

	metrics.RecordRetryScheduled()
	s.logger.Info("retry scheduled",
		slog.String("task_id", task.PublicID),
		slog.String("run_id", run.RunID),
		slog.Int("attempt", nextAttempt),
		slog.Duration("delay", delay))
}

// retryDelay derives the attempt's delay from a backoff engine seeded by
// the task's retry policy, so the cap and jitter apply to retry chains
// the same way they do to transport reconnects. A fixed policy pins
// every attempt to the initial delay.
func (s *Scheduler) retryDelay(policy backend.RetryPolicy, attempt int) time.Duration {
	initial := policy.InitialDelay
	if initial <= 0 {
		initial = s.cfg.RetryInitialDelay
	}
	if strings.EqualFold(policy.Backoff, "fixed") {
		return initial
	}

	engine := backoff.New(backoff.Config{Initial: initial})
	delay := engine.Next()
	for i := 0; i < attempt; i++ {
		delay = engine.Next()
	}
	return delay
}

// Sweep runs one janitor pass: stalled dispatches fail, heartbeat-dead
// running runs time out and get a cancel control push.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := s.now()

	stalled, err := s.store.ListStalledDispatches(ctx, now.Add(-s.cfg.DispatchStallLimit))
	if err != nil {
		s.logger.Warn("stall scan failed", slog.String("error", err.Error()))
	}
	for _, run := range stalled {
		task, err := s.store.GetTask(ctx, run.TaskID)
		if err != nil {
			continue
		}
		if err := s.failDispatch(ctx, task, run, "dispatch_stalled"); err != nil {
			s.logger.Warn("stall reap failed", slog.String("run_id", run.RunID))
		}
	}

	stale, err := s.store.ListStaleRunning(ctx, now)
	if err != nil {
		s.logger.Warn("heartbeat scan failed", slog.String("error", err.Error()))
		return
	}
	for _, run := range stale {
		task, err := s.store.GetTask(ctx, run.TaskID)
		if err != nil {
			continue
		}
		limit := s.cfg.RunHeartbeatLimit
		if task.TimeoutSeconds > 0 {
			limit = time.Duration(task.TimeoutSeconds) * time.Second
		}
		last := run.StartTime
		if run.LastHeartbeat != nil {
			last = run.LastHeartbeat
		}
		if last == nil || now.Sub(*last) <= limit {
			continue
		}

		msg := "run heartbeat limit exceeded"
		end := now
		if err := s.store.TransitionRuntime(ctx, run.RunID, state.RuntimeTimeout, backend.RunUpdate{
			ErrorMessage: &msg,
			EndTime:      &end,
		}); err != nil {
			s.logger.Warn("timeout reap failed", slog.String("run_id", run.RunID))
			continue
		}
		metrics.RecordRunTransition(string(state.StatusTimeout))
		s.releaseSlot(run.RunID)

		if run.WorkerID != "" {
			payload, _ := json.Marshal(map[string]string{
				"task_id": run.TaskID,
				"run_id":  run.RunID,
				"reason":  "heartbeat timeout",
			})
			if err := s.dispatcher.PushControl(ctx, run.WorkerID, transport.ControlMessage{
				Action:  transport.ControlCancel,
				Payload: payload,
			}); err != nil {
				s.logger.Warn("cancel push failed", slog.String("run_id", run.RunID))
			}
		}

		if err := s.store.RecordTaskOutcome(ctx, task.PublicID, false, now, task.NextRun); err == nil {
			s.maybeRetry(task, run)
		}
	}
}

func (s *Scheduler) triggerLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) janitorLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// consumeLoop applies bus events in publish order. Events are reminders:
// the DB row is re-read, never trusted from the event.
func (s *Scheduler) consumeLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		default:
		}

		events, err := s.events.Consume(ctx, s.cfg.Consumer, 16, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("bus consume failed", slog.String("error", err.Error()))
			time.Sleep(time.Second)
			continue
		}

		var acked []string
		for _, event := range events {
			switch event.Event {
			case bus.EventTaskChanged:
				if err := s.applyTaskChanged(ctx, event.TaskID); err != nil {
					s.logger.Warn("task_changed apply failed",
						slog.String("task_id", event.TaskID),
						slog.String("error", err.Error()))
				}
			case bus.EventTaskTrigger:
				if err := s.TriggerTask(ctx, event.TaskID); err != nil {
					s.logger.Warn("task_trigger apply failed",
						slog.String("task_id", event.TaskID),
						slog.String("error", err.Error()))
				}
			}
			acked = append(acked, event.ID)
		}
		if len(acked) > 0 {
			if err := s.events.Ack(ctx, acked...); err != nil {
				s.logger.Warn("bus ack failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Scheduler) holdSlot(runID string) {
	s.slotMu.Lock()
	s.slots[runID] = struct{}{}
	s.slotMu.Unlock()
}

// releaseSlot frees the semaphore slot exactly once per run.
func (s *Scheduler) releaseSlot(runID string) {
	s.slotMu.Lock()
	_, held := s.slots[runID]
	delete(s.slots, runID)
	s.slotMu.Unlock()
	if held {
		<-s.sem
	}
}

func boolPtr(b bool) *bool { return &b }
