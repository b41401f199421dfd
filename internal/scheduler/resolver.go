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

package scheduler

import (
	"context"
	"sort"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/dispatch/internal/backend"
	"github.com/tombee/dispatch/internal/registry"
	dispatcherrors "github.com/tombee/dispatch/pkg/errors"
)

// Target is the resolver's answer: a local submit or a remote worker.
type Target struct {
	Local    bool
	WorkerID string
}

// Resolver picks the execution target for a task per its strategy.
type Resolver struct {
	reg *registry.Registry

	// selectors caches compiled selector programs by expression text.
	selMu     sync.Mutex
	selectors map[string]*vm.Program
}

// NewResolver builds a resolver over the registry snapshot.
func NewResolver(reg *registry.Registry) *Resolver {
	return &Resolver{reg: reg, selectors: make(map[string]*vm.Program)}
}

// Resolve picks a target. userID and isAdmin gate ACL-checked strategies.
func (r *Resolver) Resolve(ctx context.Context, task *backend.Task, userID string, isAdmin bool) (Target, error) {
	switch task.Strategy {
	case backend.StrategyLocal:
		if task.Type != backend.TaskTypeRule {
			return Target{}, &dispatcherrors.ValidationError{
				Field:   "strategy",
				Message: "local strategy is limited to rule tasks",
				Reason:  "illegal-strategy",
			}
		}
		return Target{Local: true}, nil

	case backend.StrategyFixed:
		if t, ok := r.bound(ctx, task, userID, isAdmin); ok {
			return t, nil
		}
		if task.FallbackEnabled {
			return r.auto(ctx, task, userID, isAdmin)
		}
		return Target{}, &dispatcherrors.WorkerUnavailableError{
			Strategy: string(backend.StrategyFixed),
			WorkerID: task.BoundWorkerID,
			Message:  "bound worker not online",
		}

	case backend.StrategyPreferBound:
		if t, ok := r.bound(ctx, task, userID, isAdmin); ok {
			return t, nil
		}
		return r.auto(ctx, task, userID, isAdmin)

	case backend.StrategyAuto, "":
		return r.auto(ctx, task, userID, isAdmin)

	default:
		return Target{}, &dispatcherrors.ValidationError{
			Field:   "strategy",
			Message: string(task.Strategy),
			Reason:  "illegal-strategy",
		}
	}
}

// bound checks whether the task's bound worker is online and permitted.
func (r *Resolver) bound(ctx context.Context, task *backend.Task, userID string, isAdmin bool) (Target, bool) {
	if task.BoundWorkerID == "" {
		return Target{}, false
	}
	view, ok := r.reg.Snapshot()[task.BoundWorkerID]
	if !ok || view.Status != backend.WorkerOnline {
		return Target{}, false
	}
	allowed, err := r.reg.CanUse(ctx, userID, task.BoundWorkerID, isAdmin)
	if err != nil || !allowed {
		return Target{}, false
	}
	return Target{WorkerID: task.BoundWorkerID}, true
}

// auto picks the least-loaded online worker the user may use and the
// selector admits. Ties break by running tasks, then cpu, then heartbeat
// recency.
func (r *Resolver) auto(ctx context.Context, task *backend.Task, userID string, isAdmin bool) (Target, error) {
	candidates := r.reg.OnlineWorkers()

	eligible := candidates[:0]
	for _, view := range candidates {
		allowed, err := r.reg.CanUse(ctx, userID, view.WorkerID, isAdmin)
		if err != nil {
			return Target{}, err
		}
		if !allowed {
			continue
		}
		if task.Selector != "" {
			match, err := r.matchSelector(task.Selector, view)
			if err != nil {
				return Target{}, err
			}
			if !match {
				continue
			}
		}
		eligible = append(eligible, view)
	}

	if len(eligible) == 0 {
		return Target{}, &dispatcherrors.WorkerUnavailableError{
			Strategy: string(backend.StrategyAuto),
			Message:  "no eligible online worker",
		}
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Metrics.RunningTasks != b.Metrics.RunningTasks {
			return a.Metrics.RunningTasks < b.Metrics.RunningTasks
		}
		if a.Metrics.CPUPercent != b.Metrics.CPUPercent {
			return a.Metrics.CPUPercent < b.Metrics.CPUPercent
		}
		return a.LastHeartbeat.After(b.LastHeartbeat)
	})
	return Target{WorkerID: eligible[0].WorkerID}, nil
}

// matchSelector evaluates the task's worker expression against one view.
func (r *Resolver) matchSelector(selector string, view registry.WorkerView) (bool, error) {
	r.selMu.Lock()
	program, ok := r.selectors[selector]
	if !ok {
		var err error
		program, err = expr.Compile(selector, expr.AsBool(), expr.AllowUndefinedVariables())
		if err != nil {
			r.selMu.Unlock()
			return false, &dispatcherrors.ValidationError{
				Field:   "selector",
				Message: err.Error(),
				Reason:  "illegal-selector",
			}
		}
		r.selectors[selector] = program
	}
	r.selMu.Unlock()

	env := map[string]any{
		"worker_id":     view.WorkerID,
		"tags":          view.Tags,
		"capabilities":  view.Capabilities,
		"cpu_percent":   view.Metrics.CPUPercent,
		"running_tasks": view.Metrics.RunningTasks,
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, &dispatcherrors.ValidationError{
			Field:   "selector",
			Message: err.Error(),
			Reason:  "illegal-selector",
		}
	}
	match, _ := out.(bool)
	return match, nil
}
