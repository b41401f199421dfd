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

// Package state models the two-axis execution lifecycle of a run.
//
// The dispatch axis covers delivery of a run to a worker; once it reaches
// queued it freezes and the runtime axis goes live. The aggregate status is
// derived, never stored independently, and all terminal states are final.
package state

// DispatchStatus is the delivery lifecycle of a run.
type DispatchStatus string

const (
	DispatchPending     DispatchStatus = "pending"
	DispatchDispatching DispatchStatus = "dispatching"
	DispatchQueued      DispatchStatus = "queued"
	DispatchFailed      DispatchStatus = "failed"
	DispatchTimeout     DispatchStatus = "timeout"
)

// RuntimeStatus is the lifecycle of a run inside the worker.
// The empty value means the runtime axis is not live yet.
type RuntimeStatus string

const (
	RuntimeNone      RuntimeStatus = ""
	RuntimeRunning   RuntimeStatus = "running"
	RuntimeSuccess   RuntimeStatus = "success"
	RuntimeFailed    RuntimeStatus = "failed"
	RuntimeCancelled RuntimeStatus = "cancelled"
	RuntimeTimeout   RuntimeStatus = "timeout"
)

// Status is the derived aggregate visible to operators.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDispatching Status = "dispatching"
	StatusQueued      Status = "queued"
	StatusRunning     Status = "running"
	StatusSuccess     Status = "success"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
	StatusTimeout     Status = "timeout"
)

// Aggregate derives the aggregate status from the two axes.
// The runtime axis only matters once dispatch has reached queued.
func Aggregate(d DispatchStatus, r RuntimeStatus) Status {
	switch d {
	case DispatchPending:
		return StatusPending
	case DispatchDispatching:
		return StatusDispatching
	case DispatchFailed:
		return StatusFailed
	case DispatchTimeout:
		return StatusTimeout
	case DispatchQueued:
		switch r {
		case RuntimeNone:
			return StatusQueued
		case RuntimeRunning:
			return StatusRunning
		case RuntimeSuccess:
			return StatusSuccess
		case RuntimeFailed:
			return StatusFailed
		case RuntimeCancelled:
			return StatusCancelled
		case RuntimeTimeout:
			return StatusTimeout
		}
	}
	return StatusPending
}

// IsTerminal reports whether the aggregate status is final. Terminal runs
// are immutable except for administrative purge.
func IsTerminal(s Status) bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	default:
		return false
	}
}

// CanTransitionDispatch reports whether the dispatch axis may move from
// from to to. The axis is append-only: pending -> dispatching ->
// {queued | failed | timeout}, and frozen after that.
func CanTransitionDispatch(from, to DispatchStatus) bool {
	switch from {
	case DispatchPending:
		return to == DispatchDispatching
	case DispatchDispatching:
		return to == DispatchQueued || to == DispatchFailed || to == DispatchTimeout
	default:
		return false
	}
}

// CanTransitionRuntime reports whether the runtime axis may move from from
// to to, given the current dispatch status. The runtime axis is live only
// once dispatch is queued.
func CanTransitionRuntime(dispatch DispatchStatus, from, to RuntimeStatus) bool {
	if dispatch != DispatchQueued {
		return false
	}
	switch from {
	case RuntimeNone:
		// A worker may also report a terminal state directly when the run
		// finished before the first status update was delivered.
		switch to {
		case RuntimeRunning, RuntimeSuccess, RuntimeFailed, RuntimeCancelled, RuntimeTimeout:
			return true
		}
		return false
	case RuntimeRunning:
		switch to {
		case RuntimeSuccess, RuntimeFailed, RuntimeCancelled, RuntimeTimeout:
			return true
		}
		return false
	default:
		// Terminal runtime states are final.
		return false
	}
}
