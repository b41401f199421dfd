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

// Package bus carries scheduler control events between the API surface
// (any role) and the single master. The stream is durable and bounded;
// consumers read through a consumer group and ack processed entries.
package bus

import (
	"context"
	"time"
)

// Event types on the scheduler stream.
const (
	EventTaskChanged = "task_changed"
	EventTaskTrigger = "task_trigger"
)

// Event is one control message.
type Event struct {
	// ID is assigned by the bus on publish.
	ID string `json:"id,omitempty"`

	// Event is the event type.
	Event string `json:"event"`

	// TaskID is the public id of the affected task.
	TaskID string `json:"task_id"`

	// Timestamp is when the producer emitted the event.
	Timestamp time.Time `json:"timestamp"`
}

// Bus publishes and consumes scheduler control events.
type Bus interface {
	// Publish appends an event to the stream and returns its id.
	Publish(ctx context.Context, event Event) (string, error)

	// Consume blocks up to block for the next batch of unacked events for
	// this consumer. A nil batch with nil error means the block expired.
	Consume(ctx context.Context, consumer string, count int, block time.Duration) ([]Event, error)

	// Ack marks events as processed so the group never redelivers them.
	Ack(ctx context.Context, ids ...string) error

	// Close releases the underlying connection.
	Close() error
}
