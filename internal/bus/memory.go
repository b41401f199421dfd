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

package bus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryBus is an in-process Bus for tests and single-binary deployments
// without Redis. Delivery semantics match the stream bus: bounded length,
// unacked entries redeliver to the next consumer call.
type MemoryBus struct {
	mu      sync.Mutex
	entries []Event
	pending map[string]Event
	nextSeq int64
	maxLen  int

	signal chan struct{}
	closed bool
}

// NewMemoryBus creates an in-memory bus bounded to maxLen entries.
func NewMemoryBus(maxLen int) *MemoryBus {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &MemoryBus{
		pending: make(map[string]Event),
		maxLen:  maxLen,
		signal:  make(chan struct{}, 1),
	}
}

// Publish appends an event, trimming the oldest unconsumed entries.
func (b *MemoryBus) Publish(_ context.Context, event Event) (string, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", fmt.Errorf("bus: closed")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b.nextSeq++
	event.ID = fmt.Sprintf("%d-0", b.nextSeq)
	b.entries = append(b.entries, event)
	if len(b.entries) > b.maxLen {
		b.entries = b.entries[len(b.entries)-b.maxLen:]
	}
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
	return event.ID, nil
}

// Consume returns the next batch, blocking up to block when empty.
// Returned events move to the pending set until acked.
func (b *MemoryBus) Consume(ctx context.Context, _ string, count int, block time.Duration) ([]Event, error) {
	if count <= 0 {
		count = 10
	}

	deadline := time.Now().Add(block)
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, fmt.Errorf("bus: closed")
		}
		if len(b.entries) > 0 {
			n := len(b.entries)
			if n > count {
				n = count
			}
			batch := make([]Event, n)
			copy(batch, b.entries[:n])
			b.entries = b.entries[n:]
			for _, e := range batch {
				b.pending[e.ID] = e
			}
			b.mu.Unlock()
			return batch, nil
		}
		b.mu.Unlock()

		if block <= 0 || !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.signal:
		case <-time.After(time.Until(deadline)):
			return nil, nil
		}
	}
}

// Ack drops entries from the pending set.
func (b *MemoryBus) Ack(_ context.Context, ids ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		delete(b.pending, id)
	}
	return nil
}

// Redeliver pushes every unacked entry back onto the stream head.
// Mirrors a consumer-group claim after a crashed consumer.
func (b *MemoryBus) Redeliver() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.pending)
	if n == 0 {
		return 0
	}
	redelivered := make([]Event, 0, n)
	for _, e := range b.pending {
		redelivered = append(redelivered, e)
	}
	b.pending = make(map[string]Event)
	b.entries = append(redelivered, b.entries...)

	select {
	case b.signal <- struct{}{}:
	default:
	}
	return n
}

// Close marks the bus closed.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

var _ Bus = (*MemoryBus)(nil)
