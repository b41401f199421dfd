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
	"sync"
	"time"

	dispatcherrors "github.com/tombee/dispatch/pkg/errors"
)

// queued wraps an enqueued item with its delivery receipt.
type queued[T any] struct {
	receiptID string
	item      T
}

// workerQueue is the per-worker durable pull queue for one message kind.
// Items stay in the in-flight set after delivery until acked, so a worker
// crash between poll and ack redelivers.
type workerQueue[T any] struct {
	mu       sync.Mutex
	items    []queued[T]
	inflight map[string]queued[T]
	max      int

	signal chan struct{}
}

func newWorkerQueue[T any](max int) *workerQueue[T] {
	if max <= 0 {
		max = 1000
	}
	return &workerQueue[T]{
		inflight: make(map[string]queued[T]),
		max:      max,
		signal:   make(chan struct{}, 1),
	}
}

// enqueue appends an item. A full queue refuses rather than dropping:
// dispatch loss is worse than backpressure.
func (q *workerQueue[T]) enqueue(receiptID string, item T) error {
	q.mu.Lock()
	if len(q.items)+len(q.inflight) >= q.max {
		q.mu.Unlock()
		return &dispatcherrors.QuotaError{Resource: "worker_queue", Limit: q.max}
	}
	q.items = append(q.items, queued[T]{receiptID: receiptID, item: item})
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// poll blocks up to timeout for the next item. Delivered items move to
// the in-flight set until acked. ok is false on timeout.
func (q *workerQueue[T]) poll(ctx context.Context, timeout time.Duration) (receiptID string, item T, ok bool) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			head := q.items[0]
			q.items = q.items[1:]
			q.inflight[head.receiptID] = head
			q.mu.Unlock()
			return head.receiptID, head.item, true
		}
		q.mu.Unlock()

		wait := time.Until(deadline)
		if wait <= 0 {
			var zero T
			return "", zero, false
		}
		select {
		case <-ctx.Done():
			var zero T
			return "", zero, false
		case <-q.signal:
		case <-time.After(wait):
			var zero T
			return "", zero, false
		}
	}
}

// ack removes a delivered item. Returns false for an unknown receipt.
func (q *workerQueue[T]) ack(receiptID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[receiptID]; !ok {
		return false
	}
	delete(q.inflight, receiptID)
	return true
}

// redeliver pushes all unacked in-flight items back to the queue head.
func (q *workerQueue[T]) redeliver() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.inflight)
	if n == 0 {
		return 0
	}
	restored := make([]queued[T], 0, n)
	for _, it := range q.inflight {
		restored = append(restored, it)
	}
	q.inflight = make(map[string]queued[T])
	q.items = append(restored, q.items...)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return n
}

// depth reports queued plus in-flight items.
func (q *workerQueue[T]) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + len(q.inflight)
}
