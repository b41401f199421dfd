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

package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tombee/dispatch/pkg/metrics"
)

// partition holds the subscribers and message deque for one execution.
type partition struct {
	executionID string
	hub         *Hub

	mu    sync.Mutex
	conns []*connection // oldest first
	queue []Message

	signal   chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newPartition(executionID string, h *Hub) *partition {
	p := &partition{
		executionID: executionID,
		hub:         h,
		signal:      make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go p.drainLoop()
	return p
}

// add appends a connection, returning the evicted oldest one when the
// per-execution quota overflows.
func (p *partition) add(conn *connection, quota int) (evicted *connection) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.conns) >= quota {
		evicted = p.conns[0]
		p.conns = p.conns[1:]
	}
	p.conns = append(p.conns, conn)
	return evicted
}

func (p *partition) remove(conn *connection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, c := range p.conns {
		if c == conn {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			return true
		}
	}
	return false
}

func (p *partition) empty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns) == 0
}

// enqueue appends to the bounded deque, dropping the oldest message on
// overflow.
func (p *partition) enqueue(msg Message) {
	p.mu.Lock()
	if len(p.queue) >= p.hub.cfg.MaxQueueSize {
		p.queue = p.queue[1:]
		metrics.RecordDroppedHubMessage()
	}
	p.queue = append(p.queue, msg)
	p.mu.Unlock()

	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// drainLoop is the partition's single consumer: it takes a batch, encodes
// each message once, and sends to every subscriber concurrently. Failed or
// stalled subscribers are removed.
func (p *partition) drainLoop() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			p.drainOnce()
			return
		case <-p.signal:
			for p.drainOnce() {
			}
		}
	}
}

// drainOnce processes up to one batch. Reports whether messages remain.
func (p *partition) drainOnce() bool {
	p.mu.Lock()
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return false
	}
	n := len(p.queue)
	if n > p.hub.cfg.DrainBatchSize {
		n = p.hub.cfg.DrainBatchSize
	}
	batch := p.queue[:n]
	p.queue = p.queue[n:]
	conns := make([]*connection, len(p.conns))
	copy(conns, p.conns)
	remaining := len(p.queue) > 0
	p.mu.Unlock()

	if len(conns) == 0 {
		return remaining
	}

	for _, msg := range batch {
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}

		var wg sync.WaitGroup
		failures := make(chan *connection, len(conns))
		for _, conn := range conns {
			wg.Add(1)
			go func(c *connection) {
				defer wg.Done()
				if err := c.write(data, p.hub.cfg.SendTimeout); err != nil {
					failures <- c
				}
			}(conn)
		}
		wg.Wait()
		close(failures)

		for failed := range failures {
			p.hub.unregister(failed)
			failed.close(CloseInactive, "send failed")
			conns = removeConn(conns, failed)
		}
	}

	return remaining
}

// shutdown closes every subscriber with 1001 and waits for the drain loop
// to finish the queue, up to deadline.
func (p *partition) shutdown(deadline time.Time) {
	p.stopOnce.Do(func() { close(p.stop) })

	select {
	case <-p.done:
	case <-time.After(time.Until(deadline)):
	}

	p.mu.Lock()
	conns := make([]*connection, len(p.conns))
	copy(conns, p.conns)
	p.conns = nil
	p.mu.Unlock()

	for _, conn := range conns {
		conn.close(CloseShutdown, "server shutting down")
	}
}

func (p *partition) stopDrain() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func removeConn(conns []*connection, target *connection) []*connection {
	for i, c := range conns {
		if c == target {
			return append(conns[:i], conns[i+1:]...)
		}
	}
	return conns
}

// connection is one WebSocket subscriber.
type connection struct {
	id          string
	executionID string
	ws          *websocket.Conn

	writeMu sync.Mutex

	seenMu sync.Mutex
	seen   time.Time

	closeOnce sync.Once
	closedCh  chan struct{}
	initOnce  sync.Once
}

func (c *connection) closed() chan struct{} {
	c.initOnce.Do(func() { c.closedCh = make(chan struct{}) })
	return c.closedCh
}

func (c *connection) touch() {
	c.seenMu.Lock()
	c.seen = time.Now()
	c.seenMu.Unlock()
}

func (c *connection) lastSeen() time.Time {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	return c.seen
}

// write sends one text frame under the write lock with a deadline.
func (c *connection) write(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(timeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// close sends the close frame once and tears the socket down.
func (c *connection) close(code int, reason string) {
	c.closeOnce.Do(func() {
		ch := c.closed()
		close(ch)

		c.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		c.writeMu.Unlock()
		c.ws.Close()
	})
}
