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

// Package hub fans execution events out to WebSocket subscribers.
//
// Connections partition by execution id. Each partition owns a bounded
// message deque and one drain goroutine that serializes a message once and
// sends it to every subscriber concurrently; a subscriber whose send fails
// or stalls past the send timeout is removed. Locking is per partition, so
// one busy execution cannot block another.
package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tombee/dispatch/pkg/metrics"
)

// Config tunes the hub.
type Config struct {
	// MaxConnPerExecution evicts the oldest connection past this count.
	MaxConnPerExecution int

	// MaxTotalConn refuses new connections past this count.
	MaxTotalConn int

	// PingInterval is the server ping cadence.
	PingInterval time.Duration

	// PongTimeout is how long after a ping the peer must show liveness.
	PongTimeout time.Duration

	// MaxMissedPongs closes the connection with 4008 when reached.
	MaxMissedPongs int

	// MaxQueueSize bounds one partition's deque; overflow drops oldest.
	MaxQueueSize int

	// SendTimeout bounds one send to one subscriber.
	SendTimeout time.Duration

	// DrainBatchSize is how many queued messages one drain pass takes.
	DrainBatchSize int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxConnPerExecution <= 0 {
		out.MaxConnPerExecution = 10
	}
	if out.MaxTotalConn <= 0 {
		out.MaxTotalConn = 1000
	}
	if out.PingInterval <= 0 {
		out.PingInterval = 30 * time.Second
	}
	if out.PongTimeout <= 0 {
		out.PongTimeout = 10 * time.Second
	}
	if out.MaxMissedPongs <= 0 {
		out.MaxMissedPongs = 3
	}
	if out.MaxQueueSize <= 0 {
		out.MaxQueueSize = 1000
	}
	if out.SendTimeout <= 0 {
		out.SendTimeout = 5 * time.Second
	}
	if out.DrainBatchSize <= 0 {
		out.DrainBatchSize = 50
	}
	return out
}

// HistoryFunc supplies replay frames for a late subscriber. A nil func or
// empty result produces a no_historical_logs frame.
type HistoryFunc func(executionID string) []Message

// Hub is the WebSocket connection pool.
type Hub struct {
	cfg     Config
	logger  *slog.Logger
	verify  TokenVerifier
	history HistoryFunc

	upgrader websocket.Upgrader

	mu         sync.RWMutex
	partitions map[string]*partition
	total      int
	closed     bool
}

// New creates a hub.
func New(cfg Config, verify TokenVerifier, logger *slog.Logger) *Hub {
	if verify == nil {
		verify = AllowAll
	}
	return &Hub{
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "hub"),
		verify: verify,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		partitions: make(map[string]*partition),
	}
}

// SetHistory registers the historical-log replay source.
func (h *Hub) SetHistory(history HistoryFunc) {
	h.mu.Lock()
	h.history = history
	h.mu.Unlock()
}

// ServeExecution upgrades an HTTP request into a subscription to one
// execution. The token comes from the "token" query parameter.
func (h *Hub) ServeExecution(w http.ResponseWriter, r *http.Request, executionID string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if err := h.verify(r.URL.Query().Get("token"), executionID); err != nil {
		h.logger.Warn("subscription rejected",
			slog.String("execution_id", executionID),
			slog.String("error", err.Error()))
		closeWith(ws, CloseAuthFailed, "authentication failed")
		return
	}

	conn := &connection{
		id:          uuid.NewString(),
		executionID: executionID,
		ws:          ws,
	}
	conn.touch()

	if !h.register(conn) {
		closeWith(ws, CloseTryAgainLater, "connection quota exceeded")
		return
	}

	welcome := Message{
		Type:         TypeConnected,
		ConnectionID: conn.id,
		ExecutionID:  executionID,
		Timestamp:    time.Now().UTC(),
		Config: ConnConfig{
			PingInterval: int(h.cfg.PingInterval.Seconds()),
			PongTimeout:  int(h.cfg.PongTimeout.Seconds()),
		},
	}
	if data, err := json.Marshal(welcome); err == nil {
		conn.write(data, h.cfg.SendTimeout)
	}

	h.sendHistory(conn)

	go h.pingLoop(conn)
	h.readLoop(conn)
}

// Publish enqueues a message for every subscriber of its execution.
// Executions with no partition drop the message silently.
func (h *Hub) Publish(msg Message) {
	h.mu.RLock()
	p := h.partitions[msg.ExecutionID]
	h.mu.RUnlock()
	if p == nil {
		return
	}
	p.enqueue(msg)
}

// ConnectionCount returns the number of live connections across all
// executions.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

// Close shuts the hub down: every connection receives close code 1001 and
// every partition drains before its processor exits, subject to grace.
func (h *Hub) Close(grace time.Duration) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	parts := make([]*partition, 0, len(h.partitions))
	for _, p := range h.partitions {
		parts = append(parts, p)
	}
	h.mu.Unlock()

	deadline := time.Now().Add(grace)
	for _, p := range parts {
		p.shutdown(deadline)
	}

	h.mu.Lock()
	h.partitions = make(map[string]*partition)
	h.total = 0
	h.mu.Unlock()
}

// register attaches a connection, applying both quotas. The partition
// join happens under h.mu so a racing unregister cannot delete the
// partition between lookup and add, stranding the connection.
func (h *Hub) register(conn *connection) bool {
	h.mu.Lock()
	if h.closed || h.total >= h.cfg.MaxTotalConn {
		h.mu.Unlock()
		return false
	}
	p := h.partitions[conn.executionID]
	if p == nil {
		p = newPartition(conn.executionID, h)
		h.partitions[conn.executionID] = p
	}
	h.total++
	evicted := p.add(conn, h.cfg.MaxConnPerExecution)
	h.mu.Unlock()

	if evicted != nil {
		evicted.close(CloseReplaced, "replaced by newer connection")
		h.decrement()
	}

	metrics.HubConnectionOpened()
	h.logger.Debug("subscriber connected",
		slog.String("execution_id", conn.executionID),
		slog.String("connection_id", conn.id))
	return true
}

// unregister detaches a connection and removes its partition when empty.
func (h *Hub) unregister(conn *connection) {
	h.mu.Lock()
	p := h.partitions[conn.executionID]
	h.mu.Unlock()
	if p == nil {
		return
	}

	if p.remove(conn) {
		h.decrement()
		metrics.HubConnectionClosed()

		if p.empty() {
			h.mu.Lock()
			if p.empty() && h.partitions[conn.executionID] == p {
				delete(h.partitions, conn.executionID)
				h.mu.Unlock()
				p.stopDrain()
			} else {
				h.mu.Unlock()
			}
		}
	}
}

func (h *Hub) decrement() {
	h.mu.Lock()
	if h.total > 0 {
		h.total--
	}
	h.mu.Unlock()
}

// sendHistory replays cached frames to a late subscriber, bracketed by
// start/end markers.
func (h *Hub) sendHistory(conn *connection) {
	h.mu.RLock()
	history := h.history
	h.mu.RUnlock()

	var frames []Message
	if history != nil {
		frames = history(conn.executionID)
	}

	now := time.Now().UTC()
	if len(frames) == 0 {
		h.sendDirect(conn, Message{Type: TypeNoHistoricalLogs, ExecutionID: conn.executionID, Timestamp: now})
		return
	}

	h.sendDirect(conn, Message{Type: TypeHistoricalStart, ExecutionID: conn.executionID, Timestamp: now})
	for _, frame := range frames {
		h.sendDirect(conn, frame)
	}
	h.sendDirect(conn, Message{Type: TypeHistoricalEnd, ExecutionID: conn.executionID, Timestamp: time.Now().UTC()})
}

func (h *Hub) sendDirect(conn *connection, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	conn.write(data, h.cfg.SendTimeout)
}

// readLoop consumes client frames: any frame is liveness evidence, a ping
// gets a pong reply. Returns when the connection dies.
func (h *Hub) readLoop(conn *connection) {
	defer func() {
		h.unregister(conn)
		conn.close(CloseInactive, "")
	}()

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		conn.touch()

		var frame struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &frame) == nil && frame.Type == TypePing {
			h.sendDirect(conn, Message{Type: TypePong, Timestamp: time.Now().UTC()})
		}
	}
}

// pingLoop drives the server heartbeat: a ping frame every ping interval,
// and close 4008 after max missed pong deadlines in a row.
func (h *Hub) pingLoop(conn *connection) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-conn.closed():
			return
		case <-ticker.C:
			h.sendDirect(conn, Message{Type: TypePing, Timestamp: time.Now().UTC()})

			if time.Since(conn.lastSeen()) > h.cfg.PingInterval+h.cfg.PongTimeout {
				missed++
			} else {
				missed = 0
			}
			if missed >= h.cfg.MaxMissedPongs {
				h.logger.Debug("closing unresponsive subscriber",
					slog.String("execution_id", conn.executionID),
					slog.String("connection_id", conn.id))
				h.unregister(conn)
				conn.close(CloseHeartbeatTimeout, "heartbeat timeout")
				return
			}
		}
	}
}

func closeWith(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	ws.Close()
}
