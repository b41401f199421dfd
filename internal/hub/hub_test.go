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
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/dispatch/internal/log"
)

func newTestHub(t *testing.T, cfg Config, verify TokenVerifier) (*Hub, *httptest.Server) {
	t.Helper()
	logger := log.New(&log.Config{Level: "error", Output: io.Discard})
	h := New(cfg, verify, logger)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// /ws/executions/{id}/logs
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) != 4 {
			http.NotFound(w, r)
			return
		}
		h.ServeExecution(w, r, parts[2])
	}))

	t.Cleanup(func() {
		h.Close(time.Second)
		srv.Close()
	})
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server, executionID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/executions/" + executionID + "/logs"
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func readUntilClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var closeErr *websocket.CloseError
			require.ErrorAs(t, err, &closeErr)
			return closeErr.Code
		}
	}
}

// waitForFrame skips frames until one of the wanted type arrives.
func waitForFrame(t *testing.T, conn *websocket.Conn, frameType string) Message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		msg := readFrame(t, conn)
		if msg.Type == frameType {
			return msg
		}
	}
	t.Fatalf("no %s frame before deadline", frameType)
	return Message{}
}

func TestConnectHandshake(t *testing.T) {
	_, srv := newTestHub(t, Config{}, nil)

	conn := dial(t, srv, "e1", "")
	welcome := readFrame(t, conn)
	assert.Equal(t, TypeConnected, welcome.Type)
	assert.Equal(t, "e1", welcome.ExecutionID)
	assert.NotEmpty(t, welcome.ConnectionID)

	history := readFrame(t, conn)
	assert.Equal(t, TypeNoHistoricalLogs, history.Type)
}

func TestAuthRejection(t *testing.T) {
	secret := []byte("hub-secret")
	_, srv := newTestHub(t, Config{}, JWTVerifier(secret))

	conn := dial(t, srv, "e1", "not-a-token")
	assert.Equal(t, CloseAuthFailed, readUntilClose(t, conn))

	// Tokens bound to a different execution are rejected too.
	token, err := SubscriptionToken(secret, "other", time.Minute)
	require.NoError(t, err)
	conn = dial(t, srv, "e1", token)
	assert.Equal(t, CloseAuthFailed, readUntilClose(t, conn))

	// A matching token is accepted.
	token, err = SubscriptionToken(secret, "e1", time.Minute)
	require.NoError(t, err)
	conn = dial(t, srv, "e1", token)
	assert.Equal(t, TypeConnected, readFrame(t, conn).Type)
}

func TestFanOut(t *testing.T) {
	h, srv := newTestHub(t, Config{}, nil)

	conns := make([]*websocket.Conn, 3)
	for i := range conns {
		conns[i] = dial(t, srv, "e1", "")
		readFrame(t, conns[i]) // connected
		readFrame(t, conns[i]) // no_historical_logs
	}

	h.Publish(LogLineMessage("e1", LogLineData{ExecutionID: "e1", LogType: "stdout", Content: "hello"}))

	for i, conn := range conns {
		msg := waitForFrame(t, conn, TypeLogLine)
		data, _ := json.Marshal(msg.Data)
		assert.Contains(t, string(data), "hello", "subscriber %d", i)
	}
}

func TestPerExecutionQuotaEvictsOldest(t *testing.T) {
	h, srv := newTestHub(t, Config{MaxConnPerExecution: 2}, nil)

	first := dial(t, srv, "e1", "")
	readFrame(t, first)
	readFrame(t, first)
	second := dial(t, srv, "e1", "")
	readFrame(t, second)
	readFrame(t, second)

	third := dial(t, srv, "e1", "")
	readFrame(t, third)

	// The oldest connection is closed with 1000.
	assert.Equal(t, CloseReplaced, readUntilClose(t, first))

	require.Eventually(t, func() bool { return h.ConnectionCount() == 2 },
		2*time.Second, 10*time.Millisecond)
}

func TestGlobalQuotaRefuses(t *testing.T) {
	_, srv := newTestHub(t, Config{MaxTotalConn: 1}, nil)

	first := dial(t, srv, "e1", "")
	readFrame(t, first)

	second := dial(t, srv, "e2", "")
	assert.Equal(t, CloseTryAgainLater, readUntilClose(t, second))
}

func TestDeadSubscriberDoesNotBlockOthers(t *testing.T) {
	h, srv := newTestHub(t, Config{SendTimeout: 200 * time.Millisecond}, nil)

	healthy := dial(t, srv, "e1", "")
	readFrame(t, healthy)
	readFrame(t, healthy)

	dead := dial(t, srv, "e1", "")
	readFrame(t, dead)
	readFrame(t, dead)
	// Tear the socket down without a close handshake.
	dead.UnderlyingConn().Close()

	for i := 0; i < 20; i++ {
		h.Publish(LogLineMessage("e1", LogLineData{Content: fmt.Sprintf("line %d", i)}))
	}

	// The healthy subscriber receives everything.
	received := 0
	for received < 20 {
		msg := waitForFrame(t, healthy, TypeLogLine)
		require.Equal(t, TypeLogLine, msg.Type)
		received++
	}

	// The dead one is eventually dropped from the pool.
	require.Eventually(t, func() bool { return h.ConnectionCount() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestClientPingGetsPong(t *testing.T) {
	_, srv := newTestHub(t, Config{}, nil)

	conn := dial(t, srv, "e1", "")
	readFrame(t, conn)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(Message{Type: TypePing, Timestamp: time.Now()}))
	assert.Equal(t, TypePong, waitForFrame(t, conn, TypePong).Type)
}

func TestMissedPongsClose4008(t *testing.T) {
	_, srv := newTestHub(t, Config{
		PingInterval:   50 * time.Millisecond,
		PongTimeout:    20 * time.Millisecond,
		MaxMissedPongs: 2,
	}, nil)

	conn := dial(t, srv, "e1", "")
	readFrame(t, conn)
	readFrame(t, conn)

	// Read but never answer pings; liveness evidence requires a client
	// frame, so the connection goes stale.
	code := readUntilClose(t, conn)
	assert.Equal(t, CloseHeartbeatTimeout, code)
}

func TestHistoryReplay(t *testing.T) {
	h, srv := newTestHub(t, Config{}, nil)
	h.SetHistory(func(executionID string) []Message {
		return []Message{
			LogLineMessage(executionID, LogLineData{Content: "old line 1"}),
			LogLineMessage(executionID, LogLineData{Content: "old line 2"}),
		}
	})

	conn := dial(t, srv, "e1", "")
	readFrame(t, conn) // connected

	assert.Equal(t, TypeHistoricalStart, readFrame(t, conn).Type)
	assert.Equal(t, TypeLogLine, readFrame(t, conn).Type)
	assert.Equal(t, TypeLogLine, readFrame(t, conn).Type)
	assert.Equal(t, TypeHistoricalEnd, readFrame(t, conn).Type)
}

func TestCloseSends1001(t *testing.T) {
	h, srv := newTestHub(t, Config{}, nil)

	conn := dial(t, srv, "e1", "")
	readFrame(t, conn)
	readFrame(t, conn)

	go h.Close(time.Second)
	assert.Equal(t, CloseShutdown, readUntilClose(t, conn))
}

func TestRegisterSurvivesPartitionChurn(t *testing.T) {
	h, srv := newTestHub(t, Config{}, nil)

	// A join racing the last leave on the same execution must land on a
	// live partition, not one deleted mid-registration.
	for i := 0; i < 10; i++ {
		first := dial(t, srv, "churn", "")
		readFrame(t, first)

		done := make(chan struct{})
		go func() {
			first.Close()
			close(done)
		}()
		second := dial(t, srv, "churn", "")
		readFrame(t, second)
		<-done

		h.Publish(LogLineMessage("churn", LogLineData{Content: "tick"}))
		msg := waitForFrame(t, second, TypeLogLine)
		assert.Equal(t, "churn", msg.ExecutionID)
		second.Close()
	}
}
