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

import "time"

// Message types sent to subscribers.
const (
	TypeConnected        = "connected"
	TypeLogLine          = "log_line"
	TypeExecutionStatus  = "execution_status"
	TypeHistoricalStart  = "historical_logs_start"
	TypeHistoricalEnd    = "historical_logs_end"
	TypeNoHistoricalLogs = "no_historical_logs"
	TypePing             = "ping"
	TypePong             = "pong"
)

// Close codes used by the hub.
const (
	// CloseReplaced is sent to the oldest connection when the
	// per-execution quota evicts it.
	CloseReplaced = 1000

	// CloseShutdown is sent to every connection on hub shutdown.
	CloseShutdown = 1001

	// CloseTryAgainLater refuses a connection over the global quota.
	CloseTryAgainLater = 1013

	// CloseAuthFailed rejects a bad or missing token.
	CloseAuthFailed = 4003

	// CloseNotFound rejects a subscription to an unknown execution.
	CloseNotFound = 4004

	// CloseHeartbeatTimeout closes a connection that missed too many pongs.
	CloseHeartbeatTimeout = 4008

	// CloseInactive closes a connection whose sends fail or stall.
	CloseInactive = 4009
)

// Message is the wire envelope for every server-to-client frame.
type Message struct {
	Type         string    `json:"type"`
	ExecutionID  string    `json:"execution_id,omitempty"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Data         any       `json:"data,omitempty"`
	Config       any       `json:"config,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// ConnConfig is advertised to clients in the connected frame.
type ConnConfig struct {
	PingInterval int `json:"ping_interval"`
	PongTimeout  int `json:"pong_timeout"`
}

// LogLineData is the payload of a log_line frame.
type LogLineData struct {
	ExecutionID string    `json:"execution_id"`
	LogType     string    `json:"log_type"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	Level       string    `json:"level,omitempty"`
	Source      string    `json:"source,omitempty"`
}

// StatusData is the payload of an execution_status frame.
type StatusData struct {
	Status   string  `json:"status"`
	Progress float64 `json:"progress,omitempty"`
	Message  string  `json:"message,omitempty"`
}

// LogLineMessage builds a log_line frame.
func LogLineMessage(executionID string, data LogLineData) Message {
	return Message{
		Type:        TypeLogLine,
		ExecutionID: executionID,
		Data:        data,
		Timestamp:   time.Now().UTC(),
	}
}

// StatusMessage builds an execution_status frame.
func StatusMessage(executionID string, data StatusData) Message {
	return Message{
		Type:        TypeExecutionStatus,
		ExecutionID: executionID,
		Data:        data,
		Timestamp:   time.Now().UTC(),
	}
}
