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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, RoleMaster, cfg.Role)
	assert.Equal(t, 50, cfg.Scheduler.MaxConcurrentTasks)
	assert.Equal(t, "UTC", cfg.Scheduler.Timezone)
	assert.Equal(t, 5*time.Second, cfg.Gateway.AckTimeout)
	assert.Equal(t, int64(50<<20), cfg.Gateway.MaxMessageSize)
	assert.Equal(t, 10, cfg.WebSocket.MaxConnPerExecution)
	assert.Equal(t, 3, cfg.WebSocket.MaxMissedPongs)
	assert.Equal(t, int64(500<<20), cfg.Artifact.MaxExtractSize)
	assert.Equal(t, "scheduler_events", cfg.Bus.Stream)
	assert.Equal(t, 90*time.Second, cfg.Registry.OfflineThreshold)
	assert.Equal(t, 3*time.Second, cfg.Registry.ScanInterval)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dispatch.yaml")
	content := `
role: control
scheduler:
  max_concurrent_tasks: 8
  timezone: America/New_York
gateway:
  port: 9443
blob:
  backend: memory
websocket:
  max_conn_per_execution: 4
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, RoleControl, cfg.Role)
	assert.Equal(t, 8, cfg.Scheduler.MaxConcurrentTasks)
	assert.Equal(t, "America/New_York", cfg.Scheduler.Timezone)
	assert.Equal(t, 9443, cfg.Gateway.Port)
	assert.Equal(t, 4, cfg.WebSocket.MaxConnPerExecution)
	// Untouched keys keep defaults.
	assert.Equal(t, 30*time.Second, cfg.Gateway.HeartbeatInterval)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DISPATCH_ROLE", "control")
	t.Setenv("MAX_CONCURRENT_TASKS", "12")
	t.Setenv("TASK_RETRY_DELAY", "30")
	t.Setenv("GRPC_PORT", "50099")
	t.Setenv("WEBSOCKET_MAX_TOTAL_CONN", "256")
	t.Setenv("SCHEDULER_EVENT_MAXLEN", "5000")
	t.Setenv("BLOB_BACKEND", "memory")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, RoleControl, cfg.Role)
	assert.Equal(t, 12, cfg.Scheduler.MaxConcurrentTasks)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.RetryDelay)
	assert.Equal(t, 50099, cfg.Gateway.Port)
	assert.Equal(t, 256, cfg.WebSocket.MaxTotalConn)
	assert.Equal(t, int64(5000), cfg.Bus.MaxLen)
}

func TestEnvDurationAcceptsBothForms(t *testing.T) {
	t.Setenv("GRPC_HEARTBEAT_INTERVAL", "45s")
	d, ok := envDuration("GRPC_HEARTBEAT_INTERVAL")
	require.True(t, ok)
	assert.Equal(t, 45*time.Second, d)

	t.Setenv("GRPC_HEARTBEAT_INTERVAL", "45")
	d, ok = envDuration("GRPC_HEARTBEAT_INTERVAL")
	require.True(t, ok)
	assert.Equal(t, 45*time.Second, d)
}

func TestValidateRejectsBadRole(t *testing.T) {
	cfg := Default()
	cfg.Role = "leader"

	err := cfg.Validate()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidateRejectsBadTimezone(t *testing.T) {
	cfg := Default()
	cfg.Scheduler.Timezone = "Mars/Olympus"

	err := cfg.Validate()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidateRequiresBucketForS3(t *testing.T) {
	cfg := Default()
	cfg.Blob.Backend = "s3"
	cfg.Blob.Bucket = ""

	err := cfg.Validate()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidateQuotaOrdering(t *testing.T) {
	cfg := Default()
	cfg.Blob.Backend = "memory"
	cfg.WebSocket.MaxTotalConn = 5
	cfg.WebSocket.MaxConnPerExecution = 10

	err := cfg.Validate()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
