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

// Package config loads and validates the dispatchd configuration from a
// YAML file with environment-variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Role selects the scheduler process variant.
type Role string

const (
	// RoleMaster runs the scheduling loop.
	RoleMaster Role = "master"
	// RoleControl publishes task_changed/task_trigger events instead of
	// scheduling. Exactly one master at a time; operators change roles.
	RoleControl Role = "control"
)

// Config represents the complete dispatchd configuration.
type Config struct {
	// Role is the scheduler role (master or control).
	// Environment: DISPATCH_ROLE
	// Default: master
	Role Role `yaml:"role"`

	Log       LogConfig       `yaml:"log"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	LogPipe   LogPipeConfig   `yaml:"log_pipeline"`
	Blob      BlobConfig      `yaml:"blob"`
	Artifact  ArtifactConfig  `yaml:"artifact"`
	Backend   BackendConfig   `yaml:"backend"`
	Bus       BusConfig       `yaml:"bus"`
	Registry  RegistryConfig  `yaml:"registry"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string `yaml:"level,omitempty"`

	// Format sets the output format (json, text).
	Format string `yaml:"format,omitempty"`
}

// SchedulerConfig configures the trigger loop and retry orchestration.
type SchedulerConfig struct {
	// MaxConcurrentTasks caps process-wide concurrent running tasks.
	// Environment: MAX_CONCURRENT_TASKS
	// Default: 50
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks,omitempty"`

	// Timezone for cron evaluation.
	// Environment: SCHEDULER_TIMEZONE
	// Default: UTC
	Timezone string `yaml:"timezone,omitempty"`

	// ExecutionTimeout is the default run heartbeat limit when a task
	// declares no timeout of its own.
	// Environment: TASK_EXECUTION_TIMEOUT
	// Default: 1h
	ExecutionTimeout time.Duration `yaml:"execution_timeout,omitempty"`

	// RetryDelay is the initial delay for retry backoff.
	// Environment: TASK_RETRY_DELAY
	// Default: 10s
	RetryDelay time.Duration `yaml:"retry_delay,omitempty"`

	// MisfireGrace is the window within which missed firings are coalesced
	// into a single fire.
	// Default: 1m
	MisfireGrace time.Duration `yaml:"misfire_grace,omitempty"`

	// DispatchStallLimit is how long a run may sit in dispatching before
	// the janitor fails it with reason dispatch_stalled.
	// Default: 2m
	DispatchStallLimit time.Duration `yaml:"dispatch_stall_limit,omitempty"`

	// MaxInstances caps simultaneous fires per job inside the trigger loop.
	// Default: 3
	MaxInstances int `yaml:"max_instances,omitempty"`
}

// GatewayConfig configures the worker-facing gateway listener.
type GatewayConfig struct {
	// Port is the gateway listen port.
	// Environment: GRPC_PORT
	// Default: 50051
	Port int `yaml:"port,omitempty"`

	// HeartbeatInterval is the keepalive ping cadence toward workers.
	// Environment: GRPC_HEARTBEAT_INTERVAL
	// Default: 30s
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`

	// HeartbeatTimeout is how long to wait for a keepalive reply.
	// Environment: GRPC_HEARTBEAT_TIMEOUT
	// Default: 10s
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout,omitempty"`

	// AckTimeout is how long a dispatch waits for the worker's ack.
	// Default: 5s
	AckTimeout time.Duration `yaml:"ack_timeout,omitempty"`

	// MaxMessageSize caps request and response bodies in bytes.
	// Default: 50 MiB
	MaxMessageSize int64 `yaml:"max_message_size,omitempty"`

	// MaxAuthFailures disables a transport after this many consecutive
	// authentication failures.
	// Default: 5
	MaxAuthFailures int `yaml:"max_auth_failures,omitempty"`

	// PollTimeoutCap bounds worker long-poll requests.
	// Default: 30s
	PollTimeoutCap time.Duration `yaml:"poll_timeout_cap,omitempty"`

	// JWTSecret signs and verifies bearer tokens when jwt auth is enabled.
	JWTSecret string `yaml:"jwt_secret,omitempty"`
}

// WebSocketConfig configures the log-subscriber hub.
type WebSocketConfig struct {
	// MaxConnPerExecution caps subscribers per execution; the oldest
	// connection is evicted on overflow.
	// Environment: WEBSOCKET_MAX_CONN_PER_EXECUTION
	// Default: 10
	MaxConnPerExecution int `yaml:"max_conn_per_execution,omitempty"`

	// MaxTotalConn caps connections across all executions; new connections
	// are refused on overflow.
	// Environment: WEBSOCKET_MAX_TOTAL_CONN
	// Default: 1000
	MaxTotalConn int `yaml:"max_total_conn,omitempty"`

	// PingInterval is the server-driven ping cadence.
	// Default: 30s
	PingInterval time.Duration `yaml:"ping_interval,omitempty"`

	// PongTimeout is the deadline for each expected pong.
	// Default: 10s
	PongTimeout time.Duration `yaml:"pong_timeout,omitempty"`

	// MaxMissedPongs closes a connection after this many missed deadlines.
	// Default: 3
	MaxMissedPongs int `yaml:"max_missed_pongs,omitempty"`

	// MaxQueueSize bounds the per-execution fan-out queue.
	// Default: 1000
	MaxQueueSize int `yaml:"max_queue_size,omitempty"`

	// SendTimeout bounds each per-connection send.
	// Default: 5s
	SendTimeout time.Duration `yaml:"send_timeout,omitempty"`
}

// LogPipeConfig configures log ingestion buffering.
type LogPipeConfig struct {
	// BufferMaxSize caps records buffered per (run, stream); overruns drop
	// oldest and count.
	// Environment: GRPC_LOG_BUFFER_MAX_SIZE
	// Default: 10000
	BufferMaxSize int `yaml:"buffer_max_size,omitempty"`

	// BatchSize flushes a buffer once it holds this many records.
	// Environment: GRPC_LOG_BATCH_SIZE
	// Default: 100
	BatchSize int `yaml:"batch_size,omitempty"`

	// FlushInterval flushes buffers at least this often.
	// Environment: GRPC_LOG_FLUSH_INTERVAL
	// Default: 2s
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`

	// CompressThreshold gzips payloads larger than this many bytes.
	// Environment: GRPC_COMPRESS_THRESHOLD
	// Default: 4096
	CompressThreshold int `yaml:"compress_threshold,omitempty"`

	// CacheLines is the per-run replay cache size for late subscribers.
	// Default: 500
	CacheLines int `yaml:"cache_lines,omitempty"`

	// ChunkTTL is how long unfinalized chunks are retained.
	// Default: 5m
	ChunkTTL time.Duration `yaml:"chunk_ttl,omitempty"`
}

// BlobConfig selects and configures the artifact store backend.
type BlobConfig struct {
	// Backend selects the store implementation (s3, memory).
	// Environment: BLOB_BACKEND
	// Default: s3
	Backend string `yaml:"backend,omitempty"`

	// Bucket is the S3 bucket name.
	// Environment: BLOB_BUCKET
	Bucket string `yaml:"bucket,omitempty"`

	// Endpoint overrides the S3 endpoint for S3-compatible stores.
	// Environment: BLOB_ENDPOINT
	Endpoint string `yaml:"endpoint,omitempty"`

	// Region is the S3 region.
	Region string `yaml:"region,omitempty"`

	// ForcePathStyle uses path-style addressing (required by minio).
	ForcePathStyle bool `yaml:"force_path_style,omitempty"`
}

// ArtifactConfig bounds archive extraction.
type ArtifactConfig struct {
	// MaxExtractSize caps the total extracted size in bytes.
	// Environment: MAX_EXTRACT_SIZE
	// Default: 500 MiB
	MaxExtractSize int64 `yaml:"max_extract_size,omitempty"`

	// MaxExtractFiles caps the extracted file count.
	// Environment: MAX_EXTRACT_FILES
	// Default: 10000
	MaxExtractFiles int `yaml:"max_extract_files,omitempty"`
}

// BackendConfig configures the relational store.
type BackendConfig struct {
	// Type selects the backend (sqlite, memory).
	// Default: sqlite
	Type string `yaml:"type,omitempty"`

	// Path is the sqlite database file path.
	// Default: dispatch.db
	Path string `yaml:"path,omitempty"`

	// WAL enables write-ahead logging for concurrent reads.
	// Default: true
	WAL *bool `yaml:"wal,omitempty"`
}

// BusConfig configures the control-event stream.
type BusConfig struct {
	// RedisAddr is the redis host:port. Empty selects the in-memory bus
	// (single-process deployments and tests).
	// Environment: REDIS_ADDR
	RedisAddr string `yaml:"redis_addr,omitempty"`

	// Stream is the control-event stream name.
	// Default: scheduler_events
	Stream string `yaml:"stream,omitempty"`

	// MaxLen bounds the stream length (XADD MAXLEN).
	// Environment: SCHEDULER_EVENT_MAXLEN
	// Default: 10000
	MaxLen int64 `yaml:"maxlen,omitempty"`

	// Group is the consumer group name for the master.
	// Default: dispatch-master
	Group string `yaml:"group,omitempty"`
}

// RegistryConfig configures worker health tracking.
type RegistryConfig struct {
	// OfflineThreshold marks a worker offline after this long without a
	// heartbeat.
	// Default: 90s
	OfflineThreshold time.Duration `yaml:"offline_threshold,omitempty"`

	// ScanInterval is the health-scan cadence.
	// Default: 3s
	ScanInterval time.Duration `yaml:"scan_interval,omitempty"`

	// HeartbeatRateLimit caps heartbeat ingests per worker per second.
	// Default: 5
	HeartbeatRateLimit float64 `yaml:"heartbeat_rate_limit,omitempty"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	wal := true
	return &Config{
		Role: RoleMaster,
		Log:  LogConfig{Level: "info", Format: "json"},
		Scheduler: SchedulerConfig{
			MaxConcurrentTasks: 50,
			Timezone:           "UTC",
			ExecutionTimeout:   time.Hour,
			RetryDelay:         10 * time.Second,
			MisfireGrace:       time.Minute,
			DispatchStallLimit: 2 * time.Minute,
			MaxInstances:       3,
		},
		Gateway: GatewayConfig{
			Port:              50051,
			HeartbeatInterval: 30 * time.Second,
			HeartbeatTimeout:  10 * time.Second,
			AckTimeout:        5 * time.Second,
			MaxMessageSize:    50 << 20,
			MaxAuthFailures:   5,
			PollTimeoutCap:    30 * time.Second,
		},
		WebSocket: WebSocketConfig{
			MaxConnPerExecution: 10,
			MaxTotalConn:        1000,
			PingInterval:        30 * time.Second,
			PongTimeout:         10 * time.Second,
			MaxMissedPongs:      3,
			MaxQueueSize:        1000,
			SendTimeout:         5 * time.Second,
		},
		LogPipe: LogPipeConfig{
			BufferMaxSize:     10000,
			BatchSize:         100,
			FlushInterval:     2 * time.Second,
			CompressThreshold: 4096,
			CacheLines:        500,
			ChunkTTL:          5 * time.Minute,
		},
		Blob: BlobConfig{
			Backend: "s3",
			Region:  "us-east-1",
		},
		Artifact: ArtifactConfig{
			MaxExtractSize:  500 << 20,
			MaxExtractFiles: 10000,
		},
		Backend: BackendConfig{
			Type: "sqlite",
			Path: "dispatch.db",
			WAL:  &wal,
		},
		Bus: BusConfig{
			Stream: "scheduler_events",
			MaxLen: 10000,
			Group:  "dispatch-master",
		},
		Registry: RegistryConfig{
			OfflineThreshold:   90 * time.Second,
			ScanInterval:       3 * time.Second,
			HeartbeatRateLimit: 5,
		},
	}
}

// Load reads configuration from an optional YAML file, then applies
// environment overrides and validates.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, err
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFromFile merges the YAML file at path into the config.
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return nil
}

// loadFromEnv applies environment-variable overrides.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("DISPATCH_ROLE"); v != "" {
		c.Role = Role(strings.ToLower(v))
	}
	if v := os.Getenv("MAX_CONCURRENT_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Scheduler.MaxConcurrentTasks = n
		}
	}
	if v := os.Getenv("SCHEDULER_TIMEZONE"); v != "" {
		c.Scheduler.Timezone = v
	}
	if d, ok := envDuration("TASK_EXECUTION_TIMEOUT"); ok {
		c.Scheduler.ExecutionTimeout = d
	}
	if d, ok := envDuration("TASK_RETRY_DELAY"); ok {
		c.Scheduler.RetryDelay = d
	}
	if v := os.Getenv("GRPC_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Gateway.Port = n
		}
	}
	if d, ok := envDuration("GRPC_HEARTBEAT_INTERVAL"); ok {
		c.Gateway.HeartbeatInterval = d
	}
	if d, ok := envDuration("GRPC_HEARTBEAT_TIMEOUT"); ok {
		c.Gateway.HeartbeatTimeout = d
	}
	if v := os.Getenv("GRPC_LOG_BUFFER_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.LogPipe.BufferMaxSize = n
		}
	}
	if v := os.Getenv("GRPC_LOG_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.LogPipe.BatchSize = n
		}
	}
	if d, ok := envDuration("GRPC_LOG_FLUSH_INTERVAL"); ok {
		c.LogPipe.FlushInterval = d
	}
	if v := os.Getenv("GRPC_COMPRESS_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.LogPipe.CompressThreshold = n
		}
	}
	if v := os.Getenv("WEBSOCKET_MAX_CONN_PER_EXECUTION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.WebSocket.MaxConnPerExecution = n
		}
	}
	if v := os.Getenv("WEBSOCKET_MAX_TOTAL_CONN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.WebSocket.MaxTotalConn = n
		}
	}
	if v := os.Getenv("BLOB_BACKEND"); v != "" {
		c.Blob.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("BLOB_BUCKET"); v != "" {
		c.Blob.Bucket = v
	}
	if v := os.Getenv("BLOB_ENDPOINT"); v != "" {
		c.Blob.Endpoint = v
	}
	if v := os.Getenv("MAX_EXTRACT_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Artifact.MaxExtractSize = n
		}
	}
	if v := os.Getenv("MAX_EXTRACT_FILES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Artifact.MaxExtractFiles = n
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Bus.RedisAddr = v
	}
	if v := os.Getenv("SCHEDULER_EVENT_MAXLEN"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Bus.MaxLen = n
		}
	}
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	// Accept both duration strings ("30s") and bare seconds ("30").
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d, true
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second, true
	}
	return 0, false
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Role != RoleMaster && c.Role != RoleControl {
		return fmt.Errorf("%w: role must be master or control, got %q", ErrInvalidConfig, c.Role)
	}
	if c.Scheduler.MaxConcurrentTasks < 1 {
		return fmt.Errorf("%w: scheduler.max_concurrent_tasks must be >= 1", ErrInvalidConfig)
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("%w: scheduler.timezone %q: %v", ErrInvalidConfig, c.Scheduler.Timezone, err)
	}
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return fmt.Errorf("%w: gateway.port out of range: %d", ErrInvalidConfig, c.Gateway.Port)
	}
	if c.WebSocket.MaxConnPerExecution < 1 {
		return fmt.Errorf("%w: websocket.max_conn_per_execution must be >= 1", ErrInvalidConfig)
	}
	if c.WebSocket.MaxTotalConn < c.WebSocket.MaxConnPerExecution {
		return fmt.Errorf("%w: websocket.max_total_conn must be >= max_conn_per_execution", ErrInvalidConfig)
	}
	if c.Artifact.MaxExtractSize <= 0 || c.Artifact.MaxExtractFiles <= 0 {
		return fmt.Errorf("%w: artifact extraction bounds must be positive", ErrInvalidConfig)
	}
	switch c.Blob.Backend {
	case "s3":
		if c.Blob.Bucket == "" {
			return fmt.Errorf("%w: blob.bucket is required for the s3 backend", ErrInvalidConfig)
		}
	case "memory":
	default:
		return fmt.Errorf("%w: unknown blob backend %q", ErrInvalidConfig, c.Blob.Backend)
	}
	switch c.Backend.Type {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("%w: unknown backend type %q", ErrInvalidConfig, c.Backend.Type)
	}
	return nil
}

// IsMaster reports whether this process runs the scheduling loop.
func (c *Config) IsMaster() bool {
	return c.Role == RoleMaster
}
