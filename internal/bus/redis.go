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
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	dispatcherrors "github.com/tombee/dispatch/pkg/errors"
)

// RedisBus is a Bus on a Redis stream with a consumer group. The stream is
// trimmed approximately to maxLen on every publish.
type RedisBus struct {
	client *redis.Client
	stream string
	group  string
	maxLen int64
}

// RedisConfig configures the Redis bus.
type RedisConfig struct {
	// Addr is the Redis address (host:port).
	Addr string

	// Password is optional.
	Password string

	// DB selects the Redis database.
	DB int

	// Stream is the stream key.
	Stream string

	// Group is the consumer group name.
	Group string

	// MaxLen bounds the stream length (approximate trim).
	MaxLen int64
}

// NewRedisBus connects and ensures the stream and consumer group exist.
func NewRedisBus(ctx context.Context, cfg RedisConfig) (*RedisBus, error) {
	if cfg.Stream == "" {
		cfg.Stream = "scheduler_events"
	}
	if cfg.Group == "" {
		cfg.Group = "dispatch-master"
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 10000
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, &dispatcherrors.TransientError{Op: "bus.connect", Message: cfg.Addr, Cause: err}
	}

	// MKSTREAM creates the stream with the group; BUSYGROUP means another
	// instance already did.
	err := client.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		client.Close()
		return nil, &dispatcherrors.TransientError{Op: "bus.group_create", Message: cfg.Stream, Cause: err}
	}

	return &RedisBus{
		client: client,
		stream: cfg.Stream,
		group:  cfg.Group,
		maxLen: cfg.MaxLen,
	}, nil
}

// Publish appends the event with an approximate MAXLEN trim.
func (b *RedisBus) Publish(ctx context.Context, event Event) (string, error) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{
			"event":     event.Event,
			"task_id":   event.TaskID,
			"timestamp": event.Timestamp.Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return "", &dispatcherrors.TransientError{Op: "bus.publish", Message: event.Event, Cause: err}
	}
	return id, nil
}

// Consume reads the next batch for consumer through the group.
func (b *RedisBus) Consume(ctx context.Context, consumer string, count int, block time.Duration) ([]Event, error) {
	if count <= 0 {
		count = 10
	}

	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.group,
		Consumer: consumer,
		Streams:  []string{b.stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, &dispatcherrors.TransientError{Op: "bus.consume", Message: b.stream, Cause: err}
	}

	var events []Event
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			events = append(events, decodeEvent(msg))
		}
	}
	return events, nil
}

// Ack acknowledges processed entries in the group.
func (b *RedisBus) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.client.XAck(ctx, b.stream, b.group, ids...).Err(); err != nil {
		return &dispatcherrors.TransientError{Op: "bus.ack", Message: fmt.Sprintf("%d ids", len(ids)), Cause: err}
	}
	return nil
}

// Close releases the Redis connection.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

func decodeEvent(msg redis.XMessage) Event {
	event := Event{ID: msg.ID}
	if v, ok := msg.Values["event"].(string); ok {
		event.Event = v
	}
	if v, ok := msg.Values["task_id"].(string); ok {
		event.TaskID = v
	}
	if v, ok := msg.Values["timestamp"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			event.Timestamp = ts
		}
	}
	return event
}

var _ Bus = (*RedisBus)(nil)
