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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisBus(t *testing.T) *RedisBus {
	t.Helper()
	mr := miniredis.RunT(t)

	b, err := NewRedisBus(context.Background(), RedisConfig{
		Addr:   mr.Addr(),
		Stream: "scheduler_events",
		Group:  "dispatch-master",
		MaxLen: 100,
	})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestRedisPublishConsumeAck(t *testing.T) {
	b := newRedisBus(t)
	ctx := context.Background()

	id, err := b.Publish(ctx, Event{Event: EventTaskChanged, TaskID: "t1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	events, err := b.Consume(ctx, "c1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventTaskChanged, events[0].Event)
	assert.Equal(t, "t1", events[0].TaskID)
	assert.Equal(t, id, events[0].ID)

	require.NoError(t, b.Ack(ctx, events[0].ID))

	// Nothing new to read.
	events, err = b.Consume(ctx, "c1", 10, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRedisGroupCreateIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	cfg := RedisConfig{Addr: mr.Addr(), Stream: "s", Group: "g"}
	b1, err := NewRedisBus(ctx, cfg)
	require.NoError(t, err)
	defer b1.Close()

	// A second master instance attaching to the same group is fine.
	b2, err := NewRedisBus(ctx, cfg)
	require.NoError(t, err)
	defer b2.Close()
}

func TestRedisOrderedDelivery(t *testing.T) {
	b := newRedisBus(t)
	ctx := context.Background()

	for _, taskID := range []string{"a", "b", "c"} {
		_, err := b.Publish(ctx, Event{Event: EventTaskTrigger, TaskID: taskID})
		require.NoError(t, err)
	}

	events, err := b.Consume(ctx, "c1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "a", events[0].TaskID)
	assert.Equal(t, "b", events[1].TaskID)
	assert.Equal(t, "c", events[2].TaskID)
}

func TestMemoryPublishConsume(t *testing.T) {
	b := NewMemoryBus(10)
	ctx := context.Background()

	_, err := b.Publish(ctx, Event{Event: EventTaskChanged, TaskID: "t1"})
	require.NoError(t, err)

	events, err := b.Consume(ctx, "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "t1", events[0].TaskID)
}

func TestMemoryBoundedLength(t *testing.T) {
	b := NewMemoryBus(3)
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3", "4", "5"} {
		_, err := b.Publish(ctx, Event{Event: EventTaskTrigger, TaskID: id})
		require.NoError(t, err)
	}

	events, err := b.Consume(ctx, "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "3", events[0].TaskID)
}

func TestMemoryRedelivery(t *testing.T) {
	b := NewMemoryBus(10)
	ctx := context.Background()

	_, err := b.Publish(ctx, Event{Event: EventTaskChanged, TaskID: "t1"})
	require.NoError(t, err)

	events, err := b.Consume(ctx, "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)

	// Unacked events come back after a redeliver pass.
	assert.Equal(t, 1, b.Redeliver())
	events, err = b.Consume(ctx, "c2", 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)

	require.NoError(t, b.Ack(ctx, events[0].ID))
	assert.Equal(t, 0, b.Redeliver())
}

func TestMemoryConsumeBlocks(t *testing.T) {
	b := NewMemoryBus(10)
	ctx := context.Background()

	go func() {
		time.Sleep(30 * time.Millisecond)
		b.Publish(ctx, Event{Event: EventTaskTrigger, TaskID: "late"})
	}()

	events, err := b.Consume(ctx, "c1", 10, time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "late", events[0].TaskID)
}
