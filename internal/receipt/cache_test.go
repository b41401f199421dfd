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

package receipt

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckMissingKey(t *testing.T) {
	c := New()
	defer c.Close()

	_, ok := c.Check(Key{WorkerID: "w-1", MessageID: "m-1"})
	assert.False(t, ok)
}

func TestRecordThenCheck(t *testing.T) {
	c := New()
	defer c.Close()

	key := Key{WorkerID: "w-1", MessageID: "m-1"}
	c.Record(key, Outcome{Accepted: true, Payload: []byte(`{"success":true}`)})

	got, ok := c.Check(key)
	require.True(t, ok)
	assert.True(t, got.Accepted)
	assert.Equal(t, []byte(`{"success":true}`), got.Payload)
}

func TestNegativeOutcomeCached(t *testing.T) {
	c := New()
	defer c.Close()

	key := Key{WorkerID: "w-1", MessageID: "m-2"}
	c.Record(key, Outcome{Accepted: false, Reason: "worker_busy"})

	got, ok := c.Check(key)
	require.True(t, ok)
	assert.False(t, got.Accepted)
	assert.Equal(t, "worker_busy", got.Reason)
}

func TestWorkerScopedKeys(t *testing.T) {
	c := New()
	defer c.Close()

	c.Record(Key{WorkerID: "w-1", MessageID: "m-1"}, Outcome{Accepted: true})

	_, ok := c.Check(Key{WorkerID: "w-2", MessageID: "m-1"})
	assert.False(t, ok, "same message id from another worker must not hit")
}

func TestExpiryOnCheck(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	c := New(WithTTL(time.Minute), WithClock(clock))
	defer c.Close()

	key := Key{WorkerID: "w-1", MessageID: "m-1"}
	c.Record(key, Outcome{Accepted: true})

	now = now.Add(61 * time.Second)
	_, ok := c.Check(key)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "stale entry should be purged on lookup")
}

func TestWithinTTLReturnsSameOutcome(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	c := New(WithTTL(time.Minute), WithClock(clock))
	defer c.Close()

	key := Key{WorkerID: "w-1", MessageID: "m-1"}
	payload := []byte(`{"task_id":"r-1","accepted":true}`)
	c.Record(key, Outcome{Accepted: true, Payload: payload})

	now = now.Add(59 * time.Second)
	first, ok1 := c.Check(key)
	second, ok2 := c.Check(key)

	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, first, second, "duplicate submissions must observe identical outcomes")
}

func TestSweep(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	c := New(WithTTL(time.Minute), WithClock(clock))
	defer c.Close()

	for i := 0; i < 10; i++ {
		c.Record(Key{WorkerID: "w-1", MessageID: string(rune('a' + i))}, Outcome{Accepted: true})
	}
	now = now.Add(2 * time.Minute)
	c.sweep()

	assert.Equal(t, 0, c.Len())
}

func TestConcurrentAccess(t *testing.T) {
	c := New()
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := Key{WorkerID: "w-1", MessageID: string(rune('a' + j%26))}
				c.Record(key, Outcome{Accepted: true})
				c.Check(key)
			}
		}(i)
	}
	wg.Wait()
}
