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

// Package receipt implements the idempotency cache for at-least-once
// message delivery. A message id observed twice by the same worker within
// the TTL resolves to the cached outcome instead of being re-processed.
//
// The cache is an explicit bounded structure, not a general memoization
// facility: entries must survive for the full TTL, including negative
// outcomes, so redelivered duplicates resolve identically.
package receipt

import (
	"sync"
	"time"
)

// DefaultTTL is how long an outcome stays resolvable after completion.
const DefaultTTL = 5 * time.Minute

// DefaultSweepInterval bounds how often the background sweep runs.
const DefaultSweepInterval = time.Minute

// Key identifies a message attempt. The worker id is part of the key so
// message ids never collide across tenants.
type Key struct {
	WorkerID  string
	MessageID string
}

// Outcome is the cached result of processing a message. Both positive and
// negative outcomes are cached.
type Outcome struct {
	// Accepted reports whether the original processing accepted the message.
	Accepted bool

	// Reason carries the rejection reason for negative outcomes.
	Reason string

	// Payload is the serialized response returned to the first attempt,
	// replayed byte-identical to duplicates.
	Payload []byte
}

type entry struct {
	insertedAt time.Time
	outcome    Outcome
}

// Cache is a TTL map of message outcomes. Eviction is lazy on lookup plus
// a bounded periodic sweep.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]entry
	ttl     time.Duration

	sweepTicker *time.Ticker
	stopSweep   chan struct{}
	closeOnce   sync.Once

	now func() time.Time // test hook
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides the default entry TTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a receipt cache and starts its sweep loop.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:   make(map[Key]entry),
		ttl:       DefaultTTL,
		stopSweep: make(chan struct{}),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.sweepTicker = time.NewTicker(DefaultSweepInterval)
	go c.sweepLoop()

	return c
}

// Check returns the cached outcome for key if present and fresh.
// Stale entries are purged opportunistically.
func (c *Cache) Check(key Key) (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Outcome{}, false
	}
	if c.now().Sub(e.insertedAt) > c.ttl {
		delete(c.entries, key)
		return Outcome{}, false
	}
	return e.outcome, true
}

// Record stores the outcome for key. A later Record for the same key
// overwrites; the transport only records after the authoritative side
// effect, so the last write is the correct one.
func (c *Cache) Record(key Key, outcome Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{insertedAt: c.now(), outcome: outcome}
}

// Len returns the number of live entries, counting stale ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the sweep loop. The cache remains usable for Check/Record.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		c.sweepTicker.Stop()
		close(c.stopSweep)
	})
}

// sweepLoop removes expired entries on a fixed cadence so a quiet cache
// does not hold dead entries until the next lookup.
func (c *Cache) sweepLoop() {
	for {
		select {
		case <-c.stopSweep:
			return
		case <-c.sweepTicker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.ttl)
	for k, e := range c.entries {
		if e.insertedAt.Before(cutoff) {
			delete(c.entries, k)
		}
	}
}
