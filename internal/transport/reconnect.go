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

package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/tombee/dispatch/pkg/backoff"
	dispatcherrors "github.com/tombee/dispatch/pkg/errors"
)

// ReconnectThreshold is the consecutive transient failures that trigger
// the backoff-driven reconnect loop.
const ReconnectThreshold = 3

// DefaultMaxAuthFailures disables a link after this many auth rejections
// in a row. A wrongly configured key must not retry forever.
const DefaultMaxAuthFailures = 5

// ConnState tracks link health for one worker. Transient failures count
// toward the reconnect threshold; auth failures count separately toward
// permanent disablement.
type ConnState struct {
	mu sync.Mutex

	consecutive     int
	authFailures    int
	maxAuthFailures int
	disabled        bool
	retryAt         time.Time

	engine *backoff.Engine
	now    func() time.Time
}

// NewConnState creates a link tracker. maxAuthFailures <= 0 uses the
// default.
func NewConnState(maxAuthFailures int, cfg backoff.Config) *ConnState {
	if maxAuthFailures <= 0 {
		maxAuthFailures = DefaultMaxAuthFailures
	}
	return &ConnState{
		maxAuthFailures: maxAuthFailures,
		engine:          backoff.New(cfg),
		now:             time.Now,
	}
}

// Success clears failure counters and any pending backoff.
func (c *ConnState) Success() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutive = 0
	c.authFailures = 0
	c.retryAt = time.Time{}
	c.engine.Reset()
}

// Fail records an error and returns the delay before the next attempt.
// A zero delay means retry immediately. After an auth failure past the
// threshold the link is disabled until operator intervention.
func (c *ConnState) Fail(err error) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	var authErr *dispatcherrors.AuthError
	if errors.As(err, &authErr) {
		c.authFailures++
		if c.authFailures >= c.maxAuthFailures {
			c.disabled = true
		}
		return 0
	}

	c.consecutive++
	if c.consecutive < ReconnectThreshold {
		return 0
	}
	delay := c.engine.Next()
	c.retryAt = c.now().Add(delay)
	return delay
}

// Ready reports whether an attempt may proceed now. Disabled links never
// become ready; backed-off links become ready at their retry time.
func (c *ConnState) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disabled {
		return false
	}
	return c.retryAt.IsZero() || !c.now().Before(c.retryAt)
}

// Disabled reports whether the link is permanently offline.
func (c *ConnState) Disabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled
}

// Enable clears the disabled flag and all counters. Operator action.
func (c *ConnState) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabled = false
	c.consecutive = 0
	c.authFailures = 0
	c.retryAt = time.Time{}
	c.engine.Reset()
}
