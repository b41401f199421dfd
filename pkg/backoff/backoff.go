// Package backoff provides an exponential backoff engine with jitter.
// A fresh engine is held per logical backoff series: retry scheduling and
// transport reconnects each construct their own.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Engine generates successive retry delays.
// It is a value object: attempt count is the only state, advanced by Next
// and cleared by Reset. Engines are not safe for concurrent use; callers
// own one engine per backoff series.
type Engine struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     float64
	attempt    int
}

// Config configures a backoff engine.
type Config struct {
	// Initial is the delay before the first retry.
	// Default: 1 second
	Initial time.Duration

	// Max caps the delay regardless of attempt count.
	// Default: 60 seconds
	Max time.Duration

	// Multiplier is the exponential growth factor.
	// Default: 2.0
	Multiplier float64

	// Jitter is the fractional randomization applied to each delay,
	// in [0, 1). A jitter of 0.2 yields delays in [0.8d, 1.2d].
	// Default: 0.2
	Jitter float64
}

// New creates a backoff engine. Zero config fields take defaults.
func New(cfg Config) *Engine {
	if cfg.Initial <= 0 {
		cfg.Initial = time.Second
	}
	if cfg.Max <= 0 {
		cfg.Max = 60 * time.Second
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2.0
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = 0.2
	}

	return &Engine{
		initial:    cfg.Initial,
		max:        cfg.Max,
		multiplier: cfg.Multiplier,
		jitter:     cfg.Jitter,
	}
}

// Next returns the delay for the current attempt and advances the attempt
// count. Delays grow exponentially up to the cap, then randomize by the
// jitter fraction in both directions.
func (e *Engine) Next() time.Duration {
	d := float64(e.initial) * math.Pow(e.multiplier, float64(e.attempt))
	if d > float64(e.max) {
		d = float64(e.max)
	}
	e.attempt++

	if e.jitter > 0 {
		// rand in [-jitter, +jitter]
		d *= 1 + e.jitter*(2*rand.Float64()-1)
	}

	return time.Duration(d)
}

// Reset zeroes the attempt count. Called after a successful operation so
// the next failure starts from the initial delay again.
func (e *Engine) Reset() {
	e.attempt = 0
}

// Attempt returns the number of delays handed out since the last Reset.
func (e *Engine) Attempt() int {
	return e.attempt
}
