package httpclient

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/dispatch/pkg/backoff"
)

// Config configures one client. The zero value is invalid; start from
// DefaultConfig.
type Config struct {
	// Timeout bounds the whole request, retries included.
	Timeout time.Duration

	// RetryAttempts is the number of retries after the initial try.
	// Zero disables the retry layer entirely.
	RetryAttempts int

	// Backoff drives the inter-retry delays. Zero fields take the
	// backoff package defaults.
	Backoff backoff.Config

	// UserAgent is stamped on every request that carries none.
	UserAgent string

	// AllowNonIdempotentRetry also retries POST/PUT/PATCH/DELETE.
	// Enable only against endpoints that deduplicate, like the worker
	// gateway's receipt-keyed routes.
	AllowNonIdempotentRetry bool

	// Logger receives per-request logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the stack-wide defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		Backoff: backoff.Config{
			Initial: 100 * time.Millisecond,
			Max:     30 * time.Second,
		},
		UserAgent: "dispatch/1.0",
	}
}

// Validate rejects configurations New cannot honor.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0, got %v", c.Timeout)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts must be >= 0, got %d", c.RetryAttempts)
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user_agent is required")
	}
	return nil
}
