package httpclient

import (
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// New builds an *http.Client from the configuration. The transport stack
// is, outermost first: retry (when enabled), logging/header injection,
// pooled TLS transport.
func New(cfg Config) (*http.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ExpectContinueTimeout: time.Second,
	}

	var rt http.RoundTripper = &loggingTransport{
		base:      base,
		userAgent: cfg.UserAgent,
		logger:    logger,
	}
	if cfg.RetryAttempts > 0 {
		rt = &retryTransport{
			base:        rt,
			maxAttempts: cfg.RetryAttempts + 1,
			backoff:     cfg.Backoff,
			retryAll:    cfg.AllowNonIdempotentRetry,
		}
	}

	return &http.Client{Transport: rt, Timeout: cfg.Timeout}, nil
}
