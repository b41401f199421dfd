// Package httpclient builds the HTTP clients the master uses to reach
// workers and other external endpoints.
//
// Clients share one behavior stack:
//   - retries driven by a pkg/backoff engine, honoring Retry-After
//   - request logging with worker credentials redacted
//   - User-Agent injection and trace-id propagation
//   - TLS 1.2 minimum, pooled connections
//
// Construction:
//
//	cfg := httpclient.DefaultConfig()
//	cfg.UserAgent = "dispatch-master/1.0"
//	client, err := httpclient.New(cfg)
//
// Retries fire on 5xx, 408 and 429 responses and on transient network
// errors (refused, reset, timeout, DNS). 4xx responses are never retried.
// Only GET, HEAD and OPTIONS retry by default; set AllowNonIdempotentRetry
// when the receiving side is idempotent (the worker gateway endpoints key
// on receipt ids, so the intranet push path may opt in).
package httpclient
