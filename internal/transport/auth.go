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
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tombee/dispatch/internal/backend"
	dispatcherrors "github.com/tombee/dispatch/pkg/errors"
)

// Authentication metadata headers.
const (
	HeaderWorkerID  = "x-worker-id"
	HeaderAPIKey    = "x-api-key"
	HeaderTimestamp = "x-timestamp"
	HeaderNonce     = "x-nonce"
	HeaderSignature = "x-signature"
)

// DefaultReplayWindow bounds how old a signed timestamp may be.
const DefaultReplayWindow = 5 * time.Minute

// canonicalJSON re-encodes a JSON document compact with object keys
// sorted, so both sides of an HMAC sign the same bytes regardless of
// field order. encoding/json sorts map keys recursively.
func canonicalJSON(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("{}"), nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("transport: canonicalize: %w", err)
	}
	return json.Marshal(v)
}

// SignHMAC computes the intranet push signature:
// hex(HMAC-SHA256(secret, timestamp + "." + nonce + "." + canonical_payload)).
func SignHMAC(secret, timestamp, nonce string, payload []byte) (string, error) {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write([]byte(nonce))
	mac.Write([]byte("."))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyHMAC checks a signature against the secret within the replay
// window. nonceSeen guards against replays of a still-fresh timestamp.
func VerifyHMAC(secret, timestamp, nonce, signature string, payload []byte, window time.Duration, now time.Time, nonceSeen func(string) bool) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return &dispatcherrors.AuthError{Scheme: "hmac", Message: "malformed timestamp"}
	}
	age := now.Sub(time.Unix(ts, 0))
	if age > window || age < -window {
		return &dispatcherrors.AuthError{Scheme: "hmac", Message: "timestamp outside replay window"}
	}
	if nonceSeen != nil && nonceSeen(nonce) {
		return &dispatcherrors.AuthError{Scheme: "hmac", Message: "nonce replayed"}
	}

	want, err := SignHMAC(secret, timestamp, nonce, payload)
	if err != nil {
		return &dispatcherrors.AuthError{Scheme: "hmac", Message: "unsignable payload"}
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(signature)) != 1 {
		return &dispatcherrors.AuthError{Scheme: "hmac", Message: "signature mismatch"}
	}
	return nil
}

// nonceCache remembers nonces for the replay window.
type nonceCache struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	now    func() time.Time
}

func newNonceCache(window time.Duration) *nonceCache {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	return &nonceCache{
		seen:   make(map[string]time.Time),
		window: window,
		now:    time.Now,
	}
}

// observe returns true when the nonce was already used inside the window.
func (c *nonceCache) observe(nonce string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	// Opportunistic purge keeps the map bounded by the window.
	for n, at := range c.seen {
		if now.Sub(at) > c.window {
			delete(c.seen, n)
		}
	}
	if _, ok := c.seen[nonce]; ok {
		return true
	}
	c.seen[nonce] = now
	return false
}

// Verifier authenticates incoming gateway calls. The worker id header
// names the credential; any one accepted scheme passes.
type Verifier struct {
	workers   backend.WorkerStore
	jwtSecret []byte
	window    time.Duration
	nonces    *nonceCache
	now       func() time.Time
}

// NewVerifier builds a gateway-side authenticator. jwtSecret may be nil
// to disable bearer auth.
func NewVerifier(workers backend.WorkerStore, jwtSecret []byte, window time.Duration) *Verifier {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	return &Verifier{
		workers:   workers,
		jwtSecret: jwtSecret,
		window:    window,
		nonces:    newNonceCache(window),
		now:       time.Now,
	}
}

// Verify authenticates the request and returns the worker record. body is
// the raw request payload, needed for the HMAC scheme.
func (v *Verifier) Verify(r *http.Request, body []byte) (*backend.Worker, error) {
	workerID := r.Header.Get(HeaderWorkerID)
	if workerID == "" {
		return nil, &dispatcherrors.AuthError{Message: "missing worker id"}
	}

	worker, err := v.workers.GetWorker(r.Context(), workerID)
	if err != nil {
		return nil, &dispatcherrors.AuthError{Message: "unknown worker"}
	}

	if key := r.Header.Get(HeaderAPIKey); key != "" {
		if worker.APIKey != "" && subtle.ConstantTimeCompare([]byte(worker.APIKey), []byte(key)) == 1 {
			return worker, nil
		}
		return nil, &dispatcherrors.AuthError{Scheme: "api_key", Message: "credential mismatch"}
	}

	if sig := r.Header.Get(HeaderSignature); sig != "" {
		if worker.SecretKey == "" {
			return nil, &dispatcherrors.AuthError{Scheme: "hmac", Message: "worker has no signing secret"}
		}
		err := VerifyHMAC(worker.SecretKey,
			r.Header.Get(HeaderTimestamp), r.Header.Get(HeaderNonce), sig,
			body, v.window, v.now(), v.nonces.observe)
		if err != nil {
			return nil, err
		}
		return worker, nil
	}

	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		if len(v.jwtSecret) == 0 {
			return nil, &dispatcherrors.AuthError{Scheme: "jwt", Message: "bearer auth disabled"}
		}
		if err := v.verifyJWT(strings.TrimPrefix(auth, "Bearer "), workerID); err != nil {
			return nil, err
		}
		return worker, nil
	}

	return nil, &dispatcherrors.AuthError{Message: "no credential presented"}
}

func (v *Verifier) verifyJWT(token, workerID string) error {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return v.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithLeeway(30*time.Second))
	if err != nil || !parsed.Valid {
		return &dispatcherrors.AuthError{Scheme: "jwt", Message: "invalid token"}
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return &dispatcherrors.AuthError{Scheme: "jwt", Message: "malformed claims"}
	}
	if sub, _ := claims["worker_id"].(string); sub != workerID {
		return &dispatcherrors.AuthError{Scheme: "jwt", Message: "worker id mismatch"}
	}
	return nil
}

// WorkerToken mints a bearer token a worker presents on gateway calls.
func WorkerToken(secret []byte, workerID string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"worker_id": workerID,
		"iat":       time.Now().Unix(),
		"exp":       time.Now().Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
