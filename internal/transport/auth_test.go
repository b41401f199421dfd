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
	"context"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/dispatch/internal/backend"
	"github.com/tombee/dispatch/internal/backend/memory"
)

func TestCanonicalJSONOrdering(t *testing.T) {
	a, err := canonicalJSON([]byte(`{"b":2,"a":1,"c":{"y":true,"x":[3,1]}}`))
	require.NoError(t, err)
	b, err := canonicalJSON([]byte(`{"c":{"x":[3,1],"y":true},"a":1,"b":2}`))
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, `{"a":1,"b":2,"c":{"x":[3,1],"y":true}}`, string(a))
}

func TestSignVerifyHMAC(t *testing.T) {
	payload := []byte(`{"task_id":"t1","name":"nightly"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	sig, err := SignHMAC("secret", ts, "nonce-1", payload)
	require.NoError(t, err)

	// Field order must not matter.
	reordered := []byte(`{"name":"nightly","task_id":"t1"}`)
	err = VerifyHMAC("secret", ts, "nonce-1", sig, reordered, DefaultReplayWindow, time.Now(), nil)
	assert.NoError(t, err)

	err = VerifyHMAC("other", ts, "nonce-1", sig, payload, DefaultReplayWindow, time.Now(), nil)
	assert.Error(t, err)

	// A stale timestamp fails regardless of the signature.
	staleTS := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	staleSig, err := SignHMAC("secret", staleTS, "nonce-2", payload)
	require.NoError(t, err)
	err = VerifyHMAC("secret", staleTS, "nonce-2", staleSig, payload, DefaultReplayWindow, time.Now(), nil)
	assert.Error(t, err)
}

func TestNonceReplayRejected(t *testing.T) {
	nc := newNonceCache(time.Minute)
	assert.False(t, nc.observe("n1"))
	assert.True(t, nc.observe("n1"))
	assert.False(t, nc.observe("n2"))
}

func TestVerifierSchemes(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.CreateWorker(ctx, &backend.Worker{
		PublicID:  "w1",
		Name:      "w1",
		APIKey:    "key-1",
		SecretKey: "sec-1",
	}))

	jwtSecret := []byte("token-secret")
	v := NewVerifier(store, jwtSecret, time.Minute)

	t.Run("api key accepted", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/x", nil)
		r.Header.Set(HeaderWorkerID, "w1")
		r.Header.Set(HeaderAPIKey, "key-1")
		w, err := v.Verify(r, nil)
		require.NoError(t, err)
		assert.Equal(t, "w1", w.PublicID)
	})

	t.Run("api key mismatch", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/x", nil)
		r.Header.Set(HeaderWorkerID, "w1")
		r.Header.Set(HeaderAPIKey, "wrong")
		_, err := v.Verify(r, nil)
		assert.Error(t, err)
	})

	t.Run("hmac accepted once", func(t *testing.T) {
		body := []byte(`{"worker_id":"w1"}`)
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		sig, err := SignHMAC("sec-1", ts, "nonce-v1", body)
		require.NoError(t, err)

		r := httptest.NewRequest("POST", "/x", nil)
		r.Header.Set(HeaderWorkerID, "w1")
		r.Header.Set(HeaderTimestamp, ts)
		r.Header.Set(HeaderNonce, "nonce-v1")
		r.Header.Set(HeaderSignature, sig)
		_, err = v.Verify(r, body)
		require.NoError(t, err)

		// Same nonce replayed.
		r2 := httptest.NewRequest("POST", "/x", nil)
		r2.Header.Set(HeaderWorkerID, "w1")
		r2.Header.Set(HeaderTimestamp, ts)
		r2.Header.Set(HeaderNonce, "nonce-v1")
		r2.Header.Set(HeaderSignature, sig)
		_, err = v.Verify(r2, body)
		assert.Error(t, err)
	})

	t.Run("jwt accepted for matching worker", func(t *testing.T) {
		token, err := WorkerToken(jwtSecret, "w1", time.Minute)
		require.NoError(t, err)

		r := httptest.NewRequest("POST", "/x", nil)
		r.Header.Set(HeaderWorkerID, "w1")
		r.Header.Set("Authorization", "Bearer "+token)
		_, err = v.Verify(r, nil)
		assert.NoError(t, err)
	})

	t.Run("jwt for another worker rejected", func(t *testing.T) {
		token, err := WorkerToken(jwtSecret, "w2", time.Minute)
		require.NoError(t, err)

		r := httptest.NewRequest("POST", "/x", nil)
		r.Header.Set(HeaderWorkerID, "w1")
		r.Header.Set("Authorization", "Bearer "+token)
		_, err = v.Verify(r, nil)
		assert.Error(t, err)
	})

	t.Run("no credential", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/x", nil)
		r.Header.Set(HeaderWorkerID, "w1")
		_, err := v.Verify(r, nil)
		assert.Error(t, err)
	})
}
