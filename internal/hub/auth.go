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

package hub

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	dispatcherrors "github.com/tombee/dispatch/pkg/errors"
)

// TokenVerifier checks a subscription token for one execution. A non-nil
// error rejects the connection with close code 4003.
type TokenVerifier func(token, executionID string) error

// AllowAll accepts every token. Used when the deployment terminates auth
// upstream.
func AllowAll(string, string) error { return nil }

// JWTVerifier validates an HS256 bearer token. When the token carries an
// execution_id claim it must match the subscribed execution.
func JWTVerifier(secret []byte) TokenVerifier {
	return func(token, executionID string) error {
		if token == "" {
			return &dispatcherrors.AuthError{Scheme: "jwt", Message: "missing token"}
		}

		claims := jwt.MapClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithLeeway(30*time.Second))
		if err != nil || !parsed.Valid {
			return &dispatcherrors.AuthError{Scheme: "jwt", Message: "invalid token"}
		}

		if claimed, ok := claims["execution_id"].(string); ok && claimed != executionID {
			return &dispatcherrors.AuthError{Scheme: "jwt", Message: "token bound to another execution"}
		}
		return nil
	}
}

// SubscriptionToken mints a token granting access to one execution.
func SubscriptionToken(secret []byte, executionID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"execution_id": executionID,
		"iat":          now.Unix(),
		"exp":          now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
