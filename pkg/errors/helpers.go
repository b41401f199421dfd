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

package errors

import (
	"errors"
	"fmt"
)

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
//
// Usage:
//
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "doing something")
//	}
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted context.
// If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
// This is a convenience wrapper around errors.Is from the standard library.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target type,
// and if one is found, sets target to that error value and returns true.
// This is a convenience wrapper around errors.As from the standard library.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// ErrorKind returns the taxonomy kind of err. Wrapped errors are unwrapped
// until a typed error is found; anything untyped classifies as internal.
func ErrorKind(err error) Kind {
	if err == nil {
		return ""
	}

	var (
		transient   *TransientError
		auth        *AuthError
		quota       *QuotaError
		validation  *ValidationError
		conflict    *StateConflictError
		unavailable *WorkerUnavailableError
		timeout     *TimeoutError
		notFound    *NotFoundError
	)

	switch {
	case errors.As(err, &transient):
		return KindTransient
	case errors.As(err, &auth):
		return KindAuth
	case errors.As(err, &quota):
		return KindQuota
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &conflict):
		return KindStateConflict
	case errors.As(err, &unavailable):
		return KindWorkerUnavailable
	case errors.As(err, &timeout):
		return KindTimeout
	case errors.As(err, &notFound):
		return KindNotFound
	default:
		return KindInternal
	}
}

// IsRetryable reports whether err may succeed on retry.
// Only transient network errors and timeouts qualify; auth failures,
// validation errors and state conflicts never do.
func IsRetryable(err error) bool {
	switch ErrorKind(err) {
	case KindTransient, KindTimeout, KindWorkerUnavailable:
		return true
	default:
		return false
	}
}

// IsAuthFailure reports whether err is an authentication failure.
// The reconnect loop counts these against max_auth_failures instead of
// retrying them.
func IsAuthFailure(err error) bool {
	return ErrorKind(err) == KindAuth
}
