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

package governance

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	dtbrokererrors "github.com/dtbroker/dtbroker/pkg/errors"
)

const (
	retryBaseBackoff = 200 * time.Millisecond
	retryMaxBackoff  = 5000 * time.Millisecond
	retryJitterFrac  = 0.2
)

var retryableKinds = map[dtbrokererrors.Kind]struct{}{
	dtbrokererrors.KindTimeout:          {},
	dtbrokererrors.KindConnectionFailed: {},
	dtbrokererrors.KindRateLimited:      {},
}

// isRetryableError reports whether err warrants another attempt: a typed
// *errors.Error of kind TIMEOUT, CONNECTION_FAILED, or RATE_LIMITED.
func isRetryableError(err error) bool {
	var typed *dtbrokererrors.Error
	if !errors.As(err, &typed) {
		return false
	}
	_, ok := retryableKinds[typed.Kind]
	return ok
}

// calculateBackoff computes the delay before attempt (1-based), doubling
// from retryBaseBackoff, capped at retryMaxBackoff, with +/-20% jitter.
func calculateBackoff(attempt int) time.Duration {
	backoff := float64(retryBaseBackoff) * math.Pow(2, float64(attempt-1))
	if backoff > float64(retryMaxBackoff) {
		backoff = float64(retryMaxBackoff)
	}
	jitterSpread := backoff * retryJitterFrac
	jitter := (rand.Float64()*2 - 1) * jitterSpread
	delay := backoff + jitter
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// withRetry invokes op up to maxAttempts times (maxAttempts inclusive of
// the first try), retrying only when isRetryableError reports true and
// ctx has not been cancelled. Callers pass maxAttempts=1 to disable retry
// for non-idempotent operations (writeRecords and disconnect).
func withRetry(ctx context.Context, maxAttempts int, op func(context.Context) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := calculateBackoff(attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !isRetryableError(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}
