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

// Package governance decorates any connector.Connector with the resource
// governance behaviors uniform across every connector implementation:
// circuit breaking, a per-connector semaphore, per-call timeout, and
// retry with exponential backoff.
package governance

import (
	"sync"
	"time"
)

// BreakerState is the tagged-union state of a CircuitBreaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerSnapshot is a point-in-time view of breaker state, attached to the
// CONNECTION_FAILED error raised when a call is rejected fast.
type BreakerSnapshot struct {
	State         BreakerState `json:"state"`
	FailureCount  int          `json:"failureCount"`
	OpenedAt      time.Time    `json:"openedAt,omitempty"`
	ProbeInFlight bool         `json:"probeInFlight"`
}

// BreakerConfig tunes a CircuitBreaker. Zero values are replaced with the
// default settings in NewBreaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures in the
	// closed state before the breaker opens. Default 5.
	FailureThreshold int
	// OpenDuration is how long the breaker stays open before admitting a
	// half-open probe.
	OpenDuration time.Duration
}

const (
	defaultFailureThreshold = 5
	defaultOpenDuration     = 30 * time.Second
)

// CircuitBreaker implements the three-state breaker: closed
// counts consecutive failures, open fails fast until OpenDuration elapses,
// half_open admits exactly one in-flight probe.
type CircuitBreaker struct {
	mu sync.Mutex

	cfg BreakerConfig

	state         BreakerState
	failureCount  int
	openedAt      time.Time
	probeInFlight bool
}

// NewBreaker constructs a CircuitBreaker in the closed state.
func NewBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = defaultOpenDuration
	}
	return &CircuitBreaker{cfg: cfg, state: BreakerClosed}
}

// Allow reports whether a call may proceed. When the breaker is open and
// OpenDuration has elapsed, it transitions to half_open and admits exactly
// one probe; a concurrent caller observing half_open with a probe already
// in flight is rejected.
func (b *CircuitBreaker) Allow() (bool, BreakerSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true, b.snapshotLocked()
	case BreakerOpen:
		if time.Since(b.openedAt) >= b.cfg.OpenDuration {
			b.state = BreakerHalfOpen
			b.probeInFlight = true
			return true, b.snapshotLocked()
		}
		return false, b.snapshotLocked()
	case BreakerHalfOpen:
		if b.probeInFlight {
			return false, b.snapshotLocked()
		}
		b.probeInFlight = true
		return true, b.snapshotLocked()
	default:
		return true, b.snapshotLocked()
	}
}

// RecordSuccess resets the breaker to closed(0).
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failureCount = 0
	b.probeInFlight = false
}

// RecordFailure increments the failure count in closed, opening at the
// configured threshold, and re-opens immediately on a half_open failure.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.open()
	case BreakerClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.open()
		}
	case BreakerOpen:
		// Already open; nothing to do.
	}
}

func (b *CircuitBreaker) open() {
	b.state = BreakerOpen
	b.openedAt = time.Now()
	b.probeInFlight = false
}

// Snapshot returns the current breaker state for observability endpoints.
func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *CircuitBreaker) snapshotLocked() BreakerSnapshot {
	return BreakerSnapshot{
		State:         b.state,
		FailureCount:  b.failureCount,
		OpenedAt:      b.openedAt,
		ProbeInFlight: b.probeInFlight,
	}
}
