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
	"fmt"
	"time"

	"github.com/dtbroker/dtbroker/internal/connector"
	"github.com/dtbroker/dtbroker/internal/record"
	dtbrokererrors "github.com/dtbroker/dtbroker/pkg/errors"
)

// Config tunes the governance wrapper for one connector.
type Config struct {
	SemaphoreCapacity int
	Timeout           time.Duration
	Breaker           BreakerConfig
}

const defaultSemaphoreCapacity = 10
const defaultTimeout = 60 * time.Second

// DefaultConfig returns the default settings: semaphore capacity 10,
// timeout 60s, breaker failure threshold 5 and open duration 30s.
func DefaultConfig() Config {
	return Config{
		SemaphoreCapacity: defaultSemaphoreCapacity,
		Timeout:           defaultTimeout,
		Breaker:           BreakerConfig{FailureThreshold: defaultFailureThreshold, OpenDuration: defaultOpenDuration},
	}
}

// idempotentRetryAttempts bounds retry to idempotent operations only:
// connect, testConnection, getSchema, readRecords, validateRecords. Five
// total attempts matches the backoff schedule (200ms..5000ms doubling)
// fitting inside a 60s default timeout with margin.
const idempotentRetryAttempts = 5

// nonIdempotentRetryAttempts disables retry for writeRecords and disconnect.
const nonIdempotentRetryAttempts = 1

// Governed wraps a connector.Connector with circuit breaking, a bounded
// semaphore, a per-call timeout, retry for idempotent methods, and
// metrics. It implements connector.Connector itself so the registry and
// dispatcher never need to know whether they are holding a raw or a
// governed connector.
type Governed struct {
	inner connector.Connector
	cfg   Config

	breaker *CircuitBreaker
	sem     *Semaphore
	metrics *Metrics
	health  *health
}

// Wrap decorates inner with the governance behaviors below. metrics
// may be nil to disable Prometheus emission (used in tests that do not
// want to register collectors).
func Wrap(inner connector.Connector, cfg Config, metrics *Metrics) *Governed {
	if cfg.SemaphoreCapacity <= 0 {
		cfg.SemaphoreCapacity = defaultSemaphoreCapacity
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Governed{
		inner:   inner,
		cfg:     cfg,
		breaker: NewBreaker(cfg.Breaker),
		sem:     NewSemaphore(cfg.SemaphoreCapacity),
		metrics: metrics,
		health:  &health{},
	}
}

// Breaker exposes the underlying circuit breaker for status reporting.
func (g *Governed) Breaker() *CircuitBreaker { return g.breaker }

// Health exposes the last-success/last-error snapshot for status reporting.
func (g *Governed) Health() (lastSuccess, lastError time.Time, lastErrMsg string) {
	return g.health.Snapshot()
}

func (g *Governed) ID() string     { return g.inner.ID() }
func (g *Governed) Name() string   { return g.inner.Name() }
func (g *Governed) Type() string   { return g.inner.Type() }
func (g *Governed) ReadOnly() bool { return g.inner.ReadOnly() }

func (g *Governed) State() connector.ConnectionState { return g.inner.State() }

func (g *Governed) Connect(ctx context.Context) error {
	return g.call(ctx, "connect", idempotentRetryAttempts, func(ctx context.Context) error {
		return g.inner.Connect(ctx)
	})
}

func (g *Governed) Disconnect(ctx context.Context) error {
	return g.call(ctx, "disconnect", nonIdempotentRetryAttempts, func(ctx context.Context) error {
		return g.inner.Disconnect(ctx)
	})
}

func (g *Governed) GetSchema(ctx context.Context, forceRefresh bool) (record.Schema, error) {
	var out record.Schema
	err := g.call(ctx, "getSchema", idempotentRetryAttempts, func(ctx context.Context) error {
		var opErr error
		out, opErr = g.inner.GetSchema(ctx, forceRefresh)
		return opErr
	})
	return out, err
}

func (g *Governed) ReadRecords(ctx context.Context, filter record.FilterOptions) (connector.ReadResult, error) {
	var out connector.ReadResult
	err := g.call(ctx, "readRecords", idempotentRetryAttempts, func(ctx context.Context) error {
		var opErr error
		out, opErr = g.inner.ReadRecords(ctx, filter)
		return opErr
	})
	return out, err
}

func (g *Governed) WriteRecords(ctx context.Context, records []record.Record, mode connector.WriteMode) (connector.WriteResult, error) {
	var out connector.WriteResult
	err := g.call(ctx, "writeRecords", nonIdempotentRetryAttempts, func(ctx context.Context) error {
		var opErr error
		out, opErr = g.inner.WriteRecords(ctx, records, mode)
		return opErr
	})
	return out, err
}

func (g *Governed) ValidateRecords(ctx context.Context, records []record.Record) ([]connector.ValidationError, error) {
	var out []connector.ValidationError
	err := g.call(ctx, "validateRecords", idempotentRetryAttempts, func(ctx context.Context) error {
		var opErr error
		out, opErr = g.inner.ValidateRecords(ctx, records)
		return opErr
	})
	return out, err
}

func (g *Governed) TestConnection(ctx context.Context) error {
	return g.call(ctx, "testConnection", idempotentRetryAttempts, func(ctx context.Context) error {
		return g.inner.TestConnection(ctx)
	})
}

// call applies the full governance stack around op: breaker check,
// semaphore acquisition, timeout, retry (when maxAttempts > 1), breaker
// feedback, and metrics.
func (g *Governed) call(ctx context.Context, method string, maxAttempts int, op func(context.Context) error) error {
	allowed, snap := g.breaker.Allow()
	if !allowed {
		err := dtbrokererrors.New(dtbrokererrors.KindConnectionFailed,
			fmt.Sprintf("circuit breaker open for connector %s", g.inner.ID())).
			WithConnector(g.inner.ID()).
			WithContext("breaker_state", snap.State).
			WithContext("failure_count", snap.FailureCount)
		g.observe(method, 0, err)
		return err
	}

	waitStart := time.Now()
	if _, err := g.sem.Acquire(ctx); err != nil {
		wrapped := dtbrokererrors.New(dtbrokererrors.KindTimeout, "timed out waiting for connector semaphore").
			WithConnector(g.inner.ID()).
			WithContext("operation", method)
		g.observe(method, time.Since(waitStart), wrapped)
		return wrapped
	}
	defer g.sem.Release()
	if g.metrics != nil {
		g.metrics.QueueWait.WithLabelValues(g.inner.ID()).Observe(time.Since(waitStart).Seconds())
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	start := time.Now()
	attempts := maxAttempts
	err := withRetry(callCtx, attempts, op)
	duration := time.Since(start)

	if err == nil {
		g.breaker.RecordSuccess()
		g.observe(method, duration, nil)
		return nil
	}

	if callCtx.Err() != nil {
		err = dtbrokererrors.New(dtbrokererrors.KindTimeout, fmt.Sprintf("%s timed out", method)).
			WithConnector(g.inner.ID()).
			WithContext("timeout_ms", g.cfg.Timeout.Milliseconds())
	}

	g.breaker.RecordFailure()
	g.observe(method, duration, err)
	return err
}

func (g *Governed) observe(method string, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
		g.health.recordError(err.Error())
	} else {
		g.health.recordSuccess()
	}

	if g.metrics == nil {
		return
	}
	g.metrics.CallsTotal.WithLabelValues(g.inner.ID(), method, outcome).Inc()
	g.metrics.CallDuration.WithLabelValues(g.inner.ID(), method).Observe(duration.Seconds())
	g.metrics.BreakerState.WithLabelValues(g.inner.ID()).Set(breakerStateValue(g.breaker.Snapshot().State))
	g.metrics.InFlight.WithLabelValues(g.inner.ID()).Set(float64(g.sem.InFlight()))
	if err != nil {
		g.metrics.LastError.WithLabelValues(g.inner.ID()).SetToCurrentTime()
	} else {
		g.metrics.LastSuccess.WithLabelValues(g.inner.ID()).SetToCurrentTime()
	}
}

var _ connector.Connector = (*Governed)(nil)
