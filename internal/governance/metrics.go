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
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors the governance wrapper emits for
// every decorated connector: per-method outcome counts, duration
// histograms, and per-connector gauges for in-flight/queue-depth and
// last-success/last-error timestamps.
type Metrics struct {
	CallsTotal   *prometheus.CounterVec
	CallDuration *prometheus.HistogramVec
	QueueWait    *prometheus.HistogramVec
	InFlight     *prometheus.GaugeVec
	BreakerState *prometheus.GaugeVec
	LastSuccess  *prometheus.GaugeVec
	LastError    *prometheus.GaugeVec
}

// NewMetrics registers the governance collectors against reg. Pass a fresh
// prometheus.Registry in tests to avoid collisions with the process-wide
// default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dtbroker_connector_calls_total",
			Help: "Connector operations by connector, method, and outcome.",
		}, []string{"connector_id", "method", "outcome"}),
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dtbroker_connector_call_duration_seconds",
			Help:    "Connector operation latency by connector and method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"connector_id", "method"}),
		QueueWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dtbroker_connector_queue_wait_seconds",
			Help:    "Time spent waiting for the per-connector semaphore.",
			Buckets: prometheus.DefBuckets,
		}, []string{"connector_id"}),
		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dtbroker_connector_in_flight",
			Help: "Number of in-flight operations per connector.",
		}, []string{"connector_id"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dtbroker_connector_breaker_state",
			Help: "Circuit breaker state per connector (0=closed, 1=half_open, 2=open).",
		}, []string{"connector_id"}),
		LastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dtbroker_connector_last_success_timestamp",
			Help: "Unix timestamp of the last successful operation per connector.",
		}, []string{"connector_id"}),
		LastError: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dtbroker_connector_last_error_timestamp",
			Help: "Unix timestamp of the last failed operation per connector.",
		}, []string{"connector_id"}),
	}

	for _, c := range []prometheus.Collector{m.CallsTotal, m.CallDuration, m.QueueWait, m.InFlight, m.BreakerState, m.LastSuccess, m.LastError} {
		reg.MustRegister(c)
	}
	return m
}

func breakerStateValue(s BreakerState) float64 {
	switch s {
	case BreakerClosed:
		return 0
	case BreakerHalfOpen:
		return 1
	case BreakerOpen:
		return 2
	default:
		return 0
	}
}

// health tracks the last-success/last-error instants for a single
// connector, surfaced through /admin/status as well as the Prometheus
// gauges above.
type health struct {
	mu          sync.RWMutex
	lastSuccess time.Time
	lastError   time.Time
	lastErrMsg  string
}

func (h *health) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastSuccess = time.Now()
}

func (h *health) recordError(msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastError = time.Now()
	h.lastErrMsg = msg
}

// Snapshot returns the last known success/error timestamps and error text.
func (h *health) Snapshot() (lastSuccess, lastError time.Time, lastErrMsg string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastSuccess, h.lastError, h.lastErrMsg
}
