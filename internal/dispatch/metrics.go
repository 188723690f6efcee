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

package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors the dispatcher emits for every
// tool call, independent of the per-connector collectors internal/governance
// registers for the calls a handler makes into a connector.
type Metrics struct {
	CallsTotal  *prometheus.CounterVec
	CallDuration *prometheus.HistogramVec
	QueueWait   *prometheus.HistogramVec
	DeniedTotal *prometheus.CounterVec
}

// NewMetrics registers the dispatch-level collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dtbroker_tool_calls_total",
			Help: "Tool calls by tool name and outcome (success, error, denied, timeout).",
		}, []string{"tool", "outcome"}),
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dtbroker_tool_call_duration_seconds",
			Help:    "Tool call latency by tool name, from admission to response.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		QueueWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dtbroker_tool_queue_wait_seconds",
			Help:    "Time spent waiting for the global tool semaphore.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		DeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dtbroker_tool_denied_total",
			Help: "Tool calls denied by policy, by tool name.",
		}, []string{"tool"}),
	}
	for _, c := range []prometheus.Collector{m.CallsTotal, m.CallDuration, m.QueueWait, m.DeniedTotal} {
		reg.MustRegister(c)
	}
	return m
}
