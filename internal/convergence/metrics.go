// Copyright 2025 The OpenChoreo Authors
// SPDX-License-Identifier: Apache-2.0

package convergence

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instrumentation for a ConvergenceLoopFSM.
// These are additive: they are derived from the same events that cross
// the contractual logging surface and never influence behavior. A nil
// *Metrics is valid and every method is then a no-op, so instrumentation
// can be omitted entirely without guarding every call site.
type Metrics struct {
	iterationsTotal    prometheus.Counter
	iterationDuration  prometheus.Histogram
	sendTotal          *prometheus.CounterVec
	clusterStatusState *prometheus.GaugeVec
}

// NewMetrics registers the agent's convergence metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		iterationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_convergence_iterations_total",
			Help: "Total number of convergence loop iterations started.",
		}),
		iterationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agent_convergence_iteration_duration_seconds",
			Help:    "Duration of a single discover/calculate/report/act convergence iteration.",
			Buckets: prometheus.DefBuckets,
		}),
		sendTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_convergence_send_total",
			Help: "Total number of NodeStateCommand reports, by outcome.",
		}, []string{"result"}),
		clusterStatusState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agent_cluster_status_state",
			Help: "1 for the ClusterStatusFSM's current state, 0 for all others.",
		}, []string{"state"}),
	}
}

func (m *Metrics) observeIterationStart() {
	if m == nil {
		return
	}
	m.iterationsTotal.Inc()
}

func (m *Metrics) observeIterationDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.iterationDuration.Observe(d.Seconds())
}

func (m *Metrics) observeSend(result string) {
	if m == nil {
		return
	}
	m.sendTotal.WithLabelValues(result).Inc()
}

// SetClusterStatusState reports the ClusterStatusFSM's current state as
// a one-hot gauge vector, letting operators graph state occupancy.
func (m *Metrics) SetClusterStatusState(states []ClusterStatusState, current ClusterStatusState) {
	if m == nil {
		return
	}
	for _, s := range states {
		value := 0.0
		if s == current {
			value = 1.0
		}
		m.clusterStatusState.WithLabelValues(string(s)).Set(value)
	}
}

// AllClusterStatusStates lists every ClusterStatusFSM state, for use
// with SetClusterStatusState.
func AllClusterStatusStates() []ClusterStatusState {
	return []ClusterStatusState{StateDisconnected, StateConnectedNoUpdate, StateConnectedWithUpdate, StateShutdown}
}
