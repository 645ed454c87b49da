/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package clustermetrics holds this process's own Prometheus counters and
// histograms, grounded on the teacher's metrics.go CounterVec/Namespace
// idiom, adapted from controller-runtime's shared crmetrics.Registry (this
// module carries no controller-runtime dependency) onto a plain
// prometheus.NewRegistry() this process owns outright.
package clustermetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace mirrors the teacher's metrics.Namespace constant.
const Namespace = "cluster_autoscaler"

// Metrics bundles every self-observability instrument this process emits,
// each labeled by cluster_id so one process can in principle serve several
// clusters' registries side by side (spec §5 "ClusterState ... scoped by
// cluster_id").
type Metrics struct {
	Registry *prometheus.Registry

	TicksTotal           *prometheus.CounterVec
	ScaleUpTotal         *prometheus.CounterVec
	ScaleDownTotal       *prometheus.CounterVec
	NoopTotal            *prometheus.CounterVec
	LockContentionTotal  *prometheus.CounterVec
	DrainTimeoutTotal    *prometheus.CounterVec
	MetricsUnavailableTotal *prometheus.CounterVec
	TickDuration         *prometheus.HistogramVec
	WorkerCount          *prometheus.GaugeVec
}

// New builds a fresh registry and registers every instrument, matching the
// teacher's MustRegister-at-construction idiom (metrics.go's
// MustRegister()), just against a registry this process owns instead of a
// controller-runtime-managed global.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "reconciler", Name: "ticks_total",
			Help: "Number of reconciliation ticks attempted, labeled by outcome.",
		}, []string{"cluster_id", "outcome"}),
		ScaleUpTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "reconciler", Name: "scale_up_total",
			Help: "Number of scale-up actions executed, labeled by reason.",
		}, []string{"cluster_id", "reason"}),
		ScaleDownTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "reconciler", Name: "scale_down_total",
			Help: "Number of scale-down actions executed, labeled by reason.",
		}, []string{"cluster_id", "reason"}),
		NoopTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "reconciler", Name: "noop_total",
			Help: "Number of ticks that made no change, labeled by reason.",
		}, []string{"cluster_id", "reason"}),
		LockContentionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "reconciler", Name: "lock_contention_total",
			Help: "Number of ticks that failed to acquire the distributed lock.",
		}, []string{"cluster_id"}),
		DrainTimeoutTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "drainer", Name: "timeout_total",
			Help: "Number of victim drains aborted on timeout.",
		}, []string{"cluster_id"}),
		MetricsUnavailableTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "metrics_source", Name: "unavailable_total",
			Help: "Number of ticks that aborted because no fresh or cached metrics were available.",
		}, []string{"cluster_id"}),
		TickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace, Subsystem: "reconciler", Name: "tick_duration_seconds",
			Help:    "Wall-clock duration of one reconciliation tick.",
			Buckets: prometheus.DefBuckets,
		}, []string{"cluster_id"}),
		WorkerCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: "cluster", Name: "worker_count",
			Help: "Observed worker count after the most recent tick.",
		}, []string{"cluster_id"}),
	}
	m.Registry.MustRegister(
		m.TicksTotal, m.ScaleUpTotal, m.ScaleDownTotal, m.NoopTotal,
		m.LockContentionTotal, m.DrainTimeoutTotal, m.MetricsUnavailableTotal,
		m.TickDuration, m.WorkerCount,
	)
	return m
}

// ObserveTick records the histogram sample for one tick's wall-clock cost.
func (m *Metrics) ObserveTick(clusterID string, d time.Duration) {
	m.TickDuration.WithLabelValues(clusterID).Observe(d.Seconds())
}
