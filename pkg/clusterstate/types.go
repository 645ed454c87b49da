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

// Package clusterstate holds the durable ClusterState record (spec §3,
// §4.3) and its DynamoDB-backed Store, including the distributed lock
// protocol.
package clusterstate

import "time"

// ActionKind is the kind of the last consequential action recorded against
// a cluster.
type ActionKind string

const (
	ActionUp   ActionKind = "up"
	ActionDown ActionKind = "down"
	ActionNoop ActionKind = "noop"
)

// Reason codes, spec.md §8 scenarios and SPEC_FULL.md's "Reason codes"
// supplement: the full enumerated cause-code set, kept as typed constants
// rather than ad hoc strings so the Decision Engine and its tests can't
// typo a reason.
type Reason string

const (
	ReasonCritPending     Reason = "CRIT_PENDING"
	ReasonCritCPU         Reason = "CRIT_CPU"
	ReasonCPUSustained    Reason = "CPU_SUSTAINED"
	ReasonPendingSustained Reason = "PENDING_SUSTAINED"
	ReasonMemSustained    Reason = "MEM_SUSTAINED"
	ReasonCustomLatency   Reason = "CUSTOM_LATENCY_SUSTAINED"
	ReasonCustomErrorRate Reason = "CUSTOM_ERROR_RATE_SUSTAINED"
	ReasonCustomQueueDepth Reason = "CUSTOM_QUEUE_DEPTH_SUSTAINED"
	ReasonPredictiveCPU   Reason = "PREDICTIVE_CPU"
	ReasonScaleDown       Reason = "SCALE_DOWN_SUSTAINED"
	ReasonAtCapacity      Reason = "AT_CAPACITY"
	ReasonAtFloor         Reason = "AT_FLOOR"
	ReasonPendingPresent  Reason = "PENDING_PRESENT"
	ReasonInProgress      Reason = "IN_PROGRESS_GUARD"
	ReasonDrainTimeout    Reason = "DRAIN_TIMEOUT"
	ReasonMetricsUnavailable Reason = "METRICS_UNAVAILABLE"
	ReasonQuotaExceeded   Reason = "QUOTA_EXCEEDED"
	ReasonNoop            Reason = "NOOP"
)

// LastAction records the most recent consequential action taken on a
// cluster, persisted as part of ClusterState.
type LastAction struct {
	Kind   ActionKind
	At     time.Time
	Reason Reason
}

// Lock is the distributed-lock attribute group (spec §4.3). A ClusterState
// with a nil Lock has no current holder.
type Lock struct {
	HolderID  string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether now has reached the lock's ExpiresAt (a nil lock
// counts as expired). The store's acquire condition is strict: it takes
// over a lock only once ExpiresAt is before now (§4.3 "Expiry recovery").
func (l *Lock) Expired(now time.Time) bool {
	return l == nil || !now.Before(l.ExpiresAt)
}

// MetricSample is a single tick's observed signals (spec §3).
type MetricSample struct {
	CapturedAt  time.Time
	CPUPct      float64
	MemPct      float64
	PendingPods int

	// Optional custom-metric signals; HasCustom indicates whether the
	// Metrics Source Adapter successfully collected them this tick, so the
	// Decision Engine can tell "value is 0" from "value unknown" (§4.2).
	HasCustom     bool
	APILatencyP95Seconds float64
	ErrorRateRatio       float64
	QueueDepth           int
}

// HistoricalMetric is an append-only record used by the predictive engine
// (spec §4.4 rule 7, §6 historical store). TTL eviction at 30 days is a
// DynamoDB table attribute, not something this struct enforces itself.
type HistoricalMetric struct {
	Timestamp   time.Time
	ClusterID   string
	HourOfDay   int
	DayOfWeek   time.Weekday
	CPUPct      float64
	PendingPods int
}

// ClusterState is the durable per-cluster record (spec §3). History is a
// bounded ring buffer (§9 "Metric history as growing list" redesign note);
// callers never see an unbounded slice.
type ClusterState struct {
	ClusterID           string
	DesiredWorkerCount  int
	LastAction          LastAction
	CooldownUpUntil     time.Time
	CooldownDownUntil   time.Time
	Lock                *Lock
	History             []MetricSample // most recent K samples, oldest first
}

// AppendSample appends s to the bounded history, evicting the oldest
// sample once the bound is exceeded (spec I4: monotonic, bounded window).
func (c *ClusterState) AppendSample(s MetricSample, bound int) {
	c.History = append(c.History, s)
	if len(c.History) > bound {
		c.History = c.History[len(c.History)-bound:]
	}
}

// DeepCopy returns an independent copy of c, so callers can mutate a
// working copy without racing the cached/last-read value.
func (c ClusterState) DeepCopy() ClusterState {
	cp := c
	if c.Lock != nil {
		l := *c.Lock
		cp.Lock = &l
	}
	cp.History = append([]MetricSample(nil), c.History...)
	return cp
}
