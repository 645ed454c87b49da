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

// Package metricssource implements the Metrics Source Adapter (spec §4.2):
// it turns a fixed set of named PromQL queries into a clusterstate.MetricSample,
// shielding the Decision Engine from transport faults with a bounded-staleness
// fallback cache.
package metricssource

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	promapi "github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/cluster-autoscaler/autoscaler/pkg/clusterstate"
	"github.com/cluster-autoscaler/autoscaler/pkg/errs"
)

// Named queries, semantics fixed by spec §6. The query string sent for each
// comes from the QuerySet given to New; cmd/autoscaler sends these names
// themselves as the query strings, and Config has no option to set them.
const (
	QueryCPU           = "cpu_utilization_pct"
	QueryMemory        = "memory_utilization_pct"
	QueryPendingPods   = "pending_pods_count"
	QueryAPILatencyP95 = "api_latency_p95_seconds"
	QueryErrorRate     = "error_rate_ratio"
	QueryQueueDepth    = "queue_depth"
)

// maxAttempts and maxStaleness are the §4.2 design-note bounds: at most two
// attempts per query per tick, and a cached sample is usable only within a
// 5-minute staleness bound.
const (
	maxAttempts  = 2
	maxStaleness = 5 * time.Minute
)

// QueryClient is the subset of the Prometheus HTTP API this adapter needs.
// Satisfied by promv1.API; a narrow interface keeps fakes cheap in tests.
type QueryClient interface {
	Query(ctx context.Context, query string, ts time.Time, opts ...promv1.Option) (model.Value, promv1.Warnings, error)
}

// QuerySet names the PromQL query strings backing each named metric;
// custom-metric entries may be empty when enable_custom_metrics is false.
type QuerySet struct {
	CPU           string
	Memory        string
	PendingPods   string
	APILatencyP95 string
	ErrorRate     string
	QueueDepth    string
}

// Adapter is the Metrics Source Adapter. It is not safe for concurrent
// ticks of the same cluster (nothing in the reconciler calls it that way);
// its last-sample cache is an explicit field, never package-level state
// (spec §9 "mutable module-level state: there is none").
type Adapter struct {
	client              QueryClient
	queries             QuerySet
	enableCustomMetrics bool

	lastGood      *clusterstate.MetricSample
	lastGoodAt    time.Time
}

// New builds an Adapter from a Prometheus base URL, matching the one
// third-party client in the retrieved pack that references
// prometheus/client_golang/api/prometheus/v1 for an instant-query client.
func New(baseURL string, queries QuerySet, enableCustomMetrics bool) (*Adapter, error) {
	c, err := promapi.NewClient(promapi.Config{Address: baseURL})
	if err != nil {
		return nil, errs.New(errs.TransportError, fmt.Errorf("building metrics client: %w", err))
	}
	return &Adapter{client: promv1.NewAPI(c), queries: queries, enableCustomMetrics: enableCustomMetrics}, nil
}

// NewWithClient builds an Adapter around an already-constructed QueryClient
// (a fake, in tests).
func NewWithClient(client QueryClient, queries QuerySet, enableCustomMetrics bool) *Adapter {
	return &Adapter{client: client, queries: queries, enableCustomMetrics: enableCustomMetrics}
}

// Sample fetches one MetricSample at now, bounded by deadline. It falls
// back to the last successfully fetched sample if it is within
// maxStaleness; it returns errs.MetricsUnavailable only when both the live
// fetch and the cached sample are unusable.
func (a *Adapter) Sample(ctx context.Context, now time.Time, deadline time.Duration) (clusterstate.MetricSample, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	m, err := a.queryAll(ctx, now)
	if err == nil {
		a.lastGood = &m
		a.lastGoodAt = now
		return m, nil
	}

	if a.lastGood != nil && now.Sub(a.lastGoodAt) <= maxStaleness {
		stale := *a.lastGood
		return stale, nil
	}
	return clusterstate.MetricSample{}, errs.New(errs.MetricsUnavailable, fmt.Errorf("no fresh or cached metrics within staleness bound: %w", err))
}

// queryAll fetches every required named query, and the custom-metric
// queries too when enabled. A missing custom-metric value does not fail
// the sample — HasCustom distinguishes "value is 0" from "value unknown".
func (a *Adapter) queryAll(ctx context.Context, now time.Time) (clusterstate.MetricSample, error) {
	cpu, err := a.queryScalar(ctx, a.queries.CPU, now)
	if err != nil {
		return clusterstate.MetricSample{}, err
	}
	mem, err := a.queryScalar(ctx, a.queries.Memory, now)
	if err != nil {
		return clusterstate.MetricSample{}, err
	}
	pending, err := a.queryScalar(ctx, a.queries.PendingPods, now)
	if err != nil {
		return clusterstate.MetricSample{}, err
	}

	m := clusterstate.MetricSample{
		CapturedAt:  now,
		CPUPct:      cpu,
		MemPct:      mem,
		PendingPods: int(pending),
	}

	if a.enableCustomMetrics {
		if v, err := a.queryScalar(ctx, a.queries.APILatencyP95, now); err == nil {
			m.HasCustom = true
			m.APILatencyP95Seconds = v
		}
		if v, err := a.queryScalar(ctx, a.queries.ErrorRate, now); err == nil {
			m.HasCustom = true
			m.ErrorRateRatio = v
		}
		if v, err := a.queryScalar(ctx, a.queries.QueueDepth, now); err == nil {
			m.HasCustom = true
			m.QueueDepth = int(v)
		}
	}
	return m, nil
}

// queryScalar runs one instant query, retrying once on transient failure
// (maxAttempts), and extracts the single scalar value from the result.
func (a *Adapter) queryScalar(ctx context.Context, query string, ts time.Time) (float64, error) {
	if query == "" {
		return 0, errs.New(errs.MetricsUnavailable, fmt.Errorf("no query configured"))
	}
	var value model.Value
	err := retry.Do(
		func() error {
			v, _, err := a.client.Query(ctx, query, ts)
			if err != nil {
				return err
			}
			value = v
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(maxAttempts),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return 0, errs.New(errs.TransportError, fmt.Errorf("querying %q: %w", query, err))
	}
	return scalarOf(value)
}

// scalarOf extracts the single numeric reading from a PromQL instant-query
// result, whether it came back as a vector or a bare scalar.
func scalarOf(v model.Value) (float64, error) {
	switch val := v.(type) {
	case model.Vector:
		if len(val) == 0 {
			return 0, fmt.Errorf("empty result vector")
		}
		return float64(val[0].Value), nil
	case *model.Scalar:
		return float64(val.Value), nil
	default:
		return 0, fmt.Errorf("unexpected result type %T", v)
	}
}
