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

package metricssource_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/cluster-autoscaler/autoscaler/pkg/errs"
	"github.com/cluster-autoscaler/autoscaler/pkg/metricssource"
)

type fakeClient struct {
	values map[string]float64
	fail   map[string]bool
}

func (f *fakeClient) Query(ctx context.Context, query string, ts time.Time, opts ...promv1.Option) (model.Value, promv1.Warnings, error) {
	if f.fail[query] {
		return nil, nil, errors.New("simulated transport failure")
	}
	v, ok := f.values[query]
	if !ok {
		return nil, nil, errors.New("no such series")
	}
	return &model.Scalar{Value: model.SampleValue(v), Timestamp: model.TimeFromUnix(ts.Unix())}, nil, nil
}

var queries = metricssource.QuerySet{
	CPU:         "cpu_utilization_pct",
	Memory:      "memory_utilization_pct",
	PendingPods: "pending_pods_count",
}

var _ = Describe("Adapter", func() {
	var now time.Time

	BeforeEach(func() {
		now = time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	})

	It("returns a fresh sample when all queries succeed", func() {
		client := &fakeClient{values: map[string]float64{
			"cpu_utilization_pct": 55, "memory_utilization_pct": 60, "pending_pods_count": 2,
		}}
		a := metricssource.NewWithClient(client, queries, false)
		m, err := a.Sample(context.Background(), now, 10*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(m.CPUPct).To(Equal(55.0))
		Expect(m.MemPct).To(Equal(60.0))
		Expect(m.PendingPods).To(Equal(2))
	})

	It("falls back to the last good sample within the staleness bound", func() {
		client := &fakeClient{values: map[string]float64{
			"cpu_utilization_pct": 55, "memory_utilization_pct": 60, "pending_pods_count": 2,
		}}
		a := metricssource.NewWithClient(client, queries, false)
		_, err := a.Sample(context.Background(), now, 10*time.Second)
		Expect(err).NotTo(HaveOccurred())

		client.fail = map[string]bool{"cpu_utilization_pct": true}
		m, err := a.Sample(context.Background(), now.Add(time.Minute), 10*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(m.CPUPct).To(Equal(55.0))
	})

	It("fails with MetricsUnavailable when live and cached are both missing", func() {
		client := &fakeClient{fail: map[string]bool{"cpu_utilization_pct": true}}
		a := metricssource.NewWithClient(client, queries, false)
		_, err := a.Sample(context.Background(), now, 10*time.Second)
		Expect(errs.Is(err, errs.MetricsUnavailable)).To(BeTrue())
	})

	It("does not use a stale cached sample past the staleness bound", func() {
		client := &fakeClient{values: map[string]float64{
			"cpu_utilization_pct": 55, "memory_utilization_pct": 60, "pending_pods_count": 2,
		}}
		a := metricssource.NewWithClient(client, queries, false)
		_, err := a.Sample(context.Background(), now, 10*time.Second)
		Expect(err).NotTo(HaveOccurred())

		client.fail = map[string]bool{"cpu_utilization_pct": true}
		_, err = a.Sample(context.Background(), now.Add(10*time.Minute), 10*time.Second)
		Expect(errs.Is(err, errs.MetricsUnavailable)).To(BeTrue())
	})

	It("distinguishes an unavailable custom metric from a zero value", func() {
		client := &fakeClient{values: map[string]float64{
			"cpu_utilization_pct": 10, "memory_utilization_pct": 10, "pending_pods_count": 0,
			"api_latency_p95_seconds": 0,
		}}
		qs := queries
		qs.APILatencyP95 = "api_latency_p95_seconds"
		qs.ErrorRate = "error_rate_ratio"
		a := metricssource.NewWithClient(client, qs, true)
		m, err := a.Sample(context.Background(), now, 10*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(m.HasCustom).To(BeTrue())
		Expect(m.APILatencyP95Seconds).To(Equal(0.0))
	})
})
