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

package reconciler_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sfake "k8s.io/client-go/kubernetes/fake"

	"github.com/cluster-autoscaler/autoscaler/pkg/clustermetrics"
	"github.com/cluster-autoscaler/autoscaler/pkg/clusterregistry"
	"github.com/cluster-autoscaler/autoscaler/pkg/clusterstate"
	"github.com/cluster-autoscaler/autoscaler/pkg/config"
	"github.com/cluster-autoscaler/autoscaler/pkg/decision"
	"github.com/cluster-autoscaler/autoscaler/pkg/drain"
	"github.com/cluster-autoscaler/autoscaler/pkg/metricssource"
	"github.com/cluster-autoscaler/autoscaler/pkg/notify"
	"github.com/cluster-autoscaler/autoscaler/pkg/provisioning"
	"github.com/cluster-autoscaler/autoscaler/pkg/reconciler"
)

type fakeEC2 struct {
	nextID    int64
	instances []ec2types.Instance
}

func (f *fakeEC2) RunInstances(ctx context.Context, in *ec2.RunInstancesInput, opts ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	id := atomic.AddInt64(&f.nextID, 1)
	inst := ec2types.Instance{
		InstanceId: strPtr(fmt.Sprintf("i-%d", id)),
		Placement:  in.Placement,
		LaunchTime: timePtr(time.Now()),
	}
	f.instances = append(f.instances, inst)
	return &ec2.RunInstancesOutput{Instances: []ec2types.Instance{inst}}, nil
}

func (f *fakeEC2) DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return &ec2.DescribeInstancesOutput{Reservations: []ec2types.Reservation{{Instances: f.instances}}}, nil
}

func (f *fakeEC2) TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, opts ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	var kept []ec2types.Instance
	for _, inst := range f.instances {
		if *inst.InstanceId != *in.InstanceIds[0] {
			kept = append(kept, inst)
		}
	}
	f.instances = kept
	return &ec2.TerminateInstancesOutput{}, nil
}

func strPtr(s string) *string        { return &s }
func timePtr(t time.Time) *time.Time { return &t }

type fakePromClient struct {
	values map[string]float64
}

func (f *fakePromClient) Query(ctx context.Context, query string, ts time.Time, opts ...promv1.Option) (model.Value, promv1.Warnings, error) {
	v, ok := f.values[query]
	if !ok {
		return &model.Scalar{Value: 0}, nil, nil
	}
	return &model.Scalar{Value: model.SampleValue(v), Timestamp: model.TimeFromUnix(ts.Unix())}, nil, nil
}

var testQueries = metricssource.QuerySet{
	CPU:         metricssource.QueryCPU,
	Memory:      metricssource.QueryMemory,
	PendingPods: metricssource.QueryPendingPods,
}

type recordingSink struct {
	events []notify.Event
}

func (r *recordingSink) Notify(ctx context.Context, e notify.Event) error {
	r.events = append(r.events, e)
	return nil
}

func baseConfig() config.Config {
	return config.Config{
		ClusterID: "test-cluster", MinWorkers: 1, MaxWorkers: 10,
		TickInterval: time.Second, CooldownUp: time.Minute, CooldownDown: 5 * time.Minute,
		JoinDeadline: 2 * time.Second, DrainTimeout: 2 * time.Second,
		LockTTL: 30 * time.Second, TickDeadline: 20 * time.Second, MetricsQueryDeadline: 5 * time.Second,
		CPUUpPct: 70, CPUDownPct: 20, MemUpPct: 80, MemDownPct: 20,
		UrgencyCPUPct: 95, UrgencyPending: 5,
		SustainedSamples: 2, HistorySize: 10,
		SpotPercentage: 0, Zones: []string{"a", "b"},
	}
}

var _ = Describe("Reconciler.Tick", func() {
	var (
		store      *clusterstate.Store
		fdyn       *fakeDynamo
		fec2       *fakeEC2
		clientset  *k8sfake.Clientset
		registry   *clusterregistry.Registry
		provisioner *provisioning.Provisioner
		drainer    *drain.Drainer
		engine     *decision.Engine
		cm         *clustermetrics.Metrics
		sink       *recordingSink
		cfg        config.Config
	)

	BeforeEach(func() {
		fdyn = &fakeDynamo{}
		store = clusterstate.NewStore(fdyn, "cluster-state", nil)
		fec2 = &fakeEC2{}
		clientset = k8sfake.NewSimpleClientset()
		registry = clusterregistry.NewRegistry(clientset)
		provisioner = provisioning.NewProvisioner(fec2, registry, "test-cluster", "lt-123", []string{"a", "b"}, 0, 2*time.Second, logr.Discard()).
			WithPollInterval(20 * time.Millisecond)
		drainer = drain.NewDrainer(registry, provisioner, 2*time.Second)
		engine = decision.NewEngine(nil)
		cm = clustermetrics.New()
		sink = &recordingSink{}
		cfg = baseConfig()
	})

	newReconciler := func(promValues map[string]float64) *reconciler.Reconciler {
		adapter := metricssource.NewWithClient(&fakePromClient{values: promValues}, testQueries, false)
		return reconciler.New(store, adapter, engine, provisioner, drainer, registry, sink, cm, cfg, logr.Discard())
	}

	It("scales up on critical pending pods and persists the new desired count", func() {
		r := newReconciler(map[string]float64{
			metricssource.QueryCPU: 10, metricssource.QueryMemory: 10, metricssource.QueryPendingPods: 20,
		})

		go func() {
			defer GinkgoRecover()
			Eventually(func() int { return len(fec2.instances) }, time.Second).Should(BeNumerically(">=", 1))
			for _, inst := range fec2.instances {
				_, _ = clientset.CoreV1().Nodes().Create(context.Background(), &corev1.Node{
					ObjectMeta: metav1.ObjectMeta{Name: "node-" + *inst.InstanceId, Labels: map[string]string{clusterregistry.ClusterIDLabel: "test-cluster"}},
					Spec:       corev1.NodeSpec{ProviderID: "aws:///" + *inst.InstanceId},
					Status:     corev1.NodeStatus{Conditions: []corev1.NodeCondition{{Type: corev1.NodeReady, Status: corev1.ConditionTrue}}},
				}, metav1.CreateOptions{})
			}
		}()

		Expect(r.Tick(context.Background())).To(Succeed())

		state, exists, err := store.Get(context.Background(), "test-cluster")
		Expect(err).NotTo(HaveOccurred())
		Expect(exists).To(BeTrue())
		Expect(state.Lock).To(BeNil(), "lock must be released after a successful tick")
		Expect(state.LastAction.Kind).To(Equal(clusterstate.ActionUp))
		Expect(state.DesiredWorkerCount).To(BeNumerically(">=", 2))

		Expect(sink.events).To(HaveLen(1))
		Expect(sink.events[0].Kind).To(Equal(decision.Up))
	})

	It("reports a clean no-op and skips dispatch when the lock is already held", func() {
		now := time.Now()
		acquired, err := store.TryAcquireLock(context.Background(), "test-cluster", "other-holder", now, time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(acquired).To(BeTrue())

		r := newReconciler(map[string]float64{metricssource.QueryCPU: 10, metricssource.QueryMemory: 10})
		Expect(r.Tick(context.Background())).To(Succeed())

		Expect(fec2.instances).To(BeEmpty(), "a contended tick must not dispatch any scaling action")
		Expect(sink.events).To(BeEmpty())
	})

	It("records a metrics-unavailable outcome without mutating desired count", func() {
		cfg.MinWorkers = 0
		seeded := clusterstate.ClusterState{ClusterID: "test-cluster", DesiredWorkerCount: 0}
		Expect(store.Put(context.Background(), seeded)).To(Succeed())

		adapter := metricssource.NewWithClient(&failingPromClient{}, testQueries, false)
		r := reconciler.New(store, adapter, engine, provisioner, drainer, registry, sink, cm, cfg, logr.Discard())

		err := r.Tick(context.Background())
		Expect(err).To(HaveOccurred())

		state, exists, getErr := store.Get(context.Background(), "test-cluster")
		Expect(getErr).NotTo(HaveOccurred())
		Expect(exists).To(BeTrue())
		Expect(state.DesiredWorkerCount).To(Equal(0))
		Expect(state.Lock).NotTo(BeNil(), "a metrics-unavailable abort leaves the lock to expire rather than releasing it")
	})

	It("stays at the floor and records AT_FLOOR when usage is low but already at min_workers", func() {
		cfg.MinWorkers = 1
		cfg.HistorySize = 2
		seeded := clusterstate.ClusterState{ClusterID: "test-cluster", DesiredWorkerCount: 1}
		Expect(store.Put(context.Background(), seeded)).To(Succeed())
		_, _ = clientset.CoreV1().Nodes().Create(context.Background(), &corev1.Node{
			ObjectMeta: metav1.ObjectMeta{Name: "node-i-1", Labels: map[string]string{clusterregistry.ClusterIDLabel: "test-cluster"}},
			Spec:       corev1.NodeSpec{ProviderID: "aws:///i-1"},
			Status:     corev1.NodeStatus{Conditions: []corev1.NodeCondition{{Type: corev1.NodeReady, Status: corev1.ConditionTrue}}},
		}, metav1.CreateOptions{})
		fec2.instances = append(fec2.instances, ec2types.Instance{InstanceId: strPtr("i-1"), LaunchTime: timePtr(time.Now().Add(-time.Hour))})

		r := newReconciler(map[string]float64{metricssource.QueryCPU: 5, metricssource.QueryMemory: 5})
		for i := 0; i < cfg.SustainedSamples; i++ {
			Expect(r.Tick(context.Background())).To(Succeed())
		}

		state, _, err := store.Get(context.Background(), "test-cluster")
		Expect(err).NotTo(HaveOccurred())
		Expect(state.LastAction.Kind).To(Equal(clusterstate.ActionNoop))
		Expect(state.LastAction.Reason).To(Equal(clusterstate.ReasonAtFloor))
		Expect(state.DesiredWorkerCount).To(Equal(1))
	})
})

type failingPromClient struct{}

func (f *failingPromClient) Query(ctx context.Context, query string, ts time.Time, opts ...promv1.Option) (model.Value, promv1.Warnings, error) {
	return nil, nil, fmt.Errorf("simulated transport failure")
}
