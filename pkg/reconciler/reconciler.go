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

// Package reconciler implements the control loop driver (spec §4.1, §4.7,
// §5): one call to Tick is one reconciliation attempt. Grounded on the
// teacher's provisioner.go Reconcile method shape (batch, sync, dispatch,
// metrics-emit, in that order), generalized from a controller-runtime
// reconcile.Reconciler invoked per-pod-batch into a plain method an
// external scheduler (resident ticker or short-lived binary, per §9) calls
// once per tick.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/utils/clock"

	"github.com/cluster-autoscaler/autoscaler/pkg/clustermetrics"
	"github.com/cluster-autoscaler/autoscaler/pkg/clusterregistry"
	"github.com/cluster-autoscaler/autoscaler/pkg/clusterstate"
	"github.com/cluster-autoscaler/autoscaler/pkg/config"
	"github.com/cluster-autoscaler/autoscaler/pkg/decision"
	"github.com/cluster-autoscaler/autoscaler/pkg/drain"
	"github.com/cluster-autoscaler/autoscaler/pkg/errs"
	"github.com/cluster-autoscaler/autoscaler/pkg/metricssource"
	"github.com/cluster-autoscaler/autoscaler/pkg/notify"
	"github.com/cluster-autoscaler/autoscaler/pkg/provisioning"
	"github.com/cluster-autoscaler/autoscaler/pkg/utils/injection"
)

// Reconciler holds every adapter one tick dispatches to. All fields are
// set once at construction; Tick carries all per-invocation state on the
// stack, per §9 "mutable module-level state: there is none in the core".
type Reconciler struct {
	Store          *clusterstate.Store
	MetricsSource  *metricssource.Adapter
	Engine         *decision.Engine
	Provisioner    *provisioning.Provisioner
	Drainer        *drain.Drainer
	Registry       *clusterregistry.Registry
	Notifier       notify.Sink
	ClusterMetrics *clustermetrics.Metrics
	Clock          clock.PassiveClock
	Log            logr.Logger
	Config         config.Config
}

func New(
	store *clusterstate.Store,
	metricsSource *metricssource.Adapter,
	engine *decision.Engine,
	provisioner *provisioning.Provisioner,
	drainer *drain.Drainer,
	registry *clusterregistry.Registry,
	notifier notify.Sink,
	clusterMetrics *clustermetrics.Metrics,
	cfg config.Config,
	log logr.Logger,
) *Reconciler {
	return &Reconciler{
		Store: store, MetricsSource: metricsSource, Engine: engine, Provisioner: provisioner,
		Drainer: drainer, Registry: registry, Notifier: notifier, ClusterMetrics: clusterMetrics,
		Clock: clock.RealClock{}, Log: log, Config: cfg,
	}
}

// Tick runs one reconciliation attempt (spec §4.1 algorithm, steps 1-7).
// It returns nil both when work was performed and when the tick legitimately
// did nothing (lock contended); it returns an error only for failures that
// left no consequential state change and should be surfaced to the caller's
// own health/alerting.
func (r *Reconciler) Tick(ctx context.Context) error {
	start := r.Clock.Now()
	ctx, cancel := context.WithTimeout(ctx, r.Config.TickDeadline)
	defer cancel()

	holderID := clusterstate.NewHolderID()
	ctx = injection.WithClusterID(ctx, r.Config.ClusterID)
	ctx = injection.WithHolderID(ctx, holderID)
	log := r.Log.WithValues("clusterId", r.Config.ClusterID, "holderId", holderID)

	// Read the record first so, once the lock acquire below succeeds, we
	// can tell whether we recovered it from an expired prior holder (a
	// conditional UpdateItem only touches the lock attributes, so reading
	// first is the cheapest way to see what was there before we
	// overwrote it).
	prevState, exists, err := r.Store.Get(ctx, r.Config.ClusterID)
	if err != nil {
		r.recordOutcome("error")
		return fmt.Errorf("reading cluster state: %w", err)
	}
	if !exists {
		prevState = clusterstate.ClusterState{ClusterID: r.Config.ClusterID, DesiredWorkerCount: r.Config.MinWorkers}
		if err := r.Store.Put(ctx, prevState); err != nil {
			log.Error(err, "seeding initial cluster state")
		}
	}
	lockJustRecoveredFromExpiry := prevState.Lock != nil

	// Step 1: acquire the distributed lock.
	acquired, err := r.Store.TryAcquireLock(ctx, r.Config.ClusterID, holderID, start, r.Config.LockTTL)
	if err != nil {
		r.recordOutcome("error")
		return fmt.Errorf("acquiring lock: %w", err)
	}
	if !acquired {
		r.ClusterMetrics.LockContentionTotal.WithLabelValues(r.Config.ClusterID).Inc()
		return nil
	}

	state := prevState.DeepCopy()
	state.Lock = &clusterstate.Lock{HolderID: holderID, AcquiredAt: start, ExpiresAt: start.Add(r.Config.LockTTL)}

	outcome, tickErr := r.runLocked(ctx, log, state, lockJustRecoveredFromExpiry, start)
	r.recordOutcome(outcome)
	r.ClusterMetrics.ObserveTick(r.Config.ClusterID, r.Clock.Now().Sub(start))
	return tickErr
}

// dispatchResult is what step 5 (dispatch) hands back to the writer/notifier
// tail of runLocked, regardless of which branch fired.
type dispatchResult struct {
	kind   clusterstate.ActionKind
	reason clusterstate.Reason
}

// runLocked performs steps 2-7 of §4.1 now that the lock is held. It
// returns an outcome label for metrics and an error only when the tick
// could not complete (in which case the lock is deliberately left to
// expire per §4.1's failure semantics, rather than released here).
func (r *Reconciler) runLocked(ctx context.Context, log logr.Logger, state clusterstate.ClusterState, lockJustRecoveredFromExpiry bool, now time.Time) (string, error) {
	// Step 2: self-heal against observed truth.
	inventory, err := r.Provisioner.Inventory(ctx)
	if err != nil {
		log.Error(err, "querying provider inventory")
		return "error", fmt.Errorf("querying inventory: %w", err)
	}
	observedCount := len(inventory)
	if observedCount != state.DesiredWorkerCount {
		log.Info("correcting desired worker count to observed truth", "desired", state.DesiredWorkerCount, "observed", observedCount)
		state.DesiredWorkerCount = observedCount
	}

	evidence, err := r.partialWorkEvidence(ctx, lockJustRecoveredFromExpiry, inventory, now)
	if err != nil {
		log.Error(err, "evaluating in-progress guard evidence")
	}

	// Step 3: sample metrics and append to history.
	sample, err := r.MetricsSource.Sample(ctx, now, r.Config.MetricsQueryDeadline)
	if err != nil {
		r.ClusterMetrics.MetricsUnavailableTotal.WithLabelValues(r.Config.ClusterID).Inc()
		r.notifyBestEffort(ctx, notify.Event{ClusterID: r.Config.ClusterID, Kind: decision.Noop, Reason: string(clusterstate.ReasonMetricsUnavailable)})
		return "metrics_unavailable", errs.New(errs.MetricsUnavailable, err)
	}
	state.AppendSample(sample, r.Config.HistorySize)

	// Step 4: decide.
	intent := r.Engine.Decide(ctx, r.Config, state, sample, state.History, now, evidence)

	// Step 5: dispatch.
	beforeCount := observedCount
	zoneBreakdown := zoneCounts(inventory)
	marketBreakdown := marketCounts(inventory)

	var result dispatchResult
	switch intent.Action {
	case decision.Up:
		result = r.dispatchUp(ctx, log, &state, intent, inventory)
	case decision.Down:
		result = r.dispatchDown(ctx, log, &state, intent, inventory)
	default:
		result = dispatchResult{kind: clusterstate.ActionNoop, reason: intent.Reason}
	}
	state.LastAction = clusterstate.LastAction{Kind: result.kind, At: now, Reason: result.reason}
	if final, err := r.Provisioner.Inventory(ctx); err == nil {
		zoneBreakdown = zoneCounts(final)
		marketBreakdown = marketCounts(final)
	}
	r.recordAction(result)
	r.ClusterMetrics.WorkerCount.WithLabelValues(r.Config.ClusterID).Set(float64(state.DesiredWorkerCount))

	// Best-effort historical append for the predictive engine (§4.1 step 6).
	if err := r.Store.AppendHistory(ctx, clusterstate.HistoricalMetric{
		Timestamp: now, ClusterID: r.Config.ClusterID, HourOfDay: now.Hour(), DayOfWeek: now.Weekday(),
		CPUPct: sample.CPUPct, PendingPods: sample.PendingPods,
	}); err != nil {
		log.Error(err, "appending historical metric")
	}

	// Step 6: the single atomic consequential write.
	if err := r.Store.UpdateUnderLock(ctx, state.Lock.HolderID, state); err != nil {
		log.Error(err, "writing cluster state; lock left to expire")
		return "error", fmt.Errorf("writing cluster state: %w", err)
	}

	// Step 7: release the lock and notify.
	if err := r.Store.ReleaseLock(ctx, r.Config.ClusterID, state.Lock.HolderID); err != nil {
		log.Error(err, "releasing lock")
	}
	r.notifyBestEffort(ctx, notify.Event{
		ClusterID: r.Config.ClusterID, Kind: actionToIntentKind(result.kind), Magnitude: intent.Magnitude,
		Reason: string(result.reason), BeforeCount: beforeCount, AfterCount: state.DesiredWorkerCount,
		ZoneBreakdown: zoneBreakdown, MarketBreakdown: marketBreakdown, DurationMS: r.Clock.Now().Sub(now).Milliseconds(),
	})

	return outcomeFor(result), nil
}

func (r *Reconciler) dispatchUp(ctx context.Context, log logr.Logger, state *clusterstate.ClusterState, intent decision.Intent, inventory []provisioning.WorkerInstance) dispatchResult {
	result, err := r.Provisioner.Add(ctx, intent.Magnitude, intent.Urgency)
	state.DesiredWorkerCount = len(inventory) + len(result.Joined)
	state.CooldownUpUntil = r.Clock.Now().Add(r.Config.CooldownUp)
	reason := intent.Reason
	if err != nil {
		log.Error(err, "scale-up encountered a failure", "launched", len(result.Launched), "joined", len(result.Joined), "failed", len(result.Failed))
		if errs.Is(err, errs.QuotaExceeded) {
			reason = clusterstate.ReasonQuotaExceeded
		}
	}
	return dispatchResult{kind: clusterstate.ActionUp, reason: reason}
}

func (r *Reconciler) dispatchDown(ctx context.Context, log logr.Logger, state *clusterstate.ClusterState, intent decision.Intent, inventory []provisioning.WorkerInstance) dispatchResult {
	victims, err := r.buildVictims(ctx, inventory, intent.Magnitude)
	if err != nil {
		log.Error(err, "building victim candidates")
		return dispatchResult{kind: clusterstate.ActionNoop, reason: clusterstate.ReasonDrainTimeout}
	}
	if len(victims) == 0 {
		return dispatchResult{kind: clusterstate.ActionNoop, reason: intent.Reason}
	}
	outcomes := r.Drainer.Remove(ctx, victims)
	removed := 0
	for _, o := range outcomes {
		if o.Removed {
			removed++
		} else {
			r.ClusterMetrics.DrainTimeoutTotal.WithLabelValues(r.Config.ClusterID).Inc()
			log.Info("drain aborted", "instanceId", o.InstanceID, "nodeName", o.NodeName, "reason", o.Reason)
		}
	}
	state.DesiredWorkerCount = len(inventory) - removed
	if removed == 0 {
		// Spec §8 scenario 6: a fully-failed drain records as noop with
		// DrainTimeout, and cooldown_down is left untouched since no action
		// actually occurred.
		return dispatchResult{kind: clusterstate.ActionNoop, reason: clusterstate.ReasonDrainTimeout}
	}
	state.CooldownDownUntil = r.Clock.Now().Add(r.Config.CooldownDown)
	return dispatchResult{kind: clusterstate.ActionDown, reason: intent.Reason}
}

// buildVictims correlates provider inventory to registered nodes and their
// pods, then runs the pure SelectVictims ranking (spec §4.6 rules 1-5).
func (r *Reconciler) buildVictims(ctx context.Context, inventory []provisioning.WorkerInstance, k int) ([]drain.Victim, error) {
	nodes, err := r.Registry.ListWorkerNodes(ctx, r.Config.ClusterID)
	if err != nil {
		return nil, err
	}
	zones := zoneCounts(inventory)
	now := r.Clock.Now()

	var candidates []drain.Victim
	for _, w := range inventory {
		node, ok := matchingNode(nodes, w.InstanceID)
		if !ok {
			continue
		}
		pods, err := r.Registry.ListPodsOnNode(ctx, node.Name)
		if err != nil {
			return nil, err
		}
		v := drain.Victim{Instance: w, NodeName: node.Name, Zone: w.Zone, IdleFor: now.Sub(w.LaunchTime)}
		var namespaces []string
		for _, p := range pods {
			if isSystemPod(p) {
				continue
			}
			v.NonSystemPodCount++
			namespaces = append(namespaces, p.Namespace)
			if clusterregistry.PodBlocksRemoval(p) {
				v.HasUnsafeSingleton = true
			}
		}
		if blocked, err := r.Registry.DisruptionBudgetsBlock(ctx, namespaces); err == nil {
			v.ViolatesDisruptionBudget = blocked
		}
		candidates = append(candidates, v)
	}
	return drain.SelectVictims(candidates, zones, k), nil
}

func matchingNode(nodes []corev1.Node, instanceID string) (corev1.Node, bool) {
	for _, n := range nodes {
		if n.Spec.ProviderID != "" && provisioning.ProviderIDMatches(n.Spec.ProviderID, instanceID) {
			return n, true
		}
	}
	return corev1.Node{}, false
}

// isSystemPod excludes daemonset-owned and kube-system pods from a node's
// evictable-workload count, matching the Drainer's own daemonset exclusion
// (spec §4.6 rule 2: "non-system pods").
func isSystemPod(p corev1.Pod) bool {
	if p.Namespace == "kube-system" {
		return true
	}
	for _, ref := range p.OwnerReferences {
		if ref.Kind == "DaemonSet" {
			return true
		}
	}
	return false
}

// partialWorkEvidence evaluates spec §4.4 rule 3's guard inputs, only when
// this invocation recovered the lock from an expired prior holder — an
// uncontended fresh acquire never needs this check (§9 "Ownership of
// worker inventory").
func (r *Reconciler) partialWorkEvidence(ctx context.Context, lockJustRecoveredFromExpiry bool, inventory []provisioning.WorkerInstance, now time.Time) (decision.PartialWorkEvidence, error) {
	evidence := decision.PartialWorkEvidence{LockJustRecoveredFromExpiry: lockJustRecoveredFromExpiry}
	if !lockJustRecoveredFromExpiry {
		return evidence, nil
	}
	nodes, err := r.Registry.ListWorkerNodes(ctx, r.Config.ClusterID)
	if err != nil {
		return evidence, err
	}
	for _, n := range nodes {
		if !clusterregistry.NodeReady(n) && now.Sub(n.CreationTimestamp.Time) > r.Config.JoinDeadline {
			evidence.NodesStuckNotReady = true
		}
	}
	for _, w := range inventory {
		if _, ok := matchingNode(nodes, w.InstanceID); !ok && now.Sub(w.LaunchTime) > r.Config.JoinDeadline {
			evidence.UntaggedPendingInstances = true
		}
	}
	return evidence, nil
}

func (r *Reconciler) notifyBestEffort(ctx context.Context, e notify.Event) {
	if r.Notifier == nil {
		return
	}
	if err := r.Notifier.Notify(ctx, e); err != nil {
		r.Log.Error(err, "delivering notification", "clusterId", e.ClusterID)
	}
}

func (r *Reconciler) recordOutcome(outcome string) {
	r.ClusterMetrics.TicksTotal.WithLabelValues(r.Config.ClusterID, outcome).Inc()
}

// recordAction increments the per-action counter alongside the generic
// outcome counter, so an operator can graph scale-up/scale-down volume by
// reason without deriving it from the tick-outcome label.
func (r *Reconciler) recordAction(result dispatchResult) {
	switch result.kind {
	case clusterstate.ActionUp:
		r.ClusterMetrics.ScaleUpTotal.WithLabelValues(r.Config.ClusterID, string(result.reason)).Inc()
	case clusterstate.ActionDown:
		r.ClusterMetrics.ScaleDownTotal.WithLabelValues(r.Config.ClusterID, string(result.reason)).Inc()
	default:
		r.ClusterMetrics.NoopTotal.WithLabelValues(r.Config.ClusterID, string(result.reason)).Inc()
	}
}

func outcomeFor(result dispatchResult) string {
	switch result.kind {
	case clusterstate.ActionUp:
		return "scale_up"
	case clusterstate.ActionDown:
		return "scale_down"
	default:
		return "noop"
	}
}

func actionToIntentKind(kind clusterstate.ActionKind) decision.Action {
	switch kind {
	case clusterstate.ActionUp:
		return decision.Up
	case clusterstate.ActionDown:
		return decision.Down
	default:
		return decision.Noop
	}
}

func zoneCounts(inventory []provisioning.WorkerInstance) map[string]int {
	counts := map[string]int{}
	for _, w := range inventory {
		counts[w.Zone]++
	}
	return counts
}

func marketCounts(inventory []provisioning.WorkerInstance) map[string]int {
	counts := map[string]int{}
	for _, w := range inventory {
		counts[string(w.Market)]++
	}
	return counts
}
