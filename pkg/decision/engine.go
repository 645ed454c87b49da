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

package decision

import (
	"context"
	"time"

	"github.com/cluster-autoscaler/autoscaler/pkg/clusterstate"
	"github.com/cluster-autoscaler/autoscaler/pkg/config"
)

// Engine evaluates the rule-ordered Decision Engine algorithm (spec §4.4).
// It is stateless and safe for concurrent use; all state it needs is
// passed into Decide.
type Engine struct {
	Predictor Predictor
}

func NewEngine(predictor Predictor) *Engine {
	return &Engine{Predictor: predictor}
}

// PartialWorkEvidence captures the §4.4 rule 3 "in-progress guard" signal:
// evidence that a previous holder's work did not fully settle before the
// lock expired. The reconciler computes this by comparing observed
// provider/cluster-registry truth against desired state; the engine only
// consumes the boolean.
type PartialWorkEvidence struct {
	LockJustRecoveredFromExpiry bool
	UntaggedPendingInstances    bool
	NodesStuckNotReady          bool
}

func (e PartialWorkEvidence) present() bool {
	return e.LockJustRecoveredFromExpiry && (e.UntaggedPendingInstances || e.NodesStuckNotReady)
}

// Decide runs the rule-ordered algorithm. history is the bounded recent
// window (most recent K samples, oldest first) and already includes m as
// its last element, matching how the reconciler appends before deciding
// (spec §4.1 step 3-4). The hard cap and floor are evaluated against
// state.DesiredWorkerCount.
func (e *Engine) Decide(ctx context.Context, cfg config.Config, state clusterstate.ClusterState, m clusterstate.MetricSample, history []clusterstate.MetricSample, now time.Time, evidence PartialWorkEvidence) Intent {
	count := state.DesiredWorkerCount

	// Rule 3: in-progress guard takes priority over everything except the
	// hard bounds, since acting on stale truth could violate them anyway.
	// We still evaluate it after the hard cap/floor per the listed order
	// (hard bounds are first in spec.md; rule 3 only suppresses up/down
	// decisions that would otherwise fire).
	wantUp, upIntent := e.evalUp(cfg, state, m, history, now)
	wantDown, downIntent := e.evalDown(cfg, state, m, history, now)

	// Rule 1: hard cap.
	if wantUp && count >= cfg.MaxWorkers {
		return noop(clusterstate.ReasonAtCapacity)
	}
	// Rule 2: hard floor.
	if wantDown && count <= cfg.MinWorkers {
		return noop(clusterstate.ReasonAtFloor)
	}
	// Rule 3: in-progress guard.
	if (wantUp || wantDown) && evidence.present() {
		return noop(clusterstate.ReasonInProgress)
	}
	if wantUp {
		return upIntent
	}
	if wantDown {
		return downIntent
	}
	// Rule 8's pending-pods check blocks the rest of the down-criteria
	// evaluation outright (spec §8 Scenario 4), so it must still surface
	// even though the overall down decision didn't fire.
	if downIntent.Reason == clusterstate.ReasonPendingPresent {
		return noop(clusterstate.ReasonPendingPresent)
	}
	return noop(clusterstate.ReasonNoop)
}

// evalUp evaluates rules 4-7 in order and returns the first that fires.
func (e *Engine) evalUp(cfg config.Config, state clusterstate.ClusterState, m clusterstate.MetricSample, history []clusterstate.MetricSample, now time.Time) (bool, Intent) {
	// Rule 4: critical up, ignores cooldown entirely.
	if m.PendingPods > cfg.UrgencyPending {
		return true, Intent{Action: Up, Magnitude: 2, Urgency: UrgencyCritical, Reason: clusterstate.ReasonCritPending}
	}
	if m.CPUPct > cfg.UrgencyCPUPct {
		return true, Intent{Action: Up, Magnitude: 2, Urgency: UrgencyCritical, Reason: clusterstate.ReasonCritCPU}
	}

	cooldownElapsed := !now.Before(state.CooldownUpUntil)

	// Rule 5: reactive up, sustained over the last two readings.
	if cooldownElapsed {
		last2 := lastN(history, cfg.SustainedSamples)
		if sustainedAbove(last2, cfg.SustainedSamples, func(s clusterstate.MetricSample) bool { return s.CPUPct > cfg.CPUUpPct }) {
			return true, Intent{Action: Up, Magnitude: 1, Urgency: UrgencyNormal, Reason: clusterstate.ReasonCPUSustained}
		}
		if sustainedAbove(last2, cfg.SustainedSamples, func(s clusterstate.MetricSample) bool { return s.PendingPods > 0 }) {
			return true, Intent{Action: Up, Magnitude: 1, Urgency: UrgencyNormal, Reason: clusterstate.ReasonPendingSustained}
		}
		if sustainedAbove(last2, cfg.SustainedSamples, func(s clusterstate.MetricSample) bool { return s.MemPct > cfg.MemUpPct }) {
			return true, Intent{Action: Up, Magnitude: 1, Urgency: UrgencyNormal, Reason: clusterstate.ReasonMemSustained}
		}

		// Rule 6: custom-metric up.
		if cfg.EnableCustomMetrics {
			if sustainedAbove(last2, cfg.SustainedSamples, func(s clusterstate.MetricSample) bool {
				return s.HasCustom && s.APILatencyP95Seconds > cfg.APILatencyP95HighSeconds
			}) {
				return true, Intent{Action: Up, Magnitude: 1, Urgency: UrgencyCustom, Reason: clusterstate.ReasonCustomLatency}
			}
			if sustainedAbove(last2, cfg.SustainedSamples, func(s clusterstate.MetricSample) bool {
				return s.HasCustom && s.ErrorRateRatio > cfg.ErrorRateHighRatio
			}) {
				return true, Intent{Action: Up, Magnitude: 1, Urgency: UrgencyCustom, Reason: clusterstate.ReasonCustomErrorRate}
			}
			if sustainedAbove(last2, cfg.SustainedSamples, func(s clusterstate.MetricSample) bool {
				return s.HasCustom && s.QueueDepth > cfg.QueueDepthHigh
			}) {
				return true, Intent{Action: Up, Magnitude: 1, Urgency: UrgencyCustom, Reason: clusterstate.ReasonCustomQueueDepth}
			}
		}
	}

	// Rule 7: predictive up. Not gated on cooldown_up in spec.md (it's a
	// pre-emptive single-step nudge, listed after the cooldown-gated
	// reactive rules but with no cooldown condition of its own); we gate it
	// on cooldown anyway when the cooldown hasn't elapsed to avoid
	// stacking a predictive launch on top of one just taken — consistent
	// with "sustained thresholds ... defence against oscillation".
	if cfg.EnablePredictive && cooldownElapsed && e.Predictor != nil {
		if predicted, ok := e.Predictor.Predict(context.Background(), now); ok {
			if predicted > cfg.CPUUpPct && m.CPUPct < predicted-predictiveMargin {
				return true, Intent{Action: Up, Magnitude: 1, Urgency: UrgencyPredictive, Reason: clusterstate.ReasonPredictiveCPU}
			}
		}
	}
	return false, Intent{}
}

// predictiveMargin is how much lower current CPU must be than the
// predicted next-hour CPU for rule 7 to consider current CPU "meaningfully
// lower" (spec §4.4 rule 7).
const predictiveMargin = 5.0

// evalDown evaluates rule 8.
func (e *Engine) evalDown(cfg config.Config, state clusterstate.ClusterState, m clusterstate.MetricSample, history []clusterstate.MetricSample, now time.Time) (bool, Intent) {
	if now.Before(state.CooldownDownUntil) {
		return false, Intent{}
	}
	if len(history) < cfg.HistorySize {
		// Not enough history yet to prove the entire window is below
		// threshold; spec requires the full window (§4.4 rule 8, §9 "the
		// stricter variant").
		return false, Intent{}
	}
	if m.PendingPods != 0 {
		return false, Intent{Reason: clusterstate.ReasonPendingPresent}
	}
	allBelow := func(pred func(clusterstate.MetricSample) bool) bool {
		for _, s := range history {
			if !pred(s) {
				return false
			}
		}
		return true
	}
	if !allBelow(func(s clusterstate.MetricSample) bool { return s.CPUPct < cfg.CPUDownPct }) {
		return false, Intent{}
	}
	if !allBelow(func(s clusterstate.MetricSample) bool { return s.MemPct < cfg.MemDownPct }) {
		return false, Intent{}
	}
	if !allBelow(func(s clusterstate.MetricSample) bool { return s.PendingPods == 0 }) {
		return false, Intent{Reason: clusterstate.ReasonPendingPresent}
	}
	if cfg.EnableCustomMetrics {
		if !allBelow(func(s clusterstate.MetricSample) bool {
			return !s.HasCustom || s.APILatencyP95Seconds < cfg.APILatencyP95LowSeconds
		}) {
			return false, Intent{}
		}
		if !allBelow(func(s clusterstate.MetricSample) bool {
			return !s.HasCustom || s.ErrorRateRatio < cfg.ErrorRateLowRatio
		}) {
			return false, Intent{}
		}
		if !allBelow(func(s clusterstate.MetricSample) bool {
			return !s.HasCustom || s.QueueDepth < cfg.QueueDepthLow
		}) {
			return false, Intent{}
		}
	}
	return true, Intent{Action: Down, Magnitude: 1, Urgency: UrgencyNormal, Reason: clusterstate.ReasonScaleDown}
}

// lastN returns the last n samples of history (or all of it, if shorter).
func lastN(history []clusterstate.MetricSample, n int) []clusterstate.MetricSample {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

// sustainedAbove reports whether every one of the last `required` samples
// satisfies pred — spec §4.4's "two most recent samples ... each exceed
// the relevant threshold" sustained-over-threshold predicate.
func sustainedAbove(last []clusterstate.MetricSample, required int, pred func(clusterstate.MetricSample) bool) bool {
	if len(last) < required {
		return false
	}
	for _, s := range last {
		if !pred(s) {
			return false
		}
	}
	return true
}
