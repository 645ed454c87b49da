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

// Package drain implements the Drainer (spec §4.6): victim selection and
// the synchronous cordon/evict/verify/terminate protocol per instance.
package drain

import (
	"context"
	"fmt"
	"sort"
	"time"

	corev1 "k8s.io/api/core/v1"

	"github.com/cluster-autoscaler/autoscaler/pkg/clusterregistry"
	"github.com/cluster-autoscaler/autoscaler/pkg/errs"
	"github.com/cluster-autoscaler/autoscaler/pkg/provisioning"
)

// Terminator is the compute-provider capability the Drainer needs after a
// successful drain: destroy the underlying instance.
type Terminator interface {
	TerminateWorker(ctx context.Context, instanceID string) error
}

// Drainer is the spec §4.6 component. Grounded directly on the teacher's
// eviction.go Queue.Evict, adapted from an async rate-limited queue to the
// synchronous per-victim protocol the spec requires (cordon, evict with a
// bounded deadline, verify-or-abort, terminate).
type Drainer struct {
	registry     *clusterregistry.Registry
	terminator   Terminator
	drainTimeout time.Duration
}

func NewDrainer(registry *clusterregistry.Registry, terminator Terminator, drainTimeout time.Duration) *Drainer {
	return &Drainer{registry: registry, terminator: terminator, drainTimeout: drainTimeout}
}

// Outcome is the per-victim result of Remove.
type Outcome struct {
	InstanceID string
	NodeName   string
	Removed    bool
	Reason     error // non-nil (errs.DrainTimeout) when Removed is false
}

// Victim is a candidate for removal, already carrying the pod list needed
// for selection (spec §4.6 victim-selection rules 2-4).
type Victim struct {
	Instance provisioning.WorkerInstance
	NodeName string
	Zone     string
	IdleFor  time.Duration
	// NonSystemPodCount excludes daemonset/system-namespace pods.
	NonSystemPodCount int
	// HasUnsafeSingleton is true if this node hosts a pod belonging to a
	// singleton workload with no ready replica elsewhere (rule 3).
	HasUnsafeSingleton bool
	// ViolatesDisruptionBudget is true if removing this node would violate
	// a declared disruption budget (rule 4).
	ViolatesDisruptionBudget bool
}

// SelectVictims implements the §4.6 priority ordering: prefer workers in
// the zone with the most workers (I6 AZ floor), then fewest non-system
// pods, excluding unsafe singletons and disruption-budget violations, tied
// by longest idle time then instance id.
func SelectVictims(candidates []Victim, zoneCounts map[string]int, k int) []Victim {
	eligible := make([]Victim, 0, len(candidates))
	for _, v := range candidates {
		if v.HasUnsafeSingleton || v.ViolatesDisruptionBudget {
			continue
		}
		eligible = append(eligible, v)
	}
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if zoneCounts[a.Zone] != zoneCounts[b.Zone] {
			return zoneCounts[a.Zone] > zoneCounts[b.Zone]
		}
		if a.NonSystemPodCount != b.NonSystemPodCount {
			return a.NonSystemPodCount < b.NonSystemPodCount
		}
		if a.IdleFor != b.IdleFor {
			return a.IdleFor > b.IdleFor
		}
		return a.Instance.InstanceID < b.Instance.InstanceID
	})
	if len(eligible) > k {
		eligible = eligible[:k]
	}
	return eligible
}

// Remove drains and terminates each victim in sequence (spec §4.6: "Drain
// is never retried within the same tick"; failures are per-victim, not
// fatal to the tick).
func (d *Drainer) Remove(ctx context.Context, victims []Victim) []Outcome {
	outcomes := make([]Outcome, 0, len(victims))
	for _, v := range victims {
		outcomes = append(outcomes, d.removeOne(ctx, v))
	}
	return outcomes
}

func (d *Drainer) removeOne(ctx context.Context, v Victim) Outcome {
	outcome := Outcome{InstanceID: v.Instance.InstanceID, NodeName: v.NodeName}

	if err := d.registry.Cordon(ctx, v.NodeName); err != nil {
		outcome.Reason = err
		return outcome
	}

	deadline, cancel := context.WithTimeout(ctx, d.drainTimeout)
	defer cancel()
	if err := d.evictAll(deadline, v.NodeName); err != nil {
		// Verify/abort: uncordon and leave the instance running.
		_ = d.registry.Uncordon(ctx, v.NodeName)
		outcome.Reason = errs.New(errs.DrainTimeout, err)
		return outcome
	}

	if err := d.terminator.TerminateWorker(ctx, v.Instance.InstanceID); err != nil {
		outcome.Reason = err
		return outcome
	}
	if err := d.registry.DeleteNode(ctx, v.NodeName); err != nil {
		outcome.Reason = err
		return outcome
	}
	outcome.Removed = true
	return outcome
}

// evictAll evicts every non-daemonset pod on the node, polling until none
// remain or the deadline (ctx's own deadline) elapses.
func (d *Drainer) evictAll(ctx context.Context, nodeName string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		pods, err := d.registry.ListPodsOnNode(ctx, nodeName)
		if err != nil {
			return err
		}
		remaining := evictablePods(pods)
		if len(remaining) == 0 {
			return nil
		}
		for _, p := range remaining {
			_ = d.registry.Evict(ctx, p.Namespace, p.Name)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain timed out with %d pod(s) still present on %s", len(remaining), nodeName)
		case <-ticker.C:
		}
	}
}

// evictablePods filters out daemonset-owned and mirror pods, which never
// block a drain (spec §4.6 step 3: "if any non-daemon pod remains").
func evictablePods(pods []corev1.Pod) []corev1.Pod {
	var out []corev1.Pod
	for _, p := range pods {
		if isDaemonSetPod(p) {
			continue
		}
		if p.Status.Phase == corev1.PodSucceeded || p.Status.Phase == corev1.PodFailed {
			continue
		}
		out = append(out, p)
	}
	return out
}

func isDaemonSetPod(p corev1.Pod) bool {
	for _, ref := range p.OwnerReferences {
		if ref.Kind == "DaemonSet" {
			return true
		}
	}
	return false
}
