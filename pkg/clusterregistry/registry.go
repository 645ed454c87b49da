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

// Package clusterregistry wraps the typed client-go interface over the
// cluster's node objects (spec §6 "Cluster registry"): list, cordon,
// uncordon, evict-pods-on-node, delete-node. Both the Provisioner
// (join-wait) and the Drainer consume it.
package clusterregistry

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/cluster-autoscaler/autoscaler/pkg/errs"
)

// ClusterIDLabel is the label every worker node carries, matching the
// provider-side WorkerInstance tag (spec I5 "tag truth").
const ClusterIDLabel = "cluster-autoscaler.io/cluster-id"

// Registry is the typed client-go wrapper used for node-registry
// operations. Grounded on the teacher's SubResource("eviction").Create
// pattern in eviction.go, translated to the typed PolicyV1Interface since
// this module drops controller-runtime's generic client.
type Registry struct {
	client kubernetes.Interface
}

func NewRegistry(client kubernetes.Interface) *Registry {
	return &Registry{client: client}
}

// ListWorkerNodes returns every node tagged with clusterID.
func (r *Registry) ListWorkerNodes(ctx context.Context, clusterID string) ([]corev1.Node, error) {
	list, err := r.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", ClusterIDLabel, clusterID),
	})
	if err != nil {
		return nil, errs.New(errs.TransportError, fmt.Errorf("listing worker nodes: %w", err))
	}
	return list.Items, nil
}

// NodeReady reports whether a node's Ready condition is True.
func NodeReady(node corev1.Node) bool {
	for _, cond := range node.Status.Conditions {
		if cond.Type == corev1.NodeReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

func (r *Registry) Cordon(ctx context.Context, nodeName string) error {
	return r.setUnschedulable(ctx, nodeName, true)
}

func (r *Registry) Uncordon(ctx context.Context, nodeName string) error {
	return r.setUnschedulable(ctx, nodeName, false)
}

func (r *Registry) setUnschedulable(ctx context.Context, nodeName string, unschedulable bool) error {
	node, err := r.client.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return errs.New(errs.TransportError, fmt.Errorf("getting node %s: %w", nodeName, err))
	}
	if node.Spec.Unschedulable == unschedulable {
		return nil
	}
	node.Spec.Unschedulable = unschedulable
	if _, err := r.client.CoreV1().Nodes().Update(ctx, node, metav1.UpdateOptions{}); err != nil {
		return errs.New(errs.TransportError, fmt.Errorf("updating node %s: %w", nodeName, err))
	}
	return nil
}

// ListPodsOnNode returns every pod scheduled to nodeName.
func (r *Registry) ListPodsOnNode(ctx context.Context, nodeName string) ([]corev1.Pod, error) {
	list, err := r.client.CoreV1().Pods(corev1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: fmt.Sprintf("spec.nodeName=%s", nodeName),
	})
	if err != nil {
		return nil, errs.New(errs.TransportError, fmt.Errorf("listing pods on node %s: %w", nodeName, err))
	}
	// Filter client-side as well, for clients that do not honour field selectors.
	pods := make([]corev1.Pod, 0, len(list.Items))
	for _, p := range list.Items {
		if p.Spec.NodeName == nodeName {
			pods = append(pods, p)
		}
	}
	return pods, nil
}

// Evict requests eviction of one pod via the eviction subresource,
// matching the teacher's SubResource("eviction").Create call translated to
// the typed PolicyV1Interface. A 404 is treated as already-gone success; a
// 429 indicates a PodDisruptionBudget violation.
func (r *Registry) Evict(ctx context.Context, namespace, name string) error {
	err := r.client.PolicyV1().Evictions(namespace).Evict(ctx, &policyv1.Eviction{
		ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: name},
	})
	if err == nil {
		return nil
	}
	if apierrors.IsNotFound(err) {
		return nil
	}
	if apierrors.IsTooManyRequests(err) {
		return errs.New(errs.DrainTimeout, fmt.Errorf("evicting %s/%s violates a disruption budget: %w", namespace, name, err))
	}
	return errs.New(errs.TransportError, fmt.Errorf("evicting %s/%s: %w", namespace, name, err))
}

// DeleteNode removes the node object from the cluster registry, the final
// step of a successful drain.
func (r *Registry) DeleteNode(ctx context.Context, nodeName string) error {
	err := r.client.CoreV1().Nodes().Delete(ctx, nodeName, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return errs.New(errs.TransportError, fmt.Errorf("deleting node %s: %w", nodeName, err))
	}
	return nil
}

// SafeToEvictAnnotation follows the upstream cluster-autoscaler convention:
// a pod carrying this annotation set to "false" is a singleton workload
// with no ready replica elsewhere, and blocks selection as a victim (spec
// §4.6 victim-selection rule 3).
const SafeToEvictAnnotation = "cluster-autoscaler.kubernetes.io/safe-to-evict"

// PodBlocksRemoval reports whether p's safe-to-evict annotation forbids
// draining the node it sits on.
func PodBlocksRemoval(p corev1.Pod) bool {
	return p.Annotations[SafeToEvictAnnotation] == "false"
}

// DisruptionBudgetsBlock reports whether any PodDisruptionBudget covering
// the namespaces of pods on a candidate node currently allows zero
// disruptions, a proxy for spec §4.6 rule 4 ("removal would violate any
// declared disruption budget") cheap enough to evaluate before attempting
// eviction.
func (r *Registry) DisruptionBudgetsBlock(ctx context.Context, namespaces []string) (bool, error) {
	seen := map[string]bool{}
	for _, ns := range namespaces {
		if seen[ns] {
			continue
		}
		seen[ns] = true
		list, err := r.client.PolicyV1().PodDisruptionBudgets(ns).List(ctx, metav1.ListOptions{})
		if err != nil {
			return false, errs.New(errs.TransportError, fmt.Errorf("listing disruption budgets in %s: %w", ns, err))
		}
		for _, pdb := range list.Items {
			if pdb.Status.DisruptionsAllowed <= 0 {
				return true, nil
			}
		}
	}
	return false, nil
}
