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

// Package provisioning implements the Provisioner (spec §4.5): turns a
// "scale up by N" intent into instances joining the cluster, honouring the
// configured spot/on-demand mix and zone balance.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"golang.org/x/time/rate"
	"k8s.io/client-go/util/workqueue"

	"github.com/cluster-autoscaler/autoscaler/pkg/clusterregistry"
	"github.com/cluster-autoscaler/autoscaler/pkg/decision"
	"github.com/cluster-autoscaler/autoscaler/pkg/errs"
)

// Provisioner is the spec §4.5 component. Grounded on the teacher's
// Provisioner type and its LaunchMachines parallel-launch shape in
// pkg/controllers/provisioning/provisioner.go, generalized from a
// bin-packing scheduler onto the much simpler "launch N homogeneous
// workers, spread across zones and spot/on-demand" algorithm this spec
// calls for.
type Provisioner struct {
	ec2              EC2Client
	registry         *clusterregistry.Registry
	clusterID        string
	launchTemplateID string
	zones            []string
	spotPercentage   int
	joinDeadline     time.Duration
	pollInterval     time.Duration
	log              logr.Logger
	// limiter throttles EC2 RunInstances/TerminateInstances calls across
	// every tick, not just within a single Add/Remove batch — the same
	// concern the teacher's machine controllers address by wrapping their
	// workqueue in a rate.NewLimiter(rate.Limit(10), 100) BucketRateLimiter,
	// adapted here to gate direct SDK calls instead of a workqueue requeue.
	limiter *rate.Limiter
}

func NewProvisioner(ec2Client EC2Client, registry *clusterregistry.Registry, clusterID, launchTemplateID string, zones []string, spotPercentage int, joinDeadline time.Duration, log logr.Logger) *Provisioner {
	return &Provisioner{
		ec2: ec2Client, registry: registry, clusterID: clusterID, launchTemplateID: launchTemplateID,
		zones: zones, spotPercentage: spotPercentage, joinDeadline: joinDeadline, pollInterval: 5 * time.Second, log: log,
		limiter: rate.NewLimiter(rate.Limit(10), 100),
	}
}

// WithPollInterval overrides the join-wait poll interval (default 5s);
// exposed for tests that need a fast-settling join wait.
func (p *Provisioner) WithPollInterval(d time.Duration) *Provisioner {
	p.pollInterval = d
	return p
}

// Inventory lists existing workers filtered by the cluster_id tag, per
// spec §4.5 step 1.
func (p *Provisioner) Inventory(ctx context.Context) ([]WorkerInstance, error) {
	out, err := p.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:" + TagClusterID), Values: []string{p.clusterID}},
			{Name: aws.String("instance-state-name"), Values: []string{"running", "pending"}},
		},
	})
	if err != nil {
		return nil, errs.New(errs.TransportError, fmt.Errorf("describing instances: %w", err))
	}
	var workers []WorkerInstance
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			workers = append(workers, workerFromInstance(inst))
		}
	}
	return workers, nil
}

func workerFromInstance(inst ec2types.Instance) WorkerInstance {
	tags := map[string]string{}
	for _, t := range inst.Tags {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	market := MarketOnDemand
	if inst.InstanceLifecycle == ec2types.InstanceLifecycleTypeSpot {
		market = MarketSpot
	}
	zone := ""
	if inst.Placement != nil {
		zone = aws.ToString(inst.Placement.AvailabilityZone)
	}
	var launchTime time.Time
	if inst.LaunchTime != nil {
		launchTime = *inst.LaunchTime
	}
	return WorkerInstance{
		InstanceID: aws.ToString(inst.InstanceId), Zone: zone, Market: market, LaunchTime: launchTime, Tags: tags,
	}
}

// Add launches n workers and waits for them to join, per spec §4.5.
func (p *Provisioner) Add(ctx context.Context, n int, urgency decision.Urgency) (AddResult, error) {
	if n <= 0 {
		return AddResult{}, nil
	}

	inventory, err := p.Inventory(ctx)
	if err != nil {
		return AddResult{}, err
	}
	existingSpot := lo.CountBy(inventory, func(w WorkerInstance) bool { return w.Market == MarketSpot })
	spotToAdd, ondemandToAdd := planMix(len(inventory), existingSpot, n, p.spotPercentage)

	zoneCounts := map[string]int{}
	for _, w := range inventory {
		zoneCounts[w.Zone]++
	}
	placements := planZones(zoneCounts, p.zones, n)

	markets := make([]Market, 0, n)
	for i := 0; i < spotToAdd; i++ {
		markets = append(markets, MarketSpot)
	}
	for i := 0; i < ondemandToAdd; i++ {
		markets = append(markets, MarketOnDemand)
	}

	var (
		mu      sync.Mutex
		launched []WorkerInstance
		causes   []string
	)
	quotaHit := false
	for i := 0; i < n; i++ {
		if quotaHit {
			mu.Lock()
			causes = append(causes, string(errs.QuotaExceeded))
			mu.Unlock()
			continue
		}
		w, err := p.launchOne(ctx, placements[i], markets[i])
		if err != nil {
			if errs.Is(err, errs.QuotaExceeded) {
				quotaHit = true
			}
			mu.Lock()
			causes = append(causes, err.Error())
			mu.Unlock()
			continue
		}
		mu.Lock()
		launched = append(launched, w)
		mu.Unlock()
	}

	joined, failed := p.waitForJoin(ctx, launched)

	result := AddResult{Launched: launched, Joined: joined, Failed: failed, Causes: causes}
	if quotaHit {
		return result, errs.New(errs.QuotaExceeded, fmt.Errorf("quota exceeded after launching %d/%d", len(launched), n))
	}
	return result, nil
}

// launchOne launches a single instance. A spot launch that fails with
// insufficient-capacity retries once as on-demand in the same zone, per
// spec §4.5 step 4.
func (p *Provisioner) launchOne(ctx context.Context, zone string, market Market) (WorkerInstance, error) {
	w, err := p.runInstance(ctx, zone, market)
	if err == nil {
		return w, nil
	}
	if market == MarketSpot && errs.Is(err, errs.SpotUnavailable) {
		p.log.Info("spot capacity unavailable, falling back to on-demand", "zone", zone)
		return p.runInstance(ctx, zone, MarketOnDemand)
	}
	return WorkerInstance{}, err
}

func (p *Provisioner) runInstance(ctx context.Context, zone string, market Market) (WorkerInstance, error) {
	tags := []ec2types.Tag{
		{Key: aws.String(TagRole), Value: aws.String(RoleWorker)},
		{Key: aws.String(TagClusterID), Value: aws.String(p.clusterID)},
		{Key: aws.String(TagManagedBy), Value: aws.String(ManagedByUs)},
		{Key: aws.String(TagMarket), Value: aws.String(string(market))},
	}
	input := &ec2.RunInstancesInput{
		MinCount: aws.Int32(1),
		MaxCount: aws.Int32(1),
		LaunchTemplate: &ec2types.LaunchTemplateSpecification{
			LaunchTemplateId: aws.String(p.launchTemplateID),
		},
		Placement: &ec2types.Placement{AvailabilityZone: aws.String(zone)},
		TagSpecifications: []ec2types.TagSpecification{
			{ResourceType: ec2types.ResourceTypeInstance, Tags: tags},
		},
	}
	if market == MarketSpot {
		input.InstanceMarketOptions = &ec2types.InstanceMarketOptionsRequest{
			MarketType: ec2types.MarketTypeSpot,
			SpotOptions: &ec2types.SpotMarketOptions{
				InstanceInterruptionBehavior: ec2types.InstanceInterruptionBehaviorTerminate,
			},
		}
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return WorkerInstance{}, errs.New(errs.TransportError, fmt.Errorf("waiting for launch rate limiter: %w", err))
	}
	out, err := p.ec2.RunInstances(ctx, input)
	if err != nil {
		return WorkerInstance{}, translateLaunchError(err, market)
	}
	if len(out.Instances) == 0 {
		return WorkerInstance{}, errs.New(errs.TransportError, fmt.Errorf("run-instances returned no instances"))
	}
	inst := out.Instances[0]
	return workerFromInstance(inst), nil
}

// translateLaunchError maps AWS API error codes onto the typed error kinds
// spec §4.5/§7 name.
func translateLaunchError(err error, market Market) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InsufficientInstanceCapacity", "SpotMaxPriceTooLow", "InsufficientCapacity":
			if market == MarketSpot {
				return errs.New(errs.SpotUnavailable, err)
			}
		case "VcpuLimitExceeded", "InstanceLimitExceeded", "MaxSpotInstanceCountExceeded":
			return errs.New(errs.QuotaExceeded, err)
		}
	}
	return errs.New(errs.TransportError, err)
}

// waitForJoin polls the cluster registry for each launched instance to
// reach Ready, up to joinDeadline, in parallel (spec §4.5 step 5, spec §5
// "the Provisioner may parallelize per-instance polling during join
// wait"). Instances that do not join in time are terminated to avoid
// orphaned cost.
func (p *Provisioner) waitForJoin(ctx context.Context, launched []WorkerInstance) (joined, failed []WorkerInstance) {
	if len(launched) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.joinDeadline)
	defer cancel()

	results := make([]WorkerInstance, len(launched))
	ok := make([]bool, len(launched))
	workqueue.ParallelizeUntil(ctx, len(launched), len(launched), func(i int) {
		w := launched[i]
		joinedAt, reachedReady := p.pollUntilReady(ctx, w.InstanceID)
		if reachedReady {
			w.JoinTime = joinedAt
			results[i] = w
			ok[i] = true
			return
		}
		if err := p.terminate(context.Background(), w.InstanceID); err != nil {
			p.log.Error(err, "terminating orphaned instance that failed to join", "instanceId", w.InstanceID)
		}
		results[i] = w
		ok[i] = false
	})
	for i, w := range results {
		if ok[i] {
			joined = append(joined, w)
		} else {
			failed = append(failed, w)
		}
	}
	return joined, failed
}

func (p *Provisioner) pollUntilReady(ctx context.Context, instanceID string) (time.Time, bool) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return time.Time{}, false
		case <-ticker.C:
			nodes, err := p.registry.ListWorkerNodes(ctx, p.clusterID)
			if err != nil {
				continue
			}
			for _, n := range nodes {
				if n.Spec.ProviderID != "" && ProviderIDMatches(n.Spec.ProviderID, instanceID) && clusterregistry.NodeReady(n) {
					return time.Now(), true
				}
			}
		}
	}
}

// ProviderIDMatches reports whether a node's spec.providerID (cloud-prefixed,
// e.g. "aws:///us-east-1a/i-0123") refers to instanceID; shared with
// pkg/reconciler so victim construction can correlate a WorkerInstance to
// its node object the same way join-wait polling does.
func ProviderIDMatches(providerID, instanceID string) bool {
	return len(providerID) >= len(instanceID) && providerID[len(providerID)-len(instanceID):] == instanceID
}

func (p *Provisioner) terminate(ctx context.Context, instanceID string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return errs.New(errs.TransportError, fmt.Errorf("waiting for terminate rate limiter: %w", err))
	}
	_, err := p.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return errs.New(errs.TransportError, fmt.Errorf("terminating %s: %w", instanceID, err))
	}
	return nil
}

// TerminateWorker satisfies pkg/drain.Terminator: the Drainer destroys the
// underlying instance through the same EC2 client the Provisioner uses to
// create it.
func (p *Provisioner) TerminateWorker(ctx context.Context, instanceID string) error {
	return p.terminate(ctx, instanceID)
}
