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

package provisioning

import "time"

// Market is the purchasing option a WorkerInstance was launched under.
type Market string

const (
	MarketSpot     Market = "spot"
	MarketOnDemand Market = "on_demand"
)

// WorkerInstance is spec §3's WorkerInstance entity: created by the
// Provisioner, observed by both Provisioner and Drainer, destroyed by the
// Drainer.
type WorkerInstance struct {
	InstanceID string
	Zone       string
	Market     Market
	LaunchTime time.Time
	JoinTime   time.Time // zero until the node reports ready
	Tags       map[string]string
}

// Tag keys every launched instance carries (spec §4.5 "Side effects").
const (
	TagRole      = "role"
	TagClusterID = "cluster_id"
	TagManagedBy = "managed_by"
	TagMarket    = "market"

	RoleWorker  = "worker"
	ManagedByUs = "autoscaler"
)

// AddResult is the Provisioner's §4.5 step-6 return value.
type AddResult struct {
	Launched []WorkerInstance
	Joined   []WorkerInstance
	Failed   []WorkerInstance
	Causes   []string
}
