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

// Package decision implements the Decision Engine (spec §4.4): a pure,
// deterministic function from (metrics, state, clock, config) to a
// ScalingIntent. It performs no I/O and cannot fail at runtime — per the
// "Exception-for-control-flow" redesign note, the only errors it can
// return are configuration-validation ones, and config.Config.Validate
// already rejects those before the engine ever runs.
package decision

import "github.com/cluster-autoscaler/autoscaler/pkg/clusterstate"

// Action is the scaling action an Intent carries.
type Action string

const (
	Up   Action = "up"
	Down Action = "down"
	Noop Action = "noop"
)

// Urgency classifies why an Intent fired, per spec §3.
type Urgency string

const (
	UrgencyNormal     Urgency = "normal"
	UrgencyCritical   Urgency = "critical"
	UrgencyPredictive Urgency = "predictive"
	UrgencyCustom     Urgency = "custom"
)

// Intent is the value object the Decision Engine returns (spec §3). It
// lives for the duration of one tick.
type Intent struct {
	Action    Action
	Magnitude int
	Urgency   Urgency
	Reason    clusterstate.Reason
}

func noop(reason clusterstate.Reason) Intent {
	return Intent{Action: Noop, Magnitude: 0, Urgency: UrgencyNormal, Reason: reason}
}
