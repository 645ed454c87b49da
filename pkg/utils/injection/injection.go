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

// Package injection carries per-tick correlation identifiers on
// context.Context, the same context-carried-singleton idiom the teacher
// used for its reconcile-request namespaced name and controller name, now
// holding the two identifiers that actually matter to this reconciler's
// single tick: the cluster being reconciled and the lock holder that owns
// the tick.
package injection

import "context"

type clusterIDKey struct{}

// WithClusterID tags ctx with the cluster being reconciled this tick, so
// every log line and adapter call downstream can be correlated without
// threading the id through every function signature.
func WithClusterID(ctx context.Context, clusterID string) context.Context {
	return context.WithValue(ctx, clusterIDKey{}, clusterID)
}

func GetClusterID(ctx context.Context) string {
	v := ctx.Value(clusterIDKey{})
	if v == nil {
		return ""
	}
	return v.(string)
}

type holderIDKey struct{}

// WithHolderID tags ctx with the unique-per-invocation lock holder id
// (spec §4.3), so adapters that log can attribute their actions to the
// reconciler instance that made them without the caller threading it
// through.
func WithHolderID(ctx context.Context, holderID string) context.Context {
	return context.WithValue(ctx, holderIDKey{}, holderID)
}

func GetHolderID(ctx context.Context) string {
	v := ctx.Value(holderIDKey{})
	if v == nil {
		return ""
	}
	return v.(string)
}
