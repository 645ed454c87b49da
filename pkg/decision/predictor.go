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
)

// Predictor forecasts next-hour CPU utilization for a cluster. Spec §9
// "Predictive model" requires only that this interface shape survive;
// implementations may substitute richer forecasts behind it.
type Predictor interface {
	// Predict returns the forecast CPU percentage for the hour starting at
	// now, and whether a forecast could be produced at all (insufficient
	// history is not an error, just "no prediction available").
	Predict(ctx context.Context, now time.Time) (cpuPct float64, ok bool)
}

// HourOfWeekPredictor is the reference predictive engine (spec §4.4 rule
// 7, §9): the mean CPU utilization observed in the same hour-of-day and
// day-of-week over the HistoricalMetric window. Deliberately simple — a
// forecast signal, not an oracle.
type HourOfWeekPredictor struct {
	ClusterID string
	Querier   HistoryQueryFunc
	Samples   int // maximum number of matching history rows to average over
}

// HistoryQueryFunc adapts clusterstate.HistoryStore (or a fake) without
// this package depending on clusterstate's concrete types, keeping the
// Decision Engine's dependency graph one-directional.
type HistoryQueryFunc func(ctx context.Context, clusterID string, hourOfDay int, dayOfWeek time.Weekday, limit int) ([]float64, error)

func NewHourOfWeekPredictor(clusterID string, query HistoryQueryFunc, samples int) *HourOfWeekPredictor {
	if samples <= 0 {
		samples = 4
	}
	return &HourOfWeekPredictor{ClusterID: clusterID, Querier: query, Samples: samples}
}

func (p *HourOfWeekPredictor) Predict(ctx context.Context, now time.Time) (float64, bool) {
	next := now.Add(time.Hour)
	cpuValues, err := p.Querier(ctx, p.ClusterID, next.Hour(), next.Weekday(), p.Samples)
	if err != nil || len(cpuValues) == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range cpuValues {
		sum += v
	}
	return sum / float64(len(cpuValues)), true
}
