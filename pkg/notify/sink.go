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

// Package notify implements the notification sink (spec §6): a structured
// event per scaling decision, delivered best-effort to Slack.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/slack-go/slack"

	"github.com/cluster-autoscaler/autoscaler/pkg/decision"
	"github.com/cluster-autoscaler/autoscaler/pkg/utils/pretty"
)

// Event is the structured payload spec §6 names exactly: {kind, magnitude,
// reason, before_count, after_count, zone_breakdown, market_breakdown,
// duration_ms}.
type Event struct {
	ClusterID      string
	Kind           decision.Action
	Magnitude      int
	Reason         string
	BeforeCount    int
	AfterCount     int
	ZoneBreakdown  map[string]int
	MarketBreakdown map[string]int
	DurationMS     int64
}

// Sink delivers a notification. Delivery is best-effort: a failure here
// must never roll back the decision it describes (spec §6).
type Sink interface {
	Notify(ctx context.Context, e Event) error
}

// SlackSink posts Event as a Slack message, grounded on the Slack webhook
// usage patterns in the ops-notification examples in the retrieved pack.
// It suppresses repeated identical noop notifications via ChangeMonitor so
// a quiet cluster doesn't spam the channel once per tick forever.
type SlackSink struct {
	webhookURL string
	channel    string
	log        logr.Logger
	dedupe     *pretty.ChangeMonitor
}

func NewSlackSink(webhookURL, channel string, log logr.Logger) *SlackSink {
	return &SlackSink{
		webhookURL: webhookURL,
		channel:    channel,
		log:        log,
		dedupe:     pretty.NewChangeMonitor(30 * time.Minute),
	}
}

func (s *SlackSink) Notify(ctx context.Context, e Event) error {
	if e.Kind == decision.Noop && !s.dedupe.HasChanged(e.ClusterID+":"+e.Reason, e) {
		return nil
	}
	msg := slack.WebhookMessage{
		Channel: s.channel,
		Attachments: []slack.Attachment{
			{
				Color: colorFor(e.Kind),
				Title: fmt.Sprintf("%s: %s", e.ClusterID, e.Kind),
				Text:  fmt.Sprintf("reason=%s magnitude=%d count %d -> %d (%dms)", e.Reason, e.Magnitude, e.BeforeCount, e.AfterCount, e.DurationMS),
				Fields: append(breakdownFields("zone", e.ZoneBreakdown), breakdownFields("market", e.MarketBreakdown)...),
			},
		},
	}
	if err := slack.PostWebhookContext(ctx, s.webhookURL, &msg); err != nil {
		s.log.Error(err, "delivering notification", "clusterId", e.ClusterID, "kind", e.Kind)
		return err
	}
	return nil
}

func colorFor(kind decision.Action) string {
	switch kind {
	case decision.Up:
		return "warning"
	case decision.Down:
		return "good"
	default:
		return "#cccccc"
	}
}

func breakdownFields(label string, counts map[string]int) []slack.AttachmentField {
	fields := make([]slack.AttachmentField, 0, len(counts))
	for k, v := range counts {
		fields = append(fields, slack.AttachmentField{Title: fmt.Sprintf("%s:%s", label, k), Value: fmt.Sprintf("%d", v), Short: true})
	}
	return fields
}
