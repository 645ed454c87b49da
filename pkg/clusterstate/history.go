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

package clusterstate

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/cluster-autoscaler/autoscaler/pkg/errs"
)

// historyTTLDays is spec §4.3's "TTL-evicted at 30 days".
const historyTTLDays = 30

// HistoryStore is the append-only HistoricalMetric table (spec §3, §6).
// DynamoDB's native TTL attribute performs the 30-day eviction; this store
// never deletes rows itself.
type HistoryStore struct {
	client    DynamoClient
	tableName string
}

func NewHistoryStore(client DynamoClient, tableName string) *HistoryStore {
	return &HistoryStore{client: client, tableName: tableName}
}

type historyItem struct {
	ClusterID   string `dynamodbav:"cluster_id"`
	Timestamp   string `dynamodbav:"timestamp"`
	HourOfDay   int    `dynamodbav:"hour_of_day"`
	DayOfWeek   int    `dynamodbav:"day_of_week"`
	CPUPct      float64 `dynamodbav:"cpu_pct"`
	PendingPods int    `dynamodbav:"pending_pods"`
	TTL         int64  `dynamodbav:"ttl"`
}

// Append writes one HistoricalMetric row. Failures here are logged by the
// caller and never fail a tick: the predictive engine degrading to "no
// forecast" is acceptable, unlike a scaling decision being lost.
func (h *HistoryStore) Append(ctx context.Context, m HistoricalMetric) error {
	item, err := attributevalue.MarshalMap(historyItem{
		ClusterID:   m.ClusterID,
		Timestamp:   m.Timestamp.UTC().Format(time.RFC3339),
		HourOfDay:   m.HourOfDay,
		DayOfWeek:   int(m.DayOfWeek),
		CPUPct:      m.CPUPct,
		PendingPods: m.PendingPods,
		TTL:         m.Timestamp.Add(historyTTLDays * 24 * time.Hour).Unix(),
	})
	if err != nil {
		return errs.New(errs.TransportError, fmt.Errorf("marshalling historical metric: %w", err))
	}
	if _, err := h.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(h.tableName),
		Item:      item,
	}); err != nil {
		return errs.New(errs.TransportError, fmt.Errorf("appending historical metric: %w", err))
	}
	return nil
}

// QueryHourOfDay returns up to limit HistoricalMetric rows for clusterID
// matching hourOfDay and dayOfWeek, used by the predictive engine's
// same-hour-of-week mean (spec §4.4 rule 7). Real deployments back this
// with a GSI on (cluster_id, hour_of_day, day_of_week); this interface
// hides that detail from the Decision Engine, which only ever sees the CPU
// percentages extracted from the resulting rows (decision.HistoryQueryFunc).
type HistoryQuerier interface {
	QueryHourOfDay(ctx context.Context, clusterID string, hourOfDay int, dayOfWeek time.Weekday, limit int) ([]HistoricalMetric, error)
}

var _ HistoryQuerier = (*HistoryStore)(nil)

func (h *HistoryStore) QueryHourOfDay(ctx context.Context, clusterID string, hourOfDay int, dayOfWeek time.Weekday, limit int) ([]HistoricalMetric, error) {
	q, ok := h.client.(dynamoQuerier)
	if !ok {
		return nil, nil
	}
	out, err := q.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(h.tableName),
		IndexName:              aws.String("by-hour-of-week"),
		KeyConditionExpression: aws.String("cluster_id = :cid"),
		FilterExpression:       aws.String("hour_of_day = :hod AND day_of_week = :dow"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cid": &types.AttributeValueMemberS{Value: clusterID},
			":hod": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", hourOfDay)},
			":dow": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", int(dayOfWeek))},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, errs.New(errs.TransportError, fmt.Errorf("querying historical metrics: %w", err))
	}
	var results []HistoricalMetric
	for _, av := range out.Items {
		var item historyItem
		if err := attributevalue.UnmarshalMap(av, &item); err != nil {
			continue
		}
		ts, _ := time.Parse(time.RFC3339, item.Timestamp)
		results = append(results, HistoricalMetric{
			Timestamp: ts, ClusterID: item.ClusterID, HourOfDay: item.HourOfDay,
			DayOfWeek: time.Weekday(item.DayOfWeek), CPUPct: item.CPUPct, PendingPods: item.PendingPods,
		})
	}
	return results, nil
}

// dynamoQuerier is implemented by the real DynamoDB client; kept separate
// from DynamoClient so unit-test fakes for the write path don't also have
// to implement Query.
type dynamoQuerier interface {
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}
