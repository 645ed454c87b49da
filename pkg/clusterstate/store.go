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
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/cluster-autoscaler/autoscaler/pkg/errs"
)

// DynamoClient is the subset of the DynamoDB API this store needs, so
// tests can substitute a fake.
type DynamoClient interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Store is the durable ClusterState record, backed by a DynamoDB table
// keyed by cluster_id, with conditional updates serving as both the
// compare-and-set discipline for state writes and the distributed lock
// (spec §4.3). Grounded on the spec's own record layout, which is
// DynamoDB's native conditional-write shape.
type Store struct {
	client    DynamoClient
	tableName string
	history   *HistoryStore
}

func NewStore(client DynamoClient, tableName string, history *HistoryStore) *Store {
	return &Store{client: client, tableName: tableName, history: history}
}

// dynamoItem mirrors the JSON-shaped record in spec §6 for marshaling.
type dynamoItem struct {
	ClusterID          string             `dynamodbav:"cluster_id"`
	DesiredWorkerCount int                `dynamodbav:"desired_worker_count"`
	LastActionKind     string             `dynamodbav:"last_action_kind"`
	LastActionAt       int64              `dynamodbav:"last_action_at"`
	LastActionReason   string             `dynamodbav:"last_action_reason"`
	CooldownUpUntil    int64              `dynamodbav:"cooldown_up_until"`
	CooldownDownUntil  int64              `dynamodbav:"cooldown_down_until"`
	LockHolderID       string             `dynamodbav:"lock_holder_id,omitempty"`
	LockAcquiredAt     int64              `dynamodbav:"lock_acquired_at,omitempty"`
	LockExpiresAt      int64              `dynamodbav:"lock_expires_at,omitempty"`
	History            []historySampleAV  `dynamodbav:"metric_history"`
}

type historySampleAV struct {
	T            int64   `dynamodbav:"t"`
	CPU          float64 `dynamodbav:"cpu"`
	Mem          float64 `dynamodbav:"mem"`
	Pending      int     `dynamodbav:"pending"`
	HasCustom    bool    `dynamodbav:"has_custom,omitempty"`
	APILatencyP95 float64 `dynamodbav:"api_latency_p95,omitempty"`
	ErrorRate    float64 `dynamodbav:"error_rate,omitempty"`
	QueueDepth   int     `dynamodbav:"queue_depth,omitempty"`
}

func toItem(s ClusterState) dynamoItem {
	item := dynamoItem{
		ClusterID:          s.ClusterID,
		DesiredWorkerCount: s.DesiredWorkerCount,
		LastActionKind:     string(s.LastAction.Kind),
		LastActionAt:       s.LastAction.At.Unix(),
		LastActionReason:   string(s.LastAction.Reason),
		CooldownUpUntil:    s.CooldownUpUntil.Unix(),
		CooldownDownUntil:  s.CooldownDownUntil.Unix(),
	}
	if s.Lock != nil {
		item.LockHolderID = s.Lock.HolderID
		item.LockAcquiredAt = s.Lock.AcquiredAt.Unix()
		item.LockExpiresAt = s.Lock.ExpiresAt.Unix()
	}
	for _, m := range s.History {
		item.History = append(item.History, historySampleAV{
			T: m.CapturedAt.Unix(), CPU: m.CPUPct, Mem: m.MemPct, Pending: m.PendingPods,
			HasCustom: m.HasCustom, APILatencyP95: m.APILatencyP95Seconds, ErrorRate: m.ErrorRateRatio, QueueDepth: m.QueueDepth,
		})
	}
	return item
}

func fromItem(item dynamoItem) ClusterState {
	s := ClusterState{
		ClusterID:          item.ClusterID,
		DesiredWorkerCount: item.DesiredWorkerCount,
		LastAction: LastAction{
			Kind:   ActionKind(item.LastActionKind),
			At:     time.Unix(item.LastActionAt, 0).UTC(),
			Reason: Reason(item.LastActionReason),
		},
		CooldownUpUntil:   time.Unix(item.CooldownUpUntil, 0).UTC(),
		CooldownDownUntil: time.Unix(item.CooldownDownUntil, 0).UTC(),
	}
	if item.LockHolderID != "" {
		s.Lock = &Lock{
			HolderID:   item.LockHolderID,
			AcquiredAt: time.Unix(item.LockAcquiredAt, 0).UTC(),
			ExpiresAt:  time.Unix(item.LockExpiresAt, 0).UTC(),
		}
	}
	for _, h := range item.History {
		s.History = append(s.History, MetricSample{
			CapturedAt: time.Unix(h.T, 0).UTC(), CPUPct: h.CPU, MemPct: h.Mem, PendingPods: h.Pending,
			HasCustom: h.HasCustom, APILatencyP95Seconds: h.APILatencyP95, ErrorRateRatio: h.ErrorRate, QueueDepth: h.QueueDepth,
		})
	}
	return s
}

// Get performs a point read of the cluster's record. A missing item is not
// an error: callers (the reconciler, at cluster bootstrap) should treat it
// as a fresh cluster at MinWorkers.
func (s *Store) Get(ctx context.Context, clusterID string) (ClusterState, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"cluster_id": &types.AttributeValueMemberS{Value: clusterID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return ClusterState{}, false, errs.New(errs.TransportError, fmt.Errorf("getting cluster state: %w", err))
	}
	if out.Item == nil {
		return ClusterState{}, false, nil
	}
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return ClusterState{}, false, errs.New(errs.TransportError, fmt.Errorf("unmarshalling cluster state: %w", err))
	}
	return fromItem(item), true, nil
}

// Put writes the full record only if no record exists yet for the cluster
// (a lost race against a concurrent seed is not an error). Used only to
// seed a cluster that has never had a record written; all subsequent writes go through
// TryAcquireLock/Release/UpdateUnderLock to preserve §I2 exclusivity.
func (s *Store) Put(ctx context.Context, state ClusterState) error {
	item, err := attributevalue.MarshalMap(toItem(state))
	if err != nil {
		return errs.New(errs.TransportError, fmt.Errorf("marshalling cluster state: %w", err))
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
		ConditionExpression: aws.String("attribute_not_exists(cluster_id)"),
	}); err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil // already seeded by a concurrent bootstrap; not an error
		}
		return errs.New(errs.TransportError, fmt.Errorf("seeding cluster state: %w", err))
	}
	return nil
}

// TryAcquireLock attempts the conditional lock acquire described in §4.3:
// succeeds only if no lock exists or the existing one has expired.
// holderID should be unique per reconciler invocation (spec: "unique-per-invocation").
func (s *Store) TryAcquireLock(ctx context.Context, clusterID, holderID string, now time.Time, ttl time.Duration) (bool, error) {
	expiresAt := now.Add(ttl)
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"cluster_id": &types.AttributeValueMemberS{Value: clusterID},
		},
		UpdateExpression: aws.String("SET lock_holder_id = :holder, lock_acquired_at = :now, lock_expires_at = :exp"),
		ConditionExpression: aws.String(
			"attribute_not_exists(lock_holder_id) OR lock_expires_at < :now",
		),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":holder": &types.AttributeValueMemberS{Value: holderID},
			":now":    &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Unix())},
			":exp":    &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expiresAt.Unix())},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return false, nil
		}
		return false, errs.New(errs.TransportError, fmt.Errorf("acquiring lock: %w", err))
	}
	return true, nil
}

// ReleaseLock clears the lock only if holderID still matches (§4.3 Release).
// A mismatch means the lock already expired and was taken by someone else;
// that's not an error, just a no-op from this holder's point of view.
func (s *Store) ReleaseLock(ctx context.Context, clusterID, holderID string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"cluster_id": &types.AttributeValueMemberS{Value: clusterID},
		},
		UpdateExpression:    aws.String("REMOVE lock_holder_id, lock_acquired_at, lock_expires_at"),
		ConditionExpression: aws.String("lock_holder_id = :holder"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":holder": &types.AttributeValueMemberS{Value: holderID},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil
		}
		return errs.New(errs.TransportError, fmt.Errorf("releasing lock: %w", err))
	}
	return nil
}

// UpdateUnderLock performs the single atomic consequential write per tick
// (§4.3 "all consequential writes ... are a single atomic update"),
// conditioned on this holder still owning the lock so a write from an
// expired holder can never land (§I2).
func (s *Store) UpdateUnderLock(ctx context.Context, holderID string, state ClusterState) error {
	item, err := attributevalue.MarshalMap(toItem(state))
	if err != nil {
		return errs.New(errs.TransportError, fmt.Errorf("marshalling cluster state: %w", err))
	}
	// Preserve the lock attributes already present on state (the caller
	// still holds it; this is not a release).
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("lock_holder_id = :holder"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":holder": &types.AttributeValueMemberS{Value: holderID},
		},
	}); err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return errs.New(errs.StateConflict, fmt.Errorf("lock lost before state write: %w", err))
		}
		return errs.New(errs.TransportError, fmt.Errorf("writing cluster state: %w", err))
	}
	return nil
}

// NewHolderID returns a unique-per-invocation holder identity (spec §4.3).
func NewHolderID() string {
	return uuid.NewString()
}

// AppendHistory writes one HistoricalMetric row to the paired history
// table (spec §4.1 step 6, §6 historical store). A nil history store (no
// predictive engine configured) makes this a no-op.
func (s *Store) AppendHistory(ctx context.Context, m HistoricalMetric) error {
	if s.history == nil {
		return nil
	}
	return s.history.Append(ctx, m)
}

// History exposes the paired HistoryStore so callers can build a
// HistoryQuerier (the predictive engine's same-hour-of-week lookup)
// without this package depending on the decision package.
func (s *Store) History() *HistoryStore {
	return s.history
}
