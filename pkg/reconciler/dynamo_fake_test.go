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

package reconciler_test

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamo is a single-item, condition-aware in-memory stand-in for the
// narrow DynamoClient interface clusterstate.Store depends on. It only
// understands the handful of condition expressions the store actually
// issues, matching the fake-over-the-real-client-interface idiom the
// provisioning and metricssource packages use for their own dependencies.
type fakeDynamo struct {
	mu   sync.Mutex
	item map[string]types.AttributeValue
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.item == nil {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: cloneItem(f.item)}, nil
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cond := aws2Str(in.ConditionExpression)
	switch {
	case strings.Contains(cond, "attribute_not_exists(cluster_id)"):
		if f.item != nil {
			return nil, &types.ConditionalCheckFailedException{}
		}
	case strings.Contains(cond, "lock_holder_id = :holder"):
		want := in.ExpressionAttributeValues[":holder"].(*types.AttributeValueMemberS).Value
		if !f.holderMatches(want) {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	f.item = cloneItem(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	expr := aws2Str(in.UpdateExpression)
	cond := aws2Str(in.ConditionExpression)

	switch {
	case strings.HasPrefix(expr, "SET lock_holder_id"):
		now, _ := strconv.ParseInt(aVN(in.ExpressionAttributeValues[":now"]), 10, 64)
		if !f.lockAcquirable(now) {
			return nil, &types.ConditionalCheckFailedException{}
		}
		if f.item == nil {
			f.item = map[string]types.AttributeValue{"cluster_id": &types.AttributeValueMemberS{Value: "unseeded"}}
		}
		f.item["lock_holder_id"] = in.ExpressionAttributeValues[":holder"]
		f.item["lock_acquired_at"] = in.ExpressionAttributeValues[":now"]
		f.item["lock_expires_at"] = in.ExpressionAttributeValues[":exp"]
	case strings.HasPrefix(expr, "REMOVE lock_holder_id"):
		want := in.ExpressionAttributeValues[":holder"].(*types.AttributeValueMemberS).Value
		if !f.holderMatches(want) {
			if strings.Contains(cond, "lock_holder_id = :holder") {
				return nil, &types.ConditionalCheckFailedException{}
			}
		}
		delete(f.item, "lock_holder_id")
		delete(f.item, "lock_acquired_at")
		delete(f.item, "lock_expires_at")
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) holderMatches(want string) bool {
	if f.item == nil {
		return false
	}
	v, ok := f.item["lock_holder_id"]
	if !ok {
		return false
	}
	s, ok := v.(*types.AttributeValueMemberS)
	return ok && s.Value == want
}

// lockAcquirable mirrors "attribute_not_exists(lock_holder_id) OR
// lock_expires_at < :now".
func (f *fakeDynamo) lockAcquirable(now int64) bool {
	if f.item == nil {
		return true
	}
	v, ok := f.item["lock_holder_id"]
	if !ok {
		return true
	}
	if s, ok := v.(*types.AttributeValueMemberS); !ok || s.Value == "" {
		return true
	}
	expiresAt, _ := strconv.ParseInt(aVN(f.item["lock_expires_at"]), 10, 64)
	return expiresAt < now
}

func aVN(v types.AttributeValue) string {
	if n, ok := v.(*types.AttributeValueMemberN); ok {
		return n.Value
	}
	return "0"
}

func aws2Str(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func cloneItem(in map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
