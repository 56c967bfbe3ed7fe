// Copyright 2025 FlowCraft
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"flowcraft/core/internal/ids"
)

// RedisStore persists tree snapshots and workflow checkpoints to Redis,
// keyed with a TTL so abandoned search sessions age out on their own.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore wraps an already-connected client. ttl <= 0 means keys
// never expire.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func treeKey(sessionID ids.SessionID) string {
	return fmt.Sprintf("flowcraft:mcts-tree:%s", sessionID)
}

func checkpointKey(workflowID ids.WorkflowID) string {
	return fmt.Sprintf("flowcraft:checkpoint:%s", workflowID)
}

func (r *RedisStore) StoreTree(ctx context.Context, snapshot TreeSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal tree snapshot: %w", err)
	}
	if err := r.client.Set(ctx, treeKey(snapshot.SessionID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis store tree: %w", err)
	}
	return nil
}

func (r *RedisStore) GetTree(ctx context.Context, sessionID ids.SessionID) (TreeSnapshot, bool, error) {
	raw, err := r.client.Get(ctx, treeKey(sessionID)).Bytes()
	if err == redis.Nil {
		return TreeSnapshot{}, false, nil
	}
	if err != nil {
		return TreeSnapshot{}, false, fmt.Errorf("redis get tree: %w", err)
	}
	var snap TreeSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return TreeSnapshot{}, false, fmt.Errorf("unmarshal tree snapshot: %w", err)
	}
	return snap, true, nil
}

func (r *RedisStore) SaveCheckpoint(ctx context.Context, cp WorkflowCheckpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := r.client.Set(ctx, checkpointKey(cp.WorkflowID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis save checkpoint: %w", err)
	}
	return nil
}

func (r *RedisStore) LoadCheckpoint(ctx context.Context, workflowID ids.WorkflowID) (WorkflowCheckpoint, bool, error) {
	raw, err := r.client.Get(ctx, checkpointKey(workflowID)).Bytes()
	if err == redis.Nil {
		return WorkflowCheckpoint{}, false, nil
	}
	if err != nil {
		return WorkflowCheckpoint{}, false, fmt.Errorf("redis load checkpoint: %w", err)
	}
	var cp WorkflowCheckpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return WorkflowCheckpoint{}, false, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return cp, true, nil
}
