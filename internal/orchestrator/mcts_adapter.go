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

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flowcraft/core/internal/checkpoint"
	"flowcraft/core/internal/ids"
	"flowcraft/core/internal/mcts"
)

// mctsCheckpointAdapter satisfies mcts.CheckpointCache by serializing a
// tree's node arena and handing it to a checkpoint.Store. This lives in
// internal/orchestrator rather than internal/mcts deliberately: the
// planner's CheckpointCache interface stays minimal and dependency-free,
// and the orchestrator is the layer that already depends on both
// packages.
type mctsCheckpointAdapter struct {
	store checkpoint.Store
}

func newMCTSCheckpointAdapter(store checkpoint.Store) *mctsCheckpointAdapter {
	return &mctsCheckpointAdapter{store: store}
}

func (a *mctsCheckpointAdapter) StoreTree(sessionID ids.SessionID, tree *mcts.Tree) error {
	if a.store == nil {
		return nil
	}
	data, err := json.Marshal(tree.Nodes)
	if err != nil {
		return fmt.Errorf("marshal mcts tree: %w", err)
	}
	return a.store.StoreTree(context.Background(), checkpoint.TreeSnapshot{
		SessionID: sessionID,
		Nodes:     data,
		Iteration: len(tree.Nodes),
		SavedAt:   time.Now(),
	})
}
