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
	"testing"

	"github.com/stretchr/testify/require"

	"flowcraft/core/internal/ids"
)

func TestMemoryStoreRoundTripsTreeAndCheckpoint(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	sessionID := ids.NewSessionID()
	workflowID := ids.NewWorkflowID()

	require.NoError(t, store.StoreTree(ctx, TreeSnapshot{SessionID: sessionID, Iteration: 3}))
	snap, ok, err := store.GetTree(ctx, sessionID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, snap.Iteration)

	require.NoError(t, store.SaveCheckpoint(ctx, WorkflowCheckpoint{WorkflowID: workflowID, CompletedAt: []string{"n1"}}))
	cp, ok, err := store.LoadCheckpoint(ctx, workflowID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"n1"}, cp.CompletedAt)
}

func TestMemoryStoreMissReturnsFalse(t *testing.T) {
	store := NewMemoryStore()
	_, ok, err := store.GetTree(context.Background(), ids.NewSessionID())
	require.NoError(t, err)
	require.False(t, ok)
}
