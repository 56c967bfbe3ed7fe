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
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"flowcraft/core/internal/agentregistry"
	"flowcraft/core/internal/bandit"
	"flowcraft/core/internal/checkpoint"
	rcontext "flowcraft/core/internal/context"
	"flowcraft/core/internal/dag"
	"flowcraft/core/internal/engine"
	"flowcraft/core/internal/eventbus"
	"flowcraft/core/internal/resource"
)

// orderExecutor records the order in which nodes started executing. It
// never fails, so dispatch order is the only thing under test.
type orderExecutor struct {
	mu    sync.Mutex
	order []string
}

func (o *orderExecutor) Execute(_ context.Context, _ string, taskDefinition, _ map[string]interface{}) (map[string]interface{}, error) {
	nodeKey, _ := taskDefinition["node_key"].(string)
	o.mu.Lock()
	o.order = append(o.order, nodeKey)
	o.mu.Unlock()
	return map[string]interface{}{}, nil
}

func (o *orderExecutor) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.order))
	copy(out, o.order)
	return out
}

// TestDispatchLayerOrdersByEdgePriority builds a layer with two
// same-level nodes reached by edges of different priority, and a single
// engine concurrency permit so execution is fully serialized. The
// higher-priority edge's node must start first even though dispatchLayer
// enumerates the layer's keys in the other order.
func TestDispatchLayerOrdersByEdgePriority(t *testing.T) {
	exec := &orderExecutor{}
	registry := agentregistry.NewRegistry()
	o := New(
		resource.NewManager(resource.Vector{CPU: 1000, MemMB: 1000, NetMbps: 1000, StoreMB: 1000, Agents: 1000}),
		registry,
		engine.NewEngine(exec, 1), // one permit: RunLayer must serialize by priority
		rcontext.NewPropagator(rcontext.NewSnapshotStore()),
		eventbus.NewBus(32),
		checkpoint.NewMemoryStore(),
		bandit.NewSampler(),
		agentregistry.NewPerformanceModel(),
		DefaultRecursionLimits(),
	)

	g := &dag.Graph{
		Nodes: map[string]*dag.Node{
			"start":  nodeWithKey("start", dag.KindTask),
			"a_low":  nodeWithKey("a_low", dag.KindTask),
			"b_high": nodeWithKey("b_high", dag.KindTask),
		},
		Edges: []dag.Edge{
			{From: "start", To: "a_low", Priority: 1},
			{From: "start", To: "b_high", Priority: 10},
		},
	}

	inst, err := o.Deploy(context.Background(), "", g, nil, resource.Vector{CPU: 1}, DefaultRecoveryStrategy())
	require.NoError(t, err)
	require.NoError(t, o.Start(inst.ID))

	status := waitTerminal(t, inst)
	require.Equal(t, StatusCompleted, status)

	order := exec.snapshot()
	require.Equal(t, []string{"start", "b_high", "a_low"}, order)
}

// TestInboundPriorityTakesHighestOfSeveralEdges exercises dag.Graph's
// priority lookup directly: a node reachable through several edges uses
// the most urgent one.
func TestInboundPriorityTakesHighestOfSeveralEdges(t *testing.T) {
	g := &dag.Graph{
		Edges: []dag.Edge{
			{From: "a", To: "c", Priority: 3},
			{From: "b", To: "c", Priority: 7},
		},
	}
	require.Equal(t, 7, g.InboundPriority("c"))
	require.Equal(t, 0, g.InboundPriority("root-with-no-inbound-edges"))
}
