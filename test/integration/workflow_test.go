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

// Package integration drives internal/orchestrator end to end: real
// DAG validation, the real execution engine, and a scripted executor
// standing in for agent runtimes, exercising the scenarios spec.md
// calls out explicitly (cycle rejection, fork/join, retry-on-transient,
// recursion depth limits) rather than any one package in isolation.
package integration

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flowcraft/core/internal/agentregistry"
	"flowcraft/core/internal/bandit"
	"flowcraft/core/internal/checkpoint"
	rcontext "flowcraft/core/internal/context"
	"flowcraft/core/internal/dag"
	"flowcraft/core/internal/engine"
	"flowcraft/core/internal/errs"
	"flowcraft/core/internal/eventbus"
	"flowcraft/core/internal/orchestrator"
	"flowcraft/core/internal/resource"
)

// scriptedExecutor scripts per-node outputs and errors by node_key,
// the same indirection internal/orchestrator's own tests use since the
// engine only ever sees a TaskDefinition map, never a *dag.Node.
type scriptedExecutor struct {
	mu       sync.Mutex
	failures map[string]int32 // remaining failures before success
	calls    map[string]int32
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{failures: make(map[string]int32), calls: make(map[string]int32)}
}

func (s *scriptedExecutor) Execute(_ context.Context, _ string, taskDefinition, _ map[string]interface{}) (map[string]interface{}, error) {
	key, _ := taskDefinition["node_key"].(string)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[key]++
	if s.failures[key] > 0 {
		s.failures[key]--
		return nil, &errs.NodeFailed{NodeID: key, Cause: context.DeadlineExceeded}
	}
	return map[string]interface{}{"node": key}, nil
}

func (s *scriptedExecutor) callCount(key string) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

func newOrchestrator(exec engine.AgentExecutor, limits orchestrator.RecursionLimits) *orchestrator.Orchestrator {
	return orchestrator.New(
		resource.NewManager(resource.Vector{CPU: 1000, MemMB: 1000, NetMbps: 1000, StoreMB: 1000, Agents: 1000}),
		agentregistry.NewRegistry(),
		engine.NewEngine(exec, 16),
		rcontext.NewPropagator(rcontext.NewSnapshotStore()),
		eventbus.NewBus(64),
		checkpoint.NewMemoryStore(),
		bandit.NewSampler(),
		agentregistry.NewPerformanceModel(),
		limits,
	)
}

func waitTerminal(t *testing.T, inst *orchestrator.Instance) orchestrator.Status {
	t.Helper()
	var status orchestrator.Status
	require.Eventually(t, func() bool {
		status = inst.Snapshot().Status
		return status == orchestrator.StatusCompleted ||
			status == orchestrator.StatusFailed ||
			status == orchestrator.StatusCancelled
	}, 2*time.Second, time.Millisecond)
	return status
}

func TestLinearTwoNodeWorkflowCompletes(t *testing.T) {
	exec := newScriptedExecutor()
	o := newOrchestrator(exec, orchestrator.DefaultRecursionLimits())

	g := dag.NewGraph()
	g.AddNode(&dag.Node{Key: "fetch", Kind: dag.KindTask})
	g.AddNode(&dag.Node{Key: "summarize", Kind: dag.KindTask})
	g.AddEdge(dag.Edge{From: "fetch", To: "summarize"})

	inst, err := o.Deploy(context.Background(), "", g, nil, resource.Vector{CPU: 1}, orchestrator.DefaultRecoveryStrategy())
	require.NoError(t, err)
	require.NoError(t, o.Start(inst.ID))

	require.Equal(t, orchestrator.StatusCompleted, waitTerminal(t, inst))

	require.EqualValues(t, 1, exec.callCount("fetch"))
	require.EqualValues(t, 1, exec.callCount("summarize"))
}

func TestCyclicGraphIsRejectedAtDeploy(t *testing.T) {
	exec := newScriptedExecutor()
	o := newOrchestrator(exec, orchestrator.DefaultRecursionLimits())

	g := dag.NewGraph()
	g.AddNode(&dag.Node{Key: "a", Kind: dag.KindTask})
	g.AddNode(&dag.Node{Key: "b", Kind: dag.KindTask})
	g.AddEdge(dag.Edge{From: "a", To: "b"})
	g.AddEdge(dag.Edge{From: "b", To: "a"})

	_, err := o.Deploy(context.Background(), "", g, nil, resource.Vector{CPU: 1}, orchestrator.DefaultRecoveryStrategy())
	require.Error(t, err)
}

func TestForkJoinWaitsForEveryBranch(t *testing.T) {
	exec := newScriptedExecutor()
	o := newOrchestrator(exec, orchestrator.DefaultRecursionLimits())

	g := dag.NewGraph()
	g.AddNode(&dag.Node{Key: "split", Kind: dag.KindFork, ForkBranches: []string{"left", "right"}})
	g.AddNode(&dag.Node{Key: "left", Kind: dag.KindTask})
	g.AddNode(&dag.Node{Key: "right", Kind: dag.KindTask})
	g.AddNode(&dag.Node{Key: "merge", Kind: dag.KindJoin, JoinWaitAll: true})
	g.AddEdge(dag.Edge{From: "split", To: "left"})
	g.AddEdge(dag.Edge{From: "split", To: "right"})
	g.AddEdge(dag.Edge{From: "left", To: "merge"})
	g.AddEdge(dag.Edge{From: "right", To: "merge"})

	inst, err := o.Deploy(context.Background(), "", g, nil, resource.Vector{CPU: 1}, orchestrator.DefaultRecoveryStrategy())
	require.NoError(t, err)
	require.NoError(t, o.Start(inst.ID))

	require.Equal(t, orchestrator.StatusCompleted, waitTerminal(t, inst))

	require.EqualValues(t, 1, exec.callCount("left"))
	require.EqualValues(t, 1, exec.callCount("right"))
	require.EqualValues(t, 1, exec.callCount("merge"))
}

func TestTransientNodeFailureRetriesThenSucceeds(t *testing.T) {
	exec := newScriptedExecutor()
	exec.failures["flaky"] = 2

	o := newOrchestrator(exec, orchestrator.DefaultRecursionLimits())

	g := dag.NewGraph()
	g.AddNode(&dag.Node{
		Key:   "flaky",
		Kind:  dag.KindTask,
		Retry: dag.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffMultiplier: 1},
	})

	inst, err := o.Deploy(context.Background(), "", g, nil, resource.Vector{CPU: 1}, orchestrator.DefaultRecoveryStrategy())
	require.NoError(t, err)
	require.NoError(t, o.Start(inst.ID))

	require.Equal(t, orchestrator.StatusCompleted, waitTerminal(t, inst))

	require.EqualValues(t, 3, exec.callCount("flaky"))
}

func TestRecursionDepthLimitRejectsSpawnPastMaxDepth(t *testing.T) {
	exec := newScriptedExecutor()
	limits := orchestrator.DefaultRecursionLimits()
	limits.MaxDepth = 0 // no recursion allowed past the root

	o := newOrchestrator(exec, limits)

	child := dag.NewGraph()
	child.AddNode(&dag.Node{Key: "leaf", Kind: dag.KindTask})
	o.RegisterTemplate("child-template", child)

	root := dag.NewGraph()
	root.AddNode(&dag.Node{Key: "spawn", Kind: dag.KindSubWorkflow, SubWorkflowID: "child-template"})

	inst, err := o.Deploy(context.Background(), "root-template", root, nil, resource.Vector{CPU: 1}, orchestrator.DefaultRecoveryStrategy())
	require.NoError(t, err)
	require.NoError(t, o.Start(inst.ID))

	require.Equal(t, orchestrator.StatusFailed, waitTerminal(t, inst))
}

func TestConcurrentDeploysDoNotRace(t *testing.T) {
	exec := newScriptedExecutor()
	o := newOrchestrator(exec, orchestrator.DefaultRecursionLimits())

	var wg sync.WaitGroup
	var completed int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g := dag.NewGraph()
			g.AddNode(&dag.Node{Key: "only", Kind: dag.KindTask})
			inst, err := o.Deploy(context.Background(), "", g, nil, resource.Vector{CPU: 1}, orchestrator.DefaultRecoveryStrategy())
			require.NoError(t, err)
			require.NoError(t, o.Start(inst.ID))
			require.Eventually(t, func() bool {
				return inst.Snapshot().Status == orchestrator.StatusCompleted
			}, 2*time.Second, time.Millisecond)
			atomic.AddInt32(&completed, 1)
		}()
	}
	wg.Wait()
	require.EqualValues(t, 10, completed)
}
