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
	"fmt"
	"strings"
	"sync"
	"time"

	"flowcraft/core/internal/agentregistry"
	"flowcraft/core/internal/dag"
	"flowcraft/core/internal/engine"
	"flowcraft/core/internal/eventbus"
	"flowcraft/core/internal/ids"
	"flowcraft/core/internal/metrics"
	"flowcraft/core/internal/resource"
)

// dispatchLayer runs every key in one resolved layer, enforcing the
// happens-before ordering between layers: the caller does not see any
// layer-k+1 activity until this call returns. Returns false once a node
// failure's recovery strategy calls for the workflow to stop.
//
// Task-kind nodes (Task, Decision, Loop, Fork, Join, AgentSpawn) are
// batched and handed to the engine's priority queue together, so a node
// reached by a higher-priority edge starts ahead of its lower-priority
// layer-mates whenever the engine's concurrency permits are scarcer than
// the layer is wide. ResourceAllocation and SubWorkflow nodes bypass the
// engine entirely and run directly, one goroutine each, since neither
// carries a schedulable engine.Task.
func (o *Orchestrator) dispatchLayer(ctx context.Context, inst *Instance, keys []string) bool {
	type outcome struct {
		key    string
		output map[string]interface{}
		err    error
	}

	results := make(map[string]outcome, len(keys))
	var mu sync.Mutex
	var wg sync.WaitGroup

	var engineTasks []engine.Task
	for _, key := range keys {
		node := inst.Graph.Nodes[key]
		if node.Kind == dag.KindResourceAllocation || node.Kind == dag.KindSubWorkflow {
			wg.Add(1)
			go func(key string, node *dag.Node) {
				defer wg.Done()
				output, err := o.runNode(ctx, inst, node)
				mu.Lock()
				results[key] = outcome{key: key, output: output, err: err}
				mu.Unlock()
			}(key, node)
			continue
		}
		engineTasks = append(engineTasks, o.prepareTaskNode(inst, node))
	}

	if len(engineTasks) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rootID := inst.Context.RootWorkflowID.String()
			engineResults := o.engine.RunLayer(ctx, rootID, inst.ID.String(), engineTasks)

			mu.Lock()
			for _, r := range engineResults {
				node := inst.Graph.Nodes[r.NodeKey]
				output, err := o.finishTaskNode(inst, node, r)
				results[r.NodeKey] = outcome{key: r.NodeKey, output: output, err: err}
			}
			mu.Unlock()
		}()
	}

	wg.Wait()

	proceed := true
	for _, key := range keys {
		res := results[key]
		if res.err != nil {
			if !o.handleNodeFailure(ctx, inst, res.key, res.err) {
				proceed = false
			}
			continue
		}
		inst.completeNode(res.key, res.output)
	}
	return proceed
}

// runNode dispatches node according to its kind: ResourceAllocation and
// SubWorkflow are handled directly by the orchestrator; every other
// kind (Task, Decision, Loop, Fork, Join, AgentSpawn) is run through the
// execution engine against an assigned agent.
func (o *Orchestrator) runNode(ctx context.Context, inst *Instance, node *dag.Node) (map[string]interface{}, error) {
	switch node.Kind {
	case dag.KindResourceAllocation:
		return o.runResourceAllocation(inst, node)
	case dag.KindSubWorkflow:
		return o.spawnSubWorkflow(ctx, inst, node)
	default:
		return o.runTaskNode(ctx, inst, node)
	}
}

func (o *Orchestrator) runResourceAllocation(inst *Instance, node *dag.Node) (map[string]interface{}, error) {
	want := resource.Vector{}
	switch strings.ToLower(node.ResourceType) {
	case "cpu":
		want.CPU = node.ResourceAmount
	case "memory", "mem":
		want.MemMB = node.ResourceAmount
	case "network":
		want.NetMbps = node.ResourceAmount
	case "storage":
		want.StoreMB = node.ResourceAmount
	case "agents":
		want.Agents = node.ResourceAmount
	default:
		want.CPU = node.ResourceAmount
	}

	scopeID := ids.WorkflowID(fmt.Sprintf("%s:%s", inst.ID, node.Key))
	if err := o.resources.Reserve(scopeID, want); err != nil {
		return nil, err
	}

	metrics.ResourceUsage.WithLabelValues(node.ResourceType).Add(node.ResourceAmount)
	o.emit(eventbus.ResourceAllocated, inst, node.Key, map[string]interface{}{
		"type": node.ResourceType, "amount": node.ResourceAmount,
	})

	return map[string]interface{}{"allocated": node.ResourceAmount, "type": node.ResourceType}, nil
}

// runTaskNode runs a single Task-kind node in isolation, outside any
// layer batching (used by the recovery path's synchronous re-dispatch).
// Layer dispatch instead calls prepareTaskNode/finishTaskNode directly so
// every node in a layer can be scheduled through the engine's priority
// queue together; see dispatchLayer.
func (o *Orchestrator) runTaskNode(ctx context.Context, inst *Instance, node *dag.Node) (map[string]interface{}, error) {
	task := o.prepareTaskNode(inst, node)
	rootID := inst.Context.RootWorkflowID.String()
	result := o.engine.Run(ctx, rootID, inst.ID.String(), task)
	return o.finishTaskNode(inst, node, result)
}

// prepareTaskNode assigns an agent, emits the node's start events, and
// builds the engine.Task that will run it. The task's Priority is derived
// from the highest-priority edge leading into node, so edges declared
// with a higher priority in the workflow graph get dispatched first
// within their layer.
func (o *Orchestrator) prepareTaskNode(inst *Instance, node *dag.Node) engine.Task {
	agent := o.selectAgent(inst, node)

	inst.mu.Lock()
	inst.AssignedAgents[node.Key] = agent
	input := mergeInputs(inst.Inputs[node.Key], inst.Context.InheritedState)
	inst.mu.Unlock()

	o.emit(eventbus.AgentAssigned, inst, node.Key, map[string]interface{}{"agent": agent})
	o.emit(eventbus.NodeStarted, inst, node.Key, nil)

	return engine.Task{
		NodeKey:        node.Key,
		Agent:          agent,
		TaskDefinition: taskDefinitionFor(node),
		Input:          input,
		Timeout:        timeoutOrDefault(node.Timeout, o.defaultTimeout),
		Priority:       inst.Graph.InboundPriority(node.Key),
		Retry: engine.RetryPolicy{
			MaxAttempts:       maxInt(node.Retry.MaxAttempts, 1),
			InitialDelay:      node.Retry.InitialDelay,
			BackoffMultiplier: node.Retry.BackoffMultiplier,
			MaxDelay:          node.Retry.MaxDelay,
		},
		RetryPredicate: engine.DefaultRetryPredicate,
	}
}

// finishTaskNode records metrics and emits completion for a task that has
// already run through the engine.
func (o *Orchestrator) finishTaskNode(inst *Instance, node *dag.Node, result engine.Result) (map[string]interface{}, error) {
	status := "success"
	if result.Err != nil {
		status = "failure"
	}
	metrics.NodeExecutionsTotal.WithLabelValues(status).Inc()
	metrics.AgentCallsTotal.WithLabelValues(o.assignedAgent(inst, node.Key), status).Inc()
	if result.Attempts > 1 {
		metrics.NodeRetriesTotal.Add(float64(result.Attempts - 1))
	}

	if result.Err != nil {
		return nil, result.Err
	}
	o.emit(eventbus.NodeCompleted, inst, node.Key, nil)
	return result.Output, nil
}

// assignedAgent returns the agent prepareTaskNode assigned to key.
func (o *Orchestrator) assignedAgent(inst *Instance, key string) string {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.AssignedAgents[key]
}

// selectAgent scores the registry's candidates against node's
// requirements, preferring the highest score; a tie keeps the candidate
// that Candidates listed first. An empty candidate set falls back to the
// planner's top recommendation from Instance.Plan, then to "unassigned".
func (o *Orchestrator) selectAgent(inst *Instance, node *dag.Node) string {
	req := agentregistry.Requirements{
		Capabilities:    node.Requirements.Capabilities,
		MinPerformance:  node.Requirements.MinPerformance,
		PreferredAgents: node.Requirements.PreferredAgents,
		ExcludedAgents:  node.Requirements.ExcludedAgents,
		AgentType:       node.Requirements.AgentType,
	}

	candidates := o.registry.Candidates(req)
	best := ""
	bestScore := -1.0
	for _, c := range candidates {
		score := o.registry.Score(c, req)
		metrics.AgentScore.WithLabelValues(c.ID).Set(score)
		if score > bestScore {
			bestScore = score
			best = c.ID
		}
	}
	if best != "" {
		return best
	}

	inst.mu.Lock()
	recs := inst.Plan.AgentRecommendations
	inst.mu.Unlock()
	if len(recs) > 0 {
		return recs[0]
	}
	return "unassigned"
}

func taskDefinitionFor(node *dag.Node) map[string]interface{} {
	return map[string]interface{}{
		"node_key":           node.Key,
		"kind":               string(node.Kind),
		"loop_condition":     node.LoopCondition,
		"max_iterations":     node.MaxIterations,
		"decision_condition": node.DecisionCondition,
		"spawn_config":       node.SpawnConfig,
		"spawn_lifecycle":    node.SpawnLifecycle,
	}
}

func timeoutOrDefault(t, def time.Duration) time.Duration {
	if t > 0 {
		return t
	}
	return def
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
