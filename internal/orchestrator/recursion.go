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
	"time"

	rcontext "flowcraft/core/internal/context"
	"flowcraft/core/internal/dag"
	"flowcraft/core/internal/errs"
	"flowcraft/core/internal/eventbus"
	"flowcraft/core/internal/ids"
	"flowcraft/core/internal/metrics"
	"flowcraft/core/internal/resource"
)

// RecursionLimits bounds how far and how fast a workflow may spawn
// sub-workflows, per spec.md's recursion-control section.
type RecursionLimits struct {
	MaxDepth                        int
	RecursionTimeout                time.Duration
	ResourceEscalationThreshold     float64 // parent CPU usage ceiling
	MaxAgentsPerLevel               int
	PerformanceDegradationThreshold float64 // warn-only, never rejects
}

// DefaultRecursionLimits mirrors spec.md's defaults: depth 5, a
// generous 10-minute recursion timeout, no CPU escalation ceiling
// beyond 4x a root's baseline, and at most 8 concurrent spawns per
// depth level.
func DefaultRecursionLimits() RecursionLimits {
	return RecursionLimits{
		MaxDepth:                        5,
		RecursionTimeout:                10 * time.Minute,
		ResourceEscalationThreshold:     4.0,
		MaxAgentsPerLevel:               8,
		PerformanceDegradationThreshold: 0.3,
	}
}

// checkRecursionLimits enforces every named limit in turn, returning the
// first violated one as a *errs.RecursionLimitExceeded. A violation of
// performance_degradation_threshold only logs a warning; it never
// rejects the spawn.
func (o *Orchestrator) checkRecursionLimits(inst *Instance, templateID string) error {
	limits := o.limits

	if inst.Context.Depth+1 > limits.MaxDepth {
		return &errs.RecursionLimitExceeded{Which: "max_depth"}
	}

	if containsTemplate(inst, templateID) {
		return &errs.RecursionLimitExceeded{Which: "cycle_detection"}
	}

	if limits.RecursionTimeout > 0 && !inst.StartedAt.IsZero() && time.Since(inst.StartedAt) > limits.RecursionTimeout {
		return &errs.RecursionLimitExceeded{Which: "recursion_timeout"}
	}

	if limits.ResourceEscalationThreshold > 0 && inst.Context.ResourceUsage.CPU > limits.ResourceEscalationThreshold {
		return &errs.RecursionLimitExceeded{Which: "resource_escalation_threshold"}
	}

	if limits.MaxAgentsPerLevel > 0 {
		o.mu.Lock()
		depth := inst.Context.Depth + 1
		atCap := o.spawnCounts[depth] >= limits.MaxAgentsPerLevel
		o.mu.Unlock()
		if atCap {
			return &errs.RecursionLimitExceeded{Which: "max_agents_per_level"}
		}
	}

	if limits.PerformanceDegradationThreshold > 0 && inst.Context.PerformanceMetrics.Score < limits.PerformanceDegradationThreshold {
		o.log.Warn(inst.Context.RootWorkflowID.String(), inst.ID.String(), "performance degradation threshold crossed", map[string]interface{}{
			"score": inst.Context.PerformanceMetrics.Score,
		})
	}

	return nil
}

// containsTemplate reports whether templateID already appears in inst's
// own template lineage: a workflow instance ID is always unique per
// spawn, so cycle detection tracks template identity instead.
func containsTemplate(inst *Instance, templateID string) bool {
	if inst.TemplateID == templateID {
		return true
	}
	for _, t := range inst.TemplateLineage {
		if t == templateID {
			return true
		}
	}
	return false
}

// spawnSubWorkflow handles a KindSubWorkflow node: it resolves
// node.SubWorkflowID against the registered template catalog, enforces
// RecursionLimits, derives a child RecursiveContext, deploys and runs
// the child workflow to completion inline (this node's goroutine blocks
// on the child, mirroring a regular blocking task call), and returns the
// child's flattened outputs as this node's own output.
func (o *Orchestrator) spawnSubWorkflow(ctx context.Context, inst *Instance, node *dag.Node) (map[string]interface{}, error) {
	if err := o.checkRecursionLimits(inst, node.SubWorkflowID); err != nil {
		return nil, err
	}

	o.mu.RLock()
	graph, ok := o.catalog[node.SubWorkflowID]
	o.mu.RUnlock()
	if !ok {
		return nil, &errs.ValidationError{Reason: "unregistered sub-workflow template", Nodes: []string{node.SubWorkflowID}}
	}

	childID := ids.NewWorkflowID()
	childCtx := o.propagator.Derive(inst.Context, childID, rcontext.Full, nil, rcontext.Limits{
		DepthLimit:        o.limits.MaxDepth,
		ResourceThreshold: o.limits.ResourceEscalationThreshold,
	})

	inst.mu.Lock()
	nodeInput := mergeInputs(inst.Inputs[node.Key], inst.Context.InheritedState)
	depth := inst.Context.Depth + 1
	inst.mu.Unlock()

	childInput := make(map[string]interface{}, len(node.InputMapping))
	for srcKey, destKey := range node.InputMapping {
		if v, ok := nodeInput[srcKey]; ok {
			childInput[destKey] = v
		}
	}
	if len(node.InputMapping) == 0 {
		childInput = nodeInput
	}

	child := &Instance{
		ID:               childID,
		TemplateID:       node.SubWorkflowID,
		Graph:            graph,
		RecoveryStrategy: DefaultRecoveryStrategy(),
		Context:          childCtx,
		Input:            childInput,
		Status:           StatusCreated,
		predecessors:     buildPredecessorIndex(graph),
		successors:       buildSuccessorIndex(graph),
		Completed:        make(map[string]bool),
		Failed:           make(map[string]bool),
		Skipped:          make(map[string]bool),
		Outputs:          make(map[string]map[string]interface{}),
		Inputs:           make(map[string]map[string]interface{}),
		AssignedAgents:   make(map[string]string),
		TemplateLineage:  append(append([]string{}, inst.TemplateLineage...), inst.TemplateID),
		CreatedAt:        time.Now(),
	}

	layers, err := dag.TopologicalLayers(graph)
	if err != nil {
		return nil, err
	}
	child.Layers = layers

	want := resource.Vector{CPU: childCtx.ResourceUsage.CPU, MemMB: childCtx.ResourceUsage.MemMB}
	if err := o.resources.Reserve(childID, want); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.instances[childID] = child
	o.spawnCounts[depth]++
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.spawnCounts[depth]--
		o.mu.Unlock()
	}()

	metrics.RecursionDepth.Observe(float64(depth))
	o.emit(eventbus.WorkflowCreated, child, "", map[string]interface{}{"parent": inst.ID.String()})

	o.plan(ctx, child)

	child.setStatus(StatusRunning)
	child.StartedAt = time.Now()
	o.emit(eventbus.WorkflowStarted, child, "", nil)

	o.execute(ctx, child)

	if child.snapshotStatus() != StatusCompleted {
		return nil, &errs.NodeFailed{NodeID: node.Key, Cause: child.Err}
	}

	return flattenOutputs(child.Outputs), nil
}
