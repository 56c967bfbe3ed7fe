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

// Package context derives a child RecursiveContext from a parent plus an
// InheritanceStrategy and PropagationRule set, enforces bounded-resource
// limits on the result, and stores each created context as a snapshot.
package context

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"flowcraft/core/internal/ids"
)

// InheritanceStrategy selects how a child inherits parent state.
type InheritanceStrategy string

const (
	Full        InheritanceStrategy = "full"
	Selective   InheritanceStrategy = "selective"
	Incremental InheritanceStrategy = "incremental"
	Compressed  InheritanceStrategy = "compressed"
	Custom      InheritanceStrategy = "custom"
)

// RuleCondition evaluates whether a PropagationRule applies to the
// current depth/resource/performance state.
type RuleCondition string

const (
	ConditionAlways              RuleCondition = "always"
	ConditionDepthGreaterThan    RuleCondition = "depth_gt"
	ConditionDepthLessThan       RuleCondition = "depth_lt"
	ConditionResourceUsageGT     RuleCondition = "resource_usage_gt"
	ConditionPerformanceLT       RuleCondition = "performance_lt"
	ConditionCustomExpression    RuleCondition = "custom"
)

// PropagationRule gates inheritance of a single key under Selective.
type PropagationRule struct {
	Key       string
	Condition RuleCondition
	Threshold float64
	CustomEval func(parent *RecursiveContext) bool
}

// ResourceUsage tracks a workflow's accounted resource consumption.
type ResourceUsage struct {
	CPU     float64
	MemMB   float64
}

// PerformanceMetrics tracks a workflow's rolling performance signal.
type PerformanceMetrics struct {
	Score float64
}

// RecursiveContext accompanies every workflow invocation, per spec.md §3.
type RecursiveContext struct {
	WorkflowID       ids.WorkflowID
	RootWorkflowID   ids.WorkflowID
	ParentWorkflowID ids.WorkflowID

	Depth         int
	ExecutionPath []ids.WorkflowID

	InheritedState map[string]interface{}

	ExecutionHistory   []string
	ResourceUsage      ResourceUsage
	PerformanceMetrics PerformanceMetrics
}

// criticalKeys is the default set inherited when no strategy is
// specified, per spec.md §4.6.
var criticalKeys = []string{"user_id", "session_id", "request_id", "priority", "deadline", "constraints"}

// Limits bound the resulting child context.
type Limits struct {
	DepthLimit        int     // 0 means unset
	ResourceThreshold float64 // 0 means unset; interpreted as a CPU ceiling
}

// OptimizationStage is one stage of the post-construction pipeline.
type OptimizationStage string

const (
	StageCompression   OptimizationStage = "compression"
	StageDeduplication OptimizationStage = "deduplication"
	StagePruning       OptimizationStage = "pruning"
)

// Propagator derives child contexts and stores snapshots of each.
type Propagator struct {
	// DepthEfficiencyFn and ResourceScaleFn implement the
	// formulas from spec.md §9 open question 3, overridable per call.
	DepthEfficiencyFn func(depth int) float64
	ResourceScaleFn   func(depth int) float64

	Optimizations []OptimizationStage

	snapshots *SnapshotStore
}

// NewPropagator constructs a Propagator with the spec's literal defaults:
// depth_efficiency = 1/(depth+1), resource_scale = 0.9^depth.
func NewPropagator(store *SnapshotStore) *Propagator {
	return &Propagator{
		DepthEfficiencyFn: func(depth int) float64 { return 1.0 / float64(depth+1) },
		ResourceScaleFn:   func(depth int) float64 { return pow(0.9, depth) },
		snapshots:         store,
	}
}

func pow(base float64, exp int) float64 {
	r := 1.0
	for i := 0; i < exp; i++ {
		r *= base
	}
	return r
}

// Derive builds childID's RecursiveContext from parent according to
// strategy, rules (used by Selective), limits, and optimizations.
func (p *Propagator) Derive(parent *RecursiveContext, childID ids.WorkflowID, strategy InheritanceStrategy, rules []PropagationRule, limits Limits) *RecursiveContext {
	child := &RecursiveContext{
		WorkflowID:       childID,
		RootWorkflowID:   parent.RootWorkflowID,
		ParentWorkflowID: parent.WorkflowID,
		Depth:            parent.Depth + 1,
		ExecutionPath:    append(append([]ids.WorkflowID{}, parent.ExecutionPath...), childID),
		InheritedState:   make(map[string]interface{}),
	}

	switch strategy {
	case Full:
		for k, v := range parent.InheritedState {
			child.InheritedState[k] = v
		}
	case Selective:
		p.applySelective(parent, child, rules)
	case Incremental:
		p.applyIncremental(parent, child)
	case Compressed:
		p.applyCompressed(parent, child)
	case Custom:
		p.applyNamedPolicy(parent, child, rules)
	default:
		p.applyDefault(parent, child)
	}

	efficiency := p.DepthEfficiencyFn(child.Depth)
	child.PerformanceMetrics.Score = parent.PerformanceMetrics.Score * 0.95 * efficiency
	scale := p.ResourceScaleFn(child.Depth)
	child.ResourceUsage.CPU = parent.ResourceUsage.CPU * scale
	child.ResourceUsage.MemMB = parent.ResourceUsage.MemMB * scale

	child.ExecutionHistory = append([]string{}, parent.ExecutionHistory...)

	p.enforceBounds(child, limits)
	p.optimize(child)

	if p.snapshots != nil {
		p.snapshots.Put(snapshotFromContext(child))
	}

	return child
}

func (p *Propagator) applyDefault(parent, child *RecursiveContext) {
	for _, k := range criticalKeys {
		if v, ok := parent.InheritedState[k]; ok {
			child.InheritedState[k] = v
		}
	}
}

func (p *Propagator) applySelective(parent, child *RecursiveContext, rules []PropagationRule) {
	for _, rule := range rules {
		if p.evalCondition(parent, rule) {
			if v, ok := parent.InheritedState[rule.Key]; ok {
				child.InheritedState[rule.Key] = v
			}
		}
	}
}

func (p *Propagator) evalCondition(parent *RecursiveContext, rule PropagationRule) bool {
	switch rule.Condition {
	case ConditionAlways:
		return true
	case ConditionDepthGreaterThan:
		return float64(parent.Depth) > rule.Threshold
	case ConditionDepthLessThan:
		return float64(parent.Depth) < rule.Threshold
	case ConditionResourceUsageGT:
		return parent.ResourceUsage.CPU > rule.Threshold
	case ConditionPerformanceLT:
		return parent.PerformanceMetrics.Score < rule.Threshold
	case ConditionCustomExpression:
		if rule.CustomEval != nil {
			return rule.CustomEval(parent)
		}
		return false
	default:
		return false
	}
}

// applyIncremental inherits only keys changed since the most recent
// stored snapshot of the parent; first invocation (no prior snapshot)
// degrades to Full.
func (p *Propagator) applyIncremental(parent, child *RecursiveContext) {
	if p.snapshots == nil {
		for k, v := range parent.InheritedState {
			child.InheritedState[k] = v
		}
		return
	}
	prior, ok := p.snapshots.Latest(parent.WorkflowID)
	if !ok {
		for k, v := range parent.InheritedState {
			child.InheritedState[k] = v
		}
		return
	}
	for k, v := range parent.InheritedState {
		if priorVal, existed := prior.State[k]; !existed || !equalJSON(priorVal, v) {
			child.InheritedState[k] = v
		}
	}
}

func (p *Propagator) applyCompressed(parent, child *RecursiveContext) {
	for k, v := range parent.InheritedState {
		if isNullOrEmpty(v) {
			continue
		}
		child.InheritedState[k] = v
	}
	child.InheritedState["_compression_applied"] = true
}

// applyNamedPolicy selects among the other strategies at runtime by
// name, matched against the first rule's Key as the policy name.
func (p *Propagator) applyNamedPolicy(parent, child *RecursiveContext, rules []PropagationRule) {
	name := ""
	if len(rules) > 0 {
		name = rules[0].Key
	}
	switch name {
	case "performance_aware":
		if parent.PerformanceMetrics.Score < 0.5 {
			p.applyCompressed(parent, child)
			return
		}
		for k, v := range parent.InheritedState {
			child.InheritedState[k] = v
		}
	case "resource_limited":
		p.applyDefault(parent, child)
	default:
		p.applyDefault(parent, child)
	}
}

// enforceBounds applies the depth_limit and resource_threshold rules
// from spec.md §4.6.
func (p *Propagator) enforceBounds(child *RecursiveContext, limits Limits) {
	if limits.DepthLimit > 0 && child.Depth > limits.DepthLimit {
		retained := make(map[string]interface{}, len(criticalKeys))
		for _, k := range criticalKeys {
			if v, ok := child.InheritedState[k]; ok {
				retained[k] = v
			}
		}
		child.InheritedState = retained

		half := len(child.ExecutionHistory) / 2
		if half < len(child.ExecutionHistory) {
			child.ExecutionHistory = child.ExecutionHistory[:half]
		}
	}

	if limits.ResourceThreshold > 0 && child.ResourceUsage.CPU > limits.ResourceThreshold {
		child.ResourceUsage.CPU = limits.ResourceThreshold
		child.ResourceUsage.MemMB *= 0.8
		for k, v := range child.InheritedState {
			if serializedSize(v) > 1024 {
				delete(child.InheritedState, k)
			}
		}
	}
}

// optimize runs the configured Compression | Deduplication | Pruning
// pipeline over child's state and history.
func (p *Propagator) optimize(child *RecursiveContext) {
	for _, stage := range p.Optimizations {
		switch stage {
		case StageCompression:
			for k, v := range child.InheritedState {
				if isNullOrEmpty(v) {
					delete(child.InheritedState, k)
				}
			}
		case StageDeduplication:
			seen := make(map[string]struct{})
			deduped := make([]string, 0, len(child.ExecutionHistory))
			for _, h := range child.ExecutionHistory {
				if _, ok := seen[h]; ok {
					continue
				}
				seen[h] = struct{}{}
				deduped = append(deduped, h)
			}
			child.ExecutionHistory = deduped
		case StagePruning:
			for k := range child.InheritedState {
				if strings.HasPrefix(k, "temp_") || strings.HasPrefix(k, "debug_") {
					delete(child.InheritedState, k)
				}
			}
			if len(child.ExecutionHistory) > 10 {
				child.ExecutionHistory = child.ExecutionHistory[len(child.ExecutionHistory)-10:]
			}
		}
	}
}

func isNullOrEmpty(v interface{}) bool {
	if v == nil {
		return true
	}
	switch val := v.(type) {
	case string:
		return val == ""
	case []interface{}:
		return len(val) == 0
	case map[string]interface{}:
		return len(val) == 0
	default:
		return false
	}
}

func serializedSize(v interface{}) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}

func equalJSON(a, b interface{}) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}

// ContextSnapshot is the stored record of a created child context, per
// spec.md §4.6.
type ContextSnapshot struct {
	SnapshotID   string
	WorkflowID   ids.WorkflowID
	Depth        int
	Timestamp    time.Time
	State        map[string]interface{}
	Size         int
	AccessCount  int
	TTL          time.Duration
	Priority     int
	Tags         []string
	Dependencies []ids.WorkflowID
	Version      int
}

func snapshotFromContext(c *RecursiveContext) ContextSnapshot {
	return ContextSnapshot{
		SnapshotID:   string(c.WorkflowID) + "-v1",
		WorkflowID:   c.WorkflowID,
		Depth:        c.Depth,
		Timestamp:    time.Now(),
		State:        c.InheritedState,
		Size:         serializedSize(c.InheritedState),
		Dependencies: append([]ids.WorkflowID{}, c.ExecutionPath...),
		Version:      1,
	}
}

// SnapshotStore keeps the latest ContextSnapshot per workflow ID, keyed
// by workflow_id with latest-wins semantics.
type SnapshotStore struct {
	mu    sync.RWMutex
	byWID map[ids.WorkflowID]ContextSnapshot
}

// NewSnapshotStore constructs an empty in-memory snapshot store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{byWID: make(map[ids.WorkflowID]ContextSnapshot)}
}

// Put stores snap, overwriting any prior snapshot for the same workflow.
func (s *SnapshotStore) Put(snap ContextSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byWID[snap.WorkflowID] = snap
}

// Latest returns the most recently stored snapshot for workflowID.
func (s *SnapshotStore) Latest(workflowID ids.WorkflowID) (ContextSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.byWID[workflowID]
	return snap, ok
}
