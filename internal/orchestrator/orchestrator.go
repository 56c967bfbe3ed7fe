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

// Package orchestrator drives one workflow instance through its full
// lifecycle: deploy (validate, reserve resources, plan), start (seed
// source nodes and dispatch layer by layer), node-completion routing
// through edge data-mappings and Decision/Fork/Join semantics, failure
// recovery, and recursive sub-workflow spawning bounded by
// RecursionLimits.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"flowcraft/core/internal/agentregistry"
	"flowcraft/core/internal/bandit"
	"flowcraft/core/internal/checkpoint"
	rcontext "flowcraft/core/internal/context"
	"flowcraft/core/internal/dag"
	"flowcraft/core/internal/engine"
	"flowcraft/core/internal/eventbus"
	"flowcraft/core/internal/ids"
	"flowcraft/core/internal/mcts"
	"flowcraft/core/internal/metrics"
	"flowcraft/core/internal/resource"
	"flowcraft/core/shared/logger"
)

// Status is one state in the workflow lifecycle state machine.
type Status string

const (
	StatusCreated   Status = "created"
	StatusPlanning  Status = "planning"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Instance is one deployed workflow: its graph, its runtime state, and
// the RecursiveContext threading it back to its root (or itself, for a
// root workflow).
type Instance struct {
	ID               ids.WorkflowID
	TemplateID       string
	Graph            *dag.Graph
	RecoveryStrategy RecoveryStrategy
	Context          *rcontext.RecursiveContext
	Input            map[string]interface{}

	mu              sync.Mutex
	Status          Status
	Layers          [][]string
	predecessors    map[string][]dag.Edge
	successors      map[string][]dag.Edge
	Completed       map[string]bool
	Failed          map[string]bool
	Skipped         map[string]bool
	Outputs         map[string]map[string]interface{}
	Inputs          map[string]map[string]interface{}
	AssignedAgents  map[string]string
	Plan            mcts.Result
	FallbackOf      ids.WorkflowID
	TemplateLineage []string

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}

func (inst *Instance) snapshotStatus() Status {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.Status
}

func (inst *Instance) setStatus(s Status) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.Status = s
}

// View is a race-free snapshot of an Instance's externally visible
// state, the shape an HTTP API reports back to a caller.
type View struct {
	ID         ids.WorkflowID
	TemplateID string
	Status     Status
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}

// Snapshot copies out inst's externally visible state under its lock.
func (inst *Instance) Snapshot() View {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return View{
		ID:         inst.ID,
		TemplateID: inst.TemplateID,
		Status:     inst.Status,
		CreatedAt:  inst.CreatedAt,
		StartedAt:  inst.StartedAt,
		FinishedAt: inst.FinishedAt,
		Err:        inst.Err,
	}
}

// completedKeys returns every node key marked complete, used to build a
// WorkflowCheckpoint for RecoveryStrategy.Restart / Graceful.
func (inst *Instance) completedKeys() []string {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	out := make([]string, 0, len(inst.Completed))
	for k, v := range inst.Completed {
		if v {
			out = append(out, k)
		}
	}
	return out
}

// Orchestrator owns every deployed Instance and the shared subsystems
// wired together per node: resource accounting, agent selection, task
// execution, context propagation, event emission, planning, and
// checkpointing.
type Orchestrator struct {
	mu        sync.RWMutex
	instances map[ids.WorkflowID]*Instance
	catalog   map[string]*dag.Graph

	resources  *resource.Manager
	registry   *agentregistry.Registry
	engine     *engine.Engine
	propagator *rcontext.Propagator
	bus        *eventbus.Bus
	store      checkpoint.Store
	sampler    *bandit.Sampler
	perfModel  *agentregistry.PerformanceModel
	limits     RecursionLimits

	spawnCounts map[int]int // active sub-workflow spawns per recursion depth
	log         *logger.Logger

	defaultTimeout time.Duration
}

// New constructs an Orchestrator wired to its subsystems. Any of
// resources/registry/propagator/bus/store/sampler/perfModel may be the
// package-level defaults (resource.NewManager, agentregistry.NewRegistry,
// and so on); eng must not be nil.
func New(
	resources *resource.Manager,
	registry *agentregistry.Registry,
	eng *engine.Engine,
	propagator *rcontext.Propagator,
	bus *eventbus.Bus,
	store checkpoint.Store,
	sampler *bandit.Sampler,
	perfModel *agentregistry.PerformanceModel,
	limits RecursionLimits,
) *Orchestrator {
	return &Orchestrator{
		instances:      make(map[ids.WorkflowID]*Instance),
		catalog:        make(map[string]*dag.Graph),
		resources:      resources,
		registry:       registry,
		engine:         eng,
		propagator:     propagator,
		bus:            bus,
		store:          store,
		sampler:        sampler,
		perfModel:      perfModel,
		limits:         limits,
		spawnCounts:    make(map[int]int),
		log:            logger.New("orchestrator"),
		defaultTimeout: 30 * time.Second,
	}
}

// RegisterTemplate makes a named workflow graph available as a
// sub-workflow target for KindSubWorkflow nodes whose SubWorkflowID
// matches templateID.
func (o *Orchestrator) RegisterTemplate(templateID string, g *dag.Graph) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.catalog[templateID] = g
}

// Deploy validates graph, reserves want against the shared resource
// pool, runs MCTS planning over the registry's candidate agents, and
// returns a new Instance in StatusScheduled. templateID may be empty
// for a workflow that is never itself the target of a SubWorkflow node.
func (o *Orchestrator) Deploy(ctx context.Context, templateID string, graph *dag.Graph, input map[string]interface{}, want resource.Vector, recovery RecoveryStrategy) (*Instance, error) {
	if err := dag.Validate(graph); err != nil {
		return nil, err
	}

	workflowID := ids.NewWorkflowID()
	if err := o.resources.Reserve(workflowID, want); err != nil {
		return nil, err
	}

	layers, err := dag.TopologicalLayers(graph)
	if err != nil {
		o.resources.Release(workflowID)
		return nil, err
	}

	rootCtx := &rcontext.RecursiveContext{
		WorkflowID:     workflowID,
		RootWorkflowID: workflowID,
		Depth:          0,
		ExecutionPath:  []ids.WorkflowID{workflowID},
		InheritedState: cloneMap(input),
	}

	inst := &Instance{
		ID:               workflowID,
		TemplateID:       templateID,
		Graph:            graph,
		RecoveryStrategy: recovery,
		Context:          rootCtx,
		Input:            input,
		Status:           StatusCreated,
		Layers:           layers,
		predecessors:     buildPredecessorIndex(graph),
		successors:       buildSuccessorIndex(graph),
		Completed:        make(map[string]bool),
		Failed:           make(map[string]bool),
		Skipped:          make(map[string]bool),
		Outputs:          make(map[string]map[string]interface{}),
		Inputs:           make(map[string]map[string]interface{}),
		AssignedAgents:   make(map[string]string),
		CreatedAt:        time.Now(),
	}

	o.mu.Lock()
	o.instances[workflowID] = inst
	o.mu.Unlock()

	o.emit(eventbus.WorkflowCreated, inst, "", nil)

	o.plan(ctx, inst)

	return inst, nil
}

// plan transitions Created -> Planning -> Scheduled, running the MCTS
// planner over every agent the registry currently knows about. Agent
// assignment at execution time scores registry candidates first and
// uses the planner's recommendations only when a node has no candidate.
func (o *Orchestrator) plan(ctx context.Context, inst *Instance) {
	inst.setStatus(StatusPlanning)

	candidates := o.registry.Candidates(agentregistry.Requirements{})
	agentIDs := make([]string, len(candidates))
	for i, c := range candidates {
		agentIDs[i] = c.ID
	}

	if len(agentIDs) > 0 {
		sessionID := ids.NewSessionID()
		cache := newMCTSCheckpointAdapter(o.store)
		planner := mcts.NewPlanner(mcts.DefaultConfig(), o.sampler, o.perfModel, cache, sessionID)
		result := planner.Run(inst.ID.String(), inst.ID.String(), agentIDs)
		inst.mu.Lock()
		inst.Plan = result
		inst.mu.Unlock()
		metrics.MCTSConfidence.Observe(result.Confidence)
	}

	inst.setStatus(StatusScheduled)
}

// Start transitions Scheduled -> Running and launches execution in the
// background; callers poll Status via Get.
func (o *Orchestrator) Start(workflowID ids.WorkflowID) error {
	inst, ok := o.Get(workflowID)
	if !ok {
		return fmt.Errorf("orchestrator: unknown workflow %s", workflowID)
	}

	inst.mu.Lock()
	if inst.Status != StatusScheduled && inst.Status != StatusCreated {
		inst.mu.Unlock()
		return fmt.Errorf("orchestrator: workflow %s cannot start from status %s", workflowID, inst.Status)
	}
	inst.Status = StatusRunning
	inst.StartedAt = time.Now()
	inst.mu.Unlock()

	o.emit(eventbus.WorkflowStarted, inst, "", nil)

	go o.execute(context.Background(), inst)
	return nil
}

// Get returns the instance for workflowID, if deployed.
func (o *Orchestrator) Get(workflowID ids.WorkflowID) (*Instance, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	inst, ok := o.instances[workflowID]
	return inst, ok
}

// Cancel cooperatively cancels a running workflow: subsequent layers are
// not dispatched, already-running tasks are not interrupted (the
// spec's suspension-point model leaves in-flight node execution to run
// to completion).
func (o *Orchestrator) Cancel(workflowID ids.WorkflowID) error {
	inst, ok := o.Get(workflowID)
	if !ok {
		return fmt.Errorf("orchestrator: unknown workflow %s", workflowID)
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.Status == StatusCompleted || inst.Status == StatusFailed || inst.Status == StatusCancelled {
		return fmt.Errorf("orchestrator: workflow %s already terminal (%s)", workflowID, inst.Status)
	}
	inst.Status = StatusCancelled
	return nil
}

// execute runs inst's layers in order, routing outputs into successors
// and applying recovery on node failure, until every layer has run or
// the workflow is cancelled or fails terminally.
func (o *Orchestrator) execute(ctx context.Context, inst *Instance) {
	defer o.resources.Release(inst.ID)

	for _, layer := range inst.Layers {
		if inst.snapshotStatus() == StatusCancelled {
			break
		}

		active := o.resolveLayer(inst, layer)
		if len(active) == 0 {
			continue
		}

		if !o.dispatchLayer(ctx, inst, active) {
			break
		}
	}

	inst.mu.Lock()
	finished := inst.Status
	if finished != StatusCancelled && finished != StatusFailed {
		if len(inst.Failed) > 0 {
			finished = StatusFailed
		} else {
			finished = StatusCompleted
		}
	}
	inst.Status = finished
	inst.FinishedAt = time.Now()
	duration := inst.FinishedAt.Sub(inst.StartedAt)
	inst.mu.Unlock()

	metrics.WorkflowsTotal.WithLabelValues(string(finished)).Inc()
	metrics.WorkflowDurationMilliseconds.WithLabelValues(string(finished)).Observe(float64(duration.Milliseconds()))

	if finished == StatusCompleted {
		o.emit(eventbus.WorkflowCompleted, inst, "", nil)
	} else {
		o.emit(eventbus.ErrorEvent, inst, "", map[string]interface{}{"status": string(finished)})
	}
}

// resolveLayer decides, for every node in layer, whether it is active
// (ready to run), already resolved, or should be cascaded as Skipped
// because every predecessor path into it was itself skipped or failed.
func (o *Orchestrator) resolveLayer(inst *Instance, layer []string) []string {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	var active []string
	for _, key := range layer {
		if inst.Completed[key] || inst.Skipped[key] || inst.Failed[key] {
			continue
		}
		if nodeActive(inst, key) {
			active = append(active, key)
		} else {
			inst.Skipped[key] = true
		}
	}
	return active
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func buildPredecessorIndex(g *dag.Graph) map[string][]dag.Edge {
	idx := make(map[string][]dag.Edge, len(g.Nodes))
	for _, e := range g.Edges {
		idx[e.To] = append(idx[e.To], e)
	}
	return idx
}

func buildSuccessorIndex(g *dag.Graph) map[string][]dag.Edge {
	idx := make(map[string][]dag.Edge, len(g.Nodes))
	for _, e := range g.Edges {
		idx[e.From] = append(idx[e.From], e)
	}
	return idx
}

// emit best-effort publishes a lifecycle event; a nil Bus (no observers
// wired) is a silent no-op.
func (o *Orchestrator) emit(t eventbus.EventType, inst *Instance, nodeKey string, data map[string]interface{}) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(eventbus.Event{Type: t, WorkflowID: inst.ID.String(), NodeKey: nodeKey, Data: data})
}
