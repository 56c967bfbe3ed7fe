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

	"flowcraft/core/internal/checkpoint"
	"flowcraft/core/internal/eventbus"
	"flowcraft/core/internal/resource"
)

// RecoveryKind names the action applied when a node fails after
// exhausting its retry policy.
type RecoveryKind string

const (
	// RecoveryRestart reloads the last saved checkpoint and resumes
	// execution from it, re-marking already-completed nodes so they are
	// not re-run.
	RecoveryRestart RecoveryKind = "restart"
	// RecoveryFallback deploys and starts an alternate registered
	// template workflow in place of the failed one.
	RecoveryFallback RecoveryKind = "fallback"
	// RecoveryGraceful optionally saves a checkpoint and then terminates
	// the workflow as Failed, leaving no automated follow-up.
	RecoveryGraceful RecoveryKind = "graceful"
	// RecoveryManual terminates the workflow as Failed and leaves it for
	// an operator to inspect and resume by hand.
	RecoveryManual RecoveryKind = "manual"
)

// RecoveryStrategy configures what happens when a node's execution
// fails after retries are exhausted.
type RecoveryStrategy struct {
	Kind               RecoveryKind
	FallbackTemplateID string
	SaveState          bool
}

// DefaultRecoveryStrategy is RecoveryManual with no state save: the
// conservative default for a workflow deployed without an explicit
// strategy.
func DefaultRecoveryStrategy() RecoveryStrategy {
	return RecoveryStrategy{Kind: RecoveryManual}
}

// handleNodeFailure applies inst's RecoveryStrategy to a failed node.
// It returns true when execution should continue with the next layer
// (RecoveryRestart resumes in place) and false when inst has been
// terminated or handed off to a fallback instance.
func (o *Orchestrator) handleNodeFailure(ctx context.Context, inst *Instance, nodeKey string, cause error) bool {
	inst.mu.Lock()
	inst.Failed[nodeKey] = true
	inst.mu.Unlock()

	o.emit(eventbus.ErrorEvent, inst, nodeKey, map[string]interface{}{"error": cause.Error()})
	o.log.ErrorWithCause(inst.Context.RootWorkflowID.String(), inst.ID.String(), "node failed", cause, map[string]interface{}{"node": nodeKey})

	return o.applyRecovery(ctx, inst, nodeKey, cause)
}

func (o *Orchestrator) applyRecovery(ctx context.Context, inst *Instance, nodeKey string, cause error) bool {
	strategy := inst.RecoveryStrategy
	if strategy.Kind == "" {
		strategy = DefaultRecoveryStrategy()
	}

	switch strategy.Kind {
	case RecoveryRestart:
		return o.recoverByRestart(ctx, inst, nodeKey)

	case RecoveryFallback:
		o.recoverByFallback(ctx, inst, strategy.FallbackTemplateID)
		inst.setStatus(StatusFailed)
		return false

	case RecoveryGraceful:
		if strategy.SaveState {
			o.saveCheckpoint(ctx, inst)
		}
		inst.setStatus(StatusFailed)
		return false

	default: // RecoveryManual
		inst.setStatus(StatusFailed)
		return false
	}
}

// recoverByRestart reloads inst's last checkpoint (if any), re-marks its
// completed nodes so they are not re-run, then re-dispatches nodeKey
// itself synchronously. It returns true (execute should continue into
// the next layer) only once nodeKey has actually completed; a second
// failure on the re-dispatch leaves nodeKey marked Failed and halts the
// workflow, since a restart that can't make progress must not be
// reported as complete.
func (o *Orchestrator) recoverByRestart(ctx context.Context, inst *Instance, nodeKey string) bool {
	if o.store != nil {
		cp, ok, err := o.store.LoadCheckpoint(ctx, inst.ID)
		if err == nil && ok {
			inst.mu.Lock()
			for _, key := range cp.CompletedAt {
				inst.Completed[key] = true
			}
			inst.mu.Unlock()
		}
	}

	o.emit(eventbus.NodeStarted, inst, nodeKey, map[string]interface{}{"recovery": string(RecoveryRestart)})

	node := inst.Graph.Nodes[nodeKey]
	output, err := o.runNode(ctx, inst, node)
	if err != nil {
		inst.mu.Lock()
		inst.Failed[nodeKey] = true
		inst.mu.Unlock()
		o.log.ErrorWithCause(inst.Context.RootWorkflowID.String(), inst.ID.String(), "restart recovery failed", err, map[string]interface{}{"node": nodeKey})
		return false
	}

	inst.mu.Lock()
	delete(inst.Failed, nodeKey)
	inst.mu.Unlock()
	inst.completeNode(nodeKey, output)

	return true
}

// recoverByFallback deploys and starts templateID as a new instance
// linked back to inst via FallbackOf, inheriting inst's input. The
// fallback reserves an empty resource vector, not inst's original want.
func (o *Orchestrator) recoverByFallback(ctx context.Context, inst *Instance, templateID string) {
	o.mu.RLock()
	graph, ok := o.catalog[templateID]
	o.mu.RUnlock()
	if !ok {
		o.log.Error(inst.Context.RootWorkflowID.String(), inst.ID.String(), "fallback template not registered", map[string]interface{}{"template": templateID})
		return
	}

	fallback, err := o.Deploy(ctx, templateID, graph, inst.Input, resource.Vector{}, DefaultRecoveryStrategy())
	if err != nil {
		o.log.ErrorWithCause(inst.Context.RootWorkflowID.String(), inst.ID.String(), "fallback deploy failed", err, nil)
		return
	}
	fallback.FallbackOf = inst.ID

	if err := o.Start(fallback.ID); err != nil {
		o.log.ErrorWithCause(inst.Context.RootWorkflowID.String(), inst.ID.String(), "fallback start failed", err, nil)
	}
}

func (o *Orchestrator) saveCheckpoint(ctx context.Context, inst *Instance) {
	if o.store == nil {
		return
	}
	_ = o.store.SaveCheckpoint(ctx, checkpoint.WorkflowCheckpoint{
		WorkflowID:  inst.ID,
		CompletedAt: inst.completedKeys(),
		SavedAt:     time.Now(),
	})
}
