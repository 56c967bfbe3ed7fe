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
	"fmt"
	"strings"

	"flowcraft/core/internal/dag"
)

// nodeActive reports whether key is ready to run given the predecessors
// already resolved in inst: a Task/Decision/Fork node needs at least one
// completed predecessor whose connecting edge condition evaluates true
// (Fork's unconditioned out-edges make every branch active; Decision's
// conditioned out-edges make exactly the chosen branch active); a Join
// node needs either every non-skipped predecessor complete (JoinWaitAll,
// the default) or every node named in JoinWaitFor complete. Must be
// called with inst.mu held.
func nodeActive(inst *Instance, key string) bool {
	node := inst.Graph.Nodes[key]
	preds := inst.predecessors[key]
	if len(preds) == 0 {
		return true
	}

	if node.Kind == dag.KindJoin {
		if node.JoinWaitAll || len(node.JoinWaitFor) == 0 {
			for _, e := range preds {
				if inst.Skipped[e.From] {
					continue
				}
				if !inst.Completed[e.From] {
					return false
				}
			}
			return true
		}
		for _, required := range node.JoinWaitFor {
			if !inst.Completed[required] {
				return false
			}
		}
		return true
	}

	for _, e := range preds {
		if inst.Completed[e.From] && evaluateEdgeCondition(e.Condition, inst.Outputs[e.From]) {
			return true
		}
	}
	return false
}

// evaluateEdgeCondition gates edge traversal on the upstream node's
// output. An empty condition always passes (Fork's branches, and plain
// Task-to-Task edges). A "key=value" condition passes when output[key]
// stringifies to value (a Decision node's branch selector). Any other
// non-empty condition is treated as a boolean flag name in output.
func evaluateEdgeCondition(cond string, output map[string]interface{}) bool {
	if cond == "" {
		return true
	}
	if output == nil {
		return false
	}

	if idx := strings.Index(cond, "="); idx >= 0 {
		key := cond[:idx]
		want := cond[idx+1:]
		got, ok := output[key]
		if !ok {
			return false
		}
		return fmt.Sprintf("%v", got) == want
	}

	v, ok := output[cond]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// completeNode records key's output and routes it to every successor
// whose connecting edge condition now evaluates true, merging the
// edge's DataMapping into the successor's accumulated input. Must be
// called without inst.mu held; it takes the lock itself.
func (inst *Instance) completeNode(key string, output map[string]interface{}) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	inst.Completed[key] = true
	inst.Outputs[key] = output

	for _, e := range inst.successors[key] {
		if !evaluateEdgeCondition(e.Condition, output) {
			continue
		}
		dest := inst.Inputs[e.To]
		if dest == nil {
			dest = make(map[string]interface{})
		}
		for srcKey, destKey := range e.DataMapping {
			if v, ok := output[srcKey]; ok {
				dest[destKey] = v
			}
		}
		inst.Inputs[e.To] = dest
	}
}

// mergeInputs layers nodeInput over inherited, so a node-specific value
// always wins over an inherited default of the same key.
func mergeInputs(nodeInput map[string]interface{}, inherited map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(nodeInput)+len(inherited))
	for k, v := range inherited {
		merged[k] = v
	}
	for k, v := range nodeInput {
		merged[k] = v
	}
	return merged
}

// flattenOutputs namespaces a completed workflow's per-node outputs
// under "<node_key>.<field>", the shape a SubWorkflow node's caller
// reads the child's results back as.
func flattenOutputs(outputs map[string]map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for nodeKey, vals := range outputs {
		for k, v := range vals {
			out[nodeKey+"."+k] = v
		}
	}
	return out
}
