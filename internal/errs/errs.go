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

// Package errs defines the typed error taxonomy surfaced by the
// orchestration engine's API: validation, resource exhaustion, recursion
// limits, node failure, timeout, cancellation, and internal errors.
package errs

import "fmt"

// ValidationError reports a structural problem detected before execution,
// e.g. a cycle or a dangling edge. Never retried.
type ValidationError struct {
	Reason string
	Nodes  []string
}

func (e *ValidationError) Error() string {
	if len(e.Nodes) > 0 {
		return fmt.Sprintf("validation error: %s %v", e.Reason, e.Nodes)
	}
	return fmt.Sprintf("validation error: %s", e.Reason)
}

// ResourceExhausted reports that a reservation could not be admitted
// because a resource dimension would exceed its configured limit.
type ResourceExhausted struct {
	Dimension string
}

func (e *ResourceExhausted) Error() string {
	return fmt.Sprintf("resource exhausted: %s", e.Dimension)
}

// RecursionLimitExceeded reports that a subworkflow spawn was rejected by
// RecursionLimits enforcement.
type RecursionLimitExceeded struct {
	Which string
}

func (e *RecursionLimitExceeded) Error() string {
	return fmt.Sprintf("recursion limit exceeded: %s", e.Which)
}

// NodeFailed reports that a node exhausted its retry budget.
type NodeFailed struct {
	NodeID string
	Cause  error
}

func (e *NodeFailed) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("node %s failed: %v", e.NodeID, e.Cause)
	}
	return fmt.Sprintf("node %s failed", e.NodeID)
}

func (e *NodeFailed) Unwrap() error { return e.Cause }

// WorkflowTimeout reports that a workflow-scoped deadline elapsed.
type WorkflowTimeout struct {
	WorkflowID string
}

func (e *WorkflowTimeout) Error() string {
	return fmt.Sprintf("workflow %s timed out", e.WorkflowID)
}

// Cancelled reports cooperative cancellation of a workflow or node.
type Cancelled struct {
	Reason string
}

func (e *Cancelled) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cancelled: %s", e.Reason)
	}
	return "cancelled"
}

// InternalError wraps an unexpected invariant violation or impossible
// state transition.
type InternalError struct {
	Reason string
	Cause  error
}

func (e *InternalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("internal error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("internal error: %s", e.Reason)
}

func (e *InternalError) Unwrap() error { return e.Cause }

// Transient classifies an error as retriable per spec.md §7: timeouts,
// network errors, and upstream 5xx/rate-limit responses are retriable by
// default; assertion failures and resource exhaustion are not.
func Transient(err error) bool {
	switch err.(type) {
	case *ValidationError, *ResourceExhausted, *RecursionLimitExceeded:
		return false
	default:
		return true
	}
}
