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

// Package ids mints the opaque 128-bit identifiers used for workflows,
// nodes, and MCTS sessions across the orchestration engine.
package ids

import "github.com/google/uuid"

// WorkflowID identifies a single workflow instance (root or recursive child).
type WorkflowID string

// SessionID identifies an MCTS planning session.
type SessionID string

// NewWorkflowID mints a new opaque workflow identifier.
func NewWorkflowID() WorkflowID {
	return WorkflowID(uuid.NewString())
}

// NewSessionID mints a new opaque MCTS session identifier.
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// Empty reports whether id is the zero value.
func (w WorkflowID) Empty() bool { return w == "" }

// String returns the identifier's string form.
func (w WorkflowID) String() string { return string(w) }

// String returns the identifier's string form.
func (s SessionID) String() string { return string(s) }
