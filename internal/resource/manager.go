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

// Package resource accounts CPU, memory, network, storage, and active
// agent slots against configured limits, and admits or rejects workflow
// reservations against that shared pool.
package resource

import (
	"sync"

	"flowcraft/core/internal/errs"
	"flowcraft/core/internal/ids"
)

// Vector is a resource amount along each accounted dimension.
type Vector struct {
	CPU     float64
	MemMB   float64
	NetMbps float64
	StoreMB float64
	Agents  float64
}

func (v Vector) add(o Vector) Vector {
	return Vector{
		CPU:     v.CPU + o.CPU,
		MemMB:   v.MemMB + o.MemMB,
		NetMbps: v.NetMbps + o.NetMbps,
		StoreMB: v.StoreMB + o.StoreMB,
		Agents:  v.Agents + o.Agents,
	}
}

func (v Vector) sub(o Vector) Vector {
	return Vector{
		CPU:     v.CPU - o.CPU,
		MemMB:   v.MemMB - o.MemMB,
		NetMbps: v.NetMbps - o.NetMbps,
		StoreMB: v.StoreMB - o.StoreMB,
		Agents:  v.Agents - o.Agents,
	}
}

// exceeds reports the first dimension of v that exceeds limit, if any.
func (v Vector) exceeds(limit Vector) (string, bool) {
	switch {
	case v.CPU > limit.CPU:
		return "cpu", true
	case v.MemMB > limit.MemMB:
		return "memory", true
	case v.NetMbps > limit.NetMbps:
		return "network", true
	case v.StoreMB > limit.StoreMB:
		return "storage", true
	case v.Agents > limit.Agents:
		return "agents", true
	default:
		return "", false
	}
}

// Manager is the single globally shared mutable state described in
// spec.md §5: one critical section around the allocated totals, no
// queuing — a failed reservation returns an error for the caller to
// retry after backoff.
type Manager struct {
	mu           sync.Mutex
	limits       Vector
	used         Vector
	reservations map[ids.WorkflowID]Vector
}

// NewManager constructs a Manager bounded by the given global limits.
func NewManager(limits Vector) *Manager {
	return &Manager{
		limits:       limits,
		reservations: make(map[ids.WorkflowID]Vector),
	}
}

// Reserve atomically admits the requested vector against the remaining
// headroom under limits. First-fit: the whole reservation fails if any
// single dimension would be exceeded.
func (m *Manager) Reserve(workflowID ids.WorkflowID, want Vector) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidate := m.used.add(want)
	if dim, over := candidate.exceeds(m.limits); over {
		return &errs.ResourceExhausted{Dimension: dim}
	}

	m.used = candidate
	m.reservations[workflowID] = m.reservations[workflowID].add(want)
	return nil
}

// Release is idempotent: releasing a workflow with no outstanding
// reservation is a no-op, and two consecutive releases leave accounting
// unchanged.
func (m *Manager) Release(workflowID ids.WorkflowID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	held, ok := m.reservations[workflowID]
	if !ok {
		return
	}
	m.used = m.used.sub(held)
	delete(m.reservations, workflowID)
}

// Adjust applies delta to a workflow's existing reservation, failing if
// the result would exceed limits. Used for autoscaling or dynamic
// modification hooks; never called from the deploy/start critical path.
func (m *Manager) Adjust(workflowID ids.WorkflowID, delta Vector) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	held := m.reservations[workflowID]
	candidateHeld := held.add(delta)
	candidateUsed := m.used.sub(held).add(candidateHeld)

	if dim, over := candidateUsed.exceeds(m.limits); over {
		return &errs.ResourceExhausted{Dimension: dim}
	}

	m.used = candidateUsed
	m.reservations[workflowID] = candidateHeld
	return nil
}

// Used returns a snapshot of the currently reserved totals.
func (m *Manager) Used() Vector {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// ReservationFor returns the vector currently held by workflowID.
func (m *Manager) ReservationFor(workflowID ids.WorkflowID) Vector {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reservations[workflowID]
}
