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

// Package eventbus is the orchestrator's best-effort, non-blocking
// workflow lifecycle event fan-out: WorkflowCreated, WorkflowStarted,
// WorkflowCompleted, NodeStarted, NodeCompleted, AgentAssigned,
// ResourceAllocated, and Error. Publish never blocks the caller; a
// subscriber whose queue is full silently drops the event, matching
// spec.md §5's "event-bus emission to slow subscribers" suspension point.
package eventbus

import (
	"sync"
	"time"

	"flowcraft/core/internal/metrics"
)

// EventType names one of the workflow lifecycle events.
type EventType string

const (
	WorkflowCreated   EventType = "WorkflowCreated"
	WorkflowStarted   EventType = "WorkflowStarted"
	WorkflowCompleted EventType = "WorkflowCompleted"
	NodeStarted       EventType = "NodeStarted"
	NodeCompleted     EventType = "NodeCompleted"
	AgentAssigned     EventType = "AgentAssigned"
	ResourceAllocated EventType = "ResourceAllocated"
	ErrorEvent        EventType = "Error"
)

// Event is one published lifecycle notification.
type Event struct {
	Type       EventType
	WorkflowID string
	NodeKey    string
	Timestamp  time.Time
	Data       map[string]interface{}
}

const defaultSubscriberQueueSize = 256

// subscriber holds one listener's bounded delivery queue.
type subscriber struct {
	id      int
	filter  map[EventType]bool // nil means "all types"
	ch      chan Event
}

// Bus is a typed, best-effort pub/sub for workflow lifecycle events.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscriber
	nextID      int
	queueSize   int
}

// NewBus constructs a Bus whose per-subscriber queues hold queueSize
// events before new events are dropped. queueSize <= 0 uses the default.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = defaultSubscriberQueueSize
	}
	return &Bus{
		subscribers: make(map[int]*subscriber),
		queueSize:   queueSize,
	}
}

// Subscription is a handle returned by Subscribe; callers read from
// Events and must call Unsubscribe when done listening.
type Subscription struct {
	Events <-chan Event
	bus    *Bus
	id     int
}

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if sub, ok := s.bus.subscribers[s.id]; ok {
		close(sub.ch)
		delete(s.bus.subscribers, s.id)
	}
}

// Subscribe registers a new listener. If types is empty, the subscriber
// receives every event type.
func (b *Bus) Subscribe(types ...EventType) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	var filter map[EventType]bool
	if len(types) > 0 {
		filter = make(map[EventType]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}

	id := b.nextID
	b.nextID++
	sub := &subscriber{id: id, filter: filter, ch: make(chan Event, b.queueSize)}
	b.subscribers[id] = sub

	return &Subscription{Events: sub.ch, bus: b, id: id}
}

// Publish delivers event to every matching subscriber without blocking;
// a subscriber whose queue is full has the event dropped for it and the
// drop is recorded to metrics.EventsDroppedTotal.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if sub.filter != nil && !sub.filter[event.Type] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			metrics.EventsDroppedTotal.WithLabelValues(string(event.Type)).Inc()
		}
	}
}

// SubscriberCount returns the current number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
