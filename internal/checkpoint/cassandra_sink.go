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

package checkpoint

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"flowcraft/core/internal/eventbus"
)

// CassandraEventSink appends every workflow lifecycle event to an
// append-only log, giving the execution-replay / audit use case a
// durable history independent of the in-memory EventBus's best-effort
// delivery.
type CassandraEventSink struct {
	session *gocql.Session
}

// NewCassandraEventSink wraps an already-connected session.
func NewCassandraEventSink(session *gocql.Session) *CassandraEventSink {
	return &CassandraEventSink{session: session}
}

// EnsureSchema creates the workflow_events table if it does not exist.
func (c *CassandraEventSink) EnsureSchema() error {
	err := c.session.Query(`
		CREATE TABLE IF NOT EXISTS workflow_events (
			workflow_id text,
			event_time timestamp,
			event_type text,
			node_key text,
			PRIMARY KEY (workflow_id, event_time)
		) WITH CLUSTERING ORDER BY (event_time ASC)
	`).Exec()
	if err != nil {
		return fmt.Errorf("ensure event sink schema: %w", err)
	}
	return nil
}

// Record appends one lifecycle event to the log. Failures are the
// caller's to handle: unlike EventBus.Publish, this is a durability
// path, not a best-effort fan-out, so a write failure must propagate.
func (c *CassandraEventSink) Record(event eventbus.Event) error {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	err := c.session.Query(`
		INSERT INTO workflow_events (workflow_id, event_time, event_type, node_key)
		VALUES (?, ?, ?, ?)
	`, event.WorkflowID, ts, string(event.Type), event.NodeKey).Exec()
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// History returns every recorded event for workflowID in chronological
// order.
func (c *CassandraEventSink) History(workflowID string) ([]eventbus.Event, error) {
	iter := c.session.Query(`
		SELECT workflow_id, event_time, event_type, node_key
		FROM workflow_events WHERE workflow_id = ?
	`, workflowID).Iter()

	var events []eventbus.Event
	var wid, etype, nodeKey string
	var ts time.Time
	for iter.Scan(&wid, &ts, &etype, &nodeKey) {
		events = append(events, eventbus.Event{
			Type:       eventbus.EventType(etype),
			WorkflowID: wid,
			NodeKey:    nodeKey,
			Timestamp:  ts,
		})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("read event history: %w", err)
	}
	return events, nil
}
