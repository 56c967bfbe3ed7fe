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
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"flowcraft/core/internal/ids"
)

// MySQLStore is a WorkflowCheckpoint backend for deployments standardized
// on MySQL rather than Postgres. Unlike PostgresStore it cannot rely on
// a native array column type, so CompletedAt is marshaled to a JSON
// array and stored in a JSON column.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore wraps an already-connected *sql.DB. As with the
// teacher's MySQLConnector, callers own pool sizing (SetMaxOpenConns,
// SetMaxIdleConns, SetConnMaxLifetime, SetConnMaxIdleTime) before
// passing db in here.
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// EnsureSchema creates the checkpoints table if it does not already exist.
func (m *MySQLStore) EnsureSchema(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			workflow_id VARCHAR(191) PRIMARY KEY,
			state JSON NOT NULL,
			completed_at JSON NOT NULL,
			saved_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure checkpoint schema: %w", err)
	}
	return nil
}

func (m *MySQLStore) SaveCheckpoint(ctx context.Context, cp WorkflowCheckpoint) error {
	if cp.SavedAt.IsZero() {
		cp.SavedAt = time.Now()
	}
	completed, err := json.Marshal(cp.CompletedAt)
	if err != nil {
		return fmt.Errorf("marshal completed_at: %w", err)
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO workflow_checkpoints (workflow_id, state, completed_at, saved_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			state = VALUES(state),
			completed_at = VALUES(completed_at),
			saved_at = VALUES(saved_at)
	`, string(cp.WorkflowID), []byte(cp.State), completed, cp.SavedAt)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (m *MySQLStore) LoadCheckpoint(ctx context.Context, workflowID ids.WorkflowID) (WorkflowCheckpoint, bool, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT workflow_id, state, completed_at, saved_at
		FROM workflow_checkpoints WHERE workflow_id = ?
	`, string(workflowID))

	var (
		wid       string
		state     []byte
		completed []byte
		savedAt   time.Time
	)
	if err := row.Scan(&wid, &state, &completed, &savedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return WorkflowCheckpoint{}, false, nil
		}
		return WorkflowCheckpoint{}, false, fmt.Errorf("load checkpoint: %w", err)
	}

	var completedAt []string
	if err := json.Unmarshal(completed, &completedAt); err != nil {
		return WorkflowCheckpoint{}, false, fmt.Errorf("unmarshal completed_at: %w", err)
	}

	return WorkflowCheckpoint{
		WorkflowID:  ids.WorkflowID(wid),
		State:       json.RawMessage(state),
		CompletedAt: completedAt,
		SavedAt:     savedAt,
	}, true, nil
}

// StoreTree and GetTree are not implemented by MySQLStore, for the same
// reason PostgresStore doesn't implement them: tree snapshots are
// high-frequency, short-lived writes better served by RedisStore or
// MongoTreeStore.
func (m *MySQLStore) StoreTree(context.Context, TreeSnapshot) error {
	return fmt.Errorf("checkpoint: MySQLStore does not implement StoreTree, use RedisStore or MongoTreeStore")
}

func (m *MySQLStore) GetTree(context.Context, ids.SessionID) (TreeSnapshot, bool, error) {
	return TreeSnapshot{}, false, fmt.Errorf("checkpoint: MySQLStore does not implement GetTree, use RedisStore or MongoTreeStore")
}
