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

	"github.com/lib/pq"

	"flowcraft/core/internal/ids"
)

// PostgresStore is the durable workflow-checkpoint backend: one row per
// workflow, upserted on every SaveCheckpoint so Restart always resumes
// from the latest state.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-connected *sql.DB. Callers own the
// connection pool sizing (mirrored from the teacher's connector: set
// MaxOpenConns/MaxIdleConns/ConnMaxLifetime before passing db in here).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the checkpoints table if it does not already exist.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			workflow_id TEXT PRIMARY KEY,
			state JSONB NOT NULL,
			completed_at TEXT[] NOT NULL DEFAULT '{}',
			saved_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure checkpoint schema: %w", err)
	}
	return nil
}

func (p *PostgresStore) SaveCheckpoint(ctx context.Context, cp WorkflowCheckpoint) error {
	if cp.SavedAt.IsZero() {
		cp.SavedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO workflow_checkpoints (workflow_id, state, completed_at, saved_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workflow_id) DO UPDATE SET
			state = EXCLUDED.state,
			completed_at = EXCLUDED.completed_at,
			saved_at = EXCLUDED.saved_at
	`, string(cp.WorkflowID), []byte(cp.State), pq.Array(cp.CompletedAt), cp.SavedAt)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (p *PostgresStore) LoadCheckpoint(ctx context.Context, workflowID ids.WorkflowID) (WorkflowCheckpoint, bool, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT workflow_id, state, completed_at, saved_at
		FROM workflow_checkpoints WHERE workflow_id = $1
	`, string(workflowID))

	var (
		wid         string
		state       []byte
		completedAt []string
		savedAt     time.Time
	)
	if err := row.Scan(&wid, &state, pq.Array(&completedAt), &savedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return WorkflowCheckpoint{}, false, nil
		}
		return WorkflowCheckpoint{}, false, fmt.Errorf("load checkpoint: %w", err)
	}

	return WorkflowCheckpoint{
		WorkflowID:  ids.WorkflowID(wid),
		State:       json.RawMessage(state),
		CompletedAt: completedAt,
		SavedAt:     savedAt,
	}, true, nil
}

// StoreTree and GetTree are not implemented by PostgresStore: MCTS tree
// snapshots are high-frequency, short-lived writes better served by
// RedisStore or MongoTreeStore; PostgresStore is reserved for the
// durable, low-frequency workflow checkpoint row.
func (p *PostgresStore) StoreTree(context.Context, TreeSnapshot) error {
	return fmt.Errorf("checkpoint: PostgresStore does not implement StoreTree, use RedisStore or MongoTreeStore")
}

func (p *PostgresStore) GetTree(context.Context, ids.SessionID) (TreeSnapshot, bool, error) {
	return TreeSnapshot{}, false, fmt.Errorf("checkpoint: PostgresStore does not implement GetTree, use RedisStore or MongoTreeStore")
}
