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
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"flowcraft/core/internal/ids"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStoreSaveCheckpointUpserts(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	workflowID := ids.NewWorkflowID()

	mock.ExpectExec("INSERT INTO workflow_checkpoints").
		WithArgs(string(workflowID), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.SaveCheckpoint(context.Background(), WorkflowCheckpoint{
		WorkflowID:  workflowID,
		State:       []byte(`{"step":1}`),
		CompletedAt: []string{"n1"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreLoadCheckpointReturnsRow(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	workflowID := ids.NewWorkflowID()
	now := time.Now()

	rows := sqlmock.NewRows([]string{"workflow_id", "state", "completed_at", "saved_at"}).
		AddRow(string(workflowID), []byte(`{"step":1}`), "{n1,n2}", now)
	mock.ExpectQuery("SELECT workflow_id, state, completed_at, saved_at").
		WithArgs(string(workflowID)).
		WillReturnRows(rows)

	cp, ok, err := store.LoadCheckpoint(context.Background(), workflowID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, workflowID, cp.WorkflowID)
	require.Equal(t, []string{"n1", "n2"}, cp.CompletedAt)
}

func TestPostgresStoreLoadCheckpointMissingReturnsNotFound(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	workflowID := ids.NewWorkflowID()

	mock.ExpectQuery("SELECT workflow_id, state, completed_at, saved_at").
		WithArgs(string(workflowID)).
		WillReturnError(sql.ErrNoRows)

	_, ok, err := store.LoadCheckpoint(context.Background(), workflowID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPostgresStoreDoesNotImplementTreeStorage(t *testing.T) {
	store, _ := newMockPostgresStore(t)
	err := store.StoreTree(context.Background(), TreeSnapshot{})
	require.Error(t, err)
}
