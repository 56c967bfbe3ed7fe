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
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"flowcraft/core/internal/ids"
)

// mongoTreeDoc is the BSON document shape stored per MCTS session.
type mongoTreeDoc struct {
	SessionID string    `bson:"session_id"`
	Nodes     []byte    `bson:"nodes"`
	Iteration int       `bson:"iteration"`
	SavedAt   time.Time `bson:"saved_at"`
}

// MongoTreeStore persists MCTS tree snapshots in a MongoDB collection,
// used when search sessions are long-lived enough to outgrow Redis's
// TTL-keyed model but do not need a relational schema.
type MongoTreeStore struct {
	collection *mongo.Collection
}

// NewMongoTreeStore wraps an already-connected collection handle.
func NewMongoTreeStore(collection *mongo.Collection) *MongoTreeStore {
	return &MongoTreeStore{collection: collection}
}

func (m *MongoTreeStore) StoreTree(ctx context.Context, snapshot TreeSnapshot) error {
	if snapshot.SavedAt.IsZero() {
		snapshot.SavedAt = time.Now()
	}
	doc := mongoTreeDoc{
		SessionID: string(snapshot.SessionID),
		Nodes:     snapshot.Nodes,
		Iteration: snapshot.Iteration,
		SavedAt:   snapshot.SavedAt,
	}
	_, err := m.collection.UpdateOne(ctx,
		bson.M{"session_id": doc.SessionID},
		bson.M{"$set": doc},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongo store tree: %w", err)
	}
	return nil
}

func (m *MongoTreeStore) GetTree(ctx context.Context, sessionID ids.SessionID) (TreeSnapshot, bool, error) {
	var doc mongoTreeDoc
	err := m.collection.FindOne(ctx, bson.M{"session_id": string(sessionID)}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return TreeSnapshot{}, false, nil
	}
	if err != nil {
		return TreeSnapshot{}, false, fmt.Errorf("mongo get tree: %w", err)
	}
	return TreeSnapshot{
		SessionID: ids.SessionID(doc.SessionID),
		Nodes:     doc.Nodes,
		Iteration: doc.Iteration,
		SavedAt:   doc.SavedAt,
	}, true, nil
}

// SaveCheckpoint and LoadCheckpoint are not implemented by MongoTreeStore:
// workflow checkpoints are the relational PostgresStore's concern.
func (m *MongoTreeStore) SaveCheckpoint(context.Context, WorkflowCheckpoint) error {
	return fmt.Errorf("checkpoint: MongoTreeStore does not implement SaveCheckpoint, use PostgresStore")
}

func (m *MongoTreeStore) LoadCheckpoint(context.Context, ids.WorkflowID) (WorkflowCheckpoint, bool, error) {
	return WorkflowCheckpoint{}, false, fmt.Errorf("checkpoint: MongoTreeStore does not implement LoadCheckpoint, use PostgresStore")
}
