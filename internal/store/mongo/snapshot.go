// Package mongo implements the Session Manager's cold-snapshot store (spec
// section 3: "a cold snapshot in durable storage for post-TTL recovery"),
// grounded on the teacher's own Mongo session client
// (features/session/mongo/clients/mongo/client.go): a thin wrapper over
// *mongo.Collection with its own bson document shape, not a generic
// document store.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/goa-ai-labs/agentflow/internal/session"
)

const (
	defaultCollection = "session_snapshots"
	defaultOpTimeout  = 5 * time.Second
)

// SnapshotStore implements session.SnapshotStore over a Mongo collection.
type SnapshotStore struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

// NewSnapshotStore constructs a SnapshotStore in database, creating the
// unique session_id index used by Save's upsert.
func NewSnapshotStore(ctx context.Context, client *mongodriver.Client, database string) (*SnapshotStore, error) {
	if client == nil {
		return nil, errors.New("mongo: client is required")
	}
	if database == "" {
		return nil, errors.New("mongo: database is required")
	}
	coll := client.Database(database).Collection(defaultCollection)

	ctxWithTimeout, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()
	idx := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctxWithTimeout, idx); err != nil {
		return nil, fmt.Errorf("mongo: ensure index: %w", err)
	}
	return &SnapshotStore{coll: coll, timeout: defaultOpTimeout}, nil
}

type snapshotDocument struct {
	SessionID     string            `bson:"session_id"`
	TenantID      string            `bson:"tenant_id"`
	FlowID        string            `bson:"flow_id"`
	CurrentState  string            `bson:"current_state"`
	Status        string            `bson:"status"`
	Params        []byte            `bson:"params,omitempty"`
	Artifacts     map[string][]byte `bson:"artifacts,omitempty"`
	SnapshottedAt time.Time         `bson:"snapshotted_at"`
}

// Save upserts snapshot, keyed by its Session's id: a paused session
// re-swept before it resumes simply overwrites the prior snapshot.
func (s *SnapshotStore) Save(ctx context.Context, sessionID string, snapshot session.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	doc := snapshotDocument{
		SessionID:     sessionID,
		TenantID:      snapshot.Session.TenantID,
		FlowID:        snapshot.Session.FlowID,
		CurrentState:  snapshot.Session.CurrentState,
		Status:        string(snapshot.Session.Status),
		Params:        []byte(snapshot.Session.Params),
		Artifacts:     snapshot.Artifacts,
		SnapshottedAt: time.Now().UTC(),
	}
	filter := bson.M{"session_id": sessionID}
	update := bson.M{"$set": doc}
	if _, err := s.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return fmt.Errorf("mongo: save snapshot %s: %w", sessionID, err)
	}
	return nil
}

// Load returns the most recent snapshot for sessionID, or ok=false if none
// has been written yet.
func (s *SnapshotStore) Load(ctx context.Context, sessionID string) (session.Snapshot, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var doc snapshotDocument
	err := s.coll.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return session.Snapshot{}, false, nil
	}
	if err != nil {
		return session.Snapshot{}, false, fmt.Errorf("mongo: load snapshot %s: %w", sessionID, err)
	}

	snap := session.Snapshot{
		Session: session.Session{
			ID:           doc.SessionID,
			TenantID:     doc.TenantID,
			FlowID:       doc.FlowID,
			CurrentState: doc.CurrentState,
			Status:       session.Status(doc.Status),
			Params:       json.RawMessage(doc.Params),
		},
		Artifacts: doc.Artifacts,
	}
	return snap, true, nil
}

var _ session.SnapshotStore = (*SnapshotStore)(nil)
