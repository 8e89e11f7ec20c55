//go:build integration

package mongo_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/goa-ai-labs/agentflow/internal/session"
	storemongo "github.com/goa-ai-labs/agentflow/internal/store/mongo"
)

// testClient starts a disposable MongoDB testcontainer and returns a
// connected client, skipping the test when Docker is unavailable.
func testClient(t *testing.T) *mongodriver.Client {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "mongo:7",
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor:   wait.ForLog("Waiting for connections"),
		Tmpfs:        map[string]string{"/data/db": "rw"},
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("mongo testcontainer unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "27017")
	require.NoError(t, err)

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	client, err := mongodriver.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect() })

	require.NoError(t, client.Ping(ctx, nil))
	return client
}

func TestSnapshotStore_SaveThenLoad(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()

	store, err := storemongo.NewSnapshotStore(ctx, client, "agentflow_test")
	require.NoError(t, err)

	snap := session.Snapshot{
		Session: session.Session{
			ID:           "sess-1",
			TenantID:     "tenant-a",
			FlowID:       "flow-1",
			CurrentState: "writer",
			Status:       session.StatusPaused,
			Params:       json.RawMessage(`{"k":"v"}`),
		},
		Artifacts: map[string][]byte{
			"draft": []byte("hello world"),
		},
	}
	require.NoError(t, store.Save(ctx, "sess-1", snap))

	loaded, ok, err := store.Load(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "tenant-a", loaded.Session.TenantID)
	require.Equal(t, "writer", loaded.Session.CurrentState)
	require.Equal(t, []byte("hello world"), loaded.Artifacts["draft"])
}

func TestSnapshotStore_Save_OverwritesPriorSnapshot(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()

	store, err := storemongo.NewSnapshotStore(ctx, client, "agentflow_test")
	require.NoError(t, err)

	first := session.Snapshot{Session: session.Session{ID: "sess-2", CurrentState: "search"}}
	require.NoError(t, store.Save(ctx, "sess-2", first))

	second := session.Snapshot{Session: session.Session{ID: "sess-2", CurrentState: "writer"}}
	require.NoError(t, store.Save(ctx, "sess-2", second))

	loaded, ok, err := store.Load(ctx, "sess-2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "writer", loaded.Session.CurrentState)
}

func TestSnapshotStore_Load_NotFound(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()

	store, err := storemongo.NewSnapshotStore(ctx, client, "agentflow_test")
	require.NoError(t, err)

	_, ok, err := store.Load(ctx, "does-not-exist")
	require.NoError(t, err)
	require.False(t, ok)
}
