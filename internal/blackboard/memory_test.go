package blackboard

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryBlackboard_GetSetRoundtrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bb := NewMemoryBlackboard()

	_, ok, err := bb.Get(ctx, "sess-1", "routed_scene")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, bb.Set(ctx, "sess-1", "routed_scene", "procurement"))

	val, ok, err := bb.Get(ctx, "sess-1", "routed_scene")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "procurement", val)
}

func TestMemoryBlackboard_ArtifactLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bb := NewMemoryBlackboard()

	_, err := bb.ReadArtifact(ctx, "sess-1", "search_result")
	require.ErrorIs(t, err, ErrArtifactNotFound)

	require.NoError(t, bb.WriteArtifact(ctx, "sess-1", "search_result", []byte(`{"rows":3}`)))

	ids, err := bb.ListArtifacts(ctx, "sess-1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"search_result"}, ids)

	data, err := bb.ReadArtifact(ctx, "sess-1", "search_result")
	require.NoError(t, err)
	require.JSONEq(t, `{"rows":3}`, string(data))
}

func TestMemoryBlackboard_ArtifactIsolatedAcrossSessions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bb := NewMemoryBlackboard()

	require.NoError(t, bb.WriteArtifact(ctx, "sess-1", "a", []byte("one")))
	require.NoError(t, bb.WriteArtifact(ctx, "sess-2", "a", []byte("two")))

	data1, err := bb.ReadArtifact(ctx, "sess-1", "a")
	require.NoError(t, err)
	require.Equal(t, "one", string(data1))

	data2, err := bb.ReadArtifact(ctx, "sess-2", "a")
	require.NoError(t, err)
	require.Equal(t, "two", string(data2))
}

func TestMemoryBlackboard_SignalDefaultsFalse(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bb := NewMemoryBlackboard()

	got, err := bb.GetSignal(ctx, "sess-1", "abort")
	require.NoError(t, err)
	require.False(t, got)

	require.NoError(t, bb.SetSignal(ctx, "sess-1", "abort", true))

	got, err = bb.GetSignal(ctx, "sess-1", "abort")
	require.NoError(t, err)
	require.True(t, got)
}
