package session

import (
	"context"
	"testing"

	"github.com/ValentinKolb/dLock/lib/store/lstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectResolve(t *testing.T) {
	s := lstore.NewLocalStore()
	defer s.Close()
	r := NewRegistry(s)
	ctx := context.Background()

	_, ok, err := r.Resolve(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok, "unknown connection must be unauthenticated")

	require.NoError(t, r.Connect(ctx, "s1", "c1"))

	sid, ok, err := r.Resolve(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "s1", sid)

	cid, ok, err := r.ConnectionOf(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "c1", cid)
}

func TestConnectIsLastWriteWins(t *testing.T) {
	s := lstore.NewLocalStore()
	defer s.Close()
	r := NewRegistry(s)
	ctx := context.Background()

	require.NoError(t, r.Connect(ctx, "s1", "c1"))
	require.NoError(t, r.Connect(ctx, "s1", "c2"))

	cid, _, err := r.ConnectionOf(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "c2", cid)

	// the old connection keeps its stale binding
	sid, ok, err := r.Resolve(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "s1", sid)
}

func TestClose(t *testing.T) {
	s := lstore.NewLocalStore()
	defer s.Close()
	r := NewRegistry(s)
	ctx := context.Background()

	require.NoError(t, r.Connect(ctx, "s1", "c1"))
	require.NoError(t, r.Close(ctx, "s1", "c1"))

	_, ok, err := r.Resolve(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = r.ConnectionOf(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)

	// closing something unknown is fine
	require.NoError(t, r.Close(ctx, "s2", "c9"))
}

func TestNilSentinelIsAbsent(t *testing.T) {
	s := lstore.NewLocalStore()
	defer s.Close()
	r := NewRegistry(s)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, ConnKey("c1"), "nil"))
	_, ok, err := r.Resolve(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnbind(t *testing.T) {
	s := lstore.NewLocalStore()
	defer s.Close()
	r := NewRegistry(s)
	ctx := context.Background()

	t.Run("SessionStillBound", func(t *testing.T) {
		require.NoError(t, r.Connect(ctx, "s1", "c1"))
		require.NoError(t, r.Unbind(ctx, "c1"))

		_, ok, err := r.Resolve(ctx, "c1")
		require.NoError(t, err)
		assert.False(t, ok)
		_, ok, err = r.ConnectionOf(ctx, "s1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("SessionMoved", func(t *testing.T) {
		require.NoError(t, r.Connect(ctx, "s2", "c2"))
		require.NoError(t, r.Connect(ctx, "s2", "c3"))
		require.NoError(t, r.Unbind(ctx, "c2"))

		_, ok, err := r.Resolve(ctx, "c2")
		require.NoError(t, err)
		assert.False(t, ok)

		cid, ok, err := r.ConnectionOf(ctx, "s2")
		require.NoError(t, err)
		assert.True(t, ok, "moved session must survive the old connection")
		assert.Equal(t, "c3", cid)
	})

	t.Run("Unknown", func(t *testing.T) {
		require.NoError(t, r.Unbind(ctx, "c-unknown"))
	})
}
