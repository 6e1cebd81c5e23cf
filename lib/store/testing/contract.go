package testing

import (
	"context"
	"testing"
	"time"

	"github.com/ValentinKolb/dLock/lib/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// FastForward advances the clock of a store under test.
type FastForward func(d time.Duration)

// StoreFactory creates a fresh, empty store for a single test.
type StoreFactory func(t *testing.T) (store.IStore, FastForward)

// RunStoreContract runs the contract test suite against a store implementation.
func RunStoreContract(t *testing.T, name string, factory StoreFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("SetGet", func(t *testing.T) {
			s, _ := factory(t)
			testSetGet(t, s)
		})

		t.Run("SetIfUnset", func(t *testing.T) {
			s, _ := factory(t)
			testSetIfUnset(t, s)
		})

		t.Run("MSetIfUnset", func(t *testing.T) {
			s, _ := factory(t)
			testMSetIfUnset(t, s)
		})

		t.Run("MGetMSet", func(t *testing.T) {
			s, _ := factory(t)
			testMGetMSet(t, s)
		})

		t.Run("Delete", func(t *testing.T) {
			s, _ := factory(t)
			testDelete(t, s)
		})

		t.Run("Expiry", func(t *testing.T) {
			s, ff := factory(t)
			testExpiry(t, s, ff)
		})

		t.Run("Sets", func(t *testing.T) {
			s, _ := factory(t)
			testSets(t, s)
		})

		t.Run("WatchCommit", func(t *testing.T) {
			s, _ := factory(t)
			testWatchCommit(t, s)
		})

		t.Run("WatchAbort", func(t *testing.T) {
			s, _ := factory(t)
			testWatchAbort(t, s)
		})

		t.Run("PubSub", func(t *testing.T) {
			s, _ := factory(t)
			testPubSub(t, s)
		})

		t.Run("Closed", func(t *testing.T) {
			s, _ := factory(t)
			testClosed(t, s)
		})
	})
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testSetGet(t *testing.T, s store.IStore) {
	defer s.Close()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok, "missing key must not be found")

	require.NoError(t, s.Set(ctx, "key", "value1"))
	val, ok, err := s.Get(ctx, "key")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "value1", val)

	require.NoError(t, s.Set(ctx, "key", "value2"))
	val, _, err = s.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "value2", val)
}

func testSetIfUnset(t *testing.T, s store.IStore) {
	defer s.Close()
	ctx := context.Background()

	ok, err := s.SetIfUnset(ctx, "lock:a", "s1")
	require.NoError(t, err)
	assert.True(t, ok, "first conditional set must succeed")

	ok, err = s.SetIfUnset(ctx, "lock:a", "s2")
	require.NoError(t, err)
	assert.False(t, ok, "second conditional set must fail")

	val, _, err := s.Get(ctx, "lock:a")
	require.NoError(t, err)
	assert.Equal(t, "s1", val, "failed conditional set must not overwrite")
}

func testMSetIfUnset(t *testing.T, s store.IStore) {
	defer s.Close()
	ctx := context.Background()

	ok, err := s.MSetIfUnset(ctx, store.Pair{Key: "a", Value: "1"}, store.Pair{Key: "b", Value: "1"})
	require.NoError(t, err)
	assert.True(t, ok)

	// "b" exists, so "c" must not be written either
	ok, err = s.MSetIfUnset(ctx, store.Pair{Key: "b", Value: "2"}, store.Pair{Key: "c", Value: "2"})
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Get(ctx, "c")
	require.NoError(t, err)
	assert.False(t, ok, "all-or-nothing write leaked key c")

	val, _, err := s.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "1", val)
}

func testMGetMSet(t *testing.T, s store.IStore) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.MSet(ctx, store.Pair{Key: "x", Value: "1"}, store.Pair{Key: "z", Value: "3"}))

	values, err := s.MGet(ctx, "x", "y", "z")
	require.NoError(t, err)
	require.Len(t, values, 3)
	assert.Equal(t, store.Value{Data: "1", Ok: true}, values[0])
	assert.False(t, values[1].Ok)
	assert.Equal(t, store.Value{Data: "3", Ok: true}, values[2])
}

func testDelete(t *testing.T, s store.IStore) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.MSet(ctx, store.Pair{Key: "a", Value: "1"}, store.Pair{Key: "b", Value: "2"}))
	require.NoError(t, s.Delete(ctx, "a", "b", "never-existed"))

	values, err := s.MGet(ctx, "a", "b")
	require.NoError(t, err)
	for _, v := range values {
		assert.False(t, v.Ok, "deleted key still present")
	}

	ok, err := s.SetIfUnset(ctx, "a", "again")
	require.NoError(t, err)
	assert.True(t, ok, "deleted key must be free for a conditional set")
}

func testExpiry(t *testing.T, s store.IStore, ff FastForward) {
	defer s.Close()
	ctx := context.Background()

	ttl, err := s.TTL(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, store.NoKey, ttl)

	require.NoError(t, s.Set(ctx, "lease", "s1"))
	ttl, err = s.TTL(ctx, "lease")
	require.NoError(t, err)
	assert.Equal(t, store.NoExpiry, ttl)

	require.NoError(t, s.Expire(ctx, "lease", 10*time.Second))
	ttl, err = s.TTL(ctx, "lease")
	require.NoError(t, err)
	assert.Greater(t, ttl, 8*time.Second)
	assert.LessOrEqual(t, ttl, 10*time.Second)

	// Expiring a missing key is a no-op
	require.NoError(t, s.Expire(ctx, "missing", 10*time.Second))

	ff(5 * time.Second)
	_, ok, err := s.Get(ctx, "lease")
	require.NoError(t, err)
	assert.True(t, ok, "key expired too early")

	// Refreshing the expiry extends the lease
	require.NoError(t, s.Expire(ctx, "lease", 10*time.Second))
	ff(7 * time.Second)
	_, ok, err = s.Get(ctx, "lease")
	require.NoError(t, err)
	assert.True(t, ok, "refreshed key expired too early")

	ff(4 * time.Second)
	_, ok, err = s.Get(ctx, "lease")
	require.NoError(t, err)
	assert.False(t, ok, "key must be gone after its expiry")

	ok, err = s.SetIfUnset(ctx, "lease", "s2")
	require.NoError(t, err)
	assert.True(t, ok, "expired key must be free for a conditional set")

	// Set clears the expiry
	require.NoError(t, s.Expire(ctx, "lease", 10*time.Second))
	require.NoError(t, s.Set(ctx, "lease", "s3"))
	ttl, err = s.TTL(ctx, "lease")
	require.NoError(t, err)
	assert.Equal(t, store.NoExpiry, ttl)
}

func testSets(t *testing.T, s store.IStore) {
	defer s.Close()
	ctx := context.Background()

	members, err := s.SMembers(ctx, "wait:a")
	require.NoError(t, err)
	assert.Empty(t, members)

	require.NoError(t, s.SAdd(ctx, "wait:a", "c1", "c2"))
	require.NoError(t, s.SAdd(ctx, "wait:a", "c2"))
	members, err = s.SMembers(ctx, "wait:a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1", "c2"}, members)

	require.NoError(t, s.SRem(ctx, "wait:a", "c1", "unknown"))
	members, err = s.SMembers(ctx, "wait:a")
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, members)

	require.NoError(t, s.SRem(ctx, "wait:a", "c2"))
	members, err = s.SMembers(ctx, "wait:a")
	require.NoError(t, err)
	assert.Empty(t, members)

	require.NoError(t, s.Set(ctx, "plain", "value"))
	assert.Error(t, s.SAdd(ctx, "plain", "c1"), "set operation on a string value must fail")
}

func testWatchCommit(t *testing.T, s store.IStore) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.MSet(ctx, store.Pair{Key: "a", Value: "s1"}, store.Pair{Key: "b", Value: "s1"}))

	err := s.Watch(ctx, func(tx store.ITx) error {
		values, err := tx.MGet(ctx, "a", "b")
		if err != nil {
			return err
		}
		assert.Equal(t, "s1", values[0].Data)
		assert.Equal(t, "s1", values[1].Data)

		val, ok, err := tx.Get(ctx, "a")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "s1", val)

		return tx.Commit(ctx, func(b store.IBatch) {
			b.Delete("a", "b")
			b.Set("c", "s1")
			b.Expire("c", time.Minute)
		})
	}, "a", "b")
	require.NoError(t, err)

	values, err := s.MGet(ctx, "a", "b", "c")
	require.NoError(t, err)
	assert.False(t, values[0].Ok)
	assert.False(t, values[1].Ok)
	assert.Equal(t, "s1", values[2].Data)

	ttl, err := s.TTL(ctx, "c")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	// Errors of the transaction function are passed through
	sentinel := assert.AnError
	err = s.Watch(ctx, func(tx store.ITx) error {
		return sentinel
	}, "c")
	assert.ErrorIs(t, err, sentinel)
	assert.False(t, store.IsTxAborted(err))
}

func testWatchAbort(t *testing.T, s store.IStore) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "lock:a", "s1"))

	err := s.Watch(ctx, func(tx store.ITx) error {
		if _, _, err := tx.Get(ctx, "lock:a"); err != nil {
			return err
		}

		// a concurrent writer changes the watched key
		require.NoError(t, s.Set(ctx, "lock:a", "s2"))

		return tx.Commit(ctx, func(b store.IBatch) {
			b.Delete("lock:a")
		})
	}, "lock:a")
	require.Error(t, err)
	assert.True(t, store.IsTxAborted(err), "expected an aborted transaction, got %v", err)

	val, ok, err := s.Get(ctx, "lock:a")
	require.NoError(t, err)
	assert.True(t, ok, "aborted transaction must not apply its writes")
	assert.Equal(t, "s2", val)
}

func testPubSub(t *testing.T, s store.IStore) {
	defer s.Close()
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "unlock")
	require.NoError(t, err)

	other, err := s.Subscribe(ctx, "other")
	require.NoError(t, err)
	defer other.Close()

	for _, payload := range []string{"a", "b", "c"} {
		require.NoError(t, s.Publish(ctx, "unlock", payload))
	}

	for _, want := range []string{"a", "b", "c"} {
		select {
		case got := <-sub.Messages():
			assert.Equal(t, want, got, "messages must arrive in publish order")
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for message %q", want)
		}
	}

	select {
	case msg := <-other.Messages():
		t.Fatalf("message %q leaked into another channel", msg)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, sub.Close())
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, open := <-sub.Messages():
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("message channel not closed after Close")
		}
	}
}

func testClosed(t *testing.T, s store.IStore) {
	ctx := context.Background()
	require.NoError(t, s.Close())

	_, err := s.SetIfUnset(ctx, "key", "value")
	require.Error(t, err)
	assert.True(t, store.IsUnavailable(err), "expected unavailable error, got %v", err)
}
