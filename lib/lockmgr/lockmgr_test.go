package lockmgr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dLock/lib/session"
	"github.com/ValentinKolb/dLock/lib/store"
	"github.com/ValentinKolb/dLock/lib/store/lstore"
	"github.com/ValentinKolb/dLock/lib/store/rstore"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Test environment
// --------------------------------------------------------------------------

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type backend struct {
	name string
	new  func(t *testing.T) (store.IStore, func(time.Duration))
}

var backends = []backend{
	{
		name: "LocalStore",
		new: func(t *testing.T) (store.IStore, func(time.Duration)) {
			clock := &fakeClock{now: time.Unix(1700000000, 0)}
			return lstore.NewLocalStore(lstore.WithClock(clock.Now)), clock.Advance
		},
	},
	{
		name: "RedisStore",
		new: func(t *testing.T) (store.IStore, func(time.Duration)) {
			mr, err := miniredis.Run()
			require.NoError(t, err)
			t.Cleanup(mr.Close)
			return rstore.NewRedisStore(mr.Addr(), "", 0), mr.FastForward
		},
	},
}

type env struct {
	ctx     context.Context
	store   store.IStore
	mgr     ILockManager
	advance func(time.Duration)
}

// forEachBackend runs fn against every store implementation
func forEachBackend(t *testing.T, fn func(t *testing.T, e *env)) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s, advance := b.new(t)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, newEnv(s, advance))
		})
	}
}

func newEnv(s store.IStore, advance func(time.Duration)) *env {
	return &env{
		ctx:     context.Background(),
		store:   s,
		mgr:     NewLockManager(s, session.NewRegistry(s)),
		advance: advance,
	}
}

func (e *env) connect(t *testing.T, cid, sid string) {
	reply, err := e.mgr.Connect(e.ctx, cid, sid)
	require.NoError(t, err)
	require.Equal(t, StatusOK, reply.Status)
}

func (e *env) owner(t *testing.T, name string) (string, bool) {
	owner, found, err := e.store.Get(e.ctx, LockKey(name))
	require.NoError(t, err)
	return owner, found
}

func (e *env) waiters(t *testing.T, name string) []string {
	members, err := e.store.SMembers(e.ctx, WaitKey(name))
	require.NoError(t, err)
	return members
}

func (e *env) subscribe(t *testing.T) store.ISubscription {
	sub, err := e.store.Subscribe(e.ctx, DefaultChannel)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return sub
}

func expectEvents(t *testing.T, sub store.ISubscription, names ...string) {
	for _, name := range names {
		select {
		case got := <-sub.Messages():
			assert.Equal(t, name, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("no release event for %s", name)
		}
	}
}

func expectNoEvent(t *testing.T, sub store.ISubscription) {
	select {
	case got := <-sub.Messages():
		t.Fatalf("unexpected release event %s", got)
	case <-time.After(50 * time.Millisecond):
	}
}

// --------------------------------------------------------------------------
// Sessions
// --------------------------------------------------------------------------

func TestSessions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *env) {
		reply, err := e.mgr.Connect(e.ctx, "c1", "s1")
		require.NoError(t, err)
		assert.Equal(t, Reply{Status: StatusOK, Message: "Open session: s1"}, reply)

		reply, err = e.mgr.Close(e.ctx, "c1", "s1")
		require.NoError(t, err)
		assert.Equal(t, Reply{Status: StatusOK, Message: "Close session: s1"}, reply)

		reply, err = e.mgr.Lock(e.ctx, "c1", "doc-42")
		require.Error(t, err)
		assert.Equal(t, KindNotAuthenticated, KindOf(err))
		assert.Equal(t, Reply{Status: StatusFail, Message: "Not sid, connect first"}, reply)

		_, err = e.mgr.Connect(e.ctx, "c1", "")
		assert.Equal(t, KindInvalidRequest, KindOf(err))
	})
}

func TestUnauthenticated(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *env) {
		for name, call := range map[string]func() (Reply, error){
			"Lock":    func() (Reply, error) { return e.mgr.Lock(e.ctx, "c1", "a") },
			"Unlock":  func() (Reply, error) { return e.mgr.Unlock(e.ctx, "c1", "a") },
			"MLock":   func() (Reply, error) { return e.mgr.MLock(e.ctx, "c1", []string{"a"}) },
			"MUnlock": func() (Reply, error) { return e.mgr.MUnlock(e.ctx, "c1", []string{"a"}) },
		} {
			reply, err := call()
			assert.Equal(t, StatusFail, reply.Status, name)
			assert.Equal(t, KindNotAuthenticated, KindOf(err), name)
		}
		_, found := e.owner(t, "a")
		assert.False(t, found)
	})
}

// --------------------------------------------------------------------------
// Single Lock
// --------------------------------------------------------------------------

func TestLockContention(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *env) {
		e.connect(t, "c1", "s1")
		e.connect(t, "c2", "s2")

		reply, err := e.mgr.Lock(e.ctx, "c1", "doc-42")
		require.NoError(t, err)
		assert.Equal(t, Reply{Status: StatusOK, Message: "Acquired"}, reply)

		reply, err = e.mgr.Lock(e.ctx, "c2", "doc-42")
		require.NoError(t, err, "contention is not an error")
		assert.Equal(t, Reply{Status: StatusWait, Message: "Lock owned by s1"}, reply)

		owner, _ := e.owner(t, "doc-42")
		assert.Equal(t, "s1", owner, "contention must not change the owner")
		assert.Equal(t, []string{"s2"}, e.waiters(t, "doc-42"))
	})
}

func TestReacquireRefreshesLease(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *env) {
		e.connect(t, "c1", "s1")

		_, err := e.mgr.Lock(e.ctx, "c1", "doc-42")
		require.NoError(t, err)

		e.advance(100 * time.Second)
		reply, err := e.mgr.Lock(e.ctx, "c1", "doc-42")
		require.NoError(t, err)
		assert.Equal(t, Reply{Status: StatusOK, Message: "Already own the lock"}, reply)

		ttl, err := e.store.TTL(e.ctx, LockKey("doc-42"))
		require.NoError(t, err)
		assert.Greater(t, ttl, 110*time.Second, "lease was not refreshed")
		assert.Empty(t, e.waiters(t, "doc-42"), "holder must never wait on itself")

		// the refreshed lease outlives the original one
		e.advance(100 * time.Second)
		owner, found := e.owner(t, "doc-42")
		assert.True(t, found)
		assert.Equal(t, "s1", owner)
	})
}

func TestLeaseExpiry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *env) {
		e.connect(t, "c1", "s1")
		e.connect(t, "c2", "s2")

		_, err := e.mgr.Lock(e.ctx, "c1", "doc-42")
		require.NoError(t, err)

		e.advance(DefaultLease + time.Second)
		reply, err := e.mgr.Lock(e.ctx, "c2", "doc-42")
		require.NoError(t, err)
		assert.Equal(t, StatusOK, reply.Status)

		owner, _ := e.owner(t, "doc-42")
		assert.Equal(t, "s2", owner)
	})
}

func TestCustomLease(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *env) {
		mgr := NewLockManager(e.store, session.NewRegistry(e.store), WithLease(10*time.Second))
		_, err := mgr.Connect(e.ctx, "c1", "s1")
		require.NoError(t, err)
		_, err = mgr.Lock(e.ctx, "c1", "a")
		require.NoError(t, err)

		ttl, err := e.store.TTL(e.ctx, LockKey("a"))
		require.NoError(t, err)
		assert.LessOrEqual(t, ttl, 10*time.Second)
	})
}

func TestOrphanedLockGetsLease(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *env) {
		e.connect(t, "c2", "s2")
		require.NoError(t, e.store.Set(e.ctx, LockKey("doc-42"), "s1"))

		reply, err := e.mgr.Lock(e.ctx, "c2", "doc-42")
		require.NoError(t, err)
		assert.Equal(t, StatusWait, reply.Status)

		ttl, err := e.store.TTL(e.ctx, LockKey("doc-42"))
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Duration(0), "orphaned lock must get a lease")
	})
}

func TestUnlock(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *env) {
		e.connect(t, "c1", "s1")
		sub := e.subscribe(t)

		_, err := e.mgr.Lock(e.ctx, "c1", "doc-42")
		require.NoError(t, err)

		reply, err := e.mgr.Unlock(e.ctx, "c1", "doc-42")
		require.NoError(t, err)
		assert.Equal(t, Reply{Status: StatusOK, Message: "Unlocked doc-42"}, reply)

		_, found := e.owner(t, "doc-42")
		assert.False(t, found)
		expectEvents(t, sub, "doc-42")
	})
}

func TestUnlockNotOwner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *env) {
		e.connect(t, "c1", "s1")
		e.connect(t, "c2", "s2")
		sub := e.subscribe(t)

		_, err := e.mgr.Lock(e.ctx, "c1", "doc-42")
		require.NoError(t, err)

		reply, err := e.mgr.Unlock(e.ctx, "c2", "doc-42")
		require.Error(t, err)
		assert.Equal(t, KindOwnershipMismatch, KindOf(err))
		assert.Equal(t, Reply{Status: StatusFail, Message: "lock owned by s1"}, reply)

		owner, _ := e.owner(t, "doc-42")
		assert.Equal(t, "s1", owner)

		// already released or expired counts as not owned
		reply, err = e.mgr.Unlock(e.ctx, "c2", "never-locked")
		assert.Equal(t, KindOwnershipMismatch, KindOf(err))
		assert.Equal(t, "lock owned by <none>", reply.Message)

		expectNoEvent(t, sub)
	})
}

func TestUnlockTxAborted(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *env) {
		e.connect(t, "c1", "s1")
		_, err := e.mgr.Lock(e.ctx, "c1", "doc-42")
		require.NoError(t, err)

		// a concurrent writer re-sets the lock between read and commit
		hooked := &hookStore{IStore: e.store, beforeCommit: func() {
			require.NoError(t, e.store.Set(e.ctx, LockKey("doc-42"), "s1"))
		}}
		mgr := NewLockManager(hooked, session.NewRegistry(hooked))
		sub := e.subscribe(t)

		reply, err := mgr.Unlock(e.ctx, "c1", "doc-42")
		require.Error(t, err)
		assert.Equal(t, KindTxAborted, KindOf(err))
		assert.Equal(t, StatusFail, reply.Status)
		assert.Contains(t, reply.Message, "Transaction failed during unlock: ")

		_, found := e.owner(t, "doc-42")
		assert.True(t, found, "aborted release must not delete the lock")
		expectNoEvent(t, sub)
	})
}

func TestUnlockPublishFailure(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *env) {
		e.connect(t, "c1", "s1")
		_, err := e.mgr.Lock(e.ctx, "c1", "doc-42")
		require.NoError(t, err)

		hooked := &hookStore{IStore: e.store, publishErr: errors.New("broken channel")}
		mgr := NewLockManager(hooked, session.NewRegistry(hooked))

		reply, err := mgr.Unlock(e.ctx, "c1", "doc-42")
		require.Error(t, err)
		assert.Equal(t, KindStoreUnavailable, KindOf(err))
		assert.Equal(t, "Unlocked doc-42, release notification failed: broken channel", reply.Message)

		_, found := e.owner(t, "doc-42")
		assert.False(t, found, "the release itself is committed")
	})
}

func TestOwnerVanishedDuringAcquire(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *env) {
		e.connect(t, "c2", "s2")

		// the first conditional set loses against a holder that releases
		// before the owner is read
		hooked := &hookStore{IStore: e.store, loseSets: 1}
		mgr := NewLockManager(hooked, session.NewRegistry(hooked))

		reply, err := mgr.Lock(e.ctx, "c2", "doc-42")
		require.NoError(t, err)
		assert.Equal(t, Reply{Status: StatusOK, Message: "Acquired"}, reply)
		assert.Empty(t, e.waiters(t, "doc-42"), "no waiter on an owner-less lock")

		// losing every attempt is reported, never turned into a wait
		hooked = &hookStore{IStore: e.store, loseSets: acquireAttempts}
		mgr = NewLockManager(hooked, session.NewRegistry(hooked))
		_, err = mgr.Lock(e.ctx, "c2", "other")
		assert.Equal(t, KindTxAborted, KindOf(err))
		assert.Empty(t, e.waiters(t, "other"))
	})
}

func TestStoreUnavailable(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *env) {
		e.connect(t, "c1", "s1")
		require.NoError(t, e.store.Close())

		ctx, cancel := context.WithTimeout(e.ctx, 2*time.Second)
		defer cancel()

		reply, err := e.mgr.Lock(ctx, "c1", "doc-42")
		require.Error(t, err)
		assert.Equal(t, KindStoreUnavailable, KindOf(err))
		assert.Equal(t, StatusFail, reply.Status)
		assert.Contains(t, reply.Message, "store unavailable: ")
	})
}

func TestEmptyName(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *env) {
		e.connect(t, "c1", "s1")
		_, err := e.mgr.Lock(e.ctx, "c1", "")
		assert.Equal(t, KindInvalidRequest, KindOf(err))
		_, err = e.mgr.Unlock(e.ctx, "c1", "")
		assert.Equal(t, KindInvalidRequest, KindOf(err))
	})
}

// --------------------------------------------------------------------------
// Multi Lock
// --------------------------------------------------------------------------

func TestMLock(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *env) {
		e.connect(t, "c1", "s1")

		reply, err := e.mgr.MLock(e.ctx, "c1", []string{"a", "b"})
		require.NoError(t, err)
		assert.Equal(t, Reply{Status: StatusOK, Message: "Acquired"}, reply)

		for _, name := range []string{"a", "b"} {
			owner, _ := e.owner(t, name)
			assert.Equal(t, "s1", owner)
			ttl, err := e.store.TTL(e.ctx, LockKey(name))
			require.NoError(t, err)
			assert.Greater(t, ttl, time.Duration(0), "lock %s without lease", name)
		}

		reply, err = e.mgr.MLock(e.ctx, "c1", []string{"a", "b"})
		require.NoError(t, err)
		assert.Equal(t, Reply{Status: StatusOK, Message: "Already own the lock"}, reply)
		assert.Empty(t, e.waiters(t, "a"))
		assert.Empty(t, e.waiters(t, "b"))
	})
}

func TestMLockAllOrNothing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *env) {
		e.connect(t, "c1", "s1")
		e.connect(t, "c2", "s2")

		_, err := e.mgr.Lock(e.ctx, "c2", "y")
		require.NoError(t, err)

		reply, err := e.mgr.MLock(e.ctx, "c1", []string{"x", "y"})
		require.NoError(t, err)
		assert.Equal(t, Reply{Status: StatusWait, Message: "Lock owned by s2"}, reply)

		_, found := e.owner(t, "x")
		assert.False(t, found, "multi lock must not be acquired partially")

		// registered as waiter on every named lock
		assert.Equal(t, []string{"s1"}, e.waiters(t, "x"))
		assert.Equal(t, []string{"s1"}, e.waiters(t, "y"))
	})
}

func TestMLockReportsFirstForeignOwner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *env) {
		e.connect(t, "c1", "s1")
		e.connect(t, "c2", "s2")
		e.connect(t, "c3", "s3")

		_, err := e.mgr.Lock(e.ctx, "c1", "a")
		require.NoError(t, err)
		_, err = e.mgr.Lock(e.ctx, "c3", "c")
		require.NoError(t, err)
		_, err = e.mgr.Lock(e.ctx, "c2", "b")
		require.NoError(t, err)

		reply, err := e.mgr.MLock(e.ctx, "c1", []string{"a", "b", "c"})
		require.NoError(t, err)
		assert.Equal(t, "Lock owned by s2", reply.Message)
	})
}

func TestMLockPartiallyOwnedIsContention(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *env) {
		e.connect(t, "c1", "s1")

		_, err := e.mgr.Lock(e.ctx, "c1", "a")
		require.NoError(t, err)

		reply, err := e.mgr.MLock(e.ctx, "c1", []string{"a", "b"})
		require.NoError(t, err)
		assert.Equal(t, Reply{Status: StatusWait, Message: "Lock owned by s1"}, reply)

		_, found := e.owner(t, "b")
		assert.False(t, found)
		assert.Equal(t, []string{"s1"}, e.waiters(t, "a"))
		assert.Equal(t, []string{"s1"}, e.waiters(t, "b"))
	})
}

func TestMLockNames(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *env) {
		e.connect(t, "c1", "s1")

		_, err := e.mgr.MLock(e.ctx, "c1", nil)
		assert.Equal(t, KindInvalidRequest, KindOf(err))
		_, err = e.mgr.MUnlock(e.ctx, "c1", []string{})
		assert.Equal(t, KindInvalidRequest, KindOf(err))

		reply, err := e.mgr.MLock(e.ctx, "c1", []string{"a", "b", "a"})
		require.NoError(t, err)
		assert.Equal(t, StatusOK, reply.Status)

		reply, err = e.mgr.MUnlock(e.ctx, "c1", []string{"b", "a", "b"})
		require.NoError(t, err)
		assert.Equal(t, "Unlocked b, a", reply.Message)
	})
}

func TestMUnlock(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *env) {
		e.connect(t, "c1", "s1")
		sub := e.subscribe(t)

		_, err := e.mgr.MLock(e.ctx, "c1", []string{"a", "b"})
		require.NoError(t, err)

		reply, err := e.mgr.MUnlock(e.ctx, "c1", []string{"a", "b"})
		require.NoError(t, err)
		assert.Equal(t, Reply{Status: StatusOK, Message: "Unlocked a, b"}, reply)

		for _, name := range []string{"a", "b"} {
			_, found := e.owner(t, name)
			assert.False(t, found)
		}
		expectEvents(t, sub, "a", "b")
	})
}

func TestMUnlockRequiresFullOwnership(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *env) {
		e.connect(t, "c1", "s1")
		e.connect(t, "c2", "s2")
		sub := e.subscribe(t)

		_, err := e.mgr.Lock(e.ctx, "c1", "a")
		require.NoError(t, err)
		_, err = e.mgr.Lock(e.ctx, "c2", "b")
		require.NoError(t, err)

		reply, err := e.mgr.MUnlock(e.ctx, "c1", []string{"a", "b"})
		require.Error(t, err)
		assert.Equal(t, KindOwnershipMismatch, KindOf(err))
		assert.Equal(t, Reply{Status: StatusFail, Message: "lock owned by s2"}, reply)

		owner, _ := e.owner(t, "a")
		assert.Equal(t, "s1", owner, "failed multi release must not delete anything")

		// a free lock is disqualifying as well
		_, err = e.mgr.MUnlock(e.ctx, "c1", []string{"a", "free"})
		assert.Equal(t, KindOwnershipMismatch, KindOf(err))
		owner, _ = e.owner(t, "a")
		assert.Equal(t, "s1", owner)

		expectNoEvent(t, sub)
	})
}

// --------------------------------------------------------------------------
// Store hooks
// --------------------------------------------------------------------------

// hookStore wraps a store and injects failures and concurrent writes
type hookStore struct {
	store.IStore
	beforeCommit func()
	publishErr   error
	loseSets     int
}

func (h *hookStore) SetIfUnset(ctx context.Context, key, value string) (bool, error) {
	if h.loseSets > 0 {
		h.loseSets--
		return false, nil
	}
	return h.IStore.SetIfUnset(ctx, key, value)
}

func (h *hookStore) Publish(ctx context.Context, channel, payload string) error {
	if h.publishErr != nil {
		return h.publishErr
	}
	return h.IStore.Publish(ctx, channel, payload)
}

func (h *hookStore) Watch(ctx context.Context, fn func(tx store.ITx) error, keys ...string) error {
	return h.IStore.Watch(ctx, func(tx store.ITx) error {
		return fn(&hookTx{ITx: tx, hooks: h})
	}, keys...)
}

type hookTx struct {
	store.ITx
	hooks *hookStore
}

func (t *hookTx) Commit(ctx context.Context, fn func(b store.IBatch)) error {
	if t.hooks.beforeCommit != nil {
		t.hooks.beforeCommit()
	}
	return t.ITx.Commit(ctx, fn)
}
