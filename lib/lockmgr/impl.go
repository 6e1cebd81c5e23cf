package lockmgr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/dLock/lib/session"
	"github.com/ValentinKolb/dLock/lib/store"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("lockmgr")

// acquireAttempts bounds the conditional set when the owner of a lock
// vanishes between the failed set and the owner read.
const acquireAttempts = 2

type lockMgrImpl struct {
	store    store.IStore
	sessions session.IRegistry
	lease    time.Duration
	channel  string
}

// Option configures the lock manager.
type Option func(*lockMgrImpl)

// WithLease sets the lease of acquired locks.
func WithLease(lease time.Duration) Option {
	return func(m *lockMgrImpl) {
		if lease > 0 {
			m.lease = lease
		}
	}
}

// WithChannel sets the channel release events are published on.
func WithChannel(channel string) Option {
	return func(m *lockMgrImpl) {
		if channel != "" {
			m.channel = channel
		}
	}
}

// NewLockManager creates a lock manager on top of the given store and
// session registry.
func NewLockManager(s store.IStore, sessions session.IRegistry, opts ...Option) ILockManager {
	m := &lockMgrImpl{
		store:    s,
		sessions: sessions,
		lease:    DefaultLease,
		channel:  DefaultChannel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// --------------------------------------------------------------------------
// Sessions
// --------------------------------------------------------------------------

func (m *lockMgrImpl) Connect(ctx context.Context, cid, sid string) (Reply, error) {
	if sid == "" {
		return fail(InvalidRequest("session id must not be empty"))
	}
	if err := m.sessions.Connect(ctx, sid, cid); err != nil {
		return fail(storeFailure(err))
	}
	return ok("Open session: " + sid), nil
}

func (m *lockMgrImpl) Close(ctx context.Context, cid, sid string) (Reply, error) {
	if sid == "" {
		return fail(InvalidRequest("session id must not be empty"))
	}
	if err := m.sessions.Close(ctx, sid, cid); err != nil {
		return fail(storeFailure(err))
	}
	return ok("Close session: " + sid), nil
}

// --------------------------------------------------------------------------
// Single Lock
// --------------------------------------------------------------------------

func (m *lockMgrImpl) Lock(ctx context.Context, cid, name string) (Reply, error) {
	if name == "" {
		return fail(InvalidRequest("lock name must not be empty"))
	}
	sid, authErr := m.authenticate(ctx, cid)
	if authErr != nil {
		return fail(authErr)
	}
	key := LockKey(name)

	for attempt := 0; attempt < acquireAttempts; attempt++ {
		acquired, err := m.store.SetIfUnset(ctx, key, sid)
		if err != nil {
			return fail(storeFailure(err))
		}
		if acquired {
			if err := m.store.Expire(ctx, key, m.lease); err != nil {
				return fail(storeFailure(err))
			}
			Logger.Debugf("lock %s acquired by %s (%s)", name, sid, cid)
			return ok(MsgAcquired), nil
		}

		owner, found, err := m.store.Get(ctx, key)
		if err != nil {
			return fail(storeFailure(err))
		}
		if !found {
			// released or expired in between, try again
			continue
		}

		if owner == sid {
			if err := m.store.Expire(ctx, key, m.lease); err != nil {
				return fail(storeFailure(err))
			}
			Logger.Debugf("lock %s already owned by %s, lease refreshed", name, sid)
			return ok(MsgAlreadyOwned), nil
		}

		if err := m.ensureExpiry(ctx, key); err != nil {
			return fail(storeFailure(err))
		}
		if err := m.store.SAdd(ctx, WaitKey(name), sid); err != nil {
			return fail(storeFailure(err))
		}
		Logger.Debugf("lock %s owned by %s, %s waiting", name, owner, sid)
		return wait(owner), nil
	}

	return fail(&Error{Kind: KindTxAborted, Msg: fmt.Sprintf("lock %s changed concurrently, retry", name)})
}

func (m *lockMgrImpl) Unlock(ctx context.Context, cid, name string) (Reply, error) {
	if name == "" {
		return fail(InvalidRequest("lock name must not be empty"))
	}
	sid, authErr := m.authenticate(ctx, cid)
	if authErr != nil {
		return fail(authErr)
	}
	key := LockKey(name)

	err := m.store.Watch(ctx, func(tx store.ITx) error {
		owner, found, err := tx.Get(ctx, key)
		if err != nil {
			return err
		}
		if !found || owner != sid {
			Logger.Debugf("unlock of %s by %s rejected, owner is %s", name, sid, owner)
			return ownershipMismatch(owner, found)
		}
		if err := tx.Commit(ctx, func(b store.IBatch) {
			b.Delete(key)
		}); err != nil {
			Logger.Warningf("failed to unlock %s: %v", name, err)
			return txFailure("unlock", err)
		}
		return nil
	}, key)
	if err != nil {
		return fail(storeFailure(err))
	}

	Logger.Debugf("lock %s released by %s", name, sid)
	msg := "Unlocked " + name
	if err := m.store.Publish(ctx, m.channel, name); err != nil {
		return fail(publishFailure(msg, err))
	}
	return ok(msg), nil
}

// --------------------------------------------------------------------------
// Multi Lock
// --------------------------------------------------------------------------

func (m *lockMgrImpl) MLock(ctx context.Context, cid string, names []string) (Reply, error) {
	names, nErr := normalizeNames(names)
	if nErr != nil {
		return fail(nErr)
	}
	sid, authErr := m.authenticate(ctx, cid)
	if authErr != nil {
		return fail(authErr)
	}
	keys := lockKeys(names)
	pairs := make([]store.Pair, len(keys))
	for i, key := range keys {
		pairs[i] = store.Pair{Key: key, Value: sid}
	}

	for attempt := 0; attempt < acquireAttempts; attempt++ {
		acquired, err := m.store.MSetIfUnset(ctx, pairs...)
		if err != nil {
			return fail(storeFailure(err))
		}
		if acquired {
			if err := m.expireAll(ctx, keys); err != nil {
				return fail(storeFailure(err))
			}
			Logger.Debugf("locks [%s] acquired by %s (%s)", joinNames(names), sid, cid)
			return ok(MsgAcquired), nil
		}

		owners, err := m.store.MGet(ctx, keys...)
		if err != nil {
			return fail(storeFailure(err))
		}

		held, ownedByCaller := 0, 0
		blocker := ""
		for _, owner := range owners {
			if !owner.Ok {
				continue
			}
			held++
			if owner.Data == sid {
				ownedByCaller++
			} else if blocker == "" {
				blocker = owner.Data
			}
		}

		switch {
		case held == 0:
			// every lock vanished in between, try again
			continue
		case ownedByCaller == len(keys):
			if err := m.expireAll(ctx, keys); err != nil {
				return fail(storeFailure(err))
			}
			Logger.Debugf("locks [%s] already owned by %s, leases refreshed", joinNames(names), sid)
			return ok(MsgAlreadyOwned), nil
		case blocker == "":
			// the caller holds some of the locks and the rest is free. This
			// is treated as contention like any foreign owner.
			blocker = sid
		}

		for _, key := range keys {
			if err := m.ensureExpiry(ctx, key); err != nil {
				return fail(storeFailure(err))
			}
		}
		for _, name := range names {
			if err := m.store.SAdd(ctx, WaitKey(name), sid); err != nil {
				return fail(storeFailure(err))
			}
		}
		Logger.Debugf("locks [%s] blocked by %s, %s waiting", joinNames(names), blocker, sid)
		return wait(blocker), nil
	}

	return fail(&Error{Kind: KindTxAborted, Msg: fmt.Sprintf("locks %s changed concurrently, retry", joinNames(names))})
}

func (m *lockMgrImpl) MUnlock(ctx context.Context, cid string, names []string) (Reply, error) {
	names, nErr := normalizeNames(names)
	if nErr != nil {
		return fail(nErr)
	}
	sid, authErr := m.authenticate(ctx, cid)
	if authErr != nil {
		return fail(authErr)
	}
	keys := lockKeys(names)

	err := m.store.Watch(ctx, func(tx store.ITx) error {
		owners, err := tx.MGet(ctx, keys...)
		if err != nil {
			return err
		}
		for i, owner := range owners {
			if !owner.Ok || owner.Data != sid {
				Logger.Debugf("unlock of [%s] by %s rejected, %s owned by %s", joinNames(names), sid, names[i], owner.Data)
				return ownershipMismatch(owner.Data, owner.Ok)
			}
		}
		if err := tx.Commit(ctx, func(b store.IBatch) {
			b.Delete(keys...)
		}); err != nil {
			Logger.Warningf("failed to unlock [%s]: %v", joinNames(names), err)
			return txFailure("unlock", err)
		}
		return nil
	}, keys...)
	if err != nil {
		return fail(storeFailure(err))
	}

	Logger.Debugf("locks [%s] released by %s", joinNames(names), sid)
	msg := "Unlocked " + joinNames(names)
	var pubErr error
	for _, name := range names {
		// every event is attempted, a failure must not starve the others
		if err := m.store.Publish(ctx, m.channel, name); err != nil {
			pubErr = errors.Join(pubErr, err)
		}
	}
	if pubErr != nil {
		return fail(publishFailure(msg, pubErr))
	}
	return ok(msg), nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// authenticate resolves the session of a connection
func (m *lockMgrImpl) authenticate(ctx context.Context, cid string) (string, *Error) {
	sid, found, err := m.sessions.Resolve(ctx, cid)
	if err != nil {
		return "", storeFailure(err)
	}
	if !found {
		return "", notAuthenticated()
	}
	return sid, nil
}

// ensureExpiry applies the lease to a held lock that has none, a lock must
// never become permanent
func (m *lockMgrImpl) ensureExpiry(ctx context.Context, key string) error {
	ttl, err := m.store.TTL(ctx, key)
	if err != nil {
		return err
	}
	if ttl == store.NoExpiry {
		Logger.Warningf("lock key %s had no expiry, applying lease", key)
		return m.store.Expire(ctx, key, m.lease)
	}
	return nil
}

func (m *lockMgrImpl) expireAll(ctx context.Context, keys []string) error {
	for _, key := range keys {
		if err := m.store.Expire(ctx, key, m.lease); err != nil {
			return err
		}
	}
	return nil
}

func publishFailure(msg string, err error) *Error {
	Logger.Errorf("release event not published: %v", err)
	return &Error{
		Kind: KindStoreUnavailable,
		Msg:  fmt.Sprintf("%s, release notification failed: %v", msg, err),
		Err:  err,
	}
}
