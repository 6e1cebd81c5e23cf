package session

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dLock/lib/store"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("session")

const (
	sessionPrefix = "session:"
	connPrefix    = "conn:"

	// nilValue is read as absence
	nilValue = "nil"
)

// IRegistry binds client chosen session ids (sid) to transport connection
// ids (cid). Both directions live in the store, the registry itself is
// stateless.
type IRegistry interface {
	// Connect binds sid and cid in both directions. Existing bindings of
	// either id are overwritten (last write wins).
	Connect(ctx context.Context, sid, cid string) error
	// Close removes both directions, whether or not they point at each other.
	Close(ctx context.Context, sid, cid string) error
	// Resolve returns the session bound to a connection.
	Resolve(ctx context.Context, cid string) (sid string, ok bool, err error)
	// ConnectionOf returns the last connection a session was bound to.
	ConnectionOf(ctx context.Context, sid string) (cid string, ok bool, err error)
	// Unbind removes the binding of a connection that went away. The session
	// side is only removed if it still points at cid.
	Unbind(ctx context.Context, cid string) error
}

type registryImpl struct {
	store store.IStore
}

// NewRegistry creates a session registry on top of the given store.
func NewRegistry(s store.IStore) IRegistry {
	return &registryImpl{store: s}
}

// SessionKey returns the store key holding the connection of a session.
func SessionKey(sid string) string {
	return sessionPrefix + sid
}

// ConnKey returns the store key holding the session of a connection.
func ConnKey(cid string) string {
	return connPrefix + cid
}

func (r *registryImpl) Connect(ctx context.Context, sid, cid string) error {
	err := r.store.MSet(ctx,
		store.Pair{Key: SessionKey(sid), Value: cid},
		store.Pair{Key: ConnKey(cid), Value: sid},
	)
	if err != nil {
		return fmt.Errorf("failed to bind session %s to %s: %w", sid, cid, err)
	}
	Logger.Debugf("session %s bound to connection %s", sid, cid)
	return nil
}

func (r *registryImpl) Close(ctx context.Context, sid, cid string) error {
	if err := r.store.Delete(ctx, SessionKey(sid), ConnKey(cid)); err != nil {
		return fmt.Errorf("failed to close session %s: %w", sid, err)
	}
	Logger.Debugf("session %s closed by connection %s", sid, cid)
	return nil
}

func (r *registryImpl) Resolve(ctx context.Context, cid string) (string, bool, error) {
	return r.lookup(ctx, ConnKey(cid))
}

func (r *registryImpl) ConnectionOf(ctx context.Context, sid string) (string, bool, error) {
	return r.lookup(ctx, SessionKey(sid))
}

func (r *registryImpl) Unbind(ctx context.Context, cid string) error {
	sid, ok, err := r.Resolve(ctx, cid)
	if err != nil {
		return err
	}
	if !ok {
		return r.store.Delete(ctx, ConnKey(cid))
	}

	sessionKey, connKey := SessionKey(sid), ConnKey(cid)
	err = r.store.Watch(ctx, func(tx store.ITx) error {
		current, found, err := tx.Get(ctx, sessionKey)
		if err != nil {
			return err
		}
		// the session may have moved to another connection in the meantime
		ownsSession := found && current == cid
		return tx.Commit(ctx, func(b store.IBatch) {
			if ownsSession {
				b.Delete(sessionKey, connKey)
			} else {
				b.Delete(connKey)
			}
		})
	}, sessionKey, connKey)
	if err != nil {
		return fmt.Errorf("failed to unbind connection %s: %w", cid, err)
	}

	Logger.Debugf("connection %s of session %s unbound", cid, sid)
	return nil
}

func (r *registryImpl) lookup(ctx context.Context, key string) (string, bool, error) {
	val, ok, err := r.store.Get(ctx, key)
	if err != nil {
		return "", false, err
	}
	if !ok || val == nilValue || val == "" {
		return "", false, nil
	}
	return val, true, nil
}
