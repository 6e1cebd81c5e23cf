package lockmgr

import (
	"context"
	"time"
)

const (
	// DefaultLease is the lifetime of a lock that is not re-acquired.
	DefaultLease = 120 * time.Second
	// DefaultChannel is the broadcast channel of release events.
	DefaultChannel = "/distlock/unlock/"
)

// Reply messages
const (
	MsgAcquired        = "Acquired"
	MsgAlreadyOwned    = "Already own the lock"
	MsgNotAuthenticate = "Not sid, connect first"
)

// ILockManager defines the interface of the lock coordination core. Every
// method is called on behalf of the connection cid and returns the reply for
// that connection. A non-nil error is always of type *Error and comes with a
// FAIL reply carrying the same message.
type ILockManager interface {
	// Connect binds the session sid to the connection cid.
	Connect(ctx context.Context, cid, sid string) (Reply, error)
	// Close removes the binding of sid and cid. Locks owned by the session
	// are kept until they are released or their lease expires.
	Close(ctx context.Context, cid, sid string) (Reply, error)

	// Lock acquires a single lock. If the lock is held by another session the
	// caller is registered as a waiter and a WAIT reply is returned.
	Lock(ctx context.Context, cid, name string) (Reply, error)
	// Unlock releases a lock owned by the caller and publishes a release event.
	Unlock(ctx context.Context, cid, name string) (Reply, error)

	// MLock acquires all named locks or none of them.
	MLock(ctx context.Context, cid string, names []string) (Reply, error)
	// MUnlock releases all named locks. It fails without any change if one of
	// them is not owned by the caller.
	MUnlock(ctx context.Context, cid string, names []string) (Reply, error)
}

// Status is the outcome of a request
type Status string

const (
	StatusOK    Status = "OK"
	StatusFail  Status = "FAIL"
	StatusWait  Status = "WAIT"
	StatusRetry Status = "RETRY" // asynchronous wake up, never a direct reply
)

// Reply is the answer to a single request
type Reply struct {
	Status  Status
	Message string
}

func ok(msg string) Reply {
	return Reply{Status: StatusOK, Message: msg}
}

func wait(owner string) Reply {
	return Reply{Status: StatusWait, Message: "Lock owned by " + owner}
}

// Retry builds the wake up notification for a lock.
func Retry(name string) Reply {
	return Reply{Status: StatusRetry, Message: name}
}
