package client

import (
	"context"

	"github.com/ValentinKolb/dLock/rpc/common"
)

// ILockClient is a connection to the lock broker. Every request method
// returns the response of the broker; FAIL and WAIT are responses, not
// errors. An error means the request could not be delivered or answered.
type ILockClient interface {
	// Connect binds the session sid to this connection
	Connect(sid string) (*common.Message, error)
	// Close removes the session binding
	Close(sid string) (*common.Message, error)

	// Lock tries to acquire a single lock
	Lock(name string) (*common.Message, error)
	// Unlock releases a single lock
	Unlock(name string) (*common.Message, error)
	// MLock tries to acquire all locks at once
	MLock(names ...string) (*common.Message, error)
	// MUnlock releases all locks at once
	MUnlock(names ...string) (*common.Message, error)

	// AwaitLock acquires the named locks, waiting for RETRY notifications
	// while they are held by someone else. It returns nil once acquired, the
	// FAIL text as error or ctx.Err() when ctx is done first.
	AwaitLock(ctx context.Context, names ...string) error

	// Retries returns the RETRY notifications pushed by the broker. The
	// channel is closed when the connection is gone.
	Retries() <-chan common.Message

	// Shutdown closes the connection
	Shutdown() error
}
