package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// Value is the result of a single key lookup in a multi-key read.
// Ok is false if the key does not exist.
type Value struct {
	Data string
	Ok   bool
}

// Pair is one key-value pair of a multi-key write.
type Pair struct {
	Key   string
	Value string
}

// TTL sentinels returned by IStore.TTL
const (
	// NoExpiry is returned for a key that exists but has no expiry set.
	NoExpiry time.Duration = -1
	// NoKey is returned for a key that does not exist.
	NoKey time.Duration = -2
)

// IStore is the primitive operation set the lock broker needs from a shared
// key–value store. Every method is atomic at the granularity of a single call.
// Write operations return only an error (nil on success), read operations
// return the requested data along with an error.
type IStore interface {
	// SetIfUnset sets key to value only if the key does not exist.
	// It returns true if the value was written.
	SetIfUnset(ctx context.Context, key, value string) (ok bool, err error)
	// MSetIfUnset sets all pairs only if none of the keys exist (all-or-nothing).
	// It returns true if the values were written.
	MSetIfUnset(ctx context.Context, pairs ...Pair) (ok bool, err error)
	// Get returns the value for a key. The boolean indicates whether the key was found.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// MGet returns the values for all keys in the given order.
	MGet(ctx context.Context, keys ...string) (values []Value, err error)
	// Set inserts or updates a key–value pair. An existing expiry is cleared.
	Set(ctx context.Context, key, value string) (err error)
	// MSet inserts or updates all pairs in one operation.
	MSet(ctx context.Context, pairs ...Pair) (err error)
	// Delete removes the given keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) (err error)
	// Expire sets the time to live of a key. Expiring a missing key is a no-op.
	Expire(ctx context.Context, key string, ttl time.Duration) (err error)
	// TTL returns the remaining time to live of a key, NoExpiry if the key has
	// no expiry and NoKey if it does not exist.
	TTL(ctx context.Context, key string) (ttl time.Duration, err error)

	// SAdd adds members to the set stored at key.
	SAdd(ctx context.Context, key string, members ...string) (err error)
	// SRem removes members from the set stored at key.
	SRem(ctx context.Context, key string, members ...string) (err error)
	// SMembers returns all members of the set stored at key.
	SMembers(ctx context.Context, key string) (members []string, err error)

	// Watch runs fn in an optimistic transaction guarding keys. Reads done
	// through the ITx see the current state. If any watched key is modified by
	// someone else before ITx.Commit executes, the commit fails with an error
	// for which IsTxAborted reports true and no queued write is applied.
	Watch(ctx context.Context, fn func(tx ITx) error, keys ...string) (err error)

	// Publish sends payload to every current subscriber of channel.
	Publish(ctx context.Context, channel, payload string) (err error)
	// Subscribe subscribes to channel. Messages published after Subscribe
	// returns are delivered in publish order.
	Subscribe(ctx context.Context, channel string) (sub ISubscription, err error)

	// Close releases all resources held by the store client.
	Close() (err error)
}

// ITx is the handle passed to the function of IStore.Watch.
type ITx interface {
	// Get reads a key inside the transaction.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// MGet reads several keys inside the transaction.
	MGet(ctx context.Context, keys ...string) (values []Value, err error)
	// Commit executes all writes queued by fn atomically. It fails with a
	// tx aborted error if a watched key changed since Watch started.
	Commit(ctx context.Context, fn func(b IBatch)) (err error)
}

// IBatch buffers the writes of a transaction.
type IBatch interface {
	Set(key, value string)
	Delete(keys ...string)
	Expire(key string, ttl time.Duration)
}

// ISubscription is a cancellable subscription to one channel.
type ISubscription interface {
	// Messages returns the payloads received on the channel.
	// The channel is closed once the subscription is closed.
	Messages() <-chan string
	// Close cancels the subscription.
	Close() error
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode),
// an error message and the underlying driver error if any.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
	Err  error   // The wrapped error, may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("KVStoreError (code %s): %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("KVStoreError (code %s): %s", e.Code, e.Msg)
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new KVStoreError with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// WrapError creates a new KVStoreError wrapping err.
func WrapError(code RetCode, msg string, err error) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
		Err:  err,
	}
}

// IsTxAborted reports whether err is an aborted optimistic transaction.
func IsTxAborted(err error) bool {
	return hasCode(err, RetCTxAborted)
}

// IsUnavailable reports whether err signals that the store could not be reached.
func IsUnavailable(err error) bool {
	return hasCode(err, RetCUnavailable)
}

func hasCode(err error, code RetCode) bool {
	var storeErr *Error
	if errors.As(err, &storeErr) {
		return storeErr.Code == code
	}
	return false
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess              RetCode = iota // 0: Command executed successfully.
	RetCInternalError                       // 1: Command failed due to an internal error.
	RetCUnsupportedOperation                // 2: Operation is not supported by underlying store.
	RetCInvalidOperation                    // 3: Invalid operation.
	RetCUnavailable                         // 4: The store could not be reached.
	RetCTxAborted                           // 5: A watched key changed, the transaction was not applied.
)

// String returns the name of the return code.
func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCUnsupportedOperation:
		return "UnsupportedOperation"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCUnavailable:
		return "Unavailable"
	case RetCTxAborted:
		return "TxAborted"
	default:
		return "Unknown"
	}
}
