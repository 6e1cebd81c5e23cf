package lockmgr

import (
	"errors"
	"fmt"

	"github.com/ValentinKolb/dLock/lib/store"
)

// ErrorKind classifies why a request failed
type ErrorKind uint8

const (
	KindNotAuthenticated ErrorKind = iota + 1
	KindLockContended              // reported as WAIT, never returned as error
	KindOwnershipMismatch
	KindTxAborted
	KindStoreUnavailable
	KindInvalidRequest
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotAuthenticated:
		return "NOT_AUTHENTICATED"
	case KindLockContended:
		return "LOCK_CONTENDED"
	case KindOwnershipMismatch:
		return "OWNERSHIP_MISMATCH"
	case KindTxAborted:
		return "STORE_TRANSACTION_ABORTED"
	case KindStoreUnavailable:
		return "STORE_UNAVAILABLE"
	case KindInvalidRequest:
		return "INVALID_REQUEST"
	default:
		return "UNKNOWN"
	}
}

// Error is the error returned by the lock manager. Msg is sent to the
// client as the message of the FAIL reply.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Reply returns the FAIL reply for the error
func (e *Error) Reply() Reply {
	return Reply{Status: StatusFail, Message: e.Msg}
}

// KindOf returns the kind of a lock manager error, 0 if err is not one.
func KindOf(err error) ErrorKind {
	var lmErr *Error
	if errors.As(err, &lmErr) {
		return lmErr.Kind
	}
	return 0
}

// InvalidRequest creates an error for a malformed request.
func InvalidRequest(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Msg: fmt.Sprintf(format, args...)}
}

func notAuthenticated() *Error {
	return &Error{Kind: KindNotAuthenticated, Msg: MsgNotAuthenticate}
}

func ownershipMismatch(owner string, found bool) *Error {
	if !found {
		owner = noOwner
	}
	return &Error{Kind: KindOwnershipMismatch, Msg: "lock owned by " + owner}
}

// storeFailure converts an error of the store into an unavailable error
func storeFailure(err error) *Error {
	var lmErr *Error
	if errors.As(err, &lmErr) {
		return lmErr
	}
	return &Error{Kind: KindStoreUnavailable, Msg: "store unavailable: " + err.Error(), Err: err}
}

// txFailure converts an error of a transaction commit
func txFailure(op string, err error) *Error {
	kind := KindStoreUnavailable
	if store.IsTxAborted(err) {
		kind = KindTxAborted
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf("Transaction failed during %s: %v", op, err), Err: err}
}

func fail(err *Error) (Reply, error) {
	return err.Reply(), err
}
