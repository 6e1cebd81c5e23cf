// Package lockmgr implements the lock coordination core of the broker:
// lease based advisory locks on top of the primitive operations of a
// store.IStore.
//
// The lock manager only ever stores in the provided IStore and has no other
// internal state. Therefore it is safe to be created multiple times on the
// same store, every broker process sharing one store sees the same locks.
//
// Core Functionality:
//   - Session binding and authentication through the session registry
//   - Single lock acquisition with lease refresh for the holder
//   - All-or-nothing multi lock acquisition
//   - Ownership checked release inside optimistic transactions
//   - Wait set registration and release events for the notifier
//
// Store Layout:
//
//	lock:<name>  owner session id, expires after the lease
//	wait:<name>  set of session ids waiting for the lock
//
// Implementation Approach:
//
//   - Acquisition: A conditional set (SetIfUnset, MSetIfUnset for multi
//     locks) guarantees that only one session can create the lock key. The
//     winner sets the lease. If the set fails and the caller already owns the
//     lock the lease is refreshed and the request succeeds, which is how
//     holders renew their lease. Otherwise the caller is added to the wait
//     set and receives a WAIT reply naming the owner.
//
//   - Lease Repair: A contended lock that has no expiry gets the lease
//     applied before the contention is reported. A lock must never become
//     permanent, even if a crash separated the set from the expire.
//
//   - Release: The lock key is watched, the owner is reread and compared and
//     the key is deleted in a transaction. A concurrent writer aborts the
//     transaction, the release is reported as failed and never retried. A
//     successful release publishes the lock name on the release channel.
//
//   - Multi Locks: Partial ownership by the caller counts as contention.
//     The caller is registered in the wait set of every named lock, including
//     the ones it holds. A multi release fails without changes unless every
//     named lock is owned by the caller.
//
// Errors:
//
//	Every failed request yields a FAIL reply and an *Error whose Kind tells
//	authentication failures, ownership mismatches, aborted transactions,
//	store outages and malformed requests apart. Nothing is retried inside
//	the lock manager.
package lockmgr
