// Package testing provides a standardised contract test suite for
// implementations of the store.IStore interface.
//
// The suite verifies exactly the behaviour the lock broker relies on:
// conditional writes, multi-key reads and writes, expiry, sets, optimistic
// transactions and ordered publish/subscribe delivery.
//
// Example usage:
//
//	store_testing.RunStoreContract(t, "MyStore", func(t *testing.T) (store.IStore, func(time.Duration)) {
//		s := NewMyStore()
//		return s, s.advanceClock
//	})
//
// The second return value of the factory must move the store's notion of
// time forward, so expiry can be checked without sleeping.
package testing
