// Package lstore implements a local, in-memory, single-node key-value store
// based on the store.IStore interface. Data is stored entirely in memory and
// is not persisted between process restarts.
//
// Key Features:
//   - String and set values with lazy expiry
//   - Optimistic transactions using per-key revisions
//   - In-process publish/subscribe with per-subscriber ordered delivery
//   - Thread-safe operations for concurrent access
//
// Implementation Details:
//
//   - Revisions: Every write bumps a store wide revision counter and records it
//     for the written key. Watch remembers the revision of each watched key and
//     the commit is rejected with store.RetCTxAborted if any of them moved.
//     Expiry counts as a write, like it does for Redis.
//
//   - Expiry: Keys carry an absolute deadline and are purged the next time they
//     are accessed. A custom clock can be injected with WithClock, which makes
//     expiry testable without sleeping.
//
//   - Pub/Sub: Subscribers are kept in a concurrent map (xsync.MapOf). Each
//     subscription owns an unbounded queue drained by its own goroutine, so
//     Publish never blocks on a slow reader.
//
// Usage Example:
//
//	s := lstore.NewLocalStore()
//	defer s.Close()
//
//	ok, err := s.SetIfUnset(ctx, "lock:doc-42", "session-1")
//
// The local store is meant for development, tests and single process
// deployments. Use the rstore package to share locks between processes.
package lstore
