// Package notifier implements the wait notifier, the only path by which
// waiting clients are woken up.
//
// A single subscriber listens on the release channel. For every released
// lock name it reads the wait set of the lock, resolves the connection of
// each waiting session through the session registry and pushes a RETRY
// notification to it. Each entry is removed from the wait set afterwards,
// also when the connection could not be reached. A lost wake up of a dead
// connection is accepted, the lock itself carries a lease.
//
// Events are processed one at a time: the wait set of one event is drained
// completely before the next event is read. The notifier never touches the
// acquire and release paths of the lock manager.
//
// Lifecycle:
//
//	n := notifier.NewNotifier(store, sessions, transport)
//	if err := n.Start(ctx); err != nil {
//		...
//	}
//	defer n.Stop()
package notifier
