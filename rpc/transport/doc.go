// Package transport defines the contract between the lock broker and the
// network. A server transport gives every accepted connection a unique id,
// routes requests to a handler and can push messages to a connection at any
// time. A client transport is one connection that sends requests and
// receives pushes.
//
// Implementations:
//   - base: framed connections over any net.Listener / net.Conn
//   - tcp, unix: connectors for base
//   - http: requests as POST, pushes as server sent events
//
// The package also exports the connection metrics (dlock_connections,
// dlock_connections_total, dlock_pushes_total) updated by all
// implementations.
package transport
