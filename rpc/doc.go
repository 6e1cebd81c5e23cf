// Package rpc is the network layer of the lock broker.
//
// Subpackages:
//
//   - common: the Message exchanged in both directions, the typed requests,
//     configuration structures and the logger setup.
//
//   - serializer: Message encodings (binary, JSON, gob).
//
//   - transport: connection handling with stable connection ids and server
//     push. Implementations for TCP, Unix sockets and HTTP with server sent
//     events.
//
//   - server: the connection dispatcher. It owns the store, session
//     registry, lock manager and notifier of a broker process and routes
//     decoded requests to them.
//
//   - client: a Go client with a helper waiting for RETRY notifications.
package rpc
