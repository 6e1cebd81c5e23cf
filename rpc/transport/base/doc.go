// Package base provides the framed connection transport shared by the tcp
// and unix transports. Protocol-specific parts (listening, dialing, socket
// options) are injected through IServerConnector and IClientConnector.
//
// Frames:
//
//	requestID u64 | length u32 | payload
//
// Responses carry the id of their request. The server pushes notifications
// with requestID 0, which clients never use for requests.
//
// Server:
//
//   - Every accepted connection gets a uuid as connection id. Requests of a
//     connection are processed by at most WorkersPerConn goroutines, reading
//     continues while workers are busy.
//   - There is no read deadline, an idle connection is a client waiting for
//     a push. Writes are bounded by the configured timeout and serialized per
//     connection so responses and pushes never interleave.
//   - When a connection ends, its in-flight requests are answered first, then
//     the close handler is called with the connection id.
//   - Cancelling the context passed to Listen closes the listener and every
//     connection.
//   - Read buffers are pooled with a sync.Pool.
//
// Client:
//
//   - One connection. Connect retries dialing RetryCount times with
//     exponential backoff, requests are never retried since lock operations
//     are not idempotent.
//   - A read loop correlates responses by request id and forwards pushes to
//     a buffered channel, pushes are dropped when the consumer falls behind.
//   - When the connection is lost all pending requests fail and the
//     notification channel is closed. There is no automatic reconnect, a new
//     connection is a new session binding on the broker.
package base
