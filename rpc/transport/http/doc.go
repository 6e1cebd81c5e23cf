// Package http implements the transport over plain HTTP so browsers and other
// non Go clients can use the broker without a custom framing.
//
// Routes (served with chi):
//
//	GET  /events         opens a server sent event stream. The first event
//	                     ("connected") carries the connection id, every
//	                     following event is a push with a base64 payload.
//	POST /requests/{cid} sends a request on behalf of connection cid, the
//	                     response is the body of the reply.
//
// A connection lives as long as its event stream. When the stream ends the
// close handler is called and further requests for its id are rejected with
// 404. Pushes are queued per stream, a full queue makes Push fail.
//
// Cancelling the context passed to Listen ends all event streams and shuts
// the server down gracefully. With log level debug every request is logged.
package http
