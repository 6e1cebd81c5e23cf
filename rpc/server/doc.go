// Package server runs a lock broker process.
//
// Serve wires the components on top of a single store:
//
//	store (redis | memory)
//	  ├─ session registry
//	  ├─ lock manager ──── publishes release events
//	  └─ notifier ───────── subscribes, pushes RETRY via the transport
//
// Every request is deserialized, decoded into a common.Request and handled by
// the lock manager adapter. Decoding failures and unknown actions are
// answered with FAIL, a request never takes the connection down. Requests
// are bounded by TimeoutSecond.
//
// Lifecycle: the notifier is subscribed before the transport accepts
// connections. Serve returns when ctx is cancelled or SIGINT / SIGTERM is
// received, after the transport closed all connections. The notifier is
// stopped afterwards and the store closed if the server created it.
//
// With UnbindOnDisconnect the session binding of a closed connection is
// removed. Locks and wait set entries of that session stay until released
// or expired.
//
// Metrics (VictoriaMetrics) are served on MetricsEndpoint:
//
//	GET /metrics   dlock_requests_total{action,status}, dlock_connections, ...
//	GET /health    {"status":"ok","connections":N}
package server
