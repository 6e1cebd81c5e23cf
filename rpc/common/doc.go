// Package common provides the data structures shared by the server and the
// client side of the lock broker RPC layer.
//
// Key Components:
//
//   - Message: the single structure exchanged over the wire. Requests carry
//     an Action and its Params, responses and pushes carry a Status, a
//     human readable Text and the server Time in unix milliseconds.
//     Factory functions exist for every request type and for responses.
//
//   - Request: the typed view of a request message. DecodeRequest validates
//     the parameter count of an action and returns one of ConnectRequest,
//     CloseRequest, LockRequest, UnlockRequest, MLockRequest or
//     MUnlockRequest.
//
//   - ServerConfig / ClientConfig / TransportConfig: configuration of the
//     broker process, its clients and the transports between them.
//
//   - Logger: a logger factory for dragonboat's logger package giving all
//     packages the same output format. InitLoggers installs it.
//
// JSON encoding:
//
//	{"action":"lock","params":["doc-42"]}
//	{"action":"connect","param":"session-1"}   // single param form
//	{"status":"WAIT","message":"Lock owned by session-2","time":1700000000000}
package common
