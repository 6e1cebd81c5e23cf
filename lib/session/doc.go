// Package session implements the session registry of the lock broker.
//
// A session is identified by a session id (sid) chosen by the client when it
// connects. The transport assigns every live connection a connection id
// (cid). The registry keeps the binding in both directions inside the store:
//
//	session:<sid> -> cid
//	conn:<cid>    -> sid
//
// A connection without a binding is unauthenticated. Bindings are last write
// wins: connecting an already bound session from another connection silently
// moves it. Closing a session never touches the locks it owns, those are
// bounded by their lease only.
//
// Unbind is used by the server when a transport connection goes away and
// unbinding on disconnect is enabled. It removes the connection side
// unconditionally and the session side only if the session still points at
// the disconnected connection.
package session
