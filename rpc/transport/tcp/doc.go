// Package tcp provides TCP connectors for the base transport.
//
// Socket options (TCP_NODELAY, keep-alive, linger and socket buffer sizes)
// are applied from common.TransportConfig on both sides. Keep-alive is the
// only way the server notices a peer that vanished without closing the
// connection, since connections have no read deadline.
package tcp
