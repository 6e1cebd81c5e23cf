package transport

import (
	"context"
	"errors"
	"net"

	"github.com/ValentinKolb/dLock/rpc/common"
)

// ErrUnknownConnection is returned by Push when the connection is not (or no
// longer) open on this transport
var ErrUnknownConnection = errors.New("unknown connection")

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ServerHandleFunc handles a request received on the connection cid and
// returns the response. It is called concurrently for different requests.
type ServerHandleFunc func(cid string, req []byte) (resp []byte)

// ServerCloseFunc is called once after the connection cid was closed and all
// of its requests were answered
type ServerCloseFunc func(cid string)

// IRPCServerTransport accepts client connections, assigns every connection a
// unique id and routes its requests to the registered handler
type IRPCServerTransport interface {
	// RegisterHandler sets the handler called for every request
	RegisterHandler(handler ServerHandleFunc)
	// RegisterCloseHandler sets the handler called when a connection is gone
	RegisterCloseHandler(handler ServerCloseFunc)
	// Push sends an unsolicited message to the connection cid. It returns
	// ErrUnknownConnection if the connection is not open.
	Push(cid string, data []byte) error
	// Addr returns the address the transport listens on, nil before Listen
	// created its listener
	Addr() net.Addr
	// Listen serves connections until ctx is cancelled. All open connections
	// are closed before it returns.
	Listen(ctx context.Context, config common.ServerConfig) error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IRPCClientTransport is a single client connection to the broker
type IRPCClientTransport interface {
	// Connect opens the connection with the given configuration
	Connect(config common.ClientConfig) error
	// Send sends a request to the server and returns the response
	Send(req []byte) (resp []byte, err error)
	// Notifications returns the messages pushed by the server. The channel
	// is closed when the connection is gone.
	Notifications() <-chan []byte
	// Close closes the connection
	Close() error
}
