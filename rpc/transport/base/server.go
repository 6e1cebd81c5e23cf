package base

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ValentinKolb/dLock/rpc/common"
	"github.com/ValentinKolb/dLock/rpc/transport"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	defaultBufferSize     = 64 * 1024
	defaultWorkersPerConn = 16
)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IServerConnector defines the interface for transport-specific server operations
type IServerConnector interface {
	// Listen creates a listener and returns it
	Listen(config common.ServerConfig) (net.Listener, error)

	// UpgradeConnection applies protocol-specific settings to an accepted connection
	UpgradeConnection(conn net.Conn, config common.ServerConfig) error

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// serverConnection is a single accepted connection
type serverConnection struct {
	id      string
	conn    net.Conn
	writeMu sync.Mutex // frames of responses and pushes must not interleave
	timeout time.Duration
}

// write sends a single frame, bounded by the write timeout
func (c *serverConnection) write(requestID uint64, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
	}
	return writeFrame(c.conn, requestID, data)
}

// serverTransport implements the core server transport functionality
type serverTransport struct {
	connector    IServerConnector
	handler      transport.ServerHandleFunc
	closeHandler transport.ServerCloseFunc
	config       common.ServerConfig
	bufferPool   *sync.Pool
	connections  *xsync.MapOf[string, *serverConnection]

	addrMu sync.RWMutex
	addr   net.Addr
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseServerTransport creates a new base server transport with the given connector.
// Buffer size and workers per connection are taken from the config passed to Listen.
func NewBaseServerTransport(connector IServerConnector) transport.IRPCServerTransport {
	return &serverTransport{
		connector:   connector,
		connections: xsync.NewMapOf[string, *serverConnection](),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCServerTransport)
// --------------------------------------------------------------------------

func (t *serverTransport) RegisterHandler(handler transport.ServerHandleFunc) {
	t.handler = handler
}

func (t *serverTransport) RegisterCloseHandler(handler transport.ServerCloseFunc) {
	t.closeHandler = handler
}

func (t *serverTransport) Addr() net.Addr {
	t.addrMu.RLock()
	defer t.addrMu.RUnlock()
	return t.addr
}

func (t *serverTransport) Push(cid string, data []byte) error {
	c, ok := t.connections.Load(cid)
	if !ok {
		return transport.ErrUnknownConnection
	}
	if err := c.write(pushID, data); err != nil {
		return fmt.Errorf("push to %s failed: %w", cid, err)
	}
	transport.Pushed()
	return nil
}

func (t *serverTransport) Listen(ctx context.Context, config common.ServerConfig) error {
	if t.handler == nil {
		return errors.New("no handler registered")
	}
	t.config = config

	bufferSize := config.Transport.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	t.bufferPool = &sync.Pool{
		New: func() interface{} {
			return make([]byte, bufferSize)
		},
	}

	workers := config.Transport.WorkersPerConn
	if workers <= 0 {
		workers = defaultWorkersPerConn
	}

	listener, err := t.connector.Listen(config)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	t.addrMu.Lock()
	t.addr = listener.Addr()
	t.addrMu.Unlock()

	Logger.Infof("Starting %s server on %s with %d workers per connection",
		t.connector.GetName(), listener.Addr(), workers)

	// Closing the listener ends the accept loop, closing the connections
	// ends their read loops
	stop := context.AfterFunc(ctx, func() {
		_ = listener.Close()
		t.connections.Range(func(_ string, c *serverConnection) bool {
			_ = c.conn.Close()
			return true
		})
	})
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				Logger.Infof("%s server on %s stopped", t.connector.GetName(), listener.Addr())
				return nil
			}
			Logger.Errorf("Accept error: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if err := t.connector.UpgradeConnection(conn, config); err != nil {
			Logger.Warningf("Failed to upgrade connection from %s: %v", conn.RemoteAddr(), err)
			_ = conn.Close()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			t.handleConnection(ctx, conn, workers)
		}()
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// handleConnection handles incoming requests for one connection
func (t *serverTransport) handleConnection(ctx context.Context, conn net.Conn, workers int) {
	c := &serverConnection{
		id:      uuid.NewString(),
		conn:    conn,
		timeout: t.config.Timeout(),
	}
	t.connections.Store(c.id, c)
	transport.ConnectionOpened()
	Logger.Debugf("Connection %s opened from %s", c.id, conn.RemoteAddr())

	// the context may have been cancelled before the connection was registered
	if ctx.Err() != nil {
		_ = conn.Close()
	}

	// Create a semaphore to limit concurrent workers for this connection
	workerSemaphore := make(chan struct{}, workers)

	// Create a wait group to wait for all workers to finish
	var wg sync.WaitGroup

	handleResponse := func(requestID uint64, data []byte) {
		start := time.Now()
		resp := t.handler(c.id, data)
		Logger.Debugf("Processed request %d of %s took %s", requestID, c.id, time.Since(start))

		if err := c.write(requestID, resp); err != nil {
			Logger.Errorf("Failed to write response to %s: %v", c.id, err)
		}
	}

	// No read deadline: idle connections wait for pushes
	for {
		buf := t.bufferPool.Get().([]byte)
		requestID, data, err := readFrame(conn, buf)
		if err != nil {
			t.bufferPool.Put(buf)
			switch {
			case errors.Is(err, io.EOF):
				Logger.Debugf("Connection %s closed by client", c.id)
			case errors.Is(err, net.ErrClosed):
				Logger.Debugf("Connection %s closed by server", c.id)
			default:
				Logger.Errorf("Error reading from %s: %v", c.id, err)
			}
			break
		}

		if requestID == pushID {
			Logger.Warningf("Connection %s sent a frame without request id, ignoring", c.id)
			t.bufferPool.Put(buf)
			continue
		}

		// Acquire a slot in the semaphore (blocks if the limit is reached)
		workerSemaphore <- struct{}{}
		wg.Add(1)

		go func() {
			defer func() {
				t.bufferPool.Put(buf)
				<-workerSemaphore
				wg.Done()
			}()
			handleResponse(requestID, data)
		}()
	}

	// Answer all in-progress requests before the connection is dropped
	wg.Wait()

	t.connections.Delete(c.id)
	_ = conn.Close()
	transport.ConnectionClosed()
	Logger.Debugf("Connection %s closed", c.id)

	if t.closeHandler != nil {
		t.closeHandler(c.id)
	}
}
