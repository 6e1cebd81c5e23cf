package base

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dLock/rpc/common"
	"github.com/ValentinKolb/dLock/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("transport/rpc")

// notificationBuffer is the number of pushes buffered for a slow consumer
const notificationBuffer = 128

// ErrClosed is returned for requests on a closed connection
var ErrClosed = errors.New("connection closed")

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IClientConnector defines the interface for transport-specific connection operations
type IClientConnector interface {
	// Connect establishes a single connection to the endpoint
	Connect(endpoint string) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.ClientConfig) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// responseResult contains the result of a request
type responseResult struct {
	data []byte
	err  error
}

// clientTransport implements the core client transport functionality
// independent of the specific transport medium (unix, tcp, etc.)
type clientTransport struct {
	connector     IClientConnector
	config        common.ClientConfig
	conn          net.Conn
	writeMu       sync.Mutex
	pending       *xsync.MapOf[uint64, chan responseResult]
	notifications chan []byte
	nextRequestID atomic.Uint64
	connected     atomic.Bool
	closed        chan struct{} // closed when the read loop ended
	closeOnce     sync.Once
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseClientTransport creates a new base client transport with the specified connector
func NewBaseClientTransport(connector IClientConnector) transport.IRPCClientTransport {
	return &clientTransport{
		connector:     connector,
		pending:       xsync.NewMapOf[uint64, chan responseResult](),
		notifications: make(chan []byte, notificationBuffer),
		closed:        make(chan struct{}),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *clientTransport) Connect(config common.ClientConfig) error {
	if config.Transport.Endpoint == "" {
		return fmt.Errorf("no endpoint provided")
	}
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	if !t.connected.CompareAndSwap(false, true) {
		return fmt.Errorf("already connected")
	}
	t.config = config

	// Dial with exponential backoff, requests themselves are never retried
	attempts := max(config.RetryCount, 1)
	backoffMs := 50
	var lastErr error
	for i := 0; i < attempts; i++ {
		conn, err := t.dial(config)
		if err == nil {
			t.conn = conn
			go t.readLoop()
			Logger.Infof("Connected to %s using %s transport", config.Transport.Endpoint, t.connector.GetName())
			return nil
		}

		lastErr = err
		Logger.Debugf("Connection attempt %d/%d failed: %v", i+1, attempts, err)

		if i < attempts-1 {
			// Exponential backoff with a small random jitter (+-10%)
			jitter := float64(backoffMs) * (0.9 + 0.2*rand.Float64())
			time.Sleep(time.Duration(jitter) * time.Millisecond)
			backoffMs *= 2
		}
	}

	t.connected.Store(false)
	return fmt.Errorf("failed to connect to %s after %d attempts: %w", config.Transport.Endpoint, attempts, lastErr)
}

func (t *clientTransport) Send(req []byte) ([]byte, error) {
	if t.conn == nil {
		return nil, fmt.Errorf("transport not connected")
	}
	select {
	case <-t.closed:
		return nil, ErrClosed
	default:
	}

	requestID := t.nextRequestID.Add(1)
	respCh := make(chan responseResult, 1)
	t.pending.Store(requestID, respCh)
	defer t.pending.Delete(requestID)

	timeout := t.config.Timeout()

	t.writeMu.Lock()
	if timeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	err := writeFrame(t.conn, requestID, req)
	t.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case result := <-respCh:
		return result.data, result.err
	case <-t.closed:
		// the response may have arrived right before the connection closed
		select {
		case result := <-respCh:
			return result.data, result.err
		default:
			return nil, ErrClosed
		}
	case <-timeoutCh:
		return nil, fmt.Errorf("request timed out")
	}
}

func (t *clientTransport) Notifications() <-chan []byte {
	return t.notifications
}

func (t *clientTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		if t.conn != nil {
			err = t.conn.Close()
		} else {
			// never connected, no read loop will close the channels
			close(t.closed)
			close(t.notifications)
		}
	})
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// dial opens and upgrades a single connection
func (t *clientTransport) dial(config common.ClientConfig) (net.Conn, error) {
	conn, err := t.connector.Connect(config.Transport.Endpoint)
	if err != nil {
		return nil, err
	}
	if err := t.connector.UpgradeConnection(conn, config); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}
	return conn, nil
}

// readLoop reads frames until the connection fails. Responses are handed to
// the waiting request, pushes to the notification channel.
func (t *clientTransport) readLoop() {
	defer func() {
		close(t.closed)
		close(t.notifications)
	}()

	for {
		requestID, data, err := readFrame(t.conn, nil)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				Logger.Warningf("Connection to %s lost: %v", t.config.Transport.Endpoint, err)
			}
			t.pending.Range(func(_ uint64, ch chan responseResult) bool {
				select {
				case ch <- responseResult{err: fmt.Errorf("%w: %v", ErrClosed, err)}:
				default:
				}
				return true
			})
			return
		}

		if requestID == pushID {
			select {
			case t.notifications <- data:
			default:
				Logger.Warningf("Notification buffer full, dropping push")
			}
			continue
		}

		if ch, ok := t.pending.Load(requestID); ok {
			ch <- responseResult{data: data}
		} else {
			Logger.Warningf("Received response for unknown request ID %d", requestID)
		}
	}
}
