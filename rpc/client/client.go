package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ValentinKolb/dLock/rpc/common"
	"github.com/ValentinKolb/dLock/rpc/serializer"
	"github.com/ValentinKolb/dLock/rpc/transport"
)

const (
	retryBuffer = 64

	// defaultRecheckInterval re-tries a waiting AwaitLock without a RETRY. A
	// lock whose lease runs out is freed without a release event.
	defaultRecheckInterval = 5 * time.Second
)

// ErrConnectionClosed is returned by AwaitLock when the connection is lost
// while waiting
var ErrConnectionClosed = errors.New("connection to broker closed")

// Option configures the lock client
type Option func(*rpcLockClient)

// WithRecheckInterval sets how often AwaitLock retries without a RETRY
// notification, zero disables the periodic retry
func WithRecheckInterval(d time.Duration) Option {
	return func(c *rpcLockClient) {
		c.recheck = d
	}
}

// NewRPCLockClient connects to the broker and returns the client.
//
// Usage:
//
//	c, err := client.NewRPCLockClient(config, tcp.NewTCPClientTransport(), serializer.NewBinarySerializer())
//	if err != nil {
//		return err
//	}
//	defer c.Shutdown()
//
//	c.Connect("session-1")
//	if err := c.AwaitLock(ctx, "doc-42"); err != nil {
//		return err
//	}
//	defer c.Unlock("doc-42")
func NewRPCLockClient(
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
	opts ...Option,
) (ILockClient, error) {
	if err := transport.Connect(config); err != nil {
		return nil, err
	}

	c := &rpcLockClient{
		config:     config,
		transport:  transport,
		serializer: serializer,
		retries:    make(chan common.Message, retryBuffer),
		recheck:    defaultRecheckInterval,
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.forwardRetries()
	return c, nil
}

type rpcLockClient struct {
	config     common.ClientConfig
	transport  transport.IRPCClientTransport
	serializer serializer.IRPCSerializer
	retries    chan common.Message
	recheck    time.Duration
}

// --------------------------------------------------------------------------
// Interface Methods (docu see client.ILockClient)
// --------------------------------------------------------------------------

func (c *rpcLockClient) Connect(sid string) (*common.Message, error) {
	return invokeRPCRequest(common.NewConnectRequest(sid), c.transport, c.serializer)
}

func (c *rpcLockClient) Close(sid string) (*common.Message, error) {
	return invokeRPCRequest(common.NewCloseRequest(sid), c.transport, c.serializer)
}

func (c *rpcLockClient) Lock(name string) (*common.Message, error) {
	return invokeRPCRequest(common.NewLockRequest(name), c.transport, c.serializer)
}

func (c *rpcLockClient) Unlock(name string) (*common.Message, error) {
	return invokeRPCRequest(common.NewUnlockRequest(name), c.transport, c.serializer)
}

func (c *rpcLockClient) MLock(names ...string) (*common.Message, error) {
	return invokeRPCRequest(common.NewMLockRequest(names...), c.transport, c.serializer)
}

func (c *rpcLockClient) MUnlock(names ...string) (*common.Message, error) {
	return invokeRPCRequest(common.NewMUnlockRequest(names...), c.transport, c.serializer)
}

func (c *rpcLockClient) AwaitLock(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		return fmt.Errorf("no lock names given")
	}

	var recheck <-chan time.Time
	if c.recheck > 0 {
		ticker := time.NewTicker(c.recheck)
		defer ticker.Stop()
		recheck = ticker.C
	}

	for {
		var resp *common.Message
		var err error
		if len(names) == 1 {
			resp, err = c.Lock(names[0])
		} else {
			resp, err = c.MLock(names...)
		}
		if err != nil {
			return err
		}

		switch resp.Status {
		case common.StatusOK:
			return nil
		case common.StatusWait:
			Logger.Debugf("waiting for %v: %s", names, resp.Text)
		default:
			return fmt.Errorf("lock failed: %s", resp.Text)
		}

		if err := c.awaitRetry(ctx, names, recheck); err != nil {
			return err
		}
	}
}

func (c *rpcLockClient) Retries() <-chan common.Message {
	return c.retries
}

func (c *rpcLockClient) Shutdown() error {
	return c.transport.Close()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// awaitRetry blocks until a RETRY for one of names arrives or the recheck
// interval elapsed. RETRYs for other locks are discarded.
func (c *rpcLockClient) awaitRetry(ctx context.Context, names []string, recheck <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-recheck:
			return nil
		case msg, ok := <-c.retries:
			if !ok {
				return ErrConnectionClosed
			}
			if slices.Contains(names, msg.Text) {
				return nil
			}
			Logger.Debugf("ignoring RETRY for %s", msg.Text)
		}
	}
}

// forwardRetries decodes pushes of the transport until it is closed
func (c *rpcLockClient) forwardRetries() {
	defer close(c.retries)

	for data := range c.transport.Notifications() {
		var msg common.Message
		if err := c.serializer.Deserialize(data, &msg); err != nil {
			Logger.Warningf("dropping undecodable push: %v", err)
			continue
		}
		if !msg.IsPush() {
			Logger.Warningf("dropping unexpected push with status %s", msg.Status)
			continue
		}
		select {
		case c.retries <- msg:
		default:
			Logger.Warningf("retry buffer full, dropping RETRY for %s", msg.Text)
		}
	}
}
