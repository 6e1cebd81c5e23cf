package server

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/ValentinKolb/dLock/lib/lockmgr"
	"github.com/ValentinKolb/dLock/lib/notifier"
	"github.com/ValentinKolb/dLock/lib/session"
	"github.com/ValentinKolb/dLock/lib/store"
	"github.com/ValentinKolb/dLock/lib/store/lstore"
	"github.com/ValentinKolb/dLock/lib/store/rstore"
	"github.com/ValentinKolb/dLock/rpc/common"
	"github.com/ValentinKolb/dLock/rpc/serializer"
	"github.com/ValentinKolb/dLock/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("rpc")

// unbindTimeout bounds the cleanup of a closed connection
const unbindTimeout = 5 * time.Second

// Option configures the RPC server
type Option func(*rpcServer)

// WithStore makes the server use s instead of creating a store from the
// config. The server does not close a store passed this way.
func WithStore(s store.IStore) Option {
	return func(srv *rpcServer) {
		srv.store = s
		srv.ownsStore = false
	}
}

// NewRPCServer creates a new RPC server
// It takes a config, transport and serializer as parameters
//
// Usage:
//
//	s := server.NewRPCServer(
//		*config,
//		tcp.NewTCPServerTransport(),
//		serializer.NewBinarySerializer(),
//	)
//
//	if err := s.Serve(context.Background()); err != nil {
//		panic(err)
//	}
func NewRPCServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
	opts ...Option,
) IRPCServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	s := &rpcServer{
		config:     config,
		transport:  transport,
		serializer: serializer,
		ownsStore:  true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type rpcServer struct {
	config     common.ServerConfig
	transport  transport.IRPCServerTransport
	serializer serializer.IRPCSerializer

	store     store.IStore
	ownsStore bool
	sessions  session.IRegistry
	adapter   IRPCServerAdapter
	notifier  notifier.INotifier
}

// Serve initializes the store, the lock manager and the notifier and then
// starts the transport layer
func (s *rpcServer) Serve(ctx context.Context) error {
	if err := common.InitLoggers(s.config.LogLevel); err != nil {
		return err
	}
	Logger.Infof("Starting dLock broker")
	Logger.Infof(s.config.String())

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.init(); err != nil {
		return err
	}
	defer s.closeStore()

	if err := s.notifier.Start(ctx); err != nil {
		return fmt.Errorf("failed to start notifier: %w", err)
	}
	defer s.notifier.Stop()

	s.registerTransportHandlers(ctx)

	if s.config.MetricsEndpoint != "" {
		go serveMetrics(ctx, s.config.MetricsEndpoint)
	}

	err := s.transport.Listen(ctx, s.config)
	Logger.Infof("dLock broker stopped")
	return err
}

// init creates all components on top of the store
func (s *rpcServer) init() error {
	if s.store == nil {
		st, err := newStore(s.config)
		if err != nil {
			return err
		}
		s.store = st
	}

	s.sessions = session.NewRegistry(s.store)
	locks := lockmgr.NewLockManager(s.store, s.sessions,
		lockmgr.WithLease(s.config.Lease()),
		lockmgr.WithChannel(s.config.Channel),
	)
	s.adapter = NewLockManagerServerAdapter(locks)
	s.notifier = notifier.NewNotifier(s.store, s.sessions, &pusher{s: s},
		notifier.WithChannel(s.config.Channel),
	)

	Logger.Infof("dLock setup completed successfully")
	return nil
}

// newStore creates the store selected by the config
func newStore(config common.ServerConfig) (store.IStore, error) {
	switch config.Store {
	case common.StoreTypeRedis:
		Logger.Infof("Using redis store at %s (db %d)", config.RedisAddr, config.RedisDB)
		return rstore.NewRedisStore(config.RedisAddr, config.RedisPassword, config.RedisDB,
			rstore.WithPrefix(config.RedisPrefix)), nil
	case common.StoreTypeMemory, "":
		Logger.Warningf("Using in-memory store, locks are lost on restart and not shared with other brokers")
		return lstore.NewLocalStore(), nil
	default:
		return nil, fmt.Errorf("invalid store type: %s", config.Store)
	}
}

func (s *rpcServer) closeStore() {
	if !s.ownsStore {
		return
	}
	if err := s.store.Close(); err != nil {
		Logger.Warningf("Failed to close store: %v", err)
	}
}

func (s *rpcServer) registerTransportHandlers(ctx context.Context) {
	s.transport.RegisterHandler(func(cid string, req []byte) []byte {
		return s.handle(ctx, cid, req)
	})

	s.transport.RegisterCloseHandler(func(cid string) {
		if !s.config.UnbindOnDisconnect {
			return
		}
		// ctx may already be cancelled during shutdown
		unbindCtx, cancel := context.WithTimeout(context.Background(), unbindTimeout)
		defer cancel()
		if err := s.sessions.Unbind(unbindCtx, cid); err != nil {
			Logger.Warningf("Failed to unbind connection %s: %v", cid, err)
		}
	})
}

// handle decodes a request, lets the adapter process it and encodes the response
func (s *rpcServer) handle(ctx context.Context, cid string, data []byte) []byte {
	var msg common.Message
	var resp *common.Message
	action := common.ActUnknown.String()

	if err := s.serializer.Deserialize(data, &msg); err != nil {
		resp = common.NewErrorResponse(fmt.Sprintf("failed to deserialize request: %s", err))
	} else if req, err := common.DecodeRequest(&msg); err != nil {
		resp = common.NewErrorResponse(failureText(err))
	} else {
		action = req.Action().String()
		reqCtx, cancel := s.requestContext(ctx)
		resp = s.adapter.Handle(reqCtx, cid, req)
		cancel()
	}

	countRequest(action, resp.Status)

	out, err := s.serializer.Serialize(*resp)
	if err != nil {
		Logger.Errorf("Failed to serialize response: %v", err)
		out, _ = s.serializer.Serialize(*common.NewErrorResponse("failed to serialize response"))
	}
	return out
}

func (s *rpcServer) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if timeout := s.config.Timeout(); timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

// failureText returns the client facing text of an error
func failureText(err error) string {
	var lmErr *lockmgr.Error
	if errors.As(err, &lmErr) {
		return lmErr.Msg
	}
	return err.Error()
}

// --------------------------------------------------------------------------
// Notifier Pusher
// --------------------------------------------------------------------------

// pusher delivers notifier replies through the transport
type pusher struct {
	s *rpcServer
}

func (p *pusher) Push(cid string, reply lockmgr.Reply) error {
	data, err := p.s.serializer.Serialize(*common.NewReplyResponse(reply))
	if err != nil {
		return err
	}
	if err := p.s.transport.Push(cid, data); err != nil {
		if errors.Is(err, transport.ErrUnknownConnection) {
			return fmt.Errorf("%w: %s", notifier.ErrConnectionGone, cid)
		}
		return err
	}
	return nil
}
