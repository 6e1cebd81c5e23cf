package http

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ValentinKolb/dLock/rpc/common"
	"github.com/ValentinKolb/dLock/rpc/transport"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("transport/rpc")

const (
	// eventBuffer is the number of pushes queued per event stream
	eventBuffer = 64
	// maxRequestSize limits the body of a request
	maxRequestSize = 1024 * 1024
	// shutdownTimeout bounds the graceful shutdown of the http server
	shutdownTimeout = 5 * time.Second
)

// eventStream is the server side of one GET /events connection
type eventStream struct {
	id     string
	events chan []byte
	done   chan struct{}
}

// NewHttpServerTransport creates a server transport serving GET /events as
// connection stream and POST /requests/{cid} for the requests of a connection
func NewHttpServerTransport() transport.IRPCServerTransport {
	return &httpServerTransport{
		streams: xsync.NewMapOf[string, *eventStream](),
	}
}

type httpServerTransport struct {
	handler      transport.ServerHandleFunc
	closeHandler transport.ServerCloseFunc
	config       common.ServerConfig
	streams      *xsync.MapOf[string, *eventStream]

	addrMu sync.RWMutex
	addr   net.Addr
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCServerTransport)
// --------------------------------------------------------------------------

func (t *httpServerTransport) RegisterHandler(handler transport.ServerHandleFunc) {
	t.handler = handler
}

func (t *httpServerTransport) RegisterCloseHandler(handler transport.ServerCloseFunc) {
	t.closeHandler = handler
}

func (t *httpServerTransport) Addr() net.Addr {
	t.addrMu.RLock()
	defer t.addrMu.RUnlock()
	return t.addr
}

func (t *httpServerTransport) Push(cid string, data []byte) error {
	s, ok := t.streams.Load(cid)
	if !ok {
		return transport.ErrUnknownConnection
	}
	select {
	case <-s.done:
		return transport.ErrUnknownConnection
	case s.events <- data:
		transport.Pushed()
		return nil
	default:
		return fmt.Errorf("event stream of %s is full", cid)
	}
}

func (t *httpServerTransport) Listen(ctx context.Context, config common.ServerConfig) error {
	if t.handler == nil {
		return errors.New("no handler registered")
	}
	t.config = config

	listener, err := net.Listen("tcp", config.Transport.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	t.addrMu.Lock()
	t.addr = listener.Addr()
	t.addrMu.Unlock()

	server := &http.Server{
		Handler: t.router(),
		// request contexts end with ctx, this ends all event streams
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			Logger.Warningf("HTTP server shutdown: %v", err)
		}
	})
	defer stop()

	Logger.Infof("Starting HTTP server on %s", listener.Addr())

	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	Logger.Infof("HTTP server on %s stopped", listener.Addr())
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (t *httpServerTransport) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if t.config.LogLevel == "debug" {
		r.Use(loggerMiddleware)
	}

	r.Get("/events", t.handleEvents)
	r.Post("/requests/{cid}", t.handleRequest)
	return r
}

// handleEvents opens an event stream. The first event carries the connection
// id, every following event is a base64 encoded push.
func (t *httpServerTransport) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	s := &eventStream{
		id:     uuid.NewString(),
		events: make(chan []byte, eventBuffer),
		done:   make(chan struct{}),
	}
	t.streams.Store(s.id, s)
	transport.ConnectionOpened()
	Logger.Debugf("Event stream %s opened from %s", s.id, r.RemoteAddr)

	defer func() {
		close(s.done)
		t.streams.Delete(s.id)
		transport.ConnectionClosed()
		Logger.Debugf("Event stream %s closed", s.id)
		if t.closeHandler != nil {
			t.closeHandler(s.id)
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(w, "event: connected\ndata: %s\n\n", s.id); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case data := <-s.events:
			if _, err := fmt.Fprintf(w, "data: %s\n\n", base64.StdEncoding.EncodeToString(data)); err != nil {
				Logger.Warningf("Failed to write event to %s: %v", s.id, err)
				return
			}
			flusher.Flush()
		}
	}
}

// handleRequest passes the body to the handler on behalf of the event stream cid
func (t *httpServerTransport) handleRequest(w http.ResponseWriter, r *http.Request) {
	cid := chi.URLParam(r, "cid")
	if _, ok := t.streams.Load(cid); !ok {
		http.Error(w, "unknown connection", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	resp := t.handler(cid, body)

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err = w.Write(resp); err != nil {
		Logger.Warningf("Failed to write response to %s: %v", cid, err)
	}
}

// --------------------------------------------------------------------------
// Middleware (logging)
// --------------------------------------------------------------------------

// loggerMiddleware logs every request with its status and duration
func loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		Logger.Debugf("%s %s => %d took %s", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}
