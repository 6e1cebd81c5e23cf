package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ValentinKolb/dLock/lib/lockmgr"
	"github.com/ValentinKolb/dLock/lib/session"
	"github.com/ValentinKolb/dLock/lib/store/rstore"
	"github.com/ValentinKolb/dLock/rpc/client"
	"github.com/ValentinKolb/dLock/rpc/common"
	"github.com/ValentinKolb/dLock/rpc/serializer"
	"github.com/ValentinKolb/dLock/rpc/transport"
	httpTransport "github.com/ValentinKolb/dLock/rpc/transport/http"
	"github.com/ValentinKolb/dLock/rpc/transport/tcp"
	"github.com/ValentinKolb/dLock/rpc/transport/unix"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Test environment
// --------------------------------------------------------------------------

type setup struct {
	name       string
	endpoint   func(t *testing.T) string
	server     func() transport.IRPCServerTransport
	client     func() transport.IRPCClientTransport
	serializer func() serializer.IRPCSerializer
	clientAddr func(addr string) string
}

func tcpEndpoint(*testing.T) string { return "127.0.0.1:0" }

var setups = []setup{
	{
		name:       "TCP-Binary",
		endpoint:   tcpEndpoint,
		server:     tcp.NewTCPServerTransport,
		client:     tcp.NewTCPClientTransport,
		serializer: serializer.NewBinarySerializer,
		clientAddr: func(addr string) string { return addr },
	},
	{
		name:       "Unix-GOB",
		endpoint:   func(t *testing.T) string { return filepath.Join(t.TempDir(), "dlock.sock") },
		server:     unix.NewUnixServerTransport,
		client:     unix.NewUnixClientTransport,
		serializer: serializer.NewGOBSerializer,
		clientAddr: func(addr string) string { return addr },
	},
	{
		name:       "HTTP-JSON",
		endpoint:   tcpEndpoint,
		server:     httpTransport.NewHttpServerTransport,
		client:     httpTransport.NewHttpClientTransport,
		serializer: serializer.NewJSONSerializer,
		clientAddr: func(addr string) string { return "http://" + addr },
	},
}

type broker struct {
	mr    *miniredis.Miniredis
	setup setup
	addr  string
}

// startBroker runs a broker on top of miniredis until the test ends
func startBroker(t *testing.T, su setup, configure ...func(*common.ServerConfig)) *broker {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	st := rstore.NewRedisStore(mr.Addr(), "", 0)

	config := common.ServerConfig{
		Transport: common.TransportConfig{
			Endpoint:       su.endpoint(t),
			WorkersPerConn: 4,
		},
		LeaseSecond:   120,
		Channel:       lockmgr.DefaultChannel,
		TimeoutSecond: 5,
		LogLevel:      "error",
	}
	for _, fn := range configure {
		fn(&config)
	}

	tr := su.server()
	srv := NewRPCServer(config, tr, su.serializer(), WithStore(st))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("broker did not stop")
		}
		_ = st.Close()
	})

	require.Eventually(t, func() bool { return tr.Addr() != nil }, 5*time.Second, 10*time.Millisecond)
	return &broker{mr: mr, setup: su, addr: tr.Addr().String()}
}

func (b *broker) newClient(t *testing.T, opts ...client.Option) client.ILockClient {
	config := common.ClientConfig{
		Transport:     common.TransportConfig{Endpoint: b.setup.clientAddr(b.addr)},
		TimeoutSecond: 5,
		RetryCount:    3,
	}
	c, err := client.NewRPCLockClient(config, b.setup.client(), b.setup.serializer(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown() })
	return c
}

func (b *broker) connectedClient(t *testing.T, sid string, opts ...client.Option) client.ILockClient {
	c := b.newClient(t, opts...)
	resp, err := c.Connect(sid)
	require.NoError(t, err)
	require.Equal(t, common.StatusOK, resp.Status)
	require.Equal(t, "Open session: "+sid, resp.Text)
	return c
}

func forEachSetup(t *testing.T, fn func(t *testing.T, b *broker)) {
	for _, su := range setups {
		t.Run(su.name, func(t *testing.T) {
			fn(t, startBroker(t, su))
		})
	}
}

func expectResponse(t *testing.T, resp *common.Message, err error, status common.Status, text string) {
	t.Helper()
	require.NoError(t, err)
	assert.Equal(t, status, resp.Status)
	assert.Equal(t, text, resp.Text)
	assert.NotZero(t, resp.Time)
}

func expectRetry(t *testing.T, c client.ILockClient, name string) {
	t.Helper()
	select {
	case msg, ok := <-c.Retries():
		require.True(t, ok, "retry channel closed")
		assert.Equal(t, common.StatusRetry, msg.Status)
		assert.Equal(t, name, msg.Text)
	case <-time.After(5 * time.Second):
		t.Fatalf("no RETRY for %s", name)
	}
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestContendedLockHandOver(t *testing.T) {
	forEachSetup(t, func(t *testing.T, b *broker) {
		a := b.connectedClient(t, "s1")
		other := b.connectedClient(t, "s2")

		resp, err := a.Lock("doc-42")
		expectResponse(t, resp, err, common.StatusOK, lockmgr.MsgAcquired)

		resp, err = other.Lock("doc-42")
		expectResponse(t, resp, err, common.StatusWait, "Lock owned by s1")

		resp, err = a.Lock("doc-42")
		expectResponse(t, resp, err, common.StatusOK, lockmgr.MsgAlreadyOwned)

		resp, err = other.Unlock("doc-42")
		expectResponse(t, resp, err, common.StatusFail, "lock owned by s1")

		resp, err = a.Unlock("doc-42")
		expectResponse(t, resp, err, common.StatusOK, "Unlocked doc-42")

		expectRetry(t, other, "doc-42")

		resp, err = other.Lock("doc-42")
		expectResponse(t, resp, err, common.StatusOK, lockmgr.MsgAcquired)
	})
}

func TestMultiLockHandOver(t *testing.T) {
	forEachSetup(t, func(t *testing.T, b *broker) {
		a := b.connectedClient(t, "s1")
		other := b.connectedClient(t, "s2")

		resp, err := a.Lock("b")
		expectResponse(t, resp, err, common.StatusOK, lockmgr.MsgAcquired)

		resp, err = other.MLock("a", "b", "c")
		expectResponse(t, resp, err, common.StatusWait, "Lock owned by s1")
		assert.False(t, b.mr.Exists(lockmgr.LockKey("a")), "all or nothing")

		resp, err = a.Unlock("b")
		expectResponse(t, resp, err, common.StatusOK, "Unlocked b")
		expectRetry(t, other, "b")

		resp, err = other.MLock("a", "b", "c")
		expectResponse(t, resp, err, common.StatusOK, lockmgr.MsgAcquired)

		resp, err = other.MUnlock("a", "b", "c")
		expectResponse(t, resp, err, common.StatusOK, "Unlocked a, b, c")
	})
}

func TestRequiresSession(t *testing.T) {
	forEachSetup(t, func(t *testing.T, b *broker) {
		c := b.newClient(t)

		resp, err := c.Lock("doc-42")
		expectResponse(t, resp, err, common.StatusFail, lockmgr.MsgNotAuthenticate)

		resp, err = c.Connect("s1")
		expectResponse(t, resp, err, common.StatusOK, "Open session: s1")
		resp, err = c.Close("s1")
		expectResponse(t, resp, err, common.StatusOK, "Close session: s1")

		resp, err = c.Lock("doc-42")
		expectResponse(t, resp, err, common.StatusFail, lockmgr.MsgNotAuthenticate)
	})
}

func TestAwaitLock(t *testing.T) {
	forEachSetup(t, func(t *testing.T, b *broker) {
		a := b.connectedClient(t, "s1")
		// no periodic retries, only the RETRY push can wake the waiter
		other := b.connectedClient(t, "s2", client.WithRecheckInterval(0))

		resp, err := a.MLock("x", "y")
		expectResponse(t, resp, err, common.StatusOK, lockmgr.MsgAcquired)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		acquired := make(chan error, 1)
		go func() { acquired <- other.AwaitLock(ctx, "y") }()

		select {
		case err := <-acquired:
			t.Fatalf("acquired while held: %v", err)
		case <-time.After(100 * time.Millisecond):
		}

		resp, err = a.MUnlock("x", "y")
		expectResponse(t, resp, err, common.StatusOK, "Unlocked x, y")

		select {
		case err := <-acquired:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("waiter was not woken up")
		}
		owner, err := b.mr.Get(lockmgr.LockKey("y"))
		require.NoError(t, err)
		assert.Equal(t, "s2", owner)
	})
}

func TestAwaitLockCancelled(t *testing.T) {
	b := startBroker(t, setups[0])
	a := b.connectedClient(t, "s1")
	other := b.connectedClient(t, "s2", client.WithRecheckInterval(0))

	resp, err := a.Lock("doc-42")
	expectResponse(t, resp, err, common.StatusOK, lockmgr.MsgAcquired)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, other.AwaitLock(ctx, "doc-42"), context.DeadlineExceeded)
}

func TestAwaitLockRechecksExpiredLease(t *testing.T) {
	b := startBroker(t, setups[0])
	a := b.connectedClient(t, "s1")
	other := b.connectedClient(t, "s2", client.WithRecheckInterval(50*time.Millisecond))

	resp, err := a.Lock("doc-42")
	expectResponse(t, resp, err, common.StatusOK, lockmgr.MsgAcquired)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	acquired := make(chan error, 1)
	go func() { acquired <- other.AwaitLock(ctx, "doc-42") }()

	// the lease runs out without a release event
	time.Sleep(100 * time.Millisecond)
	b.mr.FastForward(121 * time.Second)

	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter did not recheck")
	}
}

func TestInvalidRequests(t *testing.T) {
	b := startBroker(t, setups[0])

	tr := tcp.NewTCPClientTransport()
	require.NoError(t, tr.Connect(common.ClientConfig{
		Transport:     common.TransportConfig{Endpoint: b.addr},
		TimeoutSecond: 5,
	}))
	defer tr.Close()
	s := serializer.NewBinarySerializer()

	send := func(msg common.Message) common.Message {
		data, err := s.Serialize(msg)
		require.NoError(t, err)
		raw, err := tr.Send(data)
		require.NoError(t, err)
		var resp common.Message
		require.NoError(t, s.Deserialize(raw, &resp))
		return resp
	}

	resp := send(common.Message{Action: common.ActUnknown, Params: []string{"x"}})
	assert.Equal(t, common.StatusFail, resp.Status)
	assert.Equal(t, "unknown action", resp.Text)

	resp = send(common.Message{Action: common.ActLock, Params: []string{"a", "b"}})
	assert.Equal(t, common.StatusFail, resp.Status)
	assert.Contains(t, resp.Text, "exactly one parameter")

	resp = send(common.Message{Action: common.ActMLock})
	assert.Equal(t, common.StatusFail, resp.Status)

	// garbage does not take the connection down
	raw, err := tr.Send([]byte{0x01})
	require.NoError(t, err)
	var decoded common.Message
	require.NoError(t, s.Deserialize(raw, &decoded))
	assert.Equal(t, common.StatusFail, decoded.Status)
	assert.Contains(t, decoded.Text, "failed to deserialize request")

	resp = send(*common.NewConnectRequest("s1"))
	assert.Equal(t, common.StatusOK, resp.Status)
}

func TestDisconnectKeepsBinding(t *testing.T) {
	b := startBroker(t, setups[0])
	c := b.connectedClient(t, "s1")
	require.NoError(t, c.Shutdown())

	time.Sleep(100 * time.Millisecond)
	assert.True(t, b.mr.Exists(session.SessionKey("s1")))
}

func TestUnbindOnDisconnect(t *testing.T) {
	for _, su := range setups {
		t.Run(su.name, func(t *testing.T) {
			b := startBroker(t, su, func(c *common.ServerConfig) { c.UnbindOnDisconnect = true })
			c := b.connectedClient(t, "s1")

			resp, err := c.Lock("doc-42")
			expectResponse(t, resp, err, common.StatusOK, lockmgr.MsgAcquired)
			require.True(t, b.mr.Exists(session.SessionKey("s1")))

			require.NoError(t, c.Shutdown())

			assert.Eventually(t, func() bool {
				return !b.mr.Exists(session.SessionKey("s1"))
			}, 5*time.Second, 10*time.Millisecond)

			// locks are left to their lease
			assert.True(t, b.mr.Exists(lockmgr.LockKey("doc-42")))
		})
	}
}

func TestRebindMovesNotifications(t *testing.T) {
	b := startBroker(t, setups[0])
	holder := b.connectedClient(t, "s1")
	first := b.connectedClient(t, "s2")

	resp, err := holder.Lock("doc-42")
	expectResponse(t, resp, err, common.StatusOK, lockmgr.MsgAcquired)
	resp, err = first.Lock("doc-42")
	expectResponse(t, resp, err, common.StatusWait, "Lock owned by s1")

	// the session moves to a new connection, last write wins
	second := b.connectedClient(t, "s2")

	resp, err = holder.Unlock("doc-42")
	expectResponse(t, resp, err, common.StatusOK, "Unlocked doc-42")

	expectRetry(t, second, "doc-42")
	select {
	case msg := <-first.Retries():
		t.Fatalf("old connection got %v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMetricsEndpoint(t *testing.T) {
	b := startBroker(t, setups[0])
	c := b.connectedClient(t, "metrics-session")
	_, err := c.Lock("metrics-lock")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	metricsRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `dlock_requests_total{action="lock",status="OK"}`)
	assert.Contains(t, rec.Body.String(), `dlock_requests_total{action="connect",status="OK"}`)
	assert.Contains(t, rec.Body.String(), "dlock_connections")

	rec = httptest.NewRecorder()
	metricsRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestServeRejectsInvalidStore(t *testing.T) {
	config := common.ServerConfig{
		Transport: common.TransportConfig{Endpoint: "127.0.0.1:0"},
		Store:     "etcd",
		LogLevel:  "error",
	}
	err := NewRPCServer(config, tcp.NewTCPServerTransport(), serializer.NewBinarySerializer()).Serve(context.Background())
	assert.ErrorContains(t, err, "invalid store type")
}

func TestServeWithMemoryStore(t *testing.T) {
	config := common.ServerConfig{
		Transport:     common.TransportConfig{Endpoint: "127.0.0.1:0"},
		Store:         common.StoreTypeMemory,
		LeaseSecond:   120,
		TimeoutSecond: 5,
		LogLevel:      "error",
	}
	tr := tcp.NewTCPServerTransport()
	srv := NewRPCServer(config, tr, serializer.NewBinarySerializer())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	require.Eventually(t, func() bool { return tr.Addr() != nil }, 5*time.Second, 10*time.Millisecond)

	b := &broker{setup: setups[0], addr: tr.Addr().String()}
	a := b.connectedClient(t, "s1")
	other := b.connectedClient(t, "s2")

	resp, err := a.Lock("doc-42")
	expectResponse(t, resp, err, common.StatusOK, lockmgr.MsgAcquired)
	resp, err = other.Lock("doc-42")
	expectResponse(t, resp, err, common.StatusWait, "Lock owned by s1")
	resp, err = a.Unlock("doc-42")
	expectResponse(t, resp, err, common.StatusOK, "Unlocked doc-42")
	expectRetry(t, other, "doc-42")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("broker did not stop")
	}

	// the connections were closed by the broker
	select {
	case _, ok := <-other.Retries():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("client did not notice the shutdown")
	}
}
