package http

import (
	"bufio"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dLock/rpc/common"
	"github.com/ValentinKolb/dLock/rpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadEvent(t *testing.T) {
	r := bufio.NewReader(strings.NewReader(
		"event: connected\ndata: abc\n\n" +
			": comment\n\n" +
			"data: part1\r\ndata: part2\r\n\r\n"))

	event, data, err := readEvent(r)
	require.NoError(t, err)
	assert.Equal(t, "connected", event)
	assert.Equal(t, "abc", data)

	event, data, err = readEvent(r)
	require.NoError(t, err)
	assert.Empty(t, event)
	assert.Equal(t, "part1\npart2", data)

	_, _, err = readEvent(r)
	assert.Error(t, err)
}

func TestStreamLifecycle(t *testing.T) {
	srv := NewHttpServerTransport()
	srv.RegisterHandler(func(cid string, req []byte) []byte {
		return append([]byte(cid+":"), req...)
	})
	closed := make(chan string, 1)
	srv.RegisterCloseHandler(func(cid string) { closed <- cid })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Listen(ctx, common.ServerConfig{
			Transport: common.TransportConfig{Endpoint: "127.0.0.1:0"},
			LogLevel:  "debug",
		})
	}()
	defer func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("server did not stop")
		}
	}()
	require.Eventually(t, func() bool { return srv.Addr() != nil }, 5*time.Second, 10*time.Millisecond)

	c := NewHttpClientTransport()
	require.NoError(t, c.Connect(common.ClientConfig{
		Transport:     common.TransportConfig{Endpoint: srv.Addr().String()},
		TimeoutSecond: 5,
		RetryCount:    1,
	}))

	resp, err := c.Send([]byte("ping"))
	require.NoError(t, err)
	cid := strings.TrimSuffix(string(resp), ":ping")
	require.NotEmpty(t, cid)

	require.NoError(t, srv.Push(cid, []byte{0x00, 0xff, 'x'}))
	select {
	case msg := <-c.Notifications():
		assert.Equal(t, []byte{0x00, 0xff, 'x'}, msg)
	case <-time.After(5 * time.Second):
		t.Fatal("push not received")
	}

	require.NoError(t, c.Close())
	select {
	case got := <-closed:
		assert.Equal(t, cid, got)
	case <-time.After(5 * time.Second):
		t.Fatal("close handler not called")
	}
	assert.ErrorIs(t, srv.Push(cid, []byte("x")), transport.ErrUnknownConnection)
}
