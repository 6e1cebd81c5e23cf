package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/ValentinKolb/dLock/rpc/common"
	"github.com/ValentinKolb/dLock/rpc/transport"
)

const notificationBuffer = 128

// NewHttpClientTransport creates a client transport that receives pushes over
// an event stream and sends every request as POST
func NewHttpClientTransport() transport.IRPCClientTransport {
	return &httpClientTransport{
		notifications: make(chan []byte, notificationBuffer),
		closed:        make(chan struct{}),
	}
}

type httpClientTransport struct {
	baseURL       *url.URL
	client        *http.Client
	config        common.ClientConfig
	cid           string
	cancel        context.CancelFunc
	notifications chan []byte
	closed        chan struct{}
	closeOnce     sync.Once
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *httpClientTransport) Connect(config common.ClientConfig) error {
	if t.client != nil {
		return fmt.Errorf("already connected")
	}
	endpoint := config.Transport.Endpoint
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	baseURL, err := url.Parse(endpoint)
	if err != nil {
		return err
	}

	t.config = config
	t.baseURL = baseURL
	// no client timeout, the event stream stays open
	t.client = &http.Client{}

	var lastErr error
	for i := 0; i < max(config.RetryCount, 1); i++ {
		if lastErr = t.openStream(); lastErr == nil {
			Logger.Infof("Connected to %s as %s using http transport", baseURL, t.cid)
			return nil
		}
		Logger.Debugf("Connection attempt %d failed: %v", i+1, lastErr)
	}
	t.client = nil
	return lastErr
}

func (t *httpClientTransport) Send(req []byte) ([]byte, error) {
	if t.client == nil {
		return nil, fmt.Errorf("http transport not connected")
	}
	select {
	case <-t.closed:
		return nil, errors.New("connection closed")
	default:
	}

	ctx := context.Background()
	if timeout := t.config.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.baseURL.JoinPath("requests", t.cid).String(), bytes.NewReader(req))
	if err != nil {
		return nil, err
	}

	httpResponse, err := t.client.Do(httpRequest)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := httpResponse.Body.Close(); err != nil {
			Logger.Errorf("Failed to close response body: %v", err)
		}
	}()

	if httpResponse.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http error: %s", httpResponse.Status)
	}

	return io.ReadAll(httpResponse.Body)
}

func (t *httpClientTransport) Notifications() <-chan []byte {
	return t.notifications
}

func (t *httpClientTransport) Close() error {
	t.closeOnce.Do(func() {
		if t.cancel != nil {
			// the stream reader closes the channels
			t.cancel()
		} else {
			close(t.closed)
			close(t.notifications)
		}
		if t.client != nil {
			t.client.CloseIdleConnections()
		}
	})
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// openStream opens the event stream and reads the connection id from the
// first event
func (t *httpClientTransport) openStream() error {
	ctx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL.JoinPath("events").String(), nil)
	if err != nil {
		cancel()
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return fmt.Errorf("http error: %s", resp.Status)
	}

	reader := bufio.NewReader(resp.Body)
	event, data, err := readEvent(reader)
	if err != nil || event != "connected" || data == "" {
		_ = resp.Body.Close()
		cancel()
		return fmt.Errorf("no connection id received: %v", err)
	}

	t.cid = data
	t.cancel = cancel
	go t.readStream(resp.Body, reader)
	return nil
}

// readStream forwards the pushes of the event stream until it ends
func (t *httpClientTransport) readStream(body io.ReadCloser, reader *bufio.Reader) {
	defer func() {
		_ = body.Close()
		close(t.closed)
		close(t.notifications)
	}()

	for {
		_, data, err := readEvent(reader)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				Logger.Debugf("Event stream of %s ended: %v", t.cid, err)
			}
			return
		}
		payload, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			Logger.Warningf("Dropping malformed event: %v", err)
			continue
		}
		select {
		case t.notifications <- payload:
		default:
			Logger.Warningf("Notification buffer full, dropping push")
		}
	}
}

// readEvent reads a single server sent event and returns its name and data
func readEvent(r *bufio.Reader) (event, data string, err error) {
	var dataLines []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", "", err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(dataLines) == 0 && event == "" {
				continue
			}
			return event, strings.Join(dataLines, "\n"), nil
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
}
