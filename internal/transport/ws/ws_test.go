package ws

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/lockstep/internal/channel"
)

// echoEndpoint greets on attach and echoes every frame back.
type echoEndpoint struct {
	mu       sync.Mutex
	conn     channel.Conn
	received []string
	detached chan struct{}
}

func newEchoEndpoint() *echoEndpoint {
	return &echoEndpoint{detached: make(chan struct{})}
}

func (e *echoEndpoint) Attach(conn channel.Conn) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conn = conn
	return conn.Send("-1,0")
}

func (e *echoEndpoint) Detach(conn channel.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == conn {
		e.conn = nil
		close(e.detached)
	}
}

func (e *echoEndpoint) Receive(frame string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.received = append(e.received, frame)
	if e.conn != nil {
		return e.conn.Send(frame)
	}
	return nil
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Logger = log.New(io.Discard)
	return opts
}

func startServer(t *testing.T, ep Endpoint, opts Options) string {
	t.Helper()
	h := NewHandler(func(r *http.Request) (Endpoint, error) {
		switch r.URL.Query().Get("token") {
		case "good":
			return ep, nil
		case "missing":
			return nil, ErrNotFound
		default:
			return nil, ErrUnauthorized
		}
	}, opts)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestHandler_RejectsBadTokens(t *testing.T) {
	url := startServer(t, newEchoEndpoint(), testOptions())
	ctx := context.Background()

	_, err := Dial(ctx, url+"?token=bad", testOptions())
	assert.True(t, errors.Is(err, ErrUnauthorized), "got %v", err)

	_, err = Dial(ctx, url+"?token=missing", testOptions())
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func TestHandler_PumpsFramesBothWays(t *testing.T) {
	ep := newEchoEndpoint()
	url := startServer(t, ep, testOptions())

	conn, err := Dial(context.Background(), url+"?token=good", testOptions())
	require.NoError(t, err)
	defer conn.Close()

	frames := make(chan string, 8)
	go conn.Serve(func(f string) { frames <- f })

	expect := func(want string) {
		t.Helper()
		select {
		case got := <-frames:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	expect("-1,0")
	require.NoError(t, conn.Send(`1,0,"tick",0`))
	expect(`1,0,"tick",0`)

	require.NoError(t, conn.Close())
	select {
	case <-ep.detached:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not detach after client close")
	}
	assert.ErrorIs(t, conn.Send("0,0"), ErrClosed)
}

func TestHandler_RateLimitDisconnects(t *testing.T) {
	ep := newEchoEndpoint()
	opts := testOptions()
	opts.RateLimit = 1
	opts.RateBurst = 2
	url := startServer(t, ep, opts)

	raw, _, err := websocket.DefaultDialer.Dial(url+"?token=good", nil)
	require.NoError(t, err)
	defer raw.Close()

	for i := 0; i < 10; i++ {
		if err := raw.WriteMessage(websocket.TextMessage, []byte("0,0")); err != nil {
			break
		}
	}

	select {
	case <-ep.detached:
	case <-time.After(2 * time.Second):
		t.Fatal("flooding client was not disconnected")
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()
	assert.LessOrEqual(t, len(ep.received), 2)
}

func TestConn_SlowConsumerIsDropped(t *testing.T) {
	ep := newEchoEndpoint()
	url := startServer(t, ep, testOptions())

	opts := testOptions()
	opts.SendBuffer = 1
	conn, err := Dial(context.Background(), url+"?token=good", opts)
	require.NoError(t, err)
	defer conn.Close()

	// No write pump is running, so the buffer never drains.
	require.NoError(t, conn.Send("0,0"))
	assert.ErrorIs(t, conn.Send("0,0"), ErrSlowConsumer)
	select {
	case <-conn.Done():
	default:
		t.Fatal("connection should be closed")
	}
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "ws://host/ws", redact("ws://host/ws?token=secret"))
	assert.Equal(t, "ws://host/ws", redact("ws://host/ws"))
}
