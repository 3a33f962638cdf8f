package client

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/vovakirdan/lockstep/internal/channel"
	"github.com/vovakirdan/lockstep/internal/transport/ws"
)

// ErrNotConnected is returned when a networked session has no channel bound.
var ErrNotConnected = errors.New("client: not connected")

// JoinURL builds the websocket URL for a join token.
func JoinURL(server, token string) string {
	return strings.TrimRight(server, "/") + "/ws?token=" + url.QueryEscape(token)
}

// Backoff is an exponential reconnect delay.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	next    time.Duration
}

// Next returns the delay before the next attempt and doubles it.
func (b *Backoff) Next() time.Duration {
	if b.next == 0 {
		b.next = b.Initial
	}
	d := b.next
	b.next = min(b.next*2, b.Max)
	return d
}

// Reset goes back to the initial delay.
func (b *Backoff) Reset() {
	b.next = 0
}

// Connector keeps a channel attached to the server, redialing with
// exponential backoff whenever the connection drops. The channel outlives
// each connection and recaps on every reconnect.
type Connector struct {
	url     string
	ch      *channel.Channel
	opts    ws.Options
	backoff Backoff
	logger  *log.Logger

	mu        sync.Mutex
	connected bool
	attempts  int
	lastErr   error
}

// NewConnector creates a connector for ch.
func NewConnector(joinURL string, ch *channel.Channel, backoff Backoff, opts ws.Options, logger *log.Logger) *Connector {
	if logger == nil {
		logger = log.Default()
	}
	opts.Logger = logger
	return &Connector{url: joinURL, ch: ch, opts: opts, backoff: backoff, logger: logger}
}

// ConnState is what the connector reports to the presentation layer.
type ConnState struct {
	Connected bool
	Attempts  int
	LastError error
}

// State returns the current connection state.
func (c *Connector) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnState{Connected: c.connected, Attempts: c.attempts, LastError: c.lastErr}
}

func (c *Connector) setState(connected bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
	if !connected {
		c.attempts++
	}
	if err != nil {
		c.lastErr = err
	}
}

// Run dials and serves connections until ctx is cancelled, the channel is
// closed or the server rejects the token.
func (c *Connector) Run(ctx context.Context) error {
	for {
		conn, err := ws.Dial(ctx, c.url, c.opts)
		if err != nil {
			c.setState(false, err)
			if errors.Is(err, ws.ErrUnauthorized) || errors.Is(err, ws.ErrNotFound) {
				return err
			}
			delay := c.backoff.Next()
			c.logger.Debug("dial failed, retrying", "error", err, "in", delay)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := c.ch.Connect(conn); err != nil {
			_ = conn.Close() //nolint:errcheck // channel already closed
			return err
		}
		c.backoff.Reset()
		c.setState(true, nil)
		c.logger.Info("connected")

		go func() {
			select {
			case <-ctx.Done():
				_ = conn.Close() //nolint:errcheck // shutting down
			case <-conn.Done():
			}
		}()
		conn.Serve(func(frame string) {
			_ = c.ch.Receive(frame) //nolint:errcheck // malformed frames are logged by the channel
		})

		c.ch.Disconnect(conn)
		c.setState(false, nil)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Info("connection lost, reconnecting")
	}
}
