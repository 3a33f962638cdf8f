// Package ws carries channel frames over websocket text messages, one frame
// per message, for both the server handler and the client dialer.
package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

var (
	// ErrClosed is returned by Send after the connection has closed.
	ErrClosed = errors.New("ws: connection closed")

	// ErrSlowConsumer is returned by Send when the peer does not drain the
	// send buffer. The connection is closed; the channel recaps on reconnect.
	ErrSlowConsumer = errors.New("ws: send buffer full")
)

// Options tunes a connection.
type Options struct {
	SendBuffer   int
	MaxFrameSize int64
	WriteTimeout time.Duration
	PingPeriod   time.Duration

	// RateLimit bounds inbound frames per second; 0 disables limiting.
	RateLimit rate.Limit
	RateBurst int

	Logger *log.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		SendBuffer:   256,
		MaxFrameSize: 64 * 1024,
		WriteTimeout: 10 * time.Second,
		PingPeriod:   30 * time.Second,
		RateLimit:    200,
		RateBurst:    400,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = d.MaxFrameSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = d.PingPeriod
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	return o
}

// Conn is one websocket connection. It satisfies channel.Conn: Send never
// blocks and Close may be called from any goroutine.
type Conn struct {
	ws      *websocket.Conn
	opts    Options
	logger  *log.Logger
	limiter *rate.Limiter
	send    chan string

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(wsConn *websocket.Conn, opts Options) *Conn {
	opts = opts.withDefaults()
	c := &Conn{
		ws:     wsConn,
		opts:   opts,
		logger: opts.Logger.With("remote", wsConn.RemoteAddr().String()),
		send:   make(chan string, opts.SendBuffer),
		done:   make(chan struct{}),
	}
	if opts.RateLimit > 0 {
		c.limiter = rate.NewLimiter(opts.RateLimit, max(1, opts.RateBurst))
	}
	return c
}

// Send queues a frame for the write pump.
func (c *Conn) Send(frame string) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	default:
		c.logger.Warn("send buffer full, dropping connection")
		_ = c.Close() //nolint:errcheck // already failing
		return ErrSlowConsumer
	}
}

// Close shuts the connection down. Safe to call multiple times.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// Done is closed when the connection has shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Serve runs the write pump in the background and the read pump on the
// calling goroutine, passing each inbound frame to onFrame. It returns once
// the connection is closed.
func (c *Conn) Serve(onFrame func(frame string)) {
	go c.writePump()
	c.readPump(onFrame)
}

func (c *Conn) readPump(onFrame func(frame string)) {
	defer c.Close() //nolint:errcheck // teardown

	pongWait := c.opts.PingPeriod * 10 / 9
	c.ws.SetReadLimit(c.opts.MaxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck // fails only on closed conn
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
		// Any inbound traffic proves the peer alive.
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck // fails only on closed conn

		if c.limiter != nil && !c.limiter.Allow() {
			c.logger.Warn("rate limit exceeded, disconnecting")
			return
		}
		if msgType != websocket.TextMessage {
			c.logger.Debug("ignoring non-text message", "type", msgType)
			continue
		}
		onFrame(string(data))
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close() //nolint:errcheck // teardown
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)) //nolint:errcheck // surfaced by the write
			if err := c.ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)) //nolint:errcheck // surfaced by the write
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage, //nolint:errcheck // best effort
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}
