// Package channel implements the reliable/unreliable message channel that
// sits between a raw ordered transport and the lock-step protocol.
//
// Guaranteed messages get a monotonically increasing delivery tag and stay
// queued until the peer acknowledges them. When a transport (re)connects the
// channel sends a recap request, and the peer answers by retransmitting its
// whole unacknowledged queue. Duplicates produced by a recap are dropped by
// tag. The channel outlives any single transport connection.
package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/vovakirdan/lockstep/internal/clock"
	"github.com/vovakirdan/lockstep/internal/wire"
)

// ErrClosed is returned by sends on a closed channel.
var ErrClosed = errors.New("channel: closed")

// Conn is the live transport under a channel.
// Send must not block; transport backpressure is the transport's concern.
type Conn interface {
	Send(frame string) error
	Close() error
}

// Handler receives the payload of every accepted frame.
type Handler func(payload []json.RawMessage)

// Options configures a channel.
type Options struct {
	// Name identifies the channel in logs.
	Name string

	// Clock is the time source. Defaults to a real clock.
	Clock clock.Clock

	// IdleKeepAlive is how long the channel may stay silent before it sends
	// an empty unguaranteed frame.
	IdleKeepAlive time.Duration

	// AckDelay is how long a received guaranteed message may stay
	// unacknowledged before NeedsAck reports true.
	AckDelay time.Duration

	Logger *log.Logger
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		IdleKeepAlive: 20 * time.Second,
		AckDelay:      100 * time.Millisecond,
	}
}

type pending struct {
	tag     int64
	payload []json.RawMessage
}

// Stats is a point-in-time view of a channel's counters.
type Stats struct {
	LastSentTag     int64
	LastReceivedTag int64
	Pending         int
	Connected       bool
	Malformed       int
	Duplicates      int
}

// Channel is a per-participant message channel.
// Thread-safe: Receive may run on a transport goroutine while other
// goroutines Deliver and Notify.
type Channel struct {
	name    string
	clock   clock.Clock
	logger  *log.Logger
	idle    int64
	ackWait int64
	handler Handler

	mu              sync.Mutex
	conn            Conn
	closed          bool
	lastSentTag     int64
	queue           []pending
	lastReceivedTag int64
	unackedSince    int64 // 0 = everything received has been acknowledged
	lastSendAt      int64
	malformed       int
	duplicates      int
}

// New creates a disconnected channel that dispatches accepted payloads to handler.
func New(opts Options, handler Handler) *Channel {
	defaults := DefaultOptions()
	if opts.Clock == nil {
		opts.Clock = clock.NewReal()
	}
	if opts.IdleKeepAlive <= 0 {
		opts.IdleKeepAlive = defaults.IdleKeepAlive
	}
	if opts.AckDelay <= 0 {
		opts.AckDelay = defaults.AckDelay
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Channel{
		name:    opts.Name,
		clock:   opts.Clock,
		logger:  opts.Logger.With("channel", opts.Name),
		idle:    opts.IdleKeepAlive.Milliseconds(),
		ackWait: opts.AckDelay.Milliseconds(),
		handler: handler,
	}
}

// Name returns the channel's log name.
func (c *Channel) Name() string {
	return c.name
}

// Deliver sends a guaranteed message. It is queued until acknowledged and
// written immediately when a transport is attached.
func (c *Channel) Deliver(payload ...any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	return c.DeliverRaw(raw)
}

// DeliverRaw is Deliver for payload fields that are already JSON.
func (c *Channel) DeliverRaw(payload []json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.lastSentTag++
	c.queue = append(c.queue, pending{tag: c.lastSentTag, payload: payload})
	c.writeLocked(c.lastSentTag, payload)
	return nil
}

// Notify sends an unguaranteed message. It is never queued or retransmitted.
func (c *Channel) Notify(payload ...any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.writeLocked(wire.TagUnguaranteed, raw)
	return nil
}

// Connect attaches a transport and asks the peer for a recap of everything
// it has not seen acknowledged. A previously attached transport is closed.
func (c *Channel) Connect(conn Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.conn != nil && c.conn != conn {
		_ = c.conn.Close() //nolint:errcheck // replaced transport
	}
	c.conn = conn
	c.writeLocked(wire.TagRecap, nil)
	c.logger.Debug("transport attached", "ack", c.lastReceivedTag, "pending", len(c.queue))
	return nil
}

// Disconnect detaches conn if it is still the current transport.
// Queued messages are kept for the next recap.
func (c *Channel) Disconnect(conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == conn {
		c.conn = nil
		c.logger.Debug("transport detached", "pending", len(c.queue))
	}
}

// Connected reports whether a transport is attached.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close detaches and closes the transport and rejects further sends.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	if c.conn != nil {
		_ = c.conn.Close() //nolint:errcheck // best effort on teardown
		c.conn = nil
	}
	c.queue = nil
}

// Receive processes one inbound frame. Malformed frames are dropped and
// reported; they never touch tag state.
func (c *Channel) Receive(frame string) error {
	f, err := wire.Decode(frame)
	if err != nil {
		c.mu.Lock()
		c.malformed++
		c.mu.Unlock()
		c.logger.Warn("dropping malformed frame", "error", err)
		return fmt.Errorf("channel %s: %w", c.name, err)
	}

	dispatch := c.accept(f)
	if dispatch && len(f.Payload) > 0 && c.handler != nil {
		c.handler(f.Payload)
	}
	return nil
}

// accept updates tag state for f and reports whether its payload should be
// dispatched.
func (c *Channel) accept(f wire.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	c.pruneLocked(f.AckTag)

	switch {
	case f.DeliveryTag == wire.TagRecap:
		c.logger.Debug("recap requested", "ack", f.AckTag, "resending", len(c.queue))
		for _, p := range c.queue {
			c.writeLocked(p.tag, p.payload)
		}
		return false
	case f.DeliveryTag == wire.TagUnguaranteed:
		return true
	case f.DeliveryTag > c.lastReceivedTag:
		c.lastReceivedTag = f.DeliveryTag
		if c.unackedSince == 0 {
			c.unackedSince = c.clock.NowMillis()
		}
		return true
	default:
		c.duplicates++
		c.logger.Debug("dropping duplicate", "tag", f.DeliveryTag, "last", c.lastReceivedTag)
		return false
	}
}

// pruneLocked drops every queued message the peer has acknowledged.
func (c *Channel) pruneLocked(ack int64) {
	n := 0
	for n < len(c.queue) && c.queue[n].tag <= ack {
		n++
	}
	if n == 0 {
		return
	}
	remaining := copy(c.queue, c.queue[n:])
	clear(c.queue[remaining:])
	c.queue = c.queue[:remaining]
}

// NeedsAck reports whether a received guaranteed message has waited at
// least the ack delay without being acknowledged.
func (c *Channel) NeedsAck(now int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.needsAckLocked(now)
}

func (c *Channel) needsAckLocked(now int64) bool {
	return c.unackedSince != 0 && now-c.unackedSince >= c.ackWait
}

// SendAck writes a pure acknowledgement frame.
func (c *Channel) SendAck() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.writeLocked(wire.TagUnguaranteed, nil)
	}
}

// Maintain sends a pure acknowledgement when one is overdue and an empty
// keep-alive frame when the channel has been idle too long.
// It reports whether a frame was written.
func (c *Channel) Maintain(now int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.conn == nil {
		return false
	}
	if c.needsAckLocked(now) || now-c.lastSendAt > c.idle {
		c.writeLocked(wire.TagUnguaranteed, nil)
		return true
	}
	return false
}

// Stats returns a snapshot of the channel's counters.
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		LastSentTag:     c.lastSentTag,
		LastReceivedTag: c.lastReceivedTag,
		Pending:         len(c.queue),
		Connected:       c.conn != nil,
		Malformed:       c.malformed,
		Duplicates:      c.duplicates,
	}
}

// writeLocked writes a frame if a transport is attached. Every frame carries
// the current acknowledgement tag, so any write settles pending acks.
func (c *Channel) writeLocked(tag int64, payload []json.RawMessage) {
	if c.conn == nil {
		return
	}
	frame := wire.EncodeRaw(tag, c.lastReceivedTag, payload)
	if err := c.conn.Send(frame); err != nil {
		c.logger.Debug("transport write failed", "tag", tag, "error", err)
		return
	}
	c.lastSendAt = c.clock.NowMillis()
	c.unackedSince = 0
}

func marshalPayload(payload []any) ([]json.RawMessage, error) {
	raw := make([]json.RawMessage, len(payload))
	for i, field := range payload {
		b, err := json.Marshal(field)
		if err != nil {
			return nil, fmt.Errorf("channel: encode payload field %d: %w", i, err)
		}
		raw[i] = b
	}
	return raw, nil
}
