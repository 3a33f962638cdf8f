// Package protocol defines the administrative payload vocabulary carried
// over a channel. The first payload field is a string tag that selects the
// message kind; the remaining fields are its arguments.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Payload tags.
const (
	TagTick       = "tick"
	TagAck        = "ack"
	TagAssetReady = "assetReady"
	TagError      = "error"
	TagCommand    = "C"
)

// Message is one decoded administrative payload.
type Message interface {
	// Fields returns the payload fields, tag first, ready for Channel.Deliver.
	Fields() []any
	message()
}

// Tick is sent server -> client: tick index Number is now authorized.
type Tick struct {
	Number int64
}

func (m Tick) Fields() []any { return []any{TagTick, m.Number} }
func (Tick) message()        {}

// Ack is sent client -> server: the client has processed LastProcessedTick ticks.
type Ack struct {
	LastProcessedTick int64
}

func (m Ack) Fields() []any { return []any{TagAck, m.LastProcessedTick} }
func (Ack) message()        {}

// AssetReady is sent client -> server as asset loading progresses.
type AssetReady struct {
	Loaded    int
	Queued    int
	AllLoaded bool
}

func (m AssetReady) Fields() []any { return []any{TagAssetReady, m.Loaded, m.Queued, m.AllLoaded} }
func (AssetReady) message()        {}

// ErrorBody is the object carried by an error message.
type ErrorBody struct {
	Msg string `json:"msg"`
}

// Error is a non-fatal diagnostic for the peer.
type Error struct {
	Msg string
}

func (m Error) Fields() []any { return []any{TagError, ErrorBody{Msg: m.Msg}} }
func (Error) message()        {}

// Command is an opaque game command, forwarded verbatim to peers.
type Command struct {
	SenderID string
	Body     json.RawMessage
}

func (m Command) Fields() []any {
	body := m.Body
	if len(body) == 0 {
		body = json.RawMessage("null")
	}
	return []any{TagCommand, m.SenderID, body}
}
func (Command) message() {}

// ErrViolation marks protocol violations.
var ErrViolation = errors.New("protocol violation")

// ViolationError describes a payload the peer should not have sent.
type ViolationError struct {
	Tag    string
	Reason string
}

func (e *ViolationError) Error() string {
	if e.Tag == "" {
		return fmt.Sprintf("protocol violation: %s", e.Reason)
	}
	return fmt.Sprintf("protocol violation: %s: %s", e.Tag, e.Reason)
}

// Unwrap lets errors.Is match ErrViolation.
func (e *ViolationError) Unwrap() error {
	return ErrViolation
}

// Violation builds a ViolationError.
func Violation(tag, format string, args ...any) *ViolationError {
	return &ViolationError{Tag: tag, Reason: fmt.Sprintf(format, args...)}
}

// Decode turns payload fields into a Message. Unknown tags and arguments of
// the wrong type yield a *ViolationError.
func Decode(fields []json.RawMessage) (Message, error) {
	if len(fields) == 0 {
		return nil, Violation("", "empty payload")
	}

	var tag string
	if err := json.Unmarshal(fields[0], &tag); err != nil {
		return nil, Violation("", "payload tag is not a string: %s", fields[0])
	}
	args := fields[1:]

	switch tag {
	case TagTick:
		var m Tick
		if err := decodeArgs(tag, args, &m.Number); err != nil {
			return nil, err
		}
		if m.Number < 0 {
			return nil, Violation(tag, "negative tick %d", m.Number)
		}
		return m, nil

	case TagAck:
		var m Ack
		if err := decodeArgs(tag, args, &m.LastProcessedTick); err != nil {
			return nil, err
		}
		if m.LastProcessedTick < 0 {
			return nil, Violation(tag, "negative tick %d", m.LastProcessedTick)
		}
		return m, nil

	case TagAssetReady:
		var m AssetReady
		if err := decodeArgs(tag, args, &m.Loaded, &m.Queued, &m.AllLoaded); err != nil {
			return nil, err
		}
		if m.Loaded < 0 || m.Queued < 0 {
			return nil, Violation(tag, "negative asset counts %d/%d", m.Loaded, m.Queued)
		}
		if m.Loaded > m.Queued {
			return nil, Violation(tag, "loaded %d of only %d queued assets", m.Loaded, m.Queued)
		}
		if m.AllLoaded && m.Loaded < m.Queued {
			return nil, Violation(tag, "all loaded with %d of %d assets", m.Loaded, m.Queued)
		}
		return m, nil

	case TagError:
		var body ErrorBody
		if err := decodeArgs(tag, args, &body); err != nil {
			return nil, err
		}
		return Error{Msg: body.Msg}, nil

	case TagCommand:
		if len(args) != 2 {
			return nil, Violation(tag, "want 2 arguments, got %d", len(args))
		}
		var m Command
		if isNull(args[0]) {
			return nil, Violation(tag, "sender id is null")
		}
		if err := json.Unmarshal(args[0], &m.SenderID); err != nil {
			return nil, Violation(tag, "sender id is not a string: %s", args[0])
		}
		m.Body = append(json.RawMessage(nil), args[1]...)
		return m, nil

	default:
		return nil, Violation(tag, "unknown payload tag")
	}
}

func decodeArgs(tag string, args []json.RawMessage, dst ...any) error {
	if len(args) != len(dst) {
		return Violation(tag, "want %d arguments, got %d", len(dst), len(args))
	}
	for i, raw := range args {
		// Unmarshal leaves the target untouched on null.
		if isNull(raw) {
			return Violation(tag, "argument %d is null", i)
		}
		if err := json.Unmarshal(raw, dst[i]); err != nil {
			return Violation(tag, "argument %d: %v", i, err)
		}
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
