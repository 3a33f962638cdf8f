// Package wire encodes and decodes channel frames.
//
// A frame is a single transport message of the form
//
//	deliveryTag,acknowledgementTag[,payload-field]*
//
// where every field is JSON-encoded and the fields are joined with commas.
// Wrapping a frame in brackets therefore yields a JSON array, which is how
// frames are decoded.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Delivery tag values with special meaning.
const (
	// TagUnguaranteed marks a fire-and-forget frame.
	TagUnguaranteed int64 = 0
	// TagRecap asks the peer to retransmit every unacknowledged guaranteed frame.
	TagRecap int64 = -1
)

// ErrMalformedFrame is returned for frames that cannot be parsed.
var ErrMalformedFrame = errors.New("wire: malformed frame")

// Frame is a decoded transport message.
type Frame struct {
	DeliveryTag int64
	AckTag      int64
	Payload     []json.RawMessage
}

// Encode renders a frame. Payload fields are marshalled individually.
func Encode(deliveryTag, ackTag int64, payload ...any) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d,%d", deliveryTag, ackTag)
	for i, field := range payload {
		b, err := json.Marshal(field)
		if err != nil {
			return "", fmt.Errorf("wire: encode payload field %d: %w", i, err)
		}
		sb.WriteByte(',')
		sb.Write(b)
	}
	return sb.String(), nil
}

// EncodeRaw renders a frame whose payload fields are already JSON.
func EncodeRaw(deliveryTag, ackTag int64, payload []json.RawMessage) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d,%d", deliveryTag, ackTag)
	for _, field := range payload {
		sb.WriteByte(',')
		sb.Write(field)
	}
	return sb.String()
}

// Decode parses a frame.
func Decode(frame string) (Frame, error) {
	if strings.TrimSpace(frame) == "" {
		return Frame{}, fmt.Errorf("%w: empty", ErrMalformedFrame)
	}

	var fields []json.RawMessage
	if err := json.Unmarshal([]byte("["+frame+"]"), &fields); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(fields) < 2 {
		return Frame{}, fmt.Errorf("%w: want at least 2 fields, got %d", ErrMalformedFrame, len(fields))
	}

	deliveryTag, err := decodeTag(fields[0])
	if err != nil {
		return Frame{}, fmt.Errorf("%w: delivery tag: %v", ErrMalformedFrame, err)
	}
	ackTag, err := decodeTag(fields[1])
	if err != nil {
		return Frame{}, fmt.Errorf("%w: acknowledgement tag: %v", ErrMalformedFrame, err)
	}
	if deliveryTag < TagRecap {
		return Frame{}, fmt.Errorf("%w: delivery tag %d out of range", ErrMalformedFrame, deliveryTag)
	}

	var payload []json.RawMessage
	if len(fields) > 2 {
		payload = fields[2:]
	}
	return Frame{DeliveryTag: deliveryTag, AckTag: ackTag, Payload: payload}, nil
}

func decodeTag(raw json.RawMessage) (int64, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err != nil {
		return 0, fmt.Errorf("not a number: %s", raw)
	}
	v, err := n.Int64()
	if err != nil {
		return 0, fmt.Errorf("not an integer: %s", raw)
	}
	return v, nil
}
