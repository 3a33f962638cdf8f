package wire

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_PayloadFields(t *testing.T) {
	frame, err := Encode(3, 7, "tick", 42)
	require.NoError(t, err)
	assert.Equal(t, `3,7,"tick",42`, frame)
}

func TestEncode_NoPayload(t *testing.T) {
	frame, err := Encode(TagRecap, 12)
	require.NoError(t, err)
	assert.Equal(t, "-1,12", frame)
}

func TestDecode_RoundTripsNestedValues(t *testing.T) {
	frame, err := Encode(5, 2, "C", "alice", map[string]any{"move": []int{1, 2}, "note": "a,b"})
	require.NoError(t, err)

	got, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.DeliveryTag)
	assert.Equal(t, int64(2), got.AckTag)
	require.Len(t, got.Payload, 3)

	var body struct {
		Move []int  `json:"move"`
		Note string `json:"note"`
	}
	require.NoError(t, json.Unmarshal(got.Payload[2], &body))
	assert.Equal(t, []int{1, 2}, body.Move)
	assert.Equal(t, "a,b", body.Note)
}

func TestDecode_PureAck(t *testing.T) {
	got, err := Decode("0,9")
	require.NoError(t, err)
	assert.Equal(t, TagUnguaranteed, got.DeliveryTag)
	assert.Equal(t, int64(9), got.AckTag)
	assert.Empty(t, got.Payload)
}

func TestDecode_Malformed(t *testing.T) {
	cases := map[string]string{
		"empty":           "",
		"single field":    "1",
		"non-numeric tag": `"x",1`,
		"fractional tag":  "1.5,0",
		"bad json":        `1,0,{"a"`,
		"tag below recap": "-2,0",
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(frame)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedFrame))
		})
	}
}

func TestEncodeRaw_MatchesEncode(t *testing.T) {
	want, err := Encode(4, 1, "ack", 10)
	require.NoError(t, err)
	got := EncodeRaw(4, 1, []json.RawMessage{json.RawMessage(`"ack"`), json.RawMessage(`10`)})
	assert.Equal(t, want, got)
}
