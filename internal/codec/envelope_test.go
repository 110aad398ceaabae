// ABOUTME: Tests for envelope decoding, validation, and round-trip encoding.
// ABOUTME: Covers well-formed frames, missing fields, and junk input.

package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Command(t *testing.T) {
	frame := []byte(`{"tabId":"console","kind":"command","correlationId":7,"targetHost":"h1","op":"threadDump","payload":"aGVsbG8="}`)

	env, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, "console", env.TabID)
	assert.Equal(t, KindCommand, env.Kind)
	assert.Equal(t, uint64(7), env.CorrelationID)
	assert.Equal(t, "h1", env.TargetHost)
	assert.Equal(t, "threadDump", env.Op)
	assert.Equal(t, []byte("hello"), env.Payload)
}

func TestDecode_Response(t *testing.T) {
	frame := []byte(`{"tabId":"console","kind":"response","correlationId":7,"status":"ok"}`)

	env, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, KindResponse, env.Kind)
	assert.Equal(t, StatusOK, env.Status)
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `{{{`},
		{"empty object", `{}`},
		{"missing tab id", `{"kind":"command","correlationId":1}`},
		{"missing correlation id on command", `{"tabId":"t1","kind":"command"}`},
		{"missing correlation id on response", `{"tabId":"t1","kind":"response"}`},
		{"unknown kind", `{"tabId":"t1","kind":"subscribe","correlationId":1}`},
		{"binary junk", "\x00\x01\x02\xff"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.frame))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecode_ErrorKindWithoutCorrelation(t *testing.T) {
	// Error envelopes report failures that may predate correlation tracking,
	// so the correlation id is optional for them.
	frame := []byte(`{"tabId":"t1","kind":"error","status":"unauthorized"}`)

	env, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, KindError, env.Kind)
	assert.Equal(t, StatusUnauthorized, env.Status)
}

func TestRoundTrip(t *testing.T) {
	orig := &Envelope{
		TabID:         "heap",
		Kind:          KindCommand,
		CorrelationID: 42,
		TargetHost:    "app-server-3",
		Op:            "logTail",
		Payload:       []byte{0x01, 0x02, 0x03},
	}

	frame, err := Encode(orig)
	require.NoError(t, err)

	decoded, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, orig, decoded)
}
