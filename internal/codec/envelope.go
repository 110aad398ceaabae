// ABOUTME: Envelope types and the frame codec converting wire frames to envelopes.
// ABOUTME: Validates structural fields before an envelope enters the pipeline.

package codec

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed indicates a frame that cannot be decoded into a valid envelope.
// Frames that fail decoding are fatal to the originating connection.
var ErrMalformed = errors.New("malformed frame")

// Kind identifies the envelope variant on the wire.
type Kind string

const (
	KindCommand  Kind = "command"
	KindResponse Kind = "response"
	KindError    Kind = "error"
)

// Status carries the outcome of a response or error envelope.
type Status string

const (
	StatusOK               Status = "ok"
	StatusFailed           Status = "failed"
	StatusUnauthorized     Status = "unauthorized"
	StatusAgentUnreachable Status = "agent_unreachable"
	StatusTimeout          Status = "timeout"
	StatusSaturated        Status = "saturated"
	StatusSessionClosed    Status = "session_closed"
)

// OpClose is the reserved command op that closes the bound session for a tab
// without contacting the agent.
const OpClose = "close"

// Envelope is the typed in-memory form of a decrypted wire frame. Envelopes
// are immutable once decoded; the durable routing state lives in the session
// and pending-command stores, not here.
type Envelope struct {
	TabID         string `json:"tabId"`
	Kind          Kind   `json:"kind"`
	CorrelationID uint64 `json:"correlationId,omitempty"`
	TargetHost    string `json:"targetHost,omitempty"`
	Op            string `json:"op,omitempty"`
	Payload       []byte `json:"payload,omitempty"`
	Status        Status `json:"status,omitempty"`
}

// Decode parses a decrypted frame into an Envelope, validating the minimum
// structural fields: a tab id is always required, and commands and responses
// must carry a correlation id. Any failure is reported as ErrMalformed.
func Decode(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Kind {
	case KindCommand, KindResponse, KindError:
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformed, env.Kind)
	}

	if env.TabID == "" {
		return nil, fmt.Errorf("%w: missing tab id", ErrMalformed)
	}

	if (env.Kind == KindCommand || env.Kind == KindResponse) && env.CorrelationID == 0 {
		return nil, fmt.Errorf("%w: missing correlation id for %s", ErrMalformed, env.Kind)
	}

	return &env, nil
}

// Encode serializes an envelope into its wire frame form.
func Encode(env *Envelope) ([]byte, error) {
	frame, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return frame, nil
}
