package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/DoyleJ11/lanparty/pkg/types"
)

// MaxSize is the largest encoded envelope that fits one Ethernet frame after
// IP/UDP headers. Staying under it is the sender's job.
const MaxSize = 1400

var ErrMalformed = errors.New("malformed envelope")
var ErrMissingKind = errors.New("missing kind")
var ErrUnknownKind = errors.New("unknown kind")
var ErrMissingPayload = errors.New("missing payload")

// DecodeError is returned for any packet that is not a well-formed envelope.
// Callers treat it as "ignore this packet".
type DecodeError struct {
	Reason error
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return "decode envelope: " + e.Reason.Error()
	}
	return fmt.Sprintf("decode envelope: %s: %s", e.Reason, e.Detail)
}

func (e *DecodeError) Unwrap() error { return e.Reason }

// Envelope is the unit of communication on both ports. Treat it as a value;
// nothing mutates an envelope after New.
type Envelope struct {
	Kind     types.Kind
	Payload  json.RawMessage // always a JSON object
	SenderID string          // empty for discovery traffic
	SentAt   int64           // unix millis, informational only
}

type wire struct {
	Kind     types.Kind      `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	SenderID string          `json:"sender_id,omitempty"`
	SentAt   int64           `json:"sent_at"`
}

// New builds an envelope around payload, which must marshal to a JSON object.
// A nil payload becomes {}.
func New(kind types.Kind, senderID string, payload any) (Envelope, error) {
	if !kind.Valid() {
		return Envelope{}, fmt.Errorf("new envelope: %w: %q", ErrUnknownKind, kind)
	}

	raw := json.RawMessage("{}")
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("new envelope %s: %w", kind, err)
		}
		if !isObject(b) {
			return Envelope{}, fmt.Errorf("new envelope %s: payload is not an object", kind)
		}
		raw = b
	}

	return Envelope{
		Kind:     kind,
		Payload:  raw,
		SenderID: senderID,
		SentAt:   time.Now().UnixMilli(),
	}, nil
}

// Encode serializes e. It does not enforce MaxSize; see Oversize.
func Encode(e Envelope) ([]byte, error) {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return json.Marshal(wire{
		Kind:     e.Kind,
		Payload:  payload,
		SenderID: e.SenderID,
		SentAt:   e.SentAt,
	})
}

// Decode parses b. Every failure is a *DecodeError; Decode never panics on
// garbage or truncated input.
func Decode(b []byte) (Envelope, error) {
	var w wire
	if err := json.Unmarshal(b, &w); err != nil {
		return Envelope{}, &DecodeError{Reason: ErrMalformed, Detail: err.Error()}
	}
	if w.Kind == "" {
		return Envelope{}, &DecodeError{Reason: ErrMissingKind}
	}
	if !w.Kind.Valid() {
		return Envelope{}, &DecodeError{Reason: ErrUnknownKind, Detail: string(w.Kind)}
	}
	if len(w.Payload) == 0 || bytes.Equal(w.Payload, []byte("null")) {
		return Envelope{}, &DecodeError{Reason: ErrMissingPayload}
	}
	if !isObject(w.Payload) {
		return Envelope{}, &DecodeError{Reason: ErrMalformed, Detail: "payload is not an object"}
	}

	return Envelope{
		Kind:     w.Kind,
		Payload:  w.Payload,
		SenderID: w.SenderID,
		SentAt:   w.SentAt,
	}, nil
}

// Bind decodes the payload into v.
func (e Envelope) Bind(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("bind %s payload: %w", e.Kind, err)
	}
	return nil
}

// Oversize reports whether an encoded envelope risks IP fragmentation.
func Oversize(b []byte) bool { return len(b) > MaxSize }

// Equal compares envelopes by value. Payloads are compared after compaction,
// so whitespace differences do not matter.
func Equal(a, b Envelope) bool {
	if a.Kind != b.Kind || a.SenderID != b.SenderID || a.SentAt != b.SentAt {
		return false
	}
	var ca, cb bytes.Buffer
	if err := json.Compact(&ca, a.Payload); err != nil {
		return false
	}
	if err := json.Compact(&cb, b.Payload); err != nil {
		return false
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

func isObject(b []byte) bool {
	b = bytes.TrimLeft(b, " \t\r\n")
	return len(b) > 0 && b[0] == '{'
}
