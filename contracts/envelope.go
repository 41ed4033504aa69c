package contracts

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps a message with identity and delivery metadata.
// Envelopes are treated as immutable; Redelivered returns a copy with the attempt counter bumped.
type Envelope struct {
	ID            string            `json:"id"`
	Kind          Kind              `json:"kind"`
	Type          string            `json:"type"`
	Timestamp     time.Time         `json:"timestamp"`
	Destination   string            `json:"destination,omitempty"`
	Attempt       int               `json:"attempt"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          json.RawMessage   `json:"body"`

	// Message is the decoded payload. It is not serialized; transports carry Body.
	Message Message `json:"-"`
}

// EnvelopeOption configures envelope creation
type EnvelopeOption func(*Envelope)

// WithEnvelopeID sets a custom envelope ID
func WithEnvelopeID(id string) EnvelopeOption {
	return func(e *Envelope) {
		e.ID = id
	}
}

// WithTimestamp sets a custom creation timestamp
func WithTimestamp(ts time.Time) EnvelopeOption {
	return func(e *Envelope) {
		e.Timestamp = ts.UTC()
	}
}

// WithDestination sets the logical queue or topic
func WithDestination(destination string) EnvelopeOption {
	return func(e *Envelope) {
		e.Destination = destination
	}
}

// WithCorrelationID sets the correlation ID
func WithCorrelationID(correlationID string) EnvelopeOption {
	return func(e *Envelope) {
		e.CorrelationID = correlationID
	}
}

// WithHeader adds a single header
func WithHeader(key, value string) EnvelopeOption {
	return func(e *Envelope) {
		if e.Headers == nil {
			e.Headers = make(map[string]string)
		}
		e.Headers[key] = value
	}
}

// NewEnvelope wraps msg in a new envelope with a generated ID and the current UTC time
func NewEnvelope(msg Message, opts ...EnvelopeOption) (*Envelope, error) {
	if msg == nil {
		return nil, fmt.Errorf("message cannot be nil")
	}
	if msg.MessageType() == "" {
		return nil, fmt.Errorf("message %T has an empty type tag", msg)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", msg.MessageType(), err)
	}

	env := &Envelope{
		ID:        uuid.New().String(),
		Kind:      msg.MessageKind(),
		Type:      msg.MessageType(),
		Timestamp: time.Now().UTC(),
		Body:      body,
		Message:   msg,
	}

	for _, opt := range opts {
		opt(env)
	}

	return env, nil
}

// Redelivered returns a copy of the envelope for the next delivery attempt
func (e *Envelope) Redelivered() *Envelope {
	return e.WithAttempt(e.Attempt + 1)
}

// WithAttempt returns a copy of the envelope carrying the given attempt number
func (e *Envelope) WithAttempt(attempt int) *Envelope {
	cp := *e
	cp.Headers = maps.Clone(e.Headers)
	cp.Attempt = attempt
	return &cp
}

// Header returns a header value or the empty string
func (e *Envelope) Header(key string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[key]
}

// MarshalText implements encoding.TextMarshaler
func (k Kind) MarshalText() ([]byte, error) {
	switch k {
	case KindCommand, KindQuery, KindEvent:
		return []byte(k.String()), nil
	default:
		return nil, fmt.Errorf("cannot marshal %s", k)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
