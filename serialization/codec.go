package serialization

import (
	"encoding/json"
	"fmt"

	"github.com/glimte/mmate-dispatch/contracts"
)

// Codec encodes and decodes whole envelopes. Decoded envelopes carry the raw Body;
// use DecodeEnvelope to also resolve the typed Message.
type Codec interface {
	ContentType() string
	Encode(env *contracts.Envelope) ([]byte, error)
	Decode(data []byte) (*contracts.Envelope, error)
}

// JSONCodec encodes envelopes as plain JSON
type JSONCodec struct{}

// NewJSONCodec creates a JSON codec
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

// ContentType implements Codec
func (c *JSONCodec) ContentType() string {
	return "application/json"
}

// Encode implements Codec
func (c *JSONCodec) Encode(env *contracts.Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("envelope cannot be nil")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope %s: %w", env.ID, err)
	}
	return data, nil
}

// Decode implements Codec
func (c *JSONCodec) Decode(data []byte) (*contracts.Envelope, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("data cannot be empty")
	}

	var env contracts.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("envelope is missing id or type")
	}
	return &env, nil
}

// DecodeEnvelope decodes data with codec and resolves the typed message through registry
func DecodeEnvelope(codec Codec, registry *TypeRegistry, data []byte) (*contracts.Envelope, error) {
	env, err := codec.Decode(data)
	if err != nil {
		return nil, err
	}

	msg, err := registry.Decode(env.Type, env.Body)
	if err != nil {
		return nil, err
	}
	if msg.MessageKind() != env.Kind {
		return nil, fmt.Errorf("envelope %s declares kind %s but %s is a %s", env.ID, env.Kind, env.Type, msg.MessageKind())
	}
	env.Message = msg
	return env, nil
}
