package serialization

import (
	"encoding/json"
	"fmt"
	"strconv"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/types"
	"github.com/glimte/mmate-dispatch/contracts"
)

// CloudEvents extension attribute names
const (
	ExtKind          = "mmatekind"
	ExtAttempt       = "mmateattempt"
	ExtDestination   = "mmatedest"
	ExtCorrelationID = "correlationid"
	ExtHeaders       = "mmateheaders"
)

// CloudEventsCodec encodes envelopes as structured-mode CloudEvents 1.0 JSON
type CloudEventsCodec struct {
	source string
}

// NewCloudEventsCodec creates a codec that stamps source on every event
func NewCloudEventsCodec(source string) *CloudEventsCodec {
	if source == "" {
		source = "mmate"
	}
	return &CloudEventsCodec{source: source}
}

// ContentType implements Codec
func (c *CloudEventsCodec) ContentType() string {
	return cloudevents.ApplicationCloudEventsJSON
}

// Encode implements Codec
func (c *CloudEventsCodec) Encode(env *contracts.Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("envelope cannot be nil")
	}

	e := cloudevents.NewEvent()
	e.SetID(env.ID)
	e.SetType(env.Type)
	e.SetSource(c.source)
	e.SetTime(env.Timestamp)
	e.SetExtension(ExtKind, env.Kind.String())
	e.SetExtension(ExtAttempt, strconv.Itoa(env.Attempt))
	if env.Destination != "" {
		e.SetExtension(ExtDestination, env.Destination)
	}
	if env.CorrelationID != "" {
		e.SetExtension(ExtCorrelationID, env.CorrelationID)
	}
	if len(env.Headers) > 0 {
		headers, err := json.Marshal(env.Headers)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal headers: %w", err)
		}
		e.SetExtension(ExtHeaders, string(headers))
	}
	if len(env.Body) > 0 {
		if err := e.SetData(cloudevents.ApplicationJSON, json.RawMessage(env.Body)); err != nil {
			return nil, fmt.Errorf("set data: %w", err)
		}
	}

	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cloudevent for %s: %w", env.ID, err)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cloudevent %s: %w", env.ID, err)
	}
	return data, nil
}

// Decode implements Codec
func (c *CloudEventsCodec) Decode(data []byte) (*contracts.Envelope, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("data cannot be empty")
	}

	e := cloudevents.NewEvent()
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cloudevent: %w", err)
	}

	env := &contracts.Envelope{
		ID:        e.ID(),
		Type:      e.Type(),
		Timestamp: e.Time().UTC(),
	}

	ext := e.Extensions()
	kind, err := types.ToString(ext[ExtKind])
	if err != nil {
		return nil, fmt.Errorf("cloudevent %s: missing %s extension: %w", e.ID(), ExtKind, err)
	}
	if env.Kind, err = contracts.ParseKind(kind); err != nil {
		return nil, fmt.Errorf("cloudevent %s: %w", e.ID(), err)
	}

	if v, ok := ext[ExtAttempt]; ok {
		s, err := types.ToString(v)
		if err != nil {
			return nil, fmt.Errorf("cloudevent %s: bad %s: %w", e.ID(), ExtAttempt, err)
		}
		if env.Attempt, err = strconv.Atoi(s); err != nil {
			return nil, fmt.Errorf("cloudevent %s: bad %s: %w", e.ID(), ExtAttempt, err)
		}
	}
	if v, ok := ext[ExtDestination]; ok {
		env.Destination, _ = types.ToString(v)
	}
	if v, ok := ext[ExtCorrelationID]; ok {
		env.CorrelationID, _ = types.ToString(v)
	}
	if v, ok := ext[ExtHeaders]; ok {
		s, _ := types.ToString(v)
		if err := json.Unmarshal([]byte(s), &env.Headers); err != nil {
			return nil, fmt.Errorf("cloudevent %s: bad %s: %w", e.ID(), ExtHeaders, err)
		}
	}
	if body := e.Data(); len(body) > 0 {
		env.Body = append(json.RawMessage(nil), body...)
	}

	return env, nil
}
