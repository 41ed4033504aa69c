package serialization

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/glimte/mmate-dispatch/contracts"
)

// ErrUnknownType is returned when no decoder is registered for a type tag
var ErrUnknownType = errors.New("serialization: unknown message type")

// DecodeFunc turns a message body into a typed message
type DecodeFunc func(body []byte) (contracts.Message, error)

type registration struct {
	kind   contracts.Kind
	decode DecodeFunc
}

// TypeRegistry maps type tags to decoders
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string]registration
}

// NewTypeRegistry creates an empty registry
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		types: make(map[string]registration),
	}
}

// RegisterDecoder registers a decoder for a type tag. Registering the same tag twice fails.
func (r *TypeRegistry) RegisterDecoder(typeName string, kind contracts.Kind, decode DecodeFunc) error {
	if typeName == "" {
		return fmt.Errorf("type name cannot be empty")
	}
	if decode == nil {
		return fmt.Errorf("decoder for %s cannot be nil", typeName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[typeName]; exists {
		return fmt.Errorf("type name %s already registered", typeName)
	}
	r.types[typeName] = registration{kind: kind, decode: decode}
	return nil
}

// Prototype returns a value of M whose MessageType and MessageKind can be called. For a pointer
// type it is a pointer to a new zero value rather than nil. Interface types are rejected.
func Prototype[M contracts.Message]() (M, error) {
	var zero M
	t := reflect.TypeFor[M]()
	switch t.Kind() {
	case reflect.Interface:
		return zero, fmt.Errorf("message type %s must be a concrete type", t)
	case reflect.Pointer:
		return reflect.New(t.Elem()).Interface().(M), nil
	}
	return zero, nil
}

// Register registers M under its own type tag. Registering an already known tag is a no-op.
func Register[M contracts.Message](r *TypeRegistry) error {
	proto, err := Prototype[M]()
	if err != nil {
		return err
	}
	typeName := proto.MessageType()
	if r.IsRegistered(typeName) {
		return nil
	}

	return r.RegisterDecoder(typeName, proto.MessageKind(), func(body []byte) (contracts.Message, error) {
		msg, _ := Prototype[M]()
		if len(body) > 0 {
			if err := json.Unmarshal(body, &msg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal into type %s: %w", typeName, err)
			}
		}
		return msg, nil
	})
}

// MustRegister is Register that panics on error
func MustRegister[M contracts.Message](r *TypeRegistry) {
	if err := Register[M](r); err != nil {
		panic(err)
	}
}

// Decode decodes an envelope body into its typed message
func (r *TypeRegistry) Decode(typeName string, body []byte) (contracts.Message, error) {
	r.mu.RLock()
	reg, ok := r.types[typeName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typeName)
	}
	return reg.decode(body)
}

// Kind returns the registered kind of a type tag
func (r *TypeRegistry) Kind(typeName string) (contracts.Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.types[typeName]
	return reg.kind, ok
}

// IsRegistered checks if a type tag is registered
func (r *TypeRegistry) IsRegistered(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[typeName]
	return ok
}

// ListTypes returns all registered type tags, sorted
func (r *TypeRegistry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.types))
	for name := range r.types {
		types = append(types, name)
	}
	slices.Sort(types)
	return types
}
