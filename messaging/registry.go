package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/interceptors"
	"github.com/glimte/mmate-dispatch/serialization"
)

// ErrRegistrySealed is returned when registering after a Dispatcher was built
var ErrRegistrySealed = errors.New("registry is sealed")

// HandlerFunc is the type-erased form of a registered handler
type HandlerFunc func(ctx context.Context, msg contracts.Message) (any, error)

// Registration is a handler bound to a message type
type Registration struct {
	MessageType string
	Kind        contracts.Kind
	Name        string
	Handle      HandlerFunc
}

// RegistrationOption configures a registration
type RegistrationOption func(*Registration)

// WithHandlerName names the handler in logs and errors
func WithHandlerName(name string) RegistrationOption {
	return func(r *Registration) {
		r.Name = name
	}
}

// Registry maps type tags to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]Registration
	kinds    map[string]contracts.Kind
	types    *serialization.TypeRegistry
	sealed   bool
	logger   *slog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string][]Registration),
		kinds:    make(map[string]contracts.Kind),
		types:    serialization.NewTypeRegistry(),
		logger:   slog.Default(),
	}
}

// Register adds a handler. Several handlers may be registered for any type; single-handler
// kinds are checked when a message is routed.
func (r *Registry) Register(reg Registration) error {
	if reg.MessageType == "" {
		return fmt.Errorf("message type cannot be empty")
	}
	if reg.Handle == nil {
		return fmt.Errorf("handler for %s cannot be nil", reg.MessageType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("registering %s: %w", reg.MessageType, ErrRegistrySealed)
	}
	if kind, ok := r.kinds[reg.MessageType]; ok && kind != reg.Kind {
		return fmt.Errorf("message type %s is registered as %s, not %s", reg.MessageType, kind, reg.Kind)
	}

	if reg.Name == "" {
		reg.Name = fmt.Sprintf("%s#%d", reg.MessageType, len(r.handlers[reg.MessageType])+1)
	}
	r.kinds[reg.MessageType] = reg.Kind
	r.handlers[reg.MessageType] = append(r.handlers[reg.MessageType], reg)

	r.logger.Debug("registered message handler",
		"messageType", reg.MessageType,
		"kind", reg.Kind.String(),
		"handler", reg.Name,
	)
	return nil
}

// Seal prevents further registration
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Sealed reports whether the registry is sealed
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Handlers returns the handlers registered for a type tag
func (r *Registry) Handlers(messageType string) []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.handlers[messageType])
}

// Descriptors returns every registered type, sorted by type tag
func (r *Registry) Descriptors() []interceptors.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]interceptors.Descriptor, 0, len(r.kinds))
	for t, k := range r.kinds {
		out = append(out, interceptors.Descriptor{Type: t, Kind: k})
	}
	slices.SortFunc(out, func(a, b interceptors.Descriptor) int {
		switch {
		case a.Type < b.Type:
			return -1
		case a.Type > b.Type:
			return 1
		}
		return 0
	})
	return out
}

// Types returns the decoder registry filled by the typed registration helpers
func (r *Registry) Types() *serialization.TypeRegistry {
	return r.types
}

func register[M contracts.Message](r *Registry, want contracts.Kind, handle HandlerFunc, opts []RegistrationOption) error {
	proto, err := serialization.Prototype[M]()
	if err != nil {
		return err
	}
	if got := proto.MessageKind(); got != want {
		return fmt.Errorf("%s is a %s, not a %s", proto.MessageType(), got, want)
	}

	reg := Registration{
		MessageType: proto.MessageType(),
		Kind:        want,
		Handle:      handle,
	}
	for _, opt := range opts {
		opt(&reg)
	}

	if err := r.Register(reg); err != nil {
		return err
	}
	return serialization.Register[M](r.types)
}

func typed[M contracts.Message](msg contracts.Message) (M, error) {
	m, ok := msg.(M)
	if !ok {
		var zero M
		return zero, fmt.Errorf("handler for %T received %T", zero, msg)
	}
	return m, nil
}

// HandleCommand registers the handler of command C returning R
func HandleCommand[C contracts.Message, R any](r *Registry, fn func(ctx context.Context, cmd C) (R, error), opts ...RegistrationOption) error {
	return register[C](r, contracts.KindCommand, func(ctx context.Context, msg contracts.Message) (any, error) {
		cmd, err := typed[C](msg)
		if err != nil {
			return nil, err
		}
		return fn(ctx, cmd)
	}, opts)
}

// HandleQuery registers the handler of query Q returning R
func HandleQuery[Q contracts.Message, R any](r *Registry, fn func(ctx context.Context, query Q) (R, error), opts ...RegistrationOption) error {
	return register[Q](r, contracts.KindQuery, func(ctx context.Context, msg contracts.Message) (any, error) {
		query, err := typed[Q](msg)
		if err != nil {
			return nil, err
		}
		return fn(ctx, query)
	}, opts)
}

// HandleEvent registers one of possibly many handlers of event E
func HandleEvent[E contracts.Message](r *Registry, fn func(ctx context.Context, event E) error, opts ...RegistrationOption) error {
	return register[E](r, contracts.KindEvent, func(ctx context.Context, msg contracts.Message) (any, error) {
		event, err := typed[E](msg)
		if err != nil {
			return nil, err
		}
		return nil, fn(ctx, event)
	}, opts)
}
