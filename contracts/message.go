package contracts

import "fmt"

// Kind classifies a message. The set is closed.
type Kind uint8

const (
	// KindCommand asks for a state change and expects exactly one handler
	KindCommand Kind = iota + 1
	// KindQuery asks for information and expects exactly one handler
	KindQuery
	// KindEvent reports something that happened to zero or more handlers
	KindEvent
)

// String returns the lower-case kind name
func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindQuery:
		return "query"
	case KindEvent:
		return "event"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// SingleHandler reports whether messages of this kind route to exactly one handler
func (k Kind) SingleHandler() bool {
	return k == KindCommand || k == KindQuery
}

// ParseKind parses the output of Kind.String
func ParseKind(s string) (Kind, error) {
	switch s {
	case "command":
		return KindCommand, nil
	case "query":
		return KindQuery, nil
	case "event":
		return KindEvent, nil
	default:
		return 0, fmt.Errorf("unknown message kind %q", s)
	}
}

// Message is the base interface for all messages
type Message interface {
	// MessageType returns the stable type tag used for routing and serialization
	MessageType() string
	// MessageKind returns the kind fixed at definition time
	MessageKind() Kind
}

// CommandMessage marks an embedding struct as a command
type CommandMessage struct{}

// MessageKind implements Message
func (CommandMessage) MessageKind() Kind { return KindCommand }

// QueryMessage marks an embedding struct as a query
type QueryMessage struct{}

// MessageKind implements Message
func (QueryMessage) MessageKind() Kind { return KindQuery }

// EventMessage marks an embedding struct as an event
type EventMessage struct{}

// MessageKind implements Message
func (EventMessage) MessageKind() Kind { return KindEvent }
