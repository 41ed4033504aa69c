// Package contracts provides the core message types shared by the dispatcher, the outbox and the inbox.
//
// This package defines:
//   - Message: a typed payload identified by a stable type tag and a closed Kind
//   - Kind: command, query or event, fixed when the message type is defined
//   - Envelope: identity and delivery metadata wrapped around a message
//   - Error kinds: RoutingError, PersistenceError, TransportError, HandlerError
//
// Message types declare their kind by embedding one of CommandMessage, QueryMessage or EventMessage:
//
//	type CreateOrder struct {
//	    contracts.CommandMessage
//	    Customer string `json:"customer"`
//	}
//
//	func (CreateOrder) MessageType() string { return "orders.CreateOrder" }
package contracts
