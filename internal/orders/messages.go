// Package orders is a small order-management domain used by the demo and the end-to-end tests.
package orders

import (
	"time"

	"github.com/glimte/mmate-dispatch/contracts"
)

// Destination receives every order event
const Destination = "orders"

// Status is the lifecycle state of an order
type Status string

const (
	StatusCreated   Status = "created"
	StatusShipped   Status = "shipped"
	StatusCancelled Status = "cancelled"
)

// Order is the persisted aggregate
type Order struct {
	ID           string    `json:"id"`
	CustomerName string    `json:"customerName"`
	ItemCount    int       `json:"itemCount"`
	Total        float64   `json:"total"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	ShippedAt    time.Time `json:"shippedAt,omitempty"`
	CancelReason string    `json:"cancelReason,omitempty"`
}

// CreateOrder places a new order and returns its ID
type CreateOrder struct {
	contracts.CommandMessage
	CustomerName string  `json:"customerName" schema:"maxLength=200,rule=non-empty"`
	ItemCount    int     `json:"itemCount" schema:"minimum=1"`
	Total        float64 `json:"total" schema:"minimum=0"`
}

func (CreateOrder) MessageType() string { return "orders.CreateOrder" }

// ShipOrder marks a created order as shipped
type ShipOrder struct {
	contracts.CommandMessage
	OrderID string `json:"orderId" schema:"minLength=1"`
}

func (ShipOrder) MessageType() string { return "orders.ShipOrder" }

// CancelOrder cancels an order that has not shipped
type CancelOrder struct {
	contracts.CommandMessage
	OrderID string `json:"orderId" schema:"minLength=1"`
	Reason  string `json:"reason" schema:"maxLength=500"`
}

func (CancelOrder) MessageType() string { return "orders.CancelOrder" }

// GetOrder reads an order
type GetOrder struct {
	contracts.QueryMessage
	OrderID string `json:"orderId"`
}

func (GetOrder) MessageType() string { return "orders.GetOrder" }

// OrderCreated is published when an order is placed
type OrderCreated struct {
	contracts.EventMessage
	OrderID      string    `json:"orderId"`
	CustomerName string    `json:"customerName"`
	ItemCount    int       `json:"itemCount"`
	Total        float64   `json:"total"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (OrderCreated) MessageType() string { return "orders.OrderCreated" }

// OrderShipped is published when an order leaves the warehouse
type OrderShipped struct {
	contracts.EventMessage
	OrderID      string    `json:"orderId"`
	CustomerName string    `json:"customerName"`
	ShippedAt    time.Time `json:"shippedAt"`
}

func (OrderShipped) MessageType() string { return "orders.OrderShipped" }

// OrderCancelled is published when an order is cancelled
type OrderCancelled struct {
	contracts.EventMessage
	OrderID      string `json:"orderId"`
	CustomerName string `json:"customerName"`
	ItemCount    int    `json:"itemCount"`
	Reason       string `json:"reason"`
}

func (OrderCancelled) MessageType() string { return "orders.OrderCancelled" }

// ResolveDestination sends order events to Destination and everything else to its type tag
func ResolveDestination(env *contracts.Envelope) string {
	switch env.Type {
	case OrderCreated{}.MessageType(), OrderShipped{}.MessageType(), OrderCancelled{}.MessageType():
		return Destination
	}
	return env.Type
}
