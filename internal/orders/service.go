package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glimte/mmate-dispatch/messaging"
	"github.com/glimte/mmate-dispatch/outbox"
	"github.com/glimte/mmate-dispatch/storage"
	"github.com/google/uuid"
)

const collection = "orders"

var (
	ErrNotFound          = errors.New("order not found")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrInvalidTransition = errors.New("invalid order transition")
)

// Documents reads committed documents
type Documents interface {
	Get(collection, key string, out any) (bool, error)
}

// documentTx is the write side of a store transaction
type documentTx interface {
	Put(collection, key string, value any) error
}

// Service handles the order commands and queries
type Service struct {
	docs   Documents
	outbox *outbox.Writer
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// Option configures a Service
type Option func(*Service)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithIDGenerator replaces the random order IDs
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		s.newID = fn
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates a Service. The store behind docs must hand out transactions with a
// Put(collection, key, value) method, as memstore does.
func NewService(docs Documents, writer *outbox.Writer, opts ...Option) *Service {
	s := &Service{
		docs:   docs,
		outbox: writer,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds the command and query handlers to registry
func (s *Service) Register(registry *messaging.Registry) error {
	return errors.Join(
		messaging.HandleCommand(registry, s.CreateOrder, messaging.WithHandlerName("orders.create")),
		messaging.HandleCommand(registry, s.ShipOrder, messaging.WithHandlerName("orders.ship")),
		messaging.HandleCommand(registry, s.CancelOrder, messaging.WithHandlerName("orders.cancel")),
		messaging.HandleQuery(registry, s.GetOrder, messaging.WithHandlerName("orders.get")),
	)
}

// CreateOrder stores the order and queues OrderCreated in the same transaction
func (s *Service) CreateOrder(ctx context.Context, cmd CreateOrder) (string, error) {
	switch {
	case strings.TrimSpace(cmd.CustomerName) == "":
		return "", fmt.Errorf("%w: customer name is required", ErrInvalidOrder)
	case cmd.ItemCount <= 0:
		return "", fmt.Errorf("%w: at least one item is required", ErrInvalidOrder)
	case cmd.Total < 0:
		return "", fmt.Errorf("%w: total cannot be negative", ErrInvalidOrder)
	}

	order := Order{
		ID:           s.newID(),
		CustomerName: cmd.CustomerName,
		ItemCount:    cmd.ItemCount,
		Total:        cmd.Total,
		Status:       StatusCreated,
		CreatedAt:    s.now().UTC(),
	}

	err := s.outbox.SaveWithOutbox(ctx, save(order), OrderCreated{
		OrderID:      order.ID,
		CustomerName: order.CustomerName,
		ItemCount:    order.ItemCount,
		Total:        order.Total,
		CreatedAt:    order.CreatedAt,
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("order created", "orderId", order.ID, "customer", order.CustomerName)
	return order.ID, nil
}

// ShipOrder ships a created order
func (s *Service) ShipOrder(ctx context.Context, cmd ShipOrder) (Order, error) {
	order, err := s.load(cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	if order.Status != StatusCreated {
		return Order{}, fmt.Errorf("%w: cannot ship %s order %s", ErrInvalidTransition, order.Status, order.ID)
	}

	order.Status = StatusShipped
	order.ShippedAt = s.now().UTC()

	err = s.outbox.SaveWithOutbox(ctx, save(order), OrderShipped{
		OrderID:      order.ID,
		CustomerName: order.CustomerName,
		ShippedAt:    order.ShippedAt,
	})
	if err != nil {
		return Order{}, err
	}
	return order, nil
}

// CancelOrder cancels an order that has not shipped. Cancelling twice is a no-op.
func (s *Service) CancelOrder(ctx context.Context, cmd CancelOrder) (Order, error) {
	order, err := s.load(cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	switch order.Status {
	case StatusCancelled:
		return order, nil
	case StatusShipped:
		return Order{}, fmt.Errorf("%w: order %s has shipped", ErrInvalidTransition, order.ID)
	}

	reason := cmd.Reason
	if reason == "" {
		reason = "Customer request"
	}
	order.Status = StatusCancelled
	order.CancelReason = reason

	err = s.outbox.SaveWithOutbox(ctx, save(order), OrderCancelled{
		OrderID:      order.ID,
		CustomerName: order.CustomerName,
		ItemCount:    order.ItemCount,
		Reason:       reason,
	})
	if err != nil {
		return Order{}, err
	}
	return order, nil
}

// GetOrder returns the committed order
func (s *Service) GetOrder(_ context.Context, q GetOrder) (Order, error) {
	return s.load(q.OrderID)
}

func (s *Service) load(id string) (Order, error) {
	var order Order
	ok, err := s.docs.Get(collection, id, &order)
	if err != nil {
		return Order{}, err
	}
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return order, nil
}

func save(order Order) outbox.StateChange {
	return func(_ context.Context, tx storage.Tx) error {
		docs, ok := tx.(documentTx)
		if !ok {
			return fmt.Errorf("orders: %T cannot store documents", tx)
		}
		return docs.Put(collection, order.ID, order)
	}
}
