package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-dispatch/messaging"
)

// Notifier tells a customer about their order
type Notifier interface {
	Notify(ctx context.Context, customer, message string) error
}

// LogNotifier writes notifications to a logger
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier
func (n LogNotifier) Notify(_ context.Context, customer, message string) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification sent", "customer", customer, "message", message)
	return nil
}

// Notifications sends a customer message for every order event
type Notifications struct {
	notifier Notifier
}

// NewNotifications creates the notification subscriber
func NewNotifications(notifier Notifier) *Notifications {
	return &Notifications{notifier: notifier}
}

func (n *Notifications) created(ctx context.Context, e OrderCreated) error {
	return n.notifier.Notify(ctx, e.CustomerName,
		fmt.Sprintf("Your order #%s has been created with %d items. Total: $%.2f", short(e.OrderID), e.ItemCount, e.Total))
}

func (n *Notifications) shipped(ctx context.Context, e OrderShipped) error {
	return n.notifier.Notify(ctx, e.CustomerName,
		fmt.Sprintf("Great news! Your order #%s has been shipped!", short(e.OrderID)))
}

func (n *Notifications) cancelled(ctx context.Context, e OrderCancelled) error {
	return n.notifier.Notify(ctx, e.CustomerName,
		fmt.Sprintf("Your order #%s has been cancelled. Reason: %s", short(e.OrderID), e.Reason))
}

// Inventory reserves stock for created orders and releases it on cancellation
type Inventory struct {
	mu       sync.Mutex
	reserved map[string]int
}

// NewInventory creates the inventory subscriber
func NewInventory() *Inventory {
	return &Inventory{reserved: make(map[string]int)}
}

// Reserved returns the items held for an order
func (i *Inventory) Reserved(orderID string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.reserved[orderID]
}

// reserve is idempotent per order, redelivered events do not double-reserve
func (i *Inventory) reserve(_ context.Context, e OrderCreated) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.reserved[e.OrderID] = e.ItemCount
	return nil
}

func (i *Inventory) release(_ context.Context, e OrderCancelled) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.reserved, e.OrderID)
	return nil
}

// Analytics counts order events
type Analytics struct {
	mu      sync.Mutex
	created int
	shipped int
	revenue float64
}

// NewAnalytics creates the analytics subscriber
func NewAnalytics() *Analytics {
	return &Analytics{}
}

// Snapshot returns the counters
func (a *Analytics) Snapshot() (created, shipped int, revenue float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.created, a.shipped, a.revenue
}

func (a *Analytics) orderCreated(_ context.Context, e OrderCreated) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.created++
	a.revenue += e.Total
	return nil
}

func (a *Analytics) orderShipped(_ context.Context, _ OrderShipped) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shipped++
	return nil
}

// RegisterSubscribers adds the event handlers, in order: notifications, inventory, analytics
func RegisterSubscribers(registry *messaging.Registry, n *Notifications, inv *Inventory, a *Analytics) error {
	return errors.Join(
		messaging.HandleEvent(registry, n.created, messaging.WithHandlerName("notifications.created")),
		messaging.HandleEvent(registry, n.shipped, messaging.WithHandlerName("notifications.shipped")),
		messaging.HandleEvent(registry, n.cancelled, messaging.WithHandlerName("notifications.cancelled")),
		messaging.HandleEvent(registry, inv.reserve, messaging.WithHandlerName("inventory.reserve")),
		messaging.HandleEvent(registry, inv.release, messaging.WithHandlerName("inventory.release")),
		messaging.HandleEvent(registry, a.orderCreated, messaging.WithHandlerName("analytics.created")),
		messaging.HandleEvent(registry, a.orderShipped, messaging.WithHandlerName("analytics.shipped")),
	)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
