// Package messaging routes commands, queries and events to their handlers.
//
// This package provides:
//   - Registry: explicit handler registration, sealed when a Dispatcher is built
//   - Dispatcher: Invoke, Send, Publish and Deliver, each run through a per-type middleware chain
//   - LocalQueue: an in-process work queue for fire-and-forget commands
//   - Consumer: binds a transport subscription to the Dispatcher through inbox deduplication
//   - Sender, Subscriber and Delivery: the transport contract implemented under transports/
//
// Example usage:
//
//	registry := messaging.NewRegistry()
//	messaging.HandleCommand(registry, func(ctx context.Context, cmd CreateOrder) (string, error) {
//		return createOrder(ctx, cmd)
//	})
//	messaging.HandleEvent(registry, func(ctx context.Context, e OrderCreated) error {
//		return notify(ctx, e)
//	})
//
//	dispatcher := messaging.NewDispatcher(registry,
//		messaging.WithPipeline(pipeline),
//		messaging.WithEnqueuer(outboxWriter),
//	)
//
//	id, err := messaging.InvokeAs[string](ctx, dispatcher, CreateOrder{Customer: "c-1"})
package messaging
