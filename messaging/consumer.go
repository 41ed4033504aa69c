package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/inbox"
	"github.com/glimte/mmate-dispatch/serialization"
)

// Consumer binds a transport subscription to the dispatcher. Each delivery is decoded, deduplicated
// through the inbox tracker and delivered to its handlers. Commands and queries are recorded under
// the consumer's name; every event handler is recorded under "<consumer>/<handler>" in its own
// transaction, so a redelivery only reruns the handlers that failed.
type Consumer struct {
	name        string
	destination string
	subscriber  Subscriber
	dispatcher  *Dispatcher
	codec       serialization.Codec
	types       *serialization.TypeRegistry
	tracker     *inbox.Tracker
	logger      *slog.Logger
}

// ConsumerOption configures the Consumer
type ConsumerOption func(*Consumer)

// WithConsumerCodec sets the envelope codec. Defaults to JSON.
func WithConsumerCodec(codec serialization.Codec) ConsumerOption {
	return func(c *Consumer) {
		c.codec = codec
	}
}

// WithConsumerTypes sets the registry used to decode message bodies.
// Defaults to the types registered with the dispatcher's handlers.
func WithConsumerTypes(types *serialization.TypeRegistry) ConsumerOption {
	return func(c *Consumer) {
		c.types = types
	}
}

// WithInbox enables exactly-once processing through tracker
func WithInbox(tracker *inbox.Tracker) ConsumerOption {
	return func(c *Consumer) {
		c.tracker = tracker
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer named name for destination
func NewConsumer(name, destination string, subscriber Subscriber, dispatcher *Dispatcher, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		name:        name,
		destination: destination,
		subscriber:  subscriber,
		dispatcher:  dispatcher,
		codec:       serialization.NewJSONCodec(),
		types:       dispatcher.Registry().Types(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the consumer name used for inbox deduplication
func (c *Consumer) Name() string {
	return c.name
}

// Start subscribes to the destination. Consumption stops when ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.subscriber.Subscribe(ctx, c.destination, c.name, c.Handle); err != nil {
		return fmt.Errorf("consumer %s: subscribe to %s: %w", c.name, c.destination, err)
	}
	c.logger.Info("consumer started", "consumer", c.name, "destination", c.destination)
	return nil
}

// Handle processes a single delivery and settles it. Success and suppressed duplicates are acked;
// undecodable, unroutable or invalid messages are rejected; other failures are requeued.
func (c *Consumer) Handle(ctx context.Context, d Delivery) error {
	env, err := serialization.DecodeEnvelope(c.codec, c.types, d.Body())
	if err != nil {
		c.logger.Error("rejecting undecodable delivery",
			"consumer", c.name,
			"destination", c.destination,
			"error", err,
		)
		return d.Nack(false)
	}
	if n := Redeliveries(d); n > 0 {
		env = env.WithAttempt(env.Attempt + n)
	}

	err = c.process(ctx, env)
	switch {
	case err == nil:
		return d.Ack()
	case contracts.IsRoutingError(err), contracts.IsInvalidMessage(err):
		c.logger.Error("rejecting unprocessable message",
			"consumer", c.name,
			"messageId", env.ID,
			"messageType", env.Type,
			"error", err,
		)
		return d.Nack(false)
	default:
		c.logger.Warn("message processing failed, requeueing",
			"consumer", c.name,
			"messageId", env.ID,
			"messageType", env.Type,
			"attempt", env.Attempt,
			"error", err,
		)
		return d.Nack(true)
	}
}

func (c *Consumer) process(ctx context.Context, env *contracts.Envelope) error {
	if c.tracker == nil {
		return c.dispatcher.Deliver(ctx, env)
	}
	if env.Kind != contracts.KindEvent {
		return c.tracker.ProcessOnce(ctx, env, c.name, func(ctx context.Context, _ inbox.Tx) error {
			return c.dispatcher.Deliver(ctx, env)
		})
	}
	return c.dispatcher.DeliverEach(ctx, env, func(ctx context.Context, reg Registration, deliver func(context.Context) error) error {
		return c.tracker.ProcessOnce(ctx, env, c.inboxKey(reg), func(ctx context.Context, _ inbox.Tx) error {
			return deliver(ctx)
		})
	})
}

func (c *Consumer) inboxKey(reg Registration) string {
	return c.name + "/" + reg.Name
}
