// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/inbox"
	"github.com/glimte/mmate-dispatch/interceptors"
	"github.com/glimte/mmate-dispatch/messaging"
	"github.com/glimte/mmate-dispatch/outbox"
	"github.com/glimte/mmate-dispatch/schema"
	"github.com/glimte/mmate-dispatch/serialization"
)

// ErrNotStarted is returned by messaging calls made before Start
var ErrNotStarted = errors.New("client not started")

// Store is the persistence a Client needs: an outbox store whose transactions also
// record inbox entries.
type Store interface {
	outbox.Store
	Processed(ctx context.Context, envelopeID, consumer string) (bool, error)
}

// Client provides the main entry point for mmate-dispatch. Handlers are registered on
// Registry before Start; Start seals the registry, subscribes the consumers and runs the relay.
type Client struct {
	store     Store
	transport messaging.Transport
	registry  *messaging.Registry
	writer    *outbox.Writer
	relay     *outbox.Relay
	cfg       *clientConfig

	mu           sync.Mutex
	dispatcher   *messaging.Dispatcher
	consumers    []*messaging.Consumer
	cancel       context.CancelFunc
	destinations []string
	closed       bool
}

// NewClient creates a client over store and transport
func NewClient(store Store, transport messaging.Transport, options ...ClientOption) (*Client, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}

	cfg := &clientConfig{
		logger:       slog.Default(),
		serviceName:  "service",
		codec:        serialization.NewJSONCodec(),
		transactions: true,
	}
	for _, opt := range options {
		opt(cfg)
	}

	relayOpts := []outbox.RelayOption{
		outbox.WithRelayLogger(cfg.logger),
		outbox.WithRelayCodec(cfg.codec),
	}
	if m, ok := cfg.metrics.(outbox.RelayMetrics); ok {
		relayOpts = append(relayOpts, outbox.WithRelayMetrics(m))
	}
	relay := outbox.NewRelay(store, transport, append(relayOpts, cfg.relayOptions...)...)

	writerOpts := []outbox.WriterOption{
		outbox.WithWriterLogger(cfg.logger),
		outbox.WithWriterCodec(cfg.codec),
		outbox.WithNotifier(relay),
	}
	if cfg.resolver != nil {
		writerOpts = append(writerOpts, outbox.WithDestinationResolver(cfg.resolver))
	}

	return &Client{
		store:     store,
		transport: transport,
		registry:  messaging.NewRegistry(),
		writer:    outbox.NewWriter(store, writerOpts...),
		relay:     relay,
		cfg:       cfg,
	}, nil
}

// Registry returns the handler registry. It is sealed by Start.
func (c *Client) Registry() *messaging.Registry {
	return c.registry
}

// Outbox returns the writer for SaveWithOutbox and Write
func (c *Client) Outbox() *outbox.Writer {
	return c.writer
}

// Relay returns the outbox relay
func (c *Client) Relay() *outbox.Relay {
	return c.relay
}

// Transport returns the underlying transport
func (c *Client) Transport() messaging.Transport {
	return c.transport
}

// Consume subscribes the service to destination when the client starts. Deliveries are
// deduplicated per service name through the inbox.
func (c *Client) Consume(destination string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dispatcher != nil {
		return fmt.Errorf("consume %s: client already started", destination)
	}
	c.destinations = append(c.destinations, destination)
	return nil
}

// Start seals the registry, subscribes every consumer and starts the relay
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("client closed")
	}
	if c.dispatcher != nil {
		return nil
	}

	pipeline := interceptors.NewPipeline(c.cfg.logger)
	if c.cfg.metrics != nil {
		pipeline.UseAll(interceptors.NewMetrics(c.cfg.metrics))
	}
	if c.cfg.validator != nil {
		pipeline.UseAll(schema.NewMiddleware(c.cfg.validator))
	}
	for _, m := range c.cfg.middlewares {
		pipeline.Use(m.policy, m.middlewares...)
	}
	if c.cfg.transactions {
		pipeline.Use(interceptors.Commands(), interceptors.NewTransaction(c.store, c.cfg.logger))
	}

	dispatcher := messaging.NewDispatcher(c.registry,
		messaging.WithPipeline(pipeline),
		messaging.WithEnqueuer(c.writer),
		messaging.WithDispatcherLogger(c.cfg.logger),
	)

	ctx, cancel := context.WithCancel(ctx)
	tracker := inbox.NewTracker(c.store, inbox.WithLogger(c.cfg.logger))
	consumers := make([]*messaging.Consumer, 0, len(c.destinations))
	for _, destination := range c.destinations {
		consumer := messaging.NewConsumer(c.cfg.serviceName, destination, c.transport, dispatcher,
			messaging.WithConsumerCodec(c.cfg.codec),
			messaging.WithInbox(tracker),
			messaging.WithConsumerLogger(c.cfg.logger),
		)
		if err := consumer.Start(ctx); err != nil {
			cancel()
			return err
		}
		consumers = append(consumers, consumer)
	}

	c.relay.Start()
	c.dispatcher = dispatcher
	c.consumers = consumers
	c.cancel = cancel

	c.cfg.logger.Info("client started",
		"service", c.cfg.serviceName,
		"consumers", len(consumers),
		"middlewares", len(c.cfg.middlewares),
	)
	return nil
}

// Dispatcher returns the dispatcher, or nil before Start
func (c *Client) Dispatcher() *messaging.Dispatcher {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dispatcher
}

// Invoke runs a command or query through its handler and returns the result
func (c *Client) Invoke(ctx context.Context, msg contracts.Message, opts ...contracts.EnvelopeOption) (any, error) {
	d := c.Dispatcher()
	if d == nil {
		return nil, ErrNotStarted
	}
	return d.Invoke(ctx, msg, opts...)
}

// Send records a command in the outbox for asynchronous processing
func (c *Client) Send(ctx context.Context, cmd contracts.Message, opts ...contracts.EnvelopeOption) error {
	d := c.Dispatcher()
	if d == nil {
		return ErrNotStarted
	}
	return d.Send(ctx, cmd, opts...)
}

// Publish runs every local handler of an event
func (c *Client) Publish(ctx context.Context, event contracts.Message, opts ...contracts.EnvelopeOption) error {
	d := c.Dispatcher()
	if d == nil {
		return ErrNotStarted
	}
	return d.Publish(ctx, event, opts...)
}

// SaveWithOutbox applies change and records events for relay in one transaction
func (c *Client) SaveWithOutbox(ctx context.Context, change outbox.StateChange, events ...contracts.Message) error {
	return c.writer.SaveWithOutbox(ctx, change, events...)
}

// Close stops the relay and the consumers, then closes the transport
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	err := c.relay.Stop(ctx)
	if cancel != nil {
		cancel()
	}
	return errors.Join(err, c.transport.Close())
}

type middlewareSet struct {
	policy      interceptors.Policy
	middlewares []interceptors.Middleware
}

// clientConfig holds client configuration
type clientConfig struct {
	logger       *slog.Logger
	serviceName  string
	codec        serialization.Codec
	resolver     func(env *contracts.Envelope) string
	metrics      interceptors.MetricsCollector
	validator    *schema.Validator
	middlewares  []middlewareSet
	relayOptions []outbox.RelayOption
	transactions bool
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithServiceName sets the consumer name used for subscriptions and inbox records
func WithServiceName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.serviceName = name
	}
}

// WithCodec sets the envelope codec for the outbox, the relay and the consumers
func WithCodec(codec serialization.Codec) ClientOption {
	return func(cfg *clientConfig) {
		cfg.codec = codec
	}
}

// WithDestinationResolver routes envelopes that carry no destination
func WithDestinationResolver(fn func(env *contracts.Envelope) string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.resolver = fn
	}
}

// WithMetrics records handler metrics. A collector that also implements
// outbox.RelayMetrics records relay deliveries too.
func WithMetrics(collector interceptors.MetricsCollector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = collector
	}
}

// WithValidator validates every message against its registered schema before the handler runs
func WithValidator(v *schema.Validator) ClientOption {
	return func(cfg *clientConfig) {
		cfg.validator = v
	}
}

// WithMiddleware adds middlewares for the message types policy selects
func WithMiddleware(policy interceptors.Policy, middlewares ...interceptors.Middleware) ClientOption {
	return func(cfg *clientConfig) {
		cfg.middlewares = append(cfg.middlewares, middlewareSet{policy: policy, middlewares: middlewares})
	}
}

// WithRelayOptions tunes the outbox relay
func WithRelayOptions(options ...outbox.RelayOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.relayOptions = append(cfg.relayOptions, options...)
	}
}

// WithoutTransactions stops commands from running inside a store transaction
func WithoutTransactions() ClientOption {
	return func(cfg *clientConfig) {
		cfg.transactions = false
	}
}
