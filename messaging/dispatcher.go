package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/interceptors"
)

// Enqueuer records a command envelope for later delivery
type Enqueuer interface {
	Enqueue(ctx context.Context, env *contracts.Envelope) error
}

// Dispatcher routes messages to handlers through their middleware chains.
// It is safe for concurrent use.
type Dispatcher struct {
	registry *Registry
	pipeline *interceptors.Pipeline
	chains   map[string]*interceptors.Chain
	enqueuer Enqueuer
	logger   *slog.Logger
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithPipeline sets the middleware pipeline
func WithPipeline(p *interceptors.Pipeline) DispatcherOption {
	return func(d *Dispatcher) {
		d.pipeline = p
	}
}

// WithEnqueuer sets where Send records commands: an outbox writer or a LocalQueue
func WithEnqueuer(e Enqueuer) DispatcherOption {
	return func(d *Dispatcher) {
		d.enqueuer = e
	}
}

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher seals registry and builds one middleware chain per registered type
func NewDispatcher(registry *Registry, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(d)
	}

	if d.pipeline == nil {
		d.pipeline = interceptors.NewPipeline(d.logger)
	}

	registry.Seal()
	descriptors := registry.Descriptors()
	d.chains = make(map[string]*interceptors.Chain, len(descriptors))
	for _, desc := range descriptors {
		d.chains[desc.Type] = d.pipeline.ChainFor(desc)
	}

	d.logger.Info("dispatcher ready", "messageTypes", len(descriptors))
	return d
}

// Registry returns the sealed registry
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Middlewares returns the middleware names applied to a type, outermost first
func (d *Dispatcher) Middlewares(messageType string) []string {
	chain, ok := d.chains[messageType]
	if !ok {
		return nil
	}
	return chain.Names()
}

// Invoke runs the single handler of a command or query and returns its result.
// Cancelling ctx stops waiting; work already committed by the handler stays committed.
func (d *Dispatcher) Invoke(ctx context.Context, msg contracts.Message, opts ...contracts.EnvelopeOption) (any, error) {
	if msg == nil {
		return nil, fmt.Errorf("message cannot be nil")
	}
	if msg.MessageKind() == contracts.KindEvent {
		return nil, &contracts.RoutingError{MessageType: msg.MessageType(), Kind: msg.MessageKind(), Err: contracts.ErrNotInvokable}
	}

	reg, err := d.single(msg.MessageType(), msg.MessageKind())
	if err != nil {
		return nil, err
	}

	env, err := contracts.NewEnvelope(msg, opts...)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := d.execute(ctx, env, reg)
		done <- outcome{result, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		d.logger.Debug("invoke abandoned by caller", "messageId", env.ID, "messageType", env.Type, "error", ctx.Err())
		return nil, ctx.Err()
	}
}

// InvokeAs is Invoke with a typed result
func InvokeAs[R any](ctx context.Context, d *Dispatcher, msg contracts.Message, opts ...contracts.EnvelopeOption) (R, error) {
	var zero R
	result, err := d.Invoke(ctx, msg, opts...)
	if err != nil {
		return zero, err
	}
	if result == nil {
		return zero, nil
	}
	typed, ok := result.(R)
	if !ok {
		return zero, fmt.Errorf("%s returned %T, not %T", msg.MessageType(), result, zero)
	}
	return typed, nil
}

// Send records a command for asynchronous processing and returns once it is recorded.
// The destination defaults to the command's type tag.
func (d *Dispatcher) Send(ctx context.Context, cmd contracts.Message, opts ...contracts.EnvelopeOption) error {
	if cmd == nil {
		return fmt.Errorf("message cannot be nil")
	}
	if cmd.MessageKind() != contracts.KindCommand {
		return &contracts.RoutingError{MessageType: cmd.MessageType(), Kind: cmd.MessageKind(), Err: contracts.ErrKindMismatch}
	}
	if d.enqueuer == nil {
		return fmt.Errorf("send %s: no enqueuer configured", cmd.MessageType())
	}

	opts = append([]contracts.EnvelopeOption{contracts.WithDestination(cmd.MessageType())}, opts...)
	env, err := contracts.NewEnvelope(cmd, opts...)
	if err != nil {
		return err
	}

	if err := d.enqueuer.Enqueue(ctx, env); err != nil {
		return err
	}

	d.logger.Debug("command sent",
		"messageId", env.ID,
		"messageType", env.Type,
		"destination", env.Destination,
	)
	return nil
}

// Publish runs every handler of an event concurrently, each in its own chain.
// It returns after all handlers finished; failures are joined. No handlers is success.
func (d *Dispatcher) Publish(ctx context.Context, event contracts.Message, opts ...contracts.EnvelopeOption) error {
	if event == nil {
		return fmt.Errorf("message cannot be nil")
	}
	if event.MessageKind() != contracts.KindEvent {
		return &contracts.RoutingError{MessageType: event.MessageType(), Kind: event.MessageKind(), Err: contracts.ErrKindMismatch}
	}

	env, err := contracts.NewEnvelope(event, opts...)
	if err != nil {
		return err
	}
	return d.fanOut(ctx, env, nil)
}

// Deliver processes an inbound envelope whose Message is decoded. Commands and queries go to their
// single handler with the result discarded; events fan out like Publish.
func (d *Dispatcher) Deliver(ctx context.Context, env *contracts.Envelope) error {
	return d.DeliverEach(ctx, env, nil)
}

// HandlerRunner runs deliver, the chain and handler of reg, for one inbound envelope.
// It may wrap the call, for example in a transaction of its own.
type HandlerRunner func(ctx context.Context, reg Registration, deliver func(ctx context.Context) error) error

// DeliverEach is Deliver with every handler invocation passed through run. Event handlers run
// independently: a failing handler does not affect the others, and the returned error joins only
// the failures. A nil run calls the handlers directly.
func (d *Dispatcher) DeliverEach(ctx context.Context, env *contracts.Envelope, run HandlerRunner) error {
	if env == nil || env.Message == nil {
		return fmt.Errorf("envelope has no decoded message")
	}

	if env.Kind == contracts.KindEvent {
		return d.fanOut(ctx, env, run)
	}

	reg, err := d.single(env.Type, env.Kind)
	if err != nil {
		return err
	}
	return d.runHandler(ctx, env, reg, run)
}

func (d *Dispatcher) single(messageType string, kind contracts.Kind) (Registration, error) {
	handlers := d.registry.Handlers(messageType)
	switch len(handlers) {
	case 0:
		return Registration{}, &contracts.RoutingError{MessageType: messageType, Kind: kind, Err: contracts.ErrNoHandler}
	case 1:
		return handlers[0], nil
	default:
		return Registration{}, &contracts.RoutingError{MessageType: messageType, Kind: kind, Handlers: len(handlers), Err: contracts.ErrAmbiguousHandler}
	}
}

func (d *Dispatcher) fanOut(ctx context.Context, env *contracts.Envelope, run HandlerRunner) error {
	handlers := d.registry.Handlers(env.Type)
	if len(handlers) == 0 {
		d.logger.Debug("event has no handlers", "messageId", env.ID, "messageType", env.Type)
		return nil
	}

	errs := make([]error, len(handlers))
	var wg sync.WaitGroup
	for i, reg := range handlers {
		wg.Add(1)
		go func(i int, reg Registration) {
			defer wg.Done()
			if err := d.runHandler(ctx, env, reg, run); err != nil {
				d.logger.Warn("event handler failed",
					"messageId", env.ID,
					"messageType", env.Type,
					"handler", reg.Name,
					"error", err,
				)
				errs[i] = err
			}
		}(i, reg)
	}
	wg.Wait()

	return errors.Join(errs...)
}

func (d *Dispatcher) runHandler(ctx context.Context, env *contracts.Envelope, reg Registration, run HandlerRunner) error {
	deliver := func(ctx context.Context) error {
		_, err := d.execute(ctx, env, reg)
		return err
	}
	if run == nil {
		return deliver(ctx)
	}
	return run(ctx, reg, deliver)
}

func (d *Dispatcher) execute(ctx context.Context, env *contracts.Envelope, reg Registration) (any, error) {
	chain, ok := d.chains[env.Type]
	if !ok {
		chain = interceptors.NewChain(d.logger)
	}

	return chain.Execute(ctx, env, func(ctx context.Context, env *contracts.Envelope) (any, error) {
		result, err := reg.Handle(ctx, env.Message)
		if err != nil {
			return nil, contracts.AsHandlerError(env.Type, reg.Name, err)
		}
		return result, nil
	})
}
