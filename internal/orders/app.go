package orders

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-dispatch/health"
	"github.com/glimte/mmate-dispatch/inbox"
	"github.com/glimte/mmate-dispatch/interceptors"
	"github.com/glimte/mmate-dispatch/messaging"
	"github.com/glimte/mmate-dispatch/monitor"
	"github.com/glimte/mmate-dispatch/outbox"
	"github.com/glimte/mmate-dispatch/schema"
	"github.com/glimte/mmate-dispatch/store/memstore"
	"github.com/glimte/mmate-dispatch/transports/memory"
)

// AppConfig configures an in-process order system
type AppConfig struct {
	Logger   *slog.Logger
	Notifier Notifier

	// RelayInterval is the outbox polling interval. Default is 100ms.
	RelayInterval time.Duration

	// HandlerTimeout bounds command handlers. Default is 5s.
	HandlerTimeout time.Duration
}

// App wires the order service, its subscribers and the outbox relay over an in-memory
// store and broker. Commands sent with Dispatcher.Send travel the same outbox as events.
type App struct {
	Store      *memstore.Store
	Broker     *memory.Broker
	Dispatcher *messaging.Dispatcher
	Relay      *outbox.Relay
	Metrics    *monitor.SimpleMetricsCollector
	Health     *health.Registry
	Inventory  *Inventory
	Analytics  *Analytics

	consumers []*messaging.Consumer
	logger    *slog.Logger
	cancel    context.CancelFunc
	stopOnce  sync.Once
}

// NewApp builds the system. Nothing runs until Start.
func NewApp(config AppConfig) (*App, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Notifier == nil {
		config.Notifier = LogNotifier{Logger: config.Logger}
	}
	if config.RelayInterval <= 0 {
		config.RelayInterval = 100 * time.Millisecond
	}
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = 5 * time.Second
	}

	app := &App{
		Store:     memstore.New(),
		Broker:    memory.NewBroker(memory.Config{Logger: config.Logger}),
		Metrics:   monitor.NewSimpleMetricsCollector(),
		Inventory: NewInventory(),
		Analytics: NewAnalytics(),
		logger:    config.Logger,
	}

	app.Relay = outbox.NewRelay(app.Store, app.Broker,
		outbox.WithInterval(config.RelayInterval),
		outbox.WithRelayMetrics(app.Metrics),
		outbox.WithRelayLogger(config.Logger),
	)

	writer := outbox.NewWriter(app.Store,
		outbox.WithNotifier(app.Relay),
		outbox.WithDestinationResolver(ResolveDestination),
		outbox.WithWriterLogger(config.Logger),
	)

	registry := messaging.NewRegistry()
	svc := NewService(app.Store, writer, WithLogger(config.Logger))
	if err := errors.Join(
		svc.Register(registry),
		RegisterSubscribers(registry, NewNotifications(config.Notifier), app.Inventory, app.Analytics),
	); err != nil {
		return nil, err
	}

	validator := schema.NewValidator()
	if err := errors.Join(
		schema.RegisterType[CreateOrder](validator),
		schema.RegisterType[ShipOrder](validator),
		schema.RegisterType[CancelOrder](validator),
	); err != nil {
		return nil, err
	}

	pipeline := interceptors.NewPipeline(config.Logger).
		UseAll(
			interceptors.NewLogging(config.Logger),
			interceptors.NewMetrics(app.Metrics),
		).
		Use(interceptors.Commands(),
			schema.NewMiddleware(validator),
			interceptors.NewTimeout(config.HandlerTimeout),
			interceptors.NewTransaction(app.Store, config.Logger),
		)

	app.Dispatcher = messaging.NewDispatcher(registry,
		messaging.WithPipeline(pipeline),
		messaging.WithEnqueuer(writer),
		messaging.WithDispatcherLogger(config.Logger),
	)

	tracker := inbox.NewTracker(app.Store, inbox.WithLogger(config.Logger))
	consume := func(name, destination string) *messaging.Consumer {
		return messaging.NewConsumer(name, destination, app.Broker, app.Dispatcher,
			messaging.WithInbox(tracker),
			messaging.WithConsumerLogger(config.Logger),
		)
	}
	app.consumers = []*messaging.Consumer{
		consume("order-subscribers", Destination),
		consume("order-service", ShipOrder{}.MessageType()),
		consume("order-service", CancelOrder{}.MessageType()),
	}

	app.Health = health.NewRegistry(
		health.NewOutboxChecker(app.Store, health.DefaultOutboxThresholds()),
		health.NewRuntimeChecker(1000, 10000),
	)

	return app, nil
}

// Start subscribes the consumers and starts the relay
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	for _, c := range a.consumers {
		if err := c.Start(ctx); err != nil {
			a.cancel()
			return err
		}
	}
	a.Relay.Start()
	return nil
}

// Stop halts the relay, then the consumers and the broker
func (a *App) Stop(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		err = a.Relay.Stop(ctx)
		if a.cancel != nil {
			a.cancel()
		}
		err = errors.Join(err, a.Broker.Close())
		a.logger.Info("order system stopped")
	})
	return err
}
