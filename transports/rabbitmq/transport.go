// Package rabbitmq implements messaging.Transport on RabbitMQ.
//
// A destination is a durable fanout exchange. Every consumer name gets its own durable queue
// bound to that exchange, so each consumer group receives a copy of every message, and
// subscriptions sharing a consumer name compete for deliveries. Deliveries rejected without
// requeue are dead-lettered to "<queue>.dlq".
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/glimte/mmate-dispatch/internal/rabbitmq"
	"github.com/glimte/mmate-dispatch/messaging"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// HeaderRedelivered is set to "true" on deliveries the broker has handed out before
const HeaderRedelivered = messaging.HeaderRedelivered

// Config configures the Transport
type Config struct {
	// URL is the AMQP connection string
	URL string

	// Prefix is prepended to every exchange and queue name
	Prefix string

	// PrefetchCount bounds unacknowledged deliveries per subscription. Default is 10.
	PrefetchCount int

	// ConfirmTimeout bounds the wait for a publisher confirm. Default is 5s.
	ConfirmTimeout time.Duration

	// PublishRetries is how many times a failed publish is retried before Send fails. Default is 2.
	PublishRetries int

	// AllowUnroutable lets Send succeed when no queue is bound to the destination yet.
	// By default such messages are returned by the broker and Send fails.
	AllowUnroutable bool

	// ReconnectDelay is the first delay between reconnection attempts. Default is 5s.
	ReconnectDelay time.Duration

	// MaxChannels bounds the publishing channel pool. Default is 10.
	MaxChannels int

	// Logger for operational logging. If nil, uses slog.Default().
	Logger *slog.Logger

	// Dial replaces amqp.Dial
	Dial rabbitmq.DialFunc
}

func (c Config) applyDefaults() Config {
	if c.PrefetchCount <= 0 {
		c.PrefetchCount = 10
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 5 * time.Second
	}
	if c.PublishRetries < 0 {
		c.PublishRetries = 0
	} else if c.PublishRetries == 0 {
		c.PublishRetries = 2
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.MaxChannels <= 0 {
		c.MaxChannels = 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	config    Config
	naming    rabbitmq.Naming
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager
	declared  sync.Map
	closeOnce sync.Once
}

var _ messaging.Transport = (*Transport)(nil)

// New connects to the broker and returns a ready Transport
func New(ctx context.Context, config Config) (*Transport, error) {
	config = config.applyDefaults()
	if config.URL == "" {
		return nil, fmt.Errorf("%w: URL is required", rabbitmq.ErrInvalidConfiguration)
	}

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(config.Logger),
		rabbitmq.WithReconnectDelay(config.ReconnectDelay),
	}
	if config.Dial != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(config.Dial))
	}
	manager := rabbitmq.NewConnectionManager(config.URL, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	pool, err := rabbitmq.NewChannelPool(manager,
		rabbitmq.WithMaxSize(config.MaxChannels),
		rabbitmq.WithConfirmMode(),
	)
	if err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	publisher, err := rabbitmq.NewPublisher(pool,
		rabbitmq.WithConfirmTimeout(config.ConfirmTimeout),
		rabbitmq.WithPublishRetries(config.PublishRetries),
		rabbitmq.WithMandatory(!config.AllowUnroutable),
		rabbitmq.WithPublisherLogger(config.Logger),
	)
	if err != nil {
		_ = pool.Close()
		_ = manager.Close()
		return nil, err
	}

	return &Transport{
		config:    config,
		naming:    rabbitmq.Naming{Prefix: config.Prefix},
		manager:   manager,
		pool:      pool,
		publisher: publisher,
		consumer: rabbitmq.NewConsumer(manager,
			rabbitmq.WithPrefetchCount(config.PrefetchCount),
			rabbitmq.WithConsumerLogger(config.Logger),
		),
		topology: rabbitmq.NewTopologyManager(pool),
	}, nil
}

// Send publishes payload to the destination exchange and waits for the broker's confirm
func (t *Transport) Send(ctx context.Context, destination string, payload []byte) error {
	if err := t.declareDestination(ctx, destination); err != nil {
		return err
	}

	return t.publisher.Publish(ctx, t.naming.Exchange(destination), "", amqp.Publishing{
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	})
}

// Subscribe declares the consumer's queue and starts consuming it in the background
func (t *Transport) Subscribe(ctx context.Context, destination, consumer string, handler messaging.DeliveryHandler) error {
	if err := t.topology.DeclareTopology(ctx, t.naming.ConsumerTopology(destination, consumer)); err != nil {
		return err
	}
	t.declared.Store(destination, struct{}{})

	queue := t.naming.Queue(destination, consumer)
	tag := consumer + "-" + uuid.NewString()[:8]

	return t.consumer.Subscribe(ctx, queue, tag, func(ctx context.Context, d amqp.Delivery) error {
		return handler(ctx, newDelivery(d))
	})
}

// QueueDepth returns the number of ready messages in the consumer's queue
func (t *Transport) QueueDepth(ctx context.Context, destination, consumer string) (int, error) {
	q, err := t.topology.QueueInfo(ctx, t.naming.Queue(destination, consumer))
	if err != nil {
		return 0, err
	}
	return q.Messages, nil
}

// Connected reports whether the underlying connection is up
func (t *Transport) Connected() bool {
	return t.manager.IsConnected()
}

// Close stops all subscriptions and closes the connection
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.consumer.Close()
		_ = t.pool.Close()
		err = t.manager.Close()
	})
	return err
}

func (t *Transport) declareDestination(ctx context.Context, destination string) error {
	if _, ok := t.declared.Load(destination); ok {
		return nil
	}
	if err := t.topology.DeclareTopology(ctx, t.naming.DestinationTopology(destination)); err != nil {
		return err
	}
	t.declared.Store(destination, struct{}{})
	return nil
}

type delivery struct {
	d       amqp.Delivery
	headers map[string]string
}

func newDelivery(d amqp.Delivery) *delivery {
	return &delivery{d: d, headers: headersFrom(d)}
}

func (d *delivery) Body() []byte {
	return d.d.Body
}

func (d *delivery) Headers() map[string]string {
	return d.headers
}

func (d *delivery) Ack() error {
	return d.d.Ack(false)
}

func (d *delivery) Nack(requeue bool) error {
	return d.d.Nack(false, requeue)
}

func headersFrom(d amqp.Delivery) map[string]string {
	headers := make(map[string]string, len(d.Headers)+1)
	for k, v := range d.Headers {
		switch val := v.(type) {
		case string:
			headers[k] = val
		case []byte:
			headers[k] = string(val)
		default:
			headers[k] = fmt.Sprint(val)
		}
	}
	headers[HeaderRedelivered] = strconv.FormatBool(d.Redelivered)
	return headers
}
