package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes one delivery. The handler settles the delivery itself.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer consumes queues with manual acknowledgement. Each subscription owns
// a dedicated channel and re-subscribes after the connection recovers.
type Consumer struct {
	manager       *ConnectionManager
	prefetchCount int
	retryDelay    time.Duration
	logger        *slog.Logger

	mu     sync.Mutex
	active map[string]*subscription
	wg     sync.WaitGroup
	closed bool
}

type subscription struct {
	queue  string
	tag    string
	cancel context.CancelFunc
	done   chan struct{}
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithResubscribeDelay sets the pause between attempts to re-open a lost subscription
func WithResubscribeDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.retryDelay = d
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:       manager,
		prefetchCount: 10,
		retryDelay:    time.Second,
		logger:        slog.Default(),
		active:        make(map[string]*subscription),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscribe starts consuming queue under the given consumer tag. The first
// channel is opened synchronously so configuration errors surface here.
func (c *Consumer) Subscribe(ctx context.Context, queue, tag string, handler MessageHandler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "subscribe", Err: ErrConsumerClosed}
	}
	c.mu.Unlock()

	ch, deliveries, err := c.open(queue, tag)
	if err != nil {
		return err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{queue: queue, tag: tag, cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	if old, ok := c.active[tag]; ok {
		old.cancel()
	}
	c.active[tag] = sub
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(subCtx, sub, ch, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount,
	)
	return nil
}

// Unsubscribe stops the subscription registered under tag and waits for it
func (c *Consumer) Unsubscribe(tag string) {
	c.mu.Lock()
	sub, ok := c.active[tag]
	c.mu.Unlock()
	if !ok {
		return
	}
	sub.cancel()
	<-sub.done
}

// Active lists the consumer tags currently subscribed
func (c *Consumer) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	tags := make([]string, 0, len(c.active))
	for tag := range c.active {
		tags = append(tags, tag)
	}
	return tags
}

// Close stops every subscription
func (c *Consumer) Close() {
	c.mu.Lock()
	c.closed = true
	for _, sub := range c.active {
		sub.cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Consumer) open(queue, tag string) (*amqp.Channel, <-chan amqp.Delivery, error) {
	conn, err := c.manager.GetConnection()
	if err != nil {
		return nil, nil, &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "open channel", Err: err}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "open channel", Err: err}
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "set qos", Err: err}
	}

	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "consume", Err: err}
	}

	return ch, deliveries, nil
}

func (c *Consumer) run(ctx context.Context, sub *subscription, ch *amqp.Channel, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	defer func() {
		c.mu.Lock()
		if c.active[sub.tag] == sub {
			delete(c.active, sub.tag)
		}
		c.mu.Unlock()
		close(sub.done)
		c.wg.Done()
		c.logger.Info("consumer stopped", "queue", sub.queue, "consumerTag", sub.tag)
	}()

	for {
		c.consume(ctx, sub, deliveries, handler)
		_ = ch.Close()

		// lost the channel: keep trying until the connection manager recovers
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.retryDelay):
			}

			var err error
			ch, deliveries, err = c.open(sub.queue, sub.tag)
			if err == nil {
				c.logger.Info("resubscribed to queue", "queue", sub.queue, "consumerTag", sub.tag)
				break
			}
			c.logger.Warn("resubscribe failed", "queue", sub.queue, "error", err)
		}
	}
}

func (c *Consumer) consume(ctx context.Context, sub *subscription, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", sub.queue)
				return
			}

			if err := handler(ctx, delivery); err != nil {
				c.logger.Error("failed to handle message",
					"error", err,
					"queue", sub.queue,
					"messageId", delivery.MessageId,
				)
			}
		}
	}
}
