package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-dispatch/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes with publisher confirms. A nil error means the broker
// confirmed the message and did not return it as unroutable.
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	maxRetries     int
	mandatory      bool
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long to wait for the broker's confirmation
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishRetries sets how many times a failed publish is retried on a fresh channel
func WithPublishRetries(retries int) PublisherOption {
	return func(p *Publisher) {
		p.maxRetries = retries
	}
}

// WithMandatory makes unroutable messages fail instead of being dropped by the broker
func WithMandatory(mandatory bool) PublisherOption {
	return func(p *Publisher) {
		p.mandatory = mandatory
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher over a confirm-mode pool
func NewPublisher(pool *ChannelPool, options ...PublisherOption) (*Publisher, error) {
	if pool == nil || !pool.confirm {
		return nil, fmt.Errorf("%w: publisher needs a confirm-mode channel pool", ErrInvalidConfiguration)
	}

	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		maxRetries:     2,
		mandatory:      true,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p, nil
}

// Publish publishes one message and waits for its confirmation
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	policy := reliability.RetryPolicy{
		MaxAttempts: p.maxRetries + 1,
		Delay:       reliability.Exponential(200*time.Millisecond, 2*time.Second),
	}

	return reliability.Retry(ctx, policy, "rabbitmq publish", func(ctx context.Context) error {
		err := p.publishWithConfirm(ctx, exchange, routingKey, msg)
		if err != nil && !IsRetryable(err) {
			return reliability.Permanent(err)
		}
		return err
	})
}

func (p *Publisher) publishWithConfirm(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := p.pool.Get(ctx)
	if err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err}
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, p.mandatory, false, msg); err != nil {
		p.pool.Discard(ch)
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err}
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case confirm, ok := <-ch.confirms:
		if !ok {
			p.pool.Discard(ch)
			return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ErrConnectionClosed}
		}

		// the broker sends basic.return ahead of the ack for the same message
		var returned *amqp.Return
		select {
		case ret := <-ch.returns:
			returned = &ret
		default:
		}
		p.pool.Put(ch)

		if !confirm.Ack {
			return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ErrPublishNotConfirmed}
		}
		if returned != nil {
			p.logger.Warn("message returned by broker",
				"exchange", exchange,
				"routingKey", routingKey,
				"replyCode", returned.ReplyCode,
				"replyText", returned.ReplyText)
			return &PublishError{
				Exchange:   exchange,
				RoutingKey: routingKey,
				Err:        fmt.Errorf("%w: %s", ErrMandatoryFailed, returned.ReplyText),
			}
		}
		return nil

	case <-timer.C:
		p.pool.Discard(ch)
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        fmt.Errorf("%w within %s", ErrPublishNotConfirmed, p.confirmTimeout),
		}

	case <-ctx.Done():
		p.pool.Discard(ch)
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ctx.Err()}
	}
}
