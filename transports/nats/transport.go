// Package nats implements messaging.Transport on core NATS.
//
// A destination is a subject and a consumer name is a queue group: each consumer group receives
// every message once, shared among its members. Send flushes the connection, so a nil error means
// the server has the message. Core NATS does not redeliver; Nack(true) republishes the message to
// its subject with an incremented redelivery header and Nack(false) publishes it to
// "<subject>.dlq". Ack is a no-op.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/glimte/mmate-dispatch/messaging"
	"github.com/nats-io/nats.go"
)

// HeaderRedeliveries counts how many times a message was requeued
const HeaderRedeliveries = messaging.HeaderRedeliveries

// DeadLetterSuffix is appended to a subject to name its dead-letter subject
const DeadLetterSuffix = ".dlq"

// Config configures the Transport
type Config struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name identifies the connection on the server
	Name string

	// ConnectTimeout is the timeout for initial connection. Default is 5 seconds.
	ConnectTimeout time.Duration

	// FlushTimeout bounds the round trip that confirms a send. Default is 5 seconds.
	FlushTimeout time.Duration

	// BufferSize is the per-subscription buffer of pending messages. Default is 256.
	BufferSize int

	// Logger for operational logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

func (c Config) applyDefaults() Config {
	if c.Name == "" {
		c.Name = "mmate"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 5 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type msgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// Transport implements messaging.Transport for NATS
type Transport struct {
	config Config
	conn   *nats.Conn
	owned  bool

	mu     sync.Mutex
	wg     sync.WaitGroup
	done   chan struct{}
	closed bool
}

var _ messaging.Transport = (*Transport)(nil)

// New connects to the NATS server
func New(config Config) (*Transport, error) {
	config = config.applyDefaults()
	if config.URL == "" {
		return nil, errors.New("nats: URL is required")
	}

	conn, err := nats.Connect(
		config.URL,
		nats.Name(config.Name),
		nats.Timeout(config.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				config.Logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			config.Logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	t := NewWithConn(conn, config)
	t.owned = true
	return t, nil
}

// NewWithConn wraps an existing connection. Close leaves the connection open.
func NewWithConn(conn *nats.Conn, config Config) *Transport {
	return &Transport{
		config: config.applyDefaults(),
		conn:   conn,
		done:   make(chan struct{}),
	}
}

// Connected reports whether the connection is up
func (t *Transport) Connected() bool {
	return t.conn != nil && t.conn.IsConnected()
}

// Send publishes payload to the destination subject and flushes the connection
func (t *Transport) Send(ctx context.Context, destination string, payload []byte) error {
	if err := t.conn.PublishMsg(&nats.Msg{Subject: destination, Data: payload}); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", destination, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.FlushTimeout)
		defer cancel()
	}
	if err := t.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush %s: %w", destination, err)
	}
	return nil
}

// Subscribe joins the queue group named consumer on the destination subject
func (t *Transport) Subscribe(ctx context.Context, destination, consumer string, handler messaging.DeliveryHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nats.ErrConnectionClosed
	}

	msgCh := make(chan *nats.Msg, t.config.BufferSize)
	sub, err := t.conn.QueueSubscribeSyncWithChan(destination, consumer, msgCh)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", destination, err)
	}
	t.wg.Add(1)

	go t.consume(ctx, sub, msgCh, handler)

	t.config.Logger.Info("NATS subscription started",
		"subject", destination,
		"queue", consumer,
	)
	return nil
}

func (t *Transport) consume(ctx context.Context, sub *nats.Subscription, msgCh <-chan *nats.Msg, handler messaging.DeliveryHandler) {
	defer t.wg.Done()
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			if err := handler(ctx, newDelivery(msg, t.conn, t.config.Logger)); err != nil {
				t.config.Logger.Error("Failed to handle message", "subject", msg.Subject, "error", err)
			}
		}
	}
}

// Close stops all subscriptions, and closes the connection if New opened it
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()

	t.wg.Wait()

	if t.owned {
		if err := t.conn.Drain(); err != nil {
			t.conn.Close()
			return err
		}
	}
	return nil
}

type delivery struct {
	msg       *nats.Msg
	publisher msgPublisher
	logger    *slog.Logger
	headers   map[string]string
}

func newDelivery(msg *nats.Msg, publisher msgPublisher, logger *slog.Logger) *delivery {
	headers := make(map[string]string, len(msg.Header))
	for k := range msg.Header {
		headers[k] = msg.Header.Get(k)
	}
	return &delivery{msg: msg, publisher: publisher, logger: logger, headers: headers}
}

func (d *delivery) Body() []byte {
	return d.msg.Data
}

func (d *delivery) Headers() map[string]string {
	return d.headers
}

func (d *delivery) Ack() error {
	return nil
}

func (d *delivery) Nack(requeue bool) error {
	subject := d.msg.Subject
	redeliveries, _ := strconv.Atoi(d.headers[HeaderRedeliveries])
	if requeue {
		redeliveries++
	} else {
		subject += DeadLetterSuffix
	}

	header := nats.Header{}
	for k, v := range d.msg.Header {
		header[k] = append([]string(nil), v...)
	}
	header.Set(HeaderRedeliveries, strconv.Itoa(redeliveries))

	if err := d.publisher.PublishMsg(&nats.Msg{Subject: subject, Data: d.msg.Data, Header: header}); err != nil {
		return fmt.Errorf("failed to republish to %s: %w", subject, err)
	}

	d.logger.Warn("Message nacked", "subject", d.msg.Subject, "requeue", requeue)
	return nil
}
