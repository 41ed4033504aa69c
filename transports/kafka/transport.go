// Package kafka implements messaging.Transport on Kafka.
//
// A destination is a topic and a consumer name is a consumer group, so every consumer group reads
// its own copy of the stream. Messages are keyed by destination, which keeps a destination on one
// partition and preserves the order the outbox relay sends it in.
//
// Kafka has no per-message requeue. Nack(true) re-appends the message to the end of its topic with
// an incremented redelivery header and commits the original; Nack(false) appends it to
// "<topic>.dlq". Both commit only after the copy was written.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/glimte/mmate-dispatch/messaging"
	"github.com/segmentio/kafka-go"
)

// HeaderRedeliveries counts how many times a message was requeued
const HeaderRedeliveries = messaging.HeaderRedeliveries

// DeadLetterSuffix is appended to a topic to name its dead-letter topic
const DeadLetterSuffix = ".dlq"

// ErrClosed is returned after Close
var ErrClosed = errors.New("kafka transport closed")

// Config configures the Transport
type Config struct {
	// Brokers is the list of Kafka broker addresses.
	Brokers []string

	// RequiredAcks controls producer acknowledgment.
	// Default is kafka.RequireAll, so Send returns only once all in-sync replicas have the message.
	RequiredAcks kafka.RequiredAcks

	// BatchTimeout bounds how long a send waits to be batched. Default is 10ms.
	BatchTimeout time.Duration

	// StartOffset controls where a new consumer group starts reading.
	// Default is kafka.FirstOffset so nothing sent before the first subscription is lost.
	StartOffset int64

	// MaxWait is the maximum time to wait for new messages. Default is 1 second.
	MaxWait time.Duration

	// Logger for operational logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

func (c Config) applyDefaults() Config {
	if c.RequiredAcks == 0 {
		c.RequiredAcks = kafka.RequireAll
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 10 * time.Millisecond
	}
	if c.StartOffset == 0 {
		c.StartOffset = kafka.FirstOffset
	}
	if c.MaxWait <= 0 {
		c.MaxWait = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type committer interface {
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Transport implements messaging.Transport for Kafka
type Transport struct {
	config Config

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	readers []*kafka.Reader
	closed  bool
	wg      sync.WaitGroup
}

var _ messaging.Transport = (*Transport)(nil)

// New creates a Kafka transport. Connections are opened lazily.
func New(config Config) (*Transport, error) {
	if len(config.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	return &Transport{
		config:  config.applyDefaults(),
		writers: make(map[string]*kafka.Writer),
	}, nil
}

// writer returns or creates the writer for topic
func (t *Transport) writer(topic string) (*kafka.Writer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}
	if w, ok := t.writers[topic]; ok {
		return w, nil
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(t.config.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           t.config.BatchTimeout,
		RequiredAcks:           t.config.RequiredAcks,
		AllowAutoTopicCreation: true,
	}
	t.writers[topic] = w
	return w, nil
}

// Send writes payload to the destination topic and waits for the configured acknowledgment
func (t *Transport) Send(ctx context.Context, destination string, payload []byte) error {
	return t.write(ctx, destination, kafka.Message{
		Key:   []byte(destination),
		Value: payload,
	})
}

func (t *Transport) write(ctx context.Context, topic string, msg kafka.Message) error {
	w, err := t.writer(topic)
	if err != nil {
		return err
	}
	// the writer owns the topic
	msg.Topic = ""
	if err := w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// WriteMessages routes each message to the writer of its Topic
func (t *Transport) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	for _, msg := range msgs {
		if err := t.write(ctx, msg.Topic, msg); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe joins the consumer group named consumer on the destination topic. Messages are handed
// to handler one at a time; the offset is committed when the delivery is settled.
func (t *Transport) Subscribe(ctx context.Context, destination, consumer string, handler messaging.DeliveryHandler) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     t.config.Brokers,
		GroupID:     consumer,
		Topic:       destination,
		StartOffset: t.config.StartOffset,
		MaxWait:     t.config.MaxWait,
	})
	t.readers = append(t.readers, reader)
	t.wg.Add(1)
	t.mu.Unlock()

	go t.consume(ctx, reader, destination, consumer, handler)

	t.config.Logger.Info("Kafka subscription started",
		"topic", destination,
		"group", consumer,
		"brokers", t.config.Brokers,
	)
	return nil
}

func (t *Transport) consume(ctx context.Context, reader *kafka.Reader, destination, consumer string, handler messaging.DeliveryHandler) {
	defer t.wg.Done()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				t.config.Logger.Debug("Kafka subscription stopped", "topic", destination, "group", consumer)
				return
			}
			t.config.Logger.Error("Failed to fetch message", "topic", destination, "error", err)
			continue
		}

		d := newDelivery(ctx, msg, reader, t, t.config.Logger)
		if err := handler(ctx, d); err != nil {
			t.config.Logger.Error("Failed to handle message",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}
	}
}

// Close stops all subscriptions and flushes the writers
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	readers := t.readers
	writers := t.writers
	t.readers = nil
	t.writers = map[string]*kafka.Writer{}
	t.mu.Unlock()

	var errs []error
	for _, r := range readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	t.wg.Wait()

	for topic, w := range writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close writer for %s: %w", topic, err))
		}
	}
	return errors.Join(errs...)
}

type delivery struct {
	ctx     context.Context
	msg     kafka.Message
	commit  committer
	writer  messageWriter
	logger  *slog.Logger
	headers map[string]string
}

func newDelivery(ctx context.Context, msg kafka.Message, commit committer, writer messageWriter, logger *slog.Logger) *delivery {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	return &delivery{
		ctx:     ctx,
		msg:     msg,
		commit:  commit,
		writer:  writer,
		logger:  logger,
		headers: headers,
	}
}

func (d *delivery) Body() []byte {
	return d.msg.Value
}

func (d *delivery) Headers() map[string]string {
	return d.headers
}

func (d *delivery) Ack() error {
	return d.commit.CommitMessages(d.ctx, d.msg)
}

func (d *delivery) Nack(requeue bool) error {
	topic := d.msg.Topic
	redeliveries, _ := strconv.Atoi(d.headers[HeaderRedeliveries])
	if requeue {
		redeliveries++
	} else {
		topic += DeadLetterSuffix
	}

	headers := make([]kafka.Header, 0, len(d.msg.Headers)+1)
	for _, h := range d.msg.Headers {
		if h.Key != HeaderRedeliveries {
			headers = append(headers, h)
		}
	}
	headers = append(headers, kafka.Header{Key: HeaderRedeliveries, Value: []byte(strconv.Itoa(redeliveries))})

	copied := kafka.Message{
		Topic:   topic,
		Key:     d.msg.Key,
		Value:   d.msg.Value,
		Headers: headers,
	}
	if err := d.writer.WriteMessages(d.ctx, copied); err != nil {
		return fmt.Errorf("failed to re-append message at offset %d: %w", d.msg.Offset, err)
	}

	d.logger.Warn("Message nacked",
		"topic", d.msg.Topic,
		"partition", d.msg.Partition,
		"offset", d.msg.Offset,
		"requeue", requeue,
	)
	return d.commit.CommitMessages(d.ctx, d.msg)
}
