// Package memory provides an in-process broker implementing messaging.Transport.
//
// Every consumer name subscribed to a destination gets its own copy of each message; several
// subscriptions under the same consumer name compete for messages. A nack with requeue puts the
// message back at the end of the consumer's queue. Messages sent before anyone subscribed are kept
// and handed to the first consumer that subscribes.
package memory

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"

	"github.com/glimte/mmate-dispatch/messaging"
)

// HeaderRedeliveries counts how many times a message was requeued
const HeaderRedeliveries = messaging.HeaderRedeliveries

// ErrClosed is returned after Close
var ErrClosed = errors.New("memory broker closed")

// Config configures the Broker
type Config struct {
	// BufferSize bounds each consumer queue. Send blocks while the queue is full. Default is 1024.
	BufferSize int

	// SendHook runs before every send; a non-nil error fails the send.
	SendHook func(destination string, payload []byte) error

	// Logger for operational logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

func (c Config) applyDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type message struct {
	body         []byte
	redeliveries int
}

type group struct {
	queue chan message
}

// DeadLetter is a message rejected without requeue
type DeadLetter struct {
	Destination string
	Consumer    string
	Body        []byte
}

// Broker is an in-process message broker
type Broker struct {
	config Config

	mu      sync.Mutex
	groups  map[string]map[string]*group
	backlog map[string][]message
	dead    []DeadLetter
	sent    map[string]int
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewBroker creates a Broker
func NewBroker(config Config) *Broker {
	return &Broker{
		config:  config.applyDefaults(),
		groups:  make(map[string]map[string]*group),
		backlog: make(map[string][]message),
		sent:    make(map[string]int),
		done:    make(chan struct{}),
	}
}

// Send implements messaging.Sender
func (b *Broker) Send(ctx context.Context, destination string, payload []byte) error {
	if hook := b.config.SendHook; hook != nil {
		if err := hook(destination, payload); err != nil {
			return err
		}
	}

	body := append([]byte(nil), payload...)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.sent[destination]++
	groups := b.groups[destination]
	if len(groups) == 0 {
		b.backlog[destination] = append(b.backlog[destination], message{body: body})
		b.mu.Unlock()
		return nil
	}
	targets := make([]*group, 0, len(groups))
	for _, g := range groups {
		targets = append(targets, g)
	}
	b.mu.Unlock()

	for _, g := range targets {
		select {
		case g.queue <- message{body: body}:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return ErrClosed
		}
	}
	return nil
}

// Subscribe implements messaging.Subscriber. Delivery runs until ctx is cancelled or the broker closes.
func (b *Broker) Subscribe(ctx context.Context, destination, consumer string, handler messaging.DeliveryHandler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	groups, ok := b.groups[destination]
	if !ok {
		groups = make(map[string]*group)
		b.groups[destination] = groups
	}
	g, ok := groups[consumer]
	if !ok {
		g = &group{queue: make(chan message, b.config.BufferSize)}
		groups[consumer] = g
	}
	backlog := b.backlog[destination]
	delete(b.backlog, destination)
	b.wg.Add(1)
	b.mu.Unlock()

	if len(backlog) > 0 {
		go func() {
			for _, m := range backlog {
				select {
				case g.queue <- m:
				case <-b.done:
					return
				}
			}
		}()
	}

	go b.consume(ctx, destination, consumer, g, handler)

	b.config.Logger.Debug("memory subscription started", "destination", destination, "consumer", consumer)
	return nil
}

func (b *Broker) consume(ctx context.Context, destination, consumer string, g *group, handler messaging.DeliveryHandler) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case m := <-g.queue:
			d := &delivery{broker: b, destination: destination, consumer: consumer, group: g, msg: m}
			if err := handler(ctx, d); err != nil {
				b.config.Logger.Warn("delivery handler failed",
					"destination", destination,
					"consumer", consumer,
					"error", err,
				)
			}
			if !d.settled() {
				_ = d.Nack(true)
			}
		}
	}
}

// Sent returns how many messages were accepted for destination
func (b *Broker) Sent(destination string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent[destination]
}

// DeadLetters returns the messages rejected without requeue
func (b *Broker) DeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]DeadLetter(nil), b.dead...)
}

// Close stops all subscriptions
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

type delivery struct {
	broker      *Broker
	destination string
	consumer    string
	group       *group
	msg         message

	mu   sync.Mutex
	done bool
}

func (d *delivery) Body() []byte {
	return d.msg.body
}

func (d *delivery) Headers() map[string]string {
	return map[string]string{HeaderRedeliveries: strconv.Itoa(d.msg.redeliveries)}
}

func (d *delivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.done = true
	return nil
}

func (d *delivery) Nack(requeue bool) error {
	d.mu.Lock()
	if d.done {
		d.mu.Unlock()
		return nil
	}
	d.done = true
	d.mu.Unlock()

	if !requeue {
		d.broker.mu.Lock()
		d.broker.dead = append(d.broker.dead, DeadLetter{
			Destination: d.destination,
			Consumer:    d.consumer,
			Body:        d.msg.body,
		})
		d.broker.mu.Unlock()
		return nil
	}

	// requeue from a separate goroutine so a full queue cannot block the consumer loop
	m := message{body: d.msg.body, redeliveries: d.msg.redeliveries + 1}
	go func() {
		select {
		case d.group.queue <- m:
		case <-d.broker.done:
		}
	}()
	return nil
}

func (d *delivery) settled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

var _ messaging.Transport = (*Broker)(nil)
