package messaging

import (
	"context"
	"strconv"
)

// Delivery headers transports use to report redeliveries
const (
	// HeaderRedeliveries counts how many times a message was requeued
	HeaderRedeliveries = "x-redeliveries"

	// HeaderRedelivered is "true" when the broker only knows that a message was delivered before
	HeaderRedelivered = "x-redelivered"
)

// Sender hands an encoded envelope to a broker. A nil error means the broker acknowledged it.
type Sender interface {
	Send(ctx context.Context, destination string, payload []byte) error
}

// SenderFunc is a function adapter for Sender
type SenderFunc func(ctx context.Context, destination string, payload []byte) error

// Send implements Sender
func (f SenderFunc) Send(ctx context.Context, destination string, payload []byte) error {
	return f(ctx, destination, payload)
}

// Delivery represents a message delivery from the transport
type Delivery interface {
	// Body returns the encoded envelope
	Body() []byte

	// Headers returns transport-level headers
	Headers() map[string]string

	// Ack marks the delivery as processed
	Ack() error

	// Nack rejects the delivery, optionally asking the broker to redeliver it
	Nack(requeue bool) error
}

// Redeliveries returns how many times d was handed out before. A broker that only flags
// redelivery counts as one.
func Redeliveries(d Delivery) int {
	headers := d.Headers()
	if n, err := strconv.Atoi(headers[HeaderRedeliveries]); err == nil && n > 0 {
		return n
	}
	if redelivered, _ := strconv.ParseBool(headers[HeaderRedelivered]); redelivered {
		return 1
	}
	return 0
}

// DeliveryHandler processes one delivery. It is responsible for calling Ack or Nack.
type DeliveryHandler func(ctx context.Context, d Delivery) error

// Subscriber starts consuming a destination on behalf of a named consumer. Consumption runs in
// the background until ctx is cancelled or the transport is closed.
type Subscriber interface {
	Subscribe(ctx context.Context, destination, consumer string, handler DeliveryHandler) error
}

// Transport provides both sides of a broker connection
type Transport interface {
	Sender
	Subscriber

	// Close closes all resources
	Close() error
}
