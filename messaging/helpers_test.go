package messaging_test

import (
	"context"
	"sync"

	"github.com/glimte/mmate-dispatch/contracts"
)

type placeOrder struct {
	contracts.CommandMessage
	OrderID string  `json:"orderId"`
	Amount  float64 `json:"amount"`
}

func (placeOrder) MessageType() string { return "test.PlaceOrder" }

type orderStatus struct {
	contracts.QueryMessage
	OrderID string `json:"orderId"`
}

func (orderStatus) MessageType() string { return "test.OrderStatus" }

type orderPlaced struct {
	contracts.EventMessage
	OrderID string `json:"orderId"`
}

func (orderPlaced) MessageType() string { return "test.OrderPlaced" }

type unhandled struct {
	contracts.CommandMessage
}

func (unhandled) MessageType() string { return "test.Unhandled" }

type calls struct {
	mu    sync.Mutex
	items []string
}

func (c *calls) add(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, s)
}

func (c *calls) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.items...)
}

type captureEnqueuer struct {
	mu   sync.Mutex
	envs []*contracts.Envelope
	err  error
}

func (e *captureEnqueuer) Enqueue(_ context.Context, env *contracts.Envelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.envs = append(e.envs, env)
	return nil
}

func (e *captureEnqueuer) recorded() []*contracts.Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*contracts.Envelope(nil), e.envs...)
}

// fakeDelivery records how a delivery was settled
type fakeDelivery struct {
	body    []byte
	headers map[string]string
	mu      sync.Mutex
	acked   bool
	nacked  bool
	requeue bool
}

func (d *fakeDelivery) Body() []byte               { return d.body }
func (d *fakeDelivery) Headers() map[string]string { return d.headers }

func (d *fakeDelivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acked = true
	return nil
}

func (d *fakeDelivery) Nack(requeue bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nacked = true
	d.requeue = requeue
	return nil
}

func (d *fakeDelivery) settled() (acked, nacked, requeue bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked, d.nacked, d.requeue
}
