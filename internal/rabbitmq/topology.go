package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyManager manages RabbitMQ topology (exchanges, queues, bindings)
type TopologyManager struct {
	pool *ChannelPool
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is a set of declarations applied in order: exchanges, queues, bindings
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// Naming maps destinations and consumers onto exchange and queue names
type Naming struct {
	Prefix string
}

// Exchange is the fanout exchange a destination publishes to
func (n Naming) Exchange(destination string) string {
	return n.Prefix + destination
}

// Queue is the queue a consumer group reads a destination from
func (n Naming) Queue(destination, consumer string) string {
	return n.Prefix + destination + "." + consumer
}

// DeadLetterExchange receives rejected deliveries of every queue
func (n Naming) DeadLetterExchange() string {
	return n.Prefix + "dlx"
}

// DeadLetterQueue holds the rejected deliveries of queue
func (n Naming) DeadLetterQueue(queue string) string {
	return queue + ".dlq"
}

// DestinationTopology declares a durable fanout exchange for the destination
func (n Naming) DestinationTopology(destination string) Topology {
	return Topology{
		Exchanges: []ExchangeDeclaration{{
			Name:    n.Exchange(destination),
			Type:    amqp.ExchangeFanout,
			Durable: true,
		}},
	}
}

// ConsumerTopology declares the consumer's queue bound to the destination exchange,
// plus a dead-letter queue that collects deliveries rejected without requeue.
func (n Naming) ConsumerTopology(destination, consumer string) Topology {
	queue := n.Queue(destination, consumer)
	dlq := n.DeadLetterQueue(queue)

	topology := n.DestinationTopology(destination)
	topology.Exchanges = append(topology.Exchanges, ExchangeDeclaration{
		Name:    n.DeadLetterExchange(),
		Type:    amqp.ExchangeDirect,
		Durable: true,
	})
	topology.Queues = []QueueDeclaration{
		{Name: dlq, Durable: true},
		{
			Name:    queue,
			Durable: true,
			Arguments: amqp.Table{
				"x-dead-letter-exchange":    n.DeadLetterExchange(),
				"x-dead-letter-routing-key": dlq,
			},
		},
	}
	topology.Bindings = []Binding{
		{Queue: dlq, Exchange: n.DeadLetterExchange(), RoutingKey: dlq},
		{Queue: queue, Exchange: n.Exchange(destination)},
	}
	return topology
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{
		pool: pool,
	}
}

// DeclareTopology declares the complete topology
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		for _, exchange := range topology.Exchanges {
			if err := tm.declareExchange(ch, exchange); err != nil {
				return err
			}
		}

		for _, queue := range topology.Queues {
			if _, err := tm.declareQueue(ch, queue); err != nil {
				return err
			}
		}

		for _, binding := range topology.Bindings {
			if err := tm.bindQueue(ch, binding); err != nil {
				return err
			}
		}

		return nil
	})
}

// QueueInfo inspects a queue without declaring it
func (tm *TopologyManager) QueueInfo(ctx context.Context, name string) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		var err error
		q, err = ch.QueueDeclarePassive(name, true, false, false, false, nil)
		if err != nil {
			return &TopologyError{Component: "queue", Name: name, Op: "inspect", Err: err}
		}
		return nil
	})
	return q, err
}

func (tm *TopologyManager) declareExchange(ch *amqp.Channel, exchange ExchangeDeclaration) error {
	err := ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err}
	}
	return nil
}

func (tm *TopologyManager) declareQueue(ch *amqp.Channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return q, &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err}
	}
	return q, nil
}

func (tm *TopologyManager) bindQueue(ch *amqp.Channel, binding Binding) error {
	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "binding", Name: binding.Queue + "->" + binding.Exchange, Op: "declare", Err: err}
	}
	return nil
}
