// Package rabbitmq holds the AMQP plumbing behind the RabbitMQ transport.
//
// This package includes:
//   - ConnectionManager: a single connection with automatic reconnection
//   - ChannelPool: pooled channels, optionally in confirm mode
//   - Publisher: confirmed publishing, where success means the broker took ownership
//   - Consumer: manual-ack consumption with prefetch
//   - TopologyManager: exchanges, queues, bindings and dead-letter queues
package rabbitmq
