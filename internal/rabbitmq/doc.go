// Package rabbitmq holds the AMQP plumbing behind the RabbitMQ transport.
//
// This package includes:
//   - ConnectionManager: one lazily dialed connection with state notifications
//   - ChannelPool: confirm-mode channels for publishing
//   - Consumer: subscriber queues on dedicated channels
//   - TopologyManager: exchange, queue and binding declarations
//
// Reconnection pacing is not handled here. A closed connection is redialed on
// next use, and callers decide when that is.
package rabbitmq
