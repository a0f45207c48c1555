// Package rabbitmq is the broker side of the delivery core.
//
// It contains:
//   - Connection: one AMQP connection with automatic reconnection
//   - ChannelPool: reusable channels for publishing and topology work
//   - Topology: the led.events exchange, its dead-letter exchange and the
//     per-family queues with their .dlq companions
//   - Consumer: an elastic worker pool per queue, settling each delivery
//     through the AckHandle the engine decides on
//   - Publisher: confirmed publishing of domain events
package rabbitmq
