// Package rabbitmq provides the amqp091-go level building blocks of the
// RabbitMQ link.
//
// This package includes:
//   - ConnectionManager: keeps one connection open, reconnecting indefinitely
//     with capped exponential backoff, and reports connect, disconnect,
//     connect failure and flow-control (blocked/unblocked) events
//   - ChannelWrapper: a logical channel that survives reconnects. Every time
//     its underlying channel opens it runs a setup routine; the channel only
//     becomes ready once that routine succeeds
//
// Publishing through a ChannelWrapper uses publisher confirms.
package rabbitmq
