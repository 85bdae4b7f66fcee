// Package queue keeps queue-bound channels alive across broker reconnects.
//
// This package includes:
//   - Lifecycle: one logical channel bound to a queue whose setup group is
//     replayed every time the transport channel (re)opens
//   - Emitter: publishes to a queue, polling connectivity with a bounded
//     fixed-interval backoff while the link is down
//   - Consumer: decodes deliveries, runs a processor and acknowledges each
//     delivery exactly once, giving a failed message a single redelivery
//
// The package drives, but does not implement, the broker link. Transports
// provide the Link and Channel contracts; see transports/rabbitmq for the
// RabbitMQ implementation.
//
// Only configuration errors and exhausted publish retries are returned to
// callers. Setup, processing and acknowledgement failures are logged and
// absorbed so a single bad message never ends a subscription.
package queue
