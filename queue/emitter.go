package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/steadyq/internal/reliability"
)

const emitterComponent = "queue-publisher"

// Emitter publishes messages of type T to a single queue. While the link is
// down, Emit polls connectivity at a fixed interval instead of sending, and
// gives up once the retry budget is spent.
type Emitter[T any] struct {
	link      Link
	log       Logger
	queue     string
	observer  Observer
	lifecycle *Lifecycle

	done      chan struct{}
	closeOnce sync.Once
}

// NewEmitter creates an emitter and blocks until its channel is ready
func NewEmitter[T any](ctx context.Context, link Link, log Logger, queueName string, options ...Option) (*Emitter[T], error) {
	e := newEmitter[T](link, log, queueName, options...)
	if err := e.EstablishChannel(ctx); err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

func newEmitter[T any](link Link, log Logger, queueName string, options ...Option) *Emitter[T] {
	cfg := newConfig(options...)
	log = orNop(log)

	return &Emitter[T]{
		link:      link,
		log:       log,
		queue:     queueName,
		observer:  cfg.observer,
		lifecycle: NewLifecycle(link, log, emitterComponent, queueName, cfg.queue),
		done:      make(chan struct{}),
	}
}

// EstablishChannel asserts the queue and waits for the channel. Calling it
// again once a channel exists is a no-op.
func (e *Emitter[T]) EstablishChannel(ctx context.Context) error {
	return e.lifecycle.Establish(ctx, nil, nil)
}

// Emit publishes msg. It sends immediately while the link is connected;
// otherwise it polls connectivity every Timeout, up to MaxRetries times, and
// sends once the link is back. A *PublishTimeoutError is returned when the
// budget is spent. Close or ctx cancellation abort a pending poll.
func (e *Emitter[T]) Emit(ctx context.Context, msg T, opts ...PublishOption) error {
	ch, err := e.lifecycle.Channel()
	if err != nil {
		return fmt.Errorf("unable to send to queue '%s', check emitter channel establishment: %w", e.queue, err)
	}

	var options PublishOptions
	for _, opt := range opts {
		opt(&options)
	}

	if e.link.IsConnected() {
		return e.send(ctx, ch, msg, options)
	}

	timeout := options.timeout()
	maxRetries := options.maxRetries()

	e.log.Info("connection is closed, retrying to publish", attrs(emitterComponent, e.queue,
		"retry_count", 0,
		"max_retry_count", maxRetries,
		"timeout", timeout,
	)...)

	policy := reliability.NewFixedDelay(timeout, maxRetries)
	polls, err := reliability.PollUntil(ctx, policy, e.done, e.link.IsConnected)
	e.observer.PublishDelayed(e.queue, polls)

	switch {
	case err == nil:
		return e.send(ctx, ch, msg, options)
	case errors.Is(err, reliability.ErrMaxRetriesExceeded):
		e.observer.PublishTimedOut(e.queue)
		return &PublishTimeoutError{
			Queue:   e.queue,
			Retries: polls,
			Elapsed: time.Duration(polls+1) * timeout,
		}
	case errors.Is(err, reliability.ErrPollAborted):
		return ErrEmitterClosed
	default:
		return err
	}
}

func (e *Emitter[T]) send(ctx context.Context, ch Channel, msg T, options PublishOptions) error {
	e.log.Debug("publishing message", attrs(emitterComponent, e.queue,
		"event", msg,
		"options", options,
		"is_connected", e.link.IsConnected(),
	)...)

	if err := ch.SendToQueue(ctx, e.queue, msg, options); err != nil {
		e.observer.PublishFailed(e.queue)
		return fmt.Errorf("queue: publishing message to '%s': %w", e.queue, err)
	}

	e.observer.PublishSent(e.queue)
	return nil
}

// IsConnected reports whether the link and the emitter's channel are connected
func (e *Emitter[T]) IsConnected() bool {
	return e.lifecycle.IsConnected()
}

// Queue returns the target queue name
func (e *Emitter[T]) Queue() string {
	return e.queue
}

// Close closes the channel if one was established and aborts pending polls.
// It is safe to call on an emitter that never emitted.
func (e *Emitter[T]) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
	})

	if err := e.lifecycle.Close(); err != nil && !errors.Is(err, ErrChannelNotEstablished) {
		return err
	}
	return nil
}
