package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

const consumerComponent = "queue-consumer"

// Processor handles one decoded message. Returning an error, or panicking,
// counts as a processing failure.
type Processor[T any] func(ctx context.Context, msg T) error

// Consumer decodes deliveries from one queue into T and hands them to a
// Processor. A delivery is acknowledged once on success. On failure it is
// requeued once and dropped when it fails again as a redelivery.
type Consumer[T any] struct {
	link      Link
	log       Logger
	queue     string
	cfg       config
	lifecycle *Lifecycle

	mu         sync.Mutex
	subscribed bool
}

// NewConsumer creates a consumer bound to queueName. Nothing is sent to the
// broker until Subscribe.
func NewConsumer[T any](link Link, log Logger, queueName string, options ...Option) *Consumer[T] {
	cfg := newConfig(options...)
	log = orNop(log)

	return &Consumer[T]{
		link:      link,
		log:       log,
		queue:     queueName,
		cfg:       cfg,
		lifecycle: NewLifecycle(link, log, consumerComponent, queueName, cfg.queue),
	}
}

// Subscribe establishes the channel and registers processor for every
// delivery. The registration is replayed after every reconnect. It blocks
// until the first setup group succeeded.
//
// When that fails the channel is discarded and no delivery reaches
// processor; Subscribe may then be called again.
func (c *Consumer[T]) Subscribe(ctx context.Context, processor Processor[T]) error {
	if processor == nil {
		return ErrNilProcessor
	}

	c.mu.Lock()
	if c.subscribed {
		c.mu.Unlock()
		return ErrAlreadySubscribed
	}
	c.subscribed = true
	c.mu.Unlock()

	setup := func(ctx context.Context, sc SetupChannel) error {
		if c.cfg.prefetch > 0 {
			if err := sc.Prefetch(c.cfg.prefetch); err != nil {
				return fmt.Errorf("setting prefetch %d: %w", c.cfg.prefetch, err)
			}
		}
		if c.cfg.channelSetup != nil {
			return c.cfg.channelSetup(ctx, sc)
		}
		return nil
	}

	var active atomic.Bool
	active.Store(true)

	register := func(ctx context.Context, sc SetupChannel) error {
		handler := func(d *Delivery) error {
			if !active.Load() {
				// left unacknowledged, the broker requeues it when the channel closes
				return ErrNotSubscribed
			}
			return c.handle(sc, d, processor)
		}
		return sc.Consume(ctx, c.queue, handler, c.cfg.consume)
	}

	err := c.lifecycle.Establish(ctx, setup, register)
	if err == nil {
		return nil
	}

	active.Store(false)
	if discardErr := c.lifecycle.Discard(); discardErr != nil {
		c.log.Warn("error discarding channel after failed subscribe", attrs(consumerComponent, c.queue, errAttrs(discardErr)...)...)
	}

	c.mu.Lock()
	c.subscribed = false
	c.mu.Unlock()

	return err
}

// handle processes d and settles it. The processing error is returned for
// the transport to record.
func (c *Consumer[T]) handle(sc SetupChannel, d *Delivery, processor Processor[T]) error {
	err := c.process(d, processor)
	noAck := c.cfg.consume.NoAck

	if err == nil {
		c.cfg.observer.DeliveryProcessed(c.queue)
		if !noAck {
			if ackErr := sc.Ack(d); ackErr != nil {
				c.cfg.observer.AcknowledgementFailed(c.queue)
				c.log.Error("error acknowledging message", attrs(consumerComponent, c.queue,
					append(errAttrs(ackErr), "delivery_tag", d.DeliveryTag)...)...)
				return nil
			}
		}
		c.log.Debug("message processed", attrs(consumerComponent, c.queue,
			"delivery_tag", d.DeliveryTag,
		)...)
		return nil
	}

	requeue := !noAck && !d.Redelivered
	c.cfg.observer.DeliveryFailed(c.queue, requeue)
	c.log.Error("error processing message", attrs(consumerComponent, c.queue,
		append(errAttrs(err),
			"detail", fmt.Sprintf("%+v", err),
			"delivery_tag", d.DeliveryTag,
			"redelivered", d.Redelivered,
			"requeue", requeue,
		)...)...)

	if noAck {
		return err
	}

	if nackErr := sc.Nack(d, false, requeue); nackErr != nil {
		c.cfg.observer.AcknowledgementFailed(c.queue)
		c.log.Error("error rejecting message", attrs(consumerComponent, c.queue,
			append(errAttrs(nackErr),
				"delivery_tag", d.DeliveryTag,
				"requeue", requeue,
			)...)...)
	}
	return err
}

func (c *Consumer[T]) process(d *Delivery, processor Processor[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrProcessorPanic, r)
		}
	}()

	var msg T
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return processor(d.context(), msg)
}

// IsConnected reports whether the link is connected and the channel was created
func (c *Consumer[T]) IsConnected() bool {
	return c.link.IsConnected() && c.lifecycle.Established()
}

// Queue returns the consumed queue name
func (c *Consumer[T]) Queue() string {
	return c.queue
}

// ConsumerTag returns the tag used for the broker registration
func (c *Consumer[T]) ConsumerTag() string {
	return c.cfg.consume.ConsumerTag
}

// Close closes the channel. It fails with ErrNotSubscribed if Subscribe was never called.
func (c *Consumer[T]) Close() error {
	err := c.lifecycle.Close()
	if errors.Is(err, ErrChannelNotEstablished) {
		return ErrNotSubscribed
	}
	return err
}
