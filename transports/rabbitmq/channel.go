package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/steadyq/internal/rabbitmq"
	"github.com/glimte/steadyq/queue"
	amqp "github.com/rabbitmq/amqp091-go"
)

const contentTypeJSON = "application/json"

// ErrUnsupportedPayload is returned by SendToQueue on a non-JSON channel for
// payloads that are neither []byte nor string
var ErrUnsupportedPayload = errors.New("rabbitmq: unsupported payload type")

// channel implements queue.Channel on top of a ChannelWrapper
type channel struct {
	link    *Link
	name    string
	json    bool
	wrapper *rabbitmq.ChannelWrapper

	listenersMu sync.RWMutex
	listeners   []queue.ChannelListener
}

var _ queue.Channel = (*channel)(nil)

func newChannel(l *Link, cfg queue.ChannelConfig) *channel {
	c := &channel{
		link: l,
		name: cfg.Name,
		json: cfg.JSON,
	}
	if cfg.Listener != nil {
		c.listeners = append(c.listeners, cfg.Listener)
	}

	setup := func(ctx context.Context, ch *amqp.Channel) error {
		if cfg.Setup == nil {
			return nil
		}
		return cfg.Setup(ctx, &setupChannel{ch: ch, tracer: l.tracer})
	}

	opts := append([]rabbitmq.ChannelOption{
		rabbitmq.WithChannelLogger(l.logger),
		rabbitmq.WithChannelListener(c),
	}, l.cfg.chanOpts...)
	c.wrapper = rabbitmq.NewChannelWrapper(l.manager, cfg.Name, setup, opts...)

	return c
}

func (c *channel) WaitForConnect(ctx context.Context) error {
	return c.wrapper.WaitForConnect(ctx)
}

func (c *channel) IsConnected() bool {
	return c.wrapper.IsReady()
}

func (c *channel) AddListener(listener queue.ChannelListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, listener)
}

func (c *channel) Close() error {
	c.link.forget(c)
	return c.wrapper.Close()
}

// SendToQueue publishes payload to queue through the default exchange and
// waits for the broker confirm
func (c *channel) SendToQueue(ctx context.Context, queueName string, payload any, opts queue.PublishOptions) error {
	body, contentType, err := c.encode(payload)
	if err != nil {
		return err
	}
	if opts.ContentType != "" {
		contentType = opts.ContentType
	}

	msg := amqp.Publishing{
		Headers:       make(amqp.Table, len(opts.Headers)),
		ContentType:   contentType,
		DeliveryMode:  amqp.Transient,
		Priority:      opts.Priority,
		Expiration:    opts.Expiration,
		MessageId:     opts.MessageID,
		CorrelationId: opts.CorrelationID,
		Timestamp:     time.Now(),
		Body:          body,
	}
	for k, v := range opts.Headers {
		msg.Headers[k] = v
	}
	if opts.Persistent {
		msg.DeliveryMode = amqp.Persistent
	}

	ctx, span := c.link.tracer.startProducer(ctx, queueName, &msg)
	err = c.wrapper.Publish(ctx, "", queueName, opts.Mandatory, msg)
	finishSpan(span, err)

	return err
}

func (c *channel) encode(payload any) ([]byte, string, error) {
	if c.json {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, "", fmt.Errorf("rabbitmq: encoding payload: %w", err)
		}
		return body, contentTypeJSON, nil
	}

	switch p := payload.(type) {
	case []byte:
		return p, "application/octet-stream", nil
	case string:
		return []byte(p), "text/plain", nil
	default:
		return nil, "", fmt.Errorf("%w: %T", ErrUnsupportedPayload, payload)
	}
}

func (c *channel) snapshotListeners() []queue.ChannelListener {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	return append([]queue.ChannelListener(nil), c.listeners...)
}

// OnChannelConnected implements rabbitmq.ChannelStateListener
func (c *channel) OnChannelConnected() {
	for _, l := range c.snapshotListeners() {
		l.OnConnect()
	}
}

// OnChannelError implements rabbitmq.ChannelStateListener
func (c *channel) OnChannelError(err error) {
	for _, l := range c.snapshotListeners() {
		l.OnError(err)
	}
	c.link.emitError(err)
}

// OnChannelClosed implements rabbitmq.ChannelStateListener
func (c *channel) OnChannelClosed() {
	for _, l := range c.snapshotListeners() {
		l.OnClose()
	}
}

// setupChannel is the queue.SetupChannel handed to setup routines. It is
// bound to one AMQP channel: deliveries consumed through it are acknowledged
// on the same channel.
type setupChannel struct {
	ch     *amqp.Channel
	tracer *tracer
}

var _ queue.SetupChannel = (*setupChannel)(nil)

func (s *setupChannel) AssertQueue(_ context.Context, name string, opts queue.QueueOptions) error {
	_, err := s.ch.QueueDeclare(
		name,
		opts.Durable,
		opts.AutoDelete,
		opts.Exclusive,
		false, // no-wait
		amqp.Table(opts.Arguments),
	)
	if err != nil {
		return fmt.Errorf("declaring queue %s: %w", name, err)
	}
	return nil
}

func (s *setupChannel) Prefetch(count int) error {
	return s.ch.Qos(count, 0, false)
}

// Consume registers handler for queueName. Deliveries are dispatched in
// order on one goroutine until the AMQP channel closes.
func (s *setupChannel) Consume(_ context.Context, queueName string, handler queue.DeliveryHandler, opts queue.ConsumeOptions) error {
	deliveries, err := s.ch.Consume(
		queueName,
		opts.ConsumerTag,
		opts.NoAck,
		opts.Exclusive,
		opts.NoLocal,
		false, // no-wait
		amqp.Table(opts.Arguments),
	)
	if err != nil {
		return fmt.Errorf("consuming from %s: %w", queueName, err)
	}

	go s.dispatch(queueName, deliveries, handler)
	return nil
}

func (s *setupChannel) dispatch(queueName string, deliveries <-chan amqp.Delivery, handler queue.DeliveryHandler) {
	for d := range deliveries {
		ctx, span := s.tracer.startConsumer(queueName, &d)
		err := handler(toDelivery(ctx, &d))
		finishSpan(span, err)
	}
}

func (s *setupChannel) Ack(d *queue.Delivery) error {
	return s.ch.Ack(d.DeliveryTag, false)
}

func (s *setupChannel) Nack(d *queue.Delivery, multiple, requeue bool) error {
	return s.ch.Nack(d.DeliveryTag, multiple, requeue)
}

func toDelivery(ctx context.Context, d *amqp.Delivery) *queue.Delivery {
	return &queue.Delivery{
		Body:        d.Body,
		Redelivered: d.Redelivered,
		DeliveryTag: d.DeliveryTag,
		ConsumerTag: d.ConsumerTag,
		MessageID:   d.MessageId,
		Headers:     map[string]any(d.Headers),
		Context:     ctx,
	}
}
