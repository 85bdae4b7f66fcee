package queue

import "context"

// Link is the durable, auto-reconnecting broker connection. A single Link is
// shared by every Emitter and Consumer created against it.
type Link interface {
	// IsConnected reports whether the broker connection is currently up
	IsConnected() bool

	// CreateChannel opens a logical channel whose Setup is run on every
	// (re)establishment of the underlying transport channel
	CreateChannel(cfg ChannelConfig) Channel
}

// ChannelConfig describes a logical channel requested from a Link
type ChannelConfig struct {
	Name  string
	Setup SetupFunc
	// JSON encodes SendToQueue payloads as JSON
	JSON bool
	// Listener, if set, is registered before the channel first opens
	Listener ChannelListener
}

// SetupFunc runs every time the transport channel opens. A returned error
// aborts that attempt and leaves the retry to the transport.
type SetupFunc func(ctx context.Context, ch SetupChannel) error

// SetupChannel is the raw transport channel handed to setup routines
type SetupChannel interface {
	AssertQueue(ctx context.Context, name string, opts QueueOptions) error
	Prefetch(count int) error
	Consume(ctx context.Context, queue string, handler DeliveryHandler, opts ConsumeOptions) error
	Ack(d *Delivery) error
	Nack(d *Delivery, multiple, requeue bool) error
}

// Channel is a logical channel whose setup is replayed on every reconnect
type Channel interface {
	// WaitForConnect blocks until the first successful setup
	WaitForConnect(ctx context.Context) error

	SendToQueue(ctx context.Context, queue string, payload any, opts PublishOptions) error
	IsConnected() bool
	AddListener(listener ChannelListener)
	Close() error
}

// ChannelListener receives channel lifecycle notifications
type ChannelListener interface {
	OnConnect()
	OnError(err error)
	OnClose()
}

// DeliveryHandler is invoked once per delivered message. The returned error
// is the processing outcome; transports record it but never act on it.
type DeliveryHandler func(d *Delivery) error

// Delivery is a raw message delivered by the broker
type Delivery struct {
	Body        []byte
	Redelivered bool
	DeliveryTag uint64
	ConsumerTag string
	MessageID   string
	Headers     map[string]any

	// Context carries per-delivery values such as trace context
	Context context.Context
}

func (d *Delivery) context() context.Context {
	if d.Context == nil {
		return context.Background()
	}
	return d.Context
}
