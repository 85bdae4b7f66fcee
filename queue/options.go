package queue

import (
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultPublishTimeout is the wait between connectivity polls while the link is down
	DefaultPublishTimeout = 2 * time.Second

	// DefaultMaxRetries is the number of connectivity polls before a publish times out
	DefaultMaxRetries = 5

	consumerTagPrefix = "queue-consumer-"
)

// QueueOptions configures queue assertion
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  map[string]any
}

// DefaultQueueOptions returns the queue assertion defaults. Queues are durable
// so a restarted link never silently recreates a job queue as ephemeral.
func DefaultQueueOptions() QueueOptions {
	return QueueOptions{
		Durable: true,
	}
}

// ConsumeOptions configures a consumer registration
type ConsumeOptions struct {
	ConsumerTag string
	NoAck       bool
	Exclusive   bool
	NoLocal     bool
	Arguments   map[string]any
}

// DefaultConsumeOptions returns acknowledging, non-exclusive consume options
// with a fresh consumer tag.
func DefaultConsumeOptions() ConsumeOptions {
	return ConsumeOptions{
		ConsumerTag: consumerTagPrefix + uuid.NewString(),
		NoAck:       false,
		Exclusive:   false,
		NoLocal:     false,
	}
}

// PublishOptions configures a single Emit call. Timeout and MaxRetries drive
// the degraded path; the remaining fields are passed to the transport.
type PublishOptions struct {
	Timeout    time.Duration
	MaxRetries int

	Persistent    bool
	Mandatory     bool
	ContentType   string
	Priority      uint8
	Expiration    string
	MessageID     string
	CorrelationID string
	Headers       map[string]any
}

func (o PublishOptions) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultPublishTimeout
	}
	return o.Timeout
}

func (o PublishOptions) maxRetries() int {
	if o.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return o.MaxRetries
}

// PublishOption configures a single Emit call
type PublishOption func(*PublishOptions)

// WithTimeout sets the wait between connectivity polls
func WithTimeout(timeout time.Duration) PublishOption {
	return func(o *PublishOptions) {
		o.Timeout = timeout
	}
}

// WithMaxRetries sets the number of connectivity polls
func WithMaxRetries(retries int) PublishOption {
	return func(o *PublishOptions) {
		o.MaxRetries = retries
	}
}

// WithPersistent marks the message as persistent
func WithPersistent(persistent bool) PublishOption {
	return func(o *PublishOptions) {
		o.Persistent = persistent
	}
}

// WithMandatory sets the mandatory publish flag
func WithMandatory(mandatory bool) PublishOption {
	return func(o *PublishOptions) {
		o.Mandatory = mandatory
	}
}

// WithContentType overrides the content type
func WithContentType(contentType string) PublishOption {
	return func(o *PublishOptions) {
		o.ContentType = contentType
	}
}

// WithPriority sets the message priority
func WithPriority(priority uint8) PublishOption {
	return func(o *PublishOptions) {
		o.Priority = priority
	}
}

// WithExpiration sets the per-message TTL, in milliseconds as the broker expects
func WithExpiration(expiration string) PublishOption {
	return func(o *PublishOptions) {
		o.Expiration = expiration
	}
}

// WithMessageID sets the message id
func WithMessageID(id string) PublishOption {
	return func(o *PublishOptions) {
		o.MessageID = id
	}
}

// WithCorrelationID sets the correlation id
func WithCorrelationID(id string) PublishOption {
	return func(o *PublishOptions) {
		o.CorrelationID = id
	}
}

// WithHeaders adds message headers
func WithHeaders(headers map[string]any) PublishOption {
	return func(o *PublishOptions) {
		if o.Headers == nil {
			o.Headers = make(map[string]any, len(headers))
		}
		for k, v := range headers {
			o.Headers[k] = v
		}
	}
}

// config holds per-instance Emitter/Consumer configuration. It always starts
// from the defaults and is never mutated after construction.
type config struct {
	queue        QueueOptions
	consume      ConsumeOptions
	channelSetup SetupFunc
	prefetch     int
	observer     Observer
}

func newConfig(options ...Option) config {
	cfg := config{
		queue:    DefaultQueueOptions(),
		consume:  DefaultConsumeOptions(),
		observer: NopObserver{},
	}
	for _, opt := range options {
		opt(&cfg)
	}
	return cfg
}

// Option configures an Emitter or Consumer
type Option func(*config)

// WithDurable sets queue durability
func WithDurable(durable bool) Option {
	return func(c *config) {
		c.queue.Durable = durable
	}
}

// WithAutoDelete sets queue auto-delete
func WithAutoDelete(autoDelete bool) Option {
	return func(c *config) {
		c.queue.AutoDelete = autoDelete
	}
}

// WithExclusiveQueue sets queue exclusivity
func WithExclusiveQueue(exclusive bool) Option {
	return func(c *config) {
		c.queue.Exclusive = exclusive
	}
}

// WithQueueArguments sets queue assertion arguments such as x-dead-letter-exchange
func WithQueueArguments(args map[string]any) Option {
	return func(c *config) {
		c.queue.Arguments = args
	}
}

// WithNoAck disables acknowledgements for a consumer
func WithNoAck(noAck bool) Option {
	return func(c *config) {
		c.consume.NoAck = noAck
	}
}

// WithExclusive sets consumer exclusivity
func WithExclusive(exclusive bool) Option {
	return func(c *config) {
		c.consume.Exclusive = exclusive
	}
}

// WithNoLocal sets the consumer no-local flag
func WithNoLocal(noLocal bool) Option {
	return func(c *config) {
		c.consume.NoLocal = noLocal
	}
}

// WithConsumerTag overrides the generated consumer tag
func WithConsumerTag(tag string) Option {
	return func(c *config) {
		c.consume.ConsumerTag = tag
	}
}

// WithConsumeArguments sets consume arguments
func WithConsumeArguments(args map[string]any) Option {
	return func(c *config) {
		c.consume.Arguments = args
	}
}

// WithChannelSetup registers a routine for broker-specific channel tuning.
// It runs as part of every setup group.
func WithChannelSetup(setup SetupFunc) Option {
	return func(c *config) {
		c.channelSetup = setup
	}
}

// WithPrefetch limits unacknowledged deliveries per consumer
func WithPrefetch(count int) Option {
	return func(c *config) {
		c.prefetch = count
	}
}

// WithObserver sets the observer notified of publish and delivery outcomes
func WithObserver(observer Observer) Option {
	return func(c *config) {
		if observer != nil {
			c.observer = observer
		}
	}
}
