package rabbitmq

import (
	"context"
	"crypto/tls"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/steadyq/internal/rabbitmq"
	"github.com/glimte/steadyq/queue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// LinkListener receives broker link lifecycle events. Listeners are called
// from the connection goroutine and must not block.
type LinkListener interface {
	OnConnect()
	OnDisconnect(err error)
	OnConnectFailed(err error)
	OnBlocked(reason string)
	OnUnblocked()
	OnError(err error)
}

type linkConfig struct {
	logger         *slog.Logger
	connOpts       []rabbitmq.ConnectionOption
	chanOpts       []rabbitmq.ChannelOption
	tracerProvider trace.TracerProvider
	propagator     propagation.TextMapPropagator
}

// LinkOption configures a Link
type LinkOption func(*linkConfig)

// WithLinkLogger sets the logger used by the link and its channels
func WithLinkLogger(logger *slog.Logger) LinkOption {
	return func(cfg *linkConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(interval time.Duration) LinkOption {
	return func(cfg *linkConfig) {
		cfg.connOpts = append(cfg.connOpts, rabbitmq.WithHeartbeat(interval))
	}
}

// WithTLSConfig sets the TLS configuration used for amqps:// URLs
func WithTLSConfig(tlsConfig *tls.Config) LinkOption {
	return func(cfg *linkConfig) {
		cfg.connOpts = append(cfg.connOpts, rabbitmq.WithTLSConfig(tlsConfig))
	}
}

// WithReconnectDelay sets the initial reconnection delay
func WithReconnectDelay(delay time.Duration) LinkOption {
	return func(cfg *linkConfig) {
		cfg.connOpts = append(cfg.connOpts, rabbitmq.WithReconnectDelay(delay))
	}
}

// WithDialTimeout bounds a single dial attempt
func WithDialTimeout(timeout time.Duration) LinkOption {
	return func(cfg *linkConfig) {
		cfg.connOpts = append(cfg.connOpts, rabbitmq.WithDialTimeout(timeout))
	}
}

// WithConnectionName sets the connection name shown by the broker
func WithConnectionName(name string) LinkOption {
	return func(cfg *linkConfig) {
		cfg.connOpts = append(cfg.connOpts, rabbitmq.WithConnectionName(name))
	}
}

// WithSetupRetryDelay sets the initial delay before a failed channel setup is retried
func WithSetupRetryDelay(delay time.Duration) LinkOption {
	return func(cfg *linkConfig) {
		cfg.chanOpts = append(cfg.chanOpts, rabbitmq.WithSetupRetryDelay(delay))
	}
}

// WithConfirmTimeout bounds the wait for a publisher confirm
func WithConfirmTimeout(timeout time.Duration) LinkOption {
	return func(cfg *linkConfig) {
		cfg.chanOpts = append(cfg.chanOpts, rabbitmq.WithConfirmTimeout(timeout))
	}
}

// WithTracerProvider sets the tracer provider; the global one is used by default
func WithTracerProvider(provider trace.TracerProvider) LinkOption {
	return func(cfg *linkConfig) {
		if provider != nil {
			cfg.tracerProvider = provider
		}
	}
}

// WithPropagator sets the propagator used to carry trace context in message headers
func WithPropagator(propagator propagation.TextMapPropagator) LinkOption {
	return func(cfg *linkConfig) {
		if propagator != nil {
			cfg.propagator = propagator
		}
	}
}

// Link is an auto-reconnecting RabbitMQ connection implementing queue.Link
type Link struct {
	url     string
	manager *rabbitmq.ConnectionManager
	cfg     linkConfig
	tracer  *tracer
	logger  *slog.Logger

	listenersMu sync.RWMutex
	listeners   []LinkListener

	channelsMu sync.Mutex
	channels   map[*channel]struct{}
}

var _ queue.Link = (*Link)(nil)

// NewLink creates a link for url. It does not dial until Start or Connect.
func NewLink(url string, options ...LinkOption) *Link {
	cfg := linkConfig{
		logger:         slog.Default(),
		tracerProvider: otel.GetTracerProvider(),
		propagator:     propagation.NewCompositeTextMapPropagator(propagation.Baggage{}, propagation.TraceContext{}),
	}
	for _, opt := range options {
		opt(&cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.logger)}, cfg.connOpts...)

	l := &Link{
		url:      url,
		manager:  rabbitmq.NewConnectionManager(url, connOpts...),
		cfg:      cfg,
		tracer:   newTracer(cfg.tracerProvider, cfg.propagator),
		logger:   cfg.logger,
		channels: make(map[*channel]struct{}),
	}
	l.manager.AddStateListener(&connectionEvents{link: l})

	return l
}

// URL returns the broker URL with the password redacted
func (l *Link) URL() string {
	return rabbitmq.SanitizeURL(l.url)
}

// Start begins connecting in the background
func (l *Link) Start() {
	l.manager.Start()
}

// Connect starts the link and waits for the first connection
func (l *Link) Connect(ctx context.Context) error {
	return l.manager.Connect(ctx)
}

// IsConnected implements queue.Link
func (l *Link) IsConnected() bool {
	return l.manager.IsConnected()
}

// CreateChannel implements queue.Link. The returned channel runs cfg.Setup
// every time its AMQP channel opens.
func (l *Link) CreateChannel(cfg queue.ChannelConfig) queue.Channel {
	c := newChannel(l, cfg)

	l.channelsMu.Lock()
	l.channels[c] = struct{}{}
	l.channelsMu.Unlock()

	return c
}

func (l *Link) forget(c *channel) {
	l.channelsMu.Lock()
	defer l.channelsMu.Unlock()
	delete(l.channels, c)
}

// AddListener registers a lifecycle listener
func (l *Link) AddListener(listener LinkListener) {
	l.listenersMu.Lock()
	defer l.listenersMu.Unlock()
	l.listeners = append(l.listeners, listener)
}

func (l *Link) snapshotListeners() []LinkListener {
	l.listenersMu.RLock()
	defer l.listenersMu.RUnlock()
	return append([]LinkListener(nil), l.listeners...)
}

// Close closes every channel created by the link, then the connection
func (l *Link) Close() error {
	l.channelsMu.Lock()
	channels := make([]*channel, 0, len(l.channels))
	for c := range l.channels {
		channels = append(channels, c)
	}
	l.channelsMu.Unlock()

	for _, c := range channels {
		if err := c.Close(); err != nil {
			l.logger.Warn("closing channel failed", "channel", c.name, "error", err)
		}
	}

	return l.manager.Close()
}

func (l *Link) emitError(err error) {
	for _, listener := range l.snapshotListeners() {
		listener.OnError(err)
	}
}

// connectionEvents relays connection manager notifications to link listeners
type connectionEvents struct {
	link *Link
}

func (e *connectionEvents) OnConnected() {
	for _, listener := range e.link.snapshotListeners() {
		listener.OnConnect()
	}
}

func (e *connectionEvents) OnDisconnected(err error) {
	for _, listener := range e.link.snapshotListeners() {
		listener.OnDisconnect(err)
	}
}

func (e *connectionEvents) OnConnectFailed(err error) {
	for _, listener := range e.link.snapshotListeners() {
		listener.OnConnectFailed(err)
	}
}

func (e *connectionEvents) OnBlocked(reason string) {
	for _, listener := range e.link.snapshotListeners() {
		listener.OnBlocked(reason)
	}
}

func (e *connectionEvents) OnUnblocked() {
	for _, listener := range e.link.snapshotListeners() {
		listener.OnUnblocked()
	}
}
