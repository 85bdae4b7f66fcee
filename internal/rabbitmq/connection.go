package rabbitmq

import (
	"context"
	"crypto/tls"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/steadyq/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultHeartbeat      = 10 * time.Second
	defaultDialTimeout    = 30 * time.Second
	defaultReconnectDelay = time.Second
	maxReconnectDelay     = 30 * time.Second
)

// ConnectionStateListener receives connection state change notifications.
// Listeners are called from the connection goroutine and must not block.
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnConnectFailed(err error)
	OnBlocked(reason string)
	OnUnblocked()
}

// ConnectionManager keeps one AMQP connection open, reconnecting
// indefinitely with capped exponential backoff
type ConnectionManager struct {
	url         string
	config      amqp.Config
	dialTimeout time.Duration
	backoff     reliability.RetryPolicy
	logger      *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	isConnected bool
	connected   chan struct{} // closed while connected, replaced on disconnect
	started     bool
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		if logger != nil {
			cm.logger = logger
		}
	}
}

// WithReconnectDelay sets the initial reconnection delay. It doubles on
// every failed attempt up to 30s.
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		if delay > 0 {
			cm.backoff = reliability.NewExponentialBackoff(delay, maxReconnectDelay, 2.0, 0)
		}
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.config.Heartbeat = interval
	}
}

// WithTLSConfig sets the TLS configuration used for amqps:// URLs
func WithTLSConfig(cfg *tls.Config) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.config.TLSClientConfig = cfg
	}
}

// WithDialTimeout bounds a single dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithConnectionName sets the client-provided connection name shown by the broker
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.config.Properties.SetClientConnectionName(name)
	}
}

// NewConnectionManager creates a connection manager. Nothing is dialed until Start or Connect.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	ctx, cancel := context.WithCancel(context.Background())

	cm := &ConnectionManager{
		url: url,
		config: amqp.Config{
			Heartbeat:  defaultHeartbeat,
			Locale:     "en_US",
			Properties: amqp.NewConnectionProperties(),
		},
		dialTimeout: defaultDialTimeout,
		backoff:     reliability.NewExponentialBackoff(defaultReconnectDelay, maxReconnectDelay, 2.0, 0),
		logger:      slog.Default(),
		connected:   make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	cm.config.Dial = amqp.DefaultDial(cm.dialTimeout)
	cm.logger = cm.logger.With("component", "rabbitmq-connection")

	return cm
}

// Start launches the connection goroutine. It returns immediately; use
// WaitForConnection or a listener to learn about the outcome.
func (cm *ConnectionManager) Start() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.started || cm.closed {
		return
	}
	cm.started = true

	go cm.run()
}

// Connect starts the manager and waits for the first connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.Start()
	return cm.WaitForConnection(ctx)
}

// WaitForConnection blocks until the manager is connected
func (cm *ConnectionManager) WaitForConnection(ctx context.Context) error {
	cm.mu.RLock()
	connected := cm.connected
	cm.mu.RUnlock()

	select {
	case <-connected:
		return nil
	case <-cm.ctx.Done():
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.closed {
		return nil, ErrConnectionClosed
	}
	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionNotReady
	}

	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Done is closed once the connection goroutine has exited after Close
func (cm *ConnectionManager) Done() <-chan struct{} {
	return cm.done
}

// Close stops reconnecting and closes the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	started := cm.started
	conn := cm.conn
	cm.mu.Unlock()

	cm.cancel()
	if !started {
		close(cm.done)
	}

	if conn != nil && !conn.IsClosed() {
		return conn.Close()
	}
	return nil
}

func (cm *ConnectionManager) run() {
	defer close(cm.done)

	attempt := 0
	for {
		if cm.ctx.Err() != nil {
			return
		}

		conn, err := amqp.DialConfig(cm.url, cm.config)
		if err != nil {
			delay := cm.backoff.NextDelay(attempt)
			attempt++

			connErr := &ConnectionError{
				Op:        "connect",
				URL:       SanitizeURL(cm.url),
				Err:       err,
				Timestamp: time.Now(),
				Attempts:  attempt,
			}
			cm.logger.Error("connection attempt failed",
				"url", SanitizeURL(cm.url),
				"error", err,
				"attempt", attempt,
				"nextRetryIn", delay)
			cm.notifyConnectFailed(connErr)

			if !reliability.Sleep(cm.ctx, nil, delay) {
				return
			}
			continue
		}

		if !cm.setConnected(conn) {
			_ = conn.Close()
			return
		}

		cm.logger.Info("connected to RabbitMQ",
			"url", SanitizeURL(cm.url),
			"attempts", attempt+1)
		attempt = 0
		cm.notifyConnected()

		err = cm.watch(conn)
		cm.setDisconnected()

		if cm.ctx.Err() != nil {
			cm.logger.Info("connection manager shutting down")
			cm.notifyDisconnected(nil)
			return
		}

		cm.logger.Error("connection closed", "error", err)
		cm.notifyDisconnected(err)
	}
}

// watch blocks until conn is closed, relaying flow-control notifications
func (cm *ConnectionManager) watch(conn *amqp.Connection) error {
	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	blockedCh := conn.NotifyBlocked(make(chan amqp.Blocking, 1))

	for {
		select {
		case <-cm.ctx.Done():
			return nil
		case amqpErr, ok := <-closeCh:
			if !ok || amqpErr == nil {
				return ErrConnectionClosed
			}
			return amqpErr
		case b, ok := <-blockedCh:
			if !ok {
				blockedCh = nil
				continue
			}
			if b.Active {
				cm.logger.Warn("connection blocked", "reason", b.Reason)
				cm.notifyBlocked(b.Reason)
			} else {
				cm.logger.Info("connection unblocked")
				cm.notifyUnblocked()
			}
		}
	}
}

func (cm *ConnectionManager) setConnected(conn *amqp.Connection) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return false
	}
	cm.conn = conn
	cm.isConnected = true
	close(cm.connected)
	return true
}

func (cm *ConnectionManager) setDisconnected() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.conn = nil
	if cm.isConnected {
		cm.isConnected = false
		cm.connected = make(chan struct{})
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) listeners() []ConnectionStateListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	return append([]ConnectionStateListener(nil), cm.stateListeners...)
}

func (cm *ConnectionManager) notifyConnected() {
	for _, listener := range cm.listeners() {
		listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	for _, listener := range cm.listeners() {
		listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyConnectFailed(err error) {
	for _, listener := range cm.listeners() {
		listener.OnConnectFailed(err)
	}
}

func (cm *ConnectionManager) notifyBlocked(reason string) {
	for _, listener := range cm.listeners() {
		listener.OnBlocked(reason)
	}
}

func (cm *ConnectionManager) notifyUnblocked() {
	for _, listener := range cm.listeners() {
		listener.OnUnblocked()
	}
}
