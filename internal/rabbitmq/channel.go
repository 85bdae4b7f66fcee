package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/steadyq/internal/reliability"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultSetupRetryDelay = time.Second
	maxSetupRetryDelay     = 30 * time.Second
	defaultConfirmTimeout  = 5 * time.Second
)

// SetupFunc prepares a freshly opened channel. It runs on every open.
type SetupFunc func(ctx context.Context, ch *amqp.Channel) error

// ChannelStateListener receives channel state notifications. Listeners are
// called from the channel goroutine and must not block.
type ChannelStateListener interface {
	OnChannelConnected()
	OnChannelError(err error)
	OnChannelClosed()
}

// ChannelWrapper is a logical channel that survives reconnects. A single
// goroutine waits for the connection, opens an AMQP channel in confirm mode
// and runs the setup routine; a failed setup closes that channel and is
// retried with backoff.
type ChannelWrapper struct {
	id             string
	name           string
	manager        *ConnectionManager
	setup          SetupFunc
	setupBackoff   reliability.RetryPolicy
	confirmTimeout time.Duration
	logger         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	ch        *amqp.Channel
	ready     bool
	closed    bool
	lastErr   error
	firstOpen chan struct{}
	openOnce  sync.Once
	// readyCh is closed while the channel is ready and replaced when it is lost
	readyCh   chan struct{}

	listeners   []ChannelStateListener
	listenersMu sync.RWMutex
}

// ChannelOption configures a ChannelWrapper
type ChannelOption func(*ChannelWrapper)

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ChannelOption {
	return func(cw *ChannelWrapper) {
		if logger != nil {
			cw.logger = logger
		}
	}
}

// WithSetupRetryDelay sets the initial delay before a failed setup is retried
func WithSetupRetryDelay(delay time.Duration) ChannelOption {
	return func(cw *ChannelWrapper) {
		if delay > 0 {
			cw.setupBackoff = reliability.NewExponentialBackoff(delay, maxSetupRetryDelay, 2.0, 0)
		}
	}
}

// WithConfirmTimeout bounds the wait for a publisher confirm
func WithConfirmTimeout(timeout time.Duration) ChannelOption {
	return func(cw *ChannelWrapper) {
		if timeout > 0 {
			cw.confirmTimeout = timeout
		}
	}
}

// WithChannelListener registers listener before the wrapper starts, so no
// notification is missed
func WithChannelListener(listener ChannelStateListener) ChannelOption {
	return func(cw *ChannelWrapper) {
		cw.listeners = append(cw.listeners, listener)
	}
}

// NewChannelWrapper creates the wrapper and starts its goroutine. setup may be nil.
func NewChannelWrapper(manager *ConnectionManager, name string, setup SetupFunc, options ...ChannelOption) *ChannelWrapper {
	ctx, cancel := context.WithCancel(context.Background())

	cw := &ChannelWrapper{
		id:             uuid.NewString(),
		name:           name,
		manager:        manager,
		setup:          setup,
		setupBackoff:   reliability.NewExponentialBackoff(defaultSetupRetryDelay, maxSetupRetryDelay, 2.0, 0),
		confirmTimeout: defaultConfirmTimeout,
		logger:         slog.Default(),
		ctx:            ctx,
		cancel:         cancel,
		firstOpen:      make(chan struct{}),
		readyCh:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(cw)
	}
	cw.logger = cw.logger.With("component", "rabbitmq-channel", "channel", name, "channelId", cw.id)

	go cw.run()
	return cw
}

// ID returns the wrapper's unique id
func (cw *ChannelWrapper) ID() string {
	return cw.id
}

// Name returns the logical channel name
func (cw *ChannelWrapper) Name() string {
	return cw.name
}

func (cw *ChannelWrapper) run() {
	attempt := 0
	for {
		if err := cw.manager.WaitForConnection(cw.ctx); err != nil {
			return
		}

		ch, closeCh, err := cw.open()
		if err != nil {
			delay := cw.setupBackoff.NextDelay(attempt)
			attempt++
			cw.fail(err, attempt, delay)
			if !reliability.Sleep(cw.ctx, nil, delay) {
				return
			}
			continue
		}
		attempt = 0

		if !cw.setReady(ch) {
			_ = ch.Close()
			return
		}
		cw.logger.Info("channel ready")
		cw.notifyConnected()

		select {
		case <-cw.ctx.Done():
			return
		case amqpErr, ok := <-closeCh:
			cw.setNotReady()
			if ok && amqpErr != nil {
				cw.logger.Error("channel closed by broker", "error", amqpErr)
				cw.notifyError(&ChannelError{
					Op:        "channel",
					ChannelID: cw.id,
					Name:      cw.name,
					Err:       amqpErr,
					Timestamp: time.Now(),
				})
			} else {
				cw.logger.Info("channel closed, waiting for connection")
			}
		}
	}
}

// open opens an AMQP channel in confirm mode and runs the setup routine on
// it. On any failure the AMQP channel is closed again.
func (cw *ChannelWrapper) open() (*amqp.Channel, <-chan *amqp.Error, error) {
	conn, err := cw.manager.GetConnection()
	if err != nil {
		return nil, nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("enable confirm mode: %w", err)
	}

	closeCh := ch.NotifyClose(make(chan *amqp.Error, 1))

	if cw.setup != nil {
		if err := cw.setup(cw.ctx, ch); err != nil {
			_ = ch.Close()
			return nil, nil, err
		}
	}

	return ch, closeCh, nil
}

func (cw *ChannelWrapper) fail(err error, attempt int, delay time.Duration) {
	cw.mu.Lock()
	cw.lastErr = err
	cw.mu.Unlock()

	cw.logger.Error("channel setup failed",
		"error", err,
		"attempt", attempt,
		"nextRetryIn", delay)
	cw.notifyError(&ChannelError{
		Op:        "setup",
		ChannelID: cw.id,
		Name:      cw.name,
		Err:       err,
		Timestamp: time.Now(),
	})
}

func (cw *ChannelWrapper) setReady(ch *amqp.Channel) bool {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.closed {
		return false
	}
	cw.ch = ch
	cw.ready = true
	cw.lastErr = nil
	close(cw.readyCh)
	cw.openOnce.Do(func() { close(cw.firstOpen) })
	return true
}

func (cw *ChannelWrapper) setNotReady() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.ch = nil
	if cw.ready {
		cw.ready = false
		cw.readyCh = make(chan struct{})
	}
}

// WaitForConnect blocks until the first setup succeeded. When ctx expires
// first, the last setup error is reported along with ctx.Err().
func (cw *ChannelWrapper) WaitForConnect(ctx context.Context) error {
	select {
	case <-cw.firstOpen:
		return nil
	case <-cw.ctx.Done():
		return ErrChannelClosed
	case <-ctx.Done():
		cw.mu.RLock()
		lastErr := cw.lastErr
		cw.mu.RUnlock()
		if lastErr != nil {
			return fmt.Errorf("%w (last setup error: %w)", ctx.Err(), lastErr)
		}
		return ctx.Err()
	}
}

// IsReady reports whether the channel is open and set up
func (cw *ChannelWrapper) IsReady() bool {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.ready && !cw.closed
}

// waitReady returns the open channel, waiting for a reconnect and setup in
// progress to finish. When ctx ends first the error wraps both
// ErrChannelNotReady and ctx.Err().
func (cw *ChannelWrapper) waitReady(ctx context.Context) (*amqp.Channel, error) {
	for {
		cw.mu.RLock()
		ch, ready, closed, readyCh := cw.ch, cw.ready, cw.closed, cw.readyCh
		cw.mu.RUnlock()

		if closed {
			return nil, ErrChannelClosed
		}
		if ready && ch != nil {
			return ch, nil
		}

		select {
		case <-readyCh:
		case <-cw.ctx.Done():
			return nil, ErrChannelClosed
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrChannelNotReady, ctx.Err())
		}
	}
}

// Publish publishes msg and waits for the broker confirm. While the channel
// is being reopened the publish waits for the setup to complete, bounded by ctx.
func (cw *ChannelWrapper) Publish(ctx context.Context, exchange, routingKey string, mandatory bool, msg amqp.Publishing) error {
	ch, err := cw.waitReady(ctx)
	if err != nil {
		return err
	}

	publishErr := func(err error) error {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Mandatory:  mandatory,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, mandatory, false, msg)
	if err != nil {
		return publishErr(err)
	}
	if confirm == nil {
		return nil
	}

	confirmCtx, cancel := context.WithTimeout(ctx, cw.confirmTimeout)
	defer cancel()

	acked, err := confirm.WaitContext(confirmCtx)
	if err != nil {
		if ctx.Err() == nil {
			err = ErrConfirmTimeout
		}
		return publishErr(err)
	}
	if !acked {
		return publishErr(ErrPublishNotConfirmed)
	}
	return nil
}

// AddListener adds a channel state listener
func (cw *ChannelWrapper) AddListener(listener ChannelStateListener) {
	cw.listenersMu.Lock()
	defer cw.listenersMu.Unlock()
	cw.listeners = append(cw.listeners, listener)
}

// Close stops the wrapper and closes the AMQP channel
func (cw *ChannelWrapper) Close() error {
	cw.mu.Lock()
	if cw.closed {
		cw.mu.Unlock()
		return nil
	}
	cw.closed = true
	ch := cw.ch
	cw.ch = nil
	cw.ready = false
	cw.mu.Unlock()

	cw.cancel()

	var err error
	if ch != nil && !ch.IsClosed() {
		err = ch.Close()
	}

	cw.logger.Info("channel closed")
	cw.notifyClosed()
	return err
}

func (cw *ChannelWrapper) snapshotListeners() []ChannelStateListener {
	cw.listenersMu.RLock()
	defer cw.listenersMu.RUnlock()
	return append([]ChannelStateListener(nil), cw.listeners...)
}

func (cw *ChannelWrapper) notifyConnected() {
	for _, l := range cw.snapshotListeners() {
		l.OnChannelConnected()
	}
}

func (cw *ChannelWrapper) notifyError(err error) {
	for _, l := range cw.snapshotListeners() {
		l.OnChannelError(err)
	}
}

func (cw *ChannelWrapper) notifyClosed() {
	for _, l := range cw.snapshotListeners() {
		l.OnChannelClosed()
	}
}
