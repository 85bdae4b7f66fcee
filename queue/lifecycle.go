package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Lifecycle maintains one logical channel bound to a queue. Every time the
// transport channel opens, the queue assertion and the caller's setup run as
// one setup group; the channel is only considered ready once the whole group
// succeeded.
type Lifecycle struct {
	link      Link
	log       Logger
	component string
	queue     string
	queueOpts QueueOptions

	mu      sync.Mutex
	channel Channel
	closed  bool
	// retired stops the current channel's setup from running again
	retired *atomic.Bool

	// setupMu makes each setup group a critical section
	setupMu sync.Mutex
}

// NewLifecycle creates a lifecycle for queue. component names the owner in log records.
func NewLifecycle(link Link, log Logger, component, queue string, opts QueueOptions) *Lifecycle {
	return &Lifecycle{
		link:      link,
		log:       orNop(log),
		component: component,
		queue:     queue,
		queueOpts: opts,
	}
}

// Establish requests the channel from the link and waits until its first
// setup group succeeds. It is idempotent: once a channel exists it returns
// immediately without touching the link.
//
// setup runs in parallel with the queue assertion. register, if not nil, is
// started with them but only issues its broker calls after both succeeded.
func (l *Lifecycle) Establish(ctx context.Context, setup, register SetupFunc) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrChannelClosed
	}
	if l.channel != nil {
		l.mu.Unlock()
		return nil
	}

	retired := &atomic.Bool{}
	ch := l.link.CreateChannel(ChannelConfig{
		Name: l.queue,
		JSON: true,
		Setup: func(ctx context.Context, sc SetupChannel) error {
			if retired.Load() {
				return ErrChannelClosed
			}
			return l.runSetup(ctx, sc, setup, register)
		},
		Listener: &lifecycleEvents{l: l},
	})
	l.channel = ch
	l.retired = retired
	l.mu.Unlock()

	return l.WaitUntilReady(ctx)
}

func (l *Lifecycle) runSetup(ctx context.Context, sc SetupChannel, setup, register SetupFunc) error {
	l.setupMu.Lock()
	defer l.setupMu.Unlock()

	l.log.Info("asserting queue channel", attrs(l.component, l.queue)...)

	if err := l.setupGroup(ctx, sc, setup, register); err != nil {
		l.log.Error("asserting queue channel failed", attrs(l.component, l.queue, errAttrs(err)...)...)
		return &SetupError{Component: l.component, Queue: l.queue, Err: err}
	}
	return nil
}

func (l *Lifecycle) setupGroup(ctx context.Context, sc SetupChannel, setup, register SetupFunc) error {
	g, gctx := errgroup.WithContext(ctx)

	// basic.consume on an undeclared queue closes the channel, so the
	// registration waits for the other members before talking to the broker
	var (
		prepared sync.WaitGroup
		failed   atomic.Bool
	)
	member := func(fn func() error) func() error {
		prepared.Add(1)
		return func() error {
			defer prepared.Done()
			err := fn()
			if err != nil {
				failed.Store(true)
			}
			return err
		}
	}

	g.Go(member(func() error {
		return sc.AssertQueue(gctx, l.queue, l.queueOpts)
	}))
	g.Go(member(func() error {
		if setup == nil {
			return nil
		}
		return setup(gctx, sc)
	}))
	if register != nil {
		g.Go(func() error {
			prepared.Wait()
			if failed.Load() {
				return nil
			}
			if err := gctx.Err(); err != nil {
				return err
			}
			return register(gctx, sc)
		})
	}

	return g.Wait()
}

// WaitUntilReady blocks until the first setup group succeeded
func (l *Lifecycle) WaitUntilReady(ctx context.Context) error {
	ch, err := l.Channel()
	if err != nil {
		return err
	}
	return ch.WaitForConnect(ctx)
}

// Channel returns the established channel
func (l *Lifecycle) Channel() (Channel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrChannelClosed
	}
	if l.channel == nil {
		return nil, ErrChannelNotEstablished
	}
	return l.channel, nil
}

// Established reports whether a channel was requested from the link
func (l *Lifecycle) Established() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.channel != nil
}

// IsConnected reports whether both the link and the channel are connected
func (l *Lifecycle) IsConnected() bool {
	ch, err := l.Channel()
	if err != nil {
		return false
	}
	return l.link.IsConnected() && ch.IsConnected()
}

// Close releases the transport channel. Later operations fail with ErrChannelClosed.
func (l *Lifecycle) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	if l.channel == nil {
		return ErrChannelNotEstablished
	}
	l.closed = true
	return l.channel.Close()
}

// Discard closes the current channel and forgets it, so the next Establish
// requests a fresh one. The discarded channel never runs its setup again.
func (l *Lifecycle) Discard() error {
	l.mu.Lock()
	ch, retired := l.channel, l.retired
	l.channel, l.retired = nil, nil
	l.mu.Unlock()

	if ch == nil {
		return nil
	}
	retired.Store(true)
	return ch.Close()
}

// lifecycleEvents logs channel notifications for a lifecycle
type lifecycleEvents struct {
	l *Lifecycle
}

func (e *lifecycleEvents) OnConnect() {
	e.l.log.Info("asserted channel connection to queue", attrs(e.l.component, e.l.queue)...)
}

func (e *lifecycleEvents) OnError(err error) {
	e.l.log.Error("channel error for queue", attrs(e.l.component, e.l.queue, errAttrs(err)...)...)
}

func (e *lifecycleEvents) OnClose() {
	e.l.log.Info("channel closed for queue", attrs(e.l.component, e.l.queue)...)
}
