package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type job struct {
	Name string `json:"name"`
}

// fakeLink is an in-memory Link whose connectivity is toggled by tests
type fakeLink struct {
	connected atomic.Bool

	mu       sync.Mutex
	channels []*fakeChannel
}

func newFakeLink(connected bool) *fakeLink {
	l := &fakeLink{}
	l.connected.Store(connected)
	return l
}

func (l *fakeLink) IsConnected() bool {
	return l.connected.Load()
}

func (l *fakeLink) CreateChannel(cfg ChannelConfig) Channel {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch := &fakeChannel{cfg: cfg, sc: &fakeSetupChannel{}}
	if cfg.Listener != nil {
		ch.listeners = append(ch.listeners, cfg.Listener)
	}
	l.channels = append(l.channels, ch)
	return ch
}

func (l *fakeLink) created() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.channels)
}

func (l *fakeLink) channel(i int) *fakeChannel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.channels[i]
}

type sendCall struct {
	queue   string
	payload any
	opts    PublishOptions
}

// fakeChannel runs its setup routine on the first WaitForConnect and on
// every reopen, like a transport channel that survives reconnects
type fakeChannel struct {
	cfg ChannelConfig
	sc  *fakeSetupChannel

	mu        sync.Mutex
	ready     bool
	closed    bool
	setups    int
	sends     []sendCall
	sendErr   error
	listeners []ChannelListener
}

func (c *fakeChannel) WaitForConnect(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	if ready {
		return nil
	}
	return c.reopen(ctx)
}

// reopen simulates the transport channel being (re)established
func (c *fakeChannel) reopen(ctx context.Context) error {
	c.mu.Lock()
	c.setups++
	c.mu.Unlock()

	if err := c.cfg.Setup(ctx, c.sc); err != nil {
		for _, l := range c.snapshotListeners() {
			l.OnError(err)
		}
		return err
	}

	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	for _, l := range c.snapshotListeners() {
		l.OnConnect()
	}
	return nil
}

func (c *fakeChannel) snapshotListeners() []ChannelListener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ChannelListener(nil), c.listeners...)
}

func (c *fakeChannel) SendToQueue(_ context.Context, queue string, payload any, opts PublishOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sends = append(c.sends, sendCall{queue: queue, payload: payload, opts: opts})
	return nil
}

func (c *fakeChannel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready && !c.closed
}

func (c *fakeChannel) AddListener(l ChannelListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	for _, l := range c.snapshotListeners() {
		l.OnClose()
	}
	return nil
}

func (c *fakeChannel) sent() []sendCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sendCall(nil), c.sends...)
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) setupCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setups
}

type assertCall struct {
	name string
	opts QueueOptions
}

type consumeCall struct {
	queue   string
	handler DeliveryHandler
	opts    ConsumeOptions
}

type nackCall struct {
	delivery *Delivery
	multiple bool
	requeue  bool
}

// fakeSetupChannel records every broker call made through it
type fakeSetupChannel struct {
	assertErr   error
	assertDelay time.Duration
	ackErr      error
	nackErr     error

	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	mu       sync.Mutex
	ops      []string
	asserts  []assertCall
	prefetch []int
	consumes []consumeCall
	acks     []*Delivery
	nacks    []nackCall
}

func (s *fakeSetupChannel) record(op string) {
	s.ops = append(s.ops, op)
}

func (s *fakeSetupChannel) AssertQueue(_ context.Context, name string, opts QueueOptions) error {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		m := s.maxInFlight.Load()
		if n <= m || s.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	if s.assertDelay > 0 {
		time.Sleep(s.assertDelay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("assert")
	if s.assertErr != nil {
		return s.assertErr
	}
	s.asserts = append(s.asserts, assertCall{name: name, opts: opts})
	return nil
}

func (s *fakeSetupChannel) Prefetch(count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("prefetch")
	s.prefetch = append(s.prefetch, count)
	return nil
}

func (s *fakeSetupChannel) Consume(_ context.Context, queue string, handler DeliveryHandler, opts ConsumeOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("consume")
	s.consumes = append(s.consumes, consumeCall{queue: queue, handler: handler, opts: opts})
	return nil
}

func (s *fakeSetupChannel) Ack(d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks = append(s.acks, d)
	return s.ackErr
}

func (s *fakeSetupChannel) Nack(d *Delivery, multiple, requeue bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nacks = append(s.nacks, nackCall{delivery: d, multiple: multiple, requeue: requeue})
	return s.nackErr
}

// deliver hands d to the most recent consumer registration
func (s *fakeSetupChannel) deliver(d *Delivery) error {
	s.mu.Lock()
	handler := s.consumes[len(s.consumes)-1].handler
	s.mu.Unlock()
	return handler(d)
}

func (s *fakeSetupChannel) snapshot() (ops []string, asserts []assertCall, consumes []consumeCall, acks []*Delivery, nacks []nackCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...),
		append([]assertCall(nil), s.asserts...),
		append([]consumeCall(nil), s.consumes...),
		append([]*Delivery(nil), s.acks...),
		append([]nackCall(nil), s.nacks...)
}

// countingObserver records Observer notifications
type countingObserver struct {
	sent, failed, timedOut, delayed atomic.Int32
	processed, deliveryFailed       atomic.Int32
	requeued, ackFailed             atomic.Int32
}

func (o *countingObserver) PublishSent(string)         { o.sent.Add(1) }
func (o *countingObserver) PublishFailed(string)       { o.failed.Add(1) }
func (o *countingObserver) PublishDelayed(string, int) { o.delayed.Add(1) }
func (o *countingObserver) PublishTimedOut(string)     { o.timedOut.Add(1) }
func (o *countingObserver) DeliveryProcessed(string)   { o.processed.Add(1) }
func (o *countingObserver) DeliveryFailed(_ string, requeue bool) {
	o.deliveryFailed.Add(1)
	if requeue {
		o.requeued.Add(1)
	}
}
func (o *countingObserver) AcknowledgementFailed(string) { o.ackFailed.Add(1) }
