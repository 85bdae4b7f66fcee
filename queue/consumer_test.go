package queue

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func subscribed(t *testing.T, processor Processor[job], options ...Option) (*Consumer[job], *fakeSetupChannel) {
	t.Helper()
	link := newFakeLink(true)
	c := NewConsumer[job](link, nil, "jobs", options...)
	require.NoError(t, c.Subscribe(context.Background(), processor))
	return c, link.channel(0).sc
}

func succeed(context.Context, job) error { return nil }

func fail(context.Context, job) error { return errors.New("processing failed") }

func TestNewConsumer(t *testing.T) {
	t.Run("uses defaults", func(t *testing.T) {
		c := NewConsumer[job](newFakeLink(true), nil, "jobs")

		assert.True(t, c.cfg.queue.Durable)
		assert.False(t, c.cfg.consume.NoAck)
		assert.False(t, c.cfg.consume.Exclusive)
		assert.False(t, c.cfg.consume.NoLocal)
		assert.True(t, strings.HasPrefix(c.ConsumerTag(), "queue-consumer-"))
	})

	t.Run("tags are unique per instance", func(t *testing.T) {
		a := NewConsumer[job](newFakeLink(true), nil, "jobs")
		b := NewConsumer[job](newFakeLink(true), nil, "jobs")

		assert.NotEqual(t, a.ConsumerTag(), b.ConsumerTag())
	})

	t.Run("options override defaults", func(t *testing.T) {
		c := NewConsumer[job](newFakeLink(true), nil, "jobs",
			WithDurable(false), WithConsumerTag("worker-1"), WithExclusive(true))

		assert.False(t, c.cfg.queue.Durable)
		assert.Equal(t, "worker-1", c.ConsumerTag())
		assert.True(t, c.cfg.consume.Exclusive)
	})
}

func TestConsumerSubscribe(t *testing.T) {
	t.Run("registers after asserting the queue", func(t *testing.T) {
		_, sc := subscribed(t, succeed, WithPrefetch(1))

		ops, asserts, consumes, _, _ := sc.snapshot()
		require.Len(t, consumes, 1)
		assert.Equal(t, "jobs", consumes[0].queue)
		assert.Equal(t, "jobs", asserts[0].name)
		assert.Equal(t, []int{1}, sc.prefetch)
		assert.Equal(t, "consume", ops[len(ops)-1])
	})

	t.Run("runs channel setup", func(t *testing.T) {
		var called atomic.Bool
		_, _ = subscribed(t, succeed, WithChannelSetup(func(context.Context, SetupChannel) error {
			called.Store(true)
			return nil
		}))

		assert.True(t, called.Load())
	})

	t.Run("rejects a nil processor", func(t *testing.T) {
		c := NewConsumer[job](newFakeLink(true), nil, "jobs")

		err := c.Subscribe(context.Background(), nil)

		assert.ErrorIs(t, err, ErrNilProcessor)
	})

	t.Run("rejects a second subscription", func(t *testing.T) {
		link := newFakeLink(true)
		c := NewConsumer[job](link, nil, "jobs")
		require.NoError(t, c.Subscribe(context.Background(), succeed))

		err := c.Subscribe(context.Background(), succeed)

		assert.ErrorIs(t, err, ErrAlreadySubscribed)
		assert.Equal(t, 1, link.created())
	})

	t.Run("failed subscribe does not process later deliveries", func(t *testing.T) {
		link := newFakeLink(true)
		var setups atomic.Int32
		c := NewConsumer[job](link, nil, "jobs", WithChannelSetup(func(context.Context, SetupChannel) error {
			if setups.Add(1) == 1 {
				return errors.New("boom")
			}
			return nil
		}))
		var processed atomic.Int32
		processor := func(context.Context, job) error {
			processed.Add(1)
			return nil
		}

		require.Error(t, c.Subscribe(context.Background(), processor))

		first := link.channel(0)
		assert.True(t, first.isClosed())
		assert.False(t, c.IsConnected())
		assert.ErrorIs(t, first.reopen(context.Background()), ErrChannelClosed)
		_, _, consumes, _, _ := first.sc.snapshot()
		assert.Empty(t, consumes)

		require.NoError(t, c.Subscribe(context.Background(), processor))
		require.Equal(t, 2, link.created())
		require.NoError(t, link.channel(1).sc.deliver(&Delivery{Body: []byte(`{"name":"John"}`)}))
		assert.Equal(t, int32(1), processed.Load())
	})

	t.Run("replays the registration on reopen", func(t *testing.T) {
		link := newFakeLink(true)
		c := NewConsumer[job](link, nil, "jobs")
		require.NoError(t, c.Subscribe(context.Background(), succeed))

		require.NoError(t, link.channel(0).reopen(context.Background()))

		_, _, consumes, _, _ := link.channel(0).sc.snapshot()
		assert.Len(t, consumes, 2)
	})
}

func TestConsumerDelivery(t *testing.T) {
	t.Run("acknowledges exactly once on success", func(t *testing.T) {
		var got job
		_, sc := subscribed(t, func(_ context.Context, msg job) error {
			got = msg
			return nil
		})
		d := &Delivery{Body: []byte(`{"name":"John"}`), DeliveryTag: 1}

		sc.deliver(d)

		_, _, _, acks, nacks := sc.snapshot()
		assert.Equal(t, job{Name: "John"}, got)
		require.Len(t, acks, 1)
		assert.Same(t, d, acks[0])
		assert.Empty(t, nacks)
	})

	t.Run("requeues a fresh message that fails", func(t *testing.T) {
		_, sc := subscribed(t, fail)
		d := &Delivery{Body: []byte(`{"name":"John"}`), DeliveryTag: 1}

		sc.deliver(d)

		_, _, _, acks, nacks := sc.snapshot()
		assert.Empty(t, acks)
		require.Len(t, nacks, 1)
		assert.Same(t, d, nacks[0].delivery)
		assert.False(t, nacks[0].multiple)
		assert.True(t, nacks[0].requeue)
	})

	t.Run("drops a redelivered message that fails again", func(t *testing.T) {
		_, sc := subscribed(t, fail)
		d := &Delivery{Body: []byte(`{"name":"John"}`), DeliveryTag: 2, Redelivered: true}

		sc.deliver(d)

		_, _, _, acks, nacks := sc.snapshot()
		assert.Empty(t, acks)
		require.Len(t, nacks, 1)
		assert.False(t, nacks[0].requeue)
	})

	t.Run("treats a decode failure as a processing failure", func(t *testing.T) {
		var calls atomic.Int32
		_, sc := subscribed(t, func(context.Context, job) error {
			calls.Add(1)
			return nil
		})

		sc.deliver(&Delivery{Body: []byte("not json")})

		_, _, _, acks, nacks := sc.snapshot()
		assert.Zero(t, calls.Load())
		assert.Empty(t, acks)
		require.Len(t, nacks, 1)
		assert.True(t, nacks[0].requeue)
	})

	t.Run("recovers a panicking processor", func(t *testing.T) {
		_, sc := subscribed(t, func(context.Context, job) error {
			panic("unexpected state")
		})

		assert.NotPanics(t, func() {
			sc.deliver(&Delivery{Body: []byte(`{"name":"John"}`)})
		})

		_, _, _, _, nacks := sc.snapshot()
		require.Len(t, nacks, 1)
	})

	t.Run("makes no acknowledgement calls without ack mode", func(t *testing.T) {
		for _, processor := range []Processor[job]{succeed, fail} {
			_, sc := subscribed(t, processor, WithNoAck(true))

			sc.deliver(&Delivery{Body: []byte(`{"name":"John"}`)})

			_, _, consumes, acks, nacks := sc.snapshot()
			assert.True(t, consumes[0].opts.NoAck)
			assert.Empty(t, acks)
			assert.Empty(t, nacks)
		}
	})

	t.Run("swallows and logs a failing nack", func(t *testing.T) {
		var buf bytes.Buffer
		log := slog.New(slog.NewJSONHandler(&buf, nil))
		link := newFakeLink(true)
		obs := &countingObserver{}
		c := NewConsumer[job](link, log, "jobs", WithObserver(obs))
		require.NoError(t, c.Subscribe(context.Background(), fail))
		sc := link.channel(0).sc
		sc.nackErr = errors.New("channel closed")

		assert.NotPanics(t, func() {
			sc.deliver(&Delivery{Body: []byte(`{"name":"John"}`)})
		})

		assert.Contains(t, buf.String(), "error processing message")
		assert.Contains(t, buf.String(), "error rejecting message")
		assert.Equal(t, int32(1), obs.ackFailed.Load())
		assert.Equal(t, int32(1), obs.requeued.Load())
	})

	t.Run("swallows and logs a failing ack", func(t *testing.T) {
		var buf bytes.Buffer
		log := slog.New(slog.NewJSONHandler(&buf, nil))
		link := newFakeLink(true)
		c := NewConsumer[job](link, log, "jobs")
		require.NoError(t, c.Subscribe(context.Background(), succeed))
		sc := link.channel(0).sc
		sc.ackErr = errors.New("channel closed")

		assert.NotPanics(t, func() {
			sc.deliver(&Delivery{Body: []byte(`{"name":"John"}`)})
		})

		_, _, _, acks, nacks := sc.snapshot()
		assert.Len(t, acks, 1)
		assert.Empty(t, nacks)
		assert.Contains(t, buf.String(), "error acknowledging message")
	})

	t.Run("passes the delivery context to the processor", func(t *testing.T) {
		type key struct{}
		var got any
		_, sc := subscribed(t, func(ctx context.Context, _ job) error {
			got = ctx.Value(key{})
			return nil
		})

		sc.deliver(&Delivery{
			Body:    []byte(`{"name":"John"}`),
			Context: context.WithValue(context.Background(), key{}, "trace"),
		})

		assert.Equal(t, "trace", got)
	})
}

func TestConsumerState(t *testing.T) {
	t.Run("close before subscribe", func(t *testing.T) {
		c := NewConsumer[job](newFakeLink(true), nil, "jobs")

		assert.ErrorIs(t, c.Close(), ErrNotSubscribed)
	})

	t.Run("connected once subscribed", func(t *testing.T) {
		link := newFakeLink(true)
		c := NewConsumer[job](link, nil, "jobs")
		assert.False(t, c.IsConnected())

		require.NoError(t, c.Subscribe(context.Background(), succeed))
		assert.True(t, c.IsConnected())

		link.connected.Store(false)
		assert.False(t, c.IsConnected())
	})

	t.Run("close releases the channel", func(t *testing.T) {
		link := newFakeLink(true)
		c := NewConsumer[job](link, nil, "jobs")
		require.NoError(t, c.Subscribe(context.Background(), succeed))

		require.NoError(t, c.Close())

		assert.True(t, link.channel(0).isClosed())
	})
}
