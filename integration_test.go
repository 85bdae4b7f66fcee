//go:build integration

package steadyq_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/glimte/steadyq"
	"github.com/glimte/steadyq/queue"
	"github.com/glimte/steadyq/transports/rabbitmq"
)

type job struct {
	Name string `json:"name"`
}

func TestPublishThenConsumeIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	url := startRabbitMQContainer(t, ctx)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	link, err := steadyq.NewConnector(logger).Connect(ctx, url, rabbitmq.WithLinkLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = link.Close() })

	const queueName = "consumer_test_jobs"

	emitter, err := queue.NewEmitter[job](ctx, link, logger, queueName)
	require.NoError(t, err)
	t.Cleanup(func() { _ = emitter.Close() })

	require.NoError(t, emitter.Emit(ctx, job{Name: "John"}))
	require.NoError(t, emitter.Emit(ctx, job{Name: "Nicholas"}))

	var (
		mu       sync.Mutex
		consumed []string
	)
	consumer := queue.NewConsumer[job](link, logger, queueName, queue.WithPrefetch(1))
	t.Cleanup(func() { _ = consumer.Close() })

	err = consumer.Subscribe(ctx, func(_ context.Context, j job) error {
		mu.Lock()
		defer mu.Unlock()
		consumed = append(consumed, j.Name)
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(consumed) == 2
	}, 10*time.Second, 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"John", "Nicholas"}, consumed)
}

func TestFailedProcessingIsRedeliveredOnceIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	url := startRabbitMQContainer(t, ctx)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	link, err := steadyq.NewConnector(logger).Connect(ctx, url, rabbitmq.WithLinkLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = link.Close() })

	const queueName = "failing_jobs"

	emitter, err := queue.NewEmitter[job](ctx, link, logger, queueName)
	require.NoError(t, err)
	t.Cleanup(func() { _ = emitter.Close() })
	require.NoError(t, emitter.Emit(ctx, job{Name: "John"}))

	var (
		mu       sync.Mutex
		attempts int
	)
	consumer := queue.NewConsumer[job](link, logger, queueName, queue.WithPrefetch(1))
	t.Cleanup(func() { _ = consumer.Close() })

	err = consumer.Subscribe(ctx, func(context.Context, job) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return fmt.Errorf("attempt %d failed", attempts)
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 2
	}, 10*time.Second, 50*time.Millisecond)

	// the redelivered message was dropped, not requeued again
	time.Sleep(500 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
}

func startRabbitMQContainer(t *testing.T, ctx context.Context) string {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-alpine",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForLog("Server startup complete"),
			wait.ForListeningPort("5672/tcp"),
		).WithDeadline(2 * time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("start rabbitmq container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err, "resolve host")
	port, err := container.MappedPort(ctx, "5672/tcp")
	require.NoError(t, err, "resolve port")

	return fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
}
