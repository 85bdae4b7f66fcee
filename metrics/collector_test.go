package metrics

import (
	"errors"
	"strings"
	"testing"

	"github.com/glimte/steadyq/transports/rabbitmq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ rabbitmq.LinkListener = (*Collector)(nil)

func TestCollectorPublish(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.PublishSent("jobs")
	c.PublishSent("jobs")
	c.PublishFailed("jobs")
	c.PublishDelayed("jobs", 2)
	c.PublishTimedOut("jobs")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.published.WithLabelValues("jobs")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.publishFailures.WithLabelValues("jobs")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.publishTimeouts.WithLabelValues("jobs")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.publishDelays))
}

func TestCollectorDelivery(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.DeliveryProcessed("jobs")
	c.DeliveryFailed("jobs", true)
	c.DeliveryFailed("jobs", false)
	c.DeliveryFailed("jobs", false)
	c.AcknowledgementFailed("jobs")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.processed.WithLabelValues("jobs")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.failed.WithLabelValues("jobs", "true")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.failed.WithLabelValues("jobs", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ackFailures.WithLabelValues("jobs")))
}

func TestCollectorLink(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.OnConnectFailed(errors.New("refused"))
	c.OnConnect()
	c.OnBlocked("low on memory")
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connected))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.blocked))

	c.OnDisconnect(errors.New("connection reset"))
	c.OnError(errors.New("channel error"))

	assert.Equal(t, 0.0, testutil.ToFloat64(c.connected))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.blocked))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connects))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.disconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connectFailure))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.linkErrors))
}

func TestCollectorRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.PublishSent("jobs")

	expected := `
# HELP steadyq_messages_published_total Messages accepted by the broker.
# TYPE steadyq_messages_published_total counter
steadyq_messages_published_total{queue="jobs"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "steadyq_messages_published_total"))

	assert.Panics(t, func() { NewCollector(reg) })
}
