// Package metrics exports publish, delivery and link metrics to Prometheus.
//
// A Collector is both a queue.Observer, passed to emitters and consumers with
// queue.WithObserver, and a link listener, registered on a RabbitMQ link with
// AddListener.
package metrics

import (
	"strconv"

	"github.com/glimte/steadyq/queue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "steadyq"

// Collector records metrics in a Prometheus registry
type Collector struct {
	published       *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	publishDelays   *prometheus.HistogramVec
	publishTimeouts *prometheus.CounterVec

	processed   *prometheus.CounterVec
	failed      *prometheus.CounterVec
	ackFailures *prometheus.CounterVec

	connected      prometheus.Gauge
	blocked        prometheus.Gauge
	connects       prometheus.Counter
	disconnects    prometheus.Counter
	connectFailure prometheus.Counter
	linkErrors     prometheus.Counter
}

var _ queue.Observer = (*Collector)(nil)

// NewCollector registers the steadyq metrics with reg. A nil reg uses the
// default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		published: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Messages accepted by the broker.",
		}, []string{"queue"}),
		publishFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Publishes rejected by the transport.",
		}, []string{"queue"}),
		publishDelays: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_connectivity_polls",
			Help:      "Connectivity polls made by publishes issued while the link was down.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13},
		}, []string{"queue"}),
		publishTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_timeouts_total",
			Help:      "Publishes abandoned after the retry budget was spent.",
		}, []string{"queue"}),
		processed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_processed_total",
			Help:      "Deliveries processed successfully.",
		}, []string{"queue"}),
		failed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_failed_total",
			Help:      "Deliveries whose processing failed, by requeue decision.",
		}, []string{"queue", "requeue"}),
		ackFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acknowledgement_failures_total",
			Help:      "Ack or nack calls that failed.",
		}, []string{"queue"}),
		connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "link_connected",
			Help:      "1 while the broker link is connected.",
		}),
		blocked: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "link_blocked",
			Help:      "1 while the broker blocks publishing on the link.",
		}),
		connects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_connects_total",
			Help:      "Successful broker connections.",
		}),
		disconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_disconnects_total",
			Help:      "Lost broker connections.",
		}),
		connectFailure: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_connect_failures_total",
			Help:      "Failed connection attempts.",
		}),
		linkErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_errors_total",
			Help:      "Channel errors reported by the link.",
		}),
	}
}

func (c *Collector) PublishSent(queue string) {
	c.published.WithLabelValues(queue).Inc()
}

func (c *Collector) PublishFailed(queue string) {
	c.publishFailures.WithLabelValues(queue).Inc()
}

func (c *Collector) PublishDelayed(queue string, polls int) {
	c.publishDelays.WithLabelValues(queue).Observe(float64(polls))
}

func (c *Collector) PublishTimedOut(queue string) {
	c.publishTimeouts.WithLabelValues(queue).Inc()
}

func (c *Collector) DeliveryProcessed(queue string) {
	c.processed.WithLabelValues(queue).Inc()
}

func (c *Collector) DeliveryFailed(queue string, requeue bool) {
	c.failed.WithLabelValues(queue, strconv.FormatBool(requeue)).Inc()
}

func (c *Collector) AcknowledgementFailed(queue string) {
	c.ackFailures.WithLabelValues(queue).Inc()
}

// Link events

func (c *Collector) OnConnect() {
	c.connected.Set(1)
	c.connects.Inc()
}

func (c *Collector) OnDisconnect(error) {
	c.connected.Set(0)
	c.blocked.Set(0)
	c.disconnects.Inc()
}

func (c *Collector) OnConnectFailed(error) {
	c.connectFailure.Inc()
}

func (c *Collector) OnBlocked(string) {
	c.blocked.Set(1)
}

func (c *Collector) OnUnblocked() {
	c.blocked.Set(0)
}

func (c *Collector) OnError(error) {
	c.linkErrors.Inc()
}
