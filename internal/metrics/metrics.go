// Package metrics exposes the hub's operational counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/eleven-am/roomhub/hub"
)

// Collector implements hub.MetricsCollector on top of a Prometheus registerer. Room
// names are never used as labels.
type Collector struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Connection metrics
	ConnectionsOpened  *prometheus.CounterVec
	ConnectionsActive  prometheus.Gauge
	ConnectionLifetime prometheus.Histogram
	HandshakesRejected *prometheus.CounterVec

	// Room metrics
	RoomJoins          prometheus.Counter
	RoomLeaves         prometheus.Counter
	PresenceBroadcasts *prometheus.CounterVec
	PresenceFanout     prometheus.Histogram

	// Delivery metrics
	MessagesSent     prometheus.Counter
	MessageFanout    prometheus.Histogram
	DeliveryOutcomes *prometheus.CounterVec
	DeliveryAttempts prometheus.Histogram

	Errors *prometheus.CounterVec
}

// New registers every metric on reg. Passing prometheus.DefaultRegisterer exposes them
// on the default /metrics handler.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomhub_http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "roomhub_http_request_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method", "path"},
		),

		ConnectionsOpened: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomhub_connections_opened_total",
				Help: "Total connections that became active",
			},
			[]string{"transport"},
		),
		ConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "roomhub_connections_active",
				Help: "Currently active connections",
			},
		),
		ConnectionLifetime: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "roomhub_connection_lifetime_seconds",
				Help:    "Time from activation to close",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
		),
		HandshakesRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomhub_handshakes_rejected_total",
				Help: "Handshakes refused during identity resolution",
			},
			[]string{"reason"},
		),

		RoomJoins: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "roomhub_room_joins_total",
				Help: "Effective room joins",
			},
		),
		RoomLeaves: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "roomhub_room_leaves_total",
				Help: "Effective room leaves, including disconnect cleanup",
			},
		),
		PresenceBroadcasts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomhub_presence_events_total",
				Help: "Presence transitions broadcast",
			},
			[]string{"kind"},
		),
		PresenceFanout: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "roomhub_presence_fanout",
				Help:    "Connections receiving each presence event",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
		),

		MessagesSent: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "roomhub_messages_sent_total",
				Help: "Chat messages accepted for delivery",
			},
		),
		MessageFanout: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "roomhub_message_fanout",
				Help:    "Recipients per accepted message",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
		DeliveryOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomhub_delivery_outcomes_total",
				Help: "Terminal recipient states",
			},
			[]string{"state"},
		),
		DeliveryAttempts: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "roomhub_delivery_attempts",
				Help:    "Attempts used per settled recipient",
				Buckets: prometheus.LinearBuckets(1, 1, 6),
			},
		),

		Errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomhub_errors_total",
				Help: "Errors by component",
			},
			[]string{"component"},
		),
	}
}

func (c *Collector) ConnectionOpened(_ string, transport hub.TransportType) {
	c.ConnectionsOpened.WithLabelValues(string(transport)).Inc()
	c.ConnectionsActive.Inc()
}

func (c *Collector) ConnectionClosed(_ string, duration time.Duration) {
	c.ConnectionsActive.Dec()
	c.ConnectionLifetime.Observe(duration.Seconds())
}

func (c *Collector) HandshakeRejected(reason hub.Reason) {
	c.HandshakesRejected.WithLabelValues(string(reason)).Inc()
}

func (c *Collector) RoomJoined(string) {
	c.RoomJoins.Inc()
}

func (c *Collector) RoomLeft(string) {
	c.RoomLeaves.Inc()
}

func (c *Collector) PresenceBroadcast(kind hub.PresenceKind, recipientCount int) {
	c.PresenceBroadcasts.WithLabelValues(string(kind)).Inc()
	c.PresenceFanout.Observe(float64(recipientCount))
}

func (c *Collector) MessageSent(_ string, recipientCount int) {
	c.MessagesSent.Inc()
	c.MessageFanout.Observe(float64(recipientCount))
}

func (c *Collector) DeliveryOutcome(state hub.AckState, attempts int) {
	c.DeliveryOutcomes.WithLabelValues(string(state)).Inc()
	c.DeliveryAttempts.Observe(float64(attempts))
}

func (c *Collector) Error(component string, _ error) {
	c.Errors.WithLabelValues(component).Inc()
}

// ObserveRequest records one served HTTP request.
func (c *Collector) ObserveRequest(method, path string, status int, duration time.Duration) {
	c.HTTPRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	c.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

var _ hub.MetricsCollector = (*Collector)(nil)
