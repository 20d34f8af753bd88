// Package metrics exposes Prometheus collectors for the connection core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "roomchat").
	Namespace string

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the collectors.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

// Metrics holds the collectors. A nil *Metrics is valid and records nothing,
// so components can be built without metrics in tests.
type Metrics struct {
	activeConnections prometheus.Gauge
	framesIn          *prometheus.CounterVec
	framesOut         prometheus.Counter
	teardowns         *prometheus.CounterVec
	poolMisuse        prometheus.Counter
	queueOverflows    prometheus.Counter
	roomMembers       prometheus.Gauge
	broadcasts        prometheus.Counter
}

// New registers the collectors on the configured registry.
func New(opts ...Option) *Metrics {
	config := Config{
		Namespace: "roomchat",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&config)
	}

	factory := promauto.With(config.Registry)

	return &Metrics{
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Name:      "active_connections",
			Help:      "Number of busy connection slots",
		}),

		framesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "frames_received_total",
			Help:      "Frames read from clients by command",
		}, []string{"command"}),

		framesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "frames_sent_total",
			Help:      "Frames written to clients",
		}),

		teardowns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "teardowns_total",
			Help:      "Connection teardowns by reason",
		}, []string{"reason"}),

		poolMisuse: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "pool_misuse_total",
			Help:      "Reuse calls on slots that were still busy",
		}),

		queueOverflows: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "queue_overflows_total",
			Help:      "Connections dropped because their outbound queue filled up",
		}),

		roomMembers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Name:      "room_members",
			Help:      "Clients currently joined to a room",
		}),

		broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "broadcasts_total",
			Help:      "Text deliveries fanned out to rooms",
		}),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.activeConnections.Inc()
	}
}

func (m *Metrics) ConnectionClosed(reason string) {
	if m != nil {
		m.activeConnections.Dec()
		m.teardowns.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) FrameReceived(command string) {
	if m != nil {
		m.framesIn.WithLabelValues(command).Inc()
	}
}

func (m *Metrics) FrameSent() {
	if m != nil {
		m.framesOut.Inc()
	}
}

func (m *Metrics) PoolMisuse() {
	if m != nil {
		m.poolMisuse.Inc()
	}
}

func (m *Metrics) QueueOverflow() {
	if m != nil {
		m.queueOverflows.Inc()
	}
}

func (m *Metrics) MemberJoined() {
	if m != nil {
		m.roomMembers.Inc()
	}
}

func (m *Metrics) MemberLeft() {
	if m != nil {
		m.roomMembers.Dec()
	}
}

func (m *Metrics) Broadcast() {
	if m != nil {
		m.broadcasts.Inc()
	}
}

// Handler serves the metrics of the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
