// Package metrics exports relay counters in the Prometheus format. Every method is a no-op on a
// nil *Metrics, so the proxy core calls them unconditionally.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "seqproxy"

type Direction string

const (
	// front-end client to back-end server
	Upstream Direction = "upstream"
	// back-end server to front-end client
	Downstream Direction = "downstream"
)

type Side string

const (
	PipeSide   Side = "pipe"
	SocketSide Side = "socket"
)

type Metrics struct {
	registry *prometheus.Registry

	connectionsAccepted prometheus.Counter
	connectionsActive   prometheus.Gauge
	connectFailures     prometheus.Counter
	messagesRelayed     *prometheus.CounterVec
	bytesRelayed        *prometheus.CounterVec
	bufferGrowths       *prometheus.CounterVec
}

// New registers the relay metrics and the Go runtime collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Front-end clients accepted.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Connections in the registry.",
		}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Back-end connections that could not be established.",
		}),
		messagesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_relayed_total",
			Help:      "Messages forwarded, by direction.",
		}, []string{"direction"}),
		bytesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Payload bytes forwarded, by direction.",
		}, []string{"direction"}),
		bufferGrowths: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_growths_total",
			Help:      "Read buffer reallocations for oversized messages, by side.",
		}, []string{"side"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connectionsAccepted,
		m.connectionsActive,
		m.connectFailures,
		m.messagesRelayed,
		m.bytesRelayed,
		m.bufferGrowths,
	)
	return m
}

func (m *Metrics) ConnectionAccepted() {
	if m == nil {
		return
	}
	m.connectionsAccepted.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *Metrics) ConnectFailed() {
	if m == nil {
		return
	}
	m.connectFailures.Inc()
}

func (m *Metrics) MessageRelayed(d Direction, size int) {
	if m == nil {
		return
	}
	m.messagesRelayed.WithLabelValues(string(d)).Inc()
	m.bytesRelayed.WithLabelValues(string(d)).Add(float64(size))
}

func (m *Metrics) BufferGrown(s Side) {
	if m == nil {
		return
	}
	m.bufferGrowths.WithLabelValues(string(s)).Inc()
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
