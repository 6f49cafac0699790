package relay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type relayMetrics struct {
	activeConnections prometheus.Gauge
	activeRooms       prometheus.Gauge
	activeServers     prometheus.Gauge
	connectionsTotal  prometheus.Counter
	messagesRouted    *prometheus.CounterVec
	messagesDropped   *prometheus.CounterVec
	routeErrors       *prometheus.CounterVec
	handleLatency     *prometheus.HistogramVec
	sweepEvictions    *prometheus.CounterVec
}

func newRelayMetrics(reg prometheus.Registerer) *relayMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &relayMetrics{
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audiio_relay_connections_active",
			Help: "Current number of live client connections.",
		}),
		activeRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audiio_relay_rooms_active",
			Help: "Current number of v1 room records.",
		}),
		activeServers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audiio_relay_servers_active",
			Help: "Current number of v2 server records.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audiio_relay_connections_total",
			Help: "Total connections accepted since start.",
		}),
		messagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audiio_relay_messages_routed_total",
			Help: "Messages handled, by type.",
		}, []string{"type"}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audiio_relay_messages_dropped_total",
			Help: "Data messages dropped, by reason.",
		}, []string{"reason"}),
		routeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audiio_relay_errors_total",
			Help: "Protocol errors sent to clients, by code.",
		}, []string{"code"}),
		handleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audiio_relay_handle_latency_seconds",
			Help:    "Latency for handling inbound messages.",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}, []string{"type"}),
		sweepEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audiio_relay_sweep_evictions_total",
			Help: "Session records reclaimed by the sweeper, by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.activeConnections,
		m.activeRooms,
		m.activeServers,
		m.connectionsTotal,
		m.messagesRouted,
		m.messagesDropped,
		m.routeErrors,
		m.handleLatency,
		m.sweepEvictions,
	)
	return m
}

func (m *relayMetrics) connOpened() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
	m.connectionsTotal.Inc()
}

func (m *relayMetrics) connClosed() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

func (m *relayMetrics) setSessionCounts(rooms, servers int) {
	if m == nil {
		return
	}
	m.activeRooms.Set(float64(rooms))
	m.activeServers.Set(float64(servers))
}

func (m *relayMetrics) recordMessage(msgType string, dur time.Duration) {
	if m == nil || msgType == "" {
		return
	}
	m.messagesRouted.WithLabelValues(msgType).Inc()
	m.handleLatency.WithLabelValues(msgType).Observe(dur.Seconds())
}

func (m *relayMetrics) recordDrop(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.messagesDropped.WithLabelValues(reason).Inc()
}

func (m *relayMetrics) recordError(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "internal"
	}
	m.routeErrors.WithLabelValues(code).Inc()
}

func (m *relayMetrics) recordEviction(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.sweepEvictions.WithLabelValues(kind).Add(float64(n))
}
