// Package metrics holds the Prometheus collectors for the relay engine.
//
// Collectors are observability only; nothing in the proxy reads them back to
// make decisions. A nil *Metrics is valid and discards everything.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Teardown reasons.
const (
	ReasonEOF     = "eof"
	ReasonTimeout = "timeout"
	ReasonIO      = "io"
	ReasonSniff   = "sniff"
	ReasonConnect = "connect"
)

// Relay directions.
const (
	OriginToRemote = "origin_to_remote"
	RemoteToOrigin = "remote_to_origin"
)

type Metrics struct {
	ActiveTunnels  prometheus.Gauge
	TunnelsTotal   prometheus.Counter
	Teardowns      *prometheus.CounterVec
	RelayedBytes   *prometheus.CounterVec
	TunnelDuration prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveTunnels: f.NewGauge(prometheus.GaugeOpts{
			Name: "sniffproxy_active_tunnels",
			Help: "Tunnels currently open",
		}),
		TunnelsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "sniffproxy_tunnels_total",
			Help: "Tunnels accepted",
		}),
		Teardowns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sniffproxy_tunnel_teardowns_total",
			Help: "Tunnel teardowns by reason",
		}, []string{"reason"}),
		RelayedBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sniffproxy_relayed_bytes_total",
			Help: "Bytes relayed by direction",
		}, []string{"direction"}),
		TunnelDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sniffproxy_tunnel_duration_seconds",
			Help:    "Tunnel lifetime seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		}),
	}
}

func (m *Metrics) TunnelOpened() {
	if m == nil {
		return
	}
	m.ActiveTunnels.Inc()
	m.TunnelsTotal.Inc()
}

func (m *Metrics) TunnelClosed(reason string, lifetime time.Duration) {
	if m == nil {
		return
	}
	m.ActiveTunnels.Dec()
	m.Teardowns.WithLabelValues(reason).Inc()
	m.TunnelDuration.Observe(lifetime.Seconds())
}

func (m *Metrics) Relayed(direction string, n int) {
	if m == nil {
		return
	}
	m.RelayedBytes.WithLabelValues(direction).Add(float64(n))
}
