package protocol

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the core's prometheus collectors.
type Metrics struct {
	issued   *prometheus.CounterVec
	outcomes *prometheus.CounterVec
	retries  *prometheus.CounterVec
	dropped  prometheus.Counter
	inflight prometheus.Gauge
	peers    *prometheus.GaugeVec
	latency  *prometheus.HistogramVec
}

// NewMetrics builds the collectors and registers them on reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		issued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardlink",
			Subsystem: "protocol",
			Name:      "requests_issued_total",
			Help:      "Requests accepted into a peer queue.",
		}, []string{"kind"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardlink",
			Subsystem: "protocol",
			Name:      "requests_completed_total",
			Help:      "Requests that reached a terminal outcome.",
		}, []string{"kind", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardlink",
			Subsystem: "protocol",
			Name:      "retries_total",
			Help:      "Attempts re-queued after a timeout.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "boardlink",
			Subsystem: "protocol",
			Name:      "responses_dropped_total",
			Help:      "Inbound replies that matched no pending request.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "boardlink",
			Subsystem: "protocol",
			Name:      "requests_in_flight",
			Help:      "Attempts sent and awaiting a reply or timeout.",
		}),
		peers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "boardlink",
			Subsystem: "protocol",
			Name:      "peers_connected",
			Help:      "Registered peers.",
		}, []string{"kind"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "boardlink",
			Subsystem: "protocol",
			Name:      "request_duration_seconds",
			Help:      "Time from issue to terminal outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.issued, m.outcomes, m.retries, m.dropped, m.inflight, m.peers, m.latency)
	}
	return m
}
