package assets

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	coalesced prometheus.Counter
	evictions prometheus.Counter
	entries   prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "boardlink",
			Subsystem: "assets",
			Name:      name,
			Help:      help,
		})
	}
	m := &Metrics{
		hits:      counter("cache_hits_total", "EnsureUploaded calls answered from the cache."),
		misses:    counter("cache_misses_total", "EnsureUploaded calls that started an upload."),
		coalesced: counter("uploads_coalesced_total", "EnsureUploaded calls that joined an upload in flight."),
		evictions: counter("evictions_total", "Entries dropped to stay under the per-peer cap."),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "boardlink",
			Subsystem: "assets",
			Name:      "cached_entries",
			Help:      "Assets currently known to be uploaded, across all peers.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.hits, m.misses, m.coalesced, m.evictions, m.entries)
	}
	return m
}
