// Package metrics exposes Prometheus counters and gauges for the bridge's
// fan-out engine, per SPEC_FULL.md §4.9.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors registered on a private registry,
// so multiple engines in tests don't collide on the global default one.
type Metrics struct {
	registry *prometheus.Registry

	chunksSentTotal       *prometheus.CounterVec
	silenceChunksTotal    *prometheus.CounterVec
	chunkQueueDepth       *prometheus.GaugeVec
	hostageReconnectTotal *prometheus.CounterVec
	speakersDiscovered    prometheus.Gauge
	groupsActive          prometheus.Gauge
}

// New creates and registers every collector.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		chunksSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "airloom_chunks_sent_total",
			Help: "Total audio chunks successfully sent to at least one hostage, per group.",
		}, []string{"group"}),
		silenceChunksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "airloom_silence_chunks_total",
			Help: "Total silence chunks sent, per group.",
		}, []string{"group"}),
		chunkQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "airloom_chunk_queue_depth",
			Help: "Current chunk queue depth, per group, sampled on ingest.",
		}, []string{"group"}),
		hostageReconnectTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "airloom_hostage_reconnects_total",
			Help: "Total forced reconnects, per speaker.",
		}, []string{"speaker"}),
		speakersDiscovered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "airloom_speakers_discovered",
			Help: "Number of speakers present in the most recent discovery snapshot.",
		}),
		groupsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "airloom_groups_active",
			Help: "Number of currently active groups.",
		}),
	}

	registry.MustRegister(
		m.chunksSentTotal,
		m.silenceChunksTotal,
		m.chunkQueueDepth,
		m.hostageReconnectTotal,
		m.speakersDiscovered,
		m.groupsActive,
	)

	return m
}

// IncChunksSent increments the sent-chunk counter for group.
func (m *Metrics) IncChunksSent(group string) { m.chunksSentTotal.WithLabelValues(group).Inc() }

// IncSilenceChunks increments the silence-chunk counter for group.
func (m *Metrics) IncSilenceChunks(group string) { m.silenceChunksTotal.WithLabelValues(group).Inc() }

// SetChunkQueueDepth records the current queue depth for group.
func (m *Metrics) SetChunkQueueDepth(group string, depth int) {
	m.chunkQueueDepth.WithLabelValues(group).Set(float64(depth))
}

// IncHostageReconnects increments the forced-reconnect counter for speaker.
func (m *Metrics) IncHostageReconnects(speaker string) {
	m.hostageReconnectTotal.WithLabelValues(speaker).Inc()
}

// SetSpeakersDiscovered sets the discovered-speaker-count gauge.
func (m *Metrics) SetSpeakersDiscovered(n int) { m.speakersDiscovered.Set(float64(n)) }

// SetGroupsActive sets the active-group-count gauge.
func (m *Metrics) SetGroupsActive(n int) { m.groupsActive.Set(float64(n)) }

// Handler returns an http.Handler serving the Prometheus exposition
// format for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
