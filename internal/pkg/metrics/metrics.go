// Package metrics provides the Prometheus metrics named in the domain
// stack: segmentation retries, SSM aborts by reason, BVLL NAKs by function,
// FDT entry count, and router-cache hit/miss. Grounded on the nil-receiver
// pattern used throughout the example pack's per-protocol metrics.Metrics
// types (e.g. nsm.Metrics): every method is safe to call on a nil *Metrics,
// so callers that didn't wire a registry pay nothing.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every counter/gauge the stack exercises.
type Metrics struct {
	SegmentationRetries *prometheus.CounterVec
	SSMAborts           *prometheus.CounterVec
	BVLLNaks            *prometheus.CounterVec
	FDTEntries          prometheus.Gauge
	RouterCacheHits     prometheus.Counter
	RouterCacheMisses   prometheus.Counter
}

// New creates and registers the stack's metrics. Pass nil to build an
// unregistered (but still usable) set, e.g. for tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SegmentationRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bacnet_segmentation_retries_total",
				Help: "Total segment/window retries by SSM role (client, server)",
			},
			[]string{"role"},
		),
		SSMAborts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bacnet_ssm_aborts_total",
				Help: "Total transactions aborted, by abort reason",
			},
			[]string{"reason"},
		),
		BVLLNaks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bacnet_bvll_naks_total",
				Help: "Total BVLL Result NAKs sent, by function",
			},
			[]string{"function"},
		),
		FDTEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bacnet_bbmd_fdt_entries",
				Help: "Current number of entries in the Foreign Device Table",
			},
		),
		RouterCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bacnet_router_cache_hits_total",
				Help: "Total DNET lookups resolved from the router-info cache",
			},
		),
		RouterCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bacnet_router_cache_misses_total",
				Help: "Total DNET lookups that required WhoIsRouterToNetwork discovery",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.SegmentationRetries,
			m.SSMAborts,
			m.BVLLNaks,
			m.FDTEntries,
			m.RouterCacheHits,
			m.RouterCacheMisses,
		)
	}
	return m
}

// RecordSegmentationRetry is safe to call on a nil receiver.
func (m *Metrics) RecordSegmentationRetry(role string) {
	if m == nil {
		return
	}
	m.SegmentationRetries.WithLabelValues(role).Inc()
}

// RecordAbort is safe to call on a nil receiver.
func (m *Metrics) RecordAbort(reason string) {
	if m == nil {
		return
	}
	m.SSMAborts.WithLabelValues(reason).Inc()
}

// RecordNak is safe to call on a nil receiver.
func (m *Metrics) RecordNak(function string) {
	if m == nil {
		return
	}
	m.BVLLNaks.WithLabelValues(function).Inc()
}

// SetFDTEntries is safe to call on a nil receiver.
func (m *Metrics) SetFDTEntries(n int) {
	if m == nil {
		return
	}
	m.FDTEntries.Set(float64(n))
}

// RecordRouterCacheHit is safe to call on a nil receiver.
func (m *Metrics) RecordRouterCacheHit() {
	if m == nil {
		return
	}
	m.RouterCacheHits.Inc()
}

// RecordRouterCacheMiss is safe to call on a nil receiver.
func (m *Metrics) RecordRouterCacheMiss() {
	if m == nil {
		return
	}
	m.RouterCacheMisses.Inc()
}
