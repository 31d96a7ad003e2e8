// Package metrics exposes Prometheus instrumentation for the fact memory
// components.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the cache, search and reconciliation paths.
// All recording methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Embedding cache
	CacheHitsTotal     prometheus.Counter
	CacheMissesTotal   prometheus.Counter
	EmbeddingCallsSecs prometheus.Histogram
	OrphansPrunedTotal prometheus.Counter

	// Search
	SearchesTotal   *prometheus.CounterVec
	SearchDuration  prometheus.Histogram
	SearchPageSizes prometheus.Histogram

	// Reconciliation
	ReconcileFactsTotal  *prometheus.CounterVec
	DuplicatesSuppressed prometheus.Counter
}

// NewMetrics creates and registers the metrics with the default registry.
//
// Registration happens once per process; later calls return the same set.
//
// Metrics:
//   - factmemory_cache_hits_total - texts served from the embedding cache
//   - factmemory_cache_misses_total - texts that required the embedding service
//   - factmemory_embedding_call_seconds - embedding service batch latency
//   - factmemory_cache_orphans_pruned_total - cache rows removed by pruning
//   - factmemory_searches_total{outcome} - searches by outcome (ok, error)
//   - factmemory_search_duration_seconds - search latency
//   - factmemory_search_page_size - facts returned per page
//   - factmemory_reconcile_facts_total{action} - facts inserted, updated, deleted
//   - factmemory_duplicates_suppressed_total - add-if-new calls that found a duplicate
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			CacheHitsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "factmemory_cache_hits_total",
				Help: "Total number of texts served from the embedding cache",
			}),
			CacheMissesTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "factmemory_cache_misses_total",
				Help: "Total number of texts that required the embedding service",
			}),
			EmbeddingCallsSecs: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "factmemory_embedding_call_seconds",
				Help:    "Duration of embedding service batch calls in seconds",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
			}),
			OrphansPrunedTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "factmemory_cache_orphans_pruned_total",
				Help: "Total number of orphaned embedding cache rows pruned",
			}),
			SearchesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "factmemory_searches_total",
				Help: "Total number of similarity searches",
			}, []string{"outcome"}),
			SearchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "factmemory_search_duration_seconds",
				Help:    "Duration of similarity searches in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			}),
			SearchPageSizes: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "factmemory_search_page_size",
				Help:    "Number of facts returned per search page",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
			}),
			ReconcileFactsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "factmemory_reconcile_facts_total",
				Help: "Facts touched by reconciliation, by action",
			}, []string{"action"}),
			DuplicatesSuppressed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "factmemory_duplicates_suppressed_total",
				Help: "Total number of fact insertions suppressed as near duplicates",
			}),
		}
	})

	return globalMetrics
}

// RecordCacheLookup records hits and misses for one resolution.
func (m *Metrics) RecordCacheLookup(hits, misses int) {
	if m == nil {
		return
	}
	m.CacheHitsTotal.Add(float64(hits))
	m.CacheMissesTotal.Add(float64(misses))
}

// RecordEmbeddingCall records the latency of one embedding service call.
func (m *Metrics) RecordEmbeddingCall(d time.Duration) {
	if m == nil {
		return
	}
	m.EmbeddingCallsSecs.Observe(d.Seconds())
}

// RecordPruned records pruned cache rows.
func (m *Metrics) RecordPruned(n int64) {
	if m == nil {
		return
	}
	m.OrphansPrunedTotal.Add(float64(n))
}

// RecordSearch records one search.
func (m *Metrics) RecordSearch(d time.Duration, results int, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.SearchesTotal.WithLabelValues(outcome).Inc()
	m.SearchDuration.Observe(d.Seconds())
	if err == nil {
		m.SearchPageSizes.Observe(float64(results))
	}
}

// RecordReconcile records the outcome of one upsert.
func (m *Metrics) RecordReconcile(inserted, updated, deleted int) {
	if m == nil {
		return
	}
	m.ReconcileFactsTotal.WithLabelValues("inserted").Add(float64(inserted))
	m.ReconcileFactsTotal.WithLabelValues("updated").Add(float64(updated))
	m.ReconcileFactsTotal.WithLabelValues("deleted").Add(float64(deleted))
}

// RecordSuppressed records a near-duplicate insertion that was skipped.
func (m *Metrics) RecordSuppressed() {
	if m == nil {
		return
	}
	m.DuplicatesSuppressed.Inc()
}
