package memory

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks working-memory activity. A nil *Metrics is valid and
// records nothing, which keeps tests free of registry collisions.
type Metrics struct {
	entriesStored     prometheus.Counter
	entriesRejected   prometheus.Counter
	sinkPromotions    prometheus.Counter
	windowEvictions   prometheus.Counter
	entriesExpired    prometheus.Counter
	retrievalFailures prometheus.Counter
	syncOutcomes      *prometheus.CounterVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics returns the process-wide metrics set. promauto registers on the
// default registry, so the set is created once and shared.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			entriesStored: promauto.NewCounter(prometheus.CounterOpts{
				Name: "xerus_memory_entries_stored_total",
				Help: "Context entries admitted to working memory",
			}),
			entriesRejected: promauto.NewCounter(prometheus.CounterOpts{
				Name: "xerus_memory_entries_rejected_total",
				Help: "Context entries rejected below the relevance threshold",
			}),
			sinkPromotions: promauto.NewCounter(prometheus.CounterOpts{
				Name: "xerus_memory_sink_promotions_total",
				Help: "Entries promoted to attention sink",
			}),
			windowEvictions: promauto.NewCounter(prometheus.CounterOpts{
				Name: "xerus_memory_window_evictions_total",
				Help: "Entries evicted to enforce the sliding window",
			}),
			entriesExpired: promauto.NewCounter(prometheus.CounterOpts{
				Name: "xerus_memory_entries_expired_total",
				Help: "Entries removed by the TTL sweep",
			}),
			retrievalFailures: promauto.NewCounter(prometheus.CounterOpts{
				Name: "xerus_memory_retrieval_failures_total",
				Help: "Retrievals that failed open with empty results",
			}),
			syncOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "xerus_memory_sync_entries_total",
				Help: "Sliding-window sync entries by outcome",
			}, []string{"outcome"}),
		}
	})
	return sharedMetrics
}

func (m *Metrics) RecordStored() {
	if m != nil {
		m.entriesStored.Inc()
	}
}

func (m *Metrics) RecordRejected() {
	if m != nil {
		m.entriesRejected.Inc()
	}
}

func (m *Metrics) RecordSinkPromotion() {
	if m != nil {
		m.sinkPromotions.Inc()
	}
}

func (m *Metrics) RecordEvictions(n int) {
	if m != nil && n > 0 {
		m.windowEvictions.Add(float64(n))
	}
}

func (m *Metrics) RecordExpired(n int) {
	if m != nil && n > 0 {
		m.entriesExpired.Add(float64(n))
	}
}

func (m *Metrics) RecordRetrievalFailure() {
	if m != nil {
		m.retrievalFailures.Inc()
	}
}

func (m *Metrics) RecordSync(outcome string, n int) {
	if m != nil && n > 0 {
		m.syncOutcomes.WithLabelValues(outcome).Add(float64(n))
	}
}
