package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CartMetrics records the lifecycle of optimistic mutations, offline replay and merges.
type CartMetrics struct {
	mutations  *prometheus.CounterVec
	queueDepth prometheus.Gauge
	drain      prometheus.Histogram
	replayed   *prometheus.CounterVec
	merges     *prometheus.CounterVec
}

// NewCartMetrics registers the cart metrics on the provided registerer.
func NewCartMetrics(reg prometheus.Registerer) *CartMetrics {
	if reg == nil {
		return &CartMetrics{}
	}
	mutations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_mutations_total",
		Help: "Cart mutations by kind and resolved outcome.",
	}, []string{"kind", "outcome"})
	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cart_queue_depth",
		Help: "Pending intents held in the offline queue.",
	})
	drain := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cart_queue_drain_duration_seconds",
		Help:    "Duration of offline queue drains in seconds.",
		Buckets: prometheus.DefBuckets,
	})
	replayed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_queue_replayed_total",
		Help: "Queued intents replayed, by result.",
	}, []string{"result"})
	merges := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_merges_total",
		Help: "Guest cart merges, by result.",
	}, []string{"result"})
	reg.MustRegister(mutations, queueDepth, drain, replayed, merges)
	return &CartMetrics{
		mutations:  mutations,
		queueDepth: queueDepth,
		drain:      drain,
		replayed:   replayed,
		merges:     merges,
	}
}

// IncMutation counts a mutation once its outcome is known.
func (c *CartMetrics) IncMutation(kind, outcome string) {
	if c == nil || c.mutations == nil {
		return
	}
	c.mutations.WithLabelValues(normalizeLabel(kind), normalizeLabel(outcome)).Inc()
}

// SetQueueDepth publishes the current offline queue size.
func (c *CartMetrics) SetQueueDepth(depth int) {
	if c == nil || c.queueDepth == nil {
		return
	}
	c.queueDepth.Set(float64(depth))
}

// ObserveDrain records the duration of one drain pass.
func (c *CartMetrics) ObserveDrain(duration time.Duration) {
	if c == nil || c.drain == nil {
		return
	}
	c.drain.Observe(duration.Seconds())
}

// IncReplayed counts one replayed intent (acked, dropped, deferred).
func (c *CartMetrics) IncReplayed(result string) {
	if c == nil || c.replayed == nil {
		return
	}
	c.replayed.WithLabelValues(normalizeLabel(result)).Inc()
}

// IncMerge counts one merge attempt (merged, skipped, conflict).
func (c *CartMetrics) IncMerge(result string) {
	if c == nil || c.merges == nil {
		return
	}
	c.merges.WithLabelValues(normalizeLabel(result)).Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
