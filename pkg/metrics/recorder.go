// Package metrics records and queries Prometheus metrics for the context
// management core: pool usage, compression outcomes, threshold level
// crossings, and snapshot activity.
//
// Adapted from the teacher's pkg/agent/middleware/metrics/prometheus.go:
// the gauge/counter/histogram-vec construction pattern via promauto is
// kept, with labels changed from the teacher's multi-agent
// model/story_id/agent_id set to the single-session model/session_id set
// this core actually has.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder exposes Prometheus instrumentation for a running
// ContextManager. One Recorder is shared across all sessions in a
// process; metrics are distinguished by the session_id label.
type Recorder struct {
	poolUsageTokens     *prometheus.GaugeVec
	poolFractionUsed    *prometheus.GaugeVec
	thresholdLevel      *prometheus.GaugeVec
	compressionTotal    *prometheus.CounterVec
	compressionRatio    *prometheus.HistogramVec
	compressionDuration *prometheus.HistogramVec
	snapshotsTotal      *prometheus.CounterVec
	rolloverTotal       *prometheus.CounterVec
}

// NewRecorder constructs and registers the core's metric families.
func NewRecorder() *Recorder {
	return &Recorder{
		poolUsageTokens: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ctxcore_pool_used_tokens",
				Help: "Current token_total for a session",
			},
			[]string{"session_id", "model"},
		),
		poolFractionUsed: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ctxcore_pool_fraction_used",
				Help: "Current fraction of the pool in use for a session",
			},
			[]string{"session_id", "model"},
		),
		thresholdLevel: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ctxcore_threshold_level",
				Help: "Current ThresholdLevel as an ordinal (0=Normal .. 4=Overflow)",
			},
			[]string{"session_id"},
		),
		compressionTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctxcore_compression_total",
				Help: "Total compression passes by outcome",
			},
			[]string{"session_id", "strategy", "outcome"},
		),
		compressionRatio: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ctxcore_compression_ratio",
				Help:    "compressed_tokens / original_tokens for completed compression passes",
				Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
			},
			[]string{"session_id"},
		),
		compressionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ctxcore_compression_duration_seconds",
				Help:    "Duration of a compression pass",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"session_id", "strategy"},
		),
		snapshotsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctxcore_snapshots_total",
				Help: "Total snapshot operations by outcome",
			},
			[]string{"session_id", "op", "outcome"},
		),
		rolloverTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctxcore_rollover_total",
				Help: "Total rollover operations",
			},
			[]string{"session_id"},
		),
	}
}

// ObserveBudget records the current pool usage for a session.
func (r *Recorder) ObserveBudget(sessionID, model string, used, poolSize int, fractionUsed float64, level int) {
	r.poolUsageTokens.WithLabelValues(sessionID, model).Set(float64(used))
	r.poolFractionUsed.WithLabelValues(sessionID, model).Set(fractionUsed)
	r.thresholdLevel.WithLabelValues(sessionID).Set(float64(level))
}

// ObserveCompression records the outcome of one compression pass.
func (r *Recorder) ObserveCompression(sessionID, strategy, outcome string, ratio float64, duration time.Duration) {
	r.compressionTotal.WithLabelValues(sessionID, strategy, outcome).Inc()
	if outcome == "completed" {
		r.compressionRatio.WithLabelValues(sessionID).Observe(ratio)
	}
	r.compressionDuration.WithLabelValues(sessionID, strategy).Observe(duration.Seconds())
}

// ObserveSnapshot records a snapshot store operation.
func (r *Recorder) ObserveSnapshot(sessionID, op, outcome string) {
	r.snapshotsTotal.WithLabelValues(sessionID, op, outcome).Inc()
}

// ObserveRollover records a rollover event.
func (r *Recorder) ObserveRollover(sessionID string) {
	r.rolloverTotal.WithLabelValues(sessionID).Inc()
}
