package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the orchestrator's Prometheus collectors.
type Metrics struct {
	Attempts        *prometheus.CounterVec
	PushDuration    prometheus.Histogram
	SnapshotRecords prometheus.Histogram
	QueueItems      *prometheus.CounterVec
	Regenerations   *prometheus.CounterVec
	SweepRuns       *prometheus.CounterVec
	SweepDuration   prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "compsync",
			Name:      "sync_attempts_total",
			Help:      "Sync attempts by operation and status.",
		}, []string{"operation", "status"}),
		PushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "compsync",
			Name:      "push_duration_seconds",
			Help:      "Duration of remote snapshot pushes.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		SnapshotRecords: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "compsync",
			Name:      "snapshot_records",
			Help:      "Records per generated tenant snapshot.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),
		QueueItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "compsync",
			Name:      "completion_queue_items_total",
			Help:      "Completion queue rows settled by drains, by result.",
		}, []string{"result"}),
		Regenerations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "compsync",
			Name:      "regenerations_total",
			Help:      "Regeneration requests processed, by outcome.",
		}, []string{"outcome"}),
		SweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "compsync",
			Name:      "sweep_runs_total",
			Help:      "Sweep runs by result.",
		}, []string{"result"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "compsync",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of sweep runs.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Attempts,
			m.PushDuration,
			m.SnapshotRecords,
			m.QueueItems,
			m.Regenerations,
			m.SweepRuns,
			m.SweepDuration,
		)
	}
	return m
}
