package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes pipeline progress to prometheus.
type Metrics struct {
	// Watermark tracks the persisted watermark per task.
	Watermark *prometheus.GaugeVec

	// ProcessedTotal counts checkpoints processed per task.
	ProcessedTotal *prometheus.CounterVec

	// CommitsTotal counts reducer batch commits per task.
	CommitsTotal *prometheus.CounterVec

	// InProgress tracks checkpoints currently inside a pool.
	InProgress *prometheus.GaugeVec
}

// NewMetrics registers the pipeline metrics on reg. Pass nil to keep
// them unregistered, which tests do.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	factory := promauto.With(reg)

	return &Metrics{
		Watermark: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chainfeed_task_watermark",
			Help: "Next checkpoint sequence number expected by each task.",
		}, []string{"task"}),
		ProcessedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chainfeed_checkpoints_processed_total",
			Help: "Checkpoints processed by each task's workers.",
		}, []string{"task"}),
		CommitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chainfeed_reducer_commits_total",
			Help: "Reducer batch commits per task.",
		}, []string{"task"}),
		InProgress: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chainfeed_checkpoints_in_progress",
			Help: "Checkpoints currently being processed by each task.",
		}, []string{"task"}),
	}
}
