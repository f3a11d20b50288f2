package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scheduleRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schedule_runs_total",
		Help: "Run outcomes applied to schedules, by result.",
	}, []string{"result"})

	armedTriggersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "schedule_triggers_armed",
		Help: "Number of armed triggers waiting to fire.",
	})
)

const (
	runResultCompleted   = "completed"
	runResultRearmed     = "rearmed"
	runResultRetried     = "retried"
	runResultRequeued    = "requeued_rate_limited"
	runResultFailed      = "failed"
	runResultCancelled   = "cancelled"
	runResultMisfireSkip = "misfire_skipped"
)

func recordRunResult(result string) {
	scheduleRunsTotal.WithLabelValues(result).Inc()
}

func recordArmedTriggers(n int) {
	armedTriggersGauge.Set(float64(n))
}
