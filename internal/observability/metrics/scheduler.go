package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Task outcomes recorded by the scheduler loop.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

var (
	tasksClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coindb_tasks_claimed_total",
		Help: "Total number of tasks claimed by the scheduler.",
	})

	tasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coindb_tasks_finished_total",
		Help: "Total number of tasks that reached a terminal status.",
	}, []string{"outcome"})

	fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coindb_fetch_duration_seconds",
		Help:    "Time spent fetching a certificate page.",
		Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60, 90, 120},
	}, []string{"outcome"})

	schedulerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coindb_scheduler_errors_total",
		Help: "Errors raised inside a scheduler iteration, by stage.",
	}, []string{"stage"})

	coinSaveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coindb_coin_save_failures_total",
		Help: "Successful fetches whose coin record could not be saved.",
	})

	retentionDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coindb_retention_deleted_total",
		Help: "Terminal tasks removed by the retention job.",
	})

	schedulerRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coindb_scheduler_running",
		Help: "1 while the scheduler loop is active.",
	})
)

// TaskClaimed counts a successful claim.
func TaskClaimed() { tasksClaimed.Inc() }

// TaskFinished records the terminal outcome and fetch duration of a task.
func TaskFinished(outcome string, fetch time.Duration) {
	tasksFinished.WithLabelValues(outcome).Inc()
	fetchDuration.WithLabelValues(outcome).Observe(fetch.Seconds())
}

// SchedulerError counts an error raised at the given stage (claim, complete, panic).
func SchedulerError(stage string) { schedulerErrors.WithLabelValues(stage).Inc() }

// CoinSaveFailed counts a lost coin write after a successful fetch.
func CoinSaveFailed() { coinSaveFailures.Inc() }

// RetentionDeleted adds the number of tasks removed by a retention run.
func RetentionDeleted(n int64) {
	if n > 0 {
		retentionDeleted.Add(float64(n))
	}
}

// SetSchedulerRunning toggles the running gauge.
func SetSchedulerRunning(running bool) {
	if running {
		schedulerRunning.Set(1)
		return
	}
	schedulerRunning.Set(0)
}
