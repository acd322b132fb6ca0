package taskworker

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loopworks/taskmesh/task"
)

// workerMetrics exposes per-queue task outcomes and latencies.
type workerMetrics struct {
	tasksTotal   *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	retries      *prometheus.CounterVec
}

func newWorkerMetrics() *workerMetrics {
	return &workerMetrics{
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "worker",
			Name:      "tasks_total",
			Help:      "Terminal task outcomes by queue and status.",
		}, []string{"queue", "status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskmesh",
			Subsystem: "worker",
			Name:      "task_duration_seconds",
			Help:      "Task execution time from pickup to terminal outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"queue"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "worker",
			Name:      "retries_total",
			Help:      "Retry attempts by error code.",
		}, []string{"error_code"}),
	}
}

// register adds the collectors to the default registry. Collectors that
// survive a component restart are reused.
func (m *workerMetrics) register() {
	for _, collector := range []prometheus.Collector{m.tasksTotal, m.taskDuration, m.retries} {
		if err := prometheus.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}

func (m *workerMetrics) observe(queue, status string, seconds float64) {
	m.tasksTotal.WithLabelValues(queue, status).Inc()
	if seconds > 0 {
		m.taskDuration.WithLabelValues(queue).Observe(seconds)
	}
}

func (m *workerMetrics) retried(code task.ErrorCode) {
	m.retries.WithLabelValues(string(code)).Inc()
}
