package exec

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is a container of metrics for task execution. One instance is
// typically shared by all tasks of a process.
type Metrics struct {
	reg *prometheus.Registry

	tasksTotal  *prometheus.CounterVec
	splitsTotal prometheus.Counter

	batchProcessSeconds   prometheus.Histogram
	barrierProcessSeconds prometheus.Histogram

	memoryReclaimsTotal            prometheus.Counter
	memoryReclaimWaitTimeoutsTotal prometheus.Counter
	memoryReclaimWaitSeconds       prometheus.Histogram
	memoryReclaimExecSeconds       prometheus.Histogram
}

// NewMetrics creates the task execution metrics on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	return &Metrics{
		reg: reg,

		tasksTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "quiver_exec_tasks_total",
			Help: "Total number of tasks by terminal state, counting transitions into state",
		}, []string{"state"}),
		splitsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "quiver_exec_task_splits_total",
			Help: "Total number of splits added to tasks",
		}),

		batchProcessSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "quiver_exec_task_batch_process_seconds",
			Help: "Number of seconds a serial-mode task spent producing one output batch",

			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: time.Hour,
		}),
		barrierProcessSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "quiver_exec_task_barrier_process_seconds",
			Help: "Number of seconds between a barrier request and all drivers finishing it",

			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: time.Hour,
		}),

		memoryReclaimsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "quiver_exec_task_memory_reclaims_total",
			Help: "Total number of memory reclaim operations run against tasks",
		}),
		memoryReclaimWaitTimeoutsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "quiver_exec_task_memory_reclaim_wait_timeouts_total",
			Help: "Total number of reclaim attempts that failed to pause the task in time",
		}),
		memoryReclaimWaitSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "quiver_exec_task_memory_reclaim_wait_seconds",
			Help: "Number of seconds reclaim spent waiting for tasks to pause",

			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: time.Hour,
		}),
		memoryReclaimExecSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "quiver_exec_task_memory_reclaim_exec_seconds",
			Help: "Number of seconds reclaim spent running pool-tree reclamation",

			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: time.Hour,
		}),
	}
}

// Register registers metrics to report to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error { return reg.Register(m.reg) }

// Unregister unregisters metrics from the provided Registerer.
func (m *Metrics) Unregister(reg prometheus.Registerer) { reg.Unregister(m.reg) }
