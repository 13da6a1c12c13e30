package dispatch

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the dispatch core.
type Metrics struct {
	TasksSubmitted prometheus.Counter
	TasksAssigned  prometheus.Counter
	TasksCompleted prometheus.Counter
	TasksFailed    prometheus.Counter
	TasksCancelled prometheus.Counter
	Reassignments  prometheus.Counter

	TasksPending   prometheus.Gauge
	TasksExecuting prometheus.Gauge

	Verifications *prometheus.CounterVec

	EscrowReleased prometheus.Counter
	EscrowRefunded prometheus.Counter
	NodesSlashed   prometheus.Counter
	LedgerFailures prometheus.Counter
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// NewMetrics creates and registers the dispatch metrics (singleton pattern).
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = &Metrics{
			TasksSubmitted: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "meshcore",
				Subsystem: "dispatch",
				Name:      "tasks_submitted_total",
				Help:      "Total tasks submitted",
			}),
			TasksAssigned: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "meshcore",
				Subsystem: "dispatch",
				Name:      "tasks_assigned_total",
				Help:      "Total task assignments handed to nodes",
			}),
			TasksCompleted: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "meshcore",
				Subsystem: "dispatch",
				Name:      "tasks_completed_total",
				Help:      "Total tasks completed with a verified result",
			}),
			TasksFailed: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "meshcore",
				Subsystem: "dispatch",
				Name:      "tasks_failed_total",
				Help:      "Total tasks that reached Failed",
			}),
			TasksCancelled: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "meshcore",
				Subsystem: "dispatch",
				Name:      "tasks_cancelled_total",
				Help:      "Total pending tasks cancelled by their submitter",
			}),
			Reassignments: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "meshcore",
				Subsystem: "dispatch",
				Name:      "task_reassignments_total",
				Help:      "Total Executing to Pending transitions from timeouts and failed verifications",
			}),
			TasksPending: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "meshcore",
				Subsystem: "dispatch",
				Name:      "tasks_pending",
				Help:      "Tasks currently waiting for assignment",
			}),
			TasksExecuting: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "meshcore",
				Subsystem: "dispatch",
				Name:      "tasks_executing",
				Help:      "Tasks currently held by a node",
			}),
			Verifications: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "meshcore",
				Subsystem: "dispatch",
				Name:      "verifications_total",
				Help:      "Verification outcomes by verifier kind",
			}, []string{"kind", "outcome"}),
			EscrowReleased: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "meshcore",
				Subsystem: "dispatch",
				Name:      "escrow_released_total",
				Help:      "Total escrows released to nodes",
			}),
			EscrowRefunded: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "meshcore",
				Subsystem: "dispatch",
				Name:      "escrow_refunded_total",
				Help:      "Total escrows refunded to submitters",
			}),
			NodesSlashed: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "meshcore",
				Subsystem: "dispatch",
				Name:      "nodes_slashed_total",
				Help:      "Total slashing events applied to nodes",
			}),
			LedgerFailures: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "meshcore",
				Subsystem: "dispatch",
				Name:      "ledger_failures_total",
				Help:      "Settlement attempts that exhausted ledger retries",
			}),
		}
	})
	return metrics
}
