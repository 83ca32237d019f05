package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedDevices tracks the number of currently online devices.
	ConnectedDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cluster_connected_devices",
		Help: "Current number of online devices",
	})

	// RegisteredDevices tracks all devices known to the registry.
	RegisteredDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cluster_registered_devices",
		Help: "Total number of devices in the registry, online or offline",
	})

	// QueueDepth tracks queued tasks per priority band.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cluster_queue_depth",
		Help: "Current number of queued tasks per priority band",
	}, []string{"band"})

	// InFlightTasks tracks tasks in assigned or running state.
	InFlightTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cluster_inflight_tasks",
		Help: "Current number of assigned or running tasks",
	})

	// TasksSubmitted counts accepted submissions.
	TasksSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cluster_tasks_submitted_total",
		Help: "Total number of tasks accepted into the queue",
	})

	// TasksRejected counts submissions refused at admission.
	TasksRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cluster_tasks_rejected_total",
		Help: "Total number of task submissions rejected",
	}, []string{"reason"}) // queue_full, circuit_open, invalid

	// TasksCompleted counts terminal transitions by final state.
	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cluster_tasks_completed_total",
		Help: "Total number of tasks reaching a terminal state",
	}, []string{"state"}) // success, failed, timeout, cancelled

	// TaskRetries counts re-enqueues after retryable failures.
	TaskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cluster_task_retries_total",
		Help: "Total number of task retry attempts",
	})

	// DispatchesTotal counts task_assign messages committed to outboxes.
	DispatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cluster_dispatches_total",
		Help: "Total number of task dispatches to workers",
	})

	// DispatchFailures counts dispatches reverted because the handler was
	// gone or its outbox full.
	DispatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cluster_dispatch_failures_total",
		Help: "Total number of dispatches reverted and requeued",
	})

	// SchedulerLoopDuration tracks one pass of the dispatch loop.
	SchedulerLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cluster_scheduler_loop_duration_seconds",
		Help:    "Duration of one scheduler dispatch pass",
		Buckets: prometheus.DefBuckets,
	})

	// TaskExecutionSeconds tracks worker-reported execution time.
	TaskExecutionSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cluster_task_execution_seconds",
		Help:    "Worker-reported task execution time distribution",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	// ProtocolErrors counts connections terminated for protocol faults.
	ProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cluster_protocol_errors_total",
		Help: "Total number of connections closed due to protocol violations",
	})

	// OutboxDrops counts connections dropped because the outbox hit its
	// high-water mark.
	OutboxDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cluster_outbox_drops_total",
		Help: "Total number of connections dropped on outbox overflow",
	})

	// DevicesTimedOut counts heartbeat-monitor offline transitions.
	DevicesTimedOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cluster_devices_timed_out_total",
		Help: "Total number of devices marked offline by the heartbeat monitor",
	})

	// ResultStoreSize tracks retained terminal task records.
	ResultStoreSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cluster_result_store_size",
		Help: "Current number of terminal task records retained",
	})

	// PersistenceFailures counts failed registry snapshot writes.
	PersistenceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cluster_persistence_failures_total",
		Help: "Total number of failed registry snapshot writes",
	})

	// APIRateLimited tracks API requests rejected by storm protection.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cluster_api_rate_limited_total",
		Help: "API requests rejected by rate limiter",
	}, []string{"endpoint"})
)
