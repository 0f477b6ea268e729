package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Server/group inventory
	ServersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fabric_servers_total",
			Help: "Total number of known servers by status",
		},
		[]string{"status"},
	)

	GroupsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fabric_groups_total",
			Help: "Total number of HA groups by status",
		},
		[]string{"status"},
	)

	// Sharding inventory
	ShardsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fabric_shards_total",
			Help: "Total number of shards by state",
		},
		[]string{"state"},
	)

	MappingsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fabric_mappings_total",
			Help: "Total number of shard mappings",
		},
	)

	// Executor metrics
	ProceduresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_procedures_total",
			Help: "Total number of procedures by terminal state",
		},
		[]string{"state"},
	)

	ProcedureDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fabric_procedure_duration_seconds",
			Help:    "Procedure wall-clock duration in seconds by outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"state"},
	)

	ActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fabric_action_duration_seconds",
			Help:    "Single action duration in seconds by name",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	UndosTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_undos_total",
			Help: "Total number of undo invocations by outcome",
		},
		[]string{"outcome"},
	)

	ExecutorQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fabric_executor_queue_depth",
			Help: "Number of procedures waiting for a free worker",
		},
	)

	// Event bus metrics
	EventsTriggeredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_events_triggered_total",
			Help: "Total number of event triggers by event name",
		},
		[]string{"event"},
	)

	SubscriberJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_subscriber_jobs_total",
			Help: "Total number of subscriber jobs scheduled by outcome",
		},
		[]string{"outcome"},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fabric_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fabric_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	// Transport metrics
	DispatchRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_dispatch_requests_total",
			Help: "Total number of dispatched RPCs by namespace.method and outcome",
		},
		[]string{"call", "outcome"},
	)

	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fabric_dispatch_duration_seconds",
			Help:    "Dispatched RPC duration in seconds by namespace.method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"call"},
	)
)

func init() {
	prometheus.MustRegister(ServersTotal)
	prometheus.MustRegister(GroupsTotal)
	prometheus.MustRegister(ShardsTotal)
	prometheus.MustRegister(MappingsTotal)
	prometheus.MustRegister(ProceduresTotal)
	prometheus.MustRegister(ProcedureDuration)
	prometheus.MustRegister(ActionDuration)
	prometheus.MustRegister(UndosTotal)
	prometheus.MustRegister(ExecutorQueueDepth)
	prometheus.MustRegister(EventsTriggeredTotal)
	prometheus.MustRegister(SubscriberJobsTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(DispatchRequestsTotal)
	prometheus.MustRegister(DispatchDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
