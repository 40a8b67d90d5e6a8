package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Component/replica metrics
	ComponentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "realm_components_total",
			Help: "Total number of components in the effective desired set",
		},
	)

	ReplicasTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "realm_replicas_total",
			Help: "Total number of component replicas by state",
		},
		[]string{"state"},
	)

	ReplicaRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realm_replica_restarts_total",
			Help: "Total number of replica restarts by component",
		},
		[]string{"component"},
	)

	// CAS metrics
	CASBlobsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "realm_cas_blobs_total",
			Help: "Total number of blobs in the content-addressed store",
		},
	)

	CASBytesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "realm_cas_bytes_total",
			Help: "Total bytes stored in the content-addressed store",
		},
	)

	CASGCEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "realm_cas_gc_evictions_total",
			Help: "Total number of blobs evicted by CAS garbage collection",
		},
	)

	// Transport / protocol metrics
	PeersConnectedTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "realm_peers_connected_total",
			Help: "Total number of currently connected peers",
		},
	)

	EnvelopesAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realm_envelopes_applied_total",
			Help: "Total number of command envelopes applied by payload kind",
		},
		[]string{"kind"},
	)

	EnvelopesRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realm_envelopes_rejected_total",
			Help: "Total number of command envelopes rejected by reason",
		},
		[]string{"reason"},
	)

	EnvelopesDuplicateTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "realm_envelopes_duplicate_total",
			Help: "Total number of command envelopes dropped as duplicates",
		},
	)

	// Sandbox metrics
	SandboxTrapsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "realm_sandbox_traps_total",
			Help: "Total number of WASM execution traps",
		},
	)

	SandboxFuelExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "realm_sandbox_fuel_exhausted_total",
			Help: "Total number of instances terminated by fuel exhaustion",
		},
	)

	SandboxDeadlineExceededTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "realm_sandbox_deadline_exceeded_total",
			Help: "Total number of instances preempted by epoch deadline",
		},
	)

	// Job scheduler metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "realm_jobs_total",
			Help: "Total number of jobs by status",
		},
		[]string{"status"},
	)

	JobsElectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "realm_jobs_elected_total",
			Help: "Total number of jobs this node won admission election for",
		},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "realm_scheduling_latency_seconds",
			Help:    "Time taken to admit and place a job in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Reconciliation metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "realm_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "realm_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	// Query API metrics
	QueryRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realm_query_requests_total",
			Help: "Total number of query API requests by route and status",
		},
		[]string{"route", "status"},
	)

	QueryRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "realm_query_request_duration_seconds",
			Help:    "Query API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(ComponentsTotal)
	prometheus.MustRegister(ReplicasTotal)
	prometheus.MustRegister(ReplicaRestartsTotal)
	prometheus.MustRegister(CASBlobsTotal)
	prometheus.MustRegister(CASBytesTotal)
	prometheus.MustRegister(CASGCEvictionsTotal)
	prometheus.MustRegister(PeersConnectedTotal)
	prometheus.MustRegister(EnvelopesAppliedTotal)
	prometheus.MustRegister(EnvelopesRejectedTotal)
	prometheus.MustRegister(EnvelopesDuplicateTotal)
	prometheus.MustRegister(SandboxTrapsTotal)
	prometheus.MustRegister(SandboxFuelExhaustedTotal)
	prometheus.MustRegister(SandboxDeadlineExceededTotal)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobsElectedTotal)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(QueryRequestsTotal)
	prometheus.MustRegister(QueryRequestDuration)
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
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
