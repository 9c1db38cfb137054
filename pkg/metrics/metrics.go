package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pool metrics
	WorkerGeneration = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_worker_generation",
			Help: "Current generation of each pet-server worker",
		},
		[]string{"pet_idx"},
	)

	WorkerRSSMegabytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_worker_rss_megabytes",
			Help: "Resident set size of each pet-server worker in MB",
		},
		[]string{"pet_idx"},
	)

	WorkerRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_worker_restarts_total",
			Help: "Total number of worker restart triggers by cause",
		},
		[]string{"pet_idx", "cause"},
	)

	// Arbiter metrics
	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_arbiter_probes_total",
			Help: "Total number of probe requests answered per worker",
		},
		[]string{"pet_idx"},
	)

	SupervisorErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_arbiter_supervisor_errors_total",
			Help: "Total number of supervisor loop iterations that failed",
		},
	)

	// Session metrics
	SessionsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	SessionsArchivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_sessions_archived_total",
			Help: "Total number of sessions archived",
		},
	)

	CallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_calls_total",
			Help: "Total number of session manager calls by route and outcome",
		},
		[]string{"route", "outcome"},
	)

	CallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hutch_call_duration_seconds",
			Help:    "Session manager call duration in seconds by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hutch_lock_wait_duration_seconds",
			Help:    "Time spent waiting for a worker lock in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Replay metrics
	ReplaysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_replays_total",
			Help: "Total number of replay walks performed",
		},
	)

	ReplayStepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_replay_steps_total",
			Help: "Total number of individual RPCs re-executed during replay",
		},
	)

	ReplayDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hutch_replay_duration_seconds",
			Help:    "Replay walk duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)
)

func init() {
	prometheus.MustRegister(WorkerGeneration)
	prometheus.MustRegister(WorkerRSSMegabytes)
	prometheus.MustRegister(WorkerRestartsTotal)
	prometheus.MustRegister(ProbesTotal)
	prometheus.MustRegister(SupervisorErrorsTotal)
	prometheus.MustRegister(SessionsCreatedTotal)
	prometheus.MustRegister(SessionsArchivedTotal)
	prometheus.MustRegister(CallsTotal)
	prometheus.MustRegister(CallDuration)
	prometheus.MustRegister(LockWaitDuration)
	prometheus.MustRegister(ReplaysTotal)
	prometheus.MustRegister(ReplayStepsTotal)
	prometheus.MustRegister(ReplayDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
