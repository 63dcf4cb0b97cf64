package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_jobs_created_total",
			Help: "Total number of jobs created by operation kind",
		},
		[]string{"operation"},
	)

	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_jobs_completed_total",
			Help: "Total number of jobs reaching a terminal state",
		},
		[]string{"operation", "state"},
	)

	ChunksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_chunks_processed_total",
			Help: "Total number of chunks processed successfully by operation kind",
		},
		[]string{"operation"},
	)

	ChunksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_chunks_failed_total",
			Help: "Total number of chunks permanently failed by operation kind",
		},
		[]string{"operation"},
	)

	ChunkRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tally_chunk_retries_total",
			Help: "Total number of chunk retry dispatches",
		},
	)

	// Scheduler metrics
	SchedulerTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tally_scheduler_tick_duration_seconds",
			Help:    "Duration of one scheduler dispatch tick in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ActiveJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tally_scheduler_active_jobs",
			Help: "Number of job instances registered with the scheduler",
		},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tally_queue_depth",
			Help: "Number of messages currently enqueued per queue",
		},
		[]string{"queue"},
	)

	DeadLetters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_queue_deadletters_total",
			Help: "Total number of messages dead-lettered per queue",
		},
		[]string{"queue"},
	)

	// Crypto service connection pool metrics
	PoolLeased = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tally_crypto_pool_leased",
			Help: "Connections currently leased from the crypto service pool",
		},
	)

	PoolPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tally_crypto_pool_pending",
			Help: "Requests currently waiting for a pooled connection",
		},
	)

	PoolAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tally_crypto_pool_available",
			Help: "Remaining connection capacity of the crypto service pool",
		},
	)

	CryptoRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_crypto_requests_total",
			Help: "Total requests to the crypto service by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	CryptoRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tally_crypto_request_duration_seconds",
			Help:    "Crypto service request duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"endpoint"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tally_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(JobsCreated)
	prometheus.MustRegister(JobsCompleted)
	prometheus.MustRegister(ChunksProcessed)
	prometheus.MustRegister(ChunksFailed)
	prometheus.MustRegister(ChunkRetries)
	prometheus.MustRegister(SchedulerTickDuration)
	prometheus.MustRegister(ActiveJobs)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(DeadLetters)
	prometheus.MustRegister(PoolLeased)
	prometheus.MustRegister(PoolPending)
	prometheus.MustRegister(PoolAvailable)
	prometheus.MustRegister(CryptoRequests)
	prometheus.MustRegister(CryptoRequestDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
