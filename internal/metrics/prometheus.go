package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grader_run_duration_seconds",
			Help:    "Grading run duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 180},
		},
		[]string{"subject", "fast_path"},
	)

	RunTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grader_run_total",
			Help: "Total grading runs by terminal status",
		},
		[]string{"status"},
	)

	IterationsPerRun = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "grader_run_iterations",
			Help:    "Agent loop iterations per run",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)

	TokensCharged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grader_tokens_charged_total",
			Help: "Total provider tokens charged against run budgets",
		},
		[]string{"provider"},
	)

	ParseRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "grader_aggregate_parse_retries_total",
			Help: "Aggregation outputs retried with an enlarged output ceiling",
		},
	)

	ReviewClassifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grader_review_classifications_total",
			Help: "Grade results by review classification",
		},
		[]string{"classification"},
	)

	ConfidenceScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "grader_confidence_score",
			Help:    "Grade result confidence scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	JobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grader_jobs_submitted_total",
			Help: "Submissions by idempotency outcome",
		},
		[]string{"outcome"},
	)

	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grader_jobs_completed_total",
			Help: "Jobs reaching a terminal status",
		},
		[]string{"status"},
	)

	EventsPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "grader_events_published_total",
			Help: "Progress events published across all jobs",
		},
	)

	EventSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "grader_event_subscribers",
			Help: "Active event stream subscribers",
		},
	)

	ProviderCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grader_provider_calls_total",
			Help: "Provider adapter calls",
		},
		[]string{"provider", "status"},
	)
)

func Init() {
	prometheus.MustRegister(RunDuration)
	prometheus.MustRegister(RunTotal)
	prometheus.MustRegister(IterationsPerRun)
	prometheus.MustRegister(TokensCharged)
	prometheus.MustRegister(ParseRetries)
	prometheus.MustRegister(ReviewClassifications)
	prometheus.MustRegister(ConfidenceScore)
	prometheus.MustRegister(JobsSubmitted)
	prometheus.MustRegister(JobsCompleted)
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(EventSubscribers)
	prometheus.MustRegister(ProviderCalls)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
