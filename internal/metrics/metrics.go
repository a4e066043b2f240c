package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RetryAttempts counts operation invocations made by the retry executor.
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manuscript_retry_attempts_total",
			Help: "Total number of attempts made by the retry executor",
		},
		[]string{"operation"},
	)

	// RetryFailures counts classified failures per operation and category.
	RetryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manuscript_retry_failures_total",
			Help: "Total number of classified operation failures",
		},
		[]string{"operation", "category"},
	)

	// ScreeningJobs counts plagiarism jobs by terminal status.
	ScreeningJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manuscript_screening_jobs_total",
			Help: "Total number of plagiarism jobs by final status",
		},
		[]string{"status"},
	)

	// ActiveScreeningJobs tracks jobs between dispatch and a terminal status.
	ActiveScreeningJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "manuscript_screening_jobs_active",
			Help: "Number of plagiarism jobs currently queued or running",
		},
	)

	ScreeningDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "manuscript_screening_duration_seconds",
			Help:    "Time from job creation to terminal status",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	SimilarityScores = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "manuscript_similarity_score",
			Help:    "Similarity scores reported by the analysis engine",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		},
	)

	// Transitions counts applied manuscript state transitions.
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manuscript_transitions_total",
			Help: "Total number of manuscript state transitions",
		},
		[]string{"from", "to"},
	)

	// AuthorizationDenials counts capability gate denials.
	AuthorizationDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manuscript_authorization_denials_total",
			Help: "Total number of transitions denied by the capability gate",
		},
		[]string{"role", "transition"},
	)

	// SubmissionBacklog is the last observed number of ready submission messages.
	SubmissionBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "manuscript_submission_backlog",
			Help: "Ready messages waiting in the submission queue",
		},
	)
)
