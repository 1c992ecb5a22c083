package extraction

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extraction_jobs_total",
		Help: "Extraction jobs processed, by final status",
	}, []string{"status"})

	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "extraction_job_duration_seconds",
		Help:    "Wall-clock duration of extraction jobs",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	entitiesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "extraction_entities_created_total",
		Help: "Entities newly created by check-create",
	})

	racesDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "extraction_creation_races_total",
		Help: "Creation races lost and resolved by deleting our duplicate",
	})

	llmTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extraction_llm_tokens_total",
		Help: "LLM tokens consumed, by kind",
	}, []string{"kind"})

	llmCost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "extraction_llm_cost_dollars_total",
		Help: "Accumulated informational LLM cost in dollars",
	})

	updateBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extraction_update_batches_total",
		Help: "Additive update batches fired, by outcome",
	}, []string{"outcome"})
)
