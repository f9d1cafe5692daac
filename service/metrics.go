package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pipelineOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contractlens_pipeline_runs_total",
		Help: "Contract processing runs by outcome",
	}, []string{"outcome"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "contractlens_pipeline_stage_duration_seconds",
		Help:    "Time spent in each processing stage",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"stage"})

	llmRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contractlens_llm_requests_total",
		Help: "Chat completion requests by result",
	}, []string{"result"})

	llmRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "contractlens_llm_request_duration_seconds",
		Help:    "Chat completion latency",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 60},
	})
)

const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"

	stageParse   = "parse"
	stageText    = "text"
	stageExtract = "extract"
)
