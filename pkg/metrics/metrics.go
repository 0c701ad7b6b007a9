// Package metrics 提供 Prometheus 指标采集功能
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "story_architect"
)

var (
	// HTTP 请求指标
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// 业务指标 - 流水线
	StageGenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_generations_total",
			Help:      "Total number of stage generation attempts by outcome",
		},
		[]string{"stage", "outcome"},
	)

	StageGenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_generation_duration_seconds",
			Help:      "Wall time of one stage run including retries",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 40, 60, 120, 300},
		},
		[]string{"stage"},
	)

	AdapterCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "adapter_calls_total",
			Help:      "Total number of provider adapter calls",
		},
		[]string{"provider", "result"},
	)

	AdapterRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "adapter_retries_total",
			Help:      "Retries triggered by recoverable provider errors",
		},
		[]string{"provider", "error_kind"},
	)

	ContradictionsDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "contradictions_detected_total",
			Help:      "Contradictions flagged by the consistency validator",
		},
		[]string{"kind", "severity"},
	)

	ProjectsGenerating = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "projects_generating",
			Help:      "Number of projects currently running a stage",
		},
	)
)
