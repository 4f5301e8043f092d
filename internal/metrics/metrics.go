// Package metrics exposes stage, job and outbox counters to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/models"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/pipeline"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	StageExecutions *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	ActiveStages    prometheus.Gauge
	JobRuns         *prometheus.CounterVec
	OutboxPublishes *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		StageExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stageflow",
			Name:      "stage_executions_total",
			Help:      "Stage executions by pipeline, stage and outcome.",
		}, []string{"pipeline", "stage", "outcome"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stageflow",
			Name:      "stage_duration_seconds",
			Help:      "Stage execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"pipeline", "stage"}),
		ActiveStages: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "stageflow",
			Name:      "active_stages",
			Help:      "Stages currently executing.",
		}),
		JobRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stageflow",
			Name:      "job_runs_total",
			Help:      "Worker runs by workflow type and resulting status.",
		}, []string{"workflow_type", "status"}),
		OutboxPublishes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stageflow",
			Name:      "outbox_publishes_total",
			Help:      "Outbox publish attempts by routing key and result.",
		}, []string{"routing_key", "result"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) StageStarted(models.PipelineMetadata, string) {
	m.ActiveStages.Inc()
}

func (m *Metrics) StageFinished(meta models.PipelineMetadata, stage string, status pipeline.ResultStatus, _ error, elapsed time.Duration) {
	m.ActiveStages.Dec()
	m.StageExecutions.WithLabelValues(meta.PipelineName, stage, status.String()).Inc()
	m.StageDuration.WithLabelValues(meta.PipelineName, stage).Observe(elapsed.Seconds())
}

// InstrumentRunner counts the outcome of every run of next.
func (m *Metrics) InstrumentRunner(next service.JobRunner) service.JobRunner {
	return runnerFunc(func(ctx context.Context, req service.Request) (models.WorkflowJob, error) {
		job, err := next.Run(ctx, req)
		status := string(job.Status)
		if err != nil {
			status = "error"
		}
		m.JobRuns.WithLabelValues(string(job.WorkflowType), status).Inc()
		return job, err
	})
}

// InstrumentPublisher counts publish attempts of next.
func (m *Metrics) InstrumentPublisher(next service.Publisher) service.Publisher {
	return publisherFunc(func(ctx context.Context, msg models.OutboxMessage) error {
		err := next.Publish(ctx, msg)
		result := "sent"
		if err != nil {
			result = "error"
		}
		m.OutboxPublishes.WithLabelValues(msg.RoutingKey, result).Inc()
		return err
	})
}

type runnerFunc func(ctx context.Context, req service.Request) (models.WorkflowJob, error)

func (f runnerFunc) Run(ctx context.Context, req service.Request) (models.WorkflowJob, error) {
	return f(ctx, req)
}

type publisherFunc func(ctx context.Context, msg models.OutboxMessage) error

func (f publisherFunc) Publish(ctx context.Context, msg models.OutboxMessage) error {
	return f(ctx, msg)
}
