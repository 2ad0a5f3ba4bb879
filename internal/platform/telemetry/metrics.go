package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "deid"

// Metrics exposes counters and histograms for pipeline runs. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	replacements       *prometheus.CounterVec
	detectionFailures  *prometheus.CounterVec
	flaggedAttachments prometheus.Counter
	failedResources    prometheus.Counter
	unhandledResources *prometheus.CounterVec
	leaks              *prometheus.CounterVec
	ingestRetries      prometheus.Counter
	stageDuration      *prometheus.HistogramVec
	runs               *prometheus.CounterVec
	tokens             *prometheus.GaugeVec
	minK               prometheus.Gauge
	integrityRatio     prometheus.Gauge
}

// NewMetrics registers the pipeline collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		replacements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "anonymizer",
			Name:      "replacements_total",
			Help:      "PHI values replaced with tokens",
		}, []string{"entity_type", "source"}),
		detectionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "anonymizer",
			Name:      "detection_failures_total",
			Help:      "Texts whose entity detection failed and were treated as containing no entities",
		}, []string{"detector"}),
		flaggedAttachments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "anonymizer",
			Name:      "flagged_attachments_total",
			Help:      "Attachments left untouched because they could not be decoded or re-encoded",
		}),
		failedResources: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "anonymizer",
			Name:      "failed_resources_total",
			Help:      "Resources withheld from the output after an anonymization error",
		}),
		unhandledResources: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "anonymizer",
			Name:      "unhandled_resources_total",
			Help:      "Resources passed through without a field handler",
		}, []string{"resource_type"}),
		leaks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compliance",
			Name:      "regex_leaks_total",
			Help:      "Residual PHI pattern matches in scrubbed output",
		}, []string{"pattern"}),
		ingestRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "ingest_retries_total",
			Help:      "Ingest attempts that failed and were retried",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Time spent reaching each pipeline state",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by final audit status",
		}, []string{"status"}),
		tokens: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "token_store",
			Name:      "tokens",
			Help:      "Tokens created or reused during the run",
		}, []string{"outcome"}),
		minK: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "compliance",
			Name:      "min_k",
			Help:      "Smallest quasi-identifier group size in the last verified bundle",
		}),
		integrityRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "compliance",
			Name:      "integrity_ratio",
			Help:      "Child resources per patient in the last verified bundle",
		}),
	}
	reg.MustRegister(
		m.replacements, m.detectionFailures, m.flaggedAttachments, m.failedResources,
		m.unhandledResources, m.leaks, m.ingestRetries, m.stageDuration, m.runs,
		m.tokens, m.minK, m.integrityRatio,
	)
	return m
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveReplacement(entityType, source string) {
	if m == nil {
		return
	}
	m.replacements.WithLabelValues(entityType, source).Inc()
}

func (m *Metrics) ObserveDetectionFailure(detector string) {
	if m == nil {
		return
	}
	m.detectionFailures.WithLabelValues(detector).Inc()
}

func (m *Metrics) ObserveFlaggedAttachment() {
	if m == nil {
		return
	}
	m.flaggedAttachments.Inc()
}

func (m *Metrics) ObserveFailedResource() {
	if m == nil {
		return
	}
	m.failedResources.Inc()
}

func (m *Metrics) ObserveUnhandledResource(resourceType string) {
	if m == nil {
		return
	}
	m.unhandledResources.WithLabelValues(resourceType).Inc()
}

func (m *Metrics) ObserveLeak(pattern string) {
	if m == nil {
		return
	}
	m.leaks.WithLabelValues(pattern).Inc()
}

func (m *Metrics) ObserveIngestRetry() {
	if m == nil {
		return
	}
	m.ingestRetries.Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) ObserveRun(status string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
}

func (m *Metrics) SetTokenCounts(created, reused int64) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues("created").Set(float64(created))
	m.tokens.WithLabelValues("reused").Set(float64(reused))
}

func (m *Metrics) SetCompliance(minK int, integrityRatio float64) {
	if m == nil {
		return
	}
	m.minK.Set(float64(minK))
	m.integrityRatio.Set(integrityRatio)
}

// Push sends every collector to a Prometheus Pushgateway under job. An empty
// url is a no-op.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if m == nil || url == "" {
		return nil
	}
	if err := push.New(url, job).Gatherer(m.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("telemetry: push metrics: %w", err)
	}
	return nil
}
