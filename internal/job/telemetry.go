package job

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the name used for OTEL instrumentation.
const InstrumentationName = "github.com/fyrsmithlabs/jobcore/internal/job"

// Metrics provides OpenTelemetry metrics for the job manager.
type Metrics struct {
	submittedTotal metric.Int64Counter
	finishedTotal  metric.Int64Counter
	runningCount   metric.Int64UpDownCounter
	runDuration    metric.Float64Histogram
	queueWait      metric.Float64Histogram

	initialized bool
}

// NewMetrics creates a new Metrics instance with the provided meter.
// If meter is nil, uses the global meter provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	m := &Metrics{}
	var err error

	m.submittedTotal, err = meter.Int64Counter(
		"jobcore.job.submitted.total",
		metric.WithDescription("Jobs submitted, by admission result"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, err
	}

	m.finishedTotal, err = meter.Int64Counter(
		"jobcore.job.finished.total",
		metric.WithDescription("Runs finished, by resulting status and error kind"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	m.runningCount, err = meter.Int64UpDownCounter(
		"jobcore.job.running",
		metric.WithDescription("Jobs currently running"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, err
	}

	m.runDuration, err = meter.Float64Histogram(
		"jobcore.job.run.duration.seconds",
		metric.WithDescription("Wall time of a single run"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600),
	)
	if err != nil {
		return nil, err
	}

	m.queueWait, err = meter.Float64Histogram(
		"jobcore.job.queue_wait.seconds",
		metric.WithDescription("Time from queued to running"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.initialized = true
	return m, nil
}

// RecordSubmitted records a submission.
func (m *Metrics) RecordSubmitted(ctx context.Context, admitted bool) {
	if m == nil || !m.initialized {
		return
	}
	m.submittedTotal.Add(ctx, 1, metric.WithAttributes(attribute.Bool("admitted", admitted)))
}

// RecordStarted records a job entering running.
func (m *Metrics) RecordStarted(ctx context.Context, queuedFor time.Duration) {
	if m == nil || !m.initialized {
		return
	}
	m.runningCount.Add(ctx, 1)
	m.queueWait.Record(ctx, queuedFor.Seconds())
}

// RecordFinished records a run leaving running.
func (m *Metrics) RecordFinished(ctx context.Context, j *Job, d time.Duration) {
	if m == nil || !m.initialized {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("status", string(j.Status)),
		attribute.String("error_kind", string(j.ErrorKind)),
	)
	m.runningCount.Add(ctx, -1)
	m.finishedTotal.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, d.Seconds(), attrs)
}

// Tracer returns a tracer for the job package.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// StartSpan starts a span tagged with the job ID.
func StartSpan(ctx context.Context, name, jobID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("job.id", jobID))
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError records an error on the current span.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
