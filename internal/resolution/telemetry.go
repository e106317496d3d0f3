package resolution

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fyrsmithlabs/jobcore/internal/conflict"
)

// InstrumentationName is the name used for OTEL instrumentation.
const InstrumentationName = "github.com/fyrsmithlabs/jobcore/internal/resolution"

// Metrics provides OpenTelemetry metrics for the pipeline.
type Metrics struct {
	attemptsTotal     metric.Int64Counter
	checkFailures     metric.Int64Counter
	timeoutsTotal     metric.Int64Counter
	generateDuration  metric.Float64Histogram
	validateDuration  metric.Float64Histogram
	blockedFilesTotal metric.Int64Counter

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

	m.attemptsTotal, err = meter.Int64Counter(
		"jobcore.resolution.attempts.total",
		metric.WithDescription("Resolution attempts by method"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	m.checkFailures, err = meter.Int64Counter(
		"jobcore.resolution.check_failures.total",
		metric.WithDescription("Rejected candidates by failing check"),
		metric.WithUnit("{candidate}"),
	)
	if err != nil {
		return nil, err
	}

	m.timeoutsTotal, err = meter.Int64Counter(
		"jobcore.resolution.timeouts.total",
		metric.WithDescription("Generator and test timeouts"),
		metric.WithUnit("{timeout}"),
	)
	if err != nil {
		return nil, err
	}

	m.generateDuration, err = meter.Float64Histogram(
		"jobcore.resolution.generate.duration.seconds",
		metric.WithDescription("Candidate generation latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return nil, err
	}

	m.validateDuration, err = meter.Float64Histogram(
		"jobcore.resolution.validate.duration.seconds",
		metric.WithDescription("Validator battery latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	m.blockedFilesTotal, err = meter.Int64Counter(
		"jobcore.resolution.blocked_files.total",
		metric.WithDescription("Files left unresolved"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return nil, err
	}

	m.initialized = true
	return m, nil
}

// RecordAttempt records an appended attempt.
func (m *Metrics) RecordAttempt(ctx context.Context, a Attempt) {
	if m == nil || !m.initialized {
		return
	}
	m.attemptsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", string(a.Method)),
		attribute.String("language", conflict.DetectLanguage(a.FilePath)),
	))
}

// RecordCheckFailure records a rejected candidate.
func (m *Metrics) RecordCheckFailure(ctx context.Context, check string) {
	if m == nil || !m.initialized {
		return
	}
	m.checkFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("check", check)))
}

// RecordTimeout records a generator or test timeout.
func (m *Metrics) RecordTimeout(ctx context.Context, stage string) {
	if m == nil || !m.initialized {
		return
	}
	m.timeoutsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordGenerate records generator latency.
func (m *Metrics) RecordGenerate(ctx context.Context, d time.Duration, err error) {
	if m == nil || !m.initialized {
		return
	}
	m.generateDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("error", err != nil)))
}

// RecordValidate records validator latency.
func (m *Metrics) RecordValidate(ctx context.Context, d time.Duration, passed bool) {
	if m == nil || !m.initialized {
		return
	}
	m.validateDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("passed", passed)))
}

// RecordBlocked records a blocked file.
func (m *Metrics) RecordBlocked(ctx context.Context) {
	if m == nil || !m.initialized {
		return
	}
	m.blockedFilesTotal.Add(ctx, 1)
}

// Tracer returns a tracer for the resolution package.
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
