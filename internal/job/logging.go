package job

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Logger provides structured logging for job lifecycle events.
type Logger struct {
	logger *zap.Logger
}

// NewLogger creates a new job logger. A nil logger disables logging.
func NewLogger(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger.Named("job")}
}

// Submitted logs a newly created job.
func (l *Logger) Submitted(ctx context.Context, j *Job) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, j)
	fields = append(fields,
		zap.String("repository", j.Repository),
		zap.Stringer("priority", j.Priority),
		zap.Int64("cost", j.Cost),
	)
	if j.ParentID != "" {
		fields = append(fields, zap.String("parent_id", j.ParentID), zap.Int("chain_length", j.ChainLength))
	}
	l.logger.Info("job submitted", fields...)
}

// Transition logs a committed status change.
func (l *Logger) Transition(ctx context.Context, j *Job, from Status) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, j)
	fields = append(fields, zap.String("from", string(from)), zap.String("to", string(j.Status)))
	l.logger.Debug("job transitioned", fields...)
}

// Denied logs an admission denial.
func (l *Logger) Denied(ctx context.Context, j *Job, reason string) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, j)
	fields = append(fields, zap.String("reason", reason))
	l.logger.Info("job denied by admission", fields...)
}

// Finished logs a run outcome.
func (l *Logger) Finished(ctx context.Context, j *Job, duration time.Duration) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, j)
	fields = append(fields, zap.Duration("duration", duration))
	switch j.Status {
	case StatusSuccess:
		l.logger.Info("job succeeded", fields...)
	case StatusCancelled:
		l.logger.Info("job cancelled", fields...)
	default:
		fields = append(fields,
			zap.String("error_kind", string(j.ErrorKind)),
			zap.String("error", j.ErrorMessage),
			zap.Strings("blocking_files", j.BlockingFiles),
		)
		l.logger.Warn("job failed", fields...)
	}
}

// RetryScheduled logs a pending automatic retry.
func (l *Logger) RetryScheduled(ctx context.Context, j *Job, delay time.Duration) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, j)
	fields = append(fields,
		zap.Int("retry_count", j.RetryCount),
		zap.Int("max_retries", j.MaxRetries),
		zap.Duration("delay", delay),
	)
	l.logger.Info("job retry scheduled", fields...)
}

// Defect logs a state machine violation inside the manager.
func (l *Logger) Defect(ctx context.Context, msg string, err error, j *Job) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, j)
	fields = append(fields, zap.Error(err))
	l.logger.Error(msg, fields...)
}

// Error logs an error with context.
func (l *Logger) Error(ctx context.Context, msg string, err error, fields ...zap.Field) {
	if l == nil || l.logger == nil {
		return
	}
	allFields := l.traceFields(ctx)
	allFields = append(allFields, zap.Error(err))
	allFields = append(allFields, fields...)
	l.logger.Error(msg, allFields...)
}

// Debug logs a debug message with context.
func (l *Logger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	if l == nil || l.logger == nil {
		return
	}
	allFields := l.traceFields(ctx)
	allFields = append(allFields, fields...)
	l.logger.Debug(msg, allFields...)
}

func (l *Logger) baseFields(ctx context.Context, j *Job) []zap.Field {
	if j == nil {
		return l.traceFields(ctx)
	}
	fields := []zap.Field{
		zap.String("job_id", j.ID),
		zap.String("user_id", j.UserID),
		zap.String("status", string(j.Status)),
	}
	if j.OrgID != "" {
		fields = append(fields, zap.String("org_id", j.OrgID))
	}
	return append(fields, l.traceFields(ctx)...)
}

func (l *Logger) traceFields(ctx context.Context) []zap.Field {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return nil
	}
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}
