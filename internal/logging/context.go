package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	jobCtxKey     struct{}
	ownerCtxKey   struct{}
	requestCtxKey struct{}
	loggerCtxKey  struct{}
)

// Owner identifies who a job or request acts for.
type Owner struct {
	UserID string
	OrgID  string
}

// maxIDLen bounds context IDs copied into every log line.
const maxIDLen = 128

func clip(s string) string {
	if len(s) > maxIDLen {
		return s[:maxIDLen]
	}
	return s
}

// WithJobID tags ctx with the job being processed.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobCtxKey{}, clip(jobID))
}

// JobIDFromContext returns the job ID set by WithJobID.
func JobIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(jobCtxKey{}).(string)
	return s
}

// WithOwner tags ctx with the acting user and org.
func WithOwner(ctx context.Context, o Owner) context.Context {
	o.UserID, o.OrgID = clip(o.UserID), clip(o.OrgID)
	return context.WithValue(ctx, ownerCtxKey{}, o)
}

// OwnerFromContext returns the owner set by WithOwner.
func OwnerFromContext(ctx context.Context) (Owner, bool) {
	o, ok := ctx.Value(ownerCtxKey{}).(Owner)
	return o, ok
}

// WithRequestID tags ctx with an HTTP request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, clip(id))
}

// RequestIDFromContext returns the request ID set by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(requestCtxKey{}).(string)
	return s
}

// ContextFields returns the correlation fields carried by ctx.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	var fields []zap.Field
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := JobIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("job_id", id))
	}
	if o, ok := OwnerFromContext(ctx); ok {
		if o.UserID != "" {
			fields = append(fields, zap.String("user_id", o.UserID))
		}
		if o.OrgID != "" {
			fields = append(fields, zap.String("org_id", o.OrgID))
		}
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	return fields
}

// WithLogger stores l in ctx.
func WithLogger(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, l)
}

// FromContext returns the logger stored by WithLogger, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return Nop()
}
