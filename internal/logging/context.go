package logging

import (
	"context"
	"fmt"
	"regexp"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}
	if id := SignalIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("signal.id", id))
	}
	if id := AdjustmentIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("adjustment.id", id))
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	return fields
}

type (
	signalCtxKey     struct{}
	adjustmentCtxKey struct{}
	requestCtxKey    struct{}
	loggerCtxKey     struct{}
)

const maxIDLen = 128

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

func validateID(id, name string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("%s exceeds max length %d", name, maxIDLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters", name)
	}
	return nil
}

// withID stores id under key. Invalid ids are dropped rather than logged,
// since they usually come straight from request input.
func withID(ctx context.Context, key any, id, name string) context.Context {
	if validateID(id, name) != nil {
		return ctx
	}
	return context.WithValue(ctx, key, id)
}

func idFromContext(ctx context.Context, key any) string {
	if s, ok := ctx.Value(key).(string); ok {
		return s
	}
	return ""
}

// WithSignalID tags ctx with the signal being processed.
func WithSignalID(ctx context.Context, id string) context.Context {
	return withID(ctx, signalCtxKey{}, id, "signal id")
}

// SignalIDFromContext returns the signal id, or "".
func SignalIDFromContext(ctx context.Context) string {
	return idFromContext(ctx, signalCtxKey{})
}

// WithAdjustmentID tags ctx with the adjustment being decided.
func WithAdjustmentID(ctx context.Context, id string) context.Context {
	return withID(ctx, adjustmentCtxKey{}, id, "adjustment id")
}

// AdjustmentIDFromContext returns the adjustment id, or "".
func AdjustmentIDFromContext(ctx context.Context) string {
	return idFromContext(ctx, adjustmentCtxKey{})
}

// WithRequestID tags ctx with the surface request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withID(ctx, requestCtxKey{}, id, "request id")
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	return idFromContext(ctx, requestCtxKey{})
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger in ctx, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}
