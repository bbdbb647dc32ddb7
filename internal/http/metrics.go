package http

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// InstrumentationName names the meter for review API metrics.
const InstrumentationName = "github.com/fyrsmithlabs/verdict/internal/http"

// HTTPMetrics records OpenTelemetry request metrics for the review API.
// The promauto kernel metrics on /metrics are separate.
type HTTPMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

// NewHTTPMetrics creates request instruments on meter, or on the global
// meter provider when meter is nil.
func NewHTTPMetrics(meter metric.Meter, logger *zap.Logger) *HTTPMetrics {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &HTTPMetrics{}
	var err error
	if m.requests, err = meter.Int64Counter(
		"verdict.http.requests_total",
		metric.WithDescription("Review API requests by method, route and status class."),
		metric.WithUnit("{request}"),
	); err != nil {
		logger.Warn("failed to create requests counter", zap.Error(err))
	}
	if m.duration, err = meter.Float64Histogram(
		"verdict.http.request_duration_seconds",
		metric.WithDescription("Review API request duration by method and route."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}
	if m.inFlight, err = meter.Int64UpDownCounter(
		"verdict.http.in_flight",
		metric.WithDescription("Review API requests currently being served"),
		metric.WithUnit("{request}"),
	); err != nil {
		logger.Warn("failed to create in-flight counter", zap.Error(err))
	}
	return m
}

// Middleware returns an Echo middleware that records request metrics.
func (m *HTTPMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1)
			}

			err := next(c)
			if err != nil {
				// Let echo write the error response so the status is final.
				c.Error(err)
			}

			route := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", routeLabel(c.Path())),
			)
			if m.inFlight != nil {
				m.inFlight.Add(ctx, -1)
			}
			if m.duration != nil {
				m.duration.Record(ctx, time.Since(start).Seconds(), route)
			}
			if m.requests != nil {
				m.requests.Add(ctx, 1, route, metric.WithAttributes(
					attribute.String("status_class", statusClass(c.Response().Status)),
				))
			}
			return nil
		}
	}
}

// routeLabel keeps cardinality bounded. Echo reports the route pattern
// (/api/v1/audits/:id), so only unmatched requests need a label.
func routeLabel(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}

// statusClass maps 404 to "4xx" and so on.
func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}
