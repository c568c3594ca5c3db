package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/draftpr/internal/http"

const (
	approvalRoute = "/api/v1/jobs/:id/approval"
	artifactRoute = "/api/v1/jobs/:id/artifacts/:name"
)

// routeMetrics records per-route API usage. Approval submissions are also
// counted by outcome and artifact downloads by size.
type routeMetrics struct {
	logger        *zap.Logger
	requests      metric.Int64Counter
	duration      metric.Float64Histogram
	inFlight      metric.Int64UpDownCounter
	approvals     metric.Int64Counter
	artifactBytes metric.Int64Histogram
}

func newRouteMetrics(meter metric.Meter, logger *zap.Logger) *routeMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &routeMetrics{logger: logger}

	var err error
	if m.requests, err = meter.Int64Counter("draftpr.http.requests",
		metric.WithDescription("API requests by route, route group and status class."),
		metric.WithUnit("{request}"),
	); err != nil {
		m.warn("requests", err)
	}
	if m.duration, err = meter.Float64Histogram("draftpr.http.request.duration",
		metric.WithDescription("API request latency by route."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 1, 5, 30),
	); err != nil {
		m.warn("request duration", err)
	}
	if m.inFlight, err = meter.Int64UpDownCounter("draftpr.http.requests.in_flight",
		metric.WithDescription("API requests being served."),
		metric.WithUnit("{request}"),
	); err != nil {
		m.warn("in-flight requests", err)
	}
	if m.approvals, err = meter.Int64Counter("draftpr.http.approvals",
		metric.WithDescription("Approval submissions by outcome: accepted, rejected, throttled or unauthorized."),
		metric.WithUnit("{approval}"),
	); err != nil {
		m.warn("approvals", err)
	}
	if m.artifactBytes, err = meter.Int64Histogram("draftpr.http.artifact.size",
		metric.WithDescription("Bytes served per artifact download."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(1<<10, 16<<10, 256<<10, 1<<20, 16<<20),
	); err != nil {
		m.warn("artifact size", err)
	}
	return m
}

func (m *routeMetrics) warn(instrument string, err error) {
	m.logger.Warn("failed to create instrument", zap.String("instrument", instrument), zap.Error(err))
}

func (m *routeMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1)
				defer m.inFlight.Add(ctx, -1)
			}

			err := next(c)
			status := responseStatus(c, err)

			route := routeLabel(c.Path())
			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", route),
				attribute.String("route_group", routeGroup(route)),
				attribute.String("status_class", statusClass(status)),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.duration != nil {
				m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			}

			switch route {
			case approvalRoute:
				if m.approvals != nil && c.Request().Method == http.MethodPost {
					m.approvals.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", approvalOutcome(status))))
				}
			case artifactRoute:
				if m.artifactBytes != nil && status == http.StatusOK {
					m.artifactBytes.Record(ctx, c.Response().Size)
				}
			}
			return err
		}
	}
}

// responseStatus is the status the error handler will write when the
// handler returned an error before committing a response.
func responseStatus(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

// routeLabel is the matched route pattern, so job IDs never become label
// values.
func routeLabel(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}

func routeGroup(route string) string {
	switch {
	case route == approvalRoute:
		return "approvals"
	case strings.HasPrefix(route, "/api/v1/jobs/:id/artifacts"):
		return "artifacts"
	case strings.HasPrefix(route, "/api/v1/jobs"):
		return "jobs"
	case strings.HasPrefix(route, "/api/"):
		return "api"
	case route == "unmatched":
		return "unmatched"
	}
	return "ops"
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	}
	return "2xx"
}

func approvalOutcome(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "throttled"
	case status == http.StatusUnauthorized:
		return "unauthorized"
	case status < 300:
		return "accepted"
	}
	return "rejected"
}
