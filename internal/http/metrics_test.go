package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fyrsmithlabs/taskflow/internal/telemetry"
)

func TestHTTPMetrics_MetricsMiddleware(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	m := NewHTTPMetrics(tel.MeterProvider(), nil)

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/api/v1/sessions/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, c.Param("id"))
	})
	e.GET("/missing", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "gone")
	})

	for _, target := range []string{"/api/v1/sessions/a", "/api/v1/sessions/b", "/missing"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	}

	assert.Equal(t, int64(2), tel.SumValue(t, "taskflow.http.requests_total",
		attribute.String("endpoint", "/api/v1/sessions/:id"),
		attribute.Int("status", http.StatusOK),
	), "route template is the label, not the raw path")
	assert.Equal(t, int64(1), tel.SumValue(t, "taskflow.http.requests_total",
		attribute.String("endpoint", "/missing"),
		attribute.Int("status", http.StatusNotFound),
	), "handler errors are recorded with their resolved status")
	assert.Equal(t, int64(0), tel.SumValue(t, "taskflow.http.active_requests"))
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "unmatched", routeLabel(""))
	assert.Equal(t, "/api/v1/run", routeLabel("/api/v1/run"))
}
