package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EastsCloud/property-management/internal/billing"
)

var _ billing.Instrumentation = (*Metrics)(nil)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestMetricsHandlerExposesPrometheusMetrics(t *testing.T) {
	body := scrape(t, NewMetrics())
	assert.Contains(t, body, "propdesk_billing_invoices_settled_total 0")
	assert.Contains(t, body, "go_goroutines")
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusTeapot, rr.Code)

	body := scrape(t, metrics)
	assert.Contains(t, body, `propdesk_http_requests_total{code="418",route="/test"} 1`)
	assert.Contains(t, body, `propdesk_http_request_duration_seconds_bucket{route="/test"`)
}

func TestBillingInstrumentation(t *testing.T) {
	metrics := NewMetrics()
	metrics.InvoiceCreated("area")
	metrics.InvoiceCreated("")
	metrics.PaymentRecorded("cash")
	metrics.PaymentRecorded("cash")
	metrics.InvoiceSettled()
	metrics.OverdueMarked(3)
	metrics.BalanceDrift(2)

	body := scrape(t, metrics)
	for _, want := range []string{
		`propdesk_billing_invoices_created_total{link_to="area"} 1`,
		`propdesk_billing_invoices_created_total{link_to="none"} 1`,
		`propdesk_billing_payments_recorded_total{method="cash"} 2`,
		`propdesk_billing_invoices_settled_total 1`,
		`propdesk_billing_invoices_overdue_marked_total 3`,
		`propdesk_billing_balance_drift_invoices 2`,
	} {
		assert.True(t, strings.Contains(body, want), "missing %s", want)
	}
}

func TestNilMetricsHandlerIsUnavailable(t *testing.T) {
	var m *Metrics
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
