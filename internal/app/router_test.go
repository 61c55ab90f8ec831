package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EastsCloud/property-management/internal/billing"
	"github.com/EastsCloud/property-management/internal/observability"
	"github.com/EastsCloud/property-management/jobs"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		AppEnv:             "test",
		AppRequestTimeout:  5 * time.Second,
		DatabaseURL:        "sqlite:///" + filepath.Join(t.TempDir(), "router.db"),
		RateLimitPerMinute: 100,
	}
}

func newTestServer(t *testing.T, cfg *Config) (http.Handler, *observability.Metrics) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	store, err := OpenStore(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	metrics := observability.NewMetrics()
	svc := billing.NewService(store, billing.ServiceConfig{Logger: logger, Metrics: metrics})
	return NewRouter(RouterParams{
		Logger:  logger,
		Config:  cfg,
		Billing: billing.NewHandler(logger, svc),
		Jobs:    jobs.NewHandler(nil, logger),
		Metrics: metrics,
		Health:  store.Ping,
	}), metrics
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRouterHealthz(t *testing.T) {
	h, _ := newTestServer(t, testConfig(t))

	rec := get(h, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestRouterHealthzReportsStoreFailure(t *testing.T) {
	h := NewRouter(RouterParams{
		Config: testConfig(t),
		Health: func(context.Context) error { return errors.New("store down") },
	})
	assert.Equal(t, http.StatusServiceUnavailable, get(h, "/healthz").Code)
}

func TestRouterMountsBillingJobsAndMetrics(t *testing.T) {
	h, _ := newTestServer(t, testConfig(t))

	rec := get(h, "/billing/summary")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var summary billing.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Zero(t, summary.Owners)

	assert.Equal(t, http.StatusOK, get(h, "/jobs/health").Code)

	rec = get(h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "propdesk_http_requests_total"))
}

func TestRouterRateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimitPerMinute = 2
	h, _ := newTestServer(t, cfg)

	assert.Equal(t, http.StatusOK, get(h, "/healthz").Code)
	assert.Equal(t, http.StatusOK, get(h, "/healthz").Code)
	rec := get(h, "/healthz")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestRouterUnknownRoute(t *testing.T) {
	h, _ := newTestServer(t, testConfig(t))
	assert.Equal(t, http.StatusNotFound, get(h, "/finance/ar").Code)
}
