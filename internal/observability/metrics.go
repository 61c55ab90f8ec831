package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "propdesk"

// Metrics collects Prometheus metrics for the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	invoicesCreated  *prometheus.CounterVec
	paymentsRecorded *prometheus.CounterVec
	invoicesSettled  prometheus.Counter
	overdueMarked    prometheus.Counter
	balanceDrift     prometheus.Gauge
}

// NewMetrics initialises the registry with HTTP, runtime and billing metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		invoicesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "invoices_created_total",
			Help:      "Invoices generated, by quantity source.",
		}, []string{"link_to"}),
		paymentsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "payments_recorded_total",
			Help:      "Payments recorded, by payment method.",
		}, []string{"method"}),
		invoicesSettled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "invoices_settled_total",
			Help:      "Invoices that became paid through a payment.",
		}),
		overdueMarked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "invoices_overdue_marked_total",
			Help:      "Invoices flipped to overdue by the sweep.",
		}),
		balanceDrift: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "balance_drift_invoices",
			Help:      "Invoices whose cached balance disagreed with payment history at the last audit.",
		}),
	}
	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.invoicesCreated,
		m.paymentsRecorded,
		m.invoicesSettled,
		m.overdueMarked,
		m.balanceDrift,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

// Handler returns the http.Handler serving /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for custom collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// InvoiceCreated counts a generated invoice.
func (m *Metrics) InvoiceCreated(linkTo string) {
	if linkTo == "" {
		linkTo = "none"
	}
	m.invoicesCreated.WithLabelValues(linkTo).Inc()
}

// PaymentRecorded counts a recorded payment.
func (m *Metrics) PaymentRecorded(method string) {
	m.paymentsRecorded.WithLabelValues(method).Inc()
}

// InvoiceSettled counts an invoice reaching paid.
func (m *Metrics) InvoiceSettled() {
	m.invoicesSettled.Inc()
}

// OverdueMarked adds n swept invoices.
func (m *Metrics) OverdueMarked(n int64) {
	m.overdueMarked.Add(float64(n))
}

// BalanceDrift sets the drift gauge.
func (m *Metrics) BalanceDrift(n int) {
	m.balanceDrift.Set(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
