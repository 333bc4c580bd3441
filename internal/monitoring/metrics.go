// Package monitoring carries the observability surface: prometheus counters
// for the settlement flow and zap-backed ledger operation logging.
package monitoring

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/botbazaar/tokenledger/pkg/ledger"
)

const endpointUnknown = "unknown"

// Metrics owns the prometheus registry and every collector the service
// exposes. It also implements ledger.OperationLogger so ledger outcomes can
// be counted without the ledger knowing about prometheus.
type Metrics struct {
	registry *prometheus.Registry

	adjustmentsTotal   *prometheus.CounterVec
	usageConsumeTotal  *prometheus.CounterVec
	paymentsTotal      *prometheus.CounterVec
	gatewayErrorsTotal *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewMetrics builds and registers all collectors on a private registry.
func NewMetrics() *Metrics {
	metrics := &Metrics{registry: prometheus.NewRegistry()}

	metrics.adjustmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_adjustments_total",
			Help: "Ledger adjustments by reason and outcome",
		},
		[]string{"reason", "status"},
	)
	metrics.usageConsumeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usage_consume_total",
			Help: "Usage consume calls by acceptance",
		},
		[]string{"accepted"},
	)
	metrics.paymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_total",
			Help: "Payments reaching a terminal status",
		},
		[]string{"status"},
	)
	metrics.gatewayErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_errors_total",
			Help: "Payment gateway failures by call",
		},
		[]string{"call"},
	)
	metrics.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status",
		},
		[]string{"method", "endpoint", "status"},
	)
	metrics.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	metrics.registry.MustRegister(
		metrics.adjustmentsTotal,
		metrics.usageConsumeTotal,
		metrics.paymentsTotal,
		metrics.gatewayErrorsTotal,
		metrics.httpRequestsTotal,
		metrics.httpRequestDuration,
	)
	return metrics
}

// LogOperation counts ledger outcomes. Adjustment entries land in
// ledger_adjustments_total, consume entries in usage_consume_total.
func (metrics *Metrics) LogOperation(_ context.Context, entry ledger.OperationLog) {
	switch entry.Operation {
	case ledger.OperationApplyAdjustment:
		metrics.adjustmentsTotal.WithLabelValues(string(entry.Reason), entry.Status).Inc()
	case ledger.OperationConsume:
		accepted := strconv.FormatBool(entry.Status == ledger.OperationStatusOK)
		metrics.usageConsumeTotal.WithLabelValues(accepted).Inc()
	}
}

// ObservePayment counts a payment reaching a terminal status.
func (metrics *Metrics) ObservePayment(status string) {
	metrics.paymentsTotal.WithLabelValues(status).Inc()
}

// ObserveGatewayError counts a failed gateway call ("request" or "verify").
func (metrics *Metrics) ObserveGatewayError(call string) {
	metrics.gatewayErrorsTotal.WithLabelValues(call).Inc()
}

// Middleware records request counts and latency per route.
func (metrics *Metrics) Middleware() gin.HandlerFunc {
	return func(ginContext *gin.Context) {
		start := time.Now()
		ginContext.Next()

		endpoint := ginContext.FullPath()
		if endpoint == "" {
			endpoint = endpointUnknown
		}
		method := ginContext.Request.Method
		status := strconv.Itoa(ginContext.Writer.Status())

		metrics.httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
		metrics.httpRequestDuration.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in the prometheus exposition format.
func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{})
}
