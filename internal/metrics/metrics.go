// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beton_notifications_total",
			Help: "Payment notifications by provider and reconciliation outcome",
		},
		[]string{"provider", "result", "reason"},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beton_payment_transitions_total",
			Help: "Applied payment state transitions",
		},
		[]string{"from", "to"},
	)

	linkFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beton_campaign_link_failures_total",
			Help: "Campaign links that failed after a payment was confirmed",
		},
	)

	prunedOrdersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beton_pruned_orders_total",
			Help: "Unpaid orders removed by housekeeping",
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(notificationsTotal)
	prometheus.MustRegister(transitionsTotal)
	prometheus.MustRegister(linkFailuresTotal)
	prometheus.MustRegister(prunedOrdersTotal)
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func RecordNotification(provider, result, reason string) {
	notificationsTotal.WithLabelValues(provider, result, reason).Inc()
}

func RecordTransition(from, to string) {
	transitionsTotal.WithLabelValues(from, to).Inc()
}

func RecordLinkFailure() {
	linkFailuresTotal.Inc()
}

func RecordPrunedOrders(n int) {
	prunedOrdersTotal.Add(float64(n))
}
