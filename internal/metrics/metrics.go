// Package metrics provides Prometheus instrumentation for the paywatch engine.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paywatch",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "paywatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveSessions tracks currently open notification sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paywatch",
		Name:      "active_sessions",
		Help:      "Number of currently open notification sessions.",
	})

	// TrackedInvoices tracks payment requests currently pending.
	TrackedInvoices = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paywatch",
		Name:      "tracked_invoices",
		Help:      "Number of payment requests currently awaiting settlement.",
	})

	// SessionReconnectsTotal counts reconnect attempts by result.
	SessionReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paywatch",
			Name:      "session_reconnects_total",
			Help:      "Total session reconnect attempts by result.",
		},
		[]string{"result"},
	)

	// ConfirmationsTotal counts settled payments by signal source.
	ConfirmationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paywatch",
			Name:      "confirmations_total",
			Help:      "Total confirmed settlements by signal source (push or fallback).",
		},
		[]string{"source"},
	)

	// ExpirationsTotal counts payment requests removed by the expiry sweep.
	ExpirationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paywatch",
		Name:      "expirations_total",
		Help:      "Total payment requests expired before settlement.",
	})

	// ExternalPaymentsTotal counts balance increases attributed to external payments.
	ExternalPaymentsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paywatch",
		Name:      "external_payments_total",
		Help:      "Total externally detected balance increases reported.",
	})

	// SuppressedDiffsTotal counts balance increases suppressed as already confirmed.
	SuppressedDiffsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paywatch",
		Name:      "suppressed_diffs_total",
		Help:      "Total balance increases suppressed as already confirmed via push.",
	})

	// ProbesTotal counts backend health probes by outcome.
	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paywatch",
			Name:      "health_probes_total",
			Help:      "Total backend health probes by outcome.",
		},
		[]string{"outcome"},
	)

	// HealthState exports the current backend health as a gauge
	// (0 = unhealthy, 1 = degraded, 2 = healthy).
	HealthState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paywatch",
		Name:      "backend_health_state",
		Help:      "Backend health state (0 unhealthy, 1 degraded, 2 healthy).",
	})

	// DroppedMessagesTotal counts inbound push messages dropped by reason.
	DroppedMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paywatch",
			Name:      "dropped_messages_total",
			Help:      "Total inbound push messages dropped by reason.",
		},
		[]string{"reason"},
	)

	// ActiveWebSocketClients tracks subscribers on the event stream.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paywatch",
		Name:      "active_websocket_clients",
		Help:      "Number of connected event stream subscribers.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveSessions,
		TrackedInvoices,
		SessionReconnectsTotal,
		ConfirmationsTotal,
		ExpirationsTotal,
		ExternalPaymentsTotal,
		SuppressedDiffsTotal,
		ProbesTotal,
		HealthState,
		DroppedMessagesTotal,
		ActiveWebSocketClients,
	)
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
