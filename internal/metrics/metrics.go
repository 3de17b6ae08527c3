// Package metrics provides Prometheus instrumentation for the engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cadence",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cadence",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AdmissionDecisionsTotal counts admission decisions by action type and outcome.
	// For denials the reason label carries the structured denial reason code.
	AdmissionDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cadence",
			Name:      "admission_decisions_total",
			Help:      "Total admission decisions by action type, outcome, and denial reason.",
		},
		[]string{"action", "outcome", "reason"},
	)

	// ReservationsOutstanding tracks currently pending reservations.
	ReservationsOutstanding = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cadence",
			Name:      "reservations_outstanding",
			Help:      "Number of reservations awaiting confirmation.",
		},
	)

	// ReservationsExpiredTotal counts reservations released by the expiry sweeper.
	ReservationsExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cadence",
		Name:      "reservations_expired_total",
		Help:      "Total reservations auto-released after the validity window.",
	})

	// TransitionsTotal counts lifecycle transitions by from/to state.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cadence",
			Name:      "lifecycle_transitions_total",
			Help:      "Total lifecycle state transitions by from and to state.",
		},
		[]string{"from", "to"},
	)

	// RollbacksTotal counts lifecycle rollbacks.
	RollbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cadence",
		Name:      "lifecycle_rollbacks_total",
		Help:      "Total lifecycle rollbacks.",
	})

	// LocksTotal counts accounts forced to PAUSED.
	LocksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cadence",
		Name:      "lifecycle_locks_total",
		Help:      "Total accounts locked for manual review.",
	})

	// RiskScore observes aggregate risk scores at recomputation time.
	RiskScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cadence",
		Name:      "risk_score",
		Help:      "Aggregate account risk scores at recomputation.",
		Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9},
	})

	// AuditAppendFailuresTotal counts audit writes that surfaced an error.
	AuditAppendFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cadence",
		Name:      "audit_append_failures_total",
		Help:      "Total audit log appends that failed.",
	})

	// ActiveWebSocketClients tracks connected event stream clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cadence",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cadence", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cadence", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cadence", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cadence", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AdmissionDecisionsTotal,
		ReservationsOutstanding,
		ReservationsExpiredTotal,
		TransitionsTotal,
		RollbacksTotal,
		LocksTotal,
		RiskScore,
		AuditAppendFailuresTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
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

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups status codes to keep label cardinality low.
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
