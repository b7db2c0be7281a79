// Package metrics provides Prometheus instrumentation for the waitgate service.
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
			Namespace: "waitgate",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "waitgate",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// QueueDepth tracks the current number of sessions waiting in the queue.
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "waitgate",
		Name:      "queue_depth",
		Help:      "Current number of sessions in the admission queue.",
	})

	// SessionsByStatus tracks the current session count per lifecycle status.
	SessionsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "waitgate",
			Name:      "sessions",
			Help:      "Current sessions by lifecycle status.",
		},
		[]string{"status"},
	)

	// AdmissionsTotal counts sessions promoted to admitted state.
	AdmissionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "waitgate",
		Name:      "admissions_total",
		Help:      "Total sessions admitted from the queue.",
	})

	// ExpirationsTotal counts sessions expired, labeled by cause.
	ExpirationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "waitgate",
			Name:      "expirations_total",
			Help:      "Total sessions expired by cause (token, gc).",
		},
		[]string{"cause"},
	)

	// BansTotal counts sessions banned by the risk engine or admins.
	BansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "waitgate",
			Name:      "bans_total",
			Help:      "Total bans by origin (risk, admin).",
		},
		[]string{"origin"},
	)

	// PurchasesTotal counts completed purchases.
	PurchasesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "waitgate",
		Name:      "purchases_total",
		Help:      "Total completed purchases.",
	})

	// PoWVerificationsTotal counts proof-of-work verifications by result code.
	PoWVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "waitgate",
			Name:      "pow_verifications_total",
			Help:      "Total proof-of-work verifications by result.",
		},
		[]string{"result"},
	)

	// RateLimitRejectionsTotal counts rate-limited requests by profile.
	RateLimitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "waitgate",
			Name:      "rate_limit_rejections_total",
			Help:      "Total requests rejected by the rate limiter, by profile.",
		},
		[]string{"profile"},
	)

	// ActiveStreamClients tracks connected status-stream clients.
	ActiveStreamClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "waitgate",
		Name:      "active_stream_clients",
		Help:      "Number of currently connected status stream clients.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "waitgate", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "waitgate", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "waitgate", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "waitgate", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		QueueDepth,
		SessionsByStatus,
		AdmissionsTotal,
		ExpirationsTotal,
		BansTotal,
		PurchasesTotal,
		PoWVerificationsTotal,
		RateLimitRejectionsTotal,
		ActiveStreamClients,
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
