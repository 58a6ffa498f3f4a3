// Package metrics provides Prometheus instrumentation for the payout engine.
package metrics

import (
	"context"
	"database/sql"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bmtu",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bmtu",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// PayoutsTotal counts payout transactions by terminal status.
	PayoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bmtu",
			Name:      "payouts_total",
			Help:      "Total payout transactions by terminal status.",
		},
		[]string{"status"},
	)

	// AdmissionDenialsTotal counts payout admission denials by reason.
	AdmissionDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bmtu",
			Name:      "admission_denials_total",
			Help:      "Total payout admission denials by reason code.",
		},
		[]string{"reason"},
	)

	// NonceLockContentionTotal counts failed nonce lock acquisitions.
	NonceLockContentionTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bmtu",
			Name:      "nonce_lock_contention_total",
			Help:      "Total fail-fast nonce lock acquisition failures.",
		},
	)

	// ManualCompletionsTotal counts operator-driven payout completions.
	ManualCompletionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bmtu",
			Name:      "manual_completions_total",
			Help:      "Total payouts completed manually by an operator.",
		},
	)

	// PayoutDuration observes broadcast-to-confirmation latency.
	PayoutDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "bmtu",
			Name:      "payout_duration_seconds",
			Help:      "Time from nonce assignment to on-chain confirmation in seconds.",
			Buckets:   []float64{1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	// OracleLookupsTotal counts reputation oracle lookups by result.
	OracleLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bmtu",
			Name:      "oracle_lookups_total",
			Help:      "Total reputation oracle lookups by result (hit, miss, error).",
		},
		[]string{"result"},
	)

	// BlacklistedWallets tracks the number of active blacklist entries.
	BlacklistedWallets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bmtu",
			Name:      "blacklisted_wallets",
			Help:      "Number of wallets with an active blacklist entry.",
		},
	)

	// BlockedClusters tracks the number of auto- or operator-blocked clusters.
	BlockedClusters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bmtu",
			Name:      "blocked_clusters",
			Help:      "Number of wallet clusters currently blocked.",
		},
	)

	// SuspiciousTracesTotal counts post-payout traces flagged as dumps.
	SuspiciousTracesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bmtu",
			Name:      "suspicious_traces_total",
			Help:      "Total post-payout traces flagged as sink dumps.",
		},
	)

	// ActiveWebSocketClients tracks connected operator stream clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bmtu",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bmtu", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bmtu", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bmtu", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		PayoutsTotal,
		AdmissionDenialsTotal,
		NonceLockContentionTotal,
		ManualCompletionsTotal,
		PayoutDuration,
		OracleLookupsTotal,
		BlacklistedWallets,
		BlockedClusters,
		SuspiciousTracesTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
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
			c.FullPath(), // Route pattern, not actual path (avoids cardinality explosion)
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

// statusBucket collapses status codes into class buckets (2xx, 4xx, ...).
func statusBucket(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
