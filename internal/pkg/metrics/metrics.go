package metrics

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulsemap",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests processed",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pulsemap",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"method", "path"})

	// Discovery metrics
	ResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulsemap",
		Subsystem: "discovery",
		Name:      "resolutions_total",
		Help:      "Total proximity resolutions by source path and outcome",
	}, []string{"source", "outcome"})

	ResolutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pulsemap",
		Subsystem: "discovery",
		Name:      "resolution_duration_seconds",
		Help:      "Duration of proximity resolutions",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"source"})

	StaleResolutionsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pulsemap",
		Subsystem: "discovery",
		Name:      "stale_resolutions_dropped_total",
		Help:      "Resolution responses discarded because a newer request superseded them",
	})

	// Marker metrics
	MarkerOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulsemap",
		Subsystem: "markers",
		Name:      "ops_total",
		Help:      "Marker lifecycle operations",
	}, []string{"op"})

	ActiveMarkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pulsemap",
		Subsystem: "markers",
		Name:      "active",
		Help:      "Currently rendered markers across all sessions",
	})

	// Broker metrics
	BrokerEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulsemap",
		Subsystem: "broker",
		Name:      "events_total",
		Help:      "Broker events fanned out to local subscribers",
	}, []string{"kind"})

	BrokerReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pulsemap",
		Subsystem: "broker",
		Name:      "reconnects_total",
		Help:      "Broker transport reconnect attempts",
	})

	ActiveWebSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pulsemap",
		Subsystem: "ws",
		Name:      "active_connections",
		Help:      "Current number of active WebSocket sessions",
	})

	// Presence metrics
	PresenceUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pulsemap",
		Subsystem: "presence",
		Name:      "updates_total",
		Help:      "Presence deltas processed",
	})

	PresenceExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pulsemap",
		Subsystem: "presence",
		Name:      "expired_total",
		Help:      "Profiles marked offline after going quiet",
	})

	// Cache metrics
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulsemap",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Total cache hits",
	}, []string{"operation"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulsemap",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Total cache misses",
	}, []string{"operation"})

	// Database pool metrics
	DBPoolConnsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pulsemap",
		Subsystem: "db",
		Name:      "pool_conns_open",
		Help:      "Total connections open in the database pool",
	})

	DBPoolConnsAcquired = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pulsemap",
		Subsystem: "db",
		Name:      "pool_conns_acquired",
		Help:      "Connections currently acquired from the database pool",
	})

	DBPoolConnsIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pulsemap",
		Subsystem: "db",
		Name:      "pool_conns_idle",
		Help:      "Idle connections in the database pool",
	})
)

// Middleware records request metrics.
func Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Response().StatusCode())
		path := c.Route().Path
		if path == "" {
			path = c.Path()
		}
		method := c.Method()

		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpRequestDuration.WithLabelValues(method, path).Observe(duration)

		return err
	}
}

// Handler returns a Fiber handler serving the Prometheus /metrics endpoint.
func Handler() fiber.Handler {
	handler := promhttp.Handler()
	return func(c *fiber.Ctx) error {
		fasthttpadaptor.NewFastHTTPHandler(handler)(c.Context())
		return nil
	}
}

// UpdateDBPoolMetrics updates database pool gauges from pgx pool stats.
// Takes a narrow interface so this package stays independent of pgxpool.
func UpdateDBPoolMetrics(stat interface{}) {
	type poolStat interface {
		AcquiredConns() int32
		IdleConns() int32
		TotalConns() int32
	}

	if s, ok := stat.(poolStat); ok {
		DBPoolConnsAcquired.Set(float64(s.AcquiredConns()))
		DBPoolConnsIdle.Set(float64(s.IdleConns()))
		DBPoolConnsOpen.Set(float64(s.TotalConns()))
	}
}
