package telemetry

// SLI metric names used for instrumentation.
const (
	// Latency
	MetricAPILatencyP50 = "api.latency.p50"
	MetricAPILatencyP95 = "api.latency.p95"
	MetricAPILatencyP99 = "api.latency.p99"

	// Throughput
	MetricRequestsPerSec = "api.requests_per_second"

	// Data freshness
	MetricPresenceLatency  = "realtime.presence_latency"
	MetricResolutionAge    = "discovery.result_age_seconds"
	MetricFallbackFraction = "discovery.fallback_fraction"

	// Availability
	MetricUptime = "service.uptime_percentage"

	// Business
	MetricActiveSessions = "business.active_sessions"
	MetricNearbyShown    = "business.nearby_profiles_shown"
)
