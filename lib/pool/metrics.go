package pool

import "github.com/evgray/connpool/lib/metrics"

var (
	poolConnectionsOpen = metrics.NewGauge(
		"connpool_connections_open",
		"Connections currently open across all endpoints")
	poolConnectionsIdle = metrics.NewGauge(
		"connpool_connections_idle",
		"Connections currently idle across all endpoints")
	poolConnectionsInUse = metrics.NewGauge(
		"connpool_connections_in_use",
		"Connections currently checked out across all endpoints")
	poolConnectionsMax = metrics.NewGauge(
		"connpool_connections_max",
		"Configured global connection maximum")

	poolConnectionsCreated = metrics.NewCounter(
		"connpool_connections_created_total",
		"Connections created since startup")
	poolConnectionsClosed = metrics.NewCounter(
		"connpool_connections_closed_total",
		"Connections closed since startup")
	poolCreationFailures = metrics.NewCounter(
		"connpool_creation_failures_total",
		"Connection establishment failures since startup")
	poolValidationFailures = metrics.NewCounter(
		"connpool_validation_failures_total",
		"Connections evicted by failed validation since startup")

	poolAcquireSuccess = metrics.NewCounter(
		"connpool_acquire_success_total",
		"Successful acquires since startup")
	poolAcquireFailed = metrics.NewCounter(
		"connpool_acquire_failed_total",
		"Failed acquires since startup")
	poolAcquireTimeouts = metrics.NewCounter(
		"connpool_acquire_timeouts_total",
		"Acquires that timed out waiting for a connection")

	poolAcquireLatency = metrics.NewHistogram(
		"connpool_acquire_latency_seconds",
		"Time spent waiting for a connection",
		metrics.DefaultLatencyBuckets)
)

// updateGauges refreshes the occupancy gauges from a statistics snapshot.
func updateGauges(s Stats, cfg Config) {
	poolConnectionsIdle.Set(int64(s.CurrentIdle))
	poolConnectionsInUse.Set(int64(s.CurrentActive))
	poolConnectionsMax.Set(int64(cfg.GlobalMax))
}
