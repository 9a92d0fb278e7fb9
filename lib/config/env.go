package config

import (
	"os"
	"strconv"
	"time"
)

// ApplyEnvOverrides overlays CONNPOOL_* environment variables onto the
// configuration. Unset variables leave the file values untouched;
// malformed values are ignored.
func ApplyEnvOverrides(cfg *Config) {
	envInt("CONNPOOL_GLOBAL_MAX", &cfg.Pool.GlobalMax)
	envInt("CONNPOOL_GLOBAL_MIN", &cfg.Pool.GlobalMin)
	envInt("CONNPOOL_ENDPOINT_MAX", &cfg.Pool.EndpointMax)
	envInt("CONNPOOL_ENDPOINT_MIN", &cfg.Pool.EndpointMin)
	envInt("CONNPOOL_CREATE_RETRIES", &cfg.Pool.CreateRetries)

	envDuration("CONNPOOL_CONNECT_TIMEOUT", &cfg.Pool.ConnectTimeout)
	envDuration("CONNPOOL_ACQUIRE_TIMEOUT", &cfg.Pool.AcquireTimeout)
	envDuration("CONNPOOL_IDLE_TIMEOUT", &cfg.Pool.IdleTimeout)
	envDuration("CONNPOOL_MAX_LIFETIME", &cfg.Pool.MaxLifetime)
	envDuration("CONNPOOL_VALIDATION_TIMEOUT", &cfg.Pool.ValidationTimeout)
	envDuration("CONNPOOL_VALIDATION_INTERVAL", &cfg.Pool.ValidationInterval)
	envDuration("CONNPOOL_CLEANUP_INTERVAL", &cfg.Pool.CleanupInterval)
	envDuration("CONNPOOL_PREWARM_INTERVAL", &cfg.Pool.PrewarmInterval)
	envDuration("CONNPOOL_LEASE_GRACE", &cfg.Pool.LeaseGrace)

	envBool("CONNPOOL_PREWARM", &cfg.Pool.Prewarm)
	envBool("CONNPOOL_HEALTH_CHECK", &cfg.Pool.HealthCheck)
	envBool("CONNPOOL_CIRCUIT_BREAKER", &cfg.Pool.CircuitBreaker)
	envString("CONNPOOL_EVICTION", &cfg.Pool.Eviction)

	envBool("CONNPOOL_METRICS_ENABLED", &cfg.Metrics.Enabled)
	envString("CONNPOOL_METRICS_LISTEN", &cfg.Metrics.Listen)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
