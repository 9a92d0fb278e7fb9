package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/evgray/connpool/lib/errors"
	"github.com/evgray/connpool/lib/resilience"
	"github.com/evgray/connpool/lib/transport"
)

// Validator decides whether a connection is healthy. A nil validator falls
// back to the channel's own liveness check. Panics inside a validator are
// treated as failed validation, never propagated.
type Validator func(ctx context.Context, conn *Conn) bool

// EvictionStrategy selects which idle connection an acquire reuses first.
type EvictionStrategy string

const (
	// EvictLIFO reuses the most recently returned connection first,
	// letting cold connections age out. This is the default.
	EvictLIFO EvictionStrategy = "lifo"
	// EvictFIFO reuses the oldest idle connection first, spreading use
	// evenly across the pool.
	EvictFIFO EvictionStrategy = "fifo"
)

// Config configures a Manager. A Config is validated once at construction
// and immutable afterwards; invalid configuration is a hard failure.
type Config struct {
	// GlobalMax is the maximum number of live connections across all
	// endpoints. Default: 64
	GlobalMax int
	// GlobalMin is a configuration floor checked against GlobalMax at
	// validation time; it carries no runtime behavior. Prewarming works
	// against per-endpoint minimums. Default: 0
	GlobalMin int
	// EndpointMax is the maximum number of live connections per endpoint.
	// Default: 8
	EndpointMax int
	// EndpointMin is the per-endpoint minimum maintained by prewarming.
	// Default: 0
	EndpointMin int

	// ConnectTimeout bounds a single dial attempt. Default: 10s
	ConnectTimeout time.Duration
	// AcquireTimeout is the default acquire deadline applied when the
	// caller's context carries none. Default: 30s
	AcquireTimeout time.Duration
	// IdleTimeout is how long a connection may sit idle before the
	// cleanup sweep evicts it. Default: 10m
	IdleTimeout time.Duration
	// MaxLifetime is the maximum total age of a connection; 0 disables
	// lifetime eviction. Default: 0
	MaxLifetime time.Duration
	// ValidationTimeout bounds a single validation probe. Default: 5s
	ValidationTimeout time.Duration
	// ValidationInterval is how often the validation sweep runs when
	// health checking is enabled. Default: 1m
	ValidationInterval time.Duration
	// CleanupInterval is how often the cleanup sweep runs. Default: 30s
	CleanupInterval time.Duration
	// PrewarmInterval is how often prewarming tops pools up to the
	// endpoint minimum. Default: 30s
	PrewarmInterval time.Duration
	// LeaseGrace is how long a non-forced close waits for an
	// outstanding lease before invalidating it. Default: 5s
	LeaseGrace time.Duration

	// Prewarm enables background creation up to EndpointMin.
	Prewarm bool
	// HealthCheck enables the background validation sweep.
	HealthCheck bool
	// Metrics enables exporting pool statistics through lib/metrics.
	Metrics bool
	// CircuitBreaker guards each endpoint's dialing with a circuit
	// breaker so a dead endpoint fails fast.
	CircuitBreaker bool

	// Eviction selects the idle reuse order. Default: EvictLIFO
	Eviction EvictionStrategy

	// Validator overrides the built-in channel liveness check.
	Validator Validator
	// Factory overrides the built-in transport dialers wholesale. The
	// pool calls Connect on the returned channel; returning an already
	// connected channel is fine since Connect is idempotent.
	Factory transport.Factory

	// CreateRetries is how many additional dial attempts are made after
	// a failure. 0 means a single attempt and no silent retry.
	CreateRetries int
	// CreateBackoff shapes the delay between dial retries.
	CreateBackoff resilience.Backoff
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		GlobalMax:          64,
		EndpointMax:        8,
		ConnectTimeout:     10 * time.Second,
		AcquireTimeout:     30 * time.Second,
		IdleTimeout:        10 * time.Minute,
		ValidationTimeout:  5 * time.Second,
		ValidationInterval: 1 * time.Minute,
		CleanupInterval:    30 * time.Second,
		PrewarmInterval:    30 * time.Second,
		LeaseGrace:         5 * time.Second,
		HealthCheck:        true,
		Metrics:            true,
		Eviction:           EvictLIFO,
		CreateBackoff:      resilience.DefaultBackoff(),
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.GlobalMax < 1 {
		return fmt.Errorf("%w: global max must be at least 1", errors.ErrConfiguration)
	}
	if c.EndpointMax < 1 {
		return fmt.Errorf("%w: endpoint max must be at least 1", errors.ErrConfiguration)
	}
	if c.GlobalMin < 0 || c.EndpointMin < 0 {
		return fmt.Errorf("%w: minimums must not be negative", errors.ErrConfiguration)
	}
	if c.GlobalMin > c.GlobalMax {
		return fmt.Errorf("%w: global min %d exceeds global max %d", errors.ErrConfiguration, c.GlobalMin, c.GlobalMax)
	}
	if c.EndpointMin > c.EndpointMax {
		return fmt.Errorf("%w: endpoint min %d exceeds endpoint max %d", errors.ErrConfiguration, c.EndpointMin, c.EndpointMax)
	}
	if c.EndpointMax > c.GlobalMax {
		return fmt.Errorf("%w: endpoint max %d exceeds global max %d", errors.ErrConfiguration, c.EndpointMax, c.GlobalMax)
	}
	for name, d := range map[string]time.Duration{
		"connect timeout":     c.ConnectTimeout,
		"acquire timeout":     c.AcquireTimeout,
		"idle timeout":        c.IdleTimeout,
		"max lifetime":        c.MaxLifetime,
		"validation timeout":  c.ValidationTimeout,
		"validation interval": c.ValidationInterval,
		"cleanup interval":    c.CleanupInterval,
		"prewarm interval":    c.PrewarmInterval,
		"lease grace":         c.LeaseGrace,
	} {
		if d < 0 {
			return fmt.Errorf("%w: %s must not be negative", errors.ErrConfiguration, name)
		}
	}
	if c.CreateRetries < 0 {
		return fmt.Errorf("%w: create retries must not be negative", errors.ErrConfiguration)
	}
	switch c.Eviction {
	case "", EvictLIFO, EvictFIFO:
	default:
		return fmt.Errorf("%w: unknown eviction strategy %q", errors.ErrConfiguration, string(c.Eviction))
	}
	return nil
}

// withDefaults fills zero values so the rest of the package never has to
// guard against them. Validate must have passed already.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.ValidationTimeout == 0 {
		c.ValidationTimeout = def.ValidationTimeout
	}
	if c.LeaseGrace == 0 {
		c.LeaseGrace = def.LeaseGrace
	}
	if c.Eviction == "" {
		c.Eviction = EvictLIFO
	}
	if c.CreateBackoff.Initial == 0 {
		c.CreateBackoff = def.CreateBackoff
	}
	return c
}
