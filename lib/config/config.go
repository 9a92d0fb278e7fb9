// Package config loads and saves the TOML configuration of the pool
// daemon: pool bounds and timeouts, the endpoints to maintain, and the
// metrics listener.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/evgray/connpool/lib/endpoint"
	"github.com/evgray/connpool/lib/pool"
)

// Default configuration values
const (
	DefaultMetricsListen = "127.0.0.1:9090"
)

// Config holds all configuration for a pool daemon.
type Config struct {
	Pool PoolConfig `toml:"pool"`
	// Endpoints are maintained by the daemon: prewarmed at startup and
	// kept at their minimums while it runs.
	Endpoints []EndpointConfig `toml:"endpoints"`
	Metrics   MetricsConfig    `toml:"metrics"`
}

// PoolConfig mirrors the pool manager's tunables.
type PoolConfig struct {
	GlobalMax   int `toml:"global_max"`
	GlobalMin   int `toml:"global_min"`
	EndpointMax int `toml:"endpoint_max"`
	EndpointMin int `toml:"endpoint_min"`

	ConnectTimeout     time.Duration `toml:"connect_timeout"`
	AcquireTimeout     time.Duration `toml:"acquire_timeout"`
	IdleTimeout        time.Duration `toml:"idle_timeout"`
	MaxLifetime        time.Duration `toml:"max_lifetime"`
	ValidationTimeout  time.Duration `toml:"validation_timeout"`
	ValidationInterval time.Duration `toml:"validation_interval"`
	CleanupInterval    time.Duration `toml:"cleanup_interval"`
	PrewarmInterval    time.Duration `toml:"prewarm_interval"`
	LeaseGrace         time.Duration `toml:"lease_grace"`

	Prewarm        bool `toml:"prewarm"`
	HealthCheck    bool `toml:"health_check"`
	CircuitBreaker bool `toml:"circuit_breaker"`

	// Eviction is "lifo" or "fifo".
	Eviction      string `toml:"eviction,omitempty"`
	CreateRetries int    `toml:"create_retries"`
}

// EndpointConfig is one endpoint the daemon maintains.
type EndpointConfig struct {
	Kind string `toml:"kind"`
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// MetricsConfig configures the metrics HTTP listener.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// DefaultConfig returns the default daemon configuration.
func DefaultConfig() *Config {
	def := pool.DefaultConfig()
	return &Config{
		Pool: PoolConfig{
			GlobalMax:          def.GlobalMax,
			EndpointMax:        def.EndpointMax,
			ConnectTimeout:     def.ConnectTimeout,
			AcquireTimeout:     def.AcquireTimeout,
			IdleTimeout:        def.IdleTimeout,
			ValidationTimeout:  def.ValidationTimeout,
			ValidationInterval: def.ValidationInterval,
			CleanupInterval:    def.CleanupInterval,
			PrewarmInterval:    def.PrewarmInterval,
			LeaseGrace:         def.LeaseGrace,
			Prewarm:            true,
			HealthCheck:        def.HealthCheck,
			Eviction:           string(def.Eviction),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  DefaultMetricsListen,
		},
	}
}

// LoadConfig reads configuration from a TOML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes the configuration to a TOML file.
// It creates the parent directory if it doesn't exist.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	pc := c.PoolConfig()
	if err := pc.Validate(); err != nil {
		return err
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}
	for i, ec := range c.Endpoints {
		if _, err := ec.Endpoint(); err != nil {
			return fmt.Errorf("endpoints[%d]: %w", i, err)
		}
	}
	return nil
}

// PoolConfig converts the file representation into the pool manager's
// configuration.
func (c *Config) PoolConfig() pool.Config {
	return pool.Config{
		GlobalMax:          c.Pool.GlobalMax,
		GlobalMin:          c.Pool.GlobalMin,
		EndpointMax:        c.Pool.EndpointMax,
		EndpointMin:        c.Pool.EndpointMin,
		ConnectTimeout:     c.Pool.ConnectTimeout,
		AcquireTimeout:     c.Pool.AcquireTimeout,
		IdleTimeout:        c.Pool.IdleTimeout,
		MaxLifetime:        c.Pool.MaxLifetime,
		ValidationTimeout:  c.Pool.ValidationTimeout,
		ValidationInterval: c.Pool.ValidationInterval,
		CleanupInterval:    c.Pool.CleanupInterval,
		PrewarmInterval:    c.Pool.PrewarmInterval,
		LeaseGrace:         c.Pool.LeaseGrace,
		Prewarm:            c.Pool.Prewarm,
		HealthCheck:        c.Pool.HealthCheck,
		Metrics:            c.Metrics.Enabled,
		CircuitBreaker:     c.Pool.CircuitBreaker,
		Eviction:           pool.EvictionStrategy(c.Pool.Eviction),
		CreateRetries:      c.Pool.CreateRetries,
	}
}

// Endpoint converts the file representation into a validated endpoint.
func (ec EndpointConfig) Endpoint() (endpoint.Endpoint, error) {
	return endpoint.New(endpoint.Kind(ec.Kind), ec.Host, ec.Port)
}

// EndpointList returns all configured endpoints, validated.
func (c *Config) EndpointList() ([]endpoint.Endpoint, error) {
	eps := make([]endpoint.Endpoint, 0, len(c.Endpoints))
	for i, ec := range c.Endpoints {
		ep, err := ec.Endpoint()
		if err != nil {
			return nil, fmt.Errorf("endpoints[%d]: %w", i, err)
		}
		eps = append(eps, ep)
	}
	return eps, nil
}
