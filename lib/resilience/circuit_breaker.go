// Circuit breaker for endpoint dial attempts.
//
// When an endpoint keeps refusing connections the breaker opens and dial
// attempts fail immediately until the cool-off elapses, at which point a
// limited number of probe attempts are let through.
//
// State transitions:
//
//	Closed (normal) -> Open (failing) -> HalfOpen (testing) -> Closed
//	                     ^                    |
//	                     +--------------------+ (if probe fails)
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker rejects an attempt.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state - attempts pass through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit is tripped - attempts fail immediately.
	CircuitOpen
	// CircuitHalfOpen means the circuit is probing for recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// SuccessThreshold is the number of successes in half-open state
	// before closing.
	SuccessThreshold int
	// CoolOff is how long the breaker stays open before probing.
	CoolOff time.Duration
	// MaxProbes is the maximum concurrent attempts allowed while half-open.
	MaxProbes int
}

// DefaultBreakerConfig returns sensible defaults for endpoint dialing.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		CoolOff:          30 * time.Second,
		MaxProbes:        1,
	}
}

// Breaker is a circuit breaker for one endpoint.
type Breaker struct {
	mu     sync.Mutex
	config BreakerConfig
	name   string

	state     CircuitState
	failures  int
	successes int
	probes    int
	openedAt  time.Time
}

// NewBreaker creates a circuit breaker named after the endpoint it guards.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.CoolOff <= 0 {
		cfg.CoolOff = def.CoolOff
	}
	if cfg.MaxProbes <= 0 {
		cfg.MaxProbes = def.MaxProbes
	}
	return &Breaker{config: cfg, name: name, state: CircuitClosed}
}

// State returns the current circuit state, accounting for cool-off expiry.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && time.Since(b.openedAt) >= b.config.CoolOff {
		return CircuitHalfOpen
	}
	return b.state
}

// Allow reports whether an attempt may proceed. While half-open only
// MaxProbes concurrent attempts are admitted.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(b.openedAt) >= b.config.CoolOff {
			b.transition(CircuitHalfOpen)
			b.probes = 1
			return true
		}
		return false
	case CircuitHalfOpen:
		if b.probes < b.config.MaxProbes {
			b.probes++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful attempt.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		b.failures = 0
	case CircuitHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transition(CircuitClosed)
		}
	}
}

// RecordFailure records a failed attempt.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		b.transition(CircuitOpen)
	}
}

// Do runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Do(fn func() error) error {
	if !b.Allow() {
		return ErrCircuitOpen
	}
	err := fn()
	if err != nil {
		b.RecordFailure()
	} else {
		b.RecordSuccess()
	}
	return err
}

// transition moves to a new state. Caller must hold the lock.
func (b *Breaker) transition(to CircuitState) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.failures = 0
	b.successes = 0
	b.probes = 0
	if to == CircuitOpen {
		b.openedAt = time.Now()
	}
	log.WithField("breaker", b.name).WithField("from", from.String()).WithField("to", to.String()).Debug("circuit state change")
}
