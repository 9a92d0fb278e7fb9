package pool

import (
	"sync"
	"sync/atomic"
	"time"
)

// counters is one set of pool statistics, maintained with atomics so the
// hot paths never take a lock to record an outcome.
type counters struct {
	created            atomic.Uint64
	closed             atomic.Uint64
	acquired           atomic.Uint64
	released           atomic.Uint64
	acquireTimeouts    atomic.Uint64
	creationFailures   atomic.Uint64
	validationFailures atomic.Uint64
	waitNanos          atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Created:            c.created.Load(),
		Closed:             c.closed.Load(),
		Acquired:           c.acquired.Load(),
		Released:           c.released.Load(),
		AcquireTimeouts:    c.acquireTimeouts.Load(),
		CreationFailures:   c.creationFailures.Load(),
		ValidationFailures: c.validationFailures.Load(),
		WaitTime:           time.Duration(c.waitNanos.Load()),
	}
}

// Stats is a point-in-time snapshot of pool statistics.
//
// At any quiescent point (no in-flight operations),
// Created - Closed == CurrentActive + CurrentIdle.
type Stats struct {
	// Created is the total number of connections ever created.
	Created uint64
	// Closed is the total number of connections ever closed.
	Closed uint64
	// Acquired is the number of successful acquisitions.
	Acquired uint64
	// Released is the number of connections returned to the idle set.
	Released uint64
	// AcquireTimeouts is the number of acquisitions that timed out,
	// counted separately from creation failures.
	AcquireTimeouts uint64
	// CreationFailures is the number of failed creation attempts.
	CreationFailures uint64
	// ValidationFailures is the number of failed health probes.
	ValidationFailures uint64
	// WaitTime is the cumulative time callers spent in Acquire.
	WaitTime time.Duration

	// CurrentActive is the number of connections currently checked out.
	CurrentActive int
	// CurrentIdle is the number of connections currently idle.
	CurrentIdle int
}

// Aggregator keeps global and per-endpoint statistics. Safe for
// concurrent use.
type Aggregator struct {
	global counters
	mu     sync.RWMutex
	perEP  map[string]*counters
}

// NewAggregator creates an empty statistics aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{perEP: make(map[string]*counters)}
}

// forEndpoint returns the counter set for an endpoint key, creating it
// on first use.
func (a *Aggregator) forEndpoint(key string) *counters {
	a.mu.RLock()
	c, ok := a.perEP[key]
	a.mu.RUnlock()
	if ok {
		return c
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok = a.perEP[key]; ok {
		return c
	}
	c = &counters{}
	a.perEP[key] = c
	return c
}

func (a *Aggregator) recordCreated(key string) {
	a.global.created.Add(1)
	a.forEndpoint(key).created.Add(1)
}

func (a *Aggregator) recordClosed(key string) {
	a.global.closed.Add(1)
	a.forEndpoint(key).closed.Add(1)
}

func (a *Aggregator) recordAcquired(key string, wait time.Duration) {
	a.global.acquired.Add(1)
	a.global.waitNanos.Add(int64(wait))
	c := a.forEndpoint(key)
	c.acquired.Add(1)
	c.waitNanos.Add(int64(wait))
}

func (a *Aggregator) recordReleased(key string) {
	a.global.released.Add(1)
	a.forEndpoint(key).released.Add(1)
}

func (a *Aggregator) recordTimeout(key string) {
	a.global.acquireTimeouts.Add(1)
	a.forEndpoint(key).acquireTimeouts.Add(1)
}

func (a *Aggregator) recordCreationFailure(key string) {
	a.global.creationFailures.Add(1)
	a.forEndpoint(key).creationFailures.Add(1)
}

func (a *Aggregator) recordValidationFailure(key string) {
	a.global.validationFailures.Add(1)
	a.forEndpoint(key).validationFailures.Add(1)
}

// Global returns a snapshot of the global counters. Active/idle gauges
// are filled in by the Manager, which owns the connection sets.
func (a *Aggregator) Global() Stats {
	return a.global.snapshot()
}

// Endpoint returns a snapshot of one endpoint's counters.
func (a *Aggregator) Endpoint(key string) Stats {
	a.mu.RLock()
	c, ok := a.perEP[key]
	a.mu.RUnlock()
	if !ok {
		return Stats{}
	}
	return c.snapshot()
}
