package pool

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/evgray/connpool/lib/endpoint"
	"github.com/evgray/connpool/lib/errors"
	"github.com/evgray/connpool/lib/resilience"
	"github.com/evgray/connpool/lib/transport"
)

// endpointPool owns every pooled connection for one endpoint and enforces
// the per-endpoint concurrency bound.
//
// The checkout semaphore bounds concurrent checkouts and is the blocking
// mechanism for saturated acquires; the authoritative connection bound is
// the total counter checked against EndpointMax. A permit is held for as
// long as a connection is checked out and transfers back on release or
// destruction.
type endpointPool struct {
	ep  endpoint.Endpoint
	cfg *Config
	mgr *Manager

	mu   sync.Mutex
	cond *sync.Cond
	idle []*Conn

	conns    sync.Map // conn id -> *Conn
	total    atomic.Int32
	creating atomic.Bool
	checkout *semaphore.Weighted
	breaker  *resilience.Breaker
	closed   atomic.Bool
}

func newEndpointPool(ep endpoint.Endpoint, cfg *Config, mgr *Manager) *endpointPool {
	p := &endpointPool{
		ep:       ep,
		cfg:      cfg,
		mgr:      mgr,
		checkout: semaphore.NewWeighted(int64(cfg.EndpointMax)),
	}
	p.cond = sync.NewCond(&p.mu)
	if cfg.CircuitBreaker {
		p.breaker = resilience.NewBreaker(ep.Key(), resilience.DefaultBreakerConfig())
	}
	return p
}

// acquire hands out one healthy connection: idle reuse first, then
// deduplicated bounded creation, then bounded waiting.
func (p *endpointPool) acquire(ctx context.Context) (*Conn, error) {
	if p.closed.Load() {
		return nil, errors.ErrPoolClosed
	}

	// Compose the caller's deadline with the pool default.
	if _, ok := ctx.Deadline(); !ok && p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	if err := p.checkout.Acquire(ctx, 1); err != nil {
		return nil, p.acquireErr(ctx)
	}

	// The permit now represents this checkout; it transfers to the
	// connection on success and is returned on every failure path.
	for {
		if p.closed.Load() {
			p.checkout.Release(1)
			return nil, errors.ErrPoolClosed
		}

		if c := p.popIdle(ctx); c != nil {
			c.checkedOut.Store(true)
			return c, nil
		}

		if int(p.total.Load()) < p.cfg.EndpointMax && p.creating.CompareAndSwap(false, true) {
			c, err := p.create(ctx)
			p.creating.Store(false)
			if err != nil {
				p.checkout.Release(1)
				p.wake()
				return nil, err
			}
			c.checkedOut.Store(true)
			return c, nil
		}

		// Either at capacity or another goroutine owns the in-flight
		// creation; wait for a release, a destruction, or the deadline.
		if err := p.waitReady(ctx); err != nil {
			p.checkout.Release(1)
			return nil, err
		}
	}
}

// acquireErr maps a context failure to the pool error taxonomy.
func (p *endpointPool) acquireErr(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errors.ErrAcquireTimeout
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.ErrAcquireTimeout
}

// popIdle dequeues idle connections until one passes validation. Invalid
// candidates are destroyed and the scan continues; an empty queue returns
// nil.
func (p *endpointPool) popIdle(ctx context.Context) *Conn {
	for {
		c := p.dequeue()
		if c == nil {
			return nil
		}

		if c.State() != StateIdle || c.Expired(p.cfg.MaxLifetime) {
			p.destroy(c, false)
			continue
		}
		if !c.Validate(ctx) {
			p.mgr.recordValidationFailure(c)
			p.destroy(c, false)
			continue
		}
		return c
	}
}

// dequeue removes one connection from the idle set per the configured
// eviction strategy.
func (p *endpointPool) dequeue() *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.idle) == 0 {
		return nil
	}

	var c *Conn
	if p.cfg.Eviction == EvictFIFO {
		c = p.idle[0]
		p.idle = p.idle[1:]
	} else {
		c = p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
	}
	c.pooled.Store(false)
	return c
}

// enqueue returns a connection to the idle set. The pooled flag makes
// re-adds idempotent when release paths race.
func (p *endpointPool) enqueue(c *Conn) bool {
	if !c.pooled.CompareAndSwap(false, true) {
		return false
	}
	p.mu.Lock()
	p.idle = append(p.idle, c)
	p.cond.Signal()
	p.mu.Unlock()
	return true
}

// waitReady blocks until something in the pool changes or ctx expires.
// Waiters are woken by releases, destructions, and pool closure; no
// strict FIFO order is guaranteed, only that starvation is bounded by
// the deadline.
func (p *endpointPool) waitReady(ctx context.Context) error {
	p.mu.Lock()
	if len(p.idle) > 0 {
		p.mu.Unlock()
		return nil
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-done:
		}
	}()

	p.cond.Wait()
	p.mu.Unlock()
	close(done)

	if ctx.Err() != nil {
		return p.acquireErr(ctx)
	}
	return nil
}

// wake nudges all waiters to re-examine the pool.
func (p *endpointPool) wake() {
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// create dials one new connection under the global bound and registers it.
// Only one creation is in flight per endpoint; callers hold the creating
// flag.
func (p *endpointPool) create(ctx context.Context) (*Conn, error) {
	if err := p.mgr.globalSem.Acquire(ctx, 1); err != nil {
		return nil, p.acquireErr(ctx)
	}

	ch, err := p.dial(ctx)
	if err != nil {
		p.mgr.globalSem.Release(1)
		p.mgr.recordCreationFailure(p.ep)
		return nil, errors.NewCreationError(p.ep.Key(), err)
	}

	c := newConn(p.ep, ch, p.cfg, p)
	c.transition(StateConnecting)
	c.transition(StateConnected)

	p.conns.Store(c.id, c)
	p.total.Add(1)
	p.mgr.recordCreated(c)

	log.WithField("conn", c.id).WithField("endpoint", p.ep.Key()).Debug("connection created")
	return c, nil
}

// dial produces a connected channel, applying the configured retry
// policy and circuit breaker.
func (p *endpointPool) dial(ctx context.Context) (ch transport.Channel, err error) {
	attempt := func() error {
		cctx := ctx
		if p.cfg.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(ctx, p.cfg.ConnectTimeout)
			defer cancel()
		}

		c, err := p.mgr.factory(cctx, p.ep)
		if err != nil {
			return err
		}
		if err := c.Connect(cctx); err != nil {
			c.Close()
			return err
		}
		ch = c
		return nil
	}

	fn := attempt
	if p.breaker != nil {
		fn = func() error { return p.breaker.Do(attempt) }
	}

	err = resilience.Retry(ctx, p.cfg.CreateRetries+1, p.cfg.CreateBackoff, fn)
	return ch, err
}

// release is the caller-facing return path. Unhealthy, expired, or
// force-closed connections are destroyed; everything else goes back to
// the idle set.
func (p *endpointPool) release(c *Conn, force bool) {
	if force {
		p.destroy(c, true)
		return
	}

	// A lease the caller never disposed still owns the slot; route
	// through it so slot accounting stays exact.
	if l := c.currentLease(); l != nil {
		l.Release()
		return
	}
	p.returned(c)
}

// returned runs when a connection's checkout ends: the lease was
// released or the caller returned the connection directly.
func (p *endpointPool) returned(c *Conn) {
	if c.checkedOut.Swap(false) {
		p.checkout.Release(1)
	}

	if p.closed.Load() || !c.State().leasable() || !c.channel.IsLive() || c.Expired(p.cfg.MaxLifetime) {
		p.destroy(c, false)
		return
	}

	// A freshly created connection returned without ever being leased
	// enters the idle set directly from Connected.
	if c.State() == StateConnected {
		c.transition(StateIdle)
	}

	if p.enqueue(c) {
		p.mgr.recordReleased(c)
	} else {
		p.wake()
	}
}

// destroy closes a connection and removes it from the pool. Losing the
// removal race is fine: only the first caller does the teardown. Close
// failures are logged, never propagated, so one bad connection cannot
// block the rest.
func (p *endpointPool) destroy(c *Conn, force bool) {
	if c.destroyed.Swap(true) {
		return
	}

	p.conns.Delete(c.id)
	p.total.Add(-1)
	if c.checkedOut.Swap(false) {
		p.checkout.Release(1)
	}
	p.mgr.globalSem.Release(1)

	if err := c.Close(force); err != nil {
		log.WithError(err).WithField("conn", c.id).Warn("error closing connection")
	}

	p.mgr.recordClosed(c)
	p.wake()
}

// connStateChanged is the per-connection state listener. A connection
// that lands in Error outside the acquire path is removed
// asynchronously so the state machine never re-enters itself.
func (p *endpointPool) connStateChanged(c *Conn, from, to ConnState) {
	log.WithField("conn", c.id).WithField("from", from.String()).WithField("to", to.String()).Debug("connection state change")

	if to == StateError && !c.destroyed.Load() {
		p.mgr.submit(func() {
			p.destroy(c, true)
		})
	}
}

// cleanup evicts idle connections past the idle timeout or maximum
// lifetime. Connections outside the idle set are never touched.
func (p *endpointPool) cleanup() int {
	p.mu.Lock()
	var keep, evict []*Conn
	for _, c := range p.idle {
		if c.IdleFor() > p.cfg.IdleTimeout || c.Expired(p.cfg.MaxLifetime) {
			evict = append(evict, c)
		} else {
			keep = append(keep, c)
		}
	}
	p.idle = keep
	p.mu.Unlock()

	for _, c := range evict {
		c.pooled.Store(false)
		p.destroy(c, false)
	}

	if len(evict) > 0 {
		log.WithField("endpoint", p.ep.Key()).WithField("evicted", len(evict)).Debug("cleanup sweep evicted connections")
	}
	return len(evict)
}

// validateIdle probes every idle connection. The whole idle set is taken
// out of circulation first so probes never race an acquire for the same
// connection; survivors are re-enqueued.
func (p *endpointPool) validateIdle(ctx context.Context) int {
	p.mu.Lock()
	candidates := p.idle
	p.idle = nil
	p.mu.Unlock()

	failed := 0
	for _, c := range candidates {
		c.pooled.Store(false)
		if c.Validate(ctx) {
			p.enqueue(c)
			continue
		}
		failed++
		p.mgr.recordValidationFailure(c)
		p.destroy(c, false)
	}
	return failed
}

// prewarm tops the pool up to the endpoint minimum. Failures are logged,
// never surfaced; demand-driven creation is unaffected.
func (p *endpointPool) prewarm(ctx context.Context) {
	for int(p.total.Load()) < p.cfg.EndpointMin && !p.closed.Load() {
		if !p.creating.CompareAndSwap(false, true) {
			return
		}
		c, err := p.create(ctx)
		p.creating.Store(false)
		if err != nil {
			log.WithError(err).WithField("endpoint", p.ep.Key()).Debug("prewarm creation failed")
			return
		}
		c.transition(StateIdle)
		p.enqueue(c)
	}
}

// closeAll tears down every connection for this endpoint. Each close
// gets the configured lease grace before the lease is invalidated.
func (p *endpointPool) closeAll() {
	p.closed.Store(true)
	p.wake()

	p.mu.Lock()
	p.idle = nil
	p.mu.Unlock()

	var wg sync.WaitGroup
	p.conns.Range(func(_, v any) bool {
		c := v.(*Conn)
		c.pooled.Store(false)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.destroy(c, false)
		}()
		return true
	})
	wg.Wait()
}

// counts reports the pool's current occupancy.
func (p *endpointPool) counts() Counts {
	p.mu.Lock()
	idle := len(p.idle)
	p.mu.Unlock()

	total := int(p.total.Load())
	return Counts{
		Active: total - idle,
		Idle:   idle,
		Min:    p.cfg.EndpointMin,
		Max:    p.cfg.EndpointMax,
	}
}
