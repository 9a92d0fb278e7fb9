package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/semaphore"

	"github.com/evgray/connpool/lib/endpoint"
	"github.com/evgray/connpool/lib/errors"
	"github.com/evgray/connpool/lib/metrics"
	"github.com/evgray/connpool/lib/transport"
)

// Counts reports one endpoint pool's occupancy.
type Counts struct {
	// Active is the number of connections currently checked out.
	Active int
	// Idle is the number of connections available for reuse.
	Idle int
	// Min is the configured per-endpoint minimum.
	Min int
	// Max is the configured per-endpoint maximum.
	Max int
}

// Manager owns one endpoint pool per endpoint key and enforces the global
// connection bound. It is created once at startup with validated
// configuration and torn down explicitly with Close.
type Manager struct {
	cfg       Config
	factory   transport.Factory
	globalSem *semaphore.Weighted
	pools     sync.Map // endpoint key -> *endpointPool
	stats     *Aggregator
	listeners listenerSet
	workers   *ants.Pool

	closed atomic.Bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a pool manager. Invalid configuration is a hard
// construction-time failure.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	workerCount := cfg.GlobalMax
	if workerCount < 8 {
		workerCount = 8
	}
	workers, err := ants.NewPool(workerCount)
	if err != nil {
		return nil, errors.Wrap(err, "pool: creating worker pool")
	}

	factory := cfg.Factory
	if factory == nil {
		factory = transport.NewChannel
	}

	m := &Manager{
		cfg:       cfg,
		factory:   factory,
		globalSem: semaphore.NewWeighted(int64(cfg.GlobalMax)),
		stats:     NewAggregator(),
		workers:   workers,
		stop:      make(chan struct{}),
	}

	if cfg.CleanupInterval > 0 {
		m.wg.Add(1)
		go m.cleanupLoop()
	}
	if cfg.HealthCheck && cfg.ValidationInterval > 0 {
		m.wg.Add(1)
		go m.validationLoop()
	}
	if cfg.Prewarm && cfg.PrewarmInterval > 0 {
		m.wg.Add(1)
		go m.prewarmLoop()
	}

	log.WithField("globalMax", cfg.GlobalMax).WithField("endpointMax", cfg.EndpointMax).Debug("pool manager created")
	return m, nil
}

// poolFor resolves or lazily creates the endpoint pool for an endpoint.
func (m *Manager) poolFor(ep endpoint.Endpoint) *endpointPool {
	key := ep.Key()
	if v, ok := m.pools.Load(key); ok {
		return v.(*endpointPool)
	}

	created := newEndpointPool(ep, &m.cfg, m)
	v, loaded := m.pools.LoadOrStore(key, created)
	p := v.(*endpointPool)

	// Registration can race shutdown: a caller that passed the entry
	// check before Close swapped the flag may store a fresh pool after
	// the map was drained. Such a pool is born closed so it never dials,
	// and it is removed so the drained map stays empty.
	if !loaded && m.closed.Load() {
		p.closed.Store(true)
		m.pools.Delete(key)
	}
	return p
}

// Acquire hands out a healthy connection to the endpoint, waiting up to
// the caller's deadline (or the configured acquire timeout) when the pool
// is saturated. The returned connection is exclusively the caller's until
// it is released.
func (m *Manager) Acquire(ctx context.Context, ep endpoint.Endpoint) (*Conn, error) {
	if m.closed.Load() {
		return nil, errors.ErrPoolClosed
	}
	if err := ep.Validate(); err != nil {
		return nil, err
	}

	p := m.poolFor(ep)

	var timer *metrics.Timer
	if m.cfg.Metrics {
		timer = metrics.NewTimer(poolAcquireLatency)
	}
	start := time.Now()

	c, err := p.acquire(ctx)
	wait := time.Since(start)
	if timer != nil {
		timer.ObserveDuration()
	}

	if err != nil {
		if errors.IsTimeout(err) {
			m.stats.recordTimeout(ep.Key())
			if m.cfg.Metrics {
				poolAcquireTimeouts.Inc()
			}
		}
		if m.cfg.Metrics {
			poolAcquireFailed.Inc()
		}
		log.WithError(err).WithField("endpoint", ep.Key()).Debug("acquire failed")
		return nil, err
	}

	m.stats.recordAcquired(ep.Key(), wait)
	if m.cfg.Metrics {
		poolAcquireSuccess.Inc()
	}
	m.notify(EventAcquired, c)
	return c, nil
}

// Release returns a connection to its pool. With forceClose set, or when
// the connection is unhealthy or expired, it is closed and removed
// instead of re-idled.
func (m *Manager) Release(conn *Conn, forceClose bool) {
	if conn == nil || conn.owner == nil {
		return
	}
	conn.owner.release(conn, forceClose)
}

// CreateConnection explicitly creates a new connection to the endpoint,
// bypassing idle reuse. It is bounded by both the per-endpoint and global
// maximums and fails rather than waits when the endpoint is full or
// another creation for it is already in flight.
func (m *Manager) CreateConnection(ctx context.Context, ep endpoint.Endpoint) (*Conn, error) {
	if m.closed.Load() {
		return nil, errors.ErrPoolClosed
	}
	if err := ep.Validate(); err != nil {
		return nil, err
	}

	p := m.poolFor(ep)
	if p.closed.Load() {
		return nil, errors.ErrPoolClosed
	}
	if err := p.checkout.Acquire(ctx, 1); err != nil {
		return nil, p.acquireErr(ctx)
	}

	// Serialize with the demand path's creation dedup so the capacity
	// check holds while no other creation can grow the pool. total only
	// shrinks while the flag is held, so the check cannot be raced past
	// the endpoint maximum.
	if !p.creating.CompareAndSwap(false, true) {
		p.checkout.Release(1)
		return nil, errors.ErrPoolExhausted
	}
	if int(p.total.Load()) >= m.cfg.EndpointMax {
		p.creating.Store(false)
		p.checkout.Release(1)
		return nil, errors.ErrPoolExhausted
	}

	c, err := p.create(ctx)
	p.creating.Store(false)
	if err != nil {
		p.checkout.Release(1)
		return nil, err
	}
	c.checkedOut.Store(true)
	return c, nil
}

// Validate probes a connection immediately. A failed probe evicts the
// connection; the failure is recorded, never propagated.
func (m *Manager) Validate(ctx context.Context, conn *Conn) bool {
	if conn == nil {
		return false
	}
	if conn.Validate(ctx) {
		return true
	}
	m.recordValidationFailure(conn)
	if conn.owner != nil {
		conn.owner.destroy(conn, false)
	}
	return false
}

// CleanupExpired runs one cleanup sweep across all endpoint pools,
// stopping early if ctx expires. It returns the number of evicted
// connections.
func (m *Manager) CleanupExpired(ctx context.Context) int {
	evicted := 0
	m.pools.Range(func(_, v any) bool {
		if ctx.Err() != nil {
			return false
		}
		evicted += v.(*endpointPool).cleanup()
		return true
	})
	return evicted
}

// Prewarm registers the endpoint and creates connections up to the
// configured per-endpoint minimum.
func (m *Manager) Prewarm(ctx context.Context, ep endpoint.Endpoint) error {
	if m.closed.Load() {
		return errors.ErrPoolClosed
	}
	if err := ep.Validate(); err != nil {
		return err
	}
	m.poolFor(ep).prewarm(ctx)
	return nil
}

// CloseEndpoint tears down every connection for one endpoint. Individual
// close failures are logged, not propagated.
func (m *Manager) CloseEndpoint(ep endpoint.Endpoint) {
	if v, ok := m.pools.LoadAndDelete(ep.Key()); ok {
		v.(*endpointPool).closeAll()
	}
}

// Close shuts the manager down: background sweeps stop first and are
// never invoked again, then every endpoint pool closes with the
// configured lease grace for outstanding leases. Closing an already
// closed manager returns ErrPoolClosed.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return errors.ErrPoolClosed
	}

	close(m.stop)
	m.wg.Wait()

	var wg sync.WaitGroup
	m.pools.Range(func(key, v any) bool {
		p := v.(*endpointPool)
		m.pools.Delete(key)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.closeAll()
		}()
		return true
	})
	wg.Wait()

	m.workers.Release()
	log.Debug("pool manager closed")
	return nil
}

// ListActive returns the connections currently checked out across all
// endpoints.
func (m *Manager) ListActive() []*Conn {
	var active []*Conn
	m.pools.Range(func(_, v any) bool {
		v.(*endpointPool).conns.Range(func(_, cv any) bool {
			c := cv.(*Conn)
			if c.checkedOut.Load() {
				active = append(active, c)
			}
			return true
		})
		return true
	})
	return active
}

// CountFor reports the occupancy of one endpoint's pool.
func (m *Manager) CountFor(ep endpoint.Endpoint) Counts {
	if v, ok := m.pools.Load(ep.Key()); ok {
		return v.(*endpointPool).counts()
	}
	return Counts{Min: m.cfg.EndpointMin, Max: m.cfg.EndpointMax}
}

// Stats returns a snapshot of global statistics with current occupancy
// filled in.
func (m *Manager) Stats() Stats {
	s := m.stats.Global()
	m.pools.Range(func(_, v any) bool {
		c := v.(*endpointPool).counts()
		s.CurrentActive += c.Active
		s.CurrentIdle += c.Idle
		return true
	})
	return s
}

// EndpointStats returns a snapshot of one endpoint's statistics.
func (m *Manager) EndpointStats(ep endpoint.Endpoint) Stats {
	s := m.stats.Endpoint(ep.Key())
	if v, ok := m.pools.Load(ep.Key()); ok {
		c := v.(*endpointPool).counts()
		s.CurrentActive = c.Active
		s.CurrentIdle = c.Idle
	}
	return s
}

// Subscribe registers a lifecycle listener. Listener panics are isolated
// and logged.
func (m *Manager) Subscribe(l Listener) {
	m.listeners.add(l)
}

// notify fans an event out to all listeners.
func (m *Manager) notify(t EventType, c *Conn) {
	m.listeners.notify(Event{
		Type:     t,
		ConnID:   c.id,
		Endpoint: c.ep,
		Time:     time.Now(),
	})
}

// submit schedules background work on the worker pool, falling back to a
// plain goroutine if the pool cannot take it.
func (m *Manager) submit(fn func()) {
	if err := m.workers.Submit(fn); err != nil {
		go fn()
	}
}

func (m *Manager) recordCreated(c *Conn) {
	m.stats.recordCreated(c.ep.Key())
	if m.cfg.Metrics {
		poolConnectionsCreated.Inc()
		poolConnectionsOpen.Inc()
	}
	m.notify(EventCreated, c)
}

func (m *Manager) recordClosed(c *Conn) {
	m.stats.recordClosed(c.ep.Key())
	if m.cfg.Metrics {
		poolConnectionsClosed.Inc()
		poolConnectionsOpen.Dec()
	}
	m.notify(EventDestroyed, c)
}

func (m *Manager) recordReleased(c *Conn) {
	m.stats.recordReleased(c.ep.Key())
	m.notify(EventReleased, c)
}

func (m *Manager) recordValidationFailure(c *Conn) {
	m.stats.recordValidationFailure(c.ep.Key())
	if m.cfg.Metrics {
		poolValidationFailures.Inc()
	}
	m.notify(EventValidationFailed, c)
}

func (m *Manager) recordCreationFailure(ep endpoint.Endpoint) {
	m.stats.recordCreationFailure(ep.Key())
	if m.cfg.Metrics {
		poolCreationFailures.Inc()
	}
}

// cleanupLoop runs the periodic cleanup sweep until shutdown.
func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			evicted := m.CleanupExpired(context.Background())
			if evicted > 0 {
				log.WithField("evicted", evicted).Debug("cleanup sweep finished")
			}
			if m.cfg.Metrics {
				updateGauges(m.Stats(), m.cfg)
			}
		}
	}
}

// validationLoop runs the periodic validation sweep until shutdown.
func (m *Manager) validationLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.ValidationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			failed := 0
			m.pools.Range(func(_, v any) bool {
				failed += v.(*endpointPool).validateIdle(context.Background())
				return true
			})
			if failed > 0 {
				log.WithField("failed", failed).Debug("validation sweep removed connections")
			}
		}
	}
}

// prewarmLoop periodically tops every pool up to the endpoint minimum.
func (m *Manager) prewarmLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PrewarmInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.pools.Range(func(_, v any) bool {
				p := v.(*endpointPool)
				m.submit(func() {
					p.prewarm(context.Background())
				})
				return true
			})
		}
	}
}
