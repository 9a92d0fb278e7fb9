package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/evgray/connpool/lib/endpoint"
	"github.com/evgray/connpool/lib/errors"
	"github.com/evgray/connpool/lib/transport"
)

// Conn is a pooled connection: one exclusively owned transport channel
// plus the state machine and usage statistics the pool needs to manage it.
//
// At most one lease is outstanding at any time; this is enforced with a
// single-slot semaphore, not left as a convention. While a lease is held
// the pool touches only metadata, never the channel's data streams.
type Conn struct {
	id      string
	ep      endpoint.Endpoint
	channel transport.Channel
	cfg     *Config
	owner   *endpointPool

	state     atomic.Int32
	createdAt time.Time
	lastUsed  atomic.Int64 // unix nanos
	useCount  atomic.Uint64
	props     sync.Map

	// slot is the lease exclusivity semaphore: holding the single token
	// means a lease is outstanding (or teardown owns the slot).
	slot    chan struct{}
	leaseMu sync.Mutex
	lease   *Lease

	pooled     atomic.Bool // currently enqueued in the idle set
	checkedOut atomic.Bool // holds a per-endpoint checkout permit
	destroyed  atomic.Bool
	closeMu    sync.Mutex
}

func newConn(ep endpoint.Endpoint, ch transport.Channel, cfg *Config, owner *endpointPool) *Conn {
	c := &Conn{
		id:        uuid.NewString(),
		ep:        ep,
		channel:   ch,
		cfg:       cfg,
		owner:     owner,
		createdAt: time.Now(),
		slot:      make(chan struct{}, 1),
	}
	c.state.Store(int32(StateCreated))
	c.touch()
	return c
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string { return c.id }

// Endpoint returns the endpoint this connection belongs to.
func (c *Conn) Endpoint() endpoint.Endpoint { return c.ep }

// Channel exposes the underlying transport channel. This is for
// validators, which run while the pool guarantees no lease is
// outstanding; normal callers reach the channel through their lease.
func (c *Conn) Channel() transport.Channel { return c.channel }

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// CreatedAt returns when the connection was created.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// LastUsed returns when the connection was last leased or released.
func (c *Conn) LastUsed() time.Time {
	return time.Unix(0, c.lastUsed.Load())
}

// UseCount returns how many leases have been issued over the
// connection's lifetime.
func (c *Conn) UseCount() uint64 { return c.useCount.Load() }

// SetProperty attaches an arbitrary tag to the connection.
func (c *Conn) SetProperty(key string, value any) {
	c.props.Store(key, value)
}

// Property reads a tag set with SetProperty.
func (c *Conn) Property(key string) (any, bool) {
	return c.props.Load(key)
}

// IdleFor returns how long the connection has gone unused.
func (c *Conn) IdleFor() time.Duration {
	return time.Since(c.LastUsed())
}

// Expired reports whether the connection's total age exceeds maxLifetime.
// A zero maxLifetime never expires.
func (c *Conn) Expired(maxLifetime time.Duration) bool {
	return maxLifetime > 0 && time.Since(c.createdAt) > maxLifetime
}

// Healthy reports whether the connection is in a leasable state with a
// live channel.
func (c *Conn) Healthy() bool {
	return c.State().leasable() && c.channel.IsLive()
}

func (c *Conn) touch() {
	c.lastUsed.Store(time.Now().UnixNano())
}

// transition swaps the state and reports the change to the owning pool.
func (c *Conn) transition(to ConnState) ConnState {
	from := ConnState(c.state.Swap(int32(to)))
	if from != to && c.owner != nil {
		c.owner.connStateChanged(c, from, to)
	}
	return from
}

// AcquireLease issues the connection's exclusive checkout token. It fails
// immediately if the connection is not in a healthy state, and waits on
// the lease slot (bounded by ctx) if another lease is still outstanding.
func (c *Conn) AcquireLease(ctx context.Context) (*Lease, error) {
	if s := c.State(); !s.leasable() && s != StateInUse {
		return nil, errors.ErrConnectionUnavailable
	}

	select {
	case c.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.Join(errors.ErrLeaseHeld, ctx.Err())
	}

	// Re-check now that we hold the slot: the connection may have been
	// closed or errored while we waited.
	if !c.State().leasable() {
		<-c.slot
		return nil, errors.ErrConnectionUnavailable
	}

	c.transition(StateInUse)
	c.useCount.Add(1)
	c.touch()

	l := newLease(c)
	c.leaseMu.Lock()
	c.lease = l
	c.leaseMu.Unlock()

	log.WithField("conn", c.id).WithField("lease", l.id).Debug("lease acquired")
	return l, nil
}

// releaseLease returns the lease slot. It is a no-op unless l is the
// currently outstanding lease. The state transition happens before the
// slot is released so a waiting acquirer never observes a connection
// still marked in-use.
func (c *Conn) releaseLease(l *Lease) {
	c.leaseMu.Lock()
	if c.lease != l {
		c.leaseMu.Unlock()
		return
	}
	c.lease = nil
	c.leaseMu.Unlock()

	c.touch()
	if c.State() == StateInUse {
		c.transition(StateIdle)
	}
	<-c.slot

	if c.owner != nil {
		c.owner.returned(c)
	}
}

// currentLease returns the outstanding lease, if any.
func (c *Conn) currentLease() *Lease {
	c.leaseMu.Lock()
	defer c.leaseMu.Unlock()
	return c.lease
}

// Validate probes the connection's health. It transitions to Validating,
// runs the configured validator (falling back to the channel liveness
// check), and lands in Idle on success or Error on failure. Anything a
// validator panics with is treated as failure, not propagated.
func (c *Conn) Validate(ctx context.Context) bool {
	if !c.State().leasable() {
		return false
	}
	c.transition(StateValidating)

	if c.cfg.ValidationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ValidationTimeout)
		defer cancel()
	}

	if c.runValidator(ctx) {
		c.transition(StateIdle)
		return true
	}
	c.transition(StateError)
	return false
}

func (c *Conn) runValidator(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("conn", c.id).WithField("panic", r).Warn("validator panicked, treating as unhealthy")
			ok = false
		}
	}()

	if c.cfg.Validator != nil {
		return c.cfg.Validator(ctx, c)
	}
	return c.channel.IsLive()
}

// Close tears the connection down. A non-forced close waits up to the
// configured lease grace for an outstanding lease; either way any lease
// still outstanding afterwards is invalidated before the channel is
// disposed. Closing an already closed connection is a no-op.
func (c *Conn) Close(force bool) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.State().terminal() && c.State() != StateError {
		return nil
	}

	gotSlot := false
	if force {
		select {
		case c.slot <- struct{}{}:
			gotSlot = true
		default:
		}
	} else {
		timer := time.NewTimer(c.cfg.LeaseGrace)
		select {
		case c.slot <- struct{}{}:
			gotSlot = true
			timer.Stop()
		case <-timer.C:
		}
	}

	if !gotSlot {
		c.leaseMu.Lock()
		if c.lease != nil {
			c.lease.invalidate()
			c.lease = nil
		}
		c.leaseMu.Unlock()
	}

	c.transition(StateClosing)
	err := c.channel.Close()
	c.transition(StateClosed)

	log.WithField("conn", c.id).WithField("endpoint", c.ep.Key()).Debug("connection closed")
	return err
}
