package pool

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/evgray/connpool/lib/errors"
	"github.com/evgray/connpool/lib/transport"
)

// Lease is a one-time-use checkout token for a pooled connection. It is a
// capability, not a connection: holding a valid lease grants exclusive use
// of the connection's channel until the lease is released.
//
// Release always forwards to the connection's lease slot exactly once, no
// matter how many times it is called or whether the lease was invalidated
// first, so disposal can never corrupt the slot.
type Lease struct {
	id        string
	conn      *Conn
	createdAt time.Time
	valid     atomic.Bool
	released  atomic.Bool
}

func newLease(c *Conn) *Lease {
	l := &Lease{
		id:        uuid.NewString(),
		conn:      c,
		createdAt: time.Now(),
	}
	l.valid.Store(true)
	return l
}

// ID returns the lease's unique identifier.
func (l *Lease) ID() string { return l.id }

// Conn returns the leased connection.
func (l *Lease) Conn() *Conn { return l.conn }

// CreatedAt returns when the lease was issued.
func (l *Lease) CreatedAt() time.Time { return l.createdAt }

// Valid reports whether the lease still grants access.
func (l *Lease) Valid() bool { return l.valid.Load() }

// Channel returns the connection's transport channel while the lease is
// valid.
func (l *Lease) Channel() (transport.Channel, error) {
	if !l.valid.Load() {
		return nil, errors.ErrLeaseInvalid
	}
	return l.conn.channel, nil
}

// Invalidate permanently marks the lease unusable without releasing the
// connection's slot. The pool uses this during forced shutdown; the
// holder's eventual Release stays safe.
func (l *Lease) Invalidate() {
	l.invalidate()
}

func (l *Lease) invalidate() {
	if l.valid.Swap(false) {
		log.WithField("lease", l.id).WithField("conn", l.conn.id).Debug("lease invalidated")
	}
}

// Release returns the connection to the pool. Safe to call multiple
// times and after invalidation; only the first call reaches the
// connection.
func (l *Lease) Release() {
	if l.released.Swap(true) {
		return
	}
	l.valid.Store(false)
	l.conn.releaseLease(l)
}

// Close implements io.Closer by releasing the lease.
func (l *Lease) Close() error {
	l.Release()
	return nil
}
