package pool

import (
	"context"
	"testing"
	"time"

	"github.com/evgray/connpool/lib/errors"
)

// newTestConn builds a standalone idle connection over a live mock
// channel, with no owning pool.
func newTestConn(cfg Config) (*Conn, *mockChannel) {
	cfg = cfg.withDefaults()
	ch := &mockChannel{ep: testEndpoint("conn.test")}
	ch.alive.Store(true)
	c := newConn(ch.ep, ch, &cfg, nil)
	c.transition(StateIdle)
	return c, ch
}

func TestConnLeaseExclusive(t *testing.T) {
	c, _ := newTestConn(Config{GlobalMax: 1, EndpointMax: 1})

	l1, err := c.AcquireLease(context.Background())
	if err != nil {
		t.Fatalf("first lease: %v", err)
	}
	if !l1.Valid() {
		t.Fatal("first lease should be valid")
	}
	if c.State() != StateInUse {
		t.Fatalf("state = %v, want in-use", c.State())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := c.AcquireLease(ctx); !errors.Is(err, errors.ErrLeaseHeld) {
		t.Fatalf("second lease err = %v, want ErrLeaseHeld", err)
	}

	l1.Release()
	if l1.Valid() {
		t.Fatal("released lease should be invalid")
	}
	if c.State() != StateIdle {
		t.Fatalf("state after release = %v, want idle", c.State())
	}

	l2, err := c.AcquireLease(context.Background())
	if err != nil {
		t.Fatalf("lease after release: %v", err)
	}
	l2.Release()

	if got := c.UseCount(); got != 2 {
		t.Fatalf("use count = %d, want 2", got)
	}
}

func TestConnLeaseWaitsForOutstanding(t *testing.T) {
	c, _ := newTestConn(Config{GlobalMax: 1, EndpointMax: 1})

	l1, err := c.AcquireLease(context.Background())
	if err != nil {
		t.Fatalf("first lease: %v", err)
	}

	done := make(chan *Lease, 1)
	go func() {
		l, err := c.AcquireLease(context.Background())
		if err != nil {
			t.Errorf("waiting lease: %v", err)
		}
		done <- l
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("second lease granted while first still held")
	default:
	}

	l1.Release()
	select {
	case l2 := <-done:
		if l2 != nil {
			l2.Release()
		}
	case <-time.After(time.Second):
		t.Fatal("waiting lease never granted")
	}
}

func TestConnLeaseReleaseIdempotent(t *testing.T) {
	c, _ := newTestConn(Config{GlobalMax: 1, EndpointMax: 1})

	l, err := c.AcquireLease(context.Background())
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	l.Release()
	l.Release()

	// The slot must be free again after the double release.
	l2, err := c.AcquireLease(context.Background())
	if err != nil {
		t.Fatalf("lease after double release: %v", err)
	}
	l2.Release()
}

func TestConnLeaseUnavailableStates(t *testing.T) {
	for _, state := range []ConnState{StateCreated, StateConnecting, StateValidating, StateClosing, StateClosed, StateError} {
		c, _ := newTestConn(Config{GlobalMax: 1, EndpointMax: 1})
		c.state.Store(int32(state))
		if _, err := c.AcquireLease(context.Background()); !errors.Is(err, errors.ErrConnectionUnavailable) {
			t.Errorf("state %v: err = %v, want ErrConnectionUnavailable", state, err)
		}
	}
}

func TestLeaseChannelAfterInvalidate(t *testing.T) {
	c, ch := newTestConn(Config{GlobalMax: 1, EndpointMax: 1})

	l, err := c.AcquireLease(context.Background())
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	got, err := l.Channel()
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	if got != ch {
		t.Fatal("lease exposes the wrong channel")
	}

	l.Invalidate()
	if _, err := l.Channel(); !errors.Is(err, errors.ErrLeaseInvalid) {
		t.Fatalf("channel after invalidate: err = %v, want ErrLeaseInvalid", err)
	}
}

func TestConnValidateLivenessFallback(t *testing.T) {
	c, ch := newTestConn(Config{GlobalMax: 1, EndpointMax: 1})

	if !c.Validate(context.Background()) {
		t.Fatal("live channel should validate")
	}
	if c.State() != StateIdle {
		t.Fatalf("state after validation = %v, want idle", c.State())
	}

	ch.alive.Store(false)
	if c.Validate(context.Background()) {
		t.Fatal("dead channel should fail validation")
	}
	if c.State() != StateError {
		t.Fatalf("state after failed validation = %v, want error", c.State())
	}
}

func TestConnValidatorPanicIsFailure(t *testing.T) {
	cfg := Config{
		GlobalMax:   1,
		EndpointMax: 1,
		Validator: func(context.Context, *Conn) bool {
			panic("probe exploded")
		},
	}
	c, _ := newTestConn(cfg)

	if c.Validate(context.Background()) {
		t.Fatal("panicking validator must count as unhealthy")
	}
	if c.State() != StateError {
		t.Fatalf("state = %v, want error", c.State())
	}
}

func TestConnCloseGraceInvalidatesLease(t *testing.T) {
	cfg := Config{GlobalMax: 1, EndpointMax: 1, LeaseGrace: 50 * time.Millisecond}
	c, ch := newTestConn(cfg)

	l, err := c.AcquireLease(context.Background())
	if err != nil {
		t.Fatalf("lease: %v", err)
	}

	start := time.Now()
	if err := c.Close(false); err != nil {
		t.Fatalf("close: %v", err)
	}
	if elapsed := time.Since(start); elapsed < cfg.LeaseGrace {
		t.Fatalf("close returned after %v, want at least the %v grace", elapsed, cfg.LeaseGrace)
	}

	if l.Valid() {
		t.Fatal("outstanding lease should be invalidated by close")
	}
	if !ch.closed.Load() {
		t.Fatal("channel should be closed")
	}
	if c.State() != StateClosed {
		t.Fatalf("state = %v, want closed", c.State())
	}

	// Releasing the dead lease afterwards must be a safe no-op.
	l.Release()
}

func TestConnCloseForceSkipsGrace(t *testing.T) {
	cfg := Config{GlobalMax: 1, EndpointMax: 1, LeaseGrace: 5 * time.Second}
	c, _ := newTestConn(cfg)

	l, err := c.AcquireLease(context.Background())
	if err != nil {
		t.Fatalf("lease: %v", err)
	}

	start := time.Now()
	if err := c.Close(true); err != nil {
		t.Fatalf("close: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("forced close took %v, want immediate", elapsed)
	}
	if l.Valid() {
		t.Fatal("forced close should invalidate the lease")
	}
}

func TestConnCloseIdempotent(t *testing.T) {
	c, _ := newTestConn(Config{GlobalMax: 1, EndpointMax: 1})

	if err := c.Close(true); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := c.Close(true); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestConnProperties(t *testing.T) {
	c, _ := newTestConn(Config{GlobalMax: 1, EndpointMax: 1})

	if _, ok := c.Property("session"); ok {
		t.Fatal("unset property should not exist")
	}
	c.SetProperty("session", "abc123")
	v, ok := c.Property("session")
	if !ok || v.(string) != "abc123" {
		t.Fatalf("property = %v, %v", v, ok)
	}
}

func TestConnExpired(t *testing.T) {
	c, _ := newTestConn(Config{GlobalMax: 1, EndpointMax: 1})

	if c.Expired(0) {
		t.Fatal("zero max lifetime must never expire")
	}
	if c.Expired(time.Hour) {
		t.Fatal("fresh connection should not be expired")
	}
	time.Sleep(20 * time.Millisecond)
	if !c.Expired(10 * time.Millisecond) {
		t.Fatal("connection past its lifetime should be expired")
	}
}
