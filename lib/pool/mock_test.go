package pool

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/evgray/connpool/lib/endpoint"
	"github.com/evgray/connpool/lib/errors"
	"github.com/evgray/connpool/lib/transport"
)

// mockChannel is an in-memory transport channel for pool tests.
type mockChannel struct {
	ep           endpoint.Endpoint
	alive        atomic.Bool
	closed       atomic.Bool
	connects     atomic.Int32
	connectErr   error
	connectDelay time.Duration
}

func (m *mockChannel) Connect(ctx context.Context) error {
	if m.connectDelay > 0 {
		select {
		case <-time.After(m.connectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connects.Add(1)
	m.alive.Store(true)
	return nil
}

func (m *mockChannel) Disconnect() error {
	m.alive.Store(false)
	return nil
}

func (m *mockChannel) Close() error {
	m.alive.Store(false)
	m.closed.Store(true)
	return nil
}

func (m *mockChannel) Reader() io.Reader           { return strings.NewReader("") }
func (m *mockChannel) Writer() io.Writer           { return io.Discard }
func (m *mockChannel) LocalAddr() net.Addr         { return nil }
func (m *mockChannel) RemoteAddr() net.Addr        { return nil }
func (m *mockChannel) IsLive() bool                { return m.alive.Load() }
func (m *mockChannel) Endpoint() endpoint.Endpoint { return m.ep }

// mockFactory produces mock channels and records every dial.
type mockFactory struct {
	mu       sync.Mutex
	channels []*mockChannel

	dials        atomic.Int32
	fail         atomic.Bool
	connectErr   error
	connectDelay time.Duration
}

func (f *mockFactory) create(_ context.Context, ep endpoint.Endpoint) (transport.Channel, error) {
	f.dials.Add(1)
	if f.fail.Load() {
		return nil, errors.New("dial refused")
	}
	ch := &mockChannel{ep: ep, connectErr: f.connectErr, connectDelay: f.connectDelay}
	f.mu.Lock()
	f.channels = append(f.channels, ch)
	f.mu.Unlock()
	return ch, nil
}

// killAll marks every channel the factory ever produced as dead.
func (f *mockFactory) killAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.channels {
		ch.alive.Store(false)
	}
}

func (f *mockFactory) closedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ch := range f.channels {
		if ch.closed.Load() {
			n++
		}
	}
	return n
}

func testEndpoint(host string) endpoint.Endpoint {
	return endpoint.Endpoint{Host: host, Port: 4242, Kind: endpoint.KindTCP}
}

// testConfig returns a config wired to the mock factory with background
// sweeps disabled so tests drive every transition themselves.
func testConfig(f *mockFactory) Config {
	return Config{
		GlobalMax:         16,
		EndpointMax:       8,
		ConnectTimeout:    time.Second,
		AcquireTimeout:    2 * time.Second,
		IdleTimeout:       time.Minute,
		ValidationTimeout: time.Second,
		LeaseGrace:        100 * time.Millisecond,
		Factory:           f.create,
	}
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() {
		m.Close()
	})
	return m
}
