package client

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/evgray/connpool/lib/endpoint"
	"github.com/evgray/connpool/lib/errors"
	"github.com/evgray/connpool/lib/pool"
)

// rpcServer is a newline-delimited JSON-RPC server for tests. It echoes
// params for any method, fails "fail" calls, answers "ping", and counts
// connections and notifications.
type rpcServer struct {
	ep     endpoint.Endpoint
	conns  atomic.Int32
	notes  atomic.Int32
	silent bool
}

func startRPCServer(t *testing.T, silent bool) *rpcServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	ep, err := endpoint.New(endpoint.KindTCP, "127.0.0.1", port)
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}

	s := &rpcServer{ep: ep, silent: silent}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.conns.Add(1)
			go s.serve(conn)
		}
	}()
	return s
}

func (s *rpcServer) serve(c net.Conn) {
	defer c.Close()
	dec := json.NewDecoder(c)
	enc := json.NewEncoder(c)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}
		if req.ID == nil {
			s.notes.Add(1)
			continue
		}
		if s.silent {
			continue
		}

		resp := Response{JSONRPC: Version, ID: req.ID}
		switch req.Method {
		case "fail":
			resp.Error = &RPCError{Code: -32000, Message: "boom"}
		case "ping":
			resp.Result = json.RawMessage(`"pong"`)
		default:
			resp.Result = req.Params
		}
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func newTestClient(t *testing.T, cfg pool.Config) *Client {
	t.Helper()
	m, err := pool.NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return New(m)
}

func testPoolConfig() pool.Config {
	return pool.Config{
		GlobalMax:      4,
		EndpointMax:    2,
		ConnectTimeout: time.Second,
		AcquireTimeout: 2 * time.Second,
		LeaseGrace:     50 * time.Millisecond,
	}
}

func TestClientCallEcho(t *testing.T) {
	s := startRPCServer(t, false)
	c := newTestClient(t, testPoolConfig())

	params := map[string]string{"name": "world"}
	var result map[string]string
	if err := c.Call(context.Background(), s.ep, "echo", params, &result); err != nil {
		t.Fatalf("call: %v", err)
	}
	if result["name"] != "world" {
		t.Fatalf("result = %v", result)
	}
}

func TestClientCallRPCError(t *testing.T) {
	s := startRPCServer(t, false)
	c := newTestClient(t, testPoolConfig())

	err := c.Call(context.Background(), s.ep, "fail", nil, nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want *RPCError", err)
	}
	if rpcErr.Code != -32000 || rpcErr.Message != "boom" {
		t.Fatalf("rpc error = %+v", rpcErr)
	}

	// A server-side error is a healthy exchange; the connection stays
	// pooled and serves the next call.
	var result string
	if err := c.Call(context.Background(), s.ep, "echo", "again", &result); err != nil {
		t.Fatalf("call after rpc error: %v", err)
	}
	if result != "again" {
		t.Fatalf("result = %q", result)
	}
	if got := s.conns.Load(); got != 1 {
		t.Fatalf("server connections = %d, want 1", got)
	}
}

func TestClientReusesConnection(t *testing.T) {
	s := startRPCServer(t, false)
	c := newTestClient(t, testPoolConfig())

	for i := range 5 {
		var result int
		if err := c.Call(context.Background(), s.ep, "echo", i, &result); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if result != i {
			t.Fatalf("call %d: result = %d", i, result)
		}
	}
	if got := s.conns.Load(); got != 1 {
		t.Fatalf("server connections = %d, want 1", got)
	}

	stats := c.Pool().Stats()
	if stats.Acquired != 5 || stats.Released != 5 {
		t.Fatalf("stats = %+v, want 5 acquired and released", stats)
	}
}

func TestClientNotify(t *testing.T) {
	s := startRPCServer(t, false)
	c := newTestClient(t, testPoolConfig())

	if err := c.Notify(context.Background(), s.ep, "log", "something happened"); err != nil {
		t.Fatalf("notify: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.notes.Load() == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("notification never reached the server")
}

func TestClientCallDeadlineDiscardsConn(t *testing.T) {
	s := startRPCServer(t, true)
	c := newTestClient(t, testPoolConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Call(ctx, s.ep, "echo", "hello", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}

	// The abandoned connection must not go back into the idle set.
	stats := c.Pool().Stats()
	if stats.CurrentIdle != 0 {
		t.Fatalf("stats = %+v, abandoned connection was re-idled", stats)
	}
	if stats.Closed != 1 {
		t.Fatalf("closed = %d, want 1", stats.Closed)
	}
}

func TestPingValidator(t *testing.T) {
	s := startRPCServer(t, false)

	cfg := testPoolConfig()
	cfg.Validator = PingValidator("ping")
	cfg.ValidationTimeout = time.Second
	m, err := pool.NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })

	conn, err := m.Acquire(context.Background(), s.ep)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !m.Validate(context.Background(), conn) {
		t.Fatal("ping against a live server should validate")
	}
	m.Release(conn, false)

	// Reuse runs the validator again on checkout; the connection must
	// still pass end to end.
	conn, err = m.Acquire(context.Background(), s.ep)
	if err != nil {
		t.Fatalf("acquire after validate: %v", err)
	}
	m.Release(conn, false)
	if got := s.conns.Load(); got != 1 {
		t.Fatalf("server connections = %d, want 1", got)
	}
}
