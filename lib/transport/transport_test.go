package transport

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/evgray/connpool/lib/endpoint"
	"github.com/evgray/connpool/lib/errors"
)

// echoListener accepts TCP connections and echoes lines back.
func echoListener(t *testing.T) (net.Listener, endpoint.Endpoint) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					line, err := r.ReadBytes('\n')
					if err != nil {
						return
					}
					if _, err := c.Write(line); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	ep, err := endpoint.New(endpoint.KindTCP, "127.0.0.1", port)
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	return ln, ep
}

func TestTCPDialAndEcho(t *testing.T) {
	_, ep := echoListener(t)

	ch, err := Dial(context.Background(), ep)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	if !ch.IsLive() {
		t.Error("connected channel must report live")
	}
	if ch.RemoteAddr() == nil || ch.LocalAddr() == nil {
		t.Error("connected channel must report addresses")
	}
	if !ch.Endpoint().Equal(ep) {
		t.Errorf("Endpoint() = %v, want %v", ch.Endpoint(), ep)
	}

	if _, err := ch.Writer().Write([]byte("ping\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(ch.Reader()).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "ping\n" {
		t.Errorf("echo = %q", line)
	}
}

func TestTCPDialRefused(t *testing.T) {
	// Grab a free port and close it again so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	ln.Close()

	ep, _ := endpoint.New(endpoint.KindTCP, "127.0.0.1", port)
	if _, err := Dial(context.Background(), ep); err == nil {
		t.Fatal("expected dial failure")
	}
}

func TestTCPDialHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Reserved TEST-NET-1 address, nothing listens there.
	ep, _ := endpoint.New(endpoint.KindTCP, "192.0.2.1", 9)
	start := time.Now()
	if _, err := Dial(ctx, ep); err == nil {
		t.Fatal("expected dial failure with canceled context")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("canceled dial must return promptly")
	}
}

func TestChannelCloseIdempotent(t *testing.T) {
	_, ep := echoListener(t)

	ch, err := Dial(context.Background(), ep)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if err := ch.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second close must be a no-op: %v", err)
	}
	if ch.IsLive() {
		t.Error("closed channel must not report live")
	}
	if _, err := ch.Writer().Write([]byte("x")); !errors.Is(err, errors.ErrChannelClosed) {
		t.Errorf("write after close = %v, want ErrChannelClosed", err)
	}
}

func TestConnectAfterCloseRejected(t *testing.T) {
	_, ep := echoListener(t)

	ch, err := NewChannel(context.Background(), ep)
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	ch.Close()

	if err := ch.Connect(context.Background()); !errors.Is(err, errors.ErrChannelClosed) {
		t.Errorf("Connect after Close = %v, want ErrChannelClosed", err)
	}
}

func TestNewChannelRejectsInvalidEndpoint(t *testing.T) {
	if _, err := NewChannel(context.Background(), endpoint.Endpoint{Kind: "bogus", Host: "h", Port: 1}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
