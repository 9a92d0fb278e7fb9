package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/evgray/connpool/lib/endpoint"
	"github.com/evgray/connpool/lib/errors"
)

// tcpChannel is a Channel over a plain TCP stream.
type tcpChannel struct {
	ep    endpoint.Endpoint
	mu    sync.Mutex
	conn  net.Conn
	alive atomic.Bool
	done  atomic.Bool
}

func newTCPChannel(ep endpoint.Endpoint) *tcpChannel {
	return &tcpChannel{ep: ep}
}

func (c *tcpChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done.Load() {
		return errors.ErrChannelClosed
	}
	if c.conn != nil {
		return nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.ep.Addr())
	if err != nil {
		return errors.Wrap(err, "transport: dial "+c.ep.Key())
	}

	c.conn = conn
	c.alive.Store(true)
	log.WithField("endpoint", c.ep.Key()).Debug("tcp channel connected")
	return nil
}

func (c *tcpChannel) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.teardownLocked()
}

func (c *tcpChannel) Close() error {
	if c.done.Swap(true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.teardownLocked()
}

// teardownLocked closes the socket. Caller must hold mu.
func (c *tcpChannel) teardownLocked() error {
	c.alive.Store(false)
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *tcpChannel) Read(p []byte) (int, error) {
	conn := c.current()
	if conn == nil {
		return 0, errors.ErrChannelClosed
	}
	n, err := conn.Read(p)
	if err != nil && err != io.EOF {
		c.alive.Store(false)
	}
	return n, err
}

func (c *tcpChannel) Write(p []byte) (int, error) {
	conn := c.current()
	if conn == nil {
		return 0, errors.ErrChannelClosed
	}
	n, err := conn.Write(p)
	if err != nil {
		c.alive.Store(false)
	}
	return n, err
}

func (c *tcpChannel) current() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *tcpChannel) Reader() io.Reader { return c }
func (c *tcpChannel) Writer() io.Writer { return c }

func (c *tcpChannel) LocalAddr() net.Addr {
	if conn := c.current(); conn != nil {
		return conn.LocalAddr()
	}
	return nil
}

func (c *tcpChannel) RemoteAddr() net.Addr {
	if conn := c.current(); conn != nil {
		return conn.RemoteAddr()
	}
	return nil
}

func (c *tcpChannel) IsLive() bool {
	return c.alive.Load() && !c.done.Load()
}

func (c *tcpChannel) Endpoint() endpoint.Endpoint { return c.ep }
