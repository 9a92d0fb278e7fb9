package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/evgray/connpool/lib/endpoint"
	"github.com/evgray/connpool/lib/errors"
)

// wsChannel is a Channel over a WebSocket connection. RPC payloads travel
// as binary messages; Read drains messages in order so the channel looks
// like a byte stream to the caller.
type wsChannel struct {
	ep    endpoint.Endpoint
	mu    sync.Mutex
	conn  *websocket.Conn
	cur   io.Reader // remainder of the current inbound message
	alive atomic.Bool
	done  atomic.Bool
}

func newWSChannel(ep endpoint.Endpoint) *wsChannel {
	return &wsChannel{ep: ep}
}

func (c *wsChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done.Load() {
		return errors.ErrChannelClosed
	}
	if c.conn != nil {
		return nil
	}

	url := "ws://" + c.ep.Addr() + "/"
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return errors.Wrap(err, "transport: dial "+c.ep.Key())
	}

	c.conn = conn
	c.alive.Store(true)
	log.WithField("endpoint", c.ep.Key()).Debug("websocket channel connected")
	return nil
}

func (c *wsChannel) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.alive.Store(false)
	if c.conn == nil {
		return nil
	}

	// Best effort close handshake before dropping the socket.
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := c.conn.Close()
	c.conn = nil
	c.cur = nil
	return err
}

func (c *wsChannel) Close() error {
	if c.done.Swap(true) {
		return nil
	}
	return c.Disconnect()
}

func (c *wsChannel) Read(p []byte) (int, error) {
	c.mu.Lock()
	conn, cur := c.conn, c.cur
	c.mu.Unlock()

	if conn == nil {
		return 0, errors.ErrChannelClosed
	}

	for {
		if cur != nil {
			n, err := cur.Read(p)
			if err == io.EOF {
				c.setCurrent(nil)
				if n > 0 {
					return n, nil
				}
				cur = nil
				continue
			}
			if err != nil {
				c.alive.Store(false)
			}
			return n, err
		}

		_, r, err := conn.NextReader()
		if err != nil {
			c.alive.Store(false)
			return 0, err
		}
		c.setCurrent(r)
		cur = r
	}
}

func (c *wsChannel) setCurrent(r io.Reader) {
	c.mu.Lock()
	c.cur = r
	c.mu.Unlock()
}

func (c *wsChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return 0, errors.ErrChannelClosed
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		c.alive.Store(false)
		return 0, err
	}
	return len(p), nil
}

func (c *wsChannel) Reader() io.Reader { return c }
func (c *wsChannel) Writer() io.Writer { return c }

func (c *wsChannel) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.LocalAddr()
	}
	return nil
}

func (c *wsChannel) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.RemoteAddr()
	}
	return nil
}

func (c *wsChannel) IsLive() bool {
	return c.alive.Load() && !c.done.Load()
}

func (c *wsChannel) Endpoint() endpoint.Endpoint { return c.ep }
