package client

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/evgray/connpool/lib/endpoint"
	"github.com/evgray/connpool/lib/errors"
	"github.com/evgray/connpool/lib/pool"
)

// Client is a JSON-RPC 2.0 client that draws its connections from a
// pool manager. Requests and responses travel newline-delimited over
// the connection's transport channel; the lease discipline keeps every
// in-flight call alone on its stream.
//
// A Client is safe for concurrent use. It does not own the manager and
// never closes it.
type Client struct {
	mgr *pool.Manager
	seq atomic.Uint64
}

// New returns a client backed by the manager.
func New(mgr *pool.Manager) *Client {
	return &Client{mgr: mgr}
}

// Pool returns the underlying pool manager.
func (c *Client) Pool() *pool.Manager { return c.mgr }

// Call performs a JSON-RPC call against the endpoint and unmarshals the
// result into result when it is non-nil. A server-side error comes back
// as *RPCError; transport failures discard the connection.
func (c *Client) Call(ctx context.Context, ep endpoint.Endpoint, method string, params, result any) error {
	id := c.seq.Add(1)
	req, err := newRequest(&id, method, params)
	if err != nil {
		return err
	}

	var resp Response
	err = c.roundTrip(ctx, ep, func(enc *json.Encoder, dec *json.Decoder) error {
		if err := enc.Encode(req); err != nil {
			return errors.Wrap(err, "client: writing request")
		}
		// Skip anything that is not the answer to this call, such as
		// server-pushed notifications.
		for {
			if err := dec.Decode(&resp); err != nil {
				return errors.Wrap(err, "client: reading response")
			}
			if resp.ID != nil && *resp.ID == id {
				return nil
			}
		}
	})
	if err != nil {
		return err
	}

	if resp.Error != nil {
		return resp.Error
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return errors.Wrap(err, "client: unmarshaling result")
		}
	}
	return nil
}

// Notify sends a JSON-RPC notification. No response is awaited.
func (c *Client) Notify(ctx context.Context, ep endpoint.Endpoint, method string, params any) error {
	req, err := newRequest(nil, method, params)
	if err != nil {
		return err
	}
	return c.roundTrip(ctx, ep, func(enc *json.Encoder, _ *json.Decoder) error {
		if err := enc.Encode(req); err != nil {
			return errors.Wrap(err, "client: writing notification")
		}
		return nil
	})
}

// roundTrip checks a connection out, leases it, and runs fn with codecs
// over its streams. A healthy exchange returns the connection to the
// pool; an I/O failure or an abandoned exchange discards it, since the
// stream position is unknown.
func (c *Client) roundTrip(ctx context.Context, ep endpoint.Endpoint, fn func(*json.Encoder, *json.Decoder) error) error {
	conn, err := c.mgr.Acquire(ctx, ep)
	if err != nil {
		return err
	}
	lease, err := conn.AcquireLease(ctx)
	if err != nil {
		c.mgr.Release(conn, true)
		return err
	}
	ch, err := lease.Channel()
	if err != nil {
		c.mgr.Release(conn, true)
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- fn(json.NewEncoder(ch.Writer()), json.NewDecoder(ch.Reader()))
	}()

	select {
	case <-ctx.Done():
		// Closing the connection unblocks the exchange goroutine.
		lease.Invalidate()
		c.mgr.Release(conn, true)
		log.WithField("endpoint", ep.Key()).Debug("rpc exchange abandoned")
		return ctx.Err()
	case err := <-done:
		if err != nil {
			lease.Invalidate()
			c.mgr.Release(conn, true)
			return err
		}
		lease.Release()
		return nil
	}
}

// PingValidator returns a connection validator that performs a JSON-RPC
// call of the given method and passes the connection when any response
// arrives, including an error response. Wire it into the pool
// configuration to replace the transport liveness check with a real
// application-level probe.
func PingValidator(method string) pool.Validator {
	var seq atomic.Uint64
	return func(ctx context.Context, conn *pool.Conn) bool {
		id := seq.Add(1)
		req, err := newRequest(&id, method, nil)
		if err != nil {
			return false
		}

		ch := conn.Channel()
		done := make(chan bool, 1)
		go func() {
			if err := json.NewEncoder(ch.Writer()).Encode(req); err != nil {
				done <- false
				return
			}
			dec := json.NewDecoder(ch.Reader())
			var resp Response
			for {
				if err := dec.Decode(&resp); err != nil {
					done <- false
					return
				}
				if resp.ID != nil && *resp.ID == id {
					done <- true
					return
				}
			}
		}()

		select {
		case <-ctx.Done():
			return false
		case ok := <-done:
			return ok
		}
	}
}
