// Package transport provides the bidirectional channel abstraction the
// connection pool hands out, plus dialers for the supported transport kinds.
//
// A Channel is an opaque connect/disconnect/stream resource. The pool only
// ever touches channel metadata; the data streams belong exclusively to
// whichever caller holds the connection's lease.
package transport

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/evgray/connpool/lib/endpoint"
	"github.com/evgray/connpool/lib/errors"
)

// Channel is a bidirectional connection to one endpoint.
// Implementations must be safe for one reader and one writer; the pool's
// lease discipline guarantees a single owner at a time.
type Channel interface {
	// Connect establishes the connection, honoring ctx for cancellation.
	Connect(ctx context.Context) error
	// Disconnect tears the connection down gracefully.
	Disconnect() error
	// Close disposes the channel. Idempotent.
	Close() error

	// Reader returns the channel's read stream.
	Reader() io.Reader
	// Writer returns the channel's write stream.
	Writer() io.Writer

	// LocalAddr returns the local address, or nil before Connect.
	LocalAddr() net.Addr
	// RemoteAddr returns the remote address, or nil before Connect.
	RemoteAddr() net.Addr

	// IsLive reports whether the channel believes it is usable. This is
	// the built-in liveness check the pool falls back to when no custom
	// validator is configured.
	IsLive() bool

	// Endpoint returns the endpoint this channel connects to.
	Endpoint() endpoint.Endpoint
}

// Factory produces an unconnected channel for an endpoint. The pool invokes
// the factory under its creation bounds; a caller-supplied factory replaces
// the built-in dialers wholesale.
type Factory func(ctx context.Context, ep endpoint.Endpoint) (Channel, error)

// DefaultConnectTimeout bounds a dial when the caller's context carries
// no deadline.
const DefaultConnectTimeout = 10 * time.Second

// NewChannel returns an unconnected channel for the endpoint's transport
// kind. This is the built-in Factory.
func NewChannel(_ context.Context, ep endpoint.Endpoint) (Channel, error) {
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	switch ep.Kind {
	case endpoint.KindTCP:
		return newTCPChannel(ep), nil
	case endpoint.KindWebSocket:
		return newWSChannel(ep), nil
	default:
		return nil, errors.New("transport: unsupported kind " + string(ep.Kind))
	}
}

// Dial creates a channel for the endpoint and connects it.
func Dial(ctx context.Context, ep endpoint.Endpoint) (Channel, error) {
	ch, err := NewChannel(ctx, ep)
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultConnectTimeout)
		defer cancel()
	}

	if err := ch.Connect(ctx); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}
