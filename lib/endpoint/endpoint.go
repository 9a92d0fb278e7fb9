// Package endpoint defines the identity of a remote RPC endpoint.
// An endpoint is an address, a port, and a transport kind; two endpoints
// are the same pool partition if and only if their canonical keys match.
package endpoint

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Kind identifies the transport used to reach an endpoint.
type Kind string

const (
	// KindTCP is a plain TCP stream transport.
	KindTCP Kind = "tcp"
	// KindWebSocket is a WebSocket transport.
	KindWebSocket Kind = "ws"
)

// Valid reports whether the kind is one connpool knows how to dial.
func (k Kind) Valid() bool {
	switch k {
	case KindTCP, KindWebSocket:
		return true
	default:
		return false
	}
}

// Endpoint identifies a remote RPC endpoint. Equality is defined by Key(),
// never by struct identity; use it as a map key only via Key().
type Endpoint struct {
	// Host is the remote address (hostname or IP).
	Host string
	// Port is the remote port.
	Port int
	// Kind is the transport kind used to reach the endpoint.
	Kind Kind
}

// New constructs a validated endpoint.
func New(kind Kind, host string, port int) (Endpoint, error) {
	ep := Endpoint{Host: host, Port: port, Kind: kind}
	if err := ep.Validate(); err != nil {
		return Endpoint{}, err
	}
	return ep, nil
}

// Validate checks the endpoint fields.
func (e Endpoint) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("endpoint: unknown transport kind %q", string(e.Kind))
	}
	if e.Host == "" {
		return fmt.Errorf("endpoint: host is required")
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("endpoint: port %d out of range", e.Port)
	}
	return nil
}

// Key returns the canonical identity string, kind://host:port.
// Pool partitioning, equality, and hashing all follow this key.
func (e Endpoint) Key() string {
	return string(e.Kind) + "://" + e.Addr()
}

// Addr returns the host:port form used for dialing.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Equal reports whether two endpoints name the same pool partition.
func (e Endpoint) Equal(other Endpoint) bool {
	return e.Key() == other.Key()
}

// String implements fmt.Stringer.
func (e Endpoint) String() string {
	return e.Key()
}

// Parse parses a canonical endpoint key of the form kind://host:port.
func Parse(key string) (Endpoint, error) {
	kind, rest, ok := strings.Cut(key, "://")
	if !ok {
		return Endpoint{}, fmt.Errorf("endpoint: %q missing kind separator", key)
	}

	host, portStr, err := net.SplitHostPort(rest)
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint: parsing %q: %w", key, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint: port in %q: %w", key, err)
	}

	return New(Kind(kind), host, port)
}
