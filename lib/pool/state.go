package pool

// ConnState is the lifecycle state of a pooled connection.
//
// The normal path is Created -> Connecting -> Connected -> Idle <-> InUse,
// with Validating reachable from Idle and Connected. Any active state can
// move to Closing -> Closed. StateError is terminal for pooling purposes:
// a connection in error is never validated back to health, only removed.
type ConnState int32

const (
	// StateCreated means the connection object exists but has not dialed.
	StateCreated ConnState = iota
	// StateConnecting means the transport channel is being established.
	StateConnecting
	// StateConnected means the channel is up but the connection has not
	// yet entered the idle set.
	StateConnected
	// StateIdle means the connection is healthy and available for reuse.
	StateIdle
	// StateInUse means a lease is outstanding.
	StateInUse
	// StateValidating means a health probe is in progress.
	StateValidating
	// StateClosing means teardown has begun.
	StateClosing
	// StateClosed means the connection is fully torn down.
	StateClosed
	// StateError means an unrecoverable failure occurred.
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateIdle:
		return "idle"
	case StateInUse:
		return "in-use"
	case StateValidating:
		return "validating"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// leasable reports whether a lease may be issued from this state.
func (s ConnState) leasable() bool {
	return s == StateConnected || s == StateIdle
}

// terminal reports whether the state ends the connection's pooling life.
func (s ConnState) terminal() bool {
	return s == StateClosing || s == StateClosed || s == StateError
}
