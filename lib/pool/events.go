package pool

import (
	"sync"
	"time"

	"github.com/evgray/connpool/lib/endpoint"
)

// EventType identifies a pool lifecycle notification.
type EventType int

const (
	// EventCreated fires when a connection is created.
	EventCreated EventType = iota
	// EventDestroyed fires when a connection is closed and removed.
	EventDestroyed
	// EventAcquired fires when a caller acquires a connection.
	EventAcquired
	// EventReleased fires when a connection returns to the idle set.
	EventReleased
	// EventValidationFailed fires when a health probe fails.
	EventValidationFailed
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventDestroyed:
		return "destroyed"
	case EventAcquired:
		return "acquired"
	case EventReleased:
		return "released"
	case EventValidationFailed:
		return "validation-failed"
	default:
		return "unknown"
	}
}

// Event is a pool lifecycle notification.
type Event struct {
	Type     EventType
	ConnID   string
	Endpoint endpoint.Endpoint
	Time     time.Time
}

// Listener receives pool lifecycle events. Listeners run synchronously on
// the triggering goroutine; a panicking listener is isolated and logged,
// never allowed to abort the operation that fired the event.
type Listener func(Event)

// listenerSet is a fan-out list of listeners.
type listenerSet struct {
	mu        sync.RWMutex
	listeners []Listener
}

func (s *listenerSet) add(l Listener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

func (s *listenerSet) notify(ev Event) {
	s.mu.RLock()
	listeners := s.listeners
	s.mu.RUnlock()

	for _, l := range listeners {
		s.dispatch(l, ev)
	}
}

// dispatch invokes one listener with panic isolation.
func (s *listenerSet) dispatch(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("event", ev.Type.String()).WithField("panic", r).Error("pool event listener panicked")
		}
	}()
	l(ev)
}
