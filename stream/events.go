package stream

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// ErrAlreadySubscribed is returned when a second consumer subscribes to an
// event kind.
var ErrAlreadySubscribed = errors.New("event kind already has a subscriber")

// EventKind identifies a stream event.
type EventKind int

const (
	// EventConnected follows a successful Connect.
	EventConnected EventKind = iota
	// EventDisconnected reports loss of the connection; Err holds the cause.
	EventDisconnected
	// EventStarted follows Start.
	EventStarted
	// EventStopped follows Stop.
	EventStopped
)

// String returns the event name.
func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Event is one stream notification.
type Event struct {
	Kind EventKind
	Err  error
	Time time.Time
}

// eventBus delivers events to at most one consumer per kind. Publishing
// never blocks; events for a lagging consumer are dropped and counted.
type eventBus struct {
	mu      sync.Mutex
	size    int
	subs    map[EventKind]chan Event
	dropped atomic.Uint64
}

func newEventBus(size int) *eventBus {
	return &eventBus{size: size, subs: make(map[EventKind]chan Event)}
}

func (b *eventBus) subscribe(kind EventKind) (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[kind]; ok {
		return nil, ErrAlreadySubscribed
	}
	ch := make(chan Event, b.size)
	b.subs[kind] = ch
	return ch, nil
}

func (b *eventBus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.subs[ev.Kind]
	if !ok {
		return
	}
	select {
	case ch <- ev:
	default:
		b.dropped.Inc()
	}
}
