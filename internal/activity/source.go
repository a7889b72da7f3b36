package activity

import (
	"sync"
)

// EventKind names a raw input event from the hosting view.
type EventKind string

const (
	EventMouseDown  EventKind = "mousedown"
	EventMouseMove  EventKind = "mousemove"
	EventKeyPress   EventKind = "keypress"
	EventScroll     EventKind = "scroll"
	EventTouchStart EventKind = "touchstart"
	EventClick      EventKind = "click"
)

// TrackedEvents is the fixed set of events that count as user activity.
var TrackedEvents = []EventKind{
	EventMouseDown,
	EventMouseMove,
	EventKeyPress,
	EventScroll,
	EventTouchStart,
	EventClick,
}

// Source delivers raw input events. Listen returns a function that detaches
// the listener; calling it more than once is harmless.
type Source interface {
	Listen(kinds []EventKind, fn func(EventKind)) (remove func())
}

type listener struct {
	kinds map[EventKind]struct{}
	fn    func(EventKind)
}

// Dispatcher is an in-process Source. Emit delivers an event to every
// listener registered for its kind.
type Dispatcher struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]listener
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{listeners: make(map[int]listener)}
}

// Listen implements Source.
func (d *Dispatcher) Listen(kinds []EventKind, fn func(EventKind)) func() {
	set := make(map[EventKind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}

	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = listener{kinds: set, fn: fn}
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.listeners, id)
			d.mu.Unlock()
		})
	}
}

// Emit delivers kind to matching listeners. Listeners run outside the lock.
func (d *Dispatcher) Emit(kind EventKind) {
	d.mu.RLock()
	var fns []func(EventKind)
	for _, l := range d.listeners {
		if _, ok := l.kinds[kind]; ok {
			fns = append(fns, l.fn)
		}
	}
	d.mu.RUnlock()

	for _, fn := range fns {
		fn(kind)
	}
}

// ListenerCount returns the number of attached listeners.
func (d *Dispatcher) ListenerCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners)
}
