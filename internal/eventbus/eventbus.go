// Package eventbus dispatches named events to ordered listener lists.
package eventbus

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/luciancaetano/ktunnel"
)

type registration struct {
	id       uint64
	listener ktunnel.Listener
	once     bool
}

// Bus maps event names to listeners kept in registration order.
// It is safe for concurrent use; listeners may register and remove
// listeners while being dispatched.
type Bus struct {
	mu        sync.Mutex
	listeners map[string][]registration
	nextID    uint64
	log       logrus.FieldLogger
}

// New creates an empty bus. Listener panics are logged to log.
func New(log logrus.FieldLogger) *Bus {
	return &Bus{
		listeners: make(map[string][]registration),
		log:       log,
	}
}

// Subscription is the handle returned by On and Once.
type Subscription struct {
	bus   *Bus
	event string
	id    uint64
}

// Event returns the event name the listener was registered for.
func (s *Subscription) Event() string {
	return s.event
}

// Cancel removes the registration.
func (s *Subscription) Cancel() {
	s.bus.remove(s.event, s.id)
}

// On appends listener to the event's list. Registering the same function
// twice makes it run twice.
func (b *Bus) On(event string, listener ktunnel.Listener) *Subscription {
	return b.add(event, listener, false)
}

// Once registers a listener that is removed after its first call.
func (b *Bus) Once(event string, listener ktunnel.Listener) *Subscription {
	return b.add(event, listener, true)
}

// Off removes the registration behind sub. Unknown or foreign
// subscriptions are ignored.
func (b *Bus) Off(sub ktunnel.Subscription) {
	if s, ok := sub.(*Subscription); ok && s != nil && s.bus == b {
		b.remove(s.event, s.id)
	}
}

// Len returns the number of listeners registered for event.
func (b *Bus) Len(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[event])
}

// Dispatch calls every listener registered for ev.Name, in registration
// order, on the calling goroutine. The list is snapshotted first: listeners
// added during dispatch run from the next dispatch on, listeners removed
// during dispatch still run in this one.
func (b *Bus) Dispatch(ev ktunnel.Event) {
	b.mu.Lock()
	regs := b.listeners[ev.Name]
	snapshot := make([]registration, len(regs))
	copy(snapshot, regs)
	for _, r := range snapshot {
		if r.once {
			b.removeLocked(ev.Name, r.id)
		}
	}
	b.mu.Unlock()

	for _, r := range snapshot {
		b.invoke(r, ev)
	}
}

func (b *Bus) invoke(r registration, ev ktunnel.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			b.log.WithFields(logrus.Fields{
				"event":  ev.Name,
				"origin": ev.Origin.String(),
			}).WithError(fmt.Errorf("%v", rec)).Error("listener panicked")
		}
	}()
	r.listener(ev)
}

func (b *Bus) add(event string, listener ktunnel.Listener, once bool) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.listeners[event] = append(b.listeners[event], registration{
		id:       b.nextID,
		listener: listener,
		once:     once,
	})
	return &Subscription{bus: b, event: event, id: b.nextID}
}

func (b *Bus) remove(event string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(event, id)
}

func (b *Bus) removeLocked(event string, id uint64) {
	regs := b.listeners[event]
	for i, r := range regs {
		if r.id != id {
			continue
		}
		next := make([]registration, 0, len(regs)-1)
		next = append(next, regs[:i]...)
		next = append(next, regs[i+1:]...)
		if len(next) == 0 {
			delete(b.listeners, event)
		} else {
			b.listeners[event] = next
		}
		return
	}
}
