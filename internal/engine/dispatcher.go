package engine

import (
	"log/slog"
	"sync"
)

// Dispatcher fans call lifecycle events out to registered listeners.
// Delivery is fire-and-forget: each listener gets the event on its own
// goroutine, a slow or panicking listener never stalls call control.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners []Listener
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Subscribe registers a listener for all subsequent events.
func (d *Dispatcher) Subscribe(l Listener) {
	d.mu.Lock()
	d.listeners = append(d.listeners, l)
	d.mu.Unlock()
}

// Publish delivers ev to every listener asynchronously.
func (d *Dispatcher) Publish(ev Event) {
	d.mu.RLock()
	listeners := make([]Listener, len(d.listeners))
	copy(listeners, d.listeners)
	d.mu.RUnlock()

	slog.Debug("publishing call event",
		"type", ev.Type, "call_id", ev.CallID, "direction", ev.Direction)

	for _, l := range listeners {
		go func(l Listener) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("event listener panicked",
						"type", ev.Type, "call_id", ev.CallID, "panic", r)
				}
			}()
			l.HandleEvent(ev)
		}(l)
	}
}
