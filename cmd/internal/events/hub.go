package events

import (
	"log/slog"
	"sync"
)

// DropRecorder counts events dropped for full subscriber queues.
// *metrics.Metrics satisfies it.
type DropRecorder interface {
	IncDropped(subscriber string)
}

// Hub is the in-process fan-out point.
type Hub struct {
	log     *slog.Logger
	metrics DropRecorder

	mu   sync.RWMutex
	subs map[string]*Subscriber
}

// NewHub constructs a Hub. rec may be nil.
func NewHub(log *slog.Logger, rec DropRecorder) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		metrics: rec,
		subs:    make(map[string]*Subscriber),
	}
}

// Subscribe registers a named subscriber with a bounded queue. A previous
// subscriber with the same name is removed first.
func (h *Hub) Subscribe(name string, queue int) *Subscriber {
	s := newSubscriber(name, queue)

	h.mu.Lock()
	old := h.subs[name]
	h.subs[name] = s
	h.mu.Unlock()

	old.close()
	h.log.Debug("events.subscribe", "subscriber", name)
	return s
}

// Unsubscribe removes the subscriber and closes its Done channel.
func (h *Hub) Unsubscribe(name string) {
	h.mu.Lock()
	s := h.subs[name]
	delete(h.subs, name)
	h.mu.Unlock()

	// Closed after removal so no publisher still holds it.
	s.close()
	if s != nil {
		h.log.Debug("events.unsubscribe", "subscriber", name)
	}
}

// Publish hands ev to every subscriber without blocking. Full queues drop it.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for name, s := range h.subs {
		select {
		case <-s.Done():
			continue
		default:
		}

		select {
		case s.C <- ev:
		default:
			h.log.Warn("events.drop", "subscriber", name, "type", ev.Type)
			if h.metrics != nil {
				h.metrics.IncDropped(name)
			}
		}
	}
}

// Close removes every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*Subscriber)
	h.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}
