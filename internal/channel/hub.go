package channel

import "sync"

// Hub is the set of observers connected to one module channel.
type Hub struct {
	mu        sync.RWMutex
	observers map[string]*Observer
	order     []string
}

func NewHub() *Hub {
	return &Hub{observers: make(map[string]*Observer)}
}

// Add registers an observer. Adding the same observer twice is a no-op.
func (h *Hub) Add(o *Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.observers[o.ID()]; ok {
		return
	}
	h.observers[o.ID()] = o
	h.order = append(h.order, o.ID())
}

// Remove unregisters an observer and reports whether it was present.
func (h *Hub) Remove(o *Observer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.observers[o.ID()]; !ok {
		return false
	}
	delete(h.observers, o.ID())
	for i, id := range h.order {
		if id == o.ID() {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of connected observers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Observers returns the connected observers in connection order.
func (h *Hub) Observers() []*Observer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Observer, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.observers[id])
	}
	return out
}

// Broadcast sends the same message value to every connected observer and
// returns how many accepted it.
func (h *Hub) Broadcast(msg Message) int {
	delivered := 0
	for _, o := range h.Observers() {
		if o.Send(msg) {
			delivered++
		}
	}
	return delivered
}
