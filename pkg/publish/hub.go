package publish

import "sync"

// Hub fans session events out to in-process subscribers. A subscriber
// that falls behind loses events rather than blocking publishers.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
	closed bool
}

type subscriber struct {
	ch     chan Event
	callID string
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]*subscriber)}
}

// Subscribe registers a listener. An empty callID receives every event;
// otherwise only events for that call are delivered. The returned cancel
// func must be called when the listener is done.
func (h *Hub) Subscribe(callID string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	sub := &subscriber{ch: make(chan Event, 64), callID: callID}
	if h.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	h.subs[id] = sub
	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if sub.callID != "" && sub.callID != ev.CallID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}
