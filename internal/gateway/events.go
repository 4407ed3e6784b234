package gateway

import (
	"sync"
	"time"

	"meshmon/internal/model"
)

// Event is one decoded occurrence pushed to external collaborators
// (dashboard, notification service).
type Event struct {
	Kind   string              `json:"kind"`
	At     time.Time           `json:"at"`
	Packet *model.PacketRecord `json:"packet,omitempty"`
	Node   *model.NodeRef      `json:"node,omitempty"`
	Text   string              `json:"text,omitempty"`
}

// Hub fans decoded events out to subscribers. Publish never blocks; a
// subscriber that stops draining loses events, not the session.
type Hub struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe returns a buffered event channel and its cancel function.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *Hub) Publish(ev Event) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
