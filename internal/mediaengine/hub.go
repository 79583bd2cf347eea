package mediaengine

import (
	"sync"

	"github.com/telemyapp/aegis-play/internal/model"
)

const subscriberBuffer = 32

// hub fans a session's signaling events out to its subscribers. Publishing
// never blocks; a subscriber that falls behind loses events.
type hub struct {
	mu     sync.Mutex
	subs   map[int]chan model.SignalEvent
	next   int
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan model.SignalEvent)}
}

func (h *hub) subscribe() (<-chan model.SignalEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan model.SignalEvent, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

func (h *hub) publish(ev model.SignalEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// close delivers ev as the last event and ends every subscription.
func (h *hub) close(ev model.SignalEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
		close(ch)
		delete(h.subs, id)
	}
}
