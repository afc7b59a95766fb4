package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a change notification for one key.
type Event struct {
	ID   int64     `json:"id"`
	Key  string    `json:"key"`
	At   time.Time `json:"at"`
	Data []byte    `json:"data"`
}

type subscription struct {
	key string
	ch  chan Event
}

// Hub is an in-memory pub/sub keyed by state key, with a small ring buffer of
// recent events for diagnostics.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]subscription
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]subscription),
	}
}

// Publish notifies subscribers of key. data is not copied.
func (h *Hub) Publish(key string, data []byte) {
	ev := Event{
		ID:   h.nextID.Add(1),
		Key:  key,
		At:   time.Now().UTC(),
		Data: data,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.pushLocked(ev)
	for _, sub := range h.subs {
		if sub.key != "" && sub.key != key {
			continue
		}
		// Producers never block. A full subscriber loses its oldest pending
		// event, never the newest.
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of events for key ("" for every key) and a
// cancel func that closes it. cancel is safe to call more than once.
func (h *Hub) Subscribe(key string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 16)
	h.subs[id] = subscription{key: key, ch: ch}

	cancel := func() {
		h.mu.Lock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub.ch)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if capacity == 0 {
		return
	}

	if h.size < capacity {
		idx := (h.start + h.size) % capacity
		h.ring[idx] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
