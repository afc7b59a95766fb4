package state

import (
	"context"
	"sync"
	"time"

	"github.com/mattjoyce/conduit/internal/events"
)

type memItem struct {
	value   []byte
	expires time.Time
}

// MemoryStore is a process-local Store with push change notifications.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memItem
	hub   *events.Hub
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]memItem),
		hub:   events.NewHub(100),
		now:   time.Now,
	}
}

// Hub exposes the change feed, mainly for diagnostics.
func (s *MemoryStore) Hub() *events.Hub {
	return s.hub
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	item, ok := s.items[key]
	s.mu.RUnlock()
	if !ok || s.expired(item) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), item.value...), nil
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := checkSize(key, value); err != nil {
		return err
	}
	item := memItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expires = s.now().Add(ttl)
	}

	s.mu.Lock()
	s.items[key] = item
	s.mu.Unlock()

	s.hub.Publish(key, append([]byte(nil), value...))
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Watch(ctx context.Context, key string) (<-chan []byte, error) {
	sub, cancel := s.hub.Subscribe(key)
	out := make(chan []byte)

	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				select {
				case out <- ev.Data:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, item := range s.items {
		if s.expired(item) {
			delete(s.items, key)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) expired(item memItem) bool {
	return !item.expires.IsZero() && !s.now().Before(item.expires)
}
