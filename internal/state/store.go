// Package state holds chain and job records in a flat "<prefix>:<id>" key
// space. Records are transient orchestration state and may expire.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultTTL is how long an untouched record survives.
	DefaultTTL = 180 * time.Second

	DefaultMaxStateBytes = 1 << 20 // 1 MiB

	PrefixChain = "chain"
	PrefixJob   = "job"
)

var (
	ErrNotFound         = errors.New("state not found")
	ErrWatchUnsupported = errors.New("store does not support watch")
	ErrTooLarge         = errors.New("state exceeds max size")
)

// Store is a key/value store for JSON state. A ttl <= 0 never expires.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Watcher is implemented by stores that can report changes to a key. The
// channel yields each value written after Watch returns and is closed when
// ctx is done.
type Watcher interface {
	Watch(ctx context.Context, key string) (<-chan []byte, error)
}

// Sweeper is implemented by stores that reclaim expired records.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Key builds a store key.
func Key(prefix, id string) string {
	return prefix + ":" + id
}

func checkSize(key string, value []byte) error {
	if len(value) > DefaultMaxStateBytes {
		return fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, key, len(value))
	}
	return nil
}

// Typed stores values of T as JSON under one prefix.
type Typed[T any] struct {
	store  Store
	prefix string
	ttl    time.Duration
}

func NewTyped[T any](store Store, prefix string, ttl time.Duration) *Typed[T] {
	return &Typed[T]{store: store, prefix: prefix, ttl: ttl}
}

// Key returns the store key for id.
func (t *Typed[T]) Key(id string) string {
	return Key(t.prefix, id)
}

func (t *Typed[T]) Get(ctx context.Context, id string) (*T, error) {
	raw, err := t.store.Get(ctx, t.Key(id))
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t.Key(id), err)
	}
	return &v, nil
}

func (t *Typed[T]) Put(ctx context.Context, id string, v *T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", t.Key(id), err)
	}
	return t.store.Put(ctx, t.Key(id), raw, t.ttl)
}

// Watch decodes changes to id. Values that fail to decode are skipped.
// ErrWatchUnsupported is returned when the store has no change feed.
func (t *Typed[T]) Watch(ctx context.Context, id string) (<-chan *T, error) {
	w, ok := t.store.(Watcher)
	if !ok {
		return nil, ErrWatchUnsupported
	}
	raw, err := w.Watch(ctx, t.Key(id))
	if err != nil {
		return nil, err
	}

	out := make(chan *T)
	go func() {
		defer close(out)
		for b := range raw {
			var v T
			if err := json.Unmarshal(b, &v); err != nil {
				continue
			}
			select {
			case out <- &v:
			case <-ctx.Done():
				// Drain so the producer can observe ctx and exit.
				for range raw {
				}
				return
			}
		}
	}()
	return out, nil
}
