package state

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conduit/internal/storage"
)

type clockSetter interface {
	setNow(func() time.Time)
}

func (s *MemoryStore) setNow(f func() time.Time) { s.now = f }
func (s *SQLiteStore) setNow(f func() time.Time) { s.now = f }

type fullStore interface {
	Store
	Watcher
	Sweeper
	clockSetter
}

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLiteStore(db, 10*time.Millisecond)
}

func forEachStore(t *testing.T, fn func(t *testing.T, s fullStore)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteStore(t)) })
}

func TestKey(t *testing.T) {
	assert.Equal(t, "chain:abc", Key(PrefixChain, "abc"))
	assert.Equal(t, "job:1", Key(PrefixJob, "1"))
}

func TestStoreGetPutDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s fullStore) {
		ctx := context.Background()

		_, err := s.Get(ctx, "chain:missing")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.Put(ctx, "chain:1", []byte(`{"a":1}`), 0))
		got, err := s.Get(ctx, "chain:1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":1}`, string(got))

		require.NoError(t, s.Put(ctx, "chain:1", []byte(`{"a":2}`), 0))
		got, err = s.Get(ctx, "chain:1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":2}`, string(got))

		require.NoError(t, s.Delete(ctx, "chain:1"))
		_, err = s.Get(ctx, "chain:1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStoreTTL(t *testing.T) {
	forEachStore(t, func(t *testing.T, s fullStore) {
		ctx := context.Background()
		now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
		s.setNow(func() time.Time { return now })

		require.NoError(t, s.Put(ctx, "job:short", []byte(`1`), DefaultTTL))
		require.NoError(t, s.Put(ctx, "job:forever", []byte(`2`), 0))

		now = now.Add(DefaultTTL - time.Second)
		_, err := s.Get(ctx, "job:short")
		require.NoError(t, err)

		now = now.Add(2 * time.Second)
		_, err = s.Get(ctx, "job:short")
		assert.ErrorIs(t, err, ErrNotFound)

		n, err := s.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = s.Get(ctx, "job:forever")
		assert.NoError(t, err)
	})
}

func TestStoreRejectsOversizedValue(t *testing.T) {
	forEachStore(t, func(t *testing.T, s fullStore) {
		big := []byte(`"` + strings.Repeat("a", DefaultMaxStateBytes) + `"`)
		err := s.Put(context.Background(), "chain:big", big, 0)
		assert.ErrorIs(t, err, ErrTooLarge)
	})
}

func TestStoreWatchYieldsLaterWrites(t *testing.T) {
	forEachStore(t, func(t *testing.T, s fullStore) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		require.NoError(t, s.Put(ctx, "job:1", []byte(`"before"`), 0))

		ch, err := s.Watch(ctx, "job:1")
		require.NoError(t, err)

		require.NoError(t, s.Put(ctx, "job:2", []byte(`"other key"`), 0))
		require.NoError(t, s.Put(ctx, "job:1", []byte(`"after"`), 0))

		select {
		case v := <-ch:
			assert.Equal(t, `"after"`, string(v))
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for watch value")
		}

		cancel()
		select {
		case _, ok := <-ch:
			for ok {
				_, ok = <-ch
			}
		case <-time.After(2 * time.Second):
			t.Fatal("watch channel not closed after cancel")
		}
	})
}

func TestMemoryWatchReleasesSubscription(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := s.Watch(ctx, "job:1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Hub().Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	for range ch {
	}
	assert.Eventually(t, func() bool { return s.Hub().Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

type record struct {
	Status string `json:"status"`
}

func TestTyped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	jobs := NewTyped[record](store, PrefixJob, time.Minute)
	assert.Equal(t, "job:7", jobs.Key("7"))

	_, err := jobs.Get(ctx, "7")
	assert.True(t, errors.Is(err, ErrNotFound))

	ch, err := jobs.Watch(ctx, "7")
	require.NoError(t, err)

	require.NoError(t, jobs.Put(ctx, "7", &record{Status: "running"}))
	got, err := jobs.Get(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, "running", got.Status)

	select {
	case v := <-ch:
		assert.Equal(t, "running", v.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for typed watch")
	}
}

type plainStore struct{ Store }

func TestTypedWatchUnsupported(t *testing.T) {
	jobs := NewTyped[record](plainStore{NewMemoryStore()}, PrefixJob, 0)
	_, err := jobs.Watch(context.Background(), "1")
	assert.ErrorIs(t, err, ErrWatchUnsupported)
}
