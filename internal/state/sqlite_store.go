package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DefaultPollInterval is how often SQLiteStore.Watch re-reads a key.
const DefaultPollInterval = 250 * time.Millisecond

// SQLiteStore keeps state in the kv_state table. Changes made by other
// processes sharing the file are observed by polling the row version.
type SQLiteStore struct {
	db           *sql.DB
	pollInterval time.Duration
	now          func() time.Time
}

func NewSQLiteStore(db *sql.DB, pollInterval time.Duration) *SQLiteStore {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &SQLiteStore{
		db:           db,
		pollInterval: pollInterval,
		now:          time.Now,
	}
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, _, err := s.read(ctx, key)
	return value, err
}

func (s *SQLiteStore) read(ctx context.Context, key string) ([]byte, int64, error) {
	var (
		value   []byte
		version int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT value, version FROM kv_state
WHERE key = ? AND (expires_at IS NULL OR expires_at > ?);
`, key, s.now().UnixMilli()).Scan(&value, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read state %s: %w", key, err)
	}
	return value, version, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := checkSize(key, value); err != nil {
		return err
	}
	now := s.now()
	var expires any
	if ttl > 0 {
		expires = now.Add(ttl).UnixMilli()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO kv_state(key, value, version, updated_at, expires_at)
VALUES(?, ?, 1, ?, ?)
ON CONFLICT(key) DO UPDATE SET
  value = excluded.value,
  version = kv_state.version + 1,
  updated_at = excluded.updated_at,
  expires_at = excluded.expires_at;
`, key, value, now.UTC().Format(time.RFC3339Nano), expires)
	if err != nil {
		return fmt.Errorf("write state %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_state WHERE key = ?;`, key); err != nil {
		return fmt.Errorf("delete state %s: %w", key, err)
	}
	return nil
}

// Watch polls key and yields the value whenever its version changes.
// Writes landing between two polls are coalesced into the latest one.
func (s *SQLiteStore) Watch(ctx context.Context, key string) (<-chan []byte, error) {
	_, last, err := s.read(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			value, version, err := s.read(ctx, key)
			if err != nil || version == last {
				continue
			}
			last = version
			select {
			case out <- value:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Sweep deletes expired rows.
func (s *SQLiteStore) Sweep(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv_state WHERE expires_at IS NOT NULL AND expires_at <= ?;`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep state: %w", err)
	}
	return int(n), nil
}
