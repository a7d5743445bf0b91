package watermark

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/growin/licitasync/internal/mapper"
)

// Store persists the last successful sync time in Redis, keyed per index.
// The scheduled driver owns this state and hands the value to the
// orchestrator explicitly; nothing reads it from ambient process state.
type Store struct {
	rdb *redis.Client
	key string
}

// New connects to Redis and scopes the watermark to the given index name.
func New(addr, password string, db int, index string) *Store {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return &Store{rdb: rdb, key: "licitasync:last_sync:" + index}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Last returns the persisted watermark. The second return is false when no
// watermark has been recorded yet.
func (s *Store) Last(ctx context.Context) (time.Time, bool, error) {
	raw, err := s.rdb.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read watermark: %w", err)
	}
	ts, err := time.Parse(mapper.CanonicalTimeFormat, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse watermark %q: %w", raw, err)
	}
	return ts, true, nil
}

// Advance records a new watermark. Only non-aborted runs advance it, so an
// interrupted sync replays the same window on the next run.
func (s *Store) Advance(ctx context.Context, ts time.Time) error {
	if err := s.rdb.Set(ctx, s.key, ts.UTC().Format(mapper.CanonicalTimeFormat), 0).Err(); err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *Store) Close() error { return s.rdb.Close() }
