// Package store implements key/value persistence of Csr and ClientJob
// records over Redis, plus the keyspace-notification channel external
// waiters use to observe completion.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Store is the job engine's key/value persistence layer.
type Store struct {
	client *redis.Client
}

// New wraps an existing Redis client as a Store.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: not found")

// Put serializes value as JSON and writes it under key.
func Put(ctx context.Context, s *Store, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, string(data), 0).Err(); err != nil {
		return fmt.Errorf("store: put %s: %w", key, err)
	}
	return nil
}

// Get fetches and decodes the value under key.
func Get[T any](ctx context.Context, s *Store, key string) (T, error) {
	var zero T

	raw, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return zero, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return zero, fmt.Errorf("store: get %s: %w", key, err)
	}

	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return zero, fmt.Errorf("store: decode %s: %w", key, err)
	}
	return v, nil
}

// MGet fetches and decodes the values under keys, skipping any that are
// missing.
func MGet[T any](ctx context.Context, s *Store, keys []string) ([]T, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	raw, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("store: mget: %w", err)
	}

	out := make([]T, 0, len(raw))
	for _, item := range raw {
		if item == nil {
			continue
		}
		str, ok := item.(string)
		if !ok {
			continue
		}
		var v T
		if err := json.Unmarshal([]byte(str), &v); err != nil {
			return nil, fmt.Errorf("store: decode mget item: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Incr atomically increments counter and returns its new value.
func (s *Store) Incr(ctx context.Context, counter string) (uint64, error) {
	n, err := s.client.Incr(ctx, counter).Result()
	if err != nil {
		return 0, fmt.Errorf("store: incr %s: %w", counter, err)
	}
	return uint64(n), nil
}

// ZAddJobList adds member to listKey with the given score (used by the
// intake handler to populate the reverse-range job list the HTTP
// surface's /jobs paginates over).
func (s *Store) ZAddJobList(ctx context.Context, listKey string, score float64, member string) error {
	if err := s.client.ZAdd(ctx, listKey, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("store: zadd %s: %w", listKey, err)
	}
	return nil
}

// ZRevRange returns the reverse-sorted range [lo, hi] of listKey.
func (s *Store) ZRevRange(ctx context.Context, listKey string, lo, hi int64) ([]string, error) {
	res, err := s.client.ZRevRange(ctx, listKey, lo, hi).Result()
	if err != nil {
		return nil, fmt.Errorf("store: zrevrange %s: %w", listKey, err)
	}
	return res, nil
}

// EnableKeyspaceNotifications configures the server for at least KA
// (key-access events on all keys), so puts on alt:* become observable.
func (s *Store) EnableKeyspaceNotifications(ctx context.Context) error {
	if err := s.client.ConfigSet(ctx, "notify-keyspace-events", "KA").Err(); err != nil {
		return fmt.Errorf("store: enable keyspace notifications: %w", err)
	}
	return nil
}

// ChangeNotification is a single keyspace wake-up.
type ChangeNotification struct {
	Key string
}

// Subscribe opens a dedicated pub/sub connection on the given key
// pattern's keyspace channel and returns a channel of notifications plus
// a cleanup function. Each call opens its own connection, mirroring
// original_source's per-await pubsub connection (src/bin/repl.rs).
func (s *Store) Subscribe(ctx context.Context, keyPattern string) (<-chan ChangeNotification, func(), error) {
	channel := "__keyspace@0__:" + keyPattern
	ps := s.client.PSubscribe(ctx, channel)

	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, fmt.Errorf("store: subscribe %s: %w", keyPattern, err)
	}

	out := make(chan ChangeNotification)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			key := strings.TrimPrefix(msg.Channel, "__keyspace@0__:")
			select {
			case out <- ChangeNotification{Key: key}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { ps.Close() }, nil
}
