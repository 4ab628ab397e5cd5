package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coffer-io/coffer/core/infra/redisutil"
)

const (
	entryKeyPrefix  = "manifest:entry:"
	createdIndexKey = "manifest:by_created"
)

// RedisStore keeps the manifest in Redis. Entries live under per-artifact
// keys; a ZSET scored by creation time (unix millis) provides ordered listing.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore connects to Redis and returns a manifest store.
func NewRedisStore(url string) (*RedisStore, error) {
	if url == "" {
		url = "redis://localhost:6379"
	}
	client, err := redisutil.NewClient(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Close shuts down the Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Ping checks store availability.
func (s *RedisStore) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("manifest store unavailable")
	}
	return s.client.Ping(ctx).Err()
}

// Append records a new entry. A repeated artifact id fails with
// DuplicateArtifactError and leaves the store unchanged.
func (s *RedisStore) Append(ctx context.Context, entry Entry) error {
	if err := entry.validate(); err != nil {
		return err
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	id := entry.Ref.ArtifactID
	key := entryKey(id)

	payload, err := json.Marshal(entry)
	if err != nil {
		return &WriteError{Op: "append", Err: err}
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists == 1 {
			return &DuplicateArtifactError{ArtifactID: id}
		}
		pipe := tx.TxPipeline()
		pipe.Set(ctx, key, payload, 0)
		pipe.ZAdd(ctx, createdIndexKey, redis.Z{
			Score:  float64(entry.CreatedAt.UnixMilli()),
			Member: id,
		})
		_, execErr := pipe.Exec(ctx)
		return execErr
	}, key)
	if err != nil {
		var dup *DuplicateArtifactError
		if errors.As(err, &dup) {
			return dup
		}
		return &WriteError{Op: "append", Err: err}
	}
	return nil
}

// List returns matching entries ordered by creation time, oldest first.
func (s *RedisStore) List(ctx context.Context, filter Filter) ([]Entry, error) {
	max := "+inf"
	if !filter.OlderThan.IsZero() {
		// Inclusive at millisecond granularity; Matches applies the
		// strict cutoff afterwards.
		max = strconv.FormatInt(filter.OlderThan.UnixMilli(), 10)
	}
	ids, err := s.client.ZRangeByScore(ctx, createdIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: max,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list manifest index: %w", err)
	}
	if len(ids) == 0 {
		return []Entry{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = entryKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load manifest entries: %w", err)
	}
	out := make([]Entry, 0, len(vals))
	for _, val := range vals {
		raw, ok := val.(string)
		if !ok || raw == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode manifest entry: %w", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Remove deletes the entry for an artifact id.
func (s *RedisStore) Remove(ctx context.Context, artifactID string) error {
	artifactID = strings.TrimSpace(artifactID)
	if artifactID == "" {
		return fmt.Errorf("artifact id required")
	}
	key := entryKey(artifactID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		pipe := tx.TxPipeline()
		pipe.Del(ctx, key)
		pipe.ZRem(ctx, createdIndexKey, artifactID)
		_, execErr := pipe.Exec(ctx)
		return execErr
	}, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return &WriteError{Op: "remove", Err: err}
	}
	return nil
}

func entryKey(artifactID string) string {
	return entryKeyPrefix + artifactID
}
