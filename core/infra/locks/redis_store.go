package locks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coffer-io/coffer/core/infra/redisutil"
)

const (
	defaultRedisURL = "redis://localhost:6379"
	defaultTTL      = 30 * time.Second
)

type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore constructs a Redis-backed lease store.
func NewRedisStore(url string) (*RedisStore, error) {
	if url == "" {
		url = defaultRedisURL
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

// Acquire takes or refreshes the exclusive lease for a resource.
func (s *RedisStore) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (*Lease, bool, error) {
	if s == nil || s.client == nil {
		return nil, false, fmt.Errorf("lock store unavailable")
	}
	resource = strings.TrimSpace(resource)
	owner = strings.TrimSpace(owner)
	if resource == "" || owner == "" {
		return nil, false, fmt.Errorf("resource and owner required")
	}
	ttl = normalizeTTL(ttl)
	now := time.Now().UTC()
	res, err := s.client.Eval(ctx, acquireScript, []string{lockKey(resource)},
		owner,
		ttl.Milliseconds(),
		now.Unix(),
	).Result()
	if err != nil {
		return nil, false, err
	}
	payload, ok := res.(string)
	if !ok || payload == "" {
		return nil, false, nil
	}
	lease, err := parseLease(payload, resource)
	if err != nil {
		return nil, false, err
	}
	return lease, true, nil
}

// Release drops the lease if the caller still owns it.
func (s *RedisStore) Release(ctx context.Context, resource, owner string) (bool, error) {
	if s == nil || s.client == nil {
		return false, fmt.Errorf("lock store unavailable")
	}
	resource = strings.TrimSpace(resource)
	owner = strings.TrimSpace(owner)
	if resource == "" || owner == "" {
		return false, fmt.Errorf("resource and owner required")
	}
	res, err := s.client.Eval(ctx, releaseScript, []string{lockKey(resource)}, owner).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// Renew extends the lease TTL if the caller still owns it.
func (s *RedisStore) Renew(ctx context.Context, resource, owner string, ttl time.Duration) (*Lease, bool, error) {
	if s == nil || s.client == nil {
		return nil, false, fmt.Errorf("lock store unavailable")
	}
	resource = strings.TrimSpace(resource)
	owner = strings.TrimSpace(owner)
	if resource == "" || owner == "" {
		return nil, false, fmt.Errorf("resource and owner required")
	}
	ttl = normalizeTTL(ttl)
	now := time.Now().UTC()
	res, err := s.client.Eval(ctx, renewScript, []string{lockKey(resource)},
		owner,
		ttl.Milliseconds(),
		now.Unix(),
	).Result()
	if err != nil {
		return nil, false, err
	}
	payload, _ := res.(string)
	if payload == "" {
		return nil, false, nil
	}
	lease, err := parseLease(payload, resource)
	if err != nil {
		return nil, false, err
	}
	return lease, true, nil
}

// Get returns the current lease state.
func (s *RedisStore) Get(ctx context.Context, resource string) (*Lease, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("lock store unavailable")
	}
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return nil, fmt.Errorf("resource required")
	}
	payload, err := s.client.Get(ctx, lockKey(resource)).Result()
	if err != nil {
		return nil, err
	}
	return parseLease(payload, resource)
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return defaultTTL
	}
	return ttl
}

type leasePayload struct {
	Owner     string `json:"owner"`
	UpdatedAt int64  `json:"updated_at"`
	ExpiresAt int64  `json:"expires_at"`
}

func parseLease(payload, resource string) (*Lease, error) {
	var decoded leasePayload
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return nil, fmt.Errorf("decode lease: %w", err)
	}
	lease := &Lease{
		Resource: resource,
		Owner:    decoded.Owner,
	}
	if decoded.UpdatedAt > 0 {
		lease.UpdatedAt = time.Unix(decoded.UpdatedAt, 0).UTC()
	}
	if decoded.ExpiresAt > 0 {
		lease.ExpiresAt = time.Unix(decoded.ExpiresAt, 0).UTC()
	}
	return lease, nil
}

func lockKey(resource string) string {
	return "coffer:lock:" + resource
}

const acquireScript = `
local key = KEYS[1]
local owner = ARGV[1]
local ttl = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local payload = redis.call("GET", key)
if payload then
  local lease = cjson.decode(payload)
  if lease["owner"] ~= owner then
    return ""
  end
end
local lease = {owner = owner, updated_at = now, expires_at = now + math.floor(ttl/1000)}
local encoded = cjson.encode(lease)
redis.call("SET", key, encoded, "PX", ttl)
return encoded
`

const releaseScript = `
local key = KEYS[1]
local owner = ARGV[1]
local payload = redis.call("GET", key)
if not payload then
  return 1
end
local lease = cjson.decode(payload)
if lease["owner"] ~= owner then
  return 0
end
redis.call("DEL", key)
return 1
`

const renewScript = `
local key = KEYS[1]
local owner = ARGV[1]
local ttl = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local payload = redis.call("GET", key)
if not payload then
  return ""
end
local lease = cjson.decode(payload)
if lease["owner"] ~= owner then
  return ""
end
lease["updated_at"] = now
lease["expires_at"] = now + math.floor(ttl/1000)
local encoded = cjson.encode(lease)
redis.call("SET", key, encoded, "PX", ttl)
return encoded
`
