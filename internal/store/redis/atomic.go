// Package redis adapts a Redis instance to the store.AtomicStore contract.
// Lua scripts keep the increment and compare-and-set paths atomic across
// concurrently running instances.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrByScript = redis.NewScript(`
local v = redis.call('INCRBY', KEYS[1], ARGV[1])
if v == tonumber(ARGV[1]) and tonumber(ARGV[2]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return v
`)

var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if ARGV[1] == 'nx' then
  if cur then return 0 end
else
  if not cur or cur ~= ARGV[2] then return 0 end
end
if tonumber(ARGV[4]) > 0 then
  redis.call('SET', KEYS[1], ARGV[3], 'PX', ARGV[4])
else
  redis.call('SET', KEYS[1], ARGV[3])
end
return 1
`)

// AtomicStore backs lockout counters and lock records with Redis
type AtomicStore struct {
	client *redis.Client
}

func NewAtomicStore(client *redis.Client) *AtomicStore {
	return &AtomicStore{client: client}
}

func (s *AtomicStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	result, err := incrByScript.Run(ctx, s.client, []string{key}, delta, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis incrby %s: %w", key, err)
	}
	return result, nil
}

func (s *AtomicStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *AtomicStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *AtomicStore) CompareAndSet(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	mode := "eq"
	if old == nil {
		mode = "nx"
	}

	result, err := casScript.Run(ctx, s.client, []string{key}, mode, string(old), string(value), ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis cas %s: %w", key, err)
	}
	return result == 1, nil
}

func (s *AtomicStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}
