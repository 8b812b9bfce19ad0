package retrylimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const scanBatchSize = 100

// incrementScript starts a window when none is live, bumps the count and pins
// the key's expiry to the window end, all in one atomic step.
var incrementScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local reset = tonumber(redis.call('HGET', KEYS[1], 'reset_at'))
if reset and reset < now then
  redis.call('DEL', KEYS[1])
  reset = nil
end
if not reset then
  reset = now + window
  redis.call('HSET', KEYS[1], 'reset_at', reset)
end
local count = redis.call('HINCRBY', KEYS[1], 'count', 1)
redis.call('HSET', KEYS[1], 'last_failure_at', now)
redis.call('PEXPIREAT', KEYS[1], reset)
return {count, reset}
`)

// RedisStore shares retry records between processes. Each record is a hash
// under prefix+txID with count, last_failure_at and reset_at (unix millis).
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	ownsClient bool
}

// NewRedisStore wraps an existing client. The caller keeps ownership of it.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// NewRedisStoreFromURL dials Redis from a redis:// URL and verifies the connection.
func NewRedisStoreFromURL(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix, ownsClient: true}, nil
}

func (s *RedisStore) key(txID string) string { return s.prefix + txID }

// Load reads the record. Records past their reset time are deleted.
func (s *RedisStore) Load(ctx context.Context, txID string, now time.Time) (Record, bool, error) {
	return s.load(ctx, s.key(txID), now)
}

func (s *RedisStore) load(ctx context.Context, key string, now time.Time) (Record, bool, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return Record{}, false, nil
	}
	rec, err := decodeRecord(fields)
	if err != nil {
		return Record{}, false, fmt.Errorf("decode retry record %s: %w", key, err)
	}
	if now.After(rec.ResetAt) {
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return Record{}, false, fmt.Errorf("redis delete: %w", err)
		}
		return Record{}, false, nil
	}
	return rec, true, nil
}

// Increment runs the atomic increment script.
func (s *RedisStore) Increment(ctx context.Context, txID string, now time.Time, window time.Duration) (Record, error) {
	nowMs := now.UnixMilli()
	res, err := incrementScript.Run(ctx, s.client, []string{s.key(txID)}, nowMs, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Record{}, fmt.Errorf("redis increment: %w", err)
	}
	if len(res) != 2 {
		return Record{}, fmt.Errorf("redis increment: unexpected reply length %d", len(res))
	}
	return Record{
		FailureCount:  int(res[0]),
		LastFailureAt: time.UnixMilli(nowMs),
		ResetAt:       time.UnixMilli(res[1]),
	}, nil
}

// Delete removes the record and reports whether it existed.
func (s *RedisStore) Delete(ctx context.Context, txID string) (bool, error) {
	n, err := s.client.Del(ctx, s.key(txID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis delete: %w", err)
	}
	return n > 0, nil
}

// Range walks every key under the prefix with SCAN.
func (s *RedisStore) Range(ctx context.Context, now time.Time, fn func(string, Record) bool) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", scanBatchSize).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		for _, key := range keys {
			rec, ok, err := s.load(ctx, key, now)
			if err != nil {
				return err
			}
			if ok && !fn(strings.TrimPrefix(key, s.prefix), rec) {
				return nil
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Close closes the client when the store created it.
func (s *RedisStore) Close() error {
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}

func decodeRecord(fields map[string]string) (Record, error) {
	count, err := strconv.Atoi(fields["count"])
	if err != nil {
		return Record{}, fmt.Errorf("count: %w", err)
	}
	last, err := parseMillis(fields["last_failure_at"])
	if err != nil {
		return Record{}, fmt.Errorf("last_failure_at: %w", err)
	}
	reset, err := parseMillis(fields["reset_at"])
	if err != nil {
		return Record{}, fmt.Errorf("reset_at: %w", err)
	}
	return Record{FailureCount: count, LastFailureAt: last, ResetAt: reset}, nil
}

// parseMillis accepts integer millis and the float form Lua may emit.
func parseMillis(raw string) (time.Time, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(f)), nil
}
