// Package redisstore is the shared remote backend: entries live under
// "{prefix}:{key}", LRU order in the "{prefix}:_lru" sorted set scored by
// last-access seconds, and accumulated metrics under "{prefix}:metrics:*".
//
// Reads go through a single server-side script that fetches the value and
// its TTL and refreshes the LRU score at most once per coalescing window,
// which keeps hot keys from amplifying into a write per read.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/albertobadia/zoocache-go/internal/clock"
	"github.com/albertobadia/zoocache-go/storage"
)

// scanPageSize is the COUNT hint for SCAN-based walks.
const scanPageSize = 500

// lruSuffix names the sorted set holding access scores.
const lruSuffix = ":_lru"

// Client is the subset of the go-redis client the store depends on. Narrow
// on purpose so tests can substitute a recording fake.
type Client interface {
	redis.Scripter

	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Unlink(ctx context.Context, keys ...string) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	ZPopMin(ctx context.Context, key string, count ...int64) *redis.ZSliceCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	PTTL(ctx context.Context, key string) *redis.DurationCmd
	IncrByFloat(ctx context.Context, key string, value float64) *redis.FloatCmd
	Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// getAndTouch fetches the value and TTL and bumps the LRU score when the
// last recorded access is older than the coalescing window. KEYS[1] is the
// full entry key, KEYS[2] the LRU set; ARGV = now-seconds, window-seconds,
// set member.
var getAndTouch = redis.NewScript(`
local value = redis.call('GET', KEYS[1])
if not value then
  return false
end
local pttl = redis.call('PTTL', KEYS[1])
local score = redis.call('ZSCORE', KEYS[2], ARGV[3])
if (not score) or (tonumber(ARGV[1]) - tonumber(score) >= tonumber(ARGV[2])) then
  redis.call('ZADD', KEYS[2], ARGV[1], ARGV[3])
end
return {value, pttl}
`)

// Store implements storage.Backend on a pooled Redis client.
type Store struct {
	client    Client
	prefix    string
	lruWindow uint64 // seconds between LRU score refreshes per key
	log       *zap.Logger
}

var _ storage.Backend = (*Store)(nil)

// Open connects to the given redis:// URL and verifies the connection.
func Open(ctx context.Context, url, prefix string, lruWindowSecs uint64, log *zap.Logger) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("open redis store: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("open redis store: %w: %w", storage.ErrConnection, err)
	}
	return New(client, prefix, lruWindowSecs, log), nil
}

// New wraps an existing client. The logger may be nil.
func New(client Client, prefix string, lruWindowSecs uint64, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{client: client, prefix: prefix, lruWindow: lruWindowSecs, log: log}
}

func (s *Store) fullKey(key string) string { return s.prefix + ":" + key }

func (s *Store) lruKey() string { return s.prefix + lruSuffix }

func (s *Store) metricKey(name string) string { return s.prefix + ":metrics:" + name }

// wrapErr classifies remote failures: connection-level problems carry
// ErrConnection, everything else surfaces as a plain backend failure.
func wrapErr(op string, err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) || errors.Is(err, redis.ErrPoolTimeout) {
		return fmt.Errorf("%s: %w: %w", op, storage.ErrConnection, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Get runs the get-and-touch script. Redis expires keys server-side, so an
// elapsed TTL surfaces as Missing rather than Expired. Entries that fail
// decoding are deleted and reported as Missing.
func (s *Store) Get(ctx context.Context, key string) (*storage.Entry, uint64, storage.Status, error) {
	full := s.fullKey(key)
	now := clock.NowSecs()

	res, err := getAndTouch.Run(ctx, s.client,
		[]string{full, s.lruKey()},
		now, s.lruWindow, key,
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, 0, storage.Missing, nil
	}
	if err != nil {
		return nil, 0, storage.Missing, wrapErr(fmt.Sprintf("get %q", key), err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return nil, 0, storage.Missing, fmt.Errorf("get %q: unexpected script reply %T", key, res)
	}
	data, ok := reply[0].(string)
	if !ok {
		return nil, 0, storage.Missing, fmt.Errorf("get %q: unexpected value type %T", key, reply[0])
	}

	var expires uint64
	if pttl, ok := reply[1].(int64); ok && pttl > 0 {
		expires = now + uint64(pttl+999)/1000
	}

	entry, err := storage.Decode([]byte(data))
	if err != nil {
		s.log.Warn("evicting corrupted entry", zap.String("key", key), zap.Error(err))
		if rmErr := s.Remove(ctx, key); rmErr != nil {
			return nil, 0, storage.Missing, rmErr
		}
		return nil, 0, storage.Missing, nil
	}
	return entry, expires, storage.Hit, nil
}

// Set serializes and stores the entry.
func (s *Store) Set(ctx context.Context, key string, entry *storage.Entry, ttlSecs uint64) error {
	data, err := storage.Encode(entry)
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return s.SetRaw(ctx, key, data, ttlSecs)
}

// SetRaw stores pre-serialized bytes and records the access in the LRU set.
func (s *Store) SetRaw(ctx context.Context, key string, data []byte, ttlSecs uint64) error {
	if err := s.client.Set(ctx, s.fullKey(key), data, time.Duration(ttlSecs)*time.Second).Err(); err != nil {
		return wrapErr(fmt.Sprintf("set %q", key), err)
	}
	err := s.client.ZAdd(ctx, s.lruKey(), redis.Z{
		Score:  float64(clock.NowSecs()),
		Member: key,
	}).Err()
	return wrapErr(fmt.Sprintf("set %q", key), err)
}

// TouchBatch refreshes LRU scores and extends nonzero TTLs in one pipeline.
func (s *Store) TouchBatch(ctx context.Context, items []storage.TouchItem) error {
	if len(items) == 0 {
		return nil
	}
	now := float64(clock.NowSecs())
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, it := range items {
			pipe.ZAdd(ctx, s.lruKey(), redis.Z{Score: now, Member: it.Key})
			if it.TTLSecs > 0 {
				pipe.Expire(ctx, s.fullKey(it.Key), time.Duration(it.TTLSecs)*time.Second)
			}
		}
		return nil
	})
	return wrapErr("touch batch", err)
}

// Remove deletes the entry and its LRU membership.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.fullKey(key)).Err(); err != nil {
		return wrapErr(fmt.Sprintf("remove %q", key), err)
	}
	return wrapErr(fmt.Sprintf("remove %q", key), s.client.ZRem(ctx, s.lruKey(), key).Err())
}

// Clear walks "{prefix}:*" in pages and unlinks everything, the LRU set and
// metric keys included.
func (s *Store) Clear(ctx context.Context) error {
	pattern := s.prefix + ":*"
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanPageSize).Result()
		if err != nil {
			return wrapErr("clear", err)
		}
		if len(keys) > 0 {
			if err := s.client.Unlink(ctx, keys...).Err(); err != nil {
				return wrapErr("clear", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Len returns the LRU set cardinality.
func (s *Store) Len(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.lruKey()).Result()
	if err != nil {
		return 0, wrapErr("len", err)
	}
	return int(n), nil
}

// EvictLRU pops the n lowest-scored members and deletes their entries.
func (s *Store) EvictLRU(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	members, err := s.client.ZPopMin(ctx, s.lruKey(), int64(n)).Result()
	if err != nil {
		return nil, wrapErr("evict lru", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	evicted := make([]string, 0, len(members))
	full := make([]string, 0, len(members))
	for _, m := range members {
		key, ok := m.Member.(string)
		if !ok {
			continue
		}
		evicted = append(evicted, key)
		full = append(full, s.fullKey(key))
	}
	if err := s.client.Del(ctx, full...).Err(); err != nil {
		return nil, wrapErr("evict lru", err)
	}
	return evicted, nil
}

// ScanKeys lists logical keys under the namespace that start with prefix,
// with TTL deadlines resolved per key. Bookkeeping keys (the LRU set,
// metrics) are excluded.
func (s *Store) ScanKeys(ctx context.Context, prefix string) ([]storage.KeyInfo, error) {
	pattern := s.fullKey(prefix) + "*"
	namespace := s.prefix + ":"
	now := clock.NowSecs()

	var out []storage.KeyInfo
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanPageSize).Result()
		if err != nil {
			return nil, wrapErr("scan keys", err)
		}
		for _, full := range keys {
			key := strings.TrimPrefix(full, namespace)
			if key == "_lru" || strings.HasPrefix(key, "metrics:") {
				continue
			}
			info := storage.KeyInfo{Key: key}
			if pttl, err := s.client.PTTL(ctx, full).Result(); err == nil && pttl > 0 {
				info.ExpiresAt = now + uint64(pttl.Milliseconds()+999)/1000
			}
			out = append(out, info)
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// FlushMetrics accumulates counters server-side via INCRBYFLOAT.
func (s *Store) FlushMetrics(ctx context.Context, metrics map[string]float64) error {
	if len(metrics) == 0 {
		return nil
	}
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for name, v := range metrics {
			pipe.IncrByFloat(ctx, s.metricKey(name), v)
		}
		return nil
	})
	return wrapErr("flush metrics", err)
}

// NeedsTTIWorker reports true: the script coalesces LRU scores server-side,
// but TTL extension on read is batched through the worker.
func (s *Store) NeedsTTIWorker() bool { return true }

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
