// Package memstore is the in-process storage backend: a mutex-guarded map of
// live entries with per-entry TTL deadlines and last-access stamps for LRU
// eviction. Nothing survives a restart.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/albertobadia/zoocache-go/internal/clock"
	"github.com/albertobadia/zoocache-go/storage"
)

type memEntry struct {
	entry      *storage.Entry
	expiresAt  uint64 // unix seconds, 0 = no expiry
	lastAccess atomic.Uint64
}

// Store implements storage.Backend in memory.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*memEntry

	metricsMu sync.Mutex
	metrics   map[string]float64
}

var _ storage.Backend = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		entries: make(map[string]*memEntry),
		metrics: make(map[string]float64),
	}
}

// Get returns the live entry for key. Expired entries are removed
// synchronously and reported as Expired; hits refresh the last-access stamp
// in place, so no deferred touches are needed.
func (s *Store) Get(_ context.Context, key string) (*storage.Entry, uint64, storage.Status, error) {
	s.mu.RLock()
	e := s.entries[key]
	s.mu.RUnlock()

	if e == nil {
		return nil, 0, storage.Missing, nil
	}
	if e.expiresAt != 0 && clock.NowSecs() > e.expiresAt {
		s.mu.Lock()
		// Recheck under the write lock: a concurrent Set may have replaced
		// the expired entry with a fresh one.
		if cur := s.entries[key]; cur == e {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, 0, storage.Expired, nil
	}
	e.lastAccess.Store(clock.NowNanos())
	return e.entry, e.expiresAt, storage.Hit, nil
}

func (s *Store) put(key string, entry *storage.Entry, ttlSecs uint64) {
	e := &memEntry{entry: entry}
	if ttlSecs > 0 {
		e.expiresAt = clock.NowSecs() + ttlSecs
	}
	e.lastAccess.Store(clock.NowNanos())

	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
}

// Set stores entry under key, overwriting any existing value.
func (s *Store) Set(_ context.Context, key string, entry *storage.Entry, ttlSecs uint64) error {
	s.put(key, entry, ttlSecs)
	return nil
}

// SetRaw decodes pre-serialized bytes and stores the decoded entry; the
// in-memory backend keeps entries decoded.
func (s *Store) SetRaw(_ context.Context, key string, data []byte, ttlSecs uint64) error {
	entry, err := storage.Decode(data)
	if err != nil {
		return fmt.Errorf("set raw %q: %w", key, err)
	}
	s.put(key, entry, ttlSecs)
	return nil
}

// TouchBatch refreshes last-access stamps and extends nonzero TTLs.
func (s *Store) TouchBatch(_ context.Context, items []storage.TouchItem) error {
	now := clock.NowSecs()
	nanos := clock.NowNanos()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		e := s.entries[it.Key]
		if e == nil {
			continue
		}
		e.lastAccess.Store(nanos)
		if it.TTLSecs > 0 {
			e.expiresAt = now + it.TTLSecs
		}
	}
	return nil
}

// Remove deletes key; absent keys are fine.
func (s *Store) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Clear drops every entry.
func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	s.entries = make(map[string]*memEntry)
	s.mu.Unlock()
	return nil
}

// Len returns the live entry count.
func (s *Store) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

// EvictLRU removes up to n entries in oldest-access order and returns the
// removed keys.
func (s *Store) EvictLRU(_ context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	type aged struct {
		key    string
		access uint64
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]aged, 0, len(s.entries))
	for key, e := range s.entries {
		all = append(all, aged{key: key, access: e.lastAccess.Load()})
	}
	slices.SortFunc(all, func(a, b aged) int {
		switch {
		case a.access < b.access:
			return -1
		case a.access > b.access:
			return 1
		default:
			return strings.Compare(a.key, b.key)
		}
	})

	if n > len(all) {
		n = len(all)
	}
	evicted := make([]string, 0, n)
	for _, a := range all[:n] {
		delete(s.entries, a.key)
		evicted = append(evicted, a.key)
	}
	return evicted, nil
}

// ScanKeys lists keys with the given prefix.
func (s *Store) ScanKeys(_ context.Context, prefix string) ([]storage.KeyInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []storage.KeyInfo
	for key, e := range s.entries {
		if strings.HasPrefix(key, prefix) {
			out = append(out, storage.KeyInfo{Key: key, ExpiresAt: e.expiresAt})
		}
	}
	slices.SortFunc(out, func(a, b storage.KeyInfo) int {
		return strings.Compare(a.Key, b.Key)
	})
	return out, nil
}

// FlushMetrics accumulates counters in memory.
func (s *Store) FlushMetrics(_ context.Context, metrics map[string]float64) error {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	for name, v := range metrics {
		s.metrics[name] += v
	}
	return nil
}

// Metrics returns a copy of the accumulated counters.
func (s *Store) Metrics() map[string]float64 {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()

	out := make(map[string]float64, len(s.metrics))
	for name, v := range s.metrics {
		out[name] = v
	}
	return out
}

// NeedsTTIWorker reports false: Get maintains access stamps synchronously.
func (s *Store) NeedsTTIWorker() bool { return false }

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }
