// Package lmdbstore is the embedded persistent backend: one LMDB environment
// holding five tables.
//
//	main       key -> serialized entry bytes
//	ttls       key -> absolute expiry seconds (little-endian u64)
//	lru        key -> last-access nanoseconds (little-endian u64)
//	lru_index  [big-endian nanos (8B)][key bytes] -> empty
//	meta       "count" -> live entry count; "metrics:<name>" -> float64 bits
//
// The lru_index table exploits LMDB's key ordering: a forward cursor scan
// yields keys oldest-access-first, which makes EvictLRU a prefix walk. Every
// write keeps all tables and the persisted count consistent inside a single
// write transaction, so a reopened store reports Len without a rebuild.
package lmdbstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/PowerDNS/lmdb-go/lmdb"
	"go.uber.org/zap"

	"github.com/albertobadia/zoocache-go/internal/clock"
	"github.com/albertobadia/zoocache-go/storage"
)

const (
	tableMain     = "main"
	tableTTLs     = "ttls"
	tableLRU      = "lru"
	tableLRUIndex = "lru_index"
	tableMeta     = "meta"
)

const countKey = "count"

const metricsPrefix = "metrics:"

// DefaultMapSize is the memory-map size used when none is configured (1 GiB).
const DefaultMapSize = 1 << 30

// Store implements storage.Backend on an LMDB environment.
type Store struct {
	env *lmdb.Env
	log *zap.Logger

	main     lmdb.DBI
	ttls     lmdb.DBI
	lru      lmdb.DBI
	lruIndex lmdb.DBI
	meta     lmdb.DBI
}

var _ storage.Backend = (*Store)(nil)

// Open creates or opens the environment rooted at path. mapSize <= 0 selects
// DefaultMapSize. The logger may be nil.
func Open(path string, mapSize int64, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if mapSize <= 0 {
		mapSize = DefaultMapSize
	}

	if err := os.MkdirAll(path, 0o750); err != nil {
		return nil, fmt.Errorf("open lmdb store: %w", err)
	}

	env, err := lmdb.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("open lmdb store: %w", err)
	}
	if err := env.SetMaxDBs(8); err != nil {
		env.Close()
		return nil, fmt.Errorf("open lmdb store: %w", err)
	}
	if err := env.SetMapSize(mapSize); err != nil {
		env.Close()
		return nil, fmt.Errorf("open lmdb store: %w", err)
	}
	if err := env.Open(path, 0, 0o644); err != nil {
		env.Close()
		return nil, fmt.Errorf("open lmdb store %q: %w", path, err)
	}

	s := &Store{env: env, log: log}
	err = env.Update(func(txn *lmdb.Txn) error {
		for _, t := range []struct {
			name string
			dbi  *lmdb.DBI
		}{
			{tableMain, &s.main},
			{tableTTLs, &s.ttls},
			{tableLRU, &s.lru},
			{tableLRUIndex, &s.lruIndex},
			{tableMeta, &s.meta},
		} {
			dbi, err := txn.OpenDBI(t.name, lmdb.Create)
			if err != nil {
				return fmt.Errorf("open table %s: %w", t.name, err)
			}
			*t.dbi = dbi
		}
		return nil
	})
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("open lmdb store: %w", err)
	}
	return s, nil
}

// mapWriteErr converts a commit failure into the surfaced error kinds. A
// full memory map has a dedicated kind with remediation guidance.
func mapWriteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if lmdb.IsMapFull(err) {
		return fmt.Errorf("%s: %w", op, storage.ErrStorageFull)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func le64(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

func be64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func indexKey(nanos uint64, key []byte) []byte {
	out := make([]byte, 8+len(key))
	binary.BigEndian.PutUint64(out, nanos)
	copy(out[8:], key)
	return out
}

// readCount returns the persisted live-entry count.
func (s *Store) readCount(txn *lmdb.Txn) (uint64, error) {
	data, err := txn.Get(s.meta, []byte(countKey))
	if lmdb.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, nil
	}
	return binary.LittleEndian.Uint64(data), nil
}

func (s *Store) writeCount(txn *lmdb.Txn, count uint64) error {
	return txn.Put(s.meta, []byte(countKey), le64(count), 0)
}

// deleteFromIndex removes the lru_index row for key, looked up through the
// key's current lru timestamp.
func (s *Store) deleteFromIndex(txn *lmdb.Txn, key []byte) error {
	data, err := txn.Get(s.lru, key)
	if lmdb.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) != 8 {
		return nil
	}
	nanos := binary.LittleEndian.Uint64(data)
	err = txn.Del(s.lruIndex, indexKey(nanos, key), nil)
	if err != nil && !lmdb.IsNotFound(err) {
		return err
	}
	return nil
}

// putLocked writes all four entry tables and bumps the count for new keys.
func (s *Store) putLocked(txn *lmdb.Txn, key, data []byte, ttlSecs uint64) error {
	_, err := txn.Get(s.main, key)
	isNew := lmdb.IsNotFound(err)
	if err != nil && !isNew {
		return err
	}

	if err := s.deleteFromIndex(txn, key); err != nil {
		return err
	}
	if err := txn.Put(s.main, key, data, 0); err != nil {
		return err
	}

	if ttlSecs > 0 {
		expires := clock.NowSecs() + ttlSecs
		if err := txn.Put(s.ttls, key, le64(expires), 0); err != nil {
			return err
		}
	} else if err := txn.Del(s.ttls, key, nil); err != nil && !lmdb.IsNotFound(err) {
		return err
	}

	nanos := clock.NowNanos()
	if err := txn.Put(s.lru, key, le64(nanos), 0); err != nil {
		return err
	}
	if err := txn.Put(s.lruIndex, indexKey(nanos, key), nil, 0); err != nil {
		return err
	}

	if isNew {
		count, err := s.readCount(txn)
		if err != nil {
			return err
		}
		return s.writeCount(txn, count+1)
	}
	return nil
}

// removeLocked deletes key from all entry tables and reports whether it
// existed. The count is not adjusted here.
func (s *Store) removeLocked(txn *lmdb.Txn, key []byte) (bool, error) {
	if err := s.deleteFromIndex(txn, key); err != nil {
		return false, err
	}

	existed := true
	if err := txn.Del(s.main, key, nil); err != nil {
		if !lmdb.IsNotFound(err) {
			return false, err
		}
		existed = false
	}
	for _, dbi := range []lmdb.DBI{s.ttls, s.lru} {
		if err := txn.Del(dbi, key, nil); err != nil && !lmdb.IsNotFound(err) {
			return false, err
		}
	}
	return existed, nil
}

// Get reads the entry and its deadline in one read transaction. Expired
// entries are reported as Expired and left for the deferred delete; entries
// that fail decoding are evicted and reported as Missing.
func (s *Store) Get(ctx context.Context, key string) (*storage.Entry, uint64, storage.Status, error) {
	var (
		data    []byte
		expires uint64
		status  storage.Status
	)
	err := s.env.View(func(txn *lmdb.Txn) error {
		txn.RawRead = true

		ttlData, err := txn.Get(s.ttls, []byte(key))
		if err == nil && len(ttlData) == 8 {
			expires = binary.LittleEndian.Uint64(ttlData)
		} else if err != nil && !lmdb.IsNotFound(err) {
			return err
		}

		raw, err := txn.Get(s.main, []byte(key))
		if lmdb.IsNotFound(err) {
			status = storage.Missing
			return nil
		}
		if err != nil {
			return err
		}
		if expires != 0 && clock.NowSecs() > expires {
			status = storage.Expired
			return nil
		}

		status = storage.Hit
		data = bytes.Clone(raw)
		return nil
	})
	if err != nil {
		return nil, 0, storage.Missing, fmt.Errorf("get %q: %w", key, err)
	}
	if status != storage.Hit {
		return nil, 0, status, nil
	}

	entry, err := storage.Decode(data)
	if err != nil {
		if errors.Is(err, storage.ErrCorrupted) {
			s.log.Warn("evicting corrupted entry", zap.String("key", key), zap.Error(err))
			if rmErr := s.Remove(ctx, key); rmErr != nil {
				return nil, 0, storage.Missing, rmErr
			}
			return nil, 0, storage.Missing, nil
		}
		return nil, 0, storage.Missing, fmt.Errorf("get %q: %w", key, err)
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

// SetRaw stores pre-serialized entry bytes.
func (s *Store) SetRaw(_ context.Context, key string, data []byte, ttlSecs uint64) error {
	err := s.env.Update(func(txn *lmdb.Txn) error {
		return s.putLocked(txn, []byte(key), data, ttlSecs)
	})
	return mapWriteErr(fmt.Sprintf("set %q", key), err)
}

// TouchBatch refreshes access stamps and extends nonzero TTLs in one write
// transaction.
func (s *Store) TouchBatch(_ context.Context, items []storage.TouchItem) error {
	if len(items) == 0 {
		return nil
	}
	err := s.env.Update(func(txn *lmdb.Txn) error {
		now := clock.NowSecs()
		for _, it := range items {
			key := []byte(it.Key)
			if _, err := txn.Get(s.main, key); lmdb.IsNotFound(err) {
				continue
			} else if err != nil {
				return err
			}

			if err := s.deleteFromIndex(txn, key); err != nil {
				return err
			}
			nanos := clock.NowNanos()
			if err := txn.Put(s.lru, key, le64(nanos), 0); err != nil {
				return err
			}
			if err := txn.Put(s.lruIndex, indexKey(nanos, key), nil, 0); err != nil {
				return err
			}
			if it.TTLSecs > 0 {
				if err := txn.Put(s.ttls, key, le64(now+it.TTLSecs), 0); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return mapWriteErr("touch batch", err)
}

// Remove deletes key from every table; absent keys are fine.
func (s *Store) Remove(_ context.Context, key string) error {
	err := s.env.Update(func(txn *lmdb.Txn) error {
		existed, err := s.removeLocked(txn, []byte(key))
		if err != nil || !existed {
			return err
		}
		count, err := s.readCount(txn)
		if err != nil {
			return err
		}
		if count > 0 {
			count--
		}
		return s.writeCount(txn, count)
	})
	return mapWriteErr(fmt.Sprintf("remove %q", key), err)
}

// Clear empties all tables and resets the persisted count.
func (s *Store) Clear(_ context.Context) error {
	err := s.env.Update(func(txn *lmdb.Txn) error {
		for _, dbi := range []lmdb.DBI{s.main, s.ttls, s.lru, s.lruIndex, s.meta} {
			if err := txn.Drop(dbi, false); err != nil {
				return err
			}
		}
		return s.writeCount(txn, 0)
	})
	return mapWriteErr("clear", err)
}

// Len returns the persisted live-entry count.
func (s *Store) Len(_ context.Context) (int, error) {
	var count uint64
	err := s.env.View(func(txn *lmdb.Txn) error {
		var err error
		count, err = s.readCount(txn)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("len: %w", err)
	}
	return int(count), nil
}

// EvictLRU walks the ordered lru_index and removes the n oldest entries
// under one write transaction.
func (s *Store) EvictLRU(_ context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	var evicted []string
	err := s.env.Update(func(txn *lmdb.Txn) error {
		cur, err := txn.OpenCursor(s.lruIndex)
		if err != nil {
			return err
		}
		victims := make([][]byte, 0, n)
		for len(victims) < n {
			k, _, err := cur.Get(nil, nil, lmdb.Next)
			if lmdb.IsNotFound(err) {
				break
			}
			if err != nil {
				cur.Close()
				return err
			}
			if len(k) <= 8 {
				continue
			}
			victims = append(victims, bytes.Clone(k[8:]))
		}
		cur.Close()

		count, err := s.readCount(txn)
		if err != nil {
			return err
		}
		for _, key := range victims {
			existed, err := s.removeLocked(txn, key)
			if err != nil {
				return err
			}
			if existed && count > 0 {
				count--
			}
			evicted = append(evicted, string(key))
		}
		return s.writeCount(txn, count)
	})
	if err != nil {
		return nil, mapWriteErr("evict lru", err)
	}
	return evicted, nil
}

// ScanKeys walks main in key order starting at prefix.
func (s *Store) ScanKeys(_ context.Context, prefix string) ([]storage.KeyInfo, error) {
	var out []storage.KeyInfo
	err := s.env.View(func(txn *lmdb.Txn) error {
		txn.RawRead = true

		cur, err := txn.OpenCursor(s.main)
		if err != nil {
			return err
		}
		defer cur.Close()

		op := uint(lmdb.SetRange)
		seek := []byte(prefix)
		for {
			k, _, err := cur.Get(seek, nil, op)
			if lmdb.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			seek, op = nil, uint(lmdb.Next)

			if !bytes.HasPrefix(k, []byte(prefix)) {
				return nil
			}

			info := storage.KeyInfo{Key: string(k)}
			ttlData, err := txn.Get(s.ttls, k)
			if err == nil && len(ttlData) == 8 {
				info.ExpiresAt = binary.LittleEndian.Uint64(ttlData)
			} else if err != nil && !lmdb.IsNotFound(err) {
				return err
			}
			out = append(out, info)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("scan keys: %w", err)
	}
	return out, nil
}

// FlushMetrics accumulates counters into meta rows keyed "metrics:<name>".
func (s *Store) FlushMetrics(_ context.Context, metrics map[string]float64) error {
	if len(metrics) == 0 {
		return nil
	}
	err := s.env.Update(func(txn *lmdb.Txn) error {
		for name, v := range metrics {
			key := []byte(metricsPrefix + name)
			prev := 0.0
			data, err := txn.Get(s.meta, key)
			if err == nil && len(data) == 8 {
				prev = math.Float64frombits(binary.LittleEndian.Uint64(data))
			} else if err != nil && !lmdb.IsNotFound(err) {
				return err
			}
			if err := txn.Put(s.meta, key, le64(math.Float64bits(prev+v)), 0); err != nil {
				return err
			}
		}
		return nil
	})
	return mapWriteErr("flush metrics", err)
}

// Metric returns one accumulated counter, 0 when absent.
func (s *Store) Metric(name string) (float64, error) {
	var v float64
	err := s.env.View(func(txn *lmdb.Txn) error {
		data, err := txn.Get(s.meta, []byte(metricsPrefix+name))
		if lmdb.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if len(data) == 8 {
			v = math.Float64frombits(binary.LittleEndian.Uint64(data))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("metric %q: %w", name, err)
	}
	return v, nil
}

// NeedsTTIWorker reports true: read transactions cannot bump access stamps,
// so LRU maintenance is deferred to the worker.
func (s *Store) NeedsTTIWorker() bool { return true }

// Close closes the environment.
func (s *Store) Close() error {
	s.env.Close()
	return nil
}
