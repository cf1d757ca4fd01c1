// Package storage defines the contract every cache backend implements, the
// logical cache entry, and the wire codec shared by the persistent backends.
//
// Backends encode TTL, LRU ordering, counting and eviction uniformly: TTL is
// seconds-to-live at write or touch time, stored and compared as absolute
// wall-clock expiry; LRU order is by last-access timestamp; Len is the live
// entry count under the backend's namespace.
package storage

import (
	"context"
	"errors"
)

// Sentinel errors returned by storage backends.
//
// Callers should use errors.Is to check error types.
var (
	// ErrStorageFull indicates the embedded store's memory map is exhausted.
	//
	// Recovery: reopen with a larger map size (LMDBMapSize).
	ErrStorageFull = errors.New("storage full: increase the configured map size")

	// ErrCorrupted indicates a stored entry failed magic or decode checks.
	//
	// Backends treat the entry as missing and evict it on read; the error
	// surfaces only from the codec itself and from a SetRaw that decodes
	// its input (the in-memory backend).
	ErrCorrupted = errors.New("corrupted entry")

	// ErrConnection indicates a connection to a remote store could not be
	// obtained.
	ErrConnection = errors.New("storage connection")
)

// Status classifies the outcome of a Get.
type Status int

const (
	// Hit means the key exists and its TTL, if any, has not passed.
	Hit Status = iota

	// Expired means the key exists but its TTL deadline has passed. The
	// caller is responsible for scheduling the deletion unless the backend
	// already removed it synchronously.
	Expired

	// Missing means the key does not exist.
	Missing
)

// TouchItem is one element of a TouchBatch: refresh the LRU stamp for Key
// and, when TTLSecs is nonzero, extend the TTL deadline.
type TouchItem struct {
	Key     string
	TTLSecs uint64
}

// KeyInfo is one element of a ScanKeys result. ExpiresAt is absolute Unix
// seconds, 0 when the key has no TTL.
type KeyInfo struct {
	Key       string
	ExpiresAt uint64
}

// Backend is the storage contract. Implementations are safe for concurrent
// use; the maintenance worker and the orchestrator may write concurrently.
type Backend interface {
	// Get returns the entry for key together with its absolute expiry
	// (0 when none). The value and its TTL deadline are observed
	// atomically. A Hit bumps the backend's notion of last access where
	// the backend does that synchronously.
	Get(ctx context.Context, key string) (*Entry, uint64, Status, error)

	// Set stores entry under key, overwriting any prior value, and bumps
	// the LRU stamp. ttlSecs of 0 means no expiry.
	Set(ctx context.Context, key string, entry *Entry, ttlSecs uint64) error

	// SetRaw stores pre-serialized entry bytes, avoiding re-encoding.
	// Used by the maintenance worker for deferred rewrites.
	SetRaw(ctx context.Context, key string, data []byte, ttlSecs uint64) error

	// TouchBatch refreshes LRU stamps and optionally extends TTLs for a
	// batch of keys.
	TouchBatch(ctx context.Context, items []TouchItem) error

	// Remove deletes key. Absent keys are not an error.
	Remove(ctx context.Context, key string) error

	// Clear removes every entry under the backend's namespace.
	Clear(ctx context.Context) error

	// Len returns the live entry count.
	Len(ctx context.Context) (int, error)

	// EvictLRU removes up to n entries in oldest-access-first order and
	// returns the keys actually removed. n <= 0 removes nothing.
	EvictLRU(ctx context.Context, n int) ([]string, error)

	// ScanKeys lists keys starting with prefix together with their expiry.
	ScanKeys(ctx context.Context, prefix string) ([]KeyInfo, error)

	// FlushMetrics accumulates the given counters into the backend's
	// metric store.
	FlushMetrics(ctx context.Context, metrics map[string]float64) error

	// NeedsTTIWorker reports whether the backend relies on deferred
	// touches for LRU and TTL maintenance on the read path.
	NeedsTTIWorker() bool

	// Close releases the backend's resources.
	Close() error
}
