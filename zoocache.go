// Package zoocache is a high-throughput in-process cache core with
// hierarchical tag-based invalidation, pluggable storage backends and
// cluster-wide invalidation broadcast.
//
// Values are opaque byte blobs keyed by string, each tagged with dependency
// tags like "org:42:user:7". Invalidating any prefix of a tag logically
// evicts every entry depending on it: versions live in a prefix trie and
// entries carry version snapshots, so invalidation is O(depth) and never
// rewrites stored entries. A single-flight registry coalesces concurrent
// producers per missing key, and a background worker batches LRU touches,
// deferred deletes and entry rewrites off the hot read path.
//
//	core, err := zoocache.New(zoocache.Options{})
//	if err != nil { ... }
//	defer core.Close()
//
//	core.Set(ctx, "u:1:profile", payload, []string{"user:1"}, 0)
//	core.Invalidate(ctx, "user:1") // the entry is now logically gone
package zoocache

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/albertobadia/zoocache-go/bus"
	"github.com/albertobadia/zoocache-go/internal/worker"
	"github.com/albertobadia/zoocache-go/pkg/flight"
	"github.com/albertobadia/zoocache-go/pkg/verstrie"
	"github.com/albertobadia/zoocache-go/storage"
	"github.com/albertobadia/zoocache-go/storage/lmdbstore"
	"github.com/albertobadia/zoocache-go/storage/memstore"
	"github.com/albertobadia/zoocache-go/storage/redisstore"
)

// Version is the module version reported by [Core.Version].
const Version = "0.4.0"

// Core composes the trie, storage, single-flight registry, maintenance
// worker and invalidation bus. All methods are safe for concurrent use.
type Core struct {
	opts    Options
	store   storage.Backend
	trie    *verstrie.Trie
	flights *flight.Registry
	bus     bus.Bus
	worker  *worker.Worker // nil when the maintenance worker is disabled
	log     *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// New builds a Core from the given options. The storage and bus backends
// are selected by URL scheme; see [Options].
func New(opts Options) (*Core, error) {
	opts = opts.withDefaults()

	c := &Core{
		opts:    opts,
		trie:    verstrie.New(),
		flights: flight.NewRegistry(),
		log:     opts.Logger,
	}

	ctx := context.Background()

	var err error
	switch {
	case opts.StorageURL == "":
		c.store = memstore.New()
	case strings.HasPrefix(opts.StorageURL, "redis://"), strings.HasPrefix(opts.StorageURL, "rediss://"):
		c.store, err = redisstore.Open(ctx, opts.StorageURL, opts.Prefix, opts.LRUUpdateInterval, opts.Logger)
		if err != nil {
			return nil, fmt.Errorf("new core: %w", err)
		}
	case strings.HasPrefix(opts.StorageURL, "lmdb://"):
		path := strings.TrimPrefix(opts.StorageURL, "lmdb://")
		c.store, err = lmdbstore.Open(path, opts.LMDBMapSize, opts.Logger)
		if err != nil {
			return nil, fmt.Errorf("new core: %w: %w", ErrIO, err)
		}
	default:
		return nil, fmt.Errorf("new core: unsupported storage url %q", opts.StorageURL)
	}

	switch {
	case opts.BusURL == "":
		c.bus = bus.NewLocal()
	case strings.HasPrefix(opts.BusURL, "redis://"), strings.HasPrefix(opts.BusURL, "rediss://"):
		rb, err := bus.OpenRedis(ctx, opts.BusURL, opts.Prefix, opts.NodeID, opts.Logger)
		if err != nil {
			_ = c.store.Close()
			return nil, fmt.Errorf("new core: %w: %w", ErrConnection, err)
		}
		rb.StartListener(func(tag string, version uint64) {
			c.trie.SetMinVersion(tag, version)
		})
		c.bus = rb
	default:
		_ = c.store.Close()
		return nil, fmt.Errorf("new core: unsupported bus url %q", opts.BusURL)
	}

	if !opts.DisableReadExtendTTL {
		c.worker = worker.New(c.store, c.trie, c.bus, worker.Config{
			FlushInterval:     opts.TTIFlushInterval,
			LRUUpdateInterval: opts.LRUUpdateInterval,
			AutoPruneInterval: opts.AutoPruneInterval,
			AutoPruneAge:      opts.AutoPruneAge,
		}, opts.Logger)
	}

	return c, nil
}

// Version returns the module version string.
func (c *Core) Version() string { return Version }

// Get returns the value for key and whether it was found. Entries whose TTL
// has passed or whose dependency snapshot no longer validates are removed
// and reported as not found.
func (c *Core) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, expiresAt, st, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}

	switch st {
	case storage.Missing:
		return nil, false, nil

	case storage.Expired:
		if c.worker != nil {
			c.worker.Delete(key)
		} else if err := c.store.Remove(ctx, key); err != nil {
			return nil, false, fmt.Errorf("get %q: %w", key, err)
		}
		return nil, false, nil
	}

	epoch := c.trie.Epoch()
	if entry.TrieVersion == epoch {
		// Nothing was invalidated anywhere since this entry was written,
		// so the snapshots cannot have gone stale.
		c.touch(key)
		return entry.Value, true, nil
	}

	if !c.trie.ValidateSnapshots(entry.Dependencies) {
		if err := c.store.Remove(ctx, key); err != nil {
			return nil, false, fmt.Errorf("get %q: %w", key, err)
		}
		return nil, false, nil
	}

	// Valid but written under an older epoch: rewrite with the current one
	// so the next read takes the fast path. Deferred; best-effort.
	if c.worker != nil {
		rewrite := storage.Entry{
			Value:        entry.Value,
			Dependencies: entry.Dependencies,
			TrieVersion:  epoch,
		}
		if data, err := storage.Encode(&rewrite); err == nil {
			c.worker.Update(key, data, expiresAt)
			return entry.Value, true, nil
		}
	}

	c.touch(key)
	return entry.Value, true, nil
}

// touch schedules a deferred LRU refresh (and TTL extension when a default
// TTL is configured).
func (c *Core) touch(key string) {
	if c.worker == nil {
		return
	}
	if !c.store.NeedsTTIWorker() && c.opts.DefaultTTL == 0 {
		// The backend maintains access stamps synchronously and there is
		// no TTL to extend, so the touch would be a no-op.
		return
	}
	c.worker.Touch(key, c.opts.DefaultTTL)
}

// Set stores value under key with the given dependency tags. ttlSecs of 0
// selects the configured default TTL (which may itself be "no expiry").
func (c *Core) Set(ctx context.Context, key string, value []byte, dependencies []string, ttlSecs uint64) error {
	for _, tag := range dependencies {
		if err := ValidateTag(tag); err != nil {
			return fmt.Errorf("set %q: %w", key, err)
		}
	}

	// The epoch is read before the snapshots: if an invalidation lands in
	// between, the entry just misses the fast path and revalidates.
	epoch := c.trie.Epoch()
	entry := &storage.Entry{
		Value:        value,
		Dependencies: c.trie.BuildSnapshots(dependencies),
		TrieVersion:  epoch,
	}

	if ttlSecs == 0 {
		ttlSecs = c.opts.DefaultTTL
	}
	if err := c.store.Set(ctx, key, entry, ttlSecs); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}

	return c.evictOverCapacity(ctx)
}

// evictOverCapacity enforces MaxEntries: once the count passes the bound,
// the overshoot plus a tenth of the capacity is evicted in one sweep so
// back-to-back sets do not each pay for an eviction.
func (c *Core) evictOverCapacity(ctx context.Context) error {
	if c.opts.MaxEntries <= 0 {
		return nil
	}

	n, err := c.store.Len(ctx)
	if err != nil {
		return fmt.Errorf("evict: %w", err)
	}
	if n <= c.opts.MaxEntries {
		return nil
	}

	headroom := c.opts.MaxEntries / 10
	if headroom < 1 {
		headroom = 1
	}
	if _, err := c.store.EvictLRU(ctx, n-c.opts.MaxEntries+headroom); err != nil {
		return fmt.Errorf("evict: %w", err)
	}
	c.trie.Prune(0)
	return nil
}

// Invalidate bumps the version of tag, logically evicting every entry that
// depends on it or any of its descendants, and broadcasts the new version
// to peers. The publish may block on I/O when the bus is remote.
func (c *Core) Invalidate(ctx context.Context, tag string) error {
	if err := ValidateTag(tag); err != nil {
		return fmt.Errorf("invalidate: %w", err)
	}
	version := c.trie.Invalidate(tag)
	c.bus.Publish(ctx, tag, version)
	return nil
}

// Clear removes every entry and resets the trie.
func (c *Core) Clear(ctx context.Context) error {
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	c.trie.Clear()
	return nil
}

// Len returns the live entry count.
func (c *Core) Len(ctx context.Context) (int, error) {
	return c.store.Len(ctx)
}

// GetOrEntry is Get with thundering-herd coalescing. On a hit it returns
// (value, false, true, nil). On a miss, the first caller becomes the leader
// and gets (nil, true, false, nil): it must compute the value and call
// FinishFlight. Every other caller blocks until the leader finishes and
// returns the leader's value, or ErrFlightLeaderFailed on leader error or
// timeout.
func (c *Core) GetOrEntry(ctx context.Context, key string) (value []byte, isLeader, hit bool, err error) {
	value, found, err := c.Get(ctx, key)
	if err != nil {
		return nil, false, false, err
	}
	if found {
		return value, false, true, nil
	}

	f, leader := c.flights.TryEnter(key)
	if leader {
		return nil, true, false, nil
	}

	value, err = f.Wait(c.opts.FlightTimeout)
	if err != nil {
		return nil, false, false, fmt.Errorf("get or entry %q: %w", key, err)
	}
	return value, false, false, nil
}

// GetOrEntryAsync is the non-blocking variant for hosts with their own
// async runtime. The caller passes a fresh completion handle (a promise,
// future or channel it owns): if the caller wins leadership the handle is
// registered on the flight and returned from FinishFlight for the host to
// resolve; a follower instead receives the leader's registered handle to
// await. The registry never drives handles.
func (c *Core) GetOrEntryAsync(ctx context.Context, key string, handle any) (value []byte, isLeader, hit bool, waitHandle any, err error) {
	value, found, err := c.Get(ctx, key)
	if err != nil {
		return nil, false, false, nil, err
	}
	if found {
		return value, false, true, nil, nil
	}

	f, leader := c.flights.TryEnter(key)
	if leader {
		f.SetHandle(handle)
		return nil, true, false, nil, nil
	}
	return nil, false, false, f.Handle(), nil
}

// FinishFlight completes the flight for key: on success the value is stored
// in the cache's flight state and handed to waiting followers, on error the
// followers fail with ErrFlightLeaderFailed. Returns the async completion
// handle registered on the flight, or nil on the pure sync path. The host
// remains responsible for the actual Set.
func (c *Core) FinishFlight(key string, isError bool, value []byte) any {
	return c.flights.Finish(key, isError, value)
}

// FlushMetrics forwards accumulated counters to the storage and bus metric
// sinks through the maintenance worker; with the worker disabled the flush
// happens inline.
func (c *Core) FlushMetrics(ctx context.Context, metrics map[string]float64) error {
	if c.worker != nil {
		c.worker.FlushMetrics(metrics)
		return nil
	}
	if err := c.store.FlushMetrics(ctx, metrics); err != nil {
		return fmt.Errorf("flush metrics: %w", err)
	}
	if err := c.bus.FlushMetrics(ctx, metrics); err != nil {
		return fmt.Errorf("flush metrics: %w", err)
	}
	return nil
}

// PushHeartbeat stores a liveness marker for this node on the bus backend.
func (c *Core) PushHeartbeat(ctx context.Context, nodeID, payload string, ttlSecs uint64) error {
	return c.bus.PushHeartbeat(ctx, nodeID, payload, ttlSecs)
}

// DroppedMaintenanceMessages returns how many deferred-maintenance messages
// were rejected because the worker queue was full.
func (c *Core) DroppedMaintenanceMessages() uint64 {
	if c.worker == nil {
		return 0
	}
	return c.worker.Dropped()
}

// Close stops the worker and bus listener, fails pending flights and
// releases the storage backend. Safe to call more than once.
func (c *Core) Close() error {
	c.closeOnce.Do(func() {
		if c.worker != nil {
			c.worker.Stop()
		}
		c.flights.Close()
		busErr := c.bus.Close()
		storeErr := c.store.Close()
		if busErr != nil {
			c.closeErr = fmt.Errorf("close: %w", busErr)
		} else if storeErr != nil {
			c.closeErr = fmt.Errorf("close: %w", storeErr)
		}
	})
	return c.closeErr
}
