package zoocache

import (
	"time"

	"go.uber.org/zap"
)

// DefaultPrefix namespaces storage keys and bus channels when Options.Prefix
// is empty.
const DefaultPrefix = "zoocache"

// Options configures a Core. The zero value is a usable in-memory cache
// with the defaults documented per field; unknown knobs do not exist — this
// struct is the whole configuration surface.
type Options struct {
	// StorageURL selects the backend: empty for in-memory, "redis://…"
	// (or "rediss://…") for the shared remote store, "lmdb://path" for
	// the embedded file store rooted at path.
	StorageURL string

	// BusURL selects the invalidation bus: empty for the in-process
	// no-op bus, "redis://…" for pub/sub broadcast to peers.
	BusURL string

	// Prefix namespaces storage keys and bus channels. Default
	// DefaultPrefix.
	Prefix string

	// DefaultTTL, in seconds, applies to Set calls that pass no TTL.
	// 0 means entries do not expire.
	DefaultTTL uint64

	// DisableReadExtendTTL turns off the maintenance worker: reads no
	// longer refresh LRU stamps or extend TTLs, expired-entry deletes
	// happen synchronously, and entries revalidated under an older epoch
	// are not rewritten. The default (false) keeps the worker running.
	DisableReadExtendTTL bool

	// MaxEntries is a soft bound on the live entry count. When a Set
	// pushes the count past it, the oldest tenth (at least one entry,
	// plus the overshoot) is evicted. 0 disables eviction.
	MaxEntries int

	// LMDBMapSize is the embedded store's memory-map size in bytes.
	// Default 1 GiB.
	LMDBMapSize int64

	// FlightTimeout bounds how long a single-flight follower waits for
	// the leader. Default 60s.
	FlightTimeout time.Duration

	// TTIFlushInterval is the worker's touch-batch flush cadence.
	// Default 30s.
	TTIFlushInterval time.Duration

	// AutoPruneAge, in seconds, is the staleness threshold for the
	// periodic trie prune. Default 3600.
	AutoPruneAge uint64

	// AutoPruneInterval is how often the worker prunes the trie.
	// Default 1h.
	AutoPruneInterval time.Duration

	// LRUUpdateInterval, in seconds, is the touch-coalescing window:
	// repeat accesses to a key within it do not rewrite its LRU stamp.
	// The in-memory backend is the exception: it refreshes the stamp on
	// every read. Default 30.
	LRUUpdateInterval uint64

	// NodeID, when set, subscribes the bus listener to the node-targeted
	// invalidation channel and names this node's heartbeat key.
	NodeID string

	// Logger receives operational events (corrupted-entry evictions, bus
	// reconnects, swallowed maintenance failures). Default is a no-op
	// logger.
	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}
	if o.FlightTimeout <= 0 {
		o.FlightTimeout = 60 * time.Second
	}
	if o.TTIFlushInterval <= 0 {
		o.TTIFlushInterval = 30 * time.Second
	}
	if o.AutoPruneAge == 0 {
		o.AutoPruneAge = 3600
	}
	if o.AutoPruneInterval <= 0 {
		o.AutoPruneInterval = time.Hour
	}
	if o.LRUUpdateInterval == 0 {
		o.LRUUpdateInterval = 30
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}
