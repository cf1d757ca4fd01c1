// Package worker runs the deferred-maintenance loop: LRU touches, key
// deletions, entry rewrites, metric flushes and periodic trie pruning, all
// taken off the hot read path through a bounded queue. Everything here is
// best-effort; failures are logged and dropped, never surfaced to readers.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/albertobadia/zoocache-go/bus"
	"github.com/albertobadia/zoocache-go/internal/clock"
	"github.com/albertobadia/zoocache-go/pkg/verstrie"
	"github.com/albertobadia/zoocache-go/storage"
)

const (
	defaultQueueSize = 1 << 20

	// batchLimit flushes the touch batch early once it reaches this size,
	// regardless of the flush interval.
	batchLimit = 1000

	// coalesceSize bounds the LRU of per-key last-touch stamps used to
	// drop redundant touches.
	coalesceSize = 10_000
)

// Config tunes the worker. Zero values select the defaults.
type Config struct {
	QueueSize         int
	FlushInterval     time.Duration // touch batch flush cadence
	LRUUpdateInterval uint64        // seconds; touches for the same key within this window coalesce
	AutoPruneInterval time.Duration // how often the trie is pruned
	AutoPruneAge      uint64        // seconds; prune subtrees untouched for this long
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 30 * time.Second
	}
	if c.LRUUpdateInterval == 0 {
		c.LRUUpdateInterval = 30
	}
	if c.AutoPruneInterval <= 0 {
		c.AutoPruneInterval = time.Hour
	}
	if c.AutoPruneAge == 0 {
		c.AutoPruneAge = 3600
	}
	return c
}

type msgKind int

const (
	msgTouch msgKind = iota
	msgUpdate
	msgDelete
	msgPrune
	msgMetrics
)

type message struct {
	kind      msgKind
	key       string
	data      []byte
	ttlSecs   uint64
	expiresAt uint64 // absolute deadline for rewrites, 0 = none
	maxAge    uint64
	metrics   map[string]float64
}

// Worker is the single background maintenance task.
type Worker struct {
	store storage.Backend
	trie  *verstrie.Trie
	bus   bus.Bus
	log   *zap.Logger
	cfg   Config

	msgs    chan message
	dropped atomic.Uint64

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New starts the worker goroutine. The logger may be nil.
func New(store storage.Backend, trie *verstrie.Trie, b bus.Bus, cfg Config, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	w := &Worker{
		store: store,
		trie:  trie,
		bus:   b,
		log:   log,
		cfg:   cfg.withDefaults(),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	w.msgs = make(chan message, w.cfg.QueueSize)
	go w.run()
	return w
}

// trySend enqueues without blocking; a full queue increments the dropped
// counter instead of stalling the caller.
func (w *Worker) trySend(m message) {
	select {
	case w.msgs <- m:
	default:
		w.dropped.Add(1)
	}
}

// Touch schedules an LRU refresh (and TTL extension when ttlSecs > 0).
func (w *Worker) Touch(key string, ttlSecs uint64) {
	w.trySend(message{kind: msgTouch, key: key, ttlSecs: ttlSecs})
}

// Update schedules a raw entry rewrite. expiresAt carries the entry's
// absolute deadline (0 = none) so the remaining TTL is computed when the
// write actually happens.
func (w *Worker) Update(key string, data []byte, expiresAt uint64) {
	w.trySend(message{kind: msgUpdate, key: key, data: data, expiresAt: expiresAt})
}

// Delete schedules a key removal.
func (w *Worker) Delete(key string) {
	w.trySend(message{kind: msgDelete, key: key})
}

// Prune schedules a trie prune.
func (w *Worker) Prune(maxAgeSecs uint64) {
	w.trySend(message{kind: msgPrune, maxAge: maxAgeSecs})
}

// FlushMetrics schedules a metric flush to storage and bus.
func (w *Worker) FlushMetrics(metrics map[string]float64) {
	w.trySend(message{kind: msgMetrics, metrics: metrics})
}

// Dropped returns the number of messages rejected on a full queue.
func (w *Worker) Dropped() uint64 {
	return w.dropped.Load()
}

// Stop flushes pending touches and terminates the loop. Safe to call more
// than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
	<-w.done
}

func (w *Worker) run() {
	defer close(w.done)

	ctx := context.Background()
	seen, _ := lru.New[string, uint64](coalesceSize)

	var pending []storage.TouchItem
	lastFlush := time.Now()
	lastPrune := time.Now()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	flush := func() {
		if len(pending) == 0 {
			return
		}
		if err := w.store.TouchBatch(ctx, pending); err != nil {
			w.log.Debug("touch batch failed", zap.Int("keys", len(pending)), zap.Error(err))
		}
		pending = nil
		lastFlush = time.Now()
	}

	handle := func(m message) {
		switch m.kind {
		case msgTouch:
			now := clock.NowSecs()
			if last, ok := seen.Get(m.key); ok && now-last < w.cfg.LRUUpdateInterval {
				return
			}
			seen.Add(m.key, now)
			pending = append(pending, storage.TouchItem{Key: m.key, TTLSecs: m.ttlSecs})

		case msgUpdate:
			var ttl uint64
			if m.expiresAt > 0 {
				now := clock.NowSecs()
				if now >= m.expiresAt {
					// The entry expired while the rewrite was queued;
					// writing it back would resurrect a dead key.
					return
				}
				ttl = m.expiresAt - now
			}
			if err := w.store.SetRaw(ctx, m.key, m.data, ttl); err != nil {
				w.log.Debug("deferred rewrite failed", zap.String("key", m.key), zap.Error(err))
			}

		case msgDelete:
			if err := w.store.Remove(ctx, m.key); err != nil {
				w.log.Debug("deferred delete failed", zap.String("key", m.key), zap.Error(err))
			}

		case msgPrune:
			w.trie.Prune(m.maxAge)

		case msgMetrics:
			if err := w.store.FlushMetrics(ctx, m.metrics); err != nil {
				w.log.Debug("storage metric flush failed", zap.Error(err))
			}
			if err := w.bus.FlushMetrics(ctx, m.metrics); err != nil {
				w.log.Debug("bus metric flush failed", zap.Error(err))
			}
		}
	}

	for {
		select {
		case m := <-w.msgs:
			handle(m)

		case <-ticker.C:

		case <-w.quit:
			// Drain whatever is already queued, then flush and exit.
			for {
				select {
				case m := <-w.msgs:
					handle(m)
				default:
					flush()
					return
				}
			}
		}

		if len(pending) >= batchLimit || (len(pending) > 0 && time.Since(lastFlush) >= w.cfg.FlushInterval) {
			flush()
		}
		if time.Since(lastPrune) >= w.cfg.AutoPruneInterval {
			w.trie.Prune(w.cfg.AutoPruneAge)
			lastPrune = time.Now()
		}
	}
}
