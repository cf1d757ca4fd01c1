// Package verstrie implements a concurrent prefix trie of monotonic version
// counters keyed by hierarchical tags ("org:42:user:7"). Invalidating a tag
// bumps one counter; cache entries record a snapshot of the counters along
// each dependency path and stay valid until any counter on the path moves
// past the snapshot. Entries never need rewriting on invalidation.
//
// A separate global epoch counts every invalidation observed by the process
// and serves as a cheap "nothing changed since this snapshot" equivalence
// check.
package verstrie

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/albertobadia/zoocache-go/internal/clock"
)

// DepSnapshot captures the versions along one root-to-tag path at write time.
//
// PathVersions has length len(Parts)+1: index 0 is the root version, index
// i+1 is the version of the node reached after consuming Parts[0..i]. Paths
// that did not exist at snapshot time are recorded as 0.
type DepSnapshot struct {
	Parts        []string `msgpack:"parts"`
	PathVersions []uint64 `msgpack:"path_versions"`
}

type node struct {
	version     atomic.Uint64
	lastTouched atomic.Uint64 // unix seconds

	mu       sync.RWMutex
	children map[string]*node
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

// child returns the named child, or nil.
func (n *node) child(name string) *node {
	n.mu.RLock()
	c := n.children[name]
	n.mu.RUnlock()
	return c
}

// childOrCreate returns the named child, inserting a fresh node first if
// needed. The insert is published under the parent lock before any caller
// can bump the new node's version, so concurrent readers never observe a
// bumped version on a path whose nodes are missing.
func (n *node) childOrCreate(name string) *node {
	if c := n.child(name); c != nil {
		return c
	}
	n.mu.Lock()
	c := n.children[name]
	if c == nil {
		c = newNode()
		c.lastTouched.Store(clock.NowSecs())
		n.children[name] = c
	}
	n.mu.Unlock()
	return c
}

// Trie is the concurrent hierarchical counter store. The zero value is not
// usable; construct with New. All methods are safe for concurrent use.
type Trie struct {
	root  *node
	epoch atomic.Uint64
}

// New returns an empty trie. The root node exists for the trie's lifetime.
func New() *Trie {
	return &Trie{root: newNode()}
}

// Epoch returns the cumulative count of invalidations observed by this
// process, including remote version merges that raised a counter.
func (t *Trie) Epoch() uint64 {
	return t.epoch.Load()
}

// Invalidate bumps the version of the node named by tag, creating missing
// path nodes on the way down, and returns the new version. The global epoch
// is incremented as well.
func (t *Trie) Invalidate(tag string) uint64 {
	now := clock.NowSecs()
	cur := t.root
	for _, part := range strings.Split(tag, ":") {
		cur = cur.childOrCreate(part)
		cur.lastTouched.Store(now)
	}
	v := cur.version.Add(1)
	t.epoch.Add(1)
	return v
}

// SetMinVersion raises the version of the node named by tag to at least v,
// creating missing path nodes. It is idempotent and monotonic: a lower or
// equal v leaves the counter untouched. The epoch is bumped only when the
// counter actually moves, so replayed bus messages do not churn the
// fast-path. Returns the version after the merge.
func (t *Trie) SetMinVersion(tag string, v uint64) uint64 {
	now := clock.NowSecs()
	cur := t.root
	for _, part := range strings.Split(tag, ":") {
		cur = cur.childOrCreate(part)
		cur.lastTouched.Store(now)
	}
	for {
		old := cur.version.Load()
		if old >= v {
			return old
		}
		if cur.version.CompareAndSwap(old, v) {
			t.epoch.Add(1)
			return v
		}
	}
}

// GetTagVersion returns the version of the node named by tag, or 0 when any
// segment of the path does not exist. Read-only: no nodes are created.
func (t *Trie) GetTagVersion(tag string) uint64 {
	cur := t.root
	for _, part := range strings.Split(tag, ":") {
		if cur = cur.child(part); cur == nil {
			return 0
		}
	}
	return cur.version.Load()
}

// GetPathVersions returns the root version followed by the version of each
// node along parts. Missing suffixes are padded with 0 so the result always
// has length len(parts)+1. Traversed nodes have their last-touched stamp
// refreshed so active paths survive pruning.
func (t *Trie) GetPathVersions(parts []string) []uint64 {
	now := clock.NowSecs()
	versions := make([]uint64, 0, len(parts)+1)
	cur := t.root
	versions = append(versions, cur.version.Load())
	for _, part := range parts {
		if cur = cur.child(part); cur == nil {
			break
		}
		cur.lastTouched.Store(now)
		versions = append(versions, cur.version.Load())
	}
	for len(versions) <= len(parts) {
		versions = append(versions, 0)
	}
	return versions
}

// IsValidPath reports whether no node along parts has a version greater than
// the corresponding snapshot entry. A traversal that ends early on a missing
// child is valid: an absent subtree cannot have been invalidated after the
// snapshot recorded it as 0.
func (t *Trie) IsValidPath(parts []string, snapshot []uint64) bool {
	if len(snapshot) < len(parts)+1 {
		return false
	}
	cur := t.root
	if cur.version.Load() > snapshot[0] {
		return false
	}
	for i, part := range parts {
		if cur = cur.child(part); cur == nil {
			return true
		}
		if cur.version.Load() > snapshot[i+1] {
			return false
		}
	}
	return true
}

// BuildSnapshots captures a DepSnapshot for every tag in dependencies.
func (t *Trie) BuildSnapshots(dependencies []string) map[string]DepSnapshot {
	snapshots := make(map[string]DepSnapshot, len(dependencies))
	for _, tag := range dependencies {
		parts := strings.Split(tag, ":")
		snapshots[tag] = DepSnapshot{
			Parts:        parts,
			PathVersions: t.GetPathVersions(parts),
		}
	}
	return snapshots
}

// ValidateSnapshots reports whether every snapshot still holds.
func (t *Trie) ValidateSnapshots(deps map[string]DepSnapshot) bool {
	for _, snap := range deps {
		if !t.IsValidPath(snap.Parts, snap.PathVersions) {
			return false
		}
	}
	return true
}

// Prune removes every subtree none of whose nodes was touched within the
// last maxAgeSecs seconds. The root is never removed. Returns the number of
// nodes dropped.
func (t *Trie) Prune(maxAgeSecs uint64) int {
	now := clock.NowSecs()
	var cutoff uint64
	if maxAgeSecs < now {
		cutoff = now - maxAgeSecs
	}
	dropped := 0
	pruneNode(t.root, cutoff, &dropped)
	return dropped
}

// pruneNode walks post-order. It reports whether the subtree rooted at n has
// any node touched at or after cutoff, along with the node count remaining
// in the subtree after pruning.
func pruneNode(n *node, cutoff uint64, dropped *int) (live bool, remaining int) {
	n.mu.Lock()
	remaining = 1
	for name, c := range n.children {
		childLive, childRemaining := pruneNode(c, cutoff, dropped)
		if !childLive {
			delete(n.children, name)
			*dropped += childRemaining
			continue
		}
		remaining += childRemaining
	}
	live = len(n.children) > 0 || n.lastTouched.Load() >= cutoff
	n.mu.Unlock()
	return live, remaining
}

// Clear drops all children of the root and resets the root version to 0.
// The epoch keeps counting: it tracks invalidations over the trie lifetime.
func (t *Trie) Clear() {
	t.root.mu.Lock()
	t.root.children = make(map[string]*node)
	t.root.mu.Unlock()
	t.root.version.Store(0)
}
