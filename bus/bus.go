// Package bus broadcasts tag version bumps to peer processes. Peers merge
// received versions into their local tries with a monotonic max, so the bus
// only has to be best-effort: a lost message is repaired by the next one
// that arrives for the same tag.
package bus

import (
	"context"
	"strconv"
	"strings"
)

// Handler receives a decoded invalidation event.
type Handler func(tag string, version uint64)

// Bus is the invalidation broadcast contract. Publish is fire-and-forget;
// delivery failures are swallowed.
type Bus interface {
	// Publish announces that tag reached version.
	Publish(ctx context.Context, tag string, version uint64)

	// PushHeartbeat stores a liveness marker for this node with a TTL.
	PushHeartbeat(ctx context.Context, nodeID, payload string, ttlSecs uint64) error

	// FlushMetrics accumulates counters on the bus's transport, when it
	// has one.
	FlushMetrics(ctx context.Context, metrics map[string]float64) error

	// Close stops any background listener and releases connections.
	Close() error
}

// Local is the in-process bus: producer and consumer already share one trie,
// so publishing is a no-op.
type Local struct{}

var _ Bus = Local{}

// NewLocal returns the no-op bus.
func NewLocal() Local { return Local{} }

func (Local) Publish(context.Context, string, uint64) {}

func (Local) PushHeartbeat(context.Context, string, string, uint64) error { return nil }

func (Local) FlushMetrics(context.Context, map[string]float64) error { return nil }

func (Local) Close() error { return nil }

// parsePayload decodes "TAG|VERSION". The split is on the last '|' so a tag
// that somehow contains one does not shift the version field. Malformed
// payloads report ok=false and are dropped by the listener.
func parsePayload(payload string) (tag string, version uint64, ok bool) {
	idx := strings.LastIndexByte(payload, '|')
	if idx <= 0 || idx == len(payload)-1 {
		return "", 0, false
	}
	version, err := strconv.ParseUint(payload[idx+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return payload[:idx], version, true
}
