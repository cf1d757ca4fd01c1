package zoocache

import (
	"errors"

	"github.com/albertobadia/zoocache-go/pkg/flight"
	"github.com/albertobadia/zoocache-go/storage"
)

// Sentinel errors surfaced by the cache core.
//
// Callers should use errors.Is to check error types. Backend failures that
// fit none of these kinds propagate wrapped with operation context.
var (
	// ErrInvalidTag reports a dependency tag that violates the syntax,
	// length or depth rules. Rejects Set and Invalidate.
	ErrInvalidTag = errors.New("invalid tag")

	// ErrFlightLeaderFailed reports that the single-flight leader for a
	// key errored or that the wait timed out. Raised to followers.
	ErrFlightLeaderFailed = flight.ErrLeaderFailed

	// ErrStorageFull reports an exhausted embedded-store memory map.
	//
	// Recovery: reopen with a larger LMDBMapSize.
	ErrStorageFull = storage.ErrStorageFull

	// ErrConnection reports that a remote store or bus connection could
	// not be obtained.
	ErrConnection = storage.ErrConnection

	// ErrCorrupted reports a stored entry that failed magic or decode
	// checks. Reads treat such entries as missing and evict them; the
	// error only surfaces from direct codec use.
	ErrCorrupted = storage.ErrCorrupted

	// ErrIO reports a file system failure while opening the embedded
	// store's environment. Raised at construction.
	ErrIO = errors.New("io")
)
