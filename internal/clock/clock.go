// Package clock provides the wall-clock readers used for TTL deadlines and
// LRU access stamps. All timestamps in the cache are unsigned Unix time so
// they can be stored verbatim in little-endian table rows and Redis scores.
package clock

import "time"

// NowSecs returns the current Unix time in seconds.
func NowSecs() uint64 {
	return uint64(time.Now().Unix())
}

// NowNanos returns the current Unix time in nanoseconds.
func NowNanos() uint64 {
	return uint64(time.Now().UnixNano())
}
