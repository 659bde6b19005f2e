// Package clock provides the wall-clock timestamps and sortable
// identifiers used throughout voxcore's event and session model.
package clock

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// NowMS returns the current wall-clock time in Unix milliseconds, the unit
// every Envelope timestamp is expressed in.
func NowMS() int64 {
	return time.Now().UnixMilli()
}

// NowUS returns the current wall-clock time in Unix microseconds, the unit
// trace.Recorder spans are expressed in.
func NowUS() int64 {
	return time.Now().UnixMicro()
}

// entropy is a monotonic ULID entropy source shared across the process so
// that ids minted within the same millisecond still sort by creation
// order, per §4.A. ulid.Monotonic is not safe for concurrent use on its
// own, so access is serialized with a mutex.
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a 26-character lexicographically sortable identifier,
// used for both session_id and event_id. Ids minted within the same
// millisecond still sort by creation order.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
