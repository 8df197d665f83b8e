// Package idgen generates the two kinds of identifiers taskforge hands
// out: opaque time-sortable task ids, and UUIDv4 correlation ids
// propagated through every dispatch. Grounded on the teacher's
// internal/utils/id package (context-scoped id generation with pluggable
// strategies) and on github.com/google/uuid for the correlation id format
// spec.md §8 scenario 1 checks against a UUIDv4 regex.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// UUIDv4Regex matches the correlation id format spec.md §8 requires.
var UUIDv4Regex = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// Clock is the time source, overridable in tests.
type Clock func() time.Time

var now Clock = time.Now

// SetClock overrides the clock used by NewTaskID. Tests should restore the
// default with SetClock(nil) when done.
func SetClock(c Clock) {
	if c == nil {
		now = time.Now
		return
	}
	now = c
}

// NewTaskID returns an opaque, time-sortable task id of the form
// YYYYMMDD-HHMMSS-<6 hex chars>, e.g. "20260315-142305-a1b2c3". Sorting
// task ids lexically sorts them by creation time to the second.
func NewTaskID() string {
	ts := now().UTC().Format("20060102-150405")
	return fmt.Sprintf("%s-%s", ts, randomHex(3))
}

// NewCorrelationID returns a fresh UUIDv4 correlation id.
func NewCorrelationID() string {
	return uuid.NewString()
}

// NewSessionID returns an opaque executor session id of the form
// "<prefix>-<16 hex digits>", for executor adapters that need a local
// handle.
func NewSessionID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, randomHex(8))
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is effectively unrecoverable; fall back to a
		// time-derived suffix rather than panicking.
		return fmt.Sprintf("%x", now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
