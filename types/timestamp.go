package types

import (
	"fmt"
	"time"
)

// Timestamp is a number of milliseconds since the Unix epoch. Consensus
// timers and block contexts are expressed in Timestamps rather than
// time.Time so that values serialize compactly and compare cheaply.
type Timestamp uint64

// Now returns the current wall clock time as a Timestamp.
func Now() Timestamp {
	return Timestamp(time.Now().UnixMilli())
}

// FromTime converts a time.Time into a Timestamp.
func FromTime(t time.Time) Timestamp { return Timestamp(t.UnixMilli()) }

// Time converts the timestamp back into a time.Time.
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t))
}

// Add returns the timestamp shifted forward by d. Negative durations are
// clamped at zero.
func (t Timestamp) Add(d time.Duration) Timestamp {
	ms := d.Milliseconds()
	if ms < 0 && Timestamp(-ms) > t {
		return 0
	}
	return Timestamp(int64(t) + ms)
}

// Sub returns the duration between t and earlier.
func (t Timestamp) Sub(earlier Timestamp) time.Duration {
	return time.Duration(int64(t)-int64(earlier)) * time.Millisecond
}

// String implements the stringer interface.
func (t Timestamp) String() string {
	return fmt.Sprintf("%d", uint64(t))
}
