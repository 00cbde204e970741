package domain

import (
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

type clockHolder struct{ clockwork.Clock }

// wallClock stamps published records and cache prune cutoffs. It is swapped
// atomically because the refresh loop and HTTP handlers read it concurrently.
var wallClock atomic.Pointer[clockHolder]

func init() {
	SetClock(nil)
}

// SetClock replaces the clock behind Now. nil restores the real clock.
func SetClock(c clockwork.Clock) {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	wallClock.Store(&clockHolder{c})
}

// Now reports the current time, in UTC.
func Now() time.Time {
	return wallClock.Load().Now().UTC()
}
