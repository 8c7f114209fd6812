package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the injectable time source used throughout the engine.
// Production code uses the real clock; tests inject clockwork.NewFakeClock.
type Clock = clockwork.Clock

// New returns the wall clock
func New() Clock {
	return clockwork.NewRealClock()
}

// NowUTC reads the clock in UTC. All persisted timestamps go through this.
func NowUTC(c Clock) time.Time {
	return c.Now().UTC()
}
