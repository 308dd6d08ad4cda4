// Package clock re-exports clockwork so every component that needs a
// fakeable notion of "now" (key rotation, sessions, heartbeats) depends on
// one name instead of importing clockwork directly.
package clock

import "github.com/jonboulle/clockwork"

// Clock is the interface every time-sensitive component takes instead of
// calling time.Now directly.
type Clock = clockwork.Clock

// New returns a clock backed by the real wall clock.
func New() Clock {
	return clockwork.NewRealClock()
}

// NewFake returns a clock fixed at an arbitrary instant, advanced explicitly
// by tests via its Advance/Set methods.
func NewFake() clockwork.FakeClock {
	return clockwork.NewFakeClock()
}
