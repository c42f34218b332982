// Package system provides the wall clock used by the check driver.
package system

import "time"

// Clock implements monitor.Clock. Times are UTC with millisecond precision so
// they survive a snapshot round trip unchanged.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
