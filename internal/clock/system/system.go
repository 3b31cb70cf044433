// Package system provides the wall clock used by the pipeline.
package system

import (
	"time"

	"github.com/JakeFAU/app-usage-collector/internal/collector"
)

var _ collector.Clock = Clock{}

// Clock returns UTC time truncated to microseconds, the precision Postgres stores,
// so timestamps read back from the store compare equal to the ones written.
type Clock struct{}

// New creates a new Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Fixed is a Clock that always reports the same instant. Useful for dry runs.
type Fixed time.Time

// Now returns the fixed instant.
func (f Fixed) Now() time.Time {
	return time.Time(f).UTC()
}
