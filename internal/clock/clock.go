// Package clock abstracts time so goroutines that sleep or tick can be
// exercised deterministically in tests.
package clock

import "time"

// Clock abstracts the functionality needed for measuring and waiting on
// time.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Sleep pauses the current goroutine for at least the duration d. A
	// negative or zero duration causes Sleep to return immediately.
	Sleep(d time.Duration)
	// NewTicker returns a ticker that fires every d.
	NewTicker(d time.Duration) *time.Ticker
}

type clock struct{}

// New creates a new instance of Clock backed by the standard library.
func New() Clock {
	return clock{}
}

func (clock) Now() time.Time                          { return time.Now() }
func (clock) Sleep(d time.Duration)                    { time.Sleep(d) }
func (clock) NewTicker(d time.Duration) *time.Ticker   { return time.NewTicker(d) }
