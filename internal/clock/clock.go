// Package clock abstracts time so that restart backoff, retry delays and
// periodic flushes can be driven deterministically in tests.
//
// Production code takes a Clock and is given Real(); tests inject a
// *Fake and move time forward with Advance.
package clock

import "time"

// Clock is the subset of the time package used by creatorhub.
type Clock interface {
	Now() time.Time

	// After returns a channel that receives the current time once d
	// has elapsed. If d <= 0 the channel is ready immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f in its own goroutine (Real) or synchronously
	// during Advance (Fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer

	// NewTicker panics if d <= 0, like time.NewTicker.
	NewTicker(d time.Duration) Ticker
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop reports whether the call was prevented from running.
	Stop() bool
}

// Ticker delivers ticks at a fixed interval. The channel has capacity
// one; slow consumers miss ticks instead of queueing them.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}
