package testutil

import (
	"context"
	"testing"
	"time"
)

// Timeouts for test conditions. Use the smallest one that makes the
// condition reliable under -race on a loaded CI runner.
const (
	WaitShort  = 10 * time.Second
	WaitMedium = 15 * time.Second
	WaitLong   = 25 * time.Second
)

// Intervals for polling in Eventually-style loops.
const (
	IntervalFast   = 25 * time.Millisecond
	IntervalMedium = 250 * time.Millisecond
	IntervalSlow   = time.Second
)

// Context returns a context canceled when the test ends or the timeout
// elapses, whichever comes first.
func Context(t testing.TB, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}
