package testutil

import (
	"testing"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/slogtest"
)

// Logger returns a debug-level test logger. Logged errors do not fail
// the test; context cancellation is expected noise during teardown and
// assertions belong in the test body, not the log stream.
func Logger(t testing.TB) slog.Logger {
	return slogtest.Make(
		t, &slogtest.Options{IgnoreErrors: true},
	).Leveled(slog.LevelDebug)
}
