package testutil

import "go.uber.org/goleak"

// GoleakOptions ignores goroutines owned by shared infrastructure that
// outlive individual tests, like the HTTP client's idle connection pool.
var GoleakOptions = []goleak.Option{
	goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
	goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
}
