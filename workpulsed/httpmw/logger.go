package httpmw

import (
	"bufio"
	"net"
	"net/http"
	"time"

	"golang.org/x/xerrors"

	"cdr.dev/slog"
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Flush keeps streaming handlers working behind the wrapper.
func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets handlers take over the connection, which websocket
// upgrades require.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, xerrors.Errorf("%T is not a http.Hijacker", w.ResponseWriter)
	}
	w.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Logger logs one line per request with method, path, status and latency.
func Logger(log slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: rw}

			next.ServeHTTP(sw, r)

			// Health checks would drown everything else out.
			if r.URL.Path == "/healthz" && sw.status == http.StatusOK {
				return
			}
			logFn := log.Debug
			if sw.status >= http.StatusInternalServerError {
				logFn = log.Warn
			}
			logFn(r.Context(), "http request",
				slog.F("method", r.Method),
				slog.F("path", r.URL.Path),
				slog.F("status_code", sw.status),
				slog.F("took", time.Since(start)),
			)
		})
	}
}
