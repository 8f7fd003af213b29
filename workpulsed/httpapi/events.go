package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/xerrors"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/workpulse/workpulse/workpulsesdk"
)

// KeepaliveInterval is how often push connections emit a keepalive so
// intermediaries do not reap them as idle.
const KeepaliveInterval = 30 * time.Second

// sendBufferSize bounds the per-connection outbound queue. A consumer that
// falls this far behind is considered dead and pruned.
const sendBufferSize = 64

// ErrSenderClosed is returned by send functions after the connection ended.
var ErrSenderClosed = xerrors.New("push connection closed")

// ErrSenderFull is returned when the consumer cannot keep up; callers
// should treat it as a dead sink.
var ErrSenderFull = xerrors.New("push connection buffer full")

// EventSender upgrades an HTTP request into a push stream. The returned
// send enqueues one event; closed is closed when the connection ends. send
// never blocks on the client.
type EventSender func(rw http.ResponseWriter, r *http.Request) (send func(event workpulsesdk.PushEvent) error, closed <-chan struct{}, err error)

// ServerSentEventSender is the SSE implementation of EventSender. On open
// it immediately emits a connected event, then keepalives every
// KeepaliveInterval. The keepalive timer is owned by the connection's
// writer goroutine and dies with it.
func ServerSentEventSender(rw http.ResponseWriter, r *http.Request) (func(event workpulsesdk.PushEvent) error, <-chan struct{}, error) {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		return nil, nil, xerrors.New("response writer does not support flushing")
	}
	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")
	rw.Header().Set("X-Accel-Buffering", "no")
	rw.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	events := make(chan workpulsesdk.PushEvent, sendBufferSize)
	closed := make(chan struct{})

	go func() {
		defer close(closed)
		keepalive := time.NewTicker(KeepaliveInterval)
		defer keepalive.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-keepalive.C:
				if !writeServerSentEvent(rw, flusher, workpulsesdk.PushEvent{
					Type:      workpulsesdk.PushEventTypeKeepalive,
					Timestamp: time.Now(),
				}) {
					return
				}
			case event := <-events:
				if !writeServerSentEvent(rw, flusher, event) {
					return
				}
				keepalive.Reset(KeepaliveInterval)
			}
		}
	}()

	send := func(event workpulsesdk.PushEvent) error {
		select {
		case <-closed:
			return ErrSenderClosed
		case events <- event:
			return nil
		default:
			return ErrSenderFull
		}
	}

	err := send(workpulsesdk.PushEvent{
		Type:      workpulsesdk.PushEventTypeConnected,
		Timestamp: time.Now(),
	})
	if err != nil {
		return nil, nil, err
	}
	return send, closed, nil
}

func writeServerSentEvent(rw http.ResponseWriter, flusher http.Flusher, event workpulsesdk.PushEvent) bool {
	data, err := json.Marshal(event)
	if err != nil {
		return false
	}
	if _, err := rw.Write([]byte("data: ")); err != nil {
		return false
	}
	if _, err := rw.Write(data); err != nil {
		return false
	}
	if _, err := rw.Write([]byte("\n\n")); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

// OneWayWebSocketEventSender is the WebSocket implementation of
// EventSender, for clients behind proxies that buffer SSE.
func OneWayWebSocketEventSender(rw http.ResponseWriter, r *http.Request) (func(event workpulsesdk.PushEvent) error, <-chan struct{}, error) {
	conn, err := websocket.Accept(rw, r, nil)
	if err != nil {
		return nil, nil, xerrors.Errorf("accept websocket: %w", err)
	}

	ctx, cancel := context.WithCancel(r.Context())
	events := make(chan workpulsesdk.PushEvent, sendBufferSize)
	closed := make(chan struct{})

	go func() {
		defer close(closed)
		defer cancel()
		defer conn.Close(websocket.StatusNormalClosure, "")
		keepalive := time.NewTicker(KeepaliveInterval)
		defer keepalive.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-keepalive.C:
				if err := conn.Ping(ctx); err != nil {
					return
				}
			case event := <-events:
				if err := wsjson.Write(ctx, conn, event); err != nil {
					return
				}
			}
		}
	}()

	// Closing is also detected by reading: a one-way socket never receives
	// data, so the first read returning is the client going away.
	go func() {
		defer cancel()
		_, _, _ = conn.Read(ctx)
	}()

	send := func(event workpulsesdk.PushEvent) error {
		select {
		case <-closed:
			return ErrSenderClosed
		case events <- event:
			return nil
		default:
			return ErrSenderFull
		}
	}

	err = send(workpulsesdk.PushEvent{
		Type:      workpulsesdk.PushEventTypeConnected,
		Timestamp: time.Now(),
	})
	if err != nil {
		return nil, nil, err
	}
	return send, closed, nil
}
