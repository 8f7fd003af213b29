package workpulsesdk

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/coder/retry"
)

// PresenceStatus mirrors the server-side presence state.
type PresenceStatus string

const (
	PresenceStatusOnline PresenceStatus = "online"
	PresenceStatusIdle   PresenceStatus = "idle"
)

// LiveEmployee is one row of the live dashboard view.
type LiveEmployee struct {
	EmployeeID    uuid.UUID      `json:"employee_id"`
	Name          string         `json:"name"`
	TeamID        uuid.UUID      `json:"team_id"`
	DeviceID      uuid.UUID      `json:"device_id"`
	Status        PresenceStatus `json:"status"`
	AppName       string         `json:"app_name,omitempty"`
	WindowTitle   string         `json:"window_title,omitempty"`
	ActiveSeconds int64          `json:"active_seconds"`
	IdleSeconds   int64          `json:"idle_seconds"`
	LastSeen      time.Time      `json:"last_seen"`
}

// LiveSnapshot is the computed "who is online and what are they doing"
// view. Served from a short-TTL cache; GeneratedAt says which recomputation
// produced it.
type LiveSnapshot struct {
	GeneratedAt        time.Time      `json:"generated_at"`
	Employees          []LiveEmployee `json:"employees"`
	TotalActiveSeconds int64          `json:"total_active_seconds"`
	TotalIdleSeconds   int64          `json:"total_idle_seconds"`
}

// PushEventType discriminates messages on a push stream.
type PushEventType string

const (
	PushEventTypeConnected PushEventType = "connected"
	PushEventTypeKeepalive PushEventType = "keepalive"
	PushEventTypeUpdate    PushEventType = "update"
	PushEventTypeError     PushEventType = "error"
)

// PushEvent is one JSON line on a push stream.
type PushEvent struct {
	Type      PushEventType  `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message,omitempty"`
	Update    *PresenceEvent `json:"update,omitempty"`
}

// PresenceEvent is the payload of an update push: one employee's presence
// transition.
type PresenceEvent struct {
	EmployeeID uuid.UUID      `json:"employee_id"`
	DeviceID   uuid.UUID      `json:"device_id"`
	TeamID     uuid.UUID      `json:"team_id"`
	Status     PresenceStatus `json:"status"`
	Online     bool           `json:"online"`
	Reason     string         `json:"reason"`
	AppName    string         `json:"app_name,omitempty"`
}

// LiveSnapshot fetches the current live view for the session's tenant.
func (c *Client) LiveSnapshot(ctx context.Context) (LiveSnapshot, error) {
	resp, err := c.Request(ctx, http.MethodGet, "/api/v2/live", nil)
	if err != nil {
		return LiveSnapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return LiveSnapshot{}, ReadBodyAsError(resp)
	}
	var snapshot LiveSnapshot
	return snapshot, decodeBody(resp, &snapshot)
}

// WatchLive subscribes to the live push stream, optionally scoped to one
// team. Events are delivered on the returned channel until ctx is canceled;
// the stream reconnects with backoff on transient failures. Exactly one
// error is sent on the error channel when the watch ends for good.
func (c *Client) WatchLive(ctx context.Context, teamID uuid.UUID) (<-chan PushEvent, <-chan error) {
	events := make(chan PushEvent, 64)
	errs := make(chan error, 1)

	path := "/api/v2/live/watch"
	if teamID != uuid.Nil {
		path = fmt.Sprintf("%s?team=%s", path, teamID)
	}

	go func() {
		defer close(errs)
		r := retry.New(250*time.Millisecond, 10*time.Second)
		for {
			err := c.watchOnce(ctx, path, events)
			if ctx.Err() != nil {
				errs <- ctx.Err()
				return
			}
			if err != nil {
				var apiErr *Error
				// Only transport-level failures are retried; the server
				// refusing the subscription is final.
				if xerrors.As(err, &apiErr) {
					errs <- err
					return
				}
			}
			if !r.Wait(ctx) {
				errs <- ctx.Err()
				return
			}
		}
	}()

	return events, errs
}

func (c *Client) watchOnce(ctx context.Context, path string, events chan<- PushEvent) error {
	resp, err := c.Request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ReadBodyAsError(resp)
	}

	nextEvent := ServerSentEventReader(ctx, resp.Body)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		event, err := nextEvent()
		if err != nil {
			return err
		}
		select {
		case events <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ServerSentEventReader parses PushEvents off an SSE stream. Each call to
// the returned function blocks until the next event or a read error.
func ServerSentEventReader(_ context.Context, r io.Reader) func() (PushEvent, error) {
	scanner := bufio.NewScanner(r)
	return func() (PushEvent, error) {
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				// Field lines other than data (event names, comments used as
				// keepalive padding) carry nothing we surface.
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}
			var event PushEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				return PushEvent{}, xerrors.Errorf("unmarshal push event: %w", err)
			}
			return event, nil
		}
		if err := scanner.Err(); err != nil {
			return PushEvent{}, err
		}
		return PushEvent{}, io.EOF
	}
}
