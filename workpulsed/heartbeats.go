package workpulsed

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/workpulse/workpulse/workpulsed/circuitbreaker"
	"github.com/workpulse/workpulse/workpulsed/httpapi"
	"github.com/workpulse/workpulse/workpulsed/httpmw"
	"github.com/workpulse/workpulse/workpulsed/presence"
	"github.com/workpulse/workpulse/workpulsed/protection"
	"github.com/workpulse/workpulse/workpulsed/ratelimit"
	"github.com/workpulse/workpulse/workpulsed/session"
	"github.com/workpulse/workpulse/workpulsed/store"
	"github.com/workpulse/workpulse/workpulsesdk"
)

// heartbeatTimeout bounds heartbeat processing so a struggling store sheds
// these cheap, frequent requests first.
const heartbeatTimeout = 5 * time.Second

func (api *API) postHeartbeat(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), heartbeatTimeout)
	defer cancel()
	device := httpmw.Device(r)

	var req workpulsesdk.HeartbeatRequest
	if !httpapi.Read(ctx, rw, r, &req) {
		return
	}

	hb := session.Heartbeat{
		Timestamp: req.Timestamp,
		IsIdle:    req.Idle(),
	}
	if req.CurrentApp != nil {
		hb.Activity = presence.Activity{
			AppName:     req.CurrentApp.Name,
			WindowTitle: req.CurrentApp.WindowTitle,
			URL:         req.CurrentApp.URL,
			Domain:      req.CurrentApp.Domain,
			IsIdle:      hb.IsIdle,
		}
	}
	if req.HasAggregates() {
		hb.HasAggregates = true
		hb.ActiveSeconds = *req.ActiveTimeTodaySeconds
		hb.IdleSeconds = *req.IdleTimeTodaySeconds
	}

	// Retries of the same heartbeat carry the same embedded timestamp, so
	// they collapse into one execution.
	requestKey := fmt.Sprintf("hb:%s:%d", device.ID, req.Timestamp.UnixMilli())
	result := api.Protection.Execute(ctx, device.ID.String(), requestKey, func(ctx context.Context) (any, error) {
		return api.Manager.ProcessHeartbeat(ctx, device, hb)
	})

	if xerrors.Is(result.Err, protection.ErrRateLimited) {
		// Quiet accept: the agent should not alarm or retry-storm over a
		// condition that resolves within the window.
		httpapi.Write(ctx, rw, http.StatusAccepted, workpulsesdk.HeartbeatResponse{
			Acknowledged: true,
			RateLimit:    convertRateLimit(result.RateLimit),
		})
		return
	}
	if xerrors.Is(result.Err, circuitbreaker.ErrOpen) {
		api.writeBreakerOpen(ctx, rw)
		return
	}
	if result.Err != nil {
		httpapi.InternalServerError(ctx, rw, result.Err)
		return
	}

	hbResult, ok := result.Value.(session.HeartbeatResult)
	if !ok {
		httpapi.InternalServerError(ctx, rw, xerrors.Errorf("unexpected result type %T", result.Value))
		return
	}
	httpapi.Write(ctx, rw, http.StatusOK, workpulsesdk.HeartbeatResponse{
		Acknowledged: true,
		SessionID:    hbResult.SessionID,
		Stale:        hbResult.Stale,
		RateLimit:    convertRateLimit(result.RateLimit),
	})
}

func (api *API) postEvents(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), heartbeatTimeout)
	defer cancel()
	device := httpmw.Device(r)

	var req workpulsesdk.PostEventsRequest
	if !httpapi.Read(ctx, rw, r, &req) {
		return
	}

	entries := make([]store.ActivityEntry, 0, len(req.Entries))
	for _, entry := range req.Entries {
		converted := store.ActivityEntry{
			StartTime:       entry.StartTime,
			DurationSeconds: entry.DurationSeconds,
			IsIdle:          entry.IsIdle,
			Category:        entry.Category,
			AppName:         entry.AppName,
			WindowTitle:     entry.WindowTitle,
		}
		if entry.EndTime != nil {
			converted.EndTime = *entry.EndTime
		}
		entries = append(entries, converted)
	}

	requestKey := fmt.Sprintf("ev:%s:%d:%d", device.ID, req.Entries[0].StartTime.UnixMilli(), len(req.Entries))
	result := api.Protection.Execute(ctx, device.ID.String(), requestKey, func(ctx context.Context) (any, error) {
		return api.Manager.AppendEvents(ctx, device, entries)
	})

	if xerrors.Is(result.Err, protection.ErrRateLimited) {
		httpapi.Write(ctx, rw, http.StatusAccepted, workpulsesdk.PostEventsResponse{
			RateLimit: convertRateLimit(result.RateLimit),
		})
		return
	}
	if xerrors.Is(result.Err, circuitbreaker.ErrOpen) {
		api.writeBreakerOpen(ctx, rw)
		return
	}
	if result.Err != nil {
		httpapi.InternalServerError(ctx, rw, result.Err)
		return
	}

	sessionID, ok := result.Value.(uuid.UUID)
	if !ok {
		httpapi.InternalServerError(ctx, rw, xerrors.Errorf("unexpected result type %T", result.Value))
		return
	}
	httpapi.Write(ctx, rw, http.StatusOK, workpulsesdk.PostEventsResponse{
		Accepted:  len(entries),
		SessionID: sessionID,
		RateLimit: convertRateLimit(result.RateLimit),
	})
}

func (api *API) postClockOut(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	device := httpmw.Device(r)

	var req workpulsesdk.ClockOutRequest
	if !httpapi.Read(ctx, rw, r, &req) {
		return
	}

	closed, err := api.Manager.ClockOut(ctx, device, req.Timestamp)
	if xerrors.Is(err, session.ErrNoOpenSession) {
		httpapi.Write(ctx, rw, http.StatusNotFound, workpulsesdk.Response{
			Message: "No open session for this device.",
		})
		return
	}
	if err != nil {
		httpapi.InternalServerError(ctx, rw, err)
		return
	}
	httpapi.Write(ctx, rw, http.StatusOK, workpulsesdk.ClockOutResponse{
		SessionID: closed.ID,
		ClosedAt:  closed.ClosedAt,
	})
}

// writeBreakerOpen answers 503 with a Retry-After derived from the
// breaker's remaining cooldown, rounded up so clients never probe early.
func (api *API) writeBreakerOpen(ctx context.Context, rw http.ResponseWriter) {
	retryAfter := api.Protection.BreakerRetryAfter()
	seconds := int((retryAfter + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	rw.Header().Set("Retry-After", strconv.Itoa(seconds))
	httpapi.Write(ctx, rw, http.StatusServiceUnavailable, workpulsesdk.Response{
		Message: "Server is shedding load. Retry later.",
	})
}

func convertRateLimit(result ratelimit.Result) workpulsesdk.RateLimit {
	return workpulsesdk.RateLimit{
		Limit:     result.Limit,
		Remaining: result.Remaining,
		ResetAt:   result.ResetAt,
	}
}
