package workpulsed

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"cdr.dev/slog"

	"github.com/workpulse/workpulse/workpulsed/broadcast"
	"github.com/workpulse/workpulse/workpulsed/httpapi"
	"github.com/workpulse/workpulse/workpulsed/session"
	"github.com/workpulse/workpulse/workpulsesdk"
)

func (api *API) liveSnapshot(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := api.tenantID(r)

	key := session.SnapshotCacheKey(tenantID)
	if cached, ok := api.Cache.Get(key); ok {
		if snapshot, ok := cached.(workpulsesdk.LiveSnapshot); ok {
			httpapi.Write(ctx, rw, http.StatusOK, snapshot)
			return
		}
	}

	snapshot, err := api.Manager.Snapshot(ctx, tenantID)
	if err != nil {
		httpapi.InternalServerError(ctx, rw, err)
		return
	}
	api.Cache.Set(key, snapshot)
	httpapi.Write(ctx, rw, http.StatusOK, snapshot)
}

func (api *API) watchLiveSSE(rw http.ResponseWriter, r *http.Request) {
	api.watchLive(rw, r, httpapi.ServerSentEventSender)
}

func (api *API) watchLiveWS(rw http.ResponseWriter, r *http.Request) {
	api.watchLive(rw, r, httpapi.OneWayWebSocketEventSender)
}

func (api *API) watchLive(rw http.ResponseWriter, r *http.Request, connect httpapi.EventSender) {
	ctx := r.Context()
	tenantID := api.tenantID(r)

	// No team scope subscribes tenant-wide: every team's transitions.
	key := broadcast.TenantKey(tenantID)
	if teamParam := r.URL.Query().Get("team"); teamParam != "" {
		teamID, err := uuid.Parse(teamParam)
		if err != nil {
			httpapi.Write(ctx, rw, http.StatusBadRequest, workpulsesdk.Response{
				Message: "Invalid team ID.",
				Detail:  err.Error(),
			})
			return
		}
		key = broadcast.TeamKey(tenantID, teamID)
	}

	send, senderClosed, err := connect(rw, r)
	if err != nil {
		httpapi.Write(ctx, rw, http.StatusInternalServerError, workpulsesdk.Response{
			Message: "Internal error setting up the event stream.",
			Detail:  err.Error(),
		})
		return
	}
	// Prevent the handler from returning until the sender is closed.
	defer func() {
		<-senderClosed
	}()

	cancel := api.Broadcaster.Subscribe(key, func(_ context.Context, payload []byte) error {
		var event workpulsesdk.PushEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			// A malformed payload is a producer bug; surface it on the
			// stream without killing the subscription.
			api.Logger.Error(ctx, "unmarshal broadcast payload", slog.Error(err))
			return send(workpulsesdk.PushEvent{
				Type:    workpulsesdk.PushEventTypeError,
				Message: "malformed update",
			})
		}
		return send(event)
	})
	defer cancel()

	select {
	case <-ctx.Done():
	case <-senderClosed:
	}
}
