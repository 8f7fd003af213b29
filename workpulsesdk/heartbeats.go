package workpulsesdk

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// AgentStatus is the status string agents self-report in heartbeats.
type AgentStatus string

const (
	AgentStatusActive AgentStatus = "active"
	AgentStatusIdle   AgentStatus = "idle"
	AgentStatusAway   AgentStatus = "away"
)

// IdleThresholdSeconds is the fallback idle inference: when the agent sends
// no explicit idle flag, it is considered idle after this much reported
// inactivity.
const IdleThresholdSeconds = 120

// CurrentApp is the agent's report of the foreground application.
type CurrentApp struct {
	Name        string `json:"name,omitempty"`
	AppID       string `json:"app_id,omitempty"`
	WindowTitle string `json:"window_title,omitempty"`
	URL         string `json:"url,omitempty"`
	Domain      string `json:"domain,omitempty"`
}

// HeartbeatRequest is the periodic liveness report from a desktop agent.
// The cumulative today-counters are agent-self-reported and trusted
// last-write-wins while the session is open.
type HeartbeatRequest struct {
	Timestamp time.Time   `json:"timestamp" validate:"required"`
	Status    AgentStatus `json:"status" validate:"required,oneof=active idle away"`

	// IsIdle is the explicit idle flag. Older agents omit it; see Idle for
	// the fallback chain.
	IsIdle          *bool  `json:"is_idle,omitempty"`
	IdleTimeSeconds *int64 `json:"idle_time_seconds,omitempty"`

	CurrentApp *CurrentApp `json:"current_app,omitempty"`

	ActiveTimeTodaySeconds *int64 `json:"active_time_today_seconds,omitempty"`
	IdleTimeTodaySeconds   *int64 `json:"idle_time_today_seconds,omitempty"`
}

// Idle resolves the three redundant idle signals. The precedence is
// first-non-nil-wins: the explicit flag, then the idle-seconds threshold,
// then the status string. The three can disagree for real agent payloads;
// downstream data depends on this exact order, so it must not be "fixed".
func (r HeartbeatRequest) Idle() bool {
	if r.IsIdle != nil {
		return *r.IsIdle
	}
	if r.IdleTimeSeconds != nil {
		return *r.IdleTimeSeconds >= IdleThresholdSeconds
	}
	return r.Status == AgentStatusIdle
}

// HasAggregates reports whether the heartbeat carries cumulative counters.
func (r HeartbeatRequest) HasAggregates() bool {
	return r.ActiveTimeTodaySeconds != nil && r.IdleTimeTodaySeconds != nil
}

// RateLimit is the admission snapshot returned with every ingestion
// response so agents can back off intelligently.
type RateLimit struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// HeartbeatResponse acknowledges a heartbeat. Acknowledged is true even for
// rate-limited heartbeats; a quiet accept avoids agent-side retry storms
// for a condition that resolves within the window.
type HeartbeatResponse struct {
	Acknowledged bool      `json:"acknowledged"`
	SessionID    uuid.UUID `json:"session_id,omitempty"`
	Stale        bool      `json:"stale,omitempty"`
	RateLimit    RateLimit `json:"rate_limit"`
}

// PostHeartbeat reports agent liveness.
func (c *Client) PostHeartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResponse, error) {
	resp, err := c.Request(ctx, http.MethodPost, "/api/v2/agents/heartbeat", req)
	if err != nil {
		return HeartbeatResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return HeartbeatResponse{}, ReadBodyAsError(resp)
	}
	var hbResp HeartbeatResponse
	return hbResp, decodeBody(resp, &hbResp)
}

// ActivityEntryRequest is one row of the append-only activity ledger,
// produced by the agent-side categorization pipeline.
type ActivityEntryRequest struct {
	StartTime       time.Time  `json:"start_time" validate:"required"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationSeconds int64      `json:"duration_seconds,omitempty"`
	IsIdle          bool       `json:"is_idle"`
	Category        string     `json:"category,omitempty"`
	AppName         string     `json:"app_name,omitempty"`
	WindowTitle     string     `json:"window_title,omitempty"`
}

// PostEventsRequest batches activity entries.
type PostEventsRequest struct {
	Entries []ActivityEntryRequest `json:"entries" validate:"required,min=1,dive"`
}

// PostEventsResponse reports how many entries were appended.
type PostEventsResponse struct {
	Accepted  int       `json:"accepted"`
	SessionID uuid.UUID `json:"session_id,omitempty"`
	RateLimit RateLimit `json:"rate_limit"`
}

// PostEvents appends activity entries to the ledger.
func (c *Client) PostEvents(ctx context.Context, req PostEventsRequest) (PostEventsResponse, error) {
	resp, err := c.Request(ctx, http.MethodPost, "/api/v2/agents/events", req)
	if err != nil {
		return PostEventsResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return PostEventsResponse{}, ReadBodyAsError(resp)
	}
	var evResp PostEventsResponse
	return evResp, decodeBody(resp, &evResp)
}

// ClockOutRequest is the agent's explicit end-of-session signal.
type ClockOutRequest struct {
	Timestamp time.Time `json:"timestamp" validate:"required"`
}

// ClockOutResponse confirms the close.
type ClockOutResponse struct {
	SessionID uuid.UUID `json:"session_id"`
	ClosedAt  time.Time `json:"closed_at"`
}

// ClockOut cleanly closes the device's open session.
func (c *Client) ClockOut(ctx context.Context, req ClockOutRequest) (ClockOutResponse, error) {
	resp, err := c.Request(ctx, http.MethodPost, "/api/v2/agents/clockout", req)
	if err != nil {
		return ClockOutResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ClockOutResponse{}, ReadBodyAsError(resp)
	}
	var coResp ClockOutResponse
	return coResp, decodeBody(resp, &coResp)
}
