package workpulsesdk

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// SweepSecretHeader authenticates sweep triggers. The secret is shared with
// the operator's scheduler, not with agents or dashboards.
const SweepSecretHeader = "WorkPulse-Sweep-Secret"

// SweepCandidate is one orphaned session the sweep would close.
type SweepCandidate struct {
	SessionID  uuid.UUID `json:"session_id"`
	EmployeeID uuid.UUID `json:"employee_id"`
	DeviceID   uuid.UUID `json:"device_id"`
	LastSeen   time.Time `json:"last_seen"`
	SilentFor  int64     `json:"silent_for_seconds"`
	Forced     bool      `json:"forced"`
}

// SweepSummary reports one sweep run. Errors are per-session; a non-empty
// list does not mean the sweep failed as a whole.
type SweepSummary struct {
	DryRun     bool             `json:"dry_run"`
	Closed     int              `json:"closed"`
	Candidates []SweepCandidate `json:"candidates,omitempty"`
	Errors     []string         `json:"errors,omitempty"`
	ElapsedMS  int64            `json:"elapsed_ms"`
}

// TriggerSweep force-closes every orphaned session now.
func (c *Client) TriggerSweep(ctx context.Context, secret string) (SweepSummary, error) {
	return c.sweepWithSecret(ctx, http.MethodPost, "/api/v2/sweep", secret)
}

// DryRunSweep reports the sessions a sweep would close without closing
// them.
func (c *Client) DryRunSweep(ctx context.Context, secret string) (SweepSummary, error) {
	return c.sweepWithSecret(ctx, http.MethodGet, "/api/v2/sweep/dry-run", secret)
}

func (c *Client) sweepWithSecret(ctx context.Context, method, path, secret string) (SweepSummary, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.URL.String()+path, nil)
	if err != nil {
		return SweepSummary{}, err
	}
	req.Header.Set(SweepSecretHeader, secret)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return SweepSummary{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return SweepSummary{}, ReadBodyAsError(resp)
	}
	var summary SweepSummary
	return summary, decodeBody(resp, &summary)
}
