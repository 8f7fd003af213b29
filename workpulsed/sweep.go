package workpulsed

import (
	"net/http"

	"github.com/workpulse/workpulse/workpulsed/httpapi"
	"github.com/workpulse/workpulse/workpulsed/session"
	"github.com/workpulse/workpulse/workpulsesdk"
)

func (api *API) postSweep(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats := api.Sweeper.SweepOnce(ctx, api.Clock.Now(), false)
	httpapi.Write(ctx, rw, http.StatusOK, convertSweepStats(stats, false))
}

func (api *API) getSweepDryRun(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats := api.Sweeper.SweepOnce(ctx, api.Clock.Now(), true)
	httpapi.Write(ctx, rw, http.StatusOK, convertSweepStats(stats, true))
}

func convertSweepStats(stats session.Stats, dryRun bool) workpulsesdk.SweepSummary {
	summary := workpulsesdk.SweepSummary{
		DryRun:     dryRun,
		Closed:     len(stats.Closed),
		Candidates: stats.Candidates,
		ElapsedMS:  stats.Elapsed.Milliseconds(),
	}
	for _, err := range stats.Errors {
		summary.Errors = append(summary.Errors, err.Error())
	}
	return summary
}
