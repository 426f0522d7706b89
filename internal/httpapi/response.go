package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/freeeve/cploss/internal/scheduler"
)

// ProgressResponse is the /v1/progress body.
type ProgressResponse struct {
	scheduler.Snapshot
	Totals ProgressTotals `json:"totals"`
}

// ProgressTotals sums the board across players.
type ProgressTotals struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Finished  int `json:"finished"`
	Evaluated int `json:"evaluated"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// ToProgressResponse adds totals to a board snapshot.
func ToProgressResponse(s scheduler.Snapshot) *ProgressResponse {
	resp := &ProgressResponse{Snapshot: s}
	for _, p := range s.Players {
		switch p.State {
		case scheduler.StateQueued:
			resp.Totals.Queued++
		case scheduler.StateRunning:
			resp.Totals.Running++
		case scheduler.StateFinished:
			resp.Totals.Finished++
		}
		resp.Totals.Evaluated += p.Evaluated
		resp.Totals.Skipped += p.Skipped
		resp.Totals.Failed += p.Failed
	}
	return resp
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
