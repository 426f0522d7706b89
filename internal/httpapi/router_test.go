package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/freeeve/cploss/internal/metrics"
	"github.com/freeeve/cploss/internal/scheduler"
)

func serve(h http.Handler, method, path string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndRequestID(t *testing.T) {
	h := NewRouter(zerolog.Nop(), scheduler.NewProgress(), metrics.NewManager())

	rec := serve(h, "GET", "/healthz", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("no request id assigned")
	}

	rec = serve(h, "GET", "/healthz", map[string]string{"X-Request-ID": "abc123"})
	if got := rec.Header().Get("X-Request-ID"); got != "abc123" {
		t.Errorf("request id = %q, want propagated abc123", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.NewManager()
	m.RecordGame(metrics.OutcomeSkipped)
	h := NewRouter(zerolog.Nop(), nil, m)

	rec := serve(h, "GET", "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "cploss_games_total") {
		t.Errorf("metrics = %d\n%s", rec.Code, rec.Body.String())
	}
}

func TestProgressEndpoint(t *testing.T) {
	h := NewRouter(zerolog.Nop(), scheduler.NewProgress(), nil)

	rec := serve(h, "GET", "/v1/progress", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("progress = %d", rec.Code)
	}
	var body ProgressResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Players) != 0 {
		t.Errorf("players = %+v", body.Players)
	}

	if rec := serve(h, "POST", "/v1/progress", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST = %d", rec.Code)
	}
	if rec := serve(NewRouter(zerolog.Nop(), nil, nil), "GET", "/v1/progress", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("without board = %d", rec.Code)
	}
}

func TestToProgressResponseTotals(t *testing.T) {
	resp := ToProgressResponse(scheduler.Snapshot{
		RunID: "r1",
		Players: []scheduler.PlayerProgress{
			{Player: "a", State: scheduler.StateFinished, Evaluated: 10, Skipped: 2},
			{Player: "b", State: scheduler.StateRunning, Evaluated: 3, Failed: 1},
			{Player: "c", State: scheduler.StateQueued},
		},
	})
	want := ProgressTotals{Queued: 1, Running: 1, Finished: 1, Evaluated: 13, Skipped: 2, Failed: 1}
	if resp.Totals != want || resp.RunID != "r1" {
		t.Errorf("totals = %+v", resp.Totals)
	}
}
