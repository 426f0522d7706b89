// Package httpapi serves run health, metrics and progress while a run is in flight.
package httpapi

import (
	"net/http"
	"net/http/pprof"

	"github.com/rs/zerolog"

	"github.com/freeeve/cploss/internal/metrics"
	"github.com/freeeve/cploss/internal/scheduler"
)

// Handler serves the run's observability endpoints.
type Handler struct {
	progress *scheduler.Progress
	metrics  *metrics.Manager
	log      zerolog.Logger
}

// NewRouter creates the HTTP router. Either dependency may be nil.
func NewRouter(log zerolog.Logger, progress *scheduler.Progress, m *metrics.Manager) http.Handler {
	h := &Handler{
		progress: progress,
		metrics:  m,
		log:      log,
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", http.HandlerFunc(h.health))
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/v1/progress", http.HandlerFunc(h.progressHandler))

	// pprof endpoints
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return RequestID(AccessLog(log, mux))
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) progressHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.progress == nil {
		http.Error(w, "no run in progress", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, ToProgressResponse(h.progress.Snapshot()))
}
