package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Game outcome label values.
const (
	OutcomeEvaluated       = "evaluated"
	OutcomeSkipped         = "skipped"
	OutcomeFailed          = "failed"
	OutcomeAlreadyRecorded = "already_recorded"
)

// Manager owns the run's metrics. A nil *Manager records nothing.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	constLabels      map[string]string
	registry         *prometheus.Registry

	games                *prometheus.CounterVec
	players              *prometheus.CounterVec
	positions            prometheus.Counter
	engineFailures       prometheus.Counter
	engineLatency        prometheus.Histogram
	checkpoints          prometheus.Counter
	checkpointLatency    prometheus.Histogram
	duplicatesEliminated prometheus.Counter
	activeWorkers        prometheus.Gauge
}

// NewManager creates a manager on its own registry unless one is given.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "cploss",
		subsystem:        "",
		histogramBuckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		constLabels:      map[string]string{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{
			Namespace:   m.namespace,
			Subsystem:   m.subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: m.constLabels,
		}
	}

	m.games = auto.NewCounterVec(prometheus.CounterOpts(opts(
		"games_total", "Games reaching a terminal outcome, by outcome")), []string{"outcome"})
	m.players = auto.NewCounterVec(prometheus.CounterOpts(opts(
		"players_total", "Players finished, by final status")), []string{"status"})
	m.positions = auto.NewCounter(prometheus.CounterOpts(opts(
		"positions_evaluated_total", "Positions evaluated by the engine")))
	m.engineFailures = auto.NewCounter(prometheus.CounterOpts(opts(
		"engine_failures_total", "Engine calls that returned an error")))
	m.checkpoints = auto.NewCounter(prometheus.CounterOpts(opts(
		"checkpoints_total", "Archive checkpoints written")))
	m.duplicatesEliminated = auto.NewCounter(prometheus.CounterOpts(opts(
		"duplicates_eliminated_total", "Records dropped by key during archive merges")))
	m.activeWorkers = auto.NewGauge(prometheus.GaugeOpts(opts(
		"active_workers", "Workers currently holding an engine")))

	latency := opts("engine_call_seconds", "Engine search latency")
	m.engineLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace:   latency.Namespace,
		Subsystem:   latency.Subsystem,
		Name:        latency.Name,
		Help:        latency.Help,
		ConstLabels: latency.ConstLabels,
		Buckets:     m.histogramBuckets,
	})
	cp := opts("checkpoint_seconds", "Archive merge and rewrite latency")
	m.checkpointLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace:   cp.Namespace,
		Subsystem:   cp.Subsystem,
		Name:        cp.Name,
		Help:        cp.Help,
		ConstLabels: cp.ConstLabels,
		Buckets:     prometheus.DefBuckets,
	})
}

// Registry returns the registry metrics are registered on.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveEngineCall records one engine search.
func (m *Manager) ObserveEngineCall(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.engineLatency.Observe(d.Seconds())
	if err != nil {
		m.engineFailures.Inc()
		return
	}
	m.positions.Inc()
}

// RecordGame counts a game outcome.
func (m *Manager) RecordGame(outcome string) {
	if m == nil {
		return
	}
	m.games.WithLabelValues(outcome).Inc()
}

// RecordPlayer counts a finished player.
func (m *Manager) RecordPlayer(status string) {
	if m == nil {
		return
	}
	m.players.WithLabelValues(status).Inc()
}

// RecordCheckpoint records one archive rewrite.
func (m *Manager) RecordCheckpoint(d time.Duration, duplicates int) {
	if m == nil {
		return
	}
	m.checkpoints.Inc()
	m.checkpointLatency.Observe(d.Seconds())
	if duplicates > 0 {
		m.duplicatesEliminated.Add(float64(duplicates))
	}
}

// WorkerStarted increments the active worker gauge.
func (m *Manager) WorkerStarted() {
	if m == nil {
		return
	}
	m.activeWorkers.Inc()
}

// WorkerStopped decrements the active worker gauge.
func (m *Manager) WorkerStopped() {
	if m == nil {
		return
	}
	m.activeWorkers.Dec()
}
