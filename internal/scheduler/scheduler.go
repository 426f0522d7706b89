// Package scheduler runs players through evaluation on a bounded pool of
// workers. Each worker owns one engine and one archive store for its whole
// lifetime and processes whole players, so no two workers ever touch the same
// archive file.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/freeeve/cploss/internal/archive"
	"github.com/freeeve/cploss/internal/cploss"
	"github.com/freeeve/cploss/internal/eco"
	"github.com/freeeve/cploss/internal/engine"
	"github.com/freeeve/cploss/internal/games"
	"github.com/freeeve/cploss/internal/metrics"
)

// Engine is one exclusively owned evaluation engine.
type Engine interface {
	cploss.Engine
	Close() error
}

// EngineFactory starts the engine for a worker.
type EngineFactory func(worker int) (Engine, error)

// GameSource reads a player's games in archive order.
type GameSource interface {
	Read(player string) ([]games.GameRecord, error)
}

// Config configures a run.
type Config struct {
	Players     []string
	Parallelism int // bounded by distinct players and CPUs

	Source    GameSource
	OutputDir string
	NewEngine EngineFactory
	ECO       *eco.Database // optional

	StartGame       int // 1-based
	MaxGames        int // 0 = unlimited
	CheckpointEvery int
	Resume          bool

	Metrics     *metrics.Manager // optional
	Progress    *Progress        // optional
	LogInterval time.Duration    // per-worker progress log cadence
	Logger      zerolog.Logger
}

// Scheduler partitions a roster across workers.
type Scheduler struct {
	cfg     Config
	log     zerolog.Logger
	players []string
	workers int
}

// New validates cfg and fixes the worker count.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Source == nil {
		return nil, errors.New("scheduler: game source required")
	}
	if cfg.NewEngine == nil {
		return nil, errors.New("scheduler: engine factory required")
	}
	if cfg.OutputDir == "" {
		return nil, errors.New("scheduler: output dir required")
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 25
	}
	if cfg.StartGame < 1 {
		cfg.StartGame = 1
	}
	if cfg.LogInterval == 0 {
		cfg.LogInterval = 10 * time.Second
	}

	players, err := Roster(cfg.Players)
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		cfg:     cfg,
		log:     cfg.Logger,
		players: players,
		workers: Workers(cfg.Parallelism, len(players), runtime.NumCPU()),
	}, nil
}

// Roster drops duplicate players, keeping first occurrences in order, and
// rejects names that are not plain file names.
func Roster(players []string) ([]string, error) {
	seen := make(map[string]bool, len(players))
	out := make([]string, 0, len(players))
	for _, p := range players {
		p = strings.TrimSpace(p)
		if p == "" || p == "." || p == ".." || strings.ContainsAny(p, `/\`) {
			return nil, fmt.Errorf("scheduler: invalid player id %q", p)
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, errors.New("scheduler: empty roster")
	}
	return out, nil
}

// Workers bounds the requested parallelism by players and CPUs.
func Workers(requested, players, cpus int) int {
	n := max(requested, 1)
	n = min(n, players, max(cpus, 1))
	return max(n, 1)
}

// Players returns the deduplicated roster.
func (s *Scheduler) Players() []string {
	return s.players
}

// Workers returns the pool size.
func (s *Scheduler) Workers() int {
	return s.workers
}

// Run blocks until every player has a report. Per-player failures are
// reported, never returned.
func (s *Scheduler) Run(ctx context.Context) *RunReport {
	run := &RunReport{
		RunID:   uuid.NewString(),
		Workers: s.workers,
		Started: time.Now(),
		Players: make([]Report, len(s.players)),
	}
	log := s.log.With().Str("run_id", run.RunID).Logger()
	s.cfg.Progress.reset(run.RunID, s.players)

	log.Info().
		Int("players", len(s.players)).
		Int("workers", s.workers).
		Str("output_dir", s.cfg.OutputDir).
		Int("checkpoint_every", s.cfg.CheckpointEvery).
		Msg("run started")

	// The queue is filled and closed up front so workers that exit early
	// never block the producer.
	queue := make(chan int, len(s.players))
	for i := range s.players {
		queue <- i
	}
	close(queue)

	workerErrs := make([]error, s.workers)
	var g errgroup.Group
	for w := 0; w < s.workers; w++ {
		id := w + 1
		g.Go(func() error {
			workerErrs[id-1] = s.worker(ctx, id, queue, run.Players, log)
			return nil
		})
	}
	g.Wait()

	// players no surviving worker could take
	cause := errors.Join(workerErrs...)
	for i := range queue {
		rep := Report{Player: s.players[i], Err: ErrNotProcessed}
		if ctx.Err() != nil {
			rep.Err = fmt.Errorf("%w: %w", ErrNotProcessed, ctx.Err())
		} else if cause != nil {
			rep.Err = fmt.Errorf("%w: %w", ErrNotProcessed, cause)
		}
		rep.settle()
		run.Players[i] = rep
		s.finish(rep)
	}

	run.Duration = time.Since(run.Started)
	return run
}

// worker owns one engine and one store until the queue drains or the engine
// or the disk fails. It writes only the report slots of players it takes.
func (s *Scheduler) worker(ctx context.Context, id int, queue <-chan int, reports []Report, log zerolog.Logger) error {
	log = log.With().Int("worker", id).Logger()

	eng, err := s.cfg.NewEngine(id)
	if err != nil {
		log.Error().Err(err).Msg("engine start failed, worker exiting")
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			log.Warn().Err(err).Msg("engine close failed")
		}
	}()

	store, err := archive.NewStore(s.cfg.OutputDir, log)
	if err != nil {
		log.Error().Err(err).Msg("archive store unavailable, worker exiting")
		return err
	}

	s.cfg.Metrics.WorkerStarted()
	defer s.cfg.Metrics.WorkerStopped()

	ev := cploss.NewEvaluator(eng, s.cfg.ECO, log)
	for i := range queue {
		var rep Report
		if err := ctx.Err(); err != nil {
			rep = Report{Player: s.players[i], Worker: id, Err: fmt.Errorf("%w: %w", ErrNotProcessed, err)}
			rep.settle()
		} else {
			rep = s.runPlayer(ctx, id, s.players[i], ev, store, log)
		}
		reports[i] = rep
		s.finish(rep)

		if errors.Is(rep.Err, engine.ErrProcess) || errors.Is(rep.Err, archive.ErrPersistence) {
			log.Error().Err(rep.Err).Str("player", rep.Player).Msg("worker aborted")
			return rep.Err
		}
	}
	return nil
}

func (s *Scheduler) finish(rep Report) {
	s.cfg.Metrics.RecordPlayer(rep.Status.String())
	s.cfg.Progress.update(rep.Player, func(p *PlayerProgress) {
		p.State = StateFinished
		p.Status = rep.Status.String()
	})
}

// runPlayer evaluates one player's window in archive order, checkpointing
// every CheckpointEvery evaluated games and once at the end.
func (s *Scheduler) runPlayer(ctx context.Context, worker int, player string, ev *cploss.Evaluator, store *archive.Store, log zerolog.Logger) (rep Report) {
	start := time.Now()
	rep = Report{Player: player, Worker: worker}
	log = log.With().Str("player", player).Logger()
	defer func() {
		rep.Duration = time.Since(start)
	}()

	records, err := s.cfg.Source.Read(player)
	if err != nil {
		log.Warn().Err(err).Msg("player skipped")
		rep.Err = err
		rep.settle()
		return rep
	}
	records = games.Window(records, s.cfg.StartGame, s.cfg.MaxGames)
	rep.Considered = len(records)

	var recorded map[archive.Key]struct{}
	if s.cfg.Resume {
		if recorded, err = store.Keys(player); err != nil {
			log.Error().Err(err).Msg("existing archive unreadable")
			rep.Err = err
			rep.settle()
			return rep
		}
	}

	log.Info().
		Int("games", len(records)).
		Int("already_recorded", len(recorded)).
		Msg("player started")

	s.cfg.Progress.update(player, func(p *PlayerProgress) {
		p.State = StateRunning
		p.Worker = worker
		p.Games = len(records)
	})
	ev.OnPly(func(game, ply, total int) {
		s.cfg.Progress.update(player, func(p *PlayerProgress) {
			p.Game, p.Ply, p.Plies = game, ply, total
		})
	})

	cp := store.Checkpointer(player, s.cfg.CheckpointEvery)
	lastLog := time.Now()

gameLoop:
	for _, g := range records {
		if err := ctx.Err(); err != nil {
			rep.Err = err
			break
		}
		if _, ok := recorded[archive.KeyOfHeader(g.Header)]; ok {
			rep.AlreadyRecorded++
			s.cfg.Metrics.RecordGame(metrics.OutcomeAlreadyRecorded)
			continue
		}

		out := ev.Evaluate(ctx, g)
		switch out.Status {
		case cploss.StatusDone:
			rep.Evaluated++
			s.cfg.Metrics.RecordGame(metrics.OutcomeEvaluated)
			if err := s.checkpoint(cp, func() (bool, error) { return cp.Add(out.Metrics) }); err != nil {
				log.Error().Err(err).Msg("checkpoint failed")
				rep.Err = err
				break gameLoop
			}
		case cploss.StatusSkipped:
			rep.Skipped++
			s.cfg.Metrics.RecordGame(metrics.OutcomeSkipped)
			log.Debug().Int("game", g.Index).Str("reason", out.Reason).Msg("game skipped")
		case cploss.StatusFailed:
			if err := ctx.Err(); err != nil {
				rep.Err = err
				break gameLoop
			}
			rep.Failed++
			s.cfg.Metrics.RecordGame(metrics.OutcomeFailed)
			log.Warn().Err(out.Err).Int("game", g.Index).Msg("game failed")
			if out.IsProcessFailure() {
				rep.Err = out.Err
				break gameLoop
			}
		}

		s.cfg.Progress.update(player, func(p *PlayerProgress) {
			p.Evaluated, p.Skipped, p.Failed = rep.Evaluated, rep.Skipped, rep.Failed
		})

		if time.Since(lastLog) >= s.cfg.LogInterval {
			elapsed := time.Since(start)
			log.Info().
				Int("game", g.Index).
				Int("evaluated", rep.Evaluated).
				Int("skipped", rep.Skipped).
				Int("failed", rep.Failed).
				Float64("games_per_min", float64(rep.Evaluated)/elapsed.Minutes()).
				Msg("player progress")
			lastLog = time.Now()
		}
	}

	// Whatever was evaluated before an engine failure or cancellation is
	// still valid and gets persisted.
	if !errors.Is(rep.Err, archive.ErrPersistence) {
		if err := s.checkpoint(cp, func() (bool, error) {
			pending := cp.Pending()
			return pending > 0, cp.Flush()
		}); err != nil {
			log.Error().Err(err).Msg("final checkpoint failed")
			rep.Err = errors.Join(rep.Err, err)
		}
	}

	rep.Written = cp.Written()
	rep.Checkpoints = cp.Flushes()
	rep.DuplicatesEliminated = cp.Duplicates()
	rep.settle()
	return rep
}

// checkpoint runs a checkpointer step and records a metric when it wrote.
func (s *Scheduler) checkpoint(cp *archive.Checkpointer, step func() (bool, error)) error {
	start := time.Now()
	dups := cp.Duplicates()
	wrote, err := step()
	if err != nil {
		return err
	}
	if wrote {
		s.cfg.Metrics.RecordCheckpoint(time.Since(start), cp.Duplicates()-dups)
	}
	return nil
}
