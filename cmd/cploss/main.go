package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeeve/cploss/internal/config"
	"github.com/freeeve/cploss/internal/eco"
	"github.com/freeeve/cploss/internal/engine"
	"github.com/freeeve/cploss/internal/games"
	"github.com/freeeve/cploss/internal/httpapi"
	"github.com/freeeve/cploss/internal/logx"
	"github.com/freeeve/cploss/internal/metrics"
	"github.com/freeeve/cploss/internal/scheduler"
)

func main() {
	var (
		configPath      = flag.String("config", "", "YAML config file (default $CPLOSS_CONFIG)")
		enginePath      = flag.String("engine", "", "Engine executable")
		depth           = flag.Int("depth", 0, "Search depth per position")
		moveTime        = flag.Duration("move-time", 0, "Search time per position (0 = depth only)")
		hashMB          = flag.Int("hash-mb", 0, "Engine hash size in MB")
		callTimeout     = flag.Duration("call-timeout", 0, "Abandon an engine call after this long (0 = never)")
		inputDir        = flag.String("input", "", "Directory of <player>.pgn[.zst] files")
		outputDir       = flag.String("output", "", "Directory for player archives")
		players         = flag.String("players", "", "Comma-separated player roster")
		parallelism     = flag.Int("parallelism", 0, "Maximum concurrent workers")
		startGame       = flag.Int("start-game", 0, "First game (1-based) to consider per player")
		maxGames        = flag.Int("max-games", 0, "Maximum games per player (0 = unlimited)")
		checkpointEvery = flag.Int("checkpoint-every", 0, "Evaluated games between archive checkpoints")
		resume          = flag.Bool("resume", true, "Skip games already in the player's archive")
		ecoDir          = flag.String("eco", "", "Directory of ECO opening TSV files")
		metricsAddr     = flag.String("metrics-addr", "", "Serve /metrics and /v1/progress on this address")
		logLevel        = flag.String("log-level", "", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	// Only flags given on the command line override file and env settings.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "engine":
			cfg.Engine.Path = *enginePath
		case "depth":
			cfg.Engine.Depth = *depth
		case "move-time":
			cfg.Engine.MoveTime = *moveTime
		case "hash-mb":
			cfg.Engine.HashMB = *hashMB
		case "call-timeout":
			cfg.Engine.CallTimeout = *callTimeout
		case "input":
			cfg.InputDir = *inputDir
		case "output":
			cfg.OutputDir = *outputDir
		case "players":
			cfg.Players = splitPlayers(*players)
		case "parallelism":
			cfg.Parallelism = *parallelism
		case "start-game":
			cfg.StartGame = *startGame
		case "max-games":
			cfg.MaxGames = *maxGames
		case "checkpoint-every":
			cfg.CheckpointEvery = *checkpointEvery
		case "resume":
			cfg.Resume = *resume
		case "eco":
			cfg.ECODir = *ecoDir
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		flag.PrintDefaults()
		os.Exit(1)
	}

	logger := logx.NewLogger(cfg.LogLevel)
	logger.Info().
		Str("engine", cfg.Engine.Path).
		Int("depth", cfg.Engine.Depth).
		Dur("move_time", cfg.Engine.MoveTime).
		Str("input", cfg.InputDir).
		Str("output", cfg.OutputDir).
		Int("players", len(cfg.Players)).
		Int("parallelism", cfg.Parallelism).
		Msg("starting cploss")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var ecoDB *eco.Database
	if cfg.ECODir != "" {
		ecoDB, err = eco.LoadDir(cfg.ECODir)
		if err != nil {
			logger.Warn().Err(err).Msg("ECO database not loaded, openings will be blank")
			ecoDB = nil
		} else {
			logger.Info().Int("openings", ecoDB.Count()).Msg("ECO database loaded")
		}
	}

	m := metrics.NewManager()
	progress := scheduler.NewProgress()

	sched, err := scheduler.New(scheduler.Config{
		Players:         cfg.Players,
		Parallelism:     cfg.Parallelism,
		Source:          games.Source{Dir: cfg.InputDir},
		OutputDir:       cfg.OutputDir,
		NewEngine:       engineFactory(cfg.Engine, m, logger),
		ECO:             ecoDB,
		StartGame:       cfg.StartGame,
		MaxGames:        cfg.MaxGames,
		CheckpointEvery: cfg.CheckpointEvery,
		Resume:          cfg.Resume,
		Metrics:         m,
		Progress:        progress,
		Logger:          logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create scheduler")
	}

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		srv = &http.Server{
			Addr:         cfg.MetricsAddr,
			Handler:      httpapi.NewRouter(logger.With().Str("component", "http").Logger(), progress, m),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", srv.Addr).Msg("status server listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("status server")
			}
		}()
	}

	report := sched.Run(ctx)
	report.Log(logger)

	if srv != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("status server shutdown error")
		}
		stop()
	}

	if !report.OK() {
		os.Exit(1)
	}
}

// engineFactory starts one engine per worker with the session budget from cfg.
func engineFactory(cfg config.Engine, m *metrics.Manager, logger zerolog.Logger) scheduler.EngineFactory {
	return func(worker int) (scheduler.Engine, error) {
		c, err := engine.New(engine.Config{
			Path:                   cfg.Path,
			Logger:                 logger.With().Int("worker", worker).Logger(),
			Depth:                  cfg.Depth,
			MoveTime:               cfg.MoveTime,
			HashMB:                 cfg.HashMB,
			Threads:                cfg.Threads,
			CallTimeout:            cfg.CallTimeout,
			MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
			Observer:               m,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func splitPlayers(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
