// Package config defines the pipeline configuration and its loading hooks.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"time"
)

// Engine configures the external evaluation engine session.
type Engine struct {
	// Path is the engine executable.
	Path string `koanf:"path"`

	// Depth is the per-call search depth budget.
	Depth int `koanf:"depth"`

	// MoveTime is the per-call wall-clock budget; 0 searches by depth only.
	MoveTime time.Duration `koanf:"move_time"`

	HashMB  int `koanf:"hash_mb"`
	Threads int `koanf:"threads"`

	// CallTimeout is a caller-side deadline on a single evaluation; 0 disables it.
	// An expired call is treated as an engine process failure.
	CallTimeout time.Duration `koanf:"call_timeout"`

	// MaxConsecutiveFailures promotes that many back-to-back failed calls to a
	// process failure. 0 disables promotion.
	MaxConsecutiveFailures int `koanf:"max_consecutive_failures"`
}

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	Engine Engine `koanf:"engine"`

	// InputDir holds one <player>.pgn or <player>.pgn.zst per player.
	InputDir string `koanf:"input_dir"`

	// OutputDir receives one archive per player.
	OutputDir string `koanf:"output_dir"`

	// Players is the roster to process.
	Players []string `koanf:"players"`

	// Parallelism bounds the number of concurrent workers.
	Parallelism int `koanf:"parallelism"`

	// StartGame is the 1-based index of the first game considered per player.
	StartGame int `koanf:"start_game"`

	// MaxGames caps games considered per player per run; 0 is unlimited.
	MaxGames int `koanf:"max_games"`

	// CheckpointEvery is the number of evaluated games between archive flushes.
	CheckpointEvery int `koanf:"checkpoint_every"`

	// Resume skips games whose header key is already archived.
	Resume bool `koanf:"resume"`

	// ECODir optionally points at ECO opening TSV files.
	ECODir string `koanf:"eco_dir"`

	// MetricsAddr optionally serves /metrics and /v1/progress, e.g. ":9090".
	MetricsAddr string `koanf:"metrics_addr"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel: "info",
		Engine: Engine{
			Depth:                  15,
			HashMB:                 128,
			Threads:                1,
			MaxConsecutiveFailures: 5,
		},
		InputDir:        "data",
		OutputDir:       "processed_data",
		Parallelism:     runtime.NumCPU(),
		StartGame:       1,
		CheckpointEvery: 25,
		Resume:          true,
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Engine.Path == "" {
		return errors.New("engine.path must not be empty")
	}
	if c.Engine.Depth <= 0 && c.Engine.MoveTime <= 0 {
		return errors.New("engine.depth or engine.move_time must be positive")
	}
	if c.Engine.CallTimeout < 0 {
		return errors.New("engine.call_timeout must not be negative")
	}
	if len(c.Players) == 0 {
		return errors.New("players must not be empty")
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive, got %d", c.Parallelism)
	}
	if c.CheckpointEvery <= 0 {
		return fmt.Errorf("checkpoint_every must be positive, got %d", c.CheckpointEvery)
	}
	if c.StartGame < 1 {
		return fmt.Errorf("start_game must be at least 1, got %d", c.StartGame)
	}
	if c.MaxGames < 0 {
		return fmt.Errorf("max_games must not be negative, got %d", c.MaxGames)
	}
	if c.InputDir == "" || c.OutputDir == "" {
		return errors.New("input_dir and output_dir must not be empty")
	}
	return nil
}
