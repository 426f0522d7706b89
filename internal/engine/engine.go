// Package engine wraps one external UCI evaluation engine process.
//
// A Client is owned by exactly one worker: the UCI protocol is strictly
// request/response, so calls must never be interleaved. Scores are returned
// from white's perspective, with forced mates mapped to ±MateScore.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/freeeve/pgn/v3"
	"github.com/rs/zerolog"
)

// MateScore is the finite magnitude reported for a forced mate.
const MateScore = 100_000

var (
	// ErrEvaluation marks a single failed call; the engine is still usable.
	ErrEvaluation = errors.New("evaluation failure")

	// ErrProcess marks the engine process as unusable; the owning worker must stop.
	ErrProcess = errors.New("engine process failure")
)

// Config configures an engine session. Search budgets are fixed for the session.
type Config struct {
	Path     string
	Logger   zerolog.Logger
	Depth    int           // search depth per call
	MoveTime time.Duration // wall-clock budget per call (0 = depth only)
	HashMB   int
	Threads  int

	CallTimeout            time.Duration // caller-side deadline (0 = none)
	MaxConsecutiveFailures int           // promote to ErrProcess after this many (0 = never)

	Observer Observer // optional
}

// Observer receives the latency and outcome of every engine call.
type Observer interface {
	ObserveEngineCall(d time.Duration, err error)
}

// Score is a raw engine answer from the side to move's perspective.
type Score struct {
	CP     int
	Mate   bool
	MateIn int // moves to mate, negative when the side to move gets mated
	Depth  int
}

// searcher is one synchronous round trip to the engine.
type searcher interface {
	search(fen string) (Score, error)
	close()
}

// Client evaluates positions with a single engine process.
type Client struct {
	cfg     Config
	log     zerolog.Logger
	backend searcher

	failures int  // consecutive failed calls
	broken   bool // process declared unusable
	closed   bool

	calls int64
}

// New starts the engine process and applies session options.
func New(cfg Config) (*Client, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: engine path required", ErrProcess)
	}
	cfg = withDefaults(cfg)

	backend, err := startUCI(cfg)
	if err != nil {
		return nil, err
	}

	cfg.Logger.Debug().
		Str("engine", cfg.Path).
		Int("depth", cfg.Depth).
		Dur("move_time", cfg.MoveTime).
		Int("hash_mb", cfg.HashMB).
		Int("threads", cfg.Threads).
		Msg("engine started")

	return newClient(cfg, backend), nil
}

func withDefaults(cfg Config) Config {
	if cfg.Depth == 0 && cfg.MoveTime == 0 {
		cfg.Depth = 15
	}
	if cfg.HashMB == 0 {
		cfg.HashMB = 128
	}
	if cfg.Threads == 0 {
		cfg.Threads = 1
	}
	return cfg
}

func newClient(cfg Config, backend searcher) *Client {
	return &Client{
		cfg:     cfg,
		log:     cfg.Logger,
		backend: backend,
	}
}

// Calls returns the number of evaluation calls issued.
func (c *Client) Calls() int64 {
	return c.calls
}

// Broken reports whether the engine process has been declared unusable.
func (c *Client) Broken() bool {
	return c.broken
}

// Evaluate returns the white-perspective score of pos.
// Checkmate and stalemate are scored without asking the engine.
func (c *Client) Evaluate(ctx context.Context, pos *pgn.GameState) (int, error) {
	if v, ok := TerminalScore(pos); ok {
		return v, nil
	}
	return c.evaluate(ctx, pos.ToFEN())
}

// EvaluateFEN returns the white-perspective score of the position in fen.
// Errors wrap ErrEvaluation or ErrProcess.
func (c *Client) EvaluateFEN(ctx context.Context, fen string) (int, error) {
	if pos, err := pgn.NewGame(fen); err == nil {
		if v, ok := TerminalScore(pos); ok {
			return v, nil
		}
	}
	return c.evaluate(ctx, fen)
}

// TerminalScore scores a position with no legal moves: -MateScore for the
// mated side to move, 0 for stalemate, both from white's view. Engines answer
// these with "bestmove (none)" and no usable info line.
func TerminalScore(pos *pgn.GameState) (int, bool) {
	switch {
	case pos.IsCheckmate():
		if pos.SideToMove == pgn.White {
			return -MateScore, true
		}
		return MateScore, true
	case pos.IsStalemate():
		return 0, true
	}
	return 0, false
}

func (c *Client) evaluate(ctx context.Context, fen string) (int, error) {
	if c.closed || c.broken {
		return 0, fmt.Errorf("%w: engine no longer usable", ErrProcess)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.calls++
	start := time.Now()
	score, err := c.call(ctx, fen)
	if c.cfg.Observer != nil {
		c.cfg.Observer.ObserveEngineCall(time.Since(start), err)
	}

	if err != nil {
		c.failures++
		if errors.Is(err, ErrProcess) {
			c.broken = true
			return 0, err
		}
		if c.cfg.MaxConsecutiveFailures > 0 && c.failures >= c.cfg.MaxConsecutiveFailures {
			c.broken = true
			return 0, fmt.Errorf("%w: %d consecutive failed calls, last: %v", ErrProcess, c.failures, err)
		}
		return 0, err
	}
	c.failures = 0

	return WhiteScore(fen, score), nil
}

// call runs one search, enforcing the caller-side deadline when configured.
func (c *Client) call(ctx context.Context, fen string) (Score, error) {
	if c.cfg.CallTimeout <= 0 {
		return c.safeSearch(fen)
	}

	type result struct {
		score Score
		err   error
	}
	done := make(chan result, 1)
	go func() {
		s, err := c.safeSearch(fen)
		done <- result{s, err}
	}()

	timer := time.NewTimer(c.cfg.CallTimeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.score, r.err
	case <-timer.C:
		c.abandon()
		return Score{}, fmt.Errorf("%w: no answer within %v", ErrProcess, c.cfg.CallTimeout)
	case <-ctx.Done():
		c.abandon()
		return Score{}, fmt.Errorf("%w: %v", ErrProcess, ctx.Err())
	}
}

// abandon gives up on a hung process without waiting for it.
func (c *Client) abandon() {
	c.broken = true
	c.closed = true
	c.log.Warn().Str("engine", c.cfg.Path).Msg("engine call abandoned, closing process")
	c.backend.close()
}

func (c *Client) safeSearch(fen string) (s Score, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: engine client panic: %v", ErrEvaluation, r)
		}
	}()
	return c.backend.search(fen)
}

// Close stops the engine process. It is safe to call more than once.
func (c *Client) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.backend.close()
	return nil
}

// WhiteScore converts a side-to-move score for fen to white's perspective.
// Mates map to ±MateScore; "mate 0" means the side to move is mated.
func WhiteScore(fen string, s Score) int {
	v := s.CP
	if s.Mate {
		if s.MateIn > 0 {
			v = MateScore
		} else {
			v = -MateScore
		}
	}
	if blackToMove(fen) {
		v = -v
	}
	return v
}

func blackToMove(fen string) bool {
	fields := strings.Fields(fen)
	return len(fields) > 1 && fields[1] == "b"
}
