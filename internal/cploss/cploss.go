// Package cploss replays games through an engine and derives per-move centipawn loss.
package cploss

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/freeeve/pgn/v3"
	"github.com/rs/zerolog"

	"github.com/freeeve/cploss/internal/eco"
	"github.com/freeeve/cploss/internal/engine"
	"github.com/freeeve/cploss/internal/games"
)

// EvalBound clamps every stored evaluation to [-EvalBound, EvalBound].
const EvalBound = 1000

// Status is the state of one game in the evaluation pipeline.
// Done, Skipped and Failed are terminal.
type Status int

const (
	StatusPending Status = iota
	StatusEvaluating
	StatusDone
	StatusSkipped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusEvaluating:
		return "evaluating"
	case StatusDone:
		return "done"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// GameMetrics is one persisted game: headers plus loss statistics.
type GameMetrics struct {
	games.Header

	WhiteMeanLoss float64 `json:"avg_white_cp_loss"`
	WhiteStdLoss  float64 `json:"std_white_cp_loss"`
	BlackMeanLoss float64 `json:"avg_black_cp_loss"`
	BlackStdLoss  float64 `json:"std_black_cp_loss"`
	WhiteLosses   []int   `json:"white_cp_losses"`
	BlackLosses   []int   `json:"black_cp_losses"`

	ECO     string `json:"eco,omitempty"`
	Opening string `json:"opening,omitempty"`
}

// Outcome is the terminal result of evaluating one game.
type Outcome struct {
	Index   int
	Status  Status
	Metrics *GameMetrics // set when Status is StatusDone
	Reason  string       // set when Status is StatusSkipped
	Err     error        // set when Status is StatusFailed
}

// Engine evaluates a position from white's perspective.
type Engine interface {
	Evaluate(ctx context.Context, pos *pgn.GameState) (int, error)
}

// PlyFunc is told about every evaluated ply; total counts the initial position.
type PlyFunc func(game, ply, total int)

// Evaluator turns game records into metrics using one engine.
type Evaluator struct {
	engine Engine
	eco    *eco.Database
	log    zerolog.Logger
	onPly  PlyFunc
}

// NewEvaluator creates an evaluator. ecoDB may be nil.
func NewEvaluator(eng Engine, ecoDB *eco.Database, log zerolog.Logger) *Evaluator {
	return &Evaluator{engine: eng, eco: ecoDB, log: log}
}

// OnPly registers a progress callback.
func (e *Evaluator) OnPly(fn PlyFunc) {
	e.onPly = fn
}

// Evaluate runs one game to a terminal outcome. It never panics.
func (e *Evaluator) Evaluate(ctx context.Context, game games.GameRecord) Outcome {
	out := Outcome{Index: game.Index, Status: StatusPending}

	if !game.Header.HasRating() {
		out.Status = StatusSkipped
		out.Reason = "no rating for either side"
		return out
	}

	out.Status = StatusEvaluating
	trace, opening, err := e.trace(ctx, game)
	if err != nil {
		out.Status = StatusFailed
		out.Err = err
		return out
	}

	out.Status = StatusDone
	out.Metrics = NewGameMetrics(game.Header, trace)
	out.Metrics.ECO = opening.ECO
	out.Metrics.Opening = opening.Name
	return out
}

// trace evaluates the initial position and every position after each ply.
func (e *Evaluator) trace(ctx context.Context, game games.GameRecord) (trace []int, opening eco.Opening, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: replay panic: %v", engine.ErrEvaluation, r)
		}
	}()

	total := len(game.Moves) + 1
	trace = make([]int, 0, total)
	tracker := e.eco.NewTracker()
	pos := pgn.NewStartingPosition()

	for ply := 0; ply < total; ply++ {
		if ply > 0 {
			if err := pgn.ApplyMove(pos, game.Moves[ply-1]); err != nil {
				return nil, eco.Opening{}, fmt.Errorf("%w: ply %d: apply move: %v", engine.ErrEvaluation, ply, err)
			}
			tracker.Observe(pos)
		}

		v, err := e.engine.Evaluate(ctx, pos)
		if err != nil {
			return nil, eco.Opening{}, fmt.Errorf("ply %d: %w", ply, err)
		}
		trace = append(trace, Clamp(v))

		if e.onPly != nil {
			e.onPly(game.Index, ply, total)
		}
	}

	return trace, tracker.Opening(), nil
}

// NewGameMetrics derives loss series and statistics from a clamped trace.
func NewGameMetrics(h games.Header, trace []int) *GameMetrics {
	white, black := LossSeries(trace)
	wm, ws := MeanStd(white)
	bm, bs := MeanStd(black)
	return &GameMetrics{
		Header:        h,
		WhiteMeanLoss: wm,
		WhiteStdLoss:  ws,
		BlackMeanLoss: bm,
		BlackStdLoss:  bs,
		WhiteLosses:   white,
		BlackLosses:   black,
	}
}

// Clamp saturates an evaluation at ±EvalBound.
func Clamp(v int) int {
	if v > EvalBound {
		return EvalBound
	}
	if v < -EvalBound {
		return -EvalBound
	}
	return v
}

// LossSeries splits a white-perspective trace into per-side losses.
// Transition k-1 -> k is white's move when k-1 is even. Losses are floored at 0.
func LossSeries(trace []int) (white, black []int) {
	white = make([]int, 0, len(trace)/2)
	black = make([]int, 0, len(trace)/2)
	for k := 1; k < len(trace); k++ {
		drop := trace[k-1] - trace[k]
		if (k-1)%2 == 0 {
			white = append(white, max(0, drop))
		} else {
			black = append(black, max(0, -drop))
		}
	}
	return white, black
}

// MeanStd returns the mean and population standard deviation; 0, 0 when empty.
func MeanStd(xs []int) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += float64(x)
	}
	mean = sum / float64(len(xs))

	var sq float64
	for _, x := range xs {
		d := float64(x) - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}

// IsProcessFailure reports whether an outcome means the engine is gone.
func (o Outcome) IsProcessFailure() bool {
	return o.Status == StatusFailed && errors.Is(o.Err, engine.ErrProcess)
}
