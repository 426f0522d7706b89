package cploss

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"testing"

	"github.com/freeeve/pgn/v3"
	"github.com/rs/zerolog"

	"github.com/freeeve/cploss/internal/eco"
	"github.com/freeeve/cploss/internal/engine"
	"github.com/freeeve/cploss/internal/games"
)

// scriptedEngine returns evals[i] for the i-th call and fails at failAt.
type scriptedEngine struct {
	evals  []int
	failAt int
	err    error
	calls  int
}

func (s *scriptedEngine) Evaluate(_ context.Context, _ *pgn.GameState) (int, error) {
	i := s.calls
	s.calls++
	if s.err != nil && i == s.failAt {
		return 0, s.err
	}
	if i < len(s.evals) {
		return s.evals[i], nil
	}
	return 0, nil
}

func gameFromSAN(t *testing.T, h games.Header, sans ...string) games.GameRecord {
	t.Helper()
	pos := pgn.NewStartingPosition()
	moves := make([]pgn.Mv, 0, len(sans))
	for _, san := range sans {
		mv, err := pgn.ParseSAN(pos, san)
		if err != nil {
			t.Fatalf("ParseSAN %s: %v", san, err)
		}
		if err := pgn.ApplyMove(pos, mv); err != nil {
			t.Fatalf("ApplyMove %s: %v", san, err)
		}
		moves = append(moves, mv)
	}
	return games.GameRecord{Index: 1, Header: h, Moves: moves}
}

var rated = games.Header{
	Event: "Norway Chess", Site: "Stavanger", Round: "3", Date: "2021.09.10",
	White: "Carlsen", Black: "Firouzja", WhiteElo: 2855, BlackElo: 2770, Result: "1-0",
}

func TestLossSeriesScenario(t *testing.T) {
	white, black := LossSeries([]int{20, -10, 55, 5})
	if !reflect.DeepEqual(white, []int{30, 50}) {
		t.Errorf("white = %v, want [30 50]", white)
	}
	if !reflect.DeepEqual(black, []int{65}) {
		t.Errorf("black = %v, want [65]", black)
	}
}

func TestLossSeriesImprovingMovesCostNothing(t *testing.T) {
	// white improves 0 -> 50, black improves 50 -> -20
	white, black := LossSeries([]int{0, 50, -20})
	if !reflect.DeepEqual(white, []int{0}) || !reflect.DeepEqual(black, []int{0}) {
		t.Errorf("white = %v black = %v, want [0] [0]", white, black)
	}
}

func TestLossSeriesNeverNegative(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for n := 0; n < 200; n++ {
		trace := make([]int, rng.Intn(80))
		for i := range trace {
			trace[i] = Clamp(rng.Intn(4001) - 2000)
		}
		white, black := LossSeries(trace)
		if len(trace) > 0 && len(white)+len(black) != len(trace)-1 {
			t.Fatalf("series lengths %d+%d for trace of %d", len(white), len(black), len(trace))
		}
		for _, l := range append(white, black...) {
			if l < 0 || l > 2*EvalBound {
				t.Fatalf("loss %d out of range for trace %v", l, trace)
			}
		}
	}
}

func TestClamp(t *testing.T) {
	cases := map[int]int{
		0:                 0,
		999:               999,
		1000:              1000,
		1001:              1000,
		-2500:             -1000,
		engine.MateScore:  1000,
		-engine.MateScore: -1000,
	}
	for in, want := range cases {
		if got := Clamp(in); got != want {
			t.Errorf("Clamp(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestMeanStd(t *testing.T) {
	mean, std := MeanStd([]int{2, 4, 4, 4, 5, 5, 7, 9})
	if mean != 5 || std != 2 {
		t.Errorf("MeanStd = %v, %v, want 5, 2", mean, std)
	}
	mean, std = MeanStd(nil)
	if mean != 0 || std != 0 {
		t.Errorf("MeanStd(nil) = %v, %v, want 0, 0", mean, std)
	}
}

func TestEvaluateThreePlyGame(t *testing.T) {
	eng := &scriptedEngine{evals: []int{20, -10, 55, 5}}
	ev := NewEvaluator(eng, nil, zerolog.Nop())

	var plies []int
	ev.OnPly(func(game, ply, total int) {
		if total != 4 {
			t.Errorf("total = %d, want 4", total)
		}
		plies = append(plies, ply)
	})

	out := ev.Evaluate(context.Background(), gameFromSAN(t, rated, "e4", "e5", "Nf3"))
	if out.Status != StatusDone {
		t.Fatalf("status = %v (%v), want done", out.Status, out.Err)
	}
	if eng.calls != 4 {
		t.Errorf("engine calls = %d, want 4 (initial position + 3 plies)", eng.calls)
	}
	m := out.Metrics
	if !reflect.DeepEqual(m.WhiteLosses, []int{30, 50}) || !reflect.DeepEqual(m.BlackLosses, []int{65}) {
		t.Errorf("losses = %v / %v", m.WhiteLosses, m.BlackLosses)
	}
	if m.WhiteMeanLoss != 40 || m.WhiteStdLoss != 10 || m.BlackMeanLoss != 65 || m.BlackStdLoss != 0 {
		t.Errorf("stats = %+v", m)
	}
	if m.Header != rated {
		t.Errorf("header = %+v", m.Header)
	}
	if !reflect.DeepEqual(plies, []int{0, 1, 2, 3}) {
		t.Errorf("plies = %v", plies)
	}
}

func TestEvaluateClampsTrace(t *testing.T) {
	eng := &scriptedEngine{evals: []int{0, -5000, engine.MateScore}}
	out := NewEvaluator(eng, nil, zerolog.Nop()).Evaluate(context.Background(), gameFromSAN(t, rated, "e4", "e5"))
	if out.Status != StatusDone {
		t.Fatalf("status = %v", out.Status)
	}
	// trace is [0, -1000, 1000]; unclamped the losses would be 5000 and 105000
	if !reflect.DeepEqual(out.Metrics.WhiteLosses, []int{1000}) || !reflect.DeepEqual(out.Metrics.BlackLosses, []int{2000}) {
		t.Errorf("losses = %v / %v", out.Metrics.WhiteLosses, out.Metrics.BlackLosses)
	}
}

func TestEvaluateSkipsUnratedGames(t *testing.T) {
	h := rated
	h.WhiteElo, h.BlackElo = games.NoRating, games.NoRating
	eng := &scriptedEngine{}

	out := NewEvaluator(eng, nil, zerolog.Nop()).Evaluate(context.Background(), gameFromSAN(t, h, "e4"))
	if out.Status != StatusSkipped || out.Metrics != nil || out.Reason == "" {
		t.Errorf("outcome = %+v, want skipped", out)
	}
	if eng.calls != 0 {
		t.Errorf("engine called %d times for unrated game", eng.calls)
	}
}

func TestEvaluateOneRatingIsEnough(t *testing.T) {
	h := rated
	h.WhiteElo = games.NoRating
	eng := &scriptedEngine{evals: []int{10, 40, 0}}

	out := NewEvaluator(eng, nil, zerolog.Nop()).Evaluate(context.Background(), gameFromSAN(t, h, "d4", "d5"))
	if out.Status != StatusDone {
		t.Fatalf("status = %v", out.Status)
	}
	if out.Metrics.WhiteElo != games.NoRating || out.Metrics.BlackElo != 2770 {
		t.Errorf("ratings = %d/%d", out.Metrics.WhiteElo, out.Metrics.BlackElo)
	}
	if len(out.Metrics.WhiteLosses) != 1 || len(out.Metrics.BlackLosses) != 1 {
		t.Errorf("losses = %v / %v", out.Metrics.WhiteLosses, out.Metrics.BlackLosses)
	}
}

func TestEvaluateFailureDropsWholeGame(t *testing.T) {
	boom := fmt.Errorf("%w: malformed info line", engine.ErrEvaluation)
	eng := &scriptedEngine{evals: []int{0, 0, 0, 0}, failAt: 2, err: boom}

	out := NewEvaluator(eng, nil, zerolog.Nop()).Evaluate(context.Background(), gameFromSAN(t, rated, "e4", "e5", "Nf3"))
	if out.Status != StatusFailed || out.Metrics != nil {
		t.Fatalf("outcome = %+v, want failed without metrics", out)
	}
	if !errors.Is(out.Err, engine.ErrEvaluation) || out.IsProcessFailure() {
		t.Errorf("err = %v", out.Err)
	}
	if !strings.Contains(out.Err.Error(), "ply 2") {
		t.Errorf("err %q does not name the ply", out.Err)
	}
}

func TestEvaluateProcessFailure(t *testing.T) {
	eng := &scriptedEngine{failAt: 0, err: fmt.Errorf("%w: broken pipe", engine.ErrProcess)}
	out := NewEvaluator(eng, nil, zerolog.Nop()).Evaluate(context.Background(), gameFromSAN(t, rated, "e4"))
	if !out.IsProcessFailure() {
		t.Errorf("outcome = %+v, want process failure", out)
	}
}

func TestEvaluateRecordsOpening(t *testing.T) {
	db := eco.NewDatabase()
	if err := db.Load(strings.NewReader("C20\tKing's Pawn Game\t1. e4 e5\n")); err != nil {
		t.Fatal(err)
	}
	eng := &scriptedEngine{}
	out := NewEvaluator(eng, db, zerolog.Nop()).Evaluate(context.Background(), gameFromSAN(t, rated, "e4", "e5", "Nf3"))
	if out.Status != StatusDone {
		t.Fatalf("status = %v", out.Status)
	}
	if out.Metrics.ECO != "C20" || out.Metrics.Opening != "King's Pawn Game" {
		t.Errorf("opening = %q %q", out.Metrics.ECO, out.Metrics.Opening)
	}
}

func TestStatusString(t *testing.T) {
	for s, want := range map[Status]string{
		StatusPending: "pending", StatusEvaluating: "evaluating", StatusDone: "done",
		StatusSkipped: "skipped", StatusFailed: "failed", Status(42): "unknown",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
