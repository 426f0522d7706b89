package engine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/freeeve/uci"
)

// uciSearcher drives a UCI engine subprocess.
//
// uci.Engine writes "stop" to the engine's stdin on Close, so a close that
// arrives while a search is in flight is deferred until that search returns.
type uciSearcher struct {
	engine   *uci.Engine
	depth    int
	moveTime time.Duration

	mu      sync.Mutex
	busy    bool
	closing bool
	closed  bool
}

func startUCI(cfg Config) (*uciSearcher, error) {
	engine, err := uci.NewEngine(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: create engine: %v", ErrProcess, err)
	}

	opts := uci.Options{
		Hash:    cfg.HashMB,
		Threads: cfg.Threads,
		MultiPV: 1,
		Ponder:  false,
		OwnBook: false,
	}
	if err := engine.SetOptions(opts); err != nil {
		engine.Close()
		return nil, fmt.Errorf("%w: set options: %v", ErrProcess, err)
	}

	return &uciSearcher{
		engine:   engine,
		depth:    cfg.Depth,
		moveTime: cfg.MoveTime,
	}, nil
}

func (u *uciSearcher) search(fen string) (Score, error) {
	u.mu.Lock()
	if u.closed || u.closing {
		u.mu.Unlock()
		return Score{}, fmt.Errorf("%w: engine closed", ErrProcess)
	}
	u.busy = true
	u.mu.Unlock()
	defer u.release()

	if err := u.engine.SetFEN(fen); err != nil {
		return Score{}, classify("set FEN", err)
	}

	var (
		results *uci.Results
		err     error
	)
	if u.moveTime > 0 {
		// Whichever budget the engine reaches first ends the search, so the
		// last reported depth may be short of u.depth.
		results, err = u.engine.Go(u.depth, "", u.moveTime.Milliseconds())
	} else {
		results, err = u.engine.GoDepth(u.depth, uci.HighestDepthOnly)
	}
	if err != nil {
		return Score{}, classify("search", err)
	}
	if results == nil || len(results.Results) == 0 {
		return Score{}, fmt.Errorf("%w: no results from engine", ErrEvaluation)
	}

	best := results.Results[0]
	for _, r := range results.Results {
		if r.Depth > best.Depth {
			best = r
		}
	}

	s := Score{Depth: best.Depth, Mate: best.Mate}
	if best.Mate {
		s.MateIn = best.Score
	} else {
		s.CP = best.Score
	}
	return s, nil
}

// release ends a search and runs a close requested while it was in flight.
func (u *uciSearcher) release() {
	u.mu.Lock()
	u.busy = false
	pending := u.closing && !u.closed
	if pending {
		u.closed = true
	}
	u.mu.Unlock()
	if pending {
		u.engine.Close()
	}
}

// close stops the process now when idle, or after the running search returns.
func (u *uciSearcher) close() {
	u.mu.Lock()
	if u.closed || u.closing {
		u.mu.Unlock()
		return
	}
	if u.busy {
		u.closing = true
		u.mu.Unlock()
		return
	}
	u.closed = true
	u.mu.Unlock()
	u.engine.Close()
}

// classify separates broken-pipe style errors (process gone) from per-call failures.
func classify(op string, err error) error {
	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) {
		return fmt.Errorf("%w: %s: %v", ErrProcess, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrEvaluation, op, err)
}
