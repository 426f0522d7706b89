package scheduler

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotProcessed marks a player no worker was able to take.
var ErrNotProcessed = errors.New("player not processed")

// PlayerStatus is the final state of one player for a run.
type PlayerStatus int

const (
	StatusSuccess PlayerStatus = iota
	StatusPartialFailure
	StatusTotalFailure
)

func (s PlayerStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusPartialFailure:
		return "partial_failure"
	case StatusTotalFailure:
		return "total_failure"
	default:
		return "unknown"
	}
}

// MarshalText renders the status by name in JSON.
func (s PlayerStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Report is the outcome of one player for a run.
type Report struct {
	Player string       `json:"player"`
	Status PlayerStatus `json:"status"`
	Worker int          `json:"worker"`

	Considered           int `json:"considered"` // games in the start/max window
	Evaluated            int `json:"evaluated"`
	Skipped              int `json:"skipped"`
	Failed               int `json:"failed"`
	AlreadyRecorded      int `json:"already_recorded"`
	Written              int `json:"written"` // new records persisted
	DuplicatesEliminated int `json:"duplicates_eliminated"`
	Checkpoints          int `json:"checkpoints"`

	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// settle derives Status from counts and the terminal error.
func (r *Report) settle() {
	switch {
	case r.Err == nil && r.Failed == 0:
		r.Status = StatusSuccess
	case r.Evaluated == 0 && r.Skipped == 0 && r.AlreadyRecorded == 0:
		r.Status = StatusTotalFailure
	default:
		r.Status = StatusPartialFailure
	}
}

// RunReport aggregates every player's report in roster order.
type RunReport struct {
	RunID    string        `json:"run_id"`
	Workers  int           `json:"workers"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Players  []Report      `json:"players"`
}

// Counts returns the number of players per status.
func (r *RunReport) Counts() (success, partial, total int) {
	for _, p := range r.Players {
		switch p.Status {
		case StatusSuccess:
			success++
		case StatusPartialFailure:
			partial++
		case StatusTotalFailure:
			total++
		}
	}
	return success, partial, total
}

// OK reports whether every player succeeded.
func (r *RunReport) OK() bool {
	_, partial, total := r.Counts()
	return partial == 0 && total == 0
}

// Log writes one line per player and a summary line.
func (r *RunReport) Log(log zerolog.Logger) {
	for _, p := range r.Players {
		ev := log.Info()
		if p.Status != StatusSuccess {
			ev = log.Warn()
		}
		var rate float64
		if p.Duration > 0 {
			rate = float64(p.Evaluated) / p.Duration.Seconds()
		}
		ev.Str("player", p.Player).
			Stringer("status", p.Status).
			Int("evaluated", p.Evaluated).
			Int("skipped", p.Skipped).
			Int("failed", p.Failed).
			Int("already_recorded", p.AlreadyRecorded).
			Int("written", p.Written).
			Int("duplicates", p.DuplicatesEliminated).
			Dur("elapsed", p.Duration).
			Float64("games_per_sec", rate).
			AnErr("error", p.Err).
			Msg("player report")
	}
	success, partial, total := r.Counts()
	log.Info().
		Str("run_id", r.RunID).
		Int("players", len(r.Players)).
		Int("success", success).
		Int("partial_failure", partial).
		Int("total_failure", total).
		Dur("elapsed", r.Duration).
		Msg("run complete")
}
