package scheduler

import (
	"sync"
	"time"
)

// Player states on the progress board.
const (
	StateQueued   = "queued"
	StateRunning  = "running"
	StateFinished = "finished"
)

// PlayerProgress is a point-in-time view of one player.
type PlayerProgress struct {
	Player string `json:"player"`
	State  string `json:"state"`
	Worker int    `json:"worker,omitempty"`

	Games     int `json:"games"`
	Game      int `json:"game"` // index of the game being evaluated
	Ply       int `json:"ply"`
	Plies     int `json:"plies"`
	Evaluated int `json:"evaluated"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`

	Status string `json:"status,omitempty"` // set once finished
}

// Snapshot is the whole board.
type Snapshot struct {
	RunID   string           `json:"run_id"`
	Started time.Time        `json:"started"`
	Elapsed string           `json:"elapsed"`
	Players []PlayerProgress `json:"players"`
}

// Progress is a read-mostly board of per-player progress. Workers only
// write their own player's entry.
type Progress struct {
	mu      sync.Mutex
	runID   string
	started time.Time
	order   []string
	players map[string]*PlayerProgress
}

// NewProgress returns an empty board.
func NewProgress() *Progress {
	return &Progress{players: map[string]*PlayerProgress{}}
}

func (p *Progress) reset(runID string, players []string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runID = runID
	p.started = time.Now()
	p.order = append(p.order[:0], players...)
	p.players = make(map[string]*PlayerProgress, len(players))
	for _, name := range players {
		p.players[name] = &PlayerProgress{Player: name, State: StateQueued}
	}
}

func (p *Progress) update(player string, fn func(*PlayerProgress)) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if pp, ok := p.players[player]; ok {
		fn(pp)
	}
}

// Snapshot copies the board.
func (p *Progress) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Snapshot{RunID: p.runID, Started: p.started, Players: make([]PlayerProgress, 0, len(p.order))}
	if !p.started.IsZero() {
		s.Elapsed = time.Since(p.started).Round(time.Second).String()
	}
	for _, name := range p.order {
		s.Players = append(s.Players, *p.players[name])
	}
	return s
}
