// Package eco classifies games by ECO (Encyclopedia of Chess Openings) code.
package eco

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/freeeve/pgn/v3"
)

// Opening represents an ECO opening classification.
type Opening struct {
	ECO  string `json:"eco"`
	Name string `json:"name"`
}

// Database holds ECO opening data indexed by position.
type Database struct {
	byPosition map[pgn.PackedPosition]Opening
}

// NewDatabase creates an empty ECO database.
func NewDatabase() *Database {
	return &Database{
		byPosition: make(map[pgn.PackedPosition]Opening),
	}
}

// moveNumberRegex matches move numbers like "1." or "12..."
var moveNumberRegex = regexp.MustCompile(`\d+\.+\s*`)

// LoadDir loads all .tsv files from a directory.
func LoadDir(dir string) (*Database, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.tsv"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .tsv files found in %s", dir)
	}

	db := NewDatabase()
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		err = db.Load(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}
	return db, nil
}

// Load reads TSV lines of the form "eco\tname\tpgn". Unparsable lines are skipped.
func (db *Database) Load(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		if lineNum == 1 && strings.HasPrefix(line, "eco\t") {
			continue
		}

		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}

		pos := pgn.NewStartingPosition()
		if err := applyMoves(pos, parts[2]); err != nil {
			continue
		}
		db.byPosition[pos.Pack()] = Opening{ECO: parts[0], Name: parts[1]}
	}

	return scanner.Err()
}

// applyMoves parses and applies PGN moves like "1. e4 e5 2. Nf3 Nc6"
func applyMoves(pos *pgn.GameState, pgnMoves string) error {
	cleaned := moveNumberRegex.ReplaceAllString(pgnMoves, "")
	for _, san := range strings.Fields(cleaned) {
		if san[0] == '$' || san[0] == '{' {
			continue
		}
		san = strings.TrimRight(san, "+#")

		mv, err := pgn.ParseSAN(pos, san)
		if err != nil {
			return fmt.Errorf("parse %q: %w", san, err)
		}
		if err := pgn.ApplyMove(pos, mv); err != nil {
			return fmt.Errorf("apply %q: %w", san, err)
		}
	}
	return nil
}

// Lookup returns the opening for a position, or nil if not found.
func (db *Database) Lookup(gs *pgn.GameState) *Opening {
	if db == nil {
		return nil
	}
	if o, ok := db.byPosition[gs.Pack()]; ok {
		return &o
	}
	return nil
}

// Count returns the number of distinct classified positions.
func (db *Database) Count() int {
	return len(db.byPosition)
}

// Tracker follows a game's replay and remembers the deepest classified position.
// A nil database yields a tracker that never matches.
type Tracker struct {
	db   *Database
	last *Opening
}

// NewTracker starts tracking a new game.
func (db *Database) NewTracker() *Tracker {
	return &Tracker{db: db}
}

// Observe records the position reached after a ply.
func (t *Tracker) Observe(gs *pgn.GameState) {
	if o := t.db.Lookup(gs); o != nil {
		t.last = o
	}
}

// Opening returns the deepest opening seen, or the zero value.
func (t *Tracker) Opening() Opening {
	if t.last == nil {
		return Opening{}
	}
	return *t.last
}
