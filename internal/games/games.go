// Package games reads a player's archived games into ordered game records.
package games

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/freeeve/pgn/v3"
)

// ErrSourceUnavailable marks a player's input archive as missing or unparsable.
// The whole player is skipped when it is returned.
var ErrSourceUnavailable = errors.New("source unavailable")

// Rating is a player's rating tag. NoRating marks a missing or unparsable tag;
// 0 is a known rating.
type Rating int

// NoRating is stored as JSON null.
const NoRating Rating = -1

// Known reports whether the tag carried a rating.
func (r Rating) Known() bool {
	return r >= 0
}

func (r Rating) MarshalJSON() ([]byte, error) {
	if !r.Known() {
		return []byte("null"), nil
	}
	return strconv.AppendInt(nil, int64(r), 10), nil
}

func (r *Rating) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*r = NoRating
		return nil
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return fmt.Errorf("rating %s: %w", b, err)
	}
	*r = Rating(n)
	return nil
}

// Header holds the identifying tags of a game.
type Header struct {
	Event    string `json:"event"`
	Site     string `json:"site"`
	Round    string `json:"round"`
	Date     string `json:"date"`
	White    string `json:"white_player"`
	Black    string `json:"black_player"`
	WhiteElo Rating `json:"white_elo"`
	BlackElo Rating `json:"black_elo"`
	Result   string `json:"result"`
}

// HasRating reports whether at least one side's rating is known.
func (h Header) HasRating() bool {
	return h.WhiteElo.Known() || h.BlackElo.Known()
}

// GameRecord is one parsed game: headers plus its mainline moves.
type GameRecord struct {
	Index  int // 1-based position in the player's archive
	Header Header
	Moves  []pgn.Mv
}

// Plies returns the number of half-moves in the game.
func (g GameRecord) Plies() int {
	return len(g.Moves)
}

// Source locates per-player archives under a directory.
type Source struct {
	Dir string
}

// extensions are tried in order; pgn.Games decompresses .zst transparently.
var extensions = []string{".pgn", ".pgn.zst"}

// Path returns the archive path for player, preferring an existing file.
func (s Source) Path(player string) (string, error) {
	for _, ext := range extensions {
		path := filepath.Join(s.Dir, player+ext)
		fi, err := os.Stat(path)
		if err == nil && !fi.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: no archive for %q in %s", ErrSourceUnavailable, player, s.Dir)
}

// Read parses every game of player in archive order.
func (s Source) Read(player string) ([]GameRecord, error) {
	path, err := s.Path(player)
	if err != nil {
		return nil, err
	}
	return ReadFile(path)
}

// ReadFile parses every game in a PGN file (optionally .zst compressed).
func ReadFile(path string) ([]GameRecord, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	parser := pgn.Games(path)

	var records []GameRecord
	for game := range parser.Games {
		records = append(records, GameRecord{
			Index:  len(records) + 1,
			Header: headerFromTags(game.Tags),
			Moves:  game.Moves,
		})
	}
	if err := parser.Err(); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrSourceUnavailable, path, err)
	}
	if len(records) == 0 && fi.Size() > 0 {
		return nil, fmt.Errorf("%w: no games parsed from %s", ErrSourceUnavailable, path)
	}
	return records, nil
}

// Window returns the games with 1-based index in [start, start+max), max 0 meaning no cap.
func Window(records []GameRecord, start, max int) []GameRecord {
	if start < 1 {
		start = 1
	}
	if start > len(records) {
		return nil
	}
	out := records[start-1:]
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

func headerFromTags(tags map[string]string) Header {
	return Header{
		Event:    tags["Event"],
		Site:     tags["Site"],
		Round:    tags["Round"],
		Date:     tags["Date"],
		White:    tags["White"],
		Black:    tags["Black"],
		WhiteElo: ParseRating(tags["WhiteElo"]),
		BlackElo: ParseRating(tags["BlackElo"]),
		Result:   tags["Result"],
	}
}

// ParseRating returns NoRating for missing, non-numeric or negative ratings.
func ParseRating(s string) Rating {
	r, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || r < 0 {
		return NoRating
	}
	return Rating(r)
}
