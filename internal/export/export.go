// Package export flattens player archives into one row per player per game.
package export

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/freeeve/cploss/internal/archive"
	"github.com/freeeve/cploss/internal/cploss"
	"github.com/freeeve/cploss/internal/games"
)

// Options filter and trim rows.
type Options struct {
	MinElo       int     // a side is kept only when its rating is strictly above this
	OpeningMoves int     // leading losses dropped from each side's series
	MinRemaining int     // losses required after trimming
	MaxMeanLoss  float64 // drop rows whose trimmed mean exceeds this (0 = off)
	AllEvents    bool    // keep blitz and rapid events
}

// DefaultOptions returns the standard export filters.
func DefaultOptions() Options {
	return Options{
		MinElo:       2000,
		OpeningMoves: 10,
		MinRemaining: 10,
	}
}

// Row is one side of one game.
type Row struct {
	Event    string
	Date     string
	Player   string
	Elo      int
	Color    string
	Opponent string
	Result   string // won, lost or draw from Player's side
	MeanLoss float64
	StdLoss  float64
	Moves    int // losses after trimming
	ECO      string
}

// Header is the CSV header matching Row.Record.
var Header = []string{
	"event", "date", "player", "elo", "color", "opponent", "result",
	"avg_cp_loss", "std_cp_loss", "moves", "eco",
}

// Record renders r as CSV fields.
func (r Row) Record() []string {
	return []string{
		r.Event,
		r.Date,
		r.Player,
		strconv.Itoa(r.Elo),
		r.Color,
		r.Opponent,
		r.Result,
		strconv.FormatFloat(r.MeanLoss, 'f', 4, 64),
		strconv.FormatFloat(r.StdLoss, 'f', 4, 64),
		strconv.Itoa(r.Moves),
		r.ECO,
	}
}

// Stats counts what an export kept and dropped.
type Stats struct {
	Players    int
	Games      int
	Rows       int
	Filtered   int // sides dropped by filters
	Duplicates int // rows dropped as duplicates
}

// IsClassical reports whether an event is not a blitz or rapid event.
func IsClassical(event string) bool {
	e := strings.ToLower(event)
	return !strings.Contains(e, "blitz") && !strings.Contains(e, "rapid")
}

// SideResult maps a PGN result to won, lost or draw for one color.
func SideResult(result, color string) string {
	switch {
	case result == "1-0" && color == "white", result == "0-1" && color == "black":
		return "won"
	case result == "1-0" || result == "0-1":
		return "lost"
	default:
		return "draw"
	}
}

// Flatten explodes a record into at most two rows. It returns the number of
// sides dropped by filters.
func Flatten(m *cploss.GameMetrics, opts Options) (rows []Row, filtered int) {
	if !opts.AllEvents && !IsClassical(m.Event) {
		return nil, 2
	}
	sides := []struct {
		color, player, opponent string
		elo                     games.Rating
		losses                  []int
	}{
		{"white", m.White, m.Black, m.WhiteElo, m.WhiteLosses},
		{"black", m.Black, m.White, m.BlackElo, m.BlackLosses},
	}
	for _, s := range sides {
		losses := trim(s.losses, opts.OpeningMoves)
		if !s.elo.Known() || int(s.elo) <= opts.MinElo || len(losses) < opts.MinRemaining {
			filtered++
			continue
		}
		mean, std := cploss.MeanStd(losses)
		if opts.MaxMeanLoss > 0 && mean > opts.MaxMeanLoss {
			filtered++
			continue
		}
		rows = append(rows, Row{
			Event:    m.Event,
			Date:     m.Date,
			Player:   s.player,
			Elo:      int(s.elo),
			Color:    s.color,
			Opponent: s.opponent,
			Result:   SideResult(m.Result, s.color),
			MeanLoss: mean,
			StdLoss:  std,
			Moves:    len(losses),
			ECO:      m.ECO,
		})
	}
	return rows, filtered
}

func trim(losses []int, n int) []int {
	if n <= 0 {
		return losses
	}
	if n >= len(losses) {
		return nil
	}
	return losses[n:]
}

type rowKey struct {
	event, date, player string
	elo                 int
	color, opponent     string
	result              string
	mean                float64
}

// Dedup keeps the first of each row with the same identity and mean loss.
// The same game appears in both players' archives.
func Dedup(rows []Row) ([]Row, int) {
	seen := make(map[rowKey]struct{}, len(rows))
	out := rows[:0]
	for _, r := range rows {
		k := rowKey{r.Event, r.Date, r.Player, r.Elo, r.Color, r.Opponent, r.Result, r.MeanLoss}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out, len(rows) - len(out)
}

// Collect flattens every archive in the store, in directory order.
func Collect(s *archive.Store, opts Options) ([]Row, Stats, error) {
	var st Stats
	players, err := s.Players()
	if err != nil {
		return nil, st, err
	}

	var rows []Row
	for _, p := range players {
		records, err := s.Load(p)
		if err != nil {
			return nil, st, err
		}
		st.Players++
		for i := range records {
			st.Games++
			r, filtered := Flatten(&records[i], opts)
			st.Filtered += filtered
			rows = append(rows, r...)
		}
	}

	rows, st.Duplicates = Dedup(rows)
	st.Rows = len(rows)
	return rows, st, nil
}

// WriteCSV writes the header and rows.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write(r.Record()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
