// Package archive persists per-player game metrics as deduplicated archives.
//
// Each archive is one zstd-compressed JSON-lines file. Every write is a full
// rewrite through a temporary file and rename, so a reader sees either the
// previous archive or the new one, never a partial file.
package archive

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/freeeve/cploss/internal/cploss"
	"github.com/freeeve/cploss/internal/games"
)

// Ext is the archive file extension.
const Ext = ".jsonl.zst"

// ErrPersistence marks a failed archive read or write.
var ErrPersistence = errors.New("persistence failure")

// Key identifies a game independently of its computed numbers.
type Key struct {
	Event    string
	Site     string
	Round    string
	Date     string
	White    string
	Black    string
	WhiteElo games.Rating
	BlackElo games.Rating
	Result   string
}

// KeyOfHeader builds the dedup key from game headers.
func KeyOfHeader(h games.Header) Key {
	return Key{
		Event:    h.Event,
		Site:     h.Site,
		Round:    h.Round,
		Date:     h.Date,
		White:    h.White,
		Black:    h.Black,
		WhiteElo: h.WhiteElo,
		BlackElo: h.BlackElo,
		Result:   h.Result,
	}
}

// KeyOf builds the dedup key of a record. Loss statistics are excluded.
func KeyOf(m *cploss.GameMetrics) Key {
	return KeyOfHeader(m.Header)
}

// Merge appends batch to base and drops later records whose key was already seen.
// The first-seen record wins, so previously persisted records are never replaced.
func Merge(base, batch []cploss.GameMetrics) (merged []cploss.GameMetrics, duplicates int) {
	merged = make([]cploss.GameMetrics, 0, len(base)+len(batch))
	seen := make(map[Key]struct{}, len(base)+len(batch))
	for _, part := range [][]cploss.GameMetrics{base, batch} {
		for i := range part {
			k := KeyOf(&part[i])
			if _, ok := seen[k]; ok {
				duplicates++
				continue
			}
			seen[k] = struct{}{}
			merged = append(merged, part[i])
		}
	}
	return merged, duplicates
}

// MergeResult describes one merge-and-rewrite.
type MergeResult struct {
	Existing   int // records on disk before the merge
	Added      int // records from the batch that were new
	Duplicates int // records dropped by key
	Total      int // records written
}

// Store reads and rewrites archives under one directory.
type Store struct {
	dir   string
	log   zerolog.Logger
	level zstd.EncoderLevel
}

// NewStore opens (creating if needed) an archive directory.
func NewStore(dir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrPersistence, dir, err)
	}
	return &Store{dir: dir, log: log, level: zstd.SpeedDefault}, nil
}

// Dir returns the archive directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the archive file for player.
func (s *Store) Path(player string) string {
	return filepath.Join(s.dir, player+Ext)
}

// Players lists the players that have an archive, in directory order.
func (s *Store) Players() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	var players []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Ext) {
			continue
		}
		players = append(players, strings.TrimSuffix(e.Name(), Ext))
	}
	return players, nil
}

// Load reads player's archive. A missing archive is empty, not an error.
func (s *Store) Load(player string) ([]cploss.GameMetrics, error) {
	return ReadFile(s.Path(player))
}

// Keys returns the key set of player's archive.
func (s *Store) Keys(player string) (map[Key]struct{}, error) {
	records, err := s.Load(player)
	if err != nil {
		return nil, err
	}
	keys := make(map[Key]struct{}, len(records))
	for i := range records {
		keys[KeyOf(&records[i])] = struct{}{}
	}
	return keys, nil
}

// Merge folds batch into player's archive and rewrites it atomically.
func (s *Store) Merge(player string, batch []cploss.GameMetrics) (MergeResult, error) {
	existing, err := s.Load(player)
	if err != nil {
		return MergeResult{}, err
	}

	merged, dups := Merge(existing, batch)
	res := MergeResult{
		Existing:   len(existing),
		Added:      len(merged) - len(existing),
		Duplicates: dups,
		Total:      len(merged),
	}

	if err := s.write(s.Path(player), merged); err != nil {
		return MergeResult{}, err
	}

	s.log.Debug().
		Str("player", player).
		Int("existing", res.Existing).
		Int("added", res.Added).
		Int("duplicates", res.Duplicates).
		Msg("archive merged")
	return res, nil
}

func (s *Store) write(path string, records []cploss.GameMetrics) error {
	tmpPath := path + ".tmp"

	if err := writeFile(tmpPath, records, s.level); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: write %s: %v", ErrPersistence, tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: rename %s: %v", ErrPersistence, path, err)
	}
	if err := syncDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("%w: sync %s: %v", ErrPersistence, filepath.Dir(path), err)
	}
	return nil
}

// syncDir flushes a directory entry so a completed rename survives power loss.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func writeFile(path string, records []cploss.GameMetrics, level zstd.EncoderLevel) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	enc, err := zstd.NewWriter(bw, zstd.WithEncoderLevel(level))
	if err != nil {
		return err
	}

	jenc := json.NewEncoder(enc)
	for i := range records {
		if err := jenc.Encode(&records[i]); err != nil {
			enc.Close()
			return err
		}
	}
	if err := enc.Close(); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	return f.Close()
}

// ReadFile decodes an archive file. A missing file yields no records.
func ReadFile(path string) ([]cploss.GameMetrics, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrPersistence, path, err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrPersistence, path, err)
	}
	defer dec.Close()

	var records []cploss.GameMetrics
	jdec := json.NewDecoder(dec)
	for {
		var m cploss.GameMetrics
		err := jdec.Decode(&m)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: decode %s record %d: %v", ErrPersistence, path, len(records)+1, err)
		}
		records = append(records, m)
	}
	return records, nil
}

// PlayerMerge is the result of merging one player's archive into another store.
type PlayerMerge struct {
	Player string
	MergeResult
}

// MergeDir folds every archive in src into the same player's archive in dst.
// Existing dst records win. It stops at the first failure.
func MergeDir(src, dst *Store) ([]PlayerMerge, error) {
	players, err := src.Players()
	if err != nil {
		return nil, err
	}
	var out []PlayerMerge
	for _, p := range players {
		batch, err := src.Load(p)
		if err != nil {
			return out, err
		}
		res, err := dst.Merge(p, batch)
		if err != nil {
			return out, err
		}
		out = append(out, PlayerMerge{Player: p, MergeResult: res})
	}
	return out, nil
}
