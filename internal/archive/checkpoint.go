package archive

import (
	"github.com/freeeve/cploss/internal/cploss"
)

// Checkpointer buffers one player's new records and merges them into the
// archive every `every` records and on Flush.
type Checkpointer struct {
	store  *Store
	player string
	every  int

	pending    []cploss.GameMetrics
	flushes    int
	written    int
	duplicates int
}

// Checkpointer returns a checkpointer for player. every < 1 is treated as 1.
func (s *Store) Checkpointer(player string, every int) *Checkpointer {
	if every < 1 {
		every = 1
	}
	return &Checkpointer{store: s, player: player, every: every}
}

// Add buffers m and flushes when the interval is reached.
// It reports whether a checkpoint was written.
func (c *Checkpointer) Add(m *cploss.GameMetrics) (bool, error) {
	c.pending = append(c.pending, *m)
	if len(c.pending) < c.every {
		return false, nil
	}
	if err := c.Flush(); err != nil {
		return false, err
	}
	return true, nil
}

// Flush merges all buffered records into the archive. Buffered records are
// kept on failure.
func (c *Checkpointer) Flush() error {
	if len(c.pending) == 0 {
		return nil
	}
	res, err := c.store.Merge(c.player, c.pending)
	if err != nil {
		return err
	}
	c.flushes++
	c.written += res.Added
	c.duplicates += res.Duplicates
	c.pending = c.pending[:0]
	return nil
}

// Pending returns the number of buffered, unflushed records.
func (c *Checkpointer) Pending() int {
	return len(c.pending)
}

// Flushes returns the number of checkpoints written.
func (c *Checkpointer) Flushes() int {
	return c.flushes
}

// Written returns the number of new records persisted.
func (c *Checkpointer) Written() int {
	return c.written
}

// Duplicates returns the number of records eliminated by key across all flushes.
func (c *Checkpointer) Duplicates() int {
	return c.duplicates
}
