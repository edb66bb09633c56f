// Package prison implements the bio prison (spec.md §4.1, C1): a keyed
// serialization structure that detains concurrent I/O to the same logical
// or physical block until whatever is handling that block completes.
//
// Grounded on drivers/md/dm-thin.c's bio_prison: a fixed hash of cells
// guarded by a single lock. Go's map already gives average-O(1) lookup, so
// the open-addressing bucket array of the original is realized here as a
// plain mutex-guarded map rather than a hand-rolled hash table — building
// one on top of the standard library would just reimplement what map does
// correctly.
package prison

import (
	"context"
	"sync"

	"github.com/containerd/log"

	"github.com/spin-stack/thinpool/internal/cellkey"
	"github.com/spin-stack/thinpool/pkg/bio"
)

// Cell is a queue of I/O detained under a single key, plus the number of
// detainers. One Cell exists per distinct currently-detained key; it is
// created on first detain and destroyed on release (spec.md §3 "Cell").
type Cell struct {
	Key   cellkey.Key
	queue []*bio.Bio
}

// Len reports how many bios are currently queued in the cell.
func (c *Cell) Len() int {
	return len(c.queue)
}

// Prison is a fixed-size registry of cells, one mutex-guarded map per
// prison instance (spec.md: "One spinlock per prison").
type Prison struct {
	mu    sync.Mutex
	cells map[cellkey.Key]*Cell
}

// New creates an empty prison. nrCellsHint is retained only to document the
// expected working-set size (the spec's "sized to the next power of two >=
// max(128, nr_cells/4) up to 8192"); Go's map grows dynamically so it is not
// otherwise used to size anything.
func New(nrCellsHint int) *Prison {
	_ = nrCellsHint
	return &Prison{cells: make(map[cellkey.Key]*Cell)}
}

// Detain implements spec.md's detain(key, io) -> cell, prior_count contract.
// If a cell for key already exists, io is appended to its queue and the
// number of detainers already queued *before* this call is returned; the
// caller must treat prior > 0 as "already being handled, do nothing
// further". Otherwise a new cell is allocated and prior is 0.
func (p *Prison) Detain(ctx context.Context, key cellkey.Key, io *bio.Bio) (cell *Cell, prior int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.cells[key]; ok {
		prior = len(c.queue)
		c.queue = append(c.queue, io)
		log.G(ctx).WithField("key", key).WithField("prior", prior).Debug("prison: joined existing cell")
		return c, prior
	}

	c := &Cell{Key: key, queue: []*bio.Bio{io}}
	p.cells[key] = c
	log.G(ctx).WithField("key", key).Debug("prison: detained new cell")
	return c, 0
}

// unlink removes c from the bucket map. Caller must hold p.mu.
func (p *Prison) unlink(c *Cell) {
	if existing, ok := p.cells[c.Key]; ok && existing == c {
		delete(p.cells, c.Key)
	}
}

// Release implements spec.md's release(cell, out_queue): under the prison
// lock, unlink the cell and return every queued bio. After Release returns,
// no further reference to cell is valid.
func (p *Prison) Release(ctx context.Context, c *Cell) []*bio.Bio {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.unlink(c)
	out := c.queue
	c.queue = nil
	log.G(ctx).WithField("key", c.Key).WithField("released", len(out)).Debug("prison: released cell")
	return out
}

// ReleaseSingleton implements release_singleton: identical to Release, but
// asserts that the cell's queue held exactly [expected] and nothing else.
// Used when the caller knows it was the first and only detainer (prior==0
// from Detain).
func (p *Prison) ReleaseSingleton(ctx context.Context, c *Cell, expected *bio.Bio) *bio.Bio {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.unlink(c)
	if len(c.queue) != 1 || c.queue[0] != expected {
		panic("prison: release_singleton called on a cell that gained extra detainers")
	}
	out := c.queue[0]
	c.queue = nil
	log.G(ctx).WithField("key", c.Key).Debug("prison: released singleton cell")
	return out
}

// Fail implements fail(cell): release the cell, then fail every queued bio
// with err. Satisfies invariant 2 (every detained bio is eventually
// observed exactly once) on the error path.
func (p *Prison) Fail(ctx context.Context, c *Cell, err error) {
	out := p.Release(ctx, c)
	for _, io := range out {
		io.Fail(err)
	}
}

// Len reports the number of currently-detained keys. Exposed for tests
// asserting invariant 1 (mutual exclusion by key).
func (p *Prison) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cells)
}

// Keys returns a snapshot of currently-detained keys, for tests.
func (p *Prison) Keys() []cellkey.Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]cellkey.Key, 0, len(p.cells))
	for k := range p.cells {
		keys = append(keys, k)
	}
	return keys
}
