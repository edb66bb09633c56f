// Package deferred implements the deferred-read set (spec.md §4.2, C2): a
// fixed ring of epoch counters that defers installation of a new mapping
// until every read admitted before it was scheduled has drained.
//
// Grounded on drivers/md/dm-thin.c's struct dm_deferred_set
// (DEFERRED_SET_SIZE=64, dm_deferred_set_add_work, dm_deferred_entry_dec).
package deferred

import "sync"

// Size is the fixed number of epoch slots in the ring (spec.md: N = 64).
const Size = 64

// WorkItem is anything that can be queued in an epoch, waiting for all
// reads admitted through that epoch to drain. In this module it is always
// a *mapping.Record, but the package stays independent of that type to
// avoid an import cycle (mapping records are the pool's concern, not the
// deferred set's).
type WorkItem interface{}

type entry struct {
	count int
	work  []WorkItem
}

// Handle is returned by Inc and must be passed back to Dec exactly once.
// It captures which epoch slot admitted the read.
type Handle struct {
	slot int
}

// Set is a fixed ring of Size epoch slots with current/sweeper indices,
// both starting at 0, matching spec.md's Set exactly.
type Set struct {
	mu      sync.Mutex
	entries [Size]entry
	current int
	sweeper int
}

// New creates an empty deferred-read set.
func New() *Set {
	return &Set{}
}

// Inc atomically returns a handle bound to the current epoch and
// increments that slot's live-read count. Call on admission of a read to a
// shared data block.
func (s *Set) Inc() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[s.current].count++
	return Handle{slot: s.current}
}

// Dec decrements the bound slot's count, then sweeps every slot from
// sweeper up to (but not past) current whose count has reached zero,
// appending their queued work into out. If sweeper has caught up to
// current and current's own count is also zero, current's work is spliced
// too. Dec runs in end-I/O ("completion") context per spec.md §4.2's
// boundary note.
func (s *Set) Dec(h Handle, out *[]WorkItem) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[h.slot].count--
	if s.entries[h.slot].count < 0 {
		panic("deferred: entry count went negative")
	}

	for s.sweeper != s.current && s.entries[s.sweeper].count == 0 {
		s.drain(s.sweeper, out)
		s.sweeper = next(s.sweeper)
	}
	if s.sweeper == s.current && s.entries[s.current].count == 0 {
		s.drain(s.current, out)
	}
}

func (s *Set) drain(slot int, out *[]WorkItem) {
	if len(s.entries[slot].work) == 0 {
		return
	}
	*out = append(*out, s.entries[slot].work...)
	s.entries[slot].work = nil
}

// AddWork attaches item to the current epoch's pending-work list, gated on
// all reads admitted up through this epoch draining. It returns deferred =
// false if there is nothing to wait for (current slot empty and sweeper
// already caught up to it) — the caller can treat the work item as
// immediately ready. Otherwise it appends item and, if doing so would
// stall future admissions behind it, advances current by one slot (but
// only if that next slot is itself currently empty; this best-effort
// single-step advance is the open question noted in spec.md §9 — kept as
// specified, not extended).
func (s *Set) AddWork(item WorkItem) (deferred bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entries[s.current].count == 0 && s.sweeper == s.current {
		return false
	}

	s.entries[s.current].work = append(s.entries[s.current].work, item)

	n := next(s.current)
	if s.entries[n].count == 0 {
		s.current = n
	}
	return true
}

func next(i int) int {
	return (i + 1) % Size
}
