// Package mapping implements the new-mapping record and its end-I/O hooks
// (spec.md §4.3, §4.6, C3): the in-flight provisioning/COW record tracked
// from the moment a copy/zero/overwrite is scheduled until the resulting
// mapping is committed and its cell released.
//
// Grounded on drivers/md/dm-thin.c's struct dm_thin_new_mapping and its
// overwrite_endio/copy_complete/process_prepared_mapping handling.
package mapping

import (
	"sync"

	"github.com/spin-stack/thinpool/internal/prison"
	"github.com/spin-stack/thinpool/pkg/bio"
)

// State is the new-mapping record's lifecycle state (spec.md §4.6).
type State int

const (
	Created State = iota
	Scheduled
	Prepared
	Committed
	Released
	Failed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Scheduled:
		return "scheduled"
	case Prepared:
		return "prepared"
	case Committed:
		return "committed"
	case Released:
		return "released"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Kind distinguishes why the record exists (spec.md §4.4 step 1). It
// decides the deferred-gate ordering; how the worker drains the cell once
// committed depends on whether the record carries an overwrite bio, not on
// Kind.
type Kind int

const (
	// KindProvision is a fresh allocation for a not-yet-mapped block (a
	// zero was scheduled, or the write covered the block so an overwrite
	// hook was used instead).
	KindProvision Kind = iota
	// KindBreakSharing is a break of an existing shared mapping (a copy
	// was scheduled, or the write covered the block so an overwrite hook
	// was used instead).
	KindBreakSharing
)

// Record is the new-mapping record of spec.md §3/§4.6.
type Record struct {
	mu sync.Mutex

	ThinID uint32
	Virt   uint64
	Data   uint64
	Kind   Kind
	Cell   *prison.Cell

	state State
	err   error

	// overwriteOriginal is the write bio's real completion callback,
	// captured by OverwriteHook and withheld until the worker has
	// committed this record's mapping. Reporting the write as done before
	// the mapping is durable would let a caller observe data it could
	// lose on crash (dm-thin.c's overwrite_endio defers exactly the same
	// way, via process_prepared_mapping).
	overwriteOriginal func(error)
	// overwriteBio identifies which of the cell's queued bios the overwrite
	// hook was installed on, so the worker can exclude it from the sibling
	// re-queue (spec.md §4.4 step 1: "re-queue... everything in the cell
	// except the overwrite bio").
	overwriteBio *bio.Bio

	// deferredReleased is true once the deferred set has released this
	// record's gate (always true immediately for zero/provision records,
	// which the deferred set never gates).
	deferredReleased bool
	// copyOrZeroDone is true once the underlying copy/zero/overwrite I/O
	// has completed.
	copyOrZeroDone bool
}

// New creates a record bound to cell, in the Created state.
func New(thinID uint32, virt uint64, cell *prison.Cell, kind Kind) *Record {
	return &Record{ThinID: thinID, Virt: virt, Cell: cell, Kind: kind, state: Created}
}

// MarkScheduled transitions Created -> Scheduled, recording the newly
// allocated data block.
func (r *Record) MarkScheduled(data uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Created {
		panic("mapping: MarkScheduled from non-Created state")
	}
	r.Data = data
	r.state = Scheduled
}

// NoDeferredGate marks a record as not needing the deferred set at all
// (provisions and zeros never race a concurrent reader of the old block,
// since nobody else can see the new data block yet).
func (r *Record) NoDeferredGate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deferredReleased = true
}

// CopyOrZeroComplete records that the underlying async copy/zero (or the
// overwrite bio, in the overwrite-hook path) has finished. err is nil on
// success. Returns true if the record is now fully Prepared (both the I/O
// and the deferred-set gate, if any, are done) — the caller should post it
// to the pool's prepared queue exactly once, when this returns true.
func (r *Record) CopyOrZeroComplete(err error) (readyToPrepare bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.err = err
		r.state = Failed
		return false
	}
	r.copyOrZeroDone = true
	return r.maybePrepareLocked()
}

// DeferredGateReleased records that the deferred set has released this
// record (all reads admitted before scheduling have drained). Returns true
// if the record is now fully Prepared.
func (r *Record) DeferredGateReleased() (readyToPrepare bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deferredReleased = true
	return r.maybePrepareLocked()
}

func (r *Record) maybePrepareLocked() bool {
	if r.state == Failed {
		return false
	}
	if r.copyOrZeroDone && r.deferredReleased && r.state == Scheduled {
		r.state = Prepared
		return true
	}
	return false
}

// setOverwriteOriginal records the write bio's real completion callback,
// to be invoked later via CompleteOverwrite. Called by OverwriteHook.
func (r *Record) setOverwriteOriginal(original func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overwriteOriginal = original
}

// BindOverwriteBio records which bio the overwrite hook was installed on.
// Called once, right after installing the hook.
func (r *Record) BindOverwriteBio(b *bio.Bio) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overwriteBio = b
}

// OverwriteBio returns the bio the overwrite hook was installed on, or nil.
func (r *Record) OverwriteBio() *bio.Bio {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overwriteBio
}

// HasOverwrite reports whether this record was driven by an overwrite hook
// rather than a copy/zero schedule (spec.md §4.4 step 1's branch on "was
// the mapping driven by an overwrite").
func (r *Record) HasOverwrite() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overwriteBio != nil
}

// CompleteOverwrite invokes the write bio's withheld completion callback.
// The worker calls this exactly once, immediately after MarkCommitted, so
// the caller never observes success before the mapping is durable. A no-op
// if this record was not driven by an overwrite.
func (r *Record) CompleteOverwrite(err error) {
	r.mu.Lock()
	original := r.overwriteOriginal
	r.mu.Unlock()
	if original != nil {
		original(err)
	}
}

// MarkCommitted transitions Prepared -> Committed; called by the worker
// after persisting the mapping in the metadata store.
func (r *Record) MarkCommitted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Prepared {
		panic("mapping: MarkCommitted from non-Prepared state")
	}
	r.state = Committed
}

// MarkReleased transitions Committed -> Released, once the cell has been
// drained.
func (r *Record) MarkReleased() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Committed {
		panic("mapping: MarkReleased from non-Committed state")
	}
	r.state = Released
}

// Fail transitions the record to Failed regardless of current state,
// recording the cause. Idempotent.
func (r *Record) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = Failed
	if r.err == nil {
		r.err = err
	}
}

// State returns the record's current lifecycle state.
func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the cause of a Failed record, or nil.
func (r *Record) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
