// Package bio defines the minimal I/O request shape the pool core consumes.
// It plays the role of the Linux kernel's struct bio in dm-thin.c, adapted
// to a Go completion-callback style. The concrete submitter that turns a
// Bio into real device I/O is out of scope for this module (spec.md §1) —
// only the interface the core needs to remap and complete a request lives
// here.
package bio

import (
	"context"
	"fmt"
)

// Flags is a bitmask of request modifiers, mirroring the FUA/flush flags a
// real block layer attaches to a write. Modeled the same way as
// other_examples/anupcshan-gonbd__blockdev.go's WriteFlags: a small typed
// bitmask with named predicates rather than loose booleans.
type Flags uint8

const (
	// FlagFlush requests that all previously completed writes be durable
	// before this request is processed.
	FlagFlush Flags = 1 << iota
	// FlagFUA (Force Unit Access) requests that this write itself be
	// durable before it completes.
	FlagFUA
)

// FlushOrFUA reports whether either flag requiring a synchronous metadata
// commit before remap is set (spec.md §4.5 "Flush/FUA handling").
func (f Flags) FlushOrFUA() bool {
	return f&(FlagFlush|FlagFUA) != 0
}

// Dir is the direction of a request.
type Dir uint8

const (
	Read Dir = iota
	Write
)

func (d Dir) String() string {
	if d == Write {
		return "write"
	}
	return "read"
}

// Bio is one in-flight I/O request against a thin device's logical address
// space. Sector is a 512-byte sector index into the thin device; Len is the
// request length in sectors. Bdev/Sector are the remap target: the fast
// path (internal/pool's mapper) rewrites them in place once it has resolved
// a physical block, exactly as dm-thin.c rewrites bio->bi_bdev and
// bio->bi_iter.bi_sector.
type Bio struct {
	ThinID uint32
	Sector uint64
	Len    uint32
	Dir    Dir
	Flags  Flags

	// Bdev and remapped Sector are set by the mapper once a physical block
	// has been resolved. Bdev is opaque to the core; it is whatever handle
	// the submitter uses to identify the pool's data device.
	Bdev   string
	Remapped bool

	// WholeBlock is true when [Sector, Sector+Len) exactly covers one data
	// block, computed by the caller from the pool's block geometry. It
	// drives the overwrite-vs-copy decision in schedule_copy/schedule_zero.
	WholeBlock bool

	// complete is invoked exactly once, either by the submitter (on
	// success) or by the prison/worker (on error). done guards against a
	// caller ever completing the same Bio twice, which would violate
	// spec.md invariant 2 ("no lost bios").
	complete func(error)
	done     bool
}

// New creates a Bio with the given completion callback. The callback MUST
// be idempotent-safe to call exactly once; New enforces the "exactly once"
// half of that contract.
func New(thinID uint32, sector uint64, length uint32, dir Dir, flags Flags, onComplete func(error)) *Bio {
	return &Bio{
		ThinID: thinID,
		Sector: sector,
		Len:    length,
		Dir:    dir,
		Flags:  flags,
		complete: onComplete,
	}
}

// Complete finishes the request with the given error (nil on success). It
// is safe to call from any goroutine but must be called at most once;
// calling it twice panics rather than silently double-completing an I/O,
// since that would be a correctness bug in the caller.
func (b *Bio) Complete(err error) {
	if b.done {
		panic(fmt.Sprintf("bio: double completion for thin=%d sector=%d", b.ThinID, b.Sector))
	}
	b.done = true
	b.complete(err)
}

// InstallHook rewires the bio's completion callback through wrap, the Go
// analogue of the kernel swapping bio->bi_end_io: the previous callback is
// captured as "original" and handed to wrap, which decides if and when to
// invoke it. This is how the overwrite and shared-read end-I/O hooks
// (internal/mapping) intercept completion of a remapped bio without the
// submitter needing to know anything happened.
func (b *Bio) InstallHook(wrap func(original func(error), err error)) {
	original := b.complete
	b.complete = func(err error) { wrap(original, err) }
}

// Fail is a convenience for completing a bio with an I/O error.
func (b *Bio) Fail(err error) {
	b.Complete(err)
}

// Submitter is the I/O submitter the core hands a remapped bio back to for
// actual dispatch (spec.md §1's "out of scope... I/O submitter"; §6.3
// interface). The fast path (a synchronous caller) can reissue a remapped
// bio itself without this interface; the worker's slow path cannot, since
// by the time it remaps a deferred bio the original caller has long since
// returned, so it holds a Submitter to hand the bio off asynchronously.
type Submitter interface {
	Submit(ctx context.Context, b *Bio)
}

