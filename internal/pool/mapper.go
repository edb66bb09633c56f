package pool

import (
	"context"

	"github.com/containerd/log"

	"github.com/spin-stack/thinpool/pkg/bio"
)

// dataBdev is the opaque Bdev identifier the fast path writes into a
// remapped bio; the concrete I/O submitter is out of scope (spec.md §1),
// so any fixed string that identifies "the pool's data device" to it
// suffices.
const dataBdev = "pool-data"

// Map is the mapper fast path (C5, spec.md §4.5): a non-blocking
// logical-to-physical lookup that either remaps b in place and returns
// true, or defers it onto the worker's deferred queue and returns false.
// It never blocks and never touches the metadata store's slow path.
func (p *Pool) Map(ctx context.Context, thinID uint32, b *bio.Bio) (remapped bool, err error) {
	switch p.Mode() {
	case ModeFail:
		return false, &MetadataError{Op: "map", Cause: errPoolFailed}
	case ModeReadOnly:
		if b.Dir == bio.Write {
			return false, &MetadataError{Op: "map", Cause: errReadOnly}
		}
	}

	block := p.geometry.BlockOf(b.Sector)
	b.WholeBlock = b.Len == p.geometry.SectorsPerBlock && p.geometry.OffsetOf(b.Sector) == 0

	if b.Flags.FlushOrFUA() {
		log.G(ctx).WithField("thin", thinID).WithField("block", block).Debug("mapper: flush/FUA, deferring")
		p.enqueueDeferred(b)
		return false, nil
	}

	p.mu.Lock()
	handle, bound := p.thinHandles[thinID]
	p.mu.Unlock()
	if !bound {
		log.G(ctx).WithField("thin", thinID).Debug("mapper: thin not bound, deferring")
		p.enqueueDeferred(b)
		return false, nil
	}

	m, found, err := handle.FindBlock(ctx, block, false)
	if err != nil || !found || m.Shared {
		p.enqueueDeferred(b)
		return false, nil
	}

	b.Sector = p.geometry.RemapSector(m.Data, b.Sector)
	b.Bdev = dataBdev
	b.Remapped = true
	return true, nil
}

var (
	errReadOnly  = readOnlyError{}
	errPoolFailed = poolFailedError{}
)

type readOnlyError struct{}

func (readOnlyError) Error() string { return "pool is in read-only mode" }

type poolFailedError struct{}

func (poolFailedError) Error() string { return "pool is in fail mode" }
