package pool

import (
	"context"

	"github.com/containerd/log"

	"github.com/spin-stack/thinpool/internal/mapping"
	"github.com/spin-stack/thinpool/internal/prison"
	"github.com/spin-stack/thinpool/pkg/bio"
	"github.com/spin-stack/thinpool/pkg/metadata"
)

// runWorker is the single per-pool worker task of spec.md §4.4: it wakes on
// new deferred bios or prepared mappings, drains both, and never blocks on
// metadata I/O while holding the pool mutex.
func (p *Pool) runWorker(ctx context.Context) {
	defer close(p.workerDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		}
		p.drainPrepared(ctx)
		p.drainDeferred(ctx)
	}
}

func (p *Pool) drainPrepared(ctx context.Context) {
	p.mu.Lock()
	batch := p.preparedQueue
	p.preparedQueue = nil
	p.mu.Unlock()

	for _, rec := range batch {
		p.processPrepared(ctx, rec)
	}

	p.mu.Lock()
	p.notifyIfDrainedLocked()
	p.mu.Unlock()
}

func (p *Pool) drainDeferred(ctx context.Context) {
	p.mu.Lock()
	batch := p.deferredQueue
	p.deferredQueue = nil
	p.mu.Unlock()

	for _, b := range batch {
		p.processDeferredBio(ctx, b)
	}

	p.mu.Lock()
	p.notifyIfDrainedLocked()
	p.mu.Unlock()
}

// processPrepared implements worker-loop step 1 (spec.md §4.4): persist a
// fully-prepared mapping, then drain its cell.
func (p *Pool) processPrepared(ctx context.Context, rec *mapping.Record) {
	if rec.State() == mapping.Failed {
		p.failPreparedCell(ctx, rec)
		return
	}

	handle, err := p.thinHandle(ctx, rec.ThinID)
	if err != nil {
		werr := &MetadataError{Op: "open_thin", Cause: err}
		rec.Fail(werr)
		p.failPreparedCell(ctx, rec)
		p.escalateOnMetadataError(ctx)
		return
	}

	if err := handle.InsertBlock(ctx, rec.Virt, rec.Data); err != nil {
		werr := &MetadataError{Op: "insert_block", Cause: err}
		rec.Fail(werr)
		p.failPreparedCell(ctx, rec)
		p.escalateOnMetadataError(ctx)
		return
	}
	rec.MarkCommitted()
	log.G(ctx).WithField("thin", rec.ThinID).WithField("virt", rec.Virt).WithField("data", rec.Data).Debug("worker: mapping committed")

	all := p.prison.Release(ctx, rec.Cell)
	if overwrite := rec.OverwriteBio(); overwrite != nil {
		for _, b := range all {
			if b == overwrite {
				continue
			}
			p.enqueueDeferred(b)
		}
		rec.CompleteOverwrite(nil)
	} else {
		for _, b := range all {
			p.enqueueDeferred(b)
		}
	}
	rec.MarkReleased()
}

// failPreparedCell drains rec's cell and fails every detained bio with the
// record's error. A record driven by an overwrite hook has already had its
// bio's Complete invoked once (by the submitter, which is what ran the
// hook in the first place), so that bio is excluded from the ordinary
// Bio.Fail loop and instead completed through CompleteOverwrite, which
// invokes the withheld original callback directly instead of going through
// Bio.Complete a second time (dm-thin.c's overwrite_endio failure path).
func (p *Pool) failPreparedCell(ctx context.Context, rec *mapping.Record) {
	all := p.prison.Release(ctx, rec.Cell)
	err := rec.Err()
	overwrite := rec.OverwriteBio()
	for _, b := range all {
		if b == overwrite {
			continue
		}
		b.Fail(err)
	}
	if overwrite != nil {
		rec.CompleteOverwrite(err)
	}
}

// processDeferredBio implements the worker slow path (C6, spec.md §4.5).
func (p *Pool) processDeferredBio(ctx context.Context, b *bio.Bio) {
	if b.Flags.FlushOrFUA() {
		if err := p.commit(ctx, "flush"); err != nil {
			log.G(ctx).WithField("error", err).Error("worker: flush commit failed")
			b.Fail(err)
			return
		}
	}

	block := p.geometry.BlockOf(b.Sector)
	key := virtualKey(b.ThinID, block)
	cell, prior := p.prison.Detain(ctx, key, b)
	if prior > 0 {
		return
	}

	handle, err := p.thinHandle(ctx, b.ThinID)
	if err != nil {
		p.prison.Fail(ctx, cell, &MetadataError{Op: "open_thin", Cause: err})
		p.escalateOnMetadataError(ctx)
		return
	}

	m, found, err := handle.FindBlock(ctx, block, true)
	if err != nil {
		p.prison.Fail(ctx, cell, &MetadataError{Op: "find_block", Cause: err})
		p.escalateOnMetadataError(ctx)
		return
	}

	switch {
	case !found:
		p.provision(ctx, b.ThinID, block, cell, b)
	case !m.Shared:
		issued := p.prison.ReleaseSingleton(ctx, cell, b)
		p.remapAndIssue(ctx, issued, m.Data)
	case b.Dir == bio.Write:
		p.breakSharing(ctx, b.ThinID, block, m.Data, cell, b)
	default:
		issued := p.prison.ReleaseSingleton(ctx, cell, b)
		p.admitSharedRead(issued)
		p.remapAndIssue(ctx, issued, m.Data)
	}
}

// provision handles a not-yet-mapped block: allocate a data block and
// schedule a zero (spec.md §4.5 "Not found -> provision").
func (p *Pool) provision(ctx context.Context, thinID uint32, block uint64, cell *prison.Cell, b *bio.Bio) {
	data, err := p.store.AllocDataBlock(ctx)
	if err != nil {
		if metadata.IsOutOfSpace(err) {
			p.handleOutOfSpace(ctx, cell)
			return
		}
		p.prison.Fail(ctx, cell, &MetadataError{Op: "alloc_data_block", Cause: err})
		p.escalateOnMetadataError(ctx)
		return
	}
	p.reportFreeSpace(ctx)
	p.scheduleZero(ctx, thinID, block, data, cell, b)
}

// breakSharing handles a write to a shared block: allocate a fresh data
// block and schedule a copy (spec.md §4.5 "Found, shared" write branch).
func (p *Pool) breakSharing(ctx context.Context, thinID uint32, block, oldData uint64, cell *prison.Cell, b *bio.Bio) {
	data, err := p.store.AllocDataBlock(ctx)
	if err != nil {
		if metadata.IsOutOfSpace(err) {
			p.handleOutOfSpace(ctx, cell)
			return
		}
		p.prison.Fail(ctx, cell, &MetadataError{Op: "alloc_data_block", Cause: err})
		p.escalateOnMetadataError(ctx)
		return
	}
	p.reportFreeSpace(ctx)
	p.scheduleCopy(ctx, thinID, block, oldData, data, cell, b)
}

// handleOutOfSpace implements spec.md §4.5 "On out-of-space": every bio
// detained in the cell moves to the retry queue, to be resubmitted on the
// next preresume, and the low-water event is latched.
func (p *Pool) handleOutOfSpace(ctx context.Context, cell *prison.Cell) {
	stuck := p.prison.Release(ctx, cell)
	p.mu.Lock()
	p.retryQueue = append(p.retryQueue, stuck...)
	p.mu.Unlock()
	p.checkLowWaterData(ctx, 0)
	p.setMode(ctx, ModeOutOfDataSpace)
	log.G(ctx).WithField("count", len(stuck)).Warn("worker: out of data space, moved to retry queue")
}

func (p *Pool) reportFreeSpace(ctx context.Context) {
	if free, err := p.store.FreeBlockCount(ctx); err == nil {
		p.checkLowWaterData(ctx, free)
	}
	if free, err := p.store.FreeMetadataBlockCount(ctx); err == nil {
		p.checkLowWaterMetadata(ctx, free)
	}
}
