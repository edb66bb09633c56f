package pool

import (
	"context"

	"github.com/spin-stack/thinpool/internal/deferred"
	"github.com/spin-stack/thinpool/internal/mapping"
	"github.com/spin-stack/thinpool/internal/prison"
	"github.com/spin-stack/thinpool/pkg/bio"
)

// scheduleZero implements spec.md §4.5 "Schedule zero": fresh provisioning
// of a not-yet-mapped block. It never needs the deferred set — nobody else
// can observe the new data block until this record commits.
func (p *Pool) scheduleZero(ctx context.Context, thinID uint32, virt uint64, data uint64, cell *prison.Cell, b *bio.Bio) *mapping.Record {
	rec := mapping.New(thinID, virt, cell, mapping.KindProvision)
	rec.MarkScheduled(data)
	rec.NoDeferredGate()

	if b.WholeBlock || p.cfg.SkipBlockZeroing {
		b.InstallHook(mapping.OverwriteHook(rec, p.enqueuePrepared))
		rec.BindOverwriteBio(b)
		p.remapAndIssue(ctx, b, data)
		return rec
	}

	region := p.dataRegion(data)
	p.engine.Zero(ctx, region, func(err error) {
		if err != nil {
			// Completion context only touches the pool's own queues (spec.md
			// §5); the cell is failed later, in worker context, when
			// processPrepared drains this record (spec.md §4.4 step 1),
			// mirroring dm-thin.c's copy_complete/process_prepared_mapping
			// split.
			rec.Fail(&DeviceError{Op: "zero", Cause: err})
			p.enqueuePrepared(rec)
			return
		}
		if rec.CopyOrZeroComplete(nil) {
			p.enqueuePrepared(rec)
		}
	})
	return rec
}

// scheduleCopy implements spec.md §4.5 "Schedule copy": breaking sharing on
// a block already mapped by more than one thin device. The record is
// gated on the deferred set so its commit waits for reads admitted before
// scheduling to drain (invariant 3, COW freshness).
func (p *Pool) scheduleCopy(ctx context.Context, thinID uint32, virt, oldData, newData uint64, cell *prison.Cell, b *bio.Bio) *mapping.Record {
	rec := mapping.New(thinID, virt, cell, mapping.KindBreakSharing)
	rec.MarkScheduled(newData)

	if mustWait := p.deferredSet.AddWork(rec); !mustWait {
		rec.NoDeferredGate()
	}

	if b.WholeBlock {
		b.InstallHook(mapping.OverwriteHook(rec, p.enqueuePrepared))
		rec.BindOverwriteBio(b)
		p.remapAndIssue(ctx, b, newData)
		return rec
	}

	src := p.dataRegion(oldData)
	dst := p.dataRegion(newData)
	p.engine.Copy(ctx, src, dst, func(readErr, writeErr error) {
		if readErr != nil || writeErr != nil {
			// Same completion-context discipline as scheduleZero: fail the
			// record and let processPrepared drain and fail the cell in
			// worker context instead of touching the prison's own lock here.
			rec.Fail(&DeviceError{Op: "copy", Cause: firstNonNil(readErr, writeErr)})
			p.enqueuePrepared(rec)
			return
		}
		if rec.CopyOrZeroComplete(nil) {
			p.enqueuePrepared(rec)
		}
	})
	return rec
}

// remapAndIssue rewrites b's remap target to data and hands it to the
// submitter. Used for the worker's singleton/overwrite remaps; the fast
// path (Map) rewrites the remap target inline instead.
func (p *Pool) remapAndIssue(ctx context.Context, b *bio.Bio, data uint64) {
	b.Sector = p.geometry.RemapSector(data, b.Sector)
	b.Bdev = dataBdev
	b.Remapped = true
	if p.submitter != nil {
		p.submitter.Submit(ctx, b)
	}
}

// drainDeferredWork releases any mapping records the deferred set handed
// back on a read's decrement, posting each fully-prepared one onto the
// worker's prepared queue (spec.md §4.2 "Boundary").
func (p *Pool) drainDeferredWork(items []deferred.WorkItem) {
	for _, item := range items {
		rec, ok := item.(*mapping.Record)
		if !ok {
			continue
		}
		if rec.DeferredGateReleased() {
			p.enqueuePrepared(rec)
		}
	}
}

// admitSharedRead admits b to the deferred set's current epoch and installs
// a shared-read hook on b that decrements that epoch on completion
// (spec.md §4.5 "Found, shared" read branch).
func (p *Pool) admitSharedRead(b *bio.Bio) {
	handle := p.deferredSet.Inc()
	b.InstallHook(mapping.SharedReadHook(p.deferredSet, handle, p.drainDeferredWork))
}

func firstNonNil(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
