package pool

import (
	"context"
	"testing"

	"github.com/spin-stack/thinpool/internal/deferred"
	"github.com/spin-stack/thinpool/pkg/bio"
)

const testBS = 128 // sectors, matching spec.md §8's BS = 128 sectors

func mustCreateThin(t *testing.T, p *Pool, id uint32) {
	t.Helper()
	if err := p.store.CreateThin(context.Background(), id); err != nil {
		t.Fatalf("CreateThin(%d): %v", id, err)
	}
}

// drainPreparedOnce processes whatever is currently queued in
// p.preparedQueue, without starting the worker goroutine.
func (p *Pool) drainPreparedOnce(ctx context.Context) {
	p.mu.Lock()
	batch := p.preparedQueue
	p.preparedQueue = nil
	p.mu.Unlock()
	for _, rec := range batch {
		p.processPrepared(ctx, rec)
	}
}

// drainDeferredOnce processes whatever is currently queued in
// p.deferredQueue, without starting the worker goroutine. A committed
// mapping's non-overwrite bios land back here (processPrepared re-queues
// them rather than completing them directly), so most scenarios need one
// round of this after drainPreparedOnce to observe a bio's own completion.
func (p *Pool) drainDeferredOnce(ctx context.Context) {
	p.mu.Lock()
	batch := p.deferredQueue
	p.deferredQueue = nil
	p.mu.Unlock()
	for _, b := range batch {
		p.processDeferredBio(ctx, b)
	}
}

// TestFreshProvision is spec.md §8 scenario 1: a whole-block write to an
// unmapped virtual block provisions exactly one data block via the
// overwrite path (no copy engine zero call) and commits synchronously.
func TestFreshProvision(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(4)
	engine := &fakeEngine{}
	sub := &capturingSubmitter{}
	p := newUnstartedPool(t, store, engine, sub, testBS)
	mustCreateThin(t, p, 1)

	var completed error
	completedCalled := false
	b := bio.New(1, 0, testBS, bio.Write, 0, func(err error) {
		completedCalled = true
		completed = err
	})
	b.WholeBlock = true

	p.processDeferredBio(ctx, b)
	// scheduleZero's overwrite path issues b through the submitter
	// synchronously; drain the resulting prepared record by hand since the
	// worker goroutine isn't running.
	p.drainPreparedOnce(ctx)

	if store.allocCalls != 1 {
		t.Fatalf("allocCalls = %d, want 1", store.allocCalls)
	}
	if engine.zeroCalls != 0 {
		t.Fatalf("zeroCalls = %d, want 0 (overwrite path should skip zeroing)", engine.zeroCalls)
	}
	if !completedCalled {
		t.Fatal("bio completion callback was never invoked")
	}
	if completed != nil {
		t.Fatalf("bio completed with error %v, want nil", completed)
	}

	handle, err := p.thinHandle(ctx, 1)
	if err != nil {
		t.Fatalf("thinHandle: %v", err)
	}
	m, found, err := handle.FindBlock(ctx, 0, true)
	if err != nil || !found {
		t.Fatalf("FindBlock(0) = %+v, %v, %v", m, found, err)
	}
	if m.Data != 0 || m.Shared {
		t.Fatalf("mapping = %+v, want {Data:0 Shared:false}", m)
	}
}

// TestSnapshotThenWriteOrigin is spec.md §8 scenario 2.
func TestSnapshotThenWriteOrigin(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(4)
	engine := &fakeEngine{}
	sub := &capturingSubmitter{}
	p := newUnstartedPool(t, store, engine, sub, testBS)
	mustCreateThin(t, p, 1)

	// (T1,0) -> data block 0, same as scenario 1.
	b1 := bio.New(1, 0, testBS, bio.Write, 0, func(error) {})
	b1.WholeBlock = true
	p.processDeferredBio(ctx, b1)
	p.drainPreparedOnce(ctx)

	if err := p.CreateSnap(ctx, 2, 1); err != nil {
		t.Fatalf("CreateSnap: %v", err)
	}

	// A partial write to T1,0 must break sharing via the copy engine, not
	// the overwrite path, since it doesn't cover the whole block.
	var writeErr error
	writeCompleted := false
	b2 := bio.New(1, 0, testBS/2, bio.Write, 0, func(err error) { writeCompleted = true; writeErr = err })
	p.processDeferredBio(ctx, b2)
	p.drainPreparedOnce(ctx)
	// The copy path never installs an overwrite hook, so the worker
	// re-queues b2 as a plain deferred bio once the new mapping commits;
	// it completes on the next drain, remapped onto the fresh data block.
	p.drainDeferredOnce(ctx)

	if engine.copyCalls != 1 {
		t.Fatalf("copyCalls = %d, want 1", engine.copyCalls)
	}
	if !writeCompleted {
		t.Fatal("write bio should have completed after the retry drain")
	}
	if writeErr != nil {
		t.Fatalf("write completed with error %v", writeErr)
	}

	t1, err := p.thinHandle(ctx, 1)
	if err != nil {
		t.Fatalf("thinHandle(1): %v", err)
	}
	m1, found, err := t1.FindBlock(ctx, 0, true)
	if err != nil || !found || m1.Data != 1 {
		t.Fatalf("T1,0 mapping = %+v found=%v err=%v, want data=1", m1, found, err)
	}

	t2, err := p.thinHandle(ctx, 2)
	if err != nil {
		t.Fatalf("thinHandle(2): %v", err)
	}
	m2, found, err := t2.FindBlock(ctx, 0, true)
	if err != nil || !found || m2.Data != 0 {
		t.Fatalf("T2,0 mapping = %+v found=%v err=%v, want data=0 (unchanged)", m2, found, err)
	}
}

// TestConcurrentSharedReadDuringBreak is spec.md §8 scenario 3 / invariant 3
// (COW freshness): a read admitted into the deferred set before a
// break-sharing copy is scheduled must fully drain before that copy's
// mapping is allowed onto the prepared queue.
func TestConcurrentSharedReadDuringBreak(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(4)
	engine := &fakeEngine{}
	sub := &capturingSubmitter{}
	p := newUnstartedPool(t, store, engine, sub, testBS)
	mustCreateThin(t, p, 1)

	b1 := bio.New(1, 0, testBS, bio.Write, 0, func(error) {})
	b1.WholeBlock = true
	p.processDeferredBio(ctx, b1)
	p.drainPreparedOnce(ctx)
	if err := p.CreateSnap(ctx, 2, 1); err != nil {
		t.Fatalf("CreateSnap: %v", err)
	}

	// Admit a read into the current epoch, standing in for a reader of
	// (T2,0) that started before the write below schedules its copy.
	handle := p.deferredSet.Inc()

	// Partial write to T1,0 breaks sharing; because a read is live in the
	// current epoch, scheduleCopy must gate the record on the deferred set
	// instead of calling NoDeferredGate.
	b2 := bio.New(1, 0, testBS/2, bio.Write, 0, func(error) {})
	p.processDeferredBio(ctx, b2)

	if engine.copyCalls != 1 {
		t.Fatalf("copyCalls = %d, want 1", engine.copyCalls)
	}
	if len(p.preparedQueue) != 0 {
		t.Fatal("record must not be prepared while the admitted read is still live")
	}

	// The read finishes and decrements its handle; the deferred set now
	// drains the gated record back to the pool.
	var drained []deferred.WorkItem
	p.deferredSet.Dec(handle, &drained)
	if len(drained) != 1 {
		t.Fatalf("len(drained) = %d, want 1", len(drained))
	}
	p.drainDeferredWork(drained)
	if len(p.preparedQueue) != 1 {
		t.Fatal("record should be queued for preparation once the read drains")
	}

	p.drainPreparedOnce(ctx)
	p.drainDeferredOnce(ctx)

	t1, err := p.thinHandle(ctx, 1)
	if err != nil {
		t.Fatalf("thinHandle(1): %v", err)
	}
	m1, found, err := t1.FindBlock(ctx, 0, true)
	if err != nil || !found || m1.Data != 1 {
		t.Fatalf("T1,0 mapping = %+v found=%v err=%v, want data=1 after commit", m1, found, err)
	}
}

// TestOutOfSpaceThenGrow is spec.md §8 scenario 4.
func TestOutOfSpaceThenGrow(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(2)
	engine := &fakeEngine{}
	sub := &capturingSubmitter{}
	p := newUnstartedPool(t, store, engine, sub, testBS, WithLowWaterData(0))
	mustCreateThin(t, p, 1)

	// Map (T1,0)->0 and (T1,1)->1, consuming both data blocks.
	for _, v := range []uint64{0, 1} {
		b := bio.New(1, v*testBS, testBS, bio.Write, 0, func(error) {})
		b.WholeBlock = true
		p.processDeferredBio(ctx, b)
		p.drainPreparedOnce(ctx)
	}
	if store.allocCalls != 2 {
		t.Fatalf("allocCalls after setup = %d, want 2", store.allocCalls)
	}

	var thirdErr error
	thirdCompleted := false
	third := bio.New(1, 2*testBS, testBS, bio.Write, 0, func(err error) { thirdCompleted = true; thirdErr = err })
	third.WholeBlock = true
	p.processDeferredBio(ctx, third)

	if thirdCompleted {
		t.Fatal("bio should not complete yet; it is parked on the retry queue")
	}
	if len(p.retryQueue) != 1 {
		t.Fatalf("len(retryQueue) = %d, want 1", len(p.retryQueue))
	}
	if !p.lowWaterData {
		t.Fatal("low-water(data) should be latched after ENOSPC")
	}
	if p.Mode() != ModeOutOfDataSpace {
		t.Fatalf("mode = %v, want ModeOutOfDataSpace", p.Mode())
	}

	// The operator grows the data device; Preresume notices declared size
	// exceeds the store's current size and resizes it before draining the
	// retry queue.
	if err := p.Preresume(ctx, 4); err != nil {
		t.Fatalf("Preresume: %v", err)
	}
	if p.Mode() != ModeWrite {
		t.Fatalf("mode after preresume = %v, want ModeWrite", p.Mode())
	}
	if len(p.retryQueue) != 0 {
		t.Fatalf("retryQueue should be drained into deferredQueue, len=%d", len(p.retryQueue))
	}
	if len(p.deferredQueue) != 1 {
		t.Fatalf("deferredQueue after preresume = %d, want 1", len(p.deferredQueue))
	}

	p.drainDeferredOnce(ctx)
	p.drainPreparedOnce(ctx)

	if !thirdCompleted || thirdErr != nil {
		t.Fatalf("retried bio should now complete: completed=%v err=%v", thirdCompleted, thirdErr)
	}
	handle, err := p.thinHandle(ctx, 1)
	if err != nil {
		t.Fatalf("thinHandle: %v", err)
	}
	m, found, err := handle.FindBlock(ctx, 2, true)
	if err != nil || !found || m.Data != 2 {
		t.Fatalf("T1,2 mapping = %+v found=%v err=%v, want data=2", m, found, err)
	}
}

// TestPreresumeIdempotentWhenSizeUnchanged is spec.md §8 invariant 5:
// invoking Preresume when the declared data size already equals the
// on-disk size must leave persisted state untouched (no resize, no
// commit) beyond clearing the low-water latch and draining an empty retry
// queue.
func TestPreresumeIdempotentWhenSizeUnchanged(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(4)
	engine := &fakeEngine{}
	sub := &capturingSubmitter{}
	p := newUnstartedPool(t, store, engine, sub, testBS)
	mustCreateThin(t, p, 1)

	if err := p.Preresume(ctx, 4); err != nil {
		t.Fatalf("first Preresume: %v", err)
	}
	if store.resizeCalls != 0 {
		t.Fatalf("resizeCalls = %d, want 0 (declared size already matches)", store.resizeCalls)
	}
	if store.commitCalls != 0 {
		t.Fatalf("commitCalls = %d, want 0 (no resize means no commit)", store.commitCalls)
	}

	if err := p.Preresume(ctx, 4); err != nil {
		t.Fatalf("second Preresume: %v", err)
	}
	if store.resizeCalls != 0 || store.commitCalls != 0 {
		t.Fatalf("repeated no-op Preresume mutated persisted state: resizeCalls=%d commitCalls=%d", store.resizeCalls, store.commitCalls)
	}
	if store.dataBlocks != 4 {
		t.Fatalf("dataBlocks = %d, want unchanged 4", store.dataBlocks)
	}
}

// TestFlushWithPendingMapping is spec.md §8 scenario 5, with the flush
// bio's own provisioning of an unmapped block as the pending mapping. The
// commit-failure branch is not exercised here.
func TestFlushWithPendingMapping(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(4)
	engine := &fakeEngine{}
	sub := &capturingSubmitter{}
	p := newUnstartedPool(t, store, engine, sub, testBS)
	mustCreateThin(t, p, 1)

	var flushErr error
	flushCompleted := false
	flush := bio.New(1, 0, testBS, bio.Write, bio.FlagFlush, func(err error) { flushCompleted = true; flushErr = err })
	flush.WholeBlock = true

	// The commit happens synchronously up front; the bio itself still has
	// to run the ordinary provisioning pipeline (it targets an unmapped
	// block), so it only completes once the resulting mapping commits and
	// its cell is drained.
	p.processDeferredBio(ctx, flush)
	if flushCompleted {
		t.Fatal("flush bio should not complete before its own mapping commits")
	}
	p.drainPreparedOnce(ctx)
	p.drainDeferredOnce(ctx)

	if !flushCompleted {
		t.Fatal("flush bio should complete once its mapping commits")
	}
	if flushErr != nil {
		t.Fatalf("flush completed with error %v, want nil", flushErr)
	}
}

// TestDoubleDetain is spec.md §8 scenario 6.
func TestDoubleDetain(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(4)
	engine := &fakeEngine{}
	sub := &capturingSubmitter{}
	p := newUnstartedPool(t, store, engine, sub, testBS)
	mustCreateThin(t, p, 1)

	var err1, err2 error
	done1, done2 := false, false
	b1 := bio.New(1, 5*testBS, testBS, bio.Write, 0, func(err error) { done1 = true; err1 = err })
	b1.WholeBlock = true
	b2 := bio.New(1, 5*testBS, testBS, bio.Write, 0, func(err error) { done2 = true; err2 = err })
	b2.WholeBlock = true

	p.processDeferredBio(ctx, b1)
	p.processDeferredBio(ctx, b2)

	if store.allocCalls != 1 {
		t.Fatalf("allocCalls = %d, want 1 (second bio should join the first's cell)", store.allocCalls)
	}

	p.drainPreparedOnce(ctx)
	if !done1 {
		t.Fatal("first bio (bound to the overwrite hook) should complete once the mapping commits")
	}
	if done2 {
		t.Fatal("second bio should not complete yet; it was re-queued behind the first")
	}

	p.drainDeferredOnce(ctx)
	if !done2 {
		t.Fatal("second bio should complete once it is remapped against the committed mapping")
	}
	if err1 != nil || err2 != nil {
		t.Fatalf("expected both to succeed, got err1=%v err2=%v", err1, err2)
	}
}

// TestOverwriteDeviceErrorFailsWholeCell exercises the overwrite hook's
// error branch: a device error completing a whole-block write must still
// drain the cell and fail every sibling bio detained under the same key,
// not just the one bound to the hook (invariant 2, no lost bios).
func TestOverwriteDeviceErrorFailsWholeCell(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(4)
	engine := &fakeEngine{}
	sub := &capturingSubmitter{failNext: true}
	p := newUnstartedPool(t, store, engine, sub, testBS)
	mustCreateThin(t, p, 1)

	var err1, err2 error
	done1, done2 := false, false
	b1 := bio.New(1, 5*testBS, testBS, bio.Write, 0, func(err error) { done1 = true; err1 = err })
	b1.WholeBlock = true
	b2 := bio.New(1, 5*testBS, testBS, bio.Write, 0, func(err error) { done2 = true; err2 = err })
	b2.WholeBlock = true

	p.processDeferredBio(ctx, b1)
	p.processDeferredBio(ctx, b2)

	if store.allocCalls != 1 {
		t.Fatalf("allocCalls = %d, want 1", store.allocCalls)
	}

	// The submitter fails b1 synchronously, which runs the overwrite hook
	// inline; the hook must post the failed record rather than complete b1
	// itself, so nothing is resolved until the prepared queue is drained.
	if done1 || done2 {
		t.Fatal("neither bio should complete before the failed record is drained")
	}
	if len(p.preparedQueue) != 1 {
		t.Fatalf("len(preparedQueue) = %d, want 1 (failed record posted for draining)", len(p.preparedQueue))
	}

	p.drainPreparedOnce(ctx)

	if !done1 || !done2 {
		t.Fatalf("both bios should complete once the failed cell is drained: done1=%v done2=%v", done1, done2)
	}
	if err1 != errSimulatedDeviceFailure {
		t.Fatalf("err1 = %v, want %v", err1, errSimulatedDeviceFailure)
	}
	if err2 != errSimulatedDeviceFailure {
		t.Fatalf("err2 = %v, want %v", err2, errSimulatedDeviceFailure)
	}
	if store.allocCalls != 1 {
		t.Fatalf("allocCalls after failure = %d, want 1 (no retry)", store.allocCalls)
	}
	if p.prison.Len() != 0 {
		t.Fatalf("prison.Len() = %d, want 0 (cell must not leak)", p.prison.Len())
	}
}

// TestReadOnlyEscalationOnRepeatedMetadataErrors exercises the pool-mode
// escalation of SPEC_FULL.md §5.1: metadataErrorThreshold consecutive
// metadata-store errors on the slow path must move the pool from ModeWrite
// to ModeReadOnly, and fewer than that must leave it alone.
func TestReadOnlyEscalationOnRepeatedMetadataErrors(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(4)
	store.findBlockErr = errSimulatedDeviceFailure
	engine := &fakeEngine{}
	sub := &capturingSubmitter{}
	p := newUnstartedPool(t, store, engine, sub, testBS)
	mustCreateThin(t, p, 1)

	for i := 0; i < metadataErrorThreshold-1; i++ {
		b := bio.New(1, 5*testBS, testBS, bio.Read, 0, func(error) {})
		p.processDeferredBio(ctx, b)
		if p.Mode() != ModeWrite {
			t.Fatalf("after %d metadata error(s): Mode() = %v, want still ModeWrite", i+1, p.Mode())
		}
	}

	b := bio.New(1, 5*testBS, testBS, bio.Read, 0, func(error) {})
	p.processDeferredBio(ctx, b)
	if p.Mode() != ModeReadOnly {
		t.Fatalf("after %d metadata errors: Mode() = %v, want ModeReadOnly", metadataErrorThreshold, p.Mode())
	}
}
