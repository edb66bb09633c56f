// Package pool implements the pool state (C4), the mapper fast path (C5),
// and the worker slow path (C6) of spec.md §4.4–§4.5: the provisioning/COW
// pipeline that sits between the I/O submitter and the metadata store.
//
// Grounded on drivers/md/dm-thin.c's struct pool and process_bio family of
// functions, restructured around three Go collaborators the pool holds by
// interface: pkg/metadata.Store, pkg/copyengine.Engine, and pkg/bio.Bio.
package pool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/containerd/log"

	"github.com/spin-stack/thinpool/internal/cellkey"
	"github.com/spin-stack/thinpool/internal/deferred"
	"github.com/spin-stack/thinpool/internal/mapping"
	"github.com/spin-stack/thinpool/internal/prison"
	"github.com/spin-stack/thinpool/pkg/bio"
	"github.com/spin-stack/thinpool/pkg/copyengine"
	"github.com/spin-stack/thinpool/pkg/metadata"
)

// Config holds the pool's tunables, built up by Opt functions in the
// functional-options style (a Config struct plus Opt-typed setters).
type Config struct {
	LowWaterData     uint64
	LowWaterMetadata uint64
	SkipBlockZeroing bool
}

// Opt mutates a Config during New.
type Opt func(*Config)

// WithLowWaterData sets the free-data-blocks threshold that latches the
// low-water event exactly once (spec.md §4.5).
func WithLowWaterData(blocks uint64) Opt {
	return func(c *Config) { c.LowWaterData = blocks }
}

// WithLowWaterMetadata sets the free-metadata-blocks threshold (spec.md
// §5.1 supplemented feature).
func WithLowWaterMetadata(blocks uint64) Opt {
	return func(c *Config) { c.LowWaterMetadata = blocks }
}

// WithSkipBlockZeroing disables zero-filling freshly provisioned blocks
// before an overwrite covers them (spec.md §4.5 "Schedule zero").
func WithSkipBlockZeroing() Opt {
	return func(c *Config) { c.SkipBlockZeroing = true }
}

// Pool is the shared state of spec.md §3 "Pool": the deferred/prepared/retry
// queues, the prison, the deferred-read set, the copy engine, low-water
// latches, and the reference count over thin-device bindings.
type Pool struct {
	geometry  Geometry
	store     metadata.Store
	engine    copyengine.Engine
	submitter bio.Submitter

	// dataHandle is the copyengine.Region.Handle for the pool's data
	// device; blockBytes converts a data-block index to a byte offset.
	dataHandle interface{}
	blockBytes int64

	prison      *prison.Prison
	deferredSet *deferred.Set

	mu               sync.Mutex
	cfg              Config
	mode             Mode
	metadataErrCount int
	lowWaterData     bool
	lowWaterMetadata bool
	deferredQueue    []*bio.Bio
	preparedQueue    []*mapping.Record
	retryQueue       []*bio.Bio
	flushWaiters     []chan struct{}
	thinHandles      map[uint32]metadata.ThinHandle

	refCount int32 // atomic; bindings held by internal/thin

	wake         chan struct{}
	workerCancel context.CancelFunc
	workerDone   chan struct{}
}

// New constructs a pool bound to store and engine, with a data device
// addressed through dataHandle (an opaque copyengine.Region.Handle) and
// sectorsPerBlock sectors per data block, and starts its worker goroutine.
func New(ctx context.Context, store metadata.Store, engine copyengine.Engine, submitter bio.Submitter, dataHandle interface{}, sectorsPerBlock uint32, opts ...Opt) (*Pool, error) {
	geometry, err := NewGeometry(sectorsPerBlock)
	if err != nil {
		return nil, err
	}
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		geometry:     geometry,
		store:        store,
		engine:       engine,
		submitter:    submitter,
		dataHandle:   dataHandle,
		blockBytes:   int64(sectorsPerBlock) * 512,
		prison:       prison.New(128),
		deferredSet:  deferred.New(),
		cfg:          cfg,
		mode:         ModeWrite,
		thinHandles:  make(map[uint32]metadata.ThinHandle),
		wake:         make(chan struct{}, 1),
		workerCancel: cancel,
		workerDone:   make(chan struct{}),
	}
	log.G(ctx).WithField("sectors_per_block", sectorsPerBlock).WithField("low_water_data", cfg.LowWaterData).Info("pool: created")
	go p.runWorker(workerCtx)
	return p, nil
}

// Geometry returns the pool's block geometry.
func (p *Pool) Geometry() Geometry {
	return p.geometry
}

// Close stops the worker goroutine and waits for it to exit. It does not
// close the underlying store or engine, which the caller owns.
func (p *Pool) Close(ctx context.Context) error {
	p.workerCancel()
	select {
	case <-p.workerDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Mode returns the pool's current operating mode.
func (p *Pool) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

func (p *Pool) setMode(ctx context.Context, m Mode) {
	p.mu.Lock()
	prev := p.mode
	p.mode = m
	if m == ModeWrite {
		p.metadataErrCount = 0
	}
	p.mu.Unlock()
	if prev != m {
		log.G(ctx).WithField("from", prev).WithField("to", m).Warn("pool: mode transition")
	}
}

// metadataErrorThreshold is the number of metadata-store errors the worker
// tolerates before escalating the pool to ModeReadOnly. The count is
// cumulative: a successful metadata call does not reset it; only setMode's
// transition back to ModeWrite does. A small
// fixed count keeps a single transient bbolt error from taking the pool
// read-only while still failing closed on a genuinely broken store.
const metadataErrorThreshold = 3

// escalateOnMetadataError moves the pool from ModeWrite to ModeReadOnly
// once metadataErrorThreshold metadata-store errors have been counted on the
// worker path since the pool was created or last returned to ModeWrite, so
// the mapper fast path stops accepting new
// writes. Called from processPrepared and processDeferredBio on every
// MetadataError. A mode already at ModeFail or ModeOutOfDataSpace is left
// alone; those are stronger conditions set explicitly elsewhere.
func (p *Pool) escalateOnMetadataError(ctx context.Context) {
	p.mu.Lock()
	p.metadataErrCount++
	count := p.metadataErrCount
	mode := p.mode
	p.mu.Unlock()

	if count < metadataErrorThreshold || mode != ModeWrite {
		return
	}
	p.setMode(ctx, ModeReadOnly)
}

// Bind acquires a reference on the pool for a thin-device binding
// (spec.md §3 "reference count over binding thin devices"); Unbind
// releases it.
func (p *Pool) Bind() int32  { return atomic.AddInt32(&p.refCount, 1) }
func (p *Pool) Unbind() int32 { return atomic.AddInt32(&p.refCount, -1) }
func (p *Pool) RefCount() int32 { return atomic.LoadInt32(&p.refCount) }

// wakeWorker sends a non-blocking notification to the worker goroutine.
// Called from submitter and completion context, which must never block
// (spec.md §5).
func (p *Pool) wakeWorker() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// enqueueDeferred appends bio to the deferred queue and wakes the worker.
// Called from any context (submitter's fast path, or the worker itself
// re-queueing a cell's siblings).
func (p *Pool) enqueueDeferred(b *bio.Bio) {
	p.mu.Lock()
	p.deferredQueue = append(p.deferredQueue, b)
	p.mu.Unlock()
	p.wakeWorker()
}

// enqueuePrepared appends rec to the prepared-mappings queue and wakes the
// worker. Called from end-I/O hook (completion) context.
func (p *Pool) enqueuePrepared(rec *mapping.Record) {
	p.mu.Lock()
	p.preparedQueue = append(p.preparedQueue, rec)
	p.mu.Unlock()
	p.wakeWorker()
}

// checkLowWaterData latches the low-water event exactly once when free
// drops to or below the configured threshold (spec.md §4.5 "raises an
// event exactly once").
func (p *Pool) checkLowWaterData(ctx context.Context, free uint64) {
	p.mu.Lock()
	fire := !p.lowWaterData && free <= p.cfg.LowWaterData
	if fire {
		p.lowWaterData = true
	}
	p.mu.Unlock()
	if fire {
		log.G(ctx).WithField("free_data_blocks", free).Warn("pool: low water (data)")
	}
}

func (p *Pool) checkLowWaterMetadata(ctx context.Context, free uint64) {
	p.mu.Lock()
	fire := !p.lowWaterMetadata && free <= p.cfg.LowWaterMetadata
	if fire {
		p.lowWaterMetadata = true
	}
	p.mu.Unlock()
	if fire {
		log.G(ctx).WithField("free_metadata_blocks", free).Warn("pool: low water (metadata)")
	}
}

// notifyIfDrainedLocked signals any PostSuspend waiters once both queues
// are empty. Caller must hold p.mu.
func (p *Pool) notifyIfDrainedLocked() {
	if len(p.deferredQueue) != 0 || len(p.preparedQueue) != 0 {
		return
	}
	for _, ch := range p.flushWaiters {
		close(ch)
	}
	p.flushWaiters = nil
}

// dataRegion builds a copyengine.Region for a whole data block.
func (p *Pool) dataRegion(block uint64) copyengine.Region {
	return copyengine.Region{Handle: p.dataHandle, Offset: int64(block) * p.blockBytes, Length: p.blockBytes}
}

// thinHandle returns the cached metadata.ThinHandle for id, opening it via
// the store on first use.
func (p *Pool) thinHandle(ctx context.Context, id uint32) (metadata.ThinHandle, error) {
	p.mu.Lock()
	h, ok := p.thinHandles[id]
	p.mu.Unlock()
	if ok {
		return h, nil
	}
	h, err := p.store.OpenThin(ctx, id)
	if err != nil {
		return nil, &MetadataError{Op: "open_thin", Cause: err}
	}
	p.mu.Lock()
	if existing, ok := p.thinHandles[id]; ok {
		p.mu.Unlock()
		h.Close()
		return existing, nil
	}
	p.thinHandles[id] = h
	p.mu.Unlock()
	return h, nil
}

// virtualKey builds the cell key the worker detains provisioning I/O under (spec.md §3 "Cell key"). cellkey.DataKey (the other scope) is
// part of the exported key model but this pipeline never detains a cell
// under it — see DESIGN.md for why.
func virtualKey(thinID uint32, block uint64) cellkey.Key { return cellkey.Virtual(thinID, block) }

// CreateThin dispatches a create_thin message and commits (spec.md §4.7).
func (p *Pool) CreateThin(ctx context.Context, id uint32) error {
	if err := ValidateDeviceID(id); err != nil {
		return err
	}
	if err := p.store.CreateThin(ctx, id); err != nil {
		return &MetadataError{Op: "create_thin", Cause: err}
	}
	return p.commit(ctx, "create_thin")
}

// CreateSnap dispatches a create_snap message and commits.
func (p *Pool) CreateSnap(ctx context.Context, id, originID uint32) error {
	if err := ValidateDeviceID(id); err != nil {
		return err
	}
	if err := p.store.CreateSnap(ctx, id, originID); err != nil {
		return &MetadataError{Op: "create_snap", Cause: err}
	}
	return p.commit(ctx, "create_snap")
}

// DeleteThin dispatches a delete message and commits.
func (p *Pool) DeleteThin(ctx context.Context, id uint32) error {
	p.mu.Lock()
	if h, ok := p.thinHandles[id]; ok {
		h.Close()
		delete(p.thinHandles, id)
	}
	p.mu.Unlock()
	if err := p.store.DeleteThin(ctx, id); err != nil {
		return &MetadataError{Op: "delete", Cause: err}
	}
	return p.commit(ctx, "delete")
}

// TrimThin dispatches a trim message and commits. Per spec.md's Non-goals,
// trim never releases or unshares blocks; the metadata store only checks
// that the device exists, and the new size is not stored.
func (p *Pool) TrimThin(ctx context.Context, id uint32, newBlocks uint64) error {
	if err := p.store.TrimThin(ctx, id, newBlocks); err != nil {
		return &MetadataError{Op: "trim", Cause: err}
	}
	return p.commit(ctx, "trim")
}

// SetTransactionID dispatches a set_transaction_id message and commits.
func (p *Pool) SetTransactionID(ctx context.Context, old, new uint64) error {
	if err := p.store.SetTransactionID(ctx, old, new); err != nil {
		return &MetadataError{Op: "set_transaction_id", Cause: err}
	}
	return p.commit(ctx, "set_transaction_id")
}

// ThinStatus returns the mapped-block count and highest mapped virtual
// block for id, for status-line formatting (spec.md §6.3 "Thin INFO").
func (p *Pool) ThinStatus(ctx context.Context, id uint32) (mapped uint64, highest uint64, ok bool, err error) {
	handle, err := p.thinHandle(ctx, id)
	if err != nil {
		return 0, 0, false, err
	}
	mapped, err = handle.MappedCount(ctx)
	if err != nil {
		return 0, 0, false, &MetadataError{Op: "mapped_count", Cause: err}
	}
	highest, ok, err = handle.HighestMapped(ctx)
	if err != nil {
		return 0, 0, false, &MetadataError{Op: "highest_mapped", Cause: err}
	}
	return mapped, highest, ok, nil
}

func (p *Pool) commit(ctx context.Context, op string) error {
	if err := p.store.Commit(ctx); err != nil {
		return &MetadataError{Op: op + ":commit", Cause: err}
	}
	return nil
}

// Preresume compares the data device's declared size against the
// superblock and grows it if larger, clears the data low-water latch, and
// splices the retry queue back onto the deferred queue (spec.md §4.7).
// Invoking it when the declared size already matches is a no-op on
// persisted state (invariant 5).
func (p *Pool) Preresume(ctx context.Context, declaredDataBlocks uint64) error {
	current, err := p.store.DataDevSize(ctx)
	if err != nil {
		return &MetadataError{Op: "preresume:data_dev_size", Cause: err}
	}
	if declaredDataBlocks > current {
		if err := p.store.ResizeDataDev(ctx, declaredDataBlocks); err != nil {
			return &MetadataError{Op: "preresume:resize", Cause: err}
		}
		if err := p.commit(ctx, "preresume"); err != nil {
			return err
		}
		log.G(ctx).WithField("from", current).WithField("to", declaredDataBlocks).Info("pool: grew data device")
	}

	p.mu.Lock()
	p.lowWaterData = false
	retried := p.retryQueue
	p.retryQueue = nil
	p.deferredQueue = append(p.deferredQueue, retried...)
	p.mu.Unlock()
	if len(retried) > 0 {
		log.G(ctx).WithField("count", len(retried)).Info("pool: preresume drained retry queue")
		p.wakeWorker()
	}
	// A successful preresume means the operator has responded to the
	// out-of-space condition (grown the data device, or freed blocks
	// elsewhere in the metadata store); give the retried bios another try
	// instead of leaving the pool latched in ModeOutOfDataSpace forever.
	if p.Mode() == ModeOutOfDataSpace {
		p.setMode(ctx, ModeWrite)
	}
	return nil
}

// PostSuspend blocks until the deferred and prepared queues are fully
// drained, then commits metadata (spec.md §4.7).
func (p *Pool) PostSuspend(ctx context.Context) error {
	p.mu.Lock()
	if len(p.deferredQueue) == 0 && len(p.preparedQueue) == 0 {
		p.mu.Unlock()
	} else {
		ch := make(chan struct{})
		p.flushWaiters = append(p.flushWaiters, ch)
		p.mu.Unlock()
		p.wakeWorker()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := p.commit(ctx, "postsuspend"); err != nil {
		log.G(ctx).WithField("error", err).Error("pool: postsuspend commit failed")
		p.setMode(ctx, ModeFail)
		return err
	}
	return nil
}
