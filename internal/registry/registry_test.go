package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/spin-stack/thinpool/internal/pool"
	"github.com/spin-stack/thinpool/pkg/bio"
	"github.com/spin-stack/thinpool/pkg/copyengine"
	"github.com/spin-stack/thinpool/pkg/metadata"
)

// noopStore is the smallest metadata.Store that lets a *pool.Pool start and
// stop cleanly; registry's own tests only exercise reference counting, never
// the provisioning pipeline.
type noopStore struct{}

func (noopStore) Close() error                                       { return nil }
func (noopStore) Rebind(ctx context.Context, dataDevice string) error { return nil }
func (noopStore) DataDevSize(ctx context.Context) (uint64, error)    { return 0, nil }
func (noopStore) ResizeDataDev(ctx context.Context, newBlocks uint64) error { return nil }
func (noopStore) AllocDataBlock(ctx context.Context) (uint64, error) {
	return 0, errors.New("noopStore: not implemented")
}
func (noopStore) FreeBlockCount(ctx context.Context) (uint64, error)         { return 0, nil }
func (noopStore) FreeMetadataBlockCount(ctx context.Context) (uint64, error) { return 0, nil }
func (noopStore) HeldMetadataRoot(ctx context.Context) (uint64, bool, error) { return 0, false, nil }
func (noopStore) TransactionID(ctx context.Context) (uint64, error)          { return 0, nil }
func (noopStore) SetTransactionID(ctx context.Context, old, new uint64) error { return nil }
func (noopStore) CreateThin(ctx context.Context, id uint32) error            { return nil }
func (noopStore) CreateSnap(ctx context.Context, id, originID uint32) error  { return nil }
func (noopStore) DeleteThin(ctx context.Context, id uint32) error            { return nil }
func (noopStore) TrimThin(ctx context.Context, id uint32, newBlocks uint64) error { return nil }
func (noopStore) OpenThin(ctx context.Context, id uint32) (metadata.ThinHandle, error) {
	return nil, errors.New("noopStore: not implemented")
}
func (noopStore) Commit(ctx context.Context) error { return nil }

type noopEngine struct{}

func (noopEngine) Copy(ctx context.Context, src, dst copyengine.Region, cb func(readErr, writeErr error)) {
	cb(nil, nil)
}
func (noopEngine) Zero(ctx context.Context, dst copyengine.Region, cb func(err error)) { cb(nil) }
func (noopEngine) Close() error                                                        { return nil }

type noopSubmitter struct{}

func (noopSubmitter) Submit(ctx context.Context, b *bio.Bio) { b.Complete(nil) }

func newTestPool(t *testing.T) *pool.Pool {
	t.Helper()
	p, err := pool.New(context.Background(), noopStore{}, noopEngine{}, noopSubmitter{}, nil, 128)
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	t.Cleanup(func() { p.Close(context.Background()) })
	return p
}

func TestGetOrCreateConstructsOnce(t *testing.T) {
	r := New()
	calls := 0
	factory := func(ctx context.Context, id string) (*pool.Pool, error) {
		calls++
		return newTestPool(t), nil
	}

	h1, err := r.GetOrCreate(context.Background(), "meta0", factory)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	h2, err := r.GetOrCreate(context.Background(), "meta0", factory)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	if calls != 1 {
		t.Fatalf("factory called %d times, want 1", calls)
	}
	if h1.Pool() != h2.Pool() {
		t.Fatal("expected both handles to reference the same pool")
	}
	if h1.Pool().RefCount() != 2 {
		t.Fatalf("RefCount() = %d, want 2", h1.Pool().RefCount())
	}
}

func TestReleaseForgetsAtZeroRefCount(t *testing.T) {
	r := New()
	factory := func(ctx context.Context, id string) (*pool.Pool, error) {
		return newTestPool(t), nil
	}

	h1, err := r.GetOrCreate(context.Background(), "meta1", factory)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	h2, err := r.GetOrCreate(context.Background(), "meta1", factory)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	h1.Release(context.Background())
	if _, ok := r.Lookup("meta1"); !ok {
		t.Fatal("pool should still be registered while a reference remains")
	}

	h2.Release(context.Background())
	if _, ok := r.Lookup("meta1"); ok {
		t.Fatal("pool should be forgotten once its last reference is released")
	}
}

func TestGetOrCreateAfterForgetBuildsFreshPool(t *testing.T) {
	r := New()
	factory := func(ctx context.Context, id string) (*pool.Pool, error) {
		return newTestPool(t), nil
	}

	h1, err := r.GetOrCreate(context.Background(), "meta2", factory)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	first := h1.Pool()
	h1.Release(context.Background())

	h2, err := r.GetOrCreate(context.Background(), "meta2", factory)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if h2.Pool() == first {
		t.Fatal("expected a fresh pool after the binding was forgotten")
	}
	h2.Release(context.Background())
}
