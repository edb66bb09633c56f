package pool

import (
	"context"
	"sync"

	"github.com/spin-stack/thinpool/pkg/metadata"
)

// fakeStore is a minimal in-memory metadata.Store for exercising the pool
// core's scheduling logic in isolation, independent of pkg/metadata/boltstore.
// It mirrors boltstore's semantics (bump-allocator, refcounted sharing) but
// keeps everything in plain Go maps so tests can inspect state directly.
type fakeStore struct {
	mu sync.Mutex

	dataBlocks    uint64
	nextData      uint64
	transactionID uint64
	thins         map[uint32]*fakeThin
	refcounts     map[uint64]int

	allocCalls  int
	resizeCalls int
	commitCalls int

	// findBlockErr, when set, is returned by every fakeThinHandle.FindBlock
	// call instead of a lookup result. Used to simulate a broken metadata
	// store for the pool's read-only escalation path.
	findBlockErr error
}

type fakeThin struct {
	mappings map[uint64]uint64 // v -> d
}

func newFakeStore(dataBlocks uint64) *fakeStore {
	return &fakeStore{
		dataBlocks: dataBlocks,
		thins:      make(map[uint32]*fakeThin),
		refcounts:  make(map[uint64]int),
	}
}

func (s *fakeStore) Close() error                                     { return nil }
func (s *fakeStore) Rebind(ctx context.Context, dataDevice string) error { return nil }

func (s *fakeStore) DataDevSize(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataBlocks, nil
}

func (s *fakeStore) ResizeDataDev(ctx context.Context, newBlocks uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resizeCalls++
	if newBlocks > s.dataBlocks {
		s.dataBlocks = newBlocks
	}
	return nil
}

func (s *fakeStore) AllocDataBlock(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allocCalls++
	if s.nextData >= s.dataBlocks {
		return 0, metadata.ErrOutOfSpace
	}
	d := s.nextData
	s.nextData++
	return d, nil
}

func (s *fakeStore) FreeBlockCount(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataBlocks - s.nextData, nil
}

func (s *fakeStore) FreeMetadataBlockCount(ctx context.Context) (uint64, error) {
	return 1 << 20, nil
}

func (s *fakeStore) HeldMetadataRoot(ctx context.Context) (uint64, bool, error) {
	return 0, false, nil
}

func (s *fakeStore) TransactionID(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transactionID, nil
}

func (s *fakeStore) SetTransactionID(ctx context.Context, old, new uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactionID = new
	return nil
}

func (s *fakeStore) CreateThin(ctx context.Context, id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thins[id] = &fakeThin{mappings: make(map[uint64]uint64)}
	return nil
}

func (s *fakeStore) CreateSnap(ctx context.Context, id, originID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	origin := s.thins[originID]
	snap := &fakeThin{mappings: make(map[uint64]uint64)}
	for v, d := range origin.mappings {
		snap.mappings[v] = d
		s.refcounts[d]++
	}
	s.thins[id] = snap
	return nil
}

func (s *fakeStore) DeleteThin(ctx context.Context, id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.thins, id)
	return nil
}

func (s *fakeStore) TrimThin(ctx context.Context, id uint32, newBlocks uint64) error {
	return nil
}

func (s *fakeStore) OpenThin(ctx context.Context, id uint32) (metadata.ThinHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.thins[id]; !ok {
		s.thins[id] = &fakeThin{mappings: make(map[uint64]uint64)}
	}
	return &fakeThinHandle{store: s, id: id}, nil
}

func (s *fakeStore) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitCalls++
	return nil
}

type fakeThinHandle struct {
	store *fakeStore
	id    uint32
}

func (h *fakeThinHandle) Close() error { return nil }

func (h *fakeThinHandle) FindBlock(ctx context.Context, v uint64, blocking bool) (metadata.Mapping, bool, error) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if h.store.findBlockErr != nil {
		return metadata.Mapping{}, false, h.store.findBlockErr
	}
	d, ok := h.store.thins[h.id].mappings[v]
	if !ok {
		return metadata.Mapping{}, false, nil
	}
	return metadata.Mapping{Data: d, Shared: h.store.refcounts[d] > 1}, true, nil
}

func (h *fakeThinHandle) InsertBlock(ctx context.Context, v, d uint64) error {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if old, ok := h.store.thins[h.id].mappings[v]; ok {
		h.store.refcounts[old]--
	}
	h.store.refcounts[d]++
	h.store.thins[h.id].mappings[v] = d
	return nil
}

func (h *fakeThinHandle) MappedCount(ctx context.Context) (uint64, error) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	return uint64(len(h.store.thins[h.id].mappings)), nil
}

func (h *fakeThinHandle) HighestMapped(ctx context.Context) (uint64, bool, error) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	var highest uint64
	found := false
	for v := range h.store.thins[h.id].mappings {
		if !found || v > highest {
			highest = v
			found = true
		}
	}
	return highest, found, nil
}
