package pool

import (
	"testing"

	"github.com/spin-stack/thinpool/internal/deferred"
	"github.com/spin-stack/thinpool/internal/prison"
	"github.com/spin-stack/thinpool/pkg/metadata"
)

// newUnstartedPool builds a *Pool with the given store/engine/submitter and
// geometry, but does not start runWorker: tests drive the worker's private
// methods (processDeferredBio, processPrepared, ...) directly and
// synchronously instead, since there is no way to deterministically wait
// on a background goroutine without running the binary.
func newUnstartedPool(t *testing.T, store *fakeStore, engine *fakeEngine, submitter *capturingSubmitter, sectorsPerBlock uint32, opts ...Opt) *Pool {
	t.Helper()
	geometry, err := NewGeometry(sectorsPerBlock)
	if err != nil {
		t.Fatalf("NewGeometry: %v", err)
	}
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Pool{
		geometry:    geometry,
		store:       store,
		engine:      engine,
		submitter:   submitter,
		prison:      prison.New(128),
		deferredSet: deferred.New(),
		cfg:         cfg,
		mode:        ModeWrite,
		thinHandles: make(map[uint32]metadata.ThinHandle),
		wake:        make(chan struct{}, 1),
	}
}
