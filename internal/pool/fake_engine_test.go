package pool

import (
	"context"
	"sync"

	"github.com/spin-stack/thinpool/pkg/bio"
	"github.com/spin-stack/thinpool/pkg/copyengine"
)

// fakeEngine runs Copy/Zero synchronously (inline, before returning) so
// tests can assert on the record's state immediately afterward without
// coordinating with a real worker pool.
type fakeEngine struct {
	mu         sync.Mutex
	copyCalls  int
	zeroCalls  int
	failCopies bool
	failZeros  bool
}

func (e *fakeEngine) Copy(ctx context.Context, src, dst copyengine.Region, cb func(readErr, writeErr error)) {
	e.mu.Lock()
	e.copyCalls++
	fail := e.failCopies
	e.mu.Unlock()
	if fail {
		cb(nil, errSimulatedDeviceFailure)
		return
	}
	cb(nil, nil)
}

func (e *fakeEngine) Zero(ctx context.Context, dst copyengine.Region, cb func(err error)) {
	e.mu.Lock()
	e.zeroCalls++
	fail := e.failZeros
	e.mu.Unlock()
	if fail {
		cb(errSimulatedDeviceFailure)
		return
	}
	cb(nil)
}

func (e *fakeEngine) Close() error { return nil }

type simulatedDeviceFailure struct{}

func (simulatedDeviceFailure) Error() string { return "simulated device failure" }

var errSimulatedDeviceFailure = simulatedDeviceFailure{}

// capturingSubmitter records every bio handed to it instead of dispatching
// real I/O, so tests can assert on what the fast/slow path decided to
// remap without a real block device.
type capturingSubmitter struct {
	mu        sync.Mutex
	submitted []*bio.Bio
	failNext  bool
}

func (s *capturingSubmitter) Submit(ctx context.Context, b *bio.Bio) {
	s.mu.Lock()
	s.submitted = append(s.submitted, b)
	fail := s.failNext
	s.failNext = false
	s.mu.Unlock()
	if fail {
		b.Complete(errSimulatedDeviceFailure)
		return
	}
	b.Complete(nil)
}

func (s *capturingSubmitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submitted)
}
