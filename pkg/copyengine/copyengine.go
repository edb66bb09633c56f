// Package copyengine defines the async copy/zero engine the pool core
// consumes (spec.md §6.2, "Copy engine"). The engine's own I/O internals
// are out of scope for the core (spec.md §1); this package fixes the
// interface and ships one concrete implementation, fileengine, used by the
// daemon and by tests.
package copyengine

import "context"

// Region is a byte range on a backing store, addressed by an opaque handle
// (Handle, for FileEngine) the concrete engine understands.
type Region struct {
	Handle interface{}
	Offset int64
	Length int64
}

// Engine is the async copy/zero contract of spec.md §6.2. Callbacks run in
// "completion context": a goroutine distinct from the caller of Copy/Zero,
// never holding any lock the caller held.
type Engine interface {
	// Copy asynchronously copies Length bytes from src to dst, then calls
	// cb exactly once with the read and write errors (either may be
	// non-nil; nil, nil means full success).
	Copy(ctx context.Context, src, dst Region, cb func(readErr, writeErr error))

	// Zero asynchronously zero-fills dst, then calls cb exactly once.
	Zero(ctx context.Context, dst Region, cb func(err error))

	// Close stops accepting new work and waits for in-flight jobs to
	// finish calling their callbacks.
	Close() error
}
