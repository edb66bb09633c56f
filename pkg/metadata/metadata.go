// Package metadata defines the metadata store contract the pool core
// consumes (spec.md §6.1). The persistent B-tree/space-map layer itself is
// explicitly out of scope (spec.md §1) — this package only fixes the
// interface, plus a couple of small value types and sentinel errors the
// core's worker and mapper branch on.
package metadata

import (
	"context"
	"errors"

	"github.com/containerd/errdefs"
)

// ErrOutOfSpace is returned by AllocDataBlock when the data device has no
// free blocks left (spec.md §4.5 "On out-of-space").
var ErrOutOfSpace = errors.New("metadata: out of data space")

// ErrWouldBlock is returned by ThinHandle.FindBlock when a non-blocking
// lookup cannot be resolved without blocking (spec.md §4.5 fast-path
// "Would block" case). The bundled boltstore implementation never returns
// it — a local bolt lookup never blocks — but the interface carries it so
// a slower backing B-tree implementation can report it faithfully.
var ErrWouldBlock = errors.New("metadata: lookup would block")

// Mapping is the persisted (thin_id, v) -> d association plus the shared
// bit (spec.md §3 "Mapping").
type Mapping struct {
	Data   uint64
	Shared bool
}

// Store is the pool-wide metadata handle (spec.md's opaque Pmd).
type Store interface {
	Close() error

	// Rebind repoints the store at a new backing data-device identifier
	// (used after a table reload names a different bdev for the same
	// pool).
	Rebind(ctx context.Context, dataDevice string) error

	DataDevSize(ctx context.Context) (blocks uint64, err error)
	ResizeDataDev(ctx context.Context, newBlocks uint64) error

	// AllocDataBlock returns ErrOutOfSpace (wrapped so
	// errdefs.IsResourceExhausted(err) is true) when the data device is
	// full.
	AllocDataBlock(ctx context.Context) (data uint64, err error)

	FreeBlockCount(ctx context.Context) (blocks uint64, err error)
	FreeMetadataBlockCount(ctx context.Context) (blocks uint64, err error)

	// HeldMetadataRoot returns the block of a held root snapshot of the
	// metadata, if one is held (used by userspace tools taking a metadata
	// snapshot). ok is false if none is held.
	HeldMetadataRoot(ctx context.Context) (block uint64, ok bool, err error)

	TransactionID(ctx context.Context) (id uint64, err error)
	SetTransactionID(ctx context.Context, old, new uint64) error

	CreateThin(ctx context.Context, id uint32) error
	CreateSnap(ctx context.Context, id, originID uint32) error
	DeleteThin(ctx context.Context, id uint32) error
	TrimThin(ctx context.Context, id uint32, newBlocks uint64) error

	OpenThin(ctx context.Context, id uint32) (ThinHandle, error)

	Commit(ctx context.Context) error
}

// ThinHandle is the opaque per-thin-device handle (spec.md's Td).
type ThinHandle interface {
	Close() error

	// FindBlock looks up the mapping for virtual block v. blocking
	// documents whether the caller is willing to wait for a slow lookup;
	// concrete implementations that can always resolve quickly (like
	// boltstore) ignore it. found is false and err is nil when there is no
	// mapping.
	FindBlock(ctx context.Context, v uint64, blocking bool) (m Mapping, found bool, err error)

	InsertBlock(ctx context.Context, v, d uint64) error

	MappedCount(ctx context.Context) (blocks uint64, err error)
	// HighestMapped returns the highest mapped virtual block. ok is false
	// if the device has no mappings.
	HighestMapped(ctx context.Context) (v uint64, ok bool, err error)
}

// IsOutOfSpace reports whether err (possibly wrapped) is ErrOutOfSpace.
func IsOutOfSpace(err error) bool {
	return errors.Is(err, ErrOutOfSpace) || errdefs.IsResourceExhausted(err)
}
