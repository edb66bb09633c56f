package pool

import "fmt"

// minSectorsPerBlock and maxSectorsPerBlock bound block size to [64KiB, 1GiB]
// in 512-byte sectors (spec.md §4.5 "sectors_per_block is a power of two in
// [64 KiB, 1 GiB]").
const (
	minSectorsPerBlock = 128     // 64 KiB / 512
	maxSectorsPerBlock = 1 << 21 // 1 GiB / 512
)

// maxMetadataSectors bounds the metadata device (spec.md §4.5: "Metadata
// device capacity is bounded at 255 x 2^14 x 8 sectors").
const maxMetadataSectors = 255 * (1 << 14) * 8

// maxDeviceID bounds thin device ids (spec.md §4.5: "Device ids are <=
// 2^24 - 1").
const maxDeviceID = 1<<24 - 1

// Geometry is the pool's fixed block layout, derived once from
// sectors_per_block at construction.
type Geometry struct {
	SectorsPerBlock uint32
	BlockShift      uint
	OffsetMask      uint64
}

// NewGeometry validates sectorsPerBlock and derives the shift/mask used by
// the fast path to compute block index and intra-block offset by bit
// operations rather than division.
func NewGeometry(sectorsPerBlock uint32) (Geometry, error) {
	if sectorsPerBlock < minSectorsPerBlock || sectorsPerBlock > maxSectorsPerBlock {
		return Geometry{}, &ConfigError{
			Field: "sectors_per_block",
			Value: sectorsPerBlock,
			Cause: fmt.Errorf("must be in [%d, %d] sectors", minSectorsPerBlock, maxSectorsPerBlock),
		}
	}
	if sectorsPerBlock&(sectorsPerBlock-1) != 0 {
		return Geometry{}, &ConfigError{
			Field: "sectors_per_block",
			Value: sectorsPerBlock,
			Cause: fmt.Errorf("must be a power of two"),
		}
	}
	shift := uint(0)
	for v := sectorsPerBlock; v > 1; v >>= 1 {
		shift++
	}
	return Geometry{
		SectorsPerBlock: sectorsPerBlock,
		BlockShift:      shift,
		OffsetMask:      uint64(sectorsPerBlock) - 1,
	}, nil
}

// BlockOf returns the block index a sector falls in.
func (g Geometry) BlockOf(sector uint64) uint64 {
	return sector >> g.BlockShift
}

// OffsetOf returns a sector's intra-block offset.
func (g Geometry) OffsetOf(sector uint64) uint64 {
	return sector & g.OffsetMask
}

// RemapSector computes the physical sector for data block d, preserving the
// original request's intra-block offset.
func (g Geometry) RemapSector(data uint64, sector uint64) uint64 {
	return (data << g.BlockShift) | g.OffsetOf(sector)
}

// ValidateDeviceID checks a thin device id against the maximum allowed by
// the wire format (spec.md §4.5).
func ValidateDeviceID(id uint32) error {
	if id > maxDeviceID {
		return &ConfigError{Field: "dev_id", Value: id, Cause: fmt.Errorf("exceeds max device id %d", maxDeviceID)}
	}
	return nil
}

// ValidateMetadataSectors checks a metadata device size against the wire
// format's hard capacity bound.
func ValidateMetadataSectors(sectors uint64) error {
	if sectors > maxMetadataSectors {
		return &ConfigError{Field: "metadata_dev", Value: sectors, Cause: fmt.Errorf("exceeds max metadata device size of %d sectors", uint64(maxMetadataSectors))}
	}
	return nil
}

// Mode is the pool's operating mode (spec.md §5.1 supplemented feature;
// this enum and its escalation are original to this port, not present in
// dm-thin.c).
type Mode int

const (
	// ModeWrite accepts both reads and writes normally.
	ModeWrite Mode = iota
	// ModeOutOfDataSpace is set by the worker when allocation fails for
	// lack of space and cleared by Preresume. The mapper and worker do not
	// branch on it: writes needing a fresh block still try to allocate, and
	// those that fail wait on the retry queue.
	ModeOutOfDataSpace
	// ModeReadOnly refuses all writes. Set by escalateOnMetadataError after
	// metadataErrorThreshold metadata-store errors while in ModeWrite,
	// counted since the pool was created or last returned to ModeWrite.
	ModeReadOnly
	// ModeFail refuses everything; set after an unrecoverable metadata
	// failure.
	ModeFail
)

func (m Mode) String() string {
	switch m {
	case ModeWrite:
		return "write"
	case ModeOutOfDataSpace:
		return "out-of-data-space"
	case ModeReadOnly:
		return "read-only"
	case ModeFail:
		return "fail"
	default:
		return "unknown"
	}
}
