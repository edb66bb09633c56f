package metadata

import (
	"crypto/subtle"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// Superblock is the on-disk root record: transaction id, data-device
// geometry, and the next unallocated data block. It plays the role of
// dm-thin's on-disk superblock, minus the space-map/B-tree roots that this
// module's boltstore keeps as separate bolt buckets instead of a
// self-describing tree.
type Superblock struct {
	TransactionID    uint64
	DataBlockCount   uint64 // total capacity of the data device, in blocks
	NextDataBlock    uint64 // bump allocator cursor; blocks < this are allocated
	HeldRoot         uint64
	HeldRootPresent  bool
}

// checksumDomain separates the superblock checksum from any other keyed
// use of BLAKE3 in this module, mirroring the domain-separation pattern
// used for artifact hashing: a fixed, readable 32-byte key rather than an
// unkeyed hash, so a corrupted-but-plausible blob from an unrelated context
// can never be mistaken for a valid superblock.
var checksumDomain = func() [32]byte {
	var k [32]byte
	copy(k[:], "thinpool.metadata.superblock.v1")
	return k
}()

var encMode = func() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	m, err := opts.EncMode()
	if err != nil {
		panic("metadata: cbor encoder init: " + err.Error())
	}
	return m
}()

var decMode = func() cbor.DecMode {
	m, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("metadata: cbor decoder init: " + err.Error())
	}
	return m
}()

// EncodeSuperblock serializes sb to CBOR (deterministic encoding) and
// prepends a keyed BLAKE3 checksum of the payload, so a truncated or
// corrupted record is detected on decode rather than silently
// misinterpreted — the same role dm-thin's superblock CRC plays on disk.
func EncodeSuperblock(sb Superblock) ([]byte, error) {
	payload, err := encMode.Marshal(sb)
	if err != nil {
		return nil, fmt.Errorf("metadata: encode superblock: %w", err)
	}
	sum := keyedSum(payload)
	out := make([]byte, 0, len(sum)+len(payload))
	out = append(out, sum[:]...)
	out = append(out, payload...)
	return out, nil
}

// DecodeSuperblock verifies the checksum prefix and decodes the payload.
func DecodeSuperblock(data []byte) (Superblock, error) {
	const sumLen = 32
	if len(data) < sumLen {
		return Superblock{}, fmt.Errorf("metadata: superblock too short (%d bytes)", len(data))
	}
	want := data[:sumLen]
	payload := data[sumLen:]
	got := keyedSum(payload)
	if subtle.ConstantTimeCompare(want, got[:]) != 1 {
		return Superblock{}, fmt.Errorf("metadata: superblock checksum mismatch (corrupt metadata device)")
	}
	var sb Superblock
	if err := decMode.Unmarshal(payload, &sb); err != nil {
		return Superblock{}, fmt.Errorf("metadata: decode superblock: %w", err)
	}
	return sb, nil
}

func keyedSum(payload []byte) [32]byte {
	h, err := blake3.NewKeyed(checksumDomain[:])
	if err != nil {
		panic("metadata: blake3 keyed hash init: " + err.Error())
	}
	h.Write(payload)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

