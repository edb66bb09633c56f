// Package cellkey defines the bio-prison lock key: the tuple that two
// concurrent I/O requests must share for the prison to serialize them.
package cellkey

// Scope distinguishes cells that gate provisioning of a logical block
// from cells that gate a sharing-break of a physical block.
type Scope uint8

const (
	// VirtualScope keys gate provisioning of a thin device's logical block.
	VirtualScope Scope = iota
	// Data keys gate sharing-breaks of a physical data block.
	Data
)

func (s Scope) String() string {
	switch s {
	case VirtualScope:
		return "virtual"
	case Data:
		return "data"
	default:
		return "unknown"
	}
}

// Key is the cell key of spec.md §3: (scope, thin_id, block). It is a plain
// comparable struct so it can be used directly as a map key; two keys are
// equal exactly when all three fields are equal, which is the bytewise
// equality the spec requires.
type Key struct {
	Scope  Scope
	ThinID uint32
	Block  uint64
}

// Virtual builds a cell key gating the given thin device's logical block.
func Virtual(thinID uint32, block uint64) Key {
	return Key{Scope: VirtualScope, ThinID: thinID, Block: block}
}

// DataKey builds a cell key gating the given pool's physical data block.
// Data-block cells are not scoped to a thin device, but the field is kept
// zeroed rather than removed so Key stays a single comparable shape.
//
// Reserved: no caller detains against a Data-scoped key yet.
// internal/pool's breakSharing does not perform dm-thin.c's second
// bio_detain against the physical block (see DESIGN.md's "Data-scope cell
// keys" entry); DataKey exists so that detain can be added later without
// changing Key's shape.
func DataKey(block uint64) Key {
	return Key{Scope: Data, Block: block}
}
