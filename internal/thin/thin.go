// Package thin implements the thin-device side of spec.md §4.7's Thin/pool
// lifecycle (C7): binding a thin device to its pool, preresume/postsuspend
// delegation, runtime message dispatch, and status-line formatting for the
// control surface.
//
// Grounded on dm-thin.c's thin_preresume/thin_postsuspend and the
// process_create_thin_mesg family, adapted per spec.md's REDESIGN FLAGS to
// hold a registry.Handle instead of a raw pool back-pointer.
package thin

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/containerd/log"

	"github.com/spin-stack/thinpool/internal/pool"
	"github.com/spin-stack/thinpool/internal/registry"
)

// Thin is one bound thin device: a device id plus the handle onto its
// backing pool (spec.md §3 "Thin device").
type Thin struct {
	mu     sync.Mutex
	id     uint32
	handle *registry.Handle
	bound  bool
}

// New wraps a pool handle as a thin device with the given id. The device
// starts unbound; call Bind before submitting I/O against it.
func New(id uint32, handle *registry.Handle) *Thin {
	return &Thin{id: id, handle: handle}
}

// ID returns the thin device's numeric id.
func (t *Thin) ID() uint32 { return t.id }

// Pool returns the backing pool.
func (t *Thin) Pool() *pool.Pool { return t.handle.Pool() }

// Bind runs preresume against the pool, declaring dataBlocks as this
// activation's data-device size. It takes no pool reference of its own; the
// binding reference (spec.md §3 "reference count over binding thin
// devices") is the one the registry handle took when it was created.
func (t *Thin) Bind(ctx context.Context, dataBlocks uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bound {
		return nil
	}
	if err := t.handle.Pool().Preresume(ctx, dataBlocks); err != nil {
		return fmt.Errorf("thin %d: preresume: %w", t.id, err)
	}
	t.bound = true
	log.G(ctx).WithField("thin", t.id).Info("thin: bound")
	return nil
}

// Unbind flushes the pool's worker queue for this activation and releases
// the binding reference. Idempotent.
func (t *Thin) Unbind(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.bound {
		return nil
	}
	if err := t.handle.Pool().PostSuspend(ctx); err != nil {
		return fmt.Errorf("thin %d: postsuspend: %w", t.id, err)
	}
	t.bound = false
	t.handle.Release(ctx)
	log.G(ctx).WithField("thin", t.id).Info("thin: unbound")
	return nil
}

// Bound reports whether the device is currently bound.
func (t *Thin) Bound() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bound
}

// InfoLine formats the Thin INFO status line of spec.md §6.3:
// "<mapped_sectors> <highest_mapped_sector|->", or "-" alone if unbound.
func (t *Thin) InfoLine(ctx context.Context, sectorsPerBlock uint32) (string, error) {
	if !t.Bound() {
		return "-", nil
	}
	mapped, highest, ok, err := t.handle.Pool().ThinStatus(ctx, t.id)
	if err != nil {
		return "", fmt.Errorf("thin %d: status: %w", t.id, err)
	}

	highestSector := "-"
	if ok {
		highestSector = strconv.FormatUint((highest+1)*uint64(sectorsPerBlock)-1, 10)
	}
	return fmt.Sprintf("%d %s", mapped*uint64(sectorsPerBlock), highestSector), nil
}

// TableLine formats the Thin TABLE status line of spec.md §6.3:
// "<pool_dev> <dev_id>".
func (t *Thin) TableLine(poolDev string) string {
	return fmt.Sprintf("%s %d", poolDev, t.id)
}

// Dispatch routes one of the runtime messages of spec.md §4.7
// ("create_thin", "create_snap", "delete", "trim", "set_transaction_id")
// to the pool, parsing args in the host block-driver's message-line order.
// Each message is validated, dispatched to the metadata store, and followed
// by a metadata commit; any failure is reported without mutating in-memory
// state (spec.md §4.7 "Messages").
func Dispatch(ctx context.Context, p *pool.Pool, msg string, args []string) error {
	switch msg {
	case "create_thin":
		id, err := parseDeviceID(args, 0)
		if err != nil {
			return err
		}
		return p.CreateThin(ctx, id)
	case "create_snap":
		id, err := parseDeviceID(args, 0)
		if err != nil {
			return err
		}
		origin, err := parseDeviceID(args, 1)
		if err != nil {
			return err
		}
		return p.CreateSnap(ctx, id, origin)
	case "delete":
		id, err := parseDeviceID(args, 0)
		if err != nil {
			return err
		}
		return p.DeleteThin(ctx, id)
	case "trim":
		id, err := parseDeviceID(args, 0)
		if err != nil {
			return err
		}
		newBlocks, err := parseUint(args, 1)
		if err != nil {
			return err
		}
		return p.TrimThin(ctx, id, newBlocks)
	case "set_transaction_id":
		old, err := parseUint(args, 0)
		if err != nil {
			return err
		}
		next, err := parseUint(args, 1)
		if err != nil {
			return err
		}
		return p.SetTransactionID(ctx, old, next)
	default:
		return fmt.Errorf("thin: unrecognized message %q", msg)
	}
}

func parseDeviceID(args []string, i int) (uint32, error) {
	v, err := parseUint(args, i)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func parseUint(args []string, i int) (uint64, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("thin: missing argument %d", i)
	}
	v, err := strconv.ParseUint(args[i], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("thin: parse argument %d (%q): %w", i, args[i], err)
	}
	return v, nil
}
