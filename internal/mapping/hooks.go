package mapping

import (
	"github.com/spin-stack/thinpool/internal/deferred"
)

// OverwriteHook returns a bio.Bio.InstallHook wrapper for the case where an
// incoming write covers an entire block and is being issued straight to a
// freshly-provisioned or sharing-broken data block (spec.md §4.3).
//
// On both success and failure it withholds original and hands the record
// to post rather than completing the bio here directly: the bio has
// already been marked done by the Complete call that invoked this hook, so
// calling original a second time by any other path would double-complete
// it. On success, the worker calls CompleteOverwrite once the mapping is
// durable. On failure, mirroring dm-thin.c's overwrite_endio, the record is
// still posted so process_prepared_mapping's failed branch drains the cell
// and fails every detained bio, including this one, exactly once.
func OverwriteHook(record *Record, post func(*Record)) func(original func(error), err error) {
	return func(original func(error), err error) {
		record.setOverwriteOriginal(original)
		if err != nil {
			record.Fail(err)
			post(record)
			return
		}
		if record.CopyOrZeroComplete(nil) {
			post(record)
		}
	}
}

// SharedReadHook returns a bio.Bio.InstallHook wrapper for the case where a
// read was remapped against a still-shared data block (spec.md §4.3). It
// runs the original completion immediately (reads never need to wait on a
// metadata commit), then decrements the deferred-set handle acquired at
// admission; any mapping records the decrement drains are handed to drain
// so the caller can enqueue them onto the prepared queue.
func SharedReadHook(set *deferred.Set, handle deferred.Handle, drain func([]deferred.WorkItem)) func(original func(error), err error) {
	return func(original func(error), err error) {
		original(err)
		var drained []deferred.WorkItem
		set.Dec(handle, &drained)
		if len(drained) > 0 {
			drain(drained)
		}
	}
}
