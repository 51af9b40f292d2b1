package vmcore

import "github.com/oriys/nova/internal/logging"

// eliminateStaleRef retires one queued stale reference: it releases
// any monitor held on the stale referent (so a thread blocked waiting
// on a monitor that will now never be notified by its owner doesn't
// wait forever), then asks the VM's hooks to null the slot. Ported
// from JnjvmStaleRef.cpp's resetReferenceIfStale, split across
// VMHooks.ReleaseMonitor/EliminateRef per SPEC_FULL.md §3.a and §9(b):
// vmcore holds no representation of the guest heap or its monitors, so
// both the store and the monitor release are delegated back to the
// hosted VM.
func eliminateStaleRef(vm *VM, slot RefSlotAddr, entry staleRefEntry) {
	loader, _ := vm.hooks.ClassOfObject(entry.Target)
	if loader != nil && !loader.IsStaleReferencesCorrectionEnabled() {
		logging.Op().Warn("vmcore: skipping stale ref elimination, correction disabled for loader",
			"vm", vm.id, "loader", loader.ID())
		metricStaleRefsSkippedDisabled.WithLabelValues(vmLabel(vm.id)).Inc()
		return
	}

	if entry.Target != nil {
		if err := vm.hooks.ReleaseMonitor(entry.Target); err != nil {
			logging.Op().Warn("vmcore: releasing monitor on stale referent", "vm", vm.id, "error", err)
		}
	}

	if err := vm.hooks.EliminateRef(slot); err != nil {
		logging.Op().Warn("vmcore: eliminating stale ref", "vm", vm.id, "error", err)
		return
	}

	metricStaleRefsEliminated.WithLabelValues(vmLabel(vm.id)).Inc()
}
