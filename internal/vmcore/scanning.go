package vmcore

// Incinerator implements ReferenceScanner directly: its current mode
// selects which of the three scan behaviours below runs for every
// reference slot a VM's Tracer/Scan* methods visit. This mirrors the
// original's mode-dispatched scanRef_Disabled/Inclusive/Exclusive
// (Incinerator.cpp) as a single method switching on an atomic mode
// rather than three function-pointer slots — the Go idiom for the
// same dispatch.

// ScanRef is called by a VM's Tracer/ScanWeakReferences/etc. for every
// (source, slot, target) triple visited while tracing. The return
// value tells the caller whether to keep tracing through target.
func (inc *Incinerator) ScanRef(source SourceObject, slot RefSlotAddr, target SourceObject) bool {
	if target != nil && inc.dumpTargetSet {
		inc.recordDumpMatch(source, slot, target)
	}

	switch inc.currentMode() {
	case modeInclusive:
		return inc.scanRefInclusive(source, slot, target)
	case modeExclusive:
		return inc.scanRefExclusive(source, slot, target)
	default:
		return inc.scanRefDisabled(source, slot, target)
	}
}

// ScanStackRef is called for stack roots, where there is no heap
// object that owns the slot. It delegates to ScanRef with a nil
// source, matching scanStackRef_* in the original.
func (inc *Incinerator) ScanStackRef(method *MethodInfo, slot RefSlotAddr, target SourceObject) bool {
	return inc.ScanRef(nil, slot, target)
}

// scanRefDisabled performs no stale-reference bookkeeping: tracing
// always continues. This is the steady-state behaviour when no bundle
// is stale.
func (inc *Incinerator) scanRefDisabled(source SourceObject, slot RefSlotAddr, target SourceObject) bool {
	return true
}

// scanRefInclusive is the first pass of a collection during which some
// bundle is stale: any slot whose target belongs to a stale, correction-
// enabled loader is queued and tracing stops there (the referent is not
// itself traced, since it is about to be cut loose). Everything else
// continues tracing normally.
func (inc *Incinerator) scanRefInclusive(source SourceObject, slot RefSlotAddr, target SourceObject) bool {
	if target == nil {
		return true
	}
	loader, isVMObject := inc.vm.hooks.ClassOfObject(target)
	if isVMObject || !isStaleObject(loader) {
		return true
	}
	inc.queueStaleRef(slot, source, target)
	return false
}

// scanRefExclusive is the second pass, run after the finalizable queue
// has been marked: anything reachable from a finalizable object that
// was provisionally queued as stale is un-queued, since a pending
// finalizer may still legitimately resurrect it, and the next cycle is
// asked to rescan. Tracing always continues in this pass — the
// exclusion pass must walk the full finalizer-reachable graph.
func (inc *Incinerator) scanRefExclusive(source SourceObject, slot RefSlotAddr, target SourceObject) bool {
	if target == nil {
		return true
	}
	loader, isVMObject := inc.vm.hooks.ClassOfObject(target)
	if isVMObject || !isStaleObject(loader) {
		return true
	}
	if inc.removeStaleRef(slot) {
		inc.needsRescan.Store(true)
	}
	return true
}
