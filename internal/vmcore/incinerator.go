package vmcore

import (
	"sync"
	"sync/atomic"

	"github.com/oriys/nova/internal/logging"
)

// scanMode is the Incinerator's per-VM collection-phase state machine
// (spec §4.F):
//
//	disabled --(needsRescan \/ bundle-uninstall)--> inclusive
//	inclusive --(markingFinalizersDone)--> exclusive
//	exclusive --(collectorPhaseComplete)--> act on queue, then disabled
type scanMode int32

const (
	modeDisabled scanMode = iota
	modeInclusive
	modeExclusive
)

// DumpEntry is one (source, slot) pair recorded in response to
// DumpReferencesToObject.
type DumpEntry struct {
	Source SourceObject
	Slot   RefSlotAddr
}

// staleRefEntry is one slot queued during the inclusive scan: the
// owning object (for diagnostics) and the stale referent itself (so
// elimination can release any monitor held on it before nulling the
// slot).
type staleRefEntry struct {
	Source SourceObject
	Target SourceObject
}

// Incinerator holds one VM's stale-reference reclamation state: the
// stale-bundle index, the pending stale-ref queue, and the current
// scanning mode. It implements ReferenceScanner so a VM's Tracer can
// drive tracing straight through it.
type Incinerator struct {
	vm *VM

	mu                     sync.Mutex
	liveLoaders            map[BundleID]*Loader
	staleBundleLoaders     map[BundleID][]*Loader
	staleRefQueue          map[RefSlotAddr]staleRefEntry
	dumpTarget             SourceObject
	dumpTargetSet          bool
	foundReferencerObjects []DumpEntry

	mode            atomic.Int32 // scanMode
	needsRescan     atomic.Bool
}

func newIncinerator(vm *VM) *Incinerator {
	return &Incinerator{
		vm:                 vm,
		liveLoaders:        make(map[BundleID]*Loader),
		staleBundleLoaders: make(map[BundleID][]*Loader),
		staleRefQueue:      make(map[RefSlotAddr]staleRefEntry),
	}
}

func (inc *Incinerator) currentMode() scanMode {
	return scanMode(inc.mode.Load())
}

func (inc *Incinerator) isScanningEnabled() bool {
	return inc.currentMode() != modeDisabled
}

func (inc *Incinerator) setModeDisabled() {
	inc.mode.Store(int32(modeDisabled))
}

func (inc *Incinerator) setModeInclusive() {
	inc.mode.Store(int32(modeInclusive))
	logging.Op().Debug("vmcore: incinerator scanning for stale references", "vm", inc.vm.id)
}

func (inc *Incinerator) setModeExclusive() {
	inc.mode.Store(int32(modeExclusive))
	logging.Op().Debug("vmcore: incinerator excluding finalizer-reachable stale references", "vm", inc.vm.id)
}

// --- Public operations (spec §4.F / §6) ---

// SetBundleClassLoader links or relinks a bundle to a class loader,
// implementing the 4-way install/uninstall/no-op/update table from
// SPEC_FULL.md §4.F, ported from Incinerator::setBundleClassLoader.
func (inc *Incinerator) SetBundleClassLoader(bundle BundleID, newLoader *Loader) {
	inc.mu.Lock()
	defer inc.mu.Unlock()

	previous := inc.liveLoaders[bundle]

	updated := previous != nil && newLoader != nil && previous != newLoader

	if updated {
		newLoader.SetStaleReferencesCorrectionEnabled(previous.IsStaleReferencesCorrectionEnabled())
	}

	if updated || (previous != nil && newLoader == nil) {
		inc.staleBundleLoaders[bundle] = append(inc.staleBundleLoaders[bundle], previous)
		previous.markStale(true)
		inc.setModeInclusive()
	}

	if newLoader != nil {
		inc.liveLoaders[bundle] = newLoader
	} else {
		delete(inc.liveLoaders, bundle)
	}
}

// GetBundleClassLoader returns the live loader for bundle, or nil.
func (inc *Incinerator) GetBundleClassLoader(bundle BundleID) *Loader {
	inc.mu.Lock()
	defer inc.mu.Unlock()
	return inc.liveLoaders[bundle]
}

// GetClassLoaderBundleID consults both the live and stale index, per
// spec §6.
func (inc *Incinerator) GetClassLoaderBundleID(loader *Loader) (BundleID, bool) {
	if loader == nil {
		return "", false
	}
	inc.mu.Lock()
	defer inc.mu.Unlock()

	for id, l := range inc.liveLoaders {
		if l == loader {
			return id, true
		}
	}
	for id, loaders := range inc.staleBundleLoaders {
		for _, l := range loaders {
			if l == loader {
				return id, true
			}
		}
	}
	return "", false
}

// SetBundleStaleReferenceCorrected toggles the per-loader correction
// flag. Returns ErrInvalidBundle if bundle does not resolve in either
// index.
func (inc *Incinerator) SetBundleStaleReferenceCorrected(bundle BundleID, enabled bool) error {
	loader := inc.resolveLoader(bundle)
	if loader == nil {
		return ErrInvalidBundle
	}
	loader.SetStaleReferencesCorrectionEnabled(enabled)
	return nil
}

// IsBundleStaleReferenceCorrected reports the per-loader correction
// flag. Returns ErrInvalidBundle if bundle does not resolve.
func (inc *Incinerator) IsBundleStaleReferenceCorrected(bundle BundleID) (bool, error) {
	loader := inc.resolveLoader(bundle)
	if loader == nil {
		return false, ErrInvalidBundle
	}
	return loader.IsStaleReferencesCorrectionEnabled(), nil
}

func (inc *Incinerator) resolveLoader(bundle BundleID) *Loader {
	inc.mu.Lock()
	defer inc.mu.Unlock()
	if l, ok := inc.liveLoaders[bundle]; ok {
		return l
	}
	if loaders, ok := inc.staleBundleLoaders[bundle]; ok && len(loaders) > 0 {
		return loaders[len(loaders)-1]
	}
	return nil
}

// ClassLoaderUnloaded removes loader from the stale-bundle index once
// it has been finally reclaimed (no more references, including in the
// stale-list itself).
func (inc *Incinerator) ClassLoaderUnloaded(loader *Loader) {
	inc.mu.Lock()
	defer inc.mu.Unlock()

	for bundle, loaders := range inc.staleBundleLoaders {
		filtered := loaders[:0]
		for _, l := range loaders {
			if l != loader {
				filtered = append(filtered, l)
			}
		}
		if len(filtered) == 0 {
			delete(inc.staleBundleLoaders, bundle)
		} else {
			inc.staleBundleLoaders[bundle] = filtered
		}
	}
}

// DumpReferencesToObject arranges for the next collection to also
// record any slot that references obj.
func (inc *Incinerator) DumpReferencesToObject(obj SourceObject) {
	inc.mu.Lock()
	inc.dumpTarget = obj
	inc.dumpTargetSet = true
	inc.foundReferencerObjects = nil
	inc.mu.Unlock()
}

// TakeDumpReport returns and clears the most recently collected dump
// report (empty if DumpReferencesToObject was never armed).
func (inc *Incinerator) TakeDumpReport() []DumpEntry {
	inc.mu.Lock()
	defer inc.mu.Unlock()
	report := inc.foundReferencerObjects
	inc.foundReferencerObjects = nil
	inc.dumpTargetSet = false
	inc.dumpTarget = nil
	return report
}

// ForceStaleReferenceScanning sets mode inclusive unconditionally; the
// caller (typically a Core) is expected to trigger a collection
// immediately afterward.
func (inc *Incinerator) ForceStaleReferenceScanning() {
	inc.setModeInclusive()
}

// --- Collection-phase hooks (driven by the collector, spec §4.D/§4.F) ---

// beforeCollection runs at the start of a cycle: if a rescan was
// requested by the previous cycle's exclusive phase, or scanning is
// already enabled (bundle just went stale), enter inclusive mode.
func (inc *Incinerator) beforeCollection() {
	if inc.dumpTargetSet {
		inc.mu.Lock()
		inc.foundReferencerObjects = nil
		inc.mu.Unlock()
	}

	if !inc.needsRescan.Load() && !inc.isScanningEnabled() {
		return
	}
	inc.needsRescan.Store(false)
	inc.setModeInclusive()
}

// markingFinalizersDone flips inclusive -> exclusive once the
// finalizable queue has been marked.
func (inc *Incinerator) markingFinalizersDone() {
	if !inc.isScanningEnabled() {
		return
	}
	inc.setModeExclusive()
}

// collectorPhaseComplete acts on the queued stale refs and clears it.
func (inc *Incinerator) collectorPhaseComplete() {
	inc.mu.Lock()
	queue := inc.staleRefQueue
	inc.staleRefQueue = make(map[RefSlotAddr]staleRefEntry)
	inc.mu.Unlock()

	for slot, entry := range queue {
		eliminateStaleRef(inc.vm, slot, entry)
	}
}

// afterCollection disables scanning at the end of every cycle. A
// pending rescan (needsRescan) is not handled here: the next cycle's
// beforeCollection re-enters inclusive mode for it.
func (inc *Incinerator) afterCollection() {
	inc.mu.Lock()
	inc.dumpTargetSet = false
	inc.dumpTarget = nil
	inc.mu.Unlock()

	if !inc.isScanningEnabled() {
		return
	}
	inc.setModeDisabled()
}

// queueStaleRef records a (slot -> source) pair found during the
// inclusive scan. No duplicate keys (spec §3): a later write for the
// same slot simply overwrites the recorded source.
func (inc *Incinerator) queueStaleRef(slot RefSlotAddr, source SourceObject, target SourceObject) {
	inc.mu.Lock()
	inc.staleRefQueue[slot] = staleRefEntry{Source: source, Target: target}
	inc.mu.Unlock()
}

// removeStaleRef drops slot from the queue if present (exclusive
// phase "reachable via finalizer" exclusion). Reports whether it was
// present.
func (inc *Incinerator) removeStaleRef(slot RefSlotAddr) bool {
	inc.mu.Lock()
	defer inc.mu.Unlock()
	if _, ok := inc.staleRefQueue[slot]; !ok {
		return false
	}
	delete(inc.staleRefQueue, slot)
	return true
}

// QueueLen reports the number of pending stale refs, used by tests and
// diagnostics.
func (inc *Incinerator) QueueLen() int {
	inc.mu.Lock()
	defer inc.mu.Unlock()
	return len(inc.staleRefQueue)
}

func (inc *Incinerator) recordDumpMatch(source SourceObject, slot RefSlotAddr, target SourceObject) {
	inc.mu.Lock()
	defer inc.mu.Unlock()
	if !inc.dumpTargetSet || inc.dumpTarget != target {
		return
	}
	inc.foundReferencerObjects = append(inc.foundReferencerObjects, DumpEntry{Source: source, Slot: slot})
}
