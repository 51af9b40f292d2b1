// Package vmcore implements the in-process VM coordination core shared by
// every guest runtime instance hosted inside a single nova-agent process:
// mutator/VM registration, a stop-the-world rendezvous for the collector,
// and the "Incinerator" that reclaims stale references left over when a
// hot-reloaded function bundle's code generation is retired.
//
// See SPEC_FULL.md for the full design; this file holds the shared data
// model referenced throughout the package.
package vmcore

import (
	"sync"
	"sync/atomic"
)

// VMID is a dense, process-lifetime-stable index into the VM slot array.
// It is reused only after the corresponding slot has been fully drained
// (see Registry.ReapDrainedVMs, run periodically by Core's reaper loop).
type VMID int32

// BundleID identifies a hot-reloadable unit of function code, analogous
// to an OSGi bundle. It is typically derived from codeloader.ContentHash.
type BundleID string

// MutatorID identifies a registered mutator (a goroutine executing guest
// dispatch code on behalf of some VM).
type MutatorID int64

// RefSlotAddr is an opaque, caller-chosen key identifying a heap or stack
// word that holds a reference to a guest object. vmcore never dereferences
// it; see SPEC_FULL.md §3.a for why this is not a raw pointer.
type RefSlotAddr uintptr

// SourceObject is the object that owns a reference slot, or nil for
// slots rooted in globals/stacks. It is opaque to vmcore.
type SourceObject any

// MethodInfo describes a compiled function's code range, sufficient to
// reconstruct a source-level frame during stack walking.
type MethodInfo struct {
	Name      string
	CodeStart uintptr
	CodeSize  uintptr
	Owner     CodeGenOwner
}

// Contains reports whether ip falls within this method's code range.
func (m MethodInfo) Contains(ip uintptr) bool {
	return ip >= m.CodeStart && ip < m.CodeStart+m.CodeSize
}

// CodeGenOwner identifies the code-generation unit that produced a batch
// of MethodInfo entries, used for bulk unload (FunctionMap.RemoveByOwner).
type CodeGenOwner any

// VMHooks is implemented by every hosted VM instance. The core calls
// these at well-defined points in the collection protocol (SPEC_FULL §6).
type VMHooks interface {
	// StartCollection/EndCollection bracket a collection cycle.
	StartCollection()
	EndCollection()

	// Tracer enumerates all of this VM's roots (globals, per-thread
	// roots) by invoking scan.ScanRef for each reference slot found.
	Tracer(scan ReferenceScanner)

	// ScanWeakReferences, ScanSoftReferences, ScanPhantomReferences scan
	// the corresponding reference queues, in that relative order
	// (weak/soft before the finalizable queue, phantom after).
	ScanWeakReferences(scan ReferenceScanner)
	ScanSoftReferences(scan ReferenceScanner)
	ScanPhantomReferences(scan ReferenceScanner)

	// ScanFinalizable scans objects queued for finalization.
	ScanFinalizable(scan ReferenceScanner)

	// RescanFinalizableReachability re-walks reachability starting from
	// the objects just queued for finalization, once scanning has
	// switched to exclusive mode (spec §4.D step 8 / §4.F). Anything
	// reachable this way is excluded from the stale-ref queue, since a
	// pending finalizer may still legitimately resurrect it.
	RescanFinalizableReachability(scan ReferenceScanner)

	// FinalizeObject invokes the finalizer of a queued object.
	FinalizeObject(obj SourceObject)

	// ObjectSize and ObjectTypeName support copying collectors and
	// diagnostics respectively.
	ObjectSize(obj SourceObject) (uintptr, error)
	ObjectTypeName(obj SourceObject) string

	// BuildThreadData lazily allocates this VM's per-thread data for a
	// mutator attached from foreign code.
	BuildThreadData(m *Mutator) any

	// ReleaseMonitor releases any monitor owned by obj on behalf of the
	// owning thread, notifying waiters, per SPEC_FULL.md §4.H/§9(b).
	// Implementations loop internally until the calling thread no
	// longer owns the monitor.
	ReleaseMonitor(obj SourceObject) error

	// EliminateRef stores nil (or the hook's equivalent) into the slot
	// identified by addr. Called only while every mutator is quiesced.
	EliminateRef(addr RefSlotAddr) error

	// ClassOfObject returns the loader that defines obj's class and
	// whether obj is a "VM object" bridge excluded from stale
	// classification (SPEC_FULL §4.G "Edge case").
	ClassOfObject(obj SourceObject) (loader *Loader, isVMObject bool)
}

// ReferenceScanner is invoked by a VM's Tracer/Scan* methods for every
// reference slot visited during tracing. Return value reports whether
// the collector should continue tracing through this reference.
type ReferenceScanner interface {
	ScanRef(source SourceObject, slot RefSlotAddr, target SourceObject) (continueTracing bool)
	ScanStackRef(method *MethodInfo, slot RefSlotAddr, target SourceObject) (continueTracing bool)
}

// Loader is the Go analogue of a class loader: the unit a bundle's
// classes/types are defined against, and the unit marked "stale" when
// its bundle is uninstalled or updated.
type Loader struct {
	mu                     sync.Mutex
	id                     string
	stale                  bool
	correctionEnabled      bool
	ownerVM                VMID
}

// NewLoader creates a loader with stale-reference correction enabled by
// default (matching the original's JnjvmClassLoader default).
func NewLoader(id string, vm VMID) *Loader {
	return &Loader{id: id, ownerVM: vm, correctionEnabled: true}
}

// ID returns the loader's identifier.
func (l *Loader) ID() string {
	return l.id
}

// IsStale reports whether the loader has been marked stale.
func (l *Loader) IsStale() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stale
}

func (l *Loader) markStale(stale bool) {
	l.mu.Lock()
	l.stale = stale
	l.mu.Unlock()
}

// IsStaleReferencesCorrectionEnabled reports the per-loader correction flag.
func (l *Loader) IsStaleReferencesCorrectionEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.correctionEnabled
}

// SetStaleReferencesCorrectionEnabled sets the per-loader correction flag.
// It propagates across bundle updates per SPEC_FULL.md's install table.
func (l *Loader) SetStaleReferencesCorrectionEnabled(enabled bool) {
	l.mu.Lock()
	l.correctionEnabled = enabled
	l.mu.Unlock()
}

// isStaleObject implements spec §4.G's definition: an object is stale
// when its class's loader is both stale and correction-enabled.
func isStaleObject(loader *Loader) bool {
	if loader == nil {
		return false
	}
	loader.mu.Lock()
	defer loader.mu.Unlock()
	return loader.stale && loader.correctionEnabled
}

// mutatorState is the two-list membership from spec §3/§4.A.
type mutatorState int32

const (
	statePrepared mutatorState = iota
	stateRunning
)

// Mutator is a registered thread executing hosted application code.
// Fields mutated on the hot path (yieldRequested, lastSP, inRendezvous)
// are atomics so the rendezvous can flip them without taking the
// registry lock; membership-list transitions and perVM resizing are
// serialised by Registry's lock (spec §4.A "registry lock").
type Mutator struct {
	id       MutatorID
	registry *Registry

	mu    sync.Mutex
	state mutatorState

	inRendezvous   atomic.Bool
	yieldRequested atomic.Bool
	joined         atomic.Bool
	lastSP         atomic.Uintptr // sp from the last JoinAfterUncooperative; zeroed by JoinBeforeUncooperative
	osTID          atomic.Int32   // OS thread id, for the uncooperative rendezvous signal; 0 if unbound

	perVMMu sync.Mutex
	perVM   []any // index by VMID; VMThreadData, nil if never touched
}

// BindOSThread records the OS thread id the calling goroutine is
// currently locked to (via runtime.LockOSThread), so the uncooperative
// rendezvous can target it with a signal. Call this once after
// runtime.LockOSThread, before registering as running.
func (m *Mutator) BindOSThread(tid int32) { m.osTID.Store(tid) }

// ID returns the mutator's identifier.
func (m *Mutator) ID() MutatorID { return m.id }

// PerVM returns the per-VM thread data for id, or nil if none has been
// built yet.
func (m *Mutator) PerVM(id VMID) any {
	m.perVMMu.Lock()
	defer m.perVMMu.Unlock()
	if int(id) >= len(m.perVM) {
		return nil
	}
	return m.perVM[id]
}

// SetPerVM installs per-VM thread data for id.
func (m *Mutator) SetPerVM(id VMID, data any) {
	m.perVMMu.Lock()
	defer m.perVMMu.Unlock()
	if int(id) >= len(m.perVM) {
		return
	}
	m.perVM[id] = data
}

// clearPerVM nulls the per-VM slot, used when a VM is removed (spec
// invariant: "when V is removed, every M.per_vm[i] for that i must be
// null").
func (m *Mutator) clearPerVM(id VMID) {
	m.SetPerVM(id, nil)
}

func (m *Mutator) growPerVM(newLen int) {
	m.perVMMu.Lock()
	defer m.perVMMu.Unlock()
	if newLen <= len(m.perVM) {
		return
	}
	grown := make([]any, newLen)
	copy(grown, m.perVM)
	m.perVM = grown
}

// vmSlotState tracks the lifecycle of a VM registry slot, including the
// deferred-reuse handling adopted for Open Question (a).
type vmSlotState int32

const (
	vmSlotFree vmSlotState = iota
	vmSlotLive
	vmSlotDraining // removed, but some mutator's perVM entry is still non-nil
)

// VM wraps a hosted guest runtime instance's hooks plus the bookkeeping
// the core needs (its dense id, its set of loaders/bundles).
type VM struct {
	id    VMID
	hooks VMHooks

	incinerator *Incinerator
}

// ID returns this VM's dense registry id.
func (v *VM) ID() VMID { return v.id }

// Hooks returns the VMHooks implementation backing this VM.
func (v *VM) Hooks() VMHooks { return v.hooks }

// Incinerator returns this VM's per-VM incinerator state.
func (v *VM) Incinerator() *Incinerator { return v.incinerator }
