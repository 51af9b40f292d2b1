package main

import (
	"sync"

	"github.com/oriys/nova/internal/vmcore"
)

// fakeObject is a synthetic heap object: a named node with outgoing
// reference slots into other fakeObjects, each slot keyed by its own
// address (an index into the global slot table below).
type fakeObject struct {
	name   string
	loader *vmcore.Loader
	refs   map[vmcore.RefSlotAddr]*fakeObject
}

// fakeSlot records which object owns a slot in fakeVM's slot table.
type fakeSlot struct {
	owner *fakeObject // nil for a root slot
}

// fakeVM is a minimal VMHooks implementation sufficient to exercise a
// full collection cycle: a root set, a finalizable queue, and a slot
// table vmcore can null out via EliminateRef.
type fakeVM struct {
	mu       sync.Mutex
	roots    map[string]*fakeObject
	slots    map[vmcore.RefSlotAddr]fakeSlot // slot addr -> owner, for EliminateRef
	nextSlot vmcore.RefSlotAddr

	finalizable []*fakeObject
	finalized   []string
	eliminated  []vmcore.RefSlotAddr
}

func newFakeVM() *fakeVM {
	return &fakeVM{
		roots: make(map[string]*fakeObject),
		slots: make(map[vmcore.RefSlotAddr]fakeSlot),
	}
}

// newSlot allocates a slot owned by owner (nil for a root) currently
// holding value, recording it both on the owner's ref map (for
// tracing) and in the VM's flat slot table (so EliminateRef can find
// and clear it by address alone).
func (f *fakeVM) newSlot(owner *fakeObject, value *fakeObject) vmcore.RefSlotAddr {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSlot++
	addr := f.nextSlot
	f.slots[addr] = fakeSlot{owner: owner}
	if owner != nil {
		if owner.refs == nil {
			owner.refs = make(map[vmcore.RefSlotAddr]*fakeObject)
		}
		owner.refs[addr] = value
	}
	return addr
}

func (f *fakeVM) StartCollection() {}
func (f *fakeVM) EndCollection()   {}

func (f *fakeVM) Tracer(scan vmcore.ReferenceScanner) {
	f.mu.Lock()
	roots := make([]*fakeObject, 0, len(f.roots))
	for _, r := range f.roots {
		roots = append(roots, r)
	}
	f.mu.Unlock()

	seen := make(map[*fakeObject]bool)
	var walk func(obj *fakeObject)
	walk = func(obj *fakeObject) {
		if obj == nil || seen[obj] {
			return
		}
		seen[obj] = true
		for addr, target := range obj.refs {
			if target == nil {
				continue
			}
			if scan.ScanRef(obj, addr, target) {
				walk(target)
			}
		}
	}
	for _, r := range roots {
		walk(r)
	}
}

func (f *fakeVM) ScanWeakReferences(scan vmcore.ReferenceScanner)    {}
func (f *fakeVM) ScanSoftReferences(scan vmcore.ReferenceScanner)    {}
func (f *fakeVM) ScanPhantomReferences(scan vmcore.ReferenceScanner) {}

func (f *fakeVM) ScanFinalizable(scan vmcore.ReferenceScanner) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, obj := range f.finalizable {
		for addr, target := range obj.refs {
			scan.ScanRef(obj, addr, target)
		}
	}
}

func (f *fakeVM) RescanFinalizableReachability(scan vmcore.ReferenceScanner) {
	f.ScanFinalizable(scan)
}

func (f *fakeVM) FinalizeObject(obj vmcore.SourceObject) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := obj.(*fakeObject); ok {
		f.finalized = append(f.finalized, o.name)
	}
}

func (f *fakeVM) ObjectSize(obj vmcore.SourceObject) (uintptr, error) { return 32, nil }

func (f *fakeVM) ObjectTypeName(obj vmcore.SourceObject) string {
	if o, ok := obj.(*fakeObject); ok {
		return o.name
	}
	return "?"
}

func (f *fakeVM) BuildThreadData(m *vmcore.Mutator) any { return struct{}{} }

func (f *fakeVM) ReleaseMonitor(obj vmcore.SourceObject) error { return nil }

func (f *fakeVM) EliminateRef(addr vmcore.RefSlotAddr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if slot, ok := f.slots[addr]; ok && slot.owner != nil {
		delete(slot.owner.refs, addr)
	}
	f.eliminated = append(f.eliminated, addr)
	return nil
}

func (f *fakeVM) ClassOfObject(obj vmcore.SourceObject) (*vmcore.Loader, bool) {
	o, ok := obj.(*fakeObject)
	if !ok || o == nil {
		return nil, false
	}
	return o.loader, false
}
