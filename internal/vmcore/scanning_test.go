package vmcore

import "testing"

// classOfHooks is a minimal VMHooks whose only interesting behaviour is
// ClassOfObject, enough to drive Incinerator.ScanRef through its three
// modes without a real guest heap.
type classOfHooks struct {
	noopHooks
	classOf map[SourceObject]*Loader
	vmObjs  map[SourceObject]bool
}

func (h classOfHooks) ClassOfObject(obj SourceObject) (*Loader, bool) {
	return h.classOf[obj], h.vmObjs[obj]
}

func newStaleSetup(t *testing.T) (*Registry, *VM, *Incinerator, *Loader, string) {
	t.Helper()
	r := NewRegistry()

	loader := NewLoader("bundle-a@v1", 0)
	loader.markStale(true) // correctionEnabled defaults true: stale + corrected

	target := "stale-target"
	hooks := classOfHooks{
		classOf: map[SourceObject]*Loader{target: loader},
		vmObjs:  map[SourceObject]bool{},
	}
	vm := r.AddVM(hooks)
	return r, vm, vm.Incinerator(), loader, target
}

// TestStaleRefSoundness: every slot whose target belongs to a stale,
// correction-enabled loader is queued during the inclusive pass, and
// tracing does not continue through it (spec §4.F/§4.G soundness: the
// queue never misses a reference that is actually stale).
func TestStaleRefSoundness(t *testing.T) {
	_, _, inc, _, target := newStaleSetup(t)
	inc.setModeInclusive()

	source := "holder"
	slot := RefSlotAddr(0x1000)

	if cont := inc.ScanRef(source, slot, target); cont {
		t.Fatalf("scanning a stale reference must not continue tracing through it")
	}
	if inc.QueueLen() != 1 {
		t.Fatalf("QueueLen = %d, want 1", inc.QueueLen())
	}

	// A non-stale target is left alone and tracing continues.
	liveTarget := "live-target"
	if cont := inc.ScanRef(source, RefSlotAddr(0x2000), liveTarget); !cont {
		t.Fatalf("a target with no loader should not be treated as stale")
	}
	if inc.QueueLen() != 1 {
		t.Fatalf("QueueLen changed scanning a live target: %d, want 1", inc.QueueLen())
	}

	// A nil target (e.g. a primitive-valued slot) is always a no-op.
	if cont := inc.ScanRef(source, RefSlotAddr(0x3000), nil); !cont {
		t.Fatalf("a nil target must always continue tracing")
	}
}

// A VM-object bridge is excluded from stale classification even if its
// loader would otherwise qualify (SPEC_FULL §4.G "Edge case").
func TestStaleRefSoundnessExcludesVMObjects(t *testing.T) {
	r := NewRegistry()
	loader := NewLoader("bundle-a@v1", 0)
	loader.markStale(true)

	target := "vm-bridge-object"
	hooks := classOfHooks{
		classOf: map[SourceObject]*Loader{target: loader},
		vmObjs:  map[SourceObject]bool{target: true},
	}
	vm := r.AddVM(hooks)
	inc := vm.Incinerator()
	inc.setModeInclusive()

	if cont := inc.ScanRef("holder", RefSlotAddr(1), target); !cont {
		t.Fatalf("a VM-object bridge must never be queued as stale")
	}
	if inc.QueueLen() != 0 {
		t.Fatalf("QueueLen = %d, want 0 for a VM-object target", inc.QueueLen())
	}
}

// TestStaleRefProgress: the exclusive pass removes anything reachable
// from the finalizable queue from the provisional stale-ref queue and
// requests a rescan, so a resurrected object is never eliminated out
// from under a pending finalizer (spec §4.F progress property: the
// queue always shrinks to exactly the set of refs that survive the
// exclusive pass, never stalls holding a resurrected entry).
func TestStaleRefProgress(t *testing.T) {
	_, _, inc, _, target := newStaleSetup(t)
	inc.setModeInclusive()

	source := "holder"
	slot := RefSlotAddr(0x1000)
	inc.ScanRef(source, slot, target)
	if inc.QueueLen() != 1 {
		t.Fatalf("setup: QueueLen = %d, want 1", inc.QueueLen())
	}

	inc.markingFinalizersDone() // inclusive -> exclusive

	if cont := inc.ScanRef(source, slot, target); !cont {
		t.Fatalf("the exclusive pass must always continue tracing")
	}
	if inc.QueueLen() != 0 {
		t.Fatalf("a finalizer-reachable stale ref must be removed from the queue, QueueLen = %d", inc.QueueLen())
	}
	if !inc.needsRescan.Load() {
		t.Fatalf("removing a queued ref during the exclusive pass must request a rescan")
	}
}

// ScanStackRef behaves like ScanRef with a nil source (stack roots own
// no heap object).
func TestScanStackRefUsesNilSource(t *testing.T) {
	_, _, inc, _, target := newStaleSetup(t)
	inc.setModeInclusive()

	inc.ScanStackRef(nil, RefSlotAddr(9), target)
	if inc.QueueLen() != 1 {
		t.Fatalf("QueueLen = %d, want 1 after a stack-rooted stale reference", inc.QueueLen())
	}
}
