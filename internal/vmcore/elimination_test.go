package vmcore

import (
	"errors"
	"testing"
)

// monitorHooks records ReleaseMonitor/EliminateRef calls and lets a
// test control ClassOfObject's loader and either hook's error.
type monitorHooks struct {
	noopHooks
	loader *Loader

	released     []SourceObject
	eliminated   []RefSlotAddr
	releaseErr   error
	eliminateErr error
}

func (h *monitorHooks) ClassOfObject(obj SourceObject) (*Loader, bool) {
	return h.loader, false
}

func (h *monitorHooks) ReleaseMonitor(obj SourceObject) error {
	h.released = append(h.released, obj)
	return h.releaseErr
}

func (h *monitorHooks) EliminateRef(addr RefSlotAddr) error {
	h.eliminated = append(h.eliminated, addr)
	return h.eliminateErr
}

// TestMonitorReleaseOnElimination: eliminating a stale reference must
// release any monitor held on the referent before nulling the slot, so
// a thread blocked waiting on a monitor that will never again be
// notified by its (now-unreachable) owner does not wait forever (spec
// §4.H/§9(b)).
func TestMonitorReleaseOnElimination(t *testing.T) {
	loader := NewLoader("bundle-a@v1", 0)
	hooks := &monitorHooks{loader: loader}
	vm := &VM{id: 0, hooks: hooks}

	target := "the-stale-object"
	slot := RefSlotAddr(0x42)
	eliminateStaleRef(vm, slot, staleRefEntry{Source: "holder", Target: target})

	if len(hooks.released) != 1 || hooks.released[0] != target {
		t.Fatalf("released = %v, want exactly [%v]", hooks.released, target)
	}
	if len(hooks.eliminated) != 1 || hooks.eliminated[0] != slot {
		t.Fatalf("eliminated = %v, want exactly [%v]", hooks.eliminated, slot)
	}
}

// A loader with correction disabled leaves the slot untouched entirely
// -- neither the monitor release nor the slot store happens.
func TestEliminationSkippedWhenCorrectionDisabled(t *testing.T) {
	loader := NewLoader("bundle-a@v1", 0)
	loader.SetStaleReferencesCorrectionEnabled(false)
	hooks := &monitorHooks{loader: loader}
	vm := &VM{id: 0, hooks: hooks}

	eliminateStaleRef(vm, RefSlotAddr(1), staleRefEntry{Source: "holder", Target: "target"})

	if len(hooks.released) != 0 {
		t.Fatalf("released = %v, want none when correction is disabled", hooks.released)
	}
	if len(hooks.eliminated) != 0 {
		t.Fatalf("eliminated = %v, want none when correction is disabled", hooks.eliminated)
	}
}

// A failing ReleaseMonitor is logged but does not block the slot from
// being eliminated -- the slot write is what actually matters for
// memory safety, the monitor release is best-effort cleanup.
func TestEliminationProceedsDespiteMonitorReleaseError(t *testing.T) {
	loader := NewLoader("bundle-a@v1", 0)
	hooks := &monitorHooks{loader: loader, releaseErr: errors.New("already released")}
	vm := &VM{id: 0, hooks: hooks}

	slot := RefSlotAddr(7)
	eliminateStaleRef(vm, slot, staleRefEntry{Source: "holder", Target: "target"})

	if len(hooks.eliminated) != 1 || hooks.eliminated[0] != slot {
		t.Fatalf("eliminated = %v, want exactly [%v] despite the monitor-release error", hooks.eliminated, slot)
	}
}

// A nil Target (root-level stale slot, no referent object to release a
// monitor on) skips ReleaseMonitor but still eliminates the slot.
func TestEliminationWithNilTargetSkipsMonitorRelease(t *testing.T) {
	hooks := &monitorHooks{}
	vm := &VM{id: 0, hooks: hooks}

	slot := RefSlotAddr(3)
	eliminateStaleRef(vm, slot, staleRefEntry{Source: "holder", Target: nil})

	if len(hooks.released) != 0 {
		t.Fatalf("released = %v, want none for a nil target", hooks.released)
	}
	if len(hooks.eliminated) != 1 || hooks.eliminated[0] != slot {
		t.Fatalf("eliminated = %v, want exactly [%v]", hooks.eliminated, slot)
	}
}
