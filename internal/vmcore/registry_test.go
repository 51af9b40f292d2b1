package vmcore

import "testing"

type noopHooks struct{}

func (noopHooks) StartCollection()                                  {}
func (noopHooks) EndCollection()                                    {}
func (noopHooks) Tracer(ReferenceScanner)                           {}
func (noopHooks) ScanWeakReferences(ReferenceScanner)                {}
func (noopHooks) ScanSoftReferences(ReferenceScanner)                {}
func (noopHooks) ScanPhantomReferences(ReferenceScanner)             {}
func (noopHooks) ScanFinalizable(ReferenceScanner)                   {}
func (noopHooks) RescanFinalizableReachability(ReferenceScanner)     {}
func (noopHooks) FinalizeObject(SourceObject)                        {}
func (noopHooks) ObjectSize(SourceObject) (uintptr, error)           { return 0, nil }
func (noopHooks) ObjectTypeName(SourceObject) string                 { return "" }
func (noopHooks) BuildThreadData(*Mutator) any                       { return nil }
func (noopHooks) ReleaseMonitor(SourceObject) error                  { return nil }
func (noopHooks) EliminateRef(RefSlotAddr) error                     { return nil }
func (noopHooks) ClassOfObject(SourceObject) (*Loader, bool)         { return nil, false }

func TestVMIDStability(t *testing.T) {
	r := NewRegistry()
	vm1 := r.AddVM(noopHooks{})
	vm2 := r.AddVM(noopHooks{})
	if vm1.ID() == vm2.ID() {
		t.Fatalf("expected distinct VMIDs, got %d and %d", vm1.ID(), vm2.ID())
	}

	r.RemoveVM(vm1.ID())
	vm3 := r.AddVM(noopHooks{})
	if vm3.ID() != vm1.ID() {
		t.Fatalf("expected freed slot %d to be reused, got %d", vm1.ID(), vm3.ID())
	}

	if r.VMByID(vm2.ID()) != vm2 {
		t.Fatalf("vm2 should still resolve by id after vm1 removal/reuse")
	}
}

func TestPerMutatorArrayLength(t *testing.T) {
	r := NewRegistry()
	m := r.RegisterPrepared()
	r.RegisterRunning(m)

	for i := 0; i < 6; i++ {
		r.AddVM(noopHooks{})
	}

	if got, want := r.VMSlotCount(), len(m.perVM); got != want {
		t.Fatalf("mutator perVM length = %d, want registry slot count %d", want, got)
	}

	vm := r.AddVM(noopHooks{})
	if got, want := r.VMSlotCount(), len(m.perVM); got != want {
		t.Fatalf("after growth, mutator perVM length = %d, want %d", want, got)
	}
	if m.PerVM(vm.ID()) != nil {
		t.Fatalf("freshly grown perVM slot should start nil")
	}
}

func TestVMRemovalDefersWhileMutatorHoldsData(t *testing.T) {
	r := NewRegistry()
	m := r.RegisterPrepared()
	r.RegisterRunning(m)
	vm := r.AddVM(noopHooks{})

	m.SetPerVM(vm.ID(), "thread-data")
	r.RemoveVM(vm.ID())

	if r.VMByID(vm.ID()) == nil {
		t.Fatalf("draining VM should still resolve by id")
	}
	if r.ReapDrainedVMs() != 0 {
		t.Fatalf("reaper should not free a slot a mutator still holds data for")
	}

	m.clearPerVM(vm.ID())
	if freed := r.ReapDrainedVMs(); freed != 1 {
		t.Fatalf("reaper should free the slot once perVM is cleared, got %d", freed)
	}
	if r.VMByID(vm.ID()) != nil {
		t.Fatalf("VM slot should be free after reaping")
	}
}

func TestRegisterPreparedRunningTransitions(t *testing.T) {
	r := NewRegistry()
	m := r.RegisterPrepared()
	if r.RunningCount() != 0 {
		t.Fatalf("prepared mutator should not count as running")
	}

	r.RegisterRunning(m)
	if r.RunningCount() != 1 {
		t.Fatalf("expected 1 running mutator, got %d", r.RunningCount())
	}

	r.UnregisterRunning(m)
	if r.RunningCount() != 0 {
		t.Fatalf("expected 0 running mutators after unregister, got %d", r.RunningCount())
	}

	r.UnregisterPrepared(m)
	if m.PerVM(0) != nil {
		t.Fatalf("unregistered mutator should have no per-VM data")
	}
}
