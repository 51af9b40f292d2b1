package vmcore

import (
	"sync"
	"sync/atomic"
)

// Registry is the combined thread registry (spec §4.A) and VM registry
// (spec §4.B). Spec requires both to be serialised by a single
// "registry lock", since adding a VM resizes every mutator's per-VM
// array; a single mutex here is the direct Go translation of that
// requirement rather than two locks with a manufactured ordering rule
// between them.
type Registry struct {
	mu sync.Mutex

	nextMutatorID atomic.Int64
	prepared      map[MutatorID]*Mutator
	running       map[MutatorID]*Mutator

	vmSlots []vmSlotEntry // index by VMID
}

type vmSlotEntry struct {
	state vmSlotState
	vm    *VM
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		prepared: make(map[MutatorID]*Mutator),
		running:  make(map[MutatorID]*Mutator),
	}
}

// Lock/Unlock expose the registry lock directly for callers (the
// rendezvous) that must hold it across multiple registry operations,
// per spec §4.A: "acquired by the rendezvous before synchronization,
// released after finalisation."
func (r *Registry) Lock()   { r.mu.Lock() }
func (r *Registry) Unlock() { r.mu.Unlock() }

// --- Thread registry (4.A) ---

// RegisterPrepared creates and registers a new mutator in the prepared
// list.
func (r *Registry) RegisterPrepared() *Mutator {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := &Mutator{
		id:       MutatorID(r.nextMutatorID.Add(1)),
		registry: r,
		state:    statePrepared,
		perVM:    make([]any, len(r.vmSlots)),
	}
	r.prepared[m.id] = m
	return m
}

// RegisterRunning moves a mutator from prepared to running, matching
// spec's "moves from prepared to running". If the mutator is not
// currently prepared, it is inserted directly into running (foreign
// thread attach case, e.g. VMHooks.BuildThreadData callers).
func (r *Registry) RegisterRunning(m *Mutator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.prepared, m.id)
	m.mu.Lock()
	m.state = stateRunning
	m.mu.Unlock()
	r.running[m.id] = m
}

// UnregisterRunning moves a mutator back to the prepared list.
func (r *Registry) UnregisterRunning(m *Mutator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.running, m.id)
	m.mu.Lock()
	m.state = statePrepared
	m.mu.Unlock()
	r.prepared[m.id] = m
}

// UnregisterPrepared destroys a mutator's per-VM data and removes it
// entirely. Per the invariant in spec §3, this only runs cleanly once
// every perVM entry is nil (VM removal defers until then; see Core's
// reaper), but we do not re-check that here — it is the VM registry's
// job to guarantee it.
func (r *Registry) UnregisterPrepared(m *Mutator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.prepared, m.id)
	m.perVMMu.Lock()
	m.perVM = nil
	m.perVMMu.Unlock()
}

// RunningMutators returns a snapshot slice of currently running
// mutators. It takes the registry lock itself, so it must not be called
// while Lock is held.
func (r *Registry) RunningMutators() []*Mutator {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Mutator, 0, len(r.running))
	for _, m := range r.running {
		out = append(out, m)
	}
	return out
}

// RunningCount reports the number of mutators currently in the running
// list, under the registry lock.
func (r *Registry) RunningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// --- VM registry (4.B) ---

// AddVM installs vm's hooks into the first free slot, growing the slot
// array by doubling if none is free, and reallocates every registered
// mutator's per-VM data array to match (spec §4.B).
func (r *Registry) AddVM(hooks VMHooks) *VM {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.vmSlots {
		if r.vmSlots[i].state == vmSlotFree {
			vm := &VM{id: VMID(i), hooks: hooks}
			vm.incinerator = newIncinerator(vm)
			r.vmSlots[i] = vmSlotEntry{state: vmSlotLive, vm: vm}
			return vm
		}
	}

	oldLen := len(r.vmSlots)
	newLen := oldLen * 2
	if newLen == 0 {
		newLen = 4
	}
	grown := make([]vmSlotEntry, newLen)
	copy(grown, r.vmSlots)
	r.vmSlots = grown

	vm := &VM{id: VMID(oldLen), hooks: hooks}
	vm.incinerator = newIncinerator(vm)
	r.vmSlots[oldLen] = vmSlotEntry{state: vmSlotLive, vm: vm}

	for _, m := range r.prepared {
		m.growPerVM(newLen)
	}
	for _, m := range r.running {
		m.growPerVM(newLen)
	}

	return vm
}

// RemoveVM marks id's slot free, or "draining" if any mutator still
// holds per-VM data for it (Open Question (a), deferred slot reuse).
// Draining slots are reclaimed by Core's background reaper once every
// mutator's corresponding perVM entry has gone nil.
func (r *Registry) RemoveVM(id VMID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeVMLocked(id)
}

func (r *Registry) removeVMLocked(id VMID) {
	if int(id) >= len(r.vmSlots) || r.vmSlots[id].state != vmSlotLive {
		return
	}

	if r.anyMutatorHoldsPerVMLocked(id) {
		r.vmSlots[id].state = vmSlotDraining
		return
	}

	r.vmSlots[id] = vmSlotEntry{state: vmSlotFree}
}

func (r *Registry) anyMutatorHoldsPerVMLocked(id VMID) bool {
	for _, m := range r.prepared {
		if m.PerVM(id) != nil {
			return true
		}
	}
	for _, m := range r.running {
		if m.PerVM(id) != nil {
			return true
		}
	}
	return false
}

// ReapDrainedVMs scans for draining slots whose mutators have all
// released their per-VM data and frees them. Returns the number of
// slots freed. Intended to be called periodically by Core's background
// loop (modeled on pool.cleanupLoop).
func (r *Registry) ReapDrainedVMs() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	freed := 0
	for i := range r.vmSlots {
		if r.vmSlots[i].state != vmSlotDraining {
			continue
		}
		if r.anyMutatorHoldsPerVMLocked(VMID(i)) {
			continue
		}
		r.vmSlots[i] = vmSlotEntry{state: vmSlotFree}
		freed++
	}
	return freed
}

// VMByID returns the live or draining VM at id, or nil.
func (r *Registry) VMByID(id VMID) *VM {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(id) >= len(r.vmSlots) {
		return nil
	}
	e := r.vmSlots[id]
	if e.state == vmSlotFree {
		return nil
	}
	return e.vm
}

// LiveVMs returns a snapshot of all non-free VM slots (live or
// draining — a draining VM must still be traced/collected normally
// until its slot is reclaimed).
func (r *Registry) LiveVMs() []*VM {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*VM, 0, len(r.vmSlots))
	for _, e := range r.vmSlots {
		if e.state != vmSlotFree {
			out = append(out, e.vm)
		}
	}
	return out
}

// VMSlotCount returns the current length of the VM slot array, used by
// tests to verify the per-mutator array length invariant.
func (r *Registry) VMSlotCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.vmSlots)
}

// clearMutatorPerVMAll nulls the per-VM entry for id on every prepared
// and running mutator; the caller must hold the registry lock. Nothing
// in this package calls it: RemoveVM leaves mutators' entries in place
// and defers slot reuse until they are nil.
func (r *Registry) clearMutatorPerVMAll(id VMID) {
	for _, m := range r.prepared {
		m.clearPerVM(id)
	}
	for _, m := range r.running {
		m.clearPerVM(id)
	}
}
