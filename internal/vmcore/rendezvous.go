package vmcore

import (
	"sync"

	"github.com/oriys/nova/internal/logging"
)

// Rendezvous is the stop-the-world protocol interface from spec §4.C:
// "{start, cancel, synchronize, finish, join, join_before_uncooperative,
// join_after_uncooperative, prepare_for_join} plus another_mark,
// wait_rv, wait_end_rv". Two implementations share it —
// NewCooperativeRendezvous and NewUncooperativeRendezvous — a tagged
// variant picked once at Core construction (spec §9 "Virtual dispatch
// replacement").
type Rendezvous interface {
	// Start takes the rendezvous lock and marks self as the initiator.
	// It reports false if a collection is already in progress — the
	// caller must then call Cancel, Join, and report OutcomeSkipped.
	Start(self *Mutator) (proceed bool)

	// Cancel releases the rendezvous lock without running a collection,
	// used when Start reports proceed=false.
	Cancel(self *Mutator)

	// Synchronize sets yield_requested on every mutator in running and
	// blocks until all of them have joined. Must be called with the
	// rendezvous lock held (i.e. after a successful Start).
	Synchronize(running []*Mutator)

	// Finish clears every mutator's rendezvous flags, wakes everyone
	// blocked in Join, and releases the rendezvous lock.
	Finish()

	// Join is called by a mutator that has observed yield_requested at
	// a cooperative safe point. It blocks until Finish.
	Join(self *Mutator)

	// JoinBeforeUncooperative brackets entry into a blocking native
	// call: it tells the rendezvous this mutator is in a known
	// quiescent state and should be counted as joined without further
	// polling.
	JoinBeforeUncooperative(self *Mutator)

	// JoinAfterUncooperative brackets the return from a blocking native
	// call, re-arming cooperative polling. sp is retained only for
	// diagnostics (stack walking uses lastSP directly).
	JoinAfterUncooperative(self *Mutator, sp uintptr)

	// PrepareForJoin is called by a newly-registering mutator while it
	// still holds the registry lock, so it cannot race a rendezvous
	// that is already in its synchronize phase.
	PrepareForJoin(self *Mutator)

	// AnotherMark records a join contributed out-of-band (e.g. a
	// mutator already counted via JoinBeforeUncooperative before
	// Synchronize ran). It is idempotent per mutator per cycle.
	AnotherMark(self *Mutator)

	// WaitRV blocks the caller (the initiator) until every expected
	// mutator has joined.
	WaitRV()

	// WaitEndRV blocks the caller (a joined mutator) until Finish.
	WaitEndRV()
}

// rendezvousBase implements the state machine and synchronisation
// shared by both variants: the cooperative/uncooperative split is only
// in how a mutator is made to notice yield_requested (see
// rendezvous_signal*.go), not in the join/wait bookkeeping itself.
type rendezvousBase struct {
	registry *Registry

	mu            sync.Mutex
	condInitiator *sync.Cond // initiator waits here for joined == expected
	condEndRV     *sync.Cond // joined mutators wait here for Finish

	active    bool
	initiator *Mutator
	expected  int
	joined    int
	// marked holds the mutators that have joined this cycle, keyed by id
	// to de-dupe AnotherMark / JoinBeforeUncooperative. Stored by
	// pointer rather than looked up from the registry on Finish, since
	// Finish runs while Collector.Collect already holds the registry
	// lock (spec §4.D step 9) and Registry's lookup methods also take
	// it -- Go's sync.Mutex is not reentrant.
	marked map[MutatorID]*Mutator
}

func newRendezvousBase(registry *Registry) rendezvousBase {
	b := rendezvousBase{registry: registry, marked: make(map[MutatorID]*Mutator)}
	b.condInitiator = sync.NewCond(&b.mu)
	b.condEndRV = sync.NewCond(&b.mu)
	return b
}

// start unconditionally takes the rendezvous lock and reports whether
// the caller should proceed to Synchronize. If self.yieldRequested is
// already set, another collection is in progress; the lock is still
// held on return and the caller must call Cancel to release it (spec
// §4.C "Cancellation": startRV always takes the lock, the driver
// decides afterward whether to cancel).
func (b *rendezvousBase) start(self *Mutator) bool {
	self.inRendezvous.Store(true)
	b.mu.Lock()

	if self.yieldRequested.Load() {
		return false
	}

	b.active = true
	b.initiator = self
	b.expected = 0
	b.joined = 0
	b.marked = make(map[MutatorID]*Mutator)
	return true
}

func (b *rendezvousBase) cancel(self *Mutator) {
	b.mu.Unlock()
	self.inRendezvous.Store(false)
}

func (b *rendezvousBase) synchronize(running []*Mutator) {
	for _, m := range running {
		if m == b.initiator {
			continue
		}
		m.yieldRequested.Store(true)
		b.expected++
	}
	b.waitRV()
}

func (b *rendezvousBase) waitRV() {
	for b.joined < b.expected {
		b.condInitiator.Wait()
	}
}

func (b *rendezvousBase) finish() {
	for _, m := range b.marked {
		m.yieldRequested.Store(false)
		m.inRendezvous.Store(false)
		m.joined.Store(false)
	}
	b.initiator.inRendezvous.Store(false)
	b.active = false
	b.initiator = nil
	b.joined = 0
	b.expected = 0
	b.condEndRV.Broadcast()
	b.mu.Unlock()
}

// join is the cooperative path: a mutator observed yield_requested at
// a safe point and checks in.
func (b *rendezvousBase) join(self *Mutator) {
	b.mu.Lock()
	b.markJoinedLocked(self)
	b.waitEndRVLocked()
	b.mu.Unlock()
}

func (b *rendezvousBase) markJoinedLocked(self *Mutator) {
	if _, ok := b.marked[self.id]; ok {
		return
	}
	b.marked[self.id] = self
	self.joined.Store(true)
	b.joined++
	b.condInitiator.Signal()
}

func (b *rendezvousBase) anotherMark(self *Mutator) {
	b.mu.Lock()
	b.markJoinedLocked(self)
	b.mu.Unlock()
}

func (b *rendezvousBase) waitEndRVLocked() {
	for b.active {
		b.condEndRV.Wait()
	}
}

func (b *rendezvousBase) waitEndRV() {
	b.mu.Lock()
	b.waitEndRVLocked()
	b.mu.Unlock()
}

func (b *rendezvousBase) prepareForJoin(self *Mutator) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active {
		self.yieldRequested.Store(true)
		b.expected++
	}
}

// --- Cooperative variant ---

// CooperativeRendezvous relies entirely on mutators polling
// yield_requested at their own safe points; Synchronize never touches
// anything beyond the flags themselves (spec §4.C "cooperative variant").
type CooperativeRendezvous struct {
	rendezvousBase
}

// NewCooperativeRendezvous constructs the polling-only rendezvous.
func NewCooperativeRendezvous(registry *Registry) *CooperativeRendezvous {
	return &CooperativeRendezvous{rendezvousBase: newRendezvousBase(registry)}
}

func (r *CooperativeRendezvous) Start(self *Mutator) bool       { return r.start(self) }
func (r *CooperativeRendezvous) Cancel(self *Mutator)           { r.cancel(self) }
func (r *CooperativeRendezvous) Synchronize(running []*Mutator) { r.synchronize(running) }
func (r *CooperativeRendezvous) Finish()                        { r.finish() }
func (r *CooperativeRendezvous) Join(self *Mutator)             { r.join(self) }
func (r *CooperativeRendezvous) PrepareForJoin(self *Mutator)   { r.prepareForJoin(self) }
func (r *CooperativeRendezvous) AnotherMark(self *Mutator)      { r.anotherMark(self) }
func (r *CooperativeRendezvous) WaitRV()                        { r.waitRV() }
func (r *CooperativeRendezvous) WaitEndRV()                     { r.waitEndRV() }

// JoinBeforeUncooperative/JoinAfterUncooperative still exist on the
// cooperative variant (a mutator may enter a native call regardless of
// which rendezvous kind the core was built with); they behave
// identically to the uncooperative variant's bookkeeping, just without
// a signal ever being sent to force the issue.
func (r *CooperativeRendezvous) JoinBeforeUncooperative(self *Mutator) {
	joinBeforeUncooperative(&r.rendezvousBase, self)
}

func (r *CooperativeRendezvous) JoinAfterUncooperative(self *Mutator, sp uintptr) {
	joinAfterUncooperative(&r.rendezvousBase, self, sp)
}

func joinBeforeUncooperative(b *rendezvousBase, self *Mutator) {
	self.lastSP.Store(0) // cleared on entry; JoinAfterUncooperative records the caller's sp
	b.mu.Lock()
	if b.active {
		b.markJoinedLocked(self)
	}
	b.mu.Unlock()
}

func joinAfterUncooperative(b *rendezvousBase, self *Mutator, sp uintptr) {
	self.lastSP.Store(sp)
	b.mu.Lock()
	active := b.active
	b.mu.Unlock()
	if active {
		b.waitEndRV()
	}
	self.yieldRequested.Store(false)
}

// UncooperativeRendezvous additionally sends a signal during
// Synchronize to the OS thread of every running mutator that has called
// BindOSThread (spec §4.C "uncooperative variant"). vmcore installs no
// handler for that signal, so it does not make a mutator join: every
// mutator, signalled or not, is counted only once it calls Join (or
// JoinBeforeUncooperative) itself.
type UncooperativeRendezvous struct {
	rendezvousBase
	signaler signaler
}

// NewUncooperativeRendezvous constructs the signal-driven rendezvous.
// On platforms without a usable OS-thread-targeted signal (see
// rendezvous_signal_other.go), the returned signaler degrades to a
// no-op and a warning is logged once here.
func NewUncooperativeRendezvous(registry *Registry) *UncooperativeRendezvous {
	s := newSignaler()
	if !s.available() {
		logging.Op().Warn("vmcore: uncooperative rendezvous signal unavailable on this platform, falling back to cooperative polling")
	}
	return &UncooperativeRendezvous{rendezvousBase: newRendezvousBase(registry), signaler: s}
}

func (r *UncooperativeRendezvous) Start(self *Mutator) bool { return r.start(self) }
func (r *UncooperativeRendezvous) Cancel(self *Mutator)     { r.cancel(self) }

func (r *UncooperativeRendezvous) Synchronize(running []*Mutator) {
	for _, m := range running {
		if m == r.initiator {
			continue
		}
		m.yieldRequested.Store(true)
		r.expected++
		r.signaler.interrupt(m)
	}
	r.waitRV()
}

func (r *UncooperativeRendezvous) Finish()                      { r.finish() }
func (r *UncooperativeRendezvous) Join(self *Mutator)           { r.join(self) }
func (r *UncooperativeRendezvous) PrepareForJoin(self *Mutator) { r.prepareForJoin(self) }
func (r *UncooperativeRendezvous) AnotherMark(self *Mutator)    { r.anotherMark(self) }
func (r *UncooperativeRendezvous) WaitRV()                      { r.waitRV() }
func (r *UncooperativeRendezvous) WaitEndRV()                   { r.waitEndRV() }

func (r *UncooperativeRendezvous) JoinBeforeUncooperative(self *Mutator) {
	joinBeforeUncooperative(&r.rendezvousBase, self)
}

func (r *UncooperativeRendezvous) JoinAfterUncooperative(self *Mutator, sp uintptr) {
	joinAfterUncooperative(&r.rendezvousBase, self, sp)
}
