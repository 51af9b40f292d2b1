package vmcore

import (
	"context"
	"time"

	"github.com/oriys/nova/internal/logging"
)

// RendezvousKind selects which Rendezvous implementation a Core wires
// up, matching the tagged-variant design note in spec §9.
type RendezvousKind string

const (
	RendezvousCooperative   RendezvousKind = "cooperative"
	RendezvousUncooperative RendezvousKind = "uncooperative"
)

// Options configures a Core. Zero value is a usable cooperative core
// with a 30s reaper interval.
type Options struct {
	RendezvousKind  RendezvousKind
	ReaperInterval  time.Duration
}

func (o Options) withDefaults() Options {
	if o.RendezvousKind == "" {
		o.RendezvousKind = RendezvousCooperative
	}
	if o.ReaperInterval <= 0 {
		o.ReaperInterval = 30 * time.Second
	}
	return o
}

// Core wires the thread/VM registry, the rendezvous, and the
// collection driver into the single capability table spec §4 treats as
// "the" VM-coordination core, plus a background reaper for deferred
// VM-slot reuse (Open Question (a)).
type Core struct {
	Registry   *Registry
	Rendezvous Rendezvous
	Collector  *Collector

	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// NewCore constructs a Core and starts its background reaper loop.
// Call Close to stop the loop.
func NewCore(opts Options) *Core {
	opts = opts.withDefaults()

	registry := NewRegistry()

	var rv Rendezvous
	switch opts.RendezvousKind {
	case RendezvousUncooperative:
		rv = NewUncooperativeRendezvous(registry)
	default:
		rv = NewCooperativeRendezvous(registry)
	}

	c := &Core{
		Registry:   registry,
		Rendezvous: rv,
		Collector:  NewCollector(registry, rv),
		done:       make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.reapLoop(ctx, opts.ReaperInterval)

	return c
}

func (c *Core) reapLoop(ctx context.Context, interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if freed := c.Registry.ReapDrainedVMs(); freed > 0 {
				logging.Op().Debug("vmcore: reaped drained VM slots", "count", freed)
			}
		}
	}
}

// AddVM registers a new hosted VM instance and returns its handle.
func (c *Core) AddVM(hooks VMHooks) *VM {
	return c.Registry.AddVM(hooks)
}

// RemoveVM retires a VM, deferring slot reuse until every mutator
// holding per-VM data for it has released it.
func (c *Core) RemoveVM(id VMID) {
	c.Registry.RemoveVM(id)
}

// AttachMutator registers the calling goroutine as a running mutator.
// The returned Mutator must be passed to DetachMutator when the
// goroutine stops executing hosted code.
func (c *Core) AttachMutator() *Mutator {
	m := c.Registry.RegisterPrepared()
	c.Rendezvous.PrepareForJoin(m)
	c.Registry.RegisterRunning(m)
	return m
}

// DetachMutator removes a mutator from the running list.
func (c *Core) DetachMutator(m *Mutator) {
	c.Registry.UnregisterRunning(m)
	c.Registry.UnregisterPrepared(m)
}

// SafePoint is called by hosted dispatch code at a cooperative safe
// point (method entry/exit, backward branch, etc.). If a rendezvous is
// in progress, it blocks until Finish.
func (c *Core) SafePoint(m *Mutator) {
	if m.yieldRequested.Load() {
		c.Rendezvous.Join(m)
	}
}

// EnterUncooperative brackets a call into native/blocking code not
// governed by cooperative safe points.
func (c *Core) EnterUncooperative(m *Mutator) {
	c.Rendezvous.JoinBeforeUncooperative(m)
}

// ExitUncooperative brackets the return from native/blocking code, sp
// being the stack pointer captured at the call site (used only for
// diagnostics; the rendezvous itself does not walk it).
func (c *Core) ExitUncooperative(m *Mutator, sp uintptr) {
	c.Rendezvous.JoinAfterUncooperative(m, sp)
}

// Collect runs one collection cycle on self's behalf.
func (c *Core) Collect(ctx context.Context, self *Mutator) (Outcome, error) {
	if c.closed {
		return OutcomeSkipped, ErrCoreClosed
	}
	return c.Collector.Collect(ctx, self)
}

// Stats is a diagnostics snapshot, used by cmd/vmcore.
type Stats struct {
	RunningMutators int    `json:"running_mutators"`
	VMSlots         int    `json:"vm_slots"`
	LiveVMs         int    `json:"live_vms"`
	RendezvousKind  string `json:"rendezvous_kind"`
}

// Stats returns a point-in-time snapshot of core state.
func (c *Core) Stats() Stats {
	return Stats{
		RunningMutators: c.Registry.RunningCount(),
		VMSlots:         c.Registry.VMSlotCount(),
		LiveVMs:         len(c.Registry.LiveVMs()),
		RendezvousKind:  rendezvousKind(c.Rendezvous),
	}
}

// Close stops the background reaper. It does not affect any
// collection in progress.
func (c *Core) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	<-c.done
}
