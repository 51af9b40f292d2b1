package vmcore

import (
	"context"
	"sync"
	"time"

	"github.com/oriys/nova/internal/observability"
)

// Collector drives one end-to-end collection cycle: the 9-step
// sequence of spec §4.D, wired through a Registry, a Rendezvous, and
// every registered VM's hooks and Incinerator.
type Collector struct {
	registry   *Registry
	rendezvous Rendezvous

	finalizationMu   sync.Mutex
	finalizationCond *sync.Cond
}

// NewCollector ties a registry and a rendezvous together.
func NewCollector(registry *Registry, rendezvous Rendezvous) *Collector {
	c := &Collector{registry: registry, rendezvous: rendezvous}
	c.finalizationCond = sync.NewCond(&c.finalizationMu)
	return c
}

// Collect runs one collection cycle on behalf of self, a registered,
// running mutator (normally the mutator driving the VM's own GC
// trigger). It implements spec §4.D's 9 steps exactly; see
// SPEC_FULL.md §4.D.
func (c *Collector) Collect(ctx context.Context, self *Mutator) (Outcome, error) {
	ctx, span := startCollectSpan(ctx)
	defer span.End()

	start := time.Now()

	// Step 1.
	if proceed := c.rendezvous.Start(self); !proceed {
		c.rendezvous.Cancel(self)
		c.rendezvous.Join(self)
		metricCollectionsTotal.WithLabelValues(OutcomeSkipped.String()).Inc()
		span.SetAttributes(attrOutcome.String(OutcomeSkipped.String()))
		return OutcomeSkipped, nil
	}
	// Deferred in reverse of step 9's release order ("release
	// finalization lock, broadcast; rv.finish(); release VM-registry
	// lock"): registering registry.Unlock first makes it run last.
	c.registry.Lock()
	defer c.registry.Unlock()

	defer c.rendezvous.Finish() // step 9's rv.finish().

	// Step 3: finalization queue lock, released (and broadcast) in step 9.
	c.finalizationMu.Lock()
	defer func() {
		c.finalizationCond.Broadcast()
		c.finalizationMu.Unlock()
	}()

	// The registry lock is already held, so read its slots directly:
	// LiveVMs/RunningMutators take that lock themselves.
	vms := make([]*VM, 0, len(c.registry.vmSlots))
	for _, e := range c.registry.vmSlots {
		if e.state != vmSlotFree {
			vms = append(vms, e.vm)
		}
	}
	running := make([]*Mutator, 0, len(c.registry.running))
	for _, m := range c.registry.running {
		running = append(running, m)
	}

	span.SetAttributes(attrVMCount.Int(len(vms)), attrMutatorCount.Int(len(running)))

	for _, vm := range vms {
		vm.incinerator.beforeCollection()
		vm.hooks.StartCollection()
	}

	// Step 5.
	_, syncSpan := startPhaseSpan(ctx, "synchronize")
	c.rendezvous.Synchronize(running)
	syncSpan.End()
	metricRendezvousPauseSeconds.WithLabelValues(rendezvousKind(c.rendezvous)).Observe(time.Since(start).Seconds())

	// Step 6.
	_, traceSpan := startPhaseSpan(ctx, "trace")
	for _, vm := range vms {
		vm.hooks.Tracer(vm.incinerator)
	}
	traceSpan.End()

	// Step 7: weak -> soft -> finalizable -> phantom, per VM.
	for _, vm := range vms {
		vm.hooks.ScanWeakReferences(vm.incinerator)
		vm.hooks.ScanSoftReferences(vm.incinerator)
		vm.hooks.ScanFinalizable(vm.incinerator)
	}
	for _, vm := range vms {
		vm.incinerator.markingFinalizersDone()
	}
	for _, vm := range vms {
		vm.hooks.RescanFinalizableReachability(vm.incinerator)
		vm.hooks.ScanPhantomReferences(vm.incinerator)
	}

	// Step 8.
	_, incinSpan := startPhaseSpan(ctx, "incinerate")
	for _, vm := range vms {
		vm.incinerator.collectorPhaseComplete()
		vm.incinerator.afterCollection()
	}
	incinSpan.End()

	// Step 9 (VM half; rv.finish()/registry unlock happen via defer above).
	for _, vm := range vms {
		vm.hooks.EndCollection()
	}

	metricCollectionsTotal.WithLabelValues(OutcomeCollected.String()).Inc()
	metricVMsLive.Set(float64(len(vms)))
	metricMutatorsRunning.Set(float64(len(running)))
	span.SetAttributes(attrOutcome.String(OutcomeCollected.String()))
	observability.SetSpanOK(span)

	return OutcomeCollected, nil
}

func rendezvousKind(r Rendezvous) string {
	switch r.(type) {
	case *UncooperativeRendezvous:
		return "uncooperative"
	default:
		return "cooperative"
	}
}
