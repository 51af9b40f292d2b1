package vmcore

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSynchronizeQuiescence(t *testing.T) {
	r := NewRegistry()
	rv := NewCooperativeRendezvous(r)

	initiator := r.RegisterPrepared()
	r.RegisterRunning(initiator)

	const n = 4
	joiners := make([]*Mutator, n)
	for i := range joiners {
		m := r.RegisterPrepared()
		r.RegisterRunning(m)
		joiners[i] = m
	}

	progressed := make([]bool, n)
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(n)
	for i, m := range joiners {
		i, m := i, m
		go func() {
			defer wg.Done()
			for !m.yieldRequested.Load() {
				time.Sleep(time.Millisecond)
			}
			mu.Lock()
			progressed[i] = true
			mu.Unlock()
			rv.Join(m)
		}()
	}

	if !rv.Start(initiator) {
		t.Fatalf("Start should succeed with no collection in progress")
	}
	rv.Synchronize(r.RunningMutators())

	mu.Lock()
	for i, p := range progressed {
		if !p {
			t.Fatalf("joiner %d should have observed yield_requested before Synchronize returned", i)
		}
	}
	mu.Unlock()

	rv.Finish()
	wg.Wait()

	for _, m := range joiners {
		if m.yieldRequested.Load() {
			t.Fatalf("yield_requested should be cleared after Finish")
		}
	}
}

// TestCollectMutualExclusion exercises spec §4.C: start() takes the
// rendezvous lock unconditionally and never releases it itself, so a
// second Start racing an in-progress rendezvous genuinely blocks on
// the lock rather than failing fast. t2 is deliberately left out of
// the running set passed to Synchronize: it is not at a safe point
// polling yield_requested, it is itself stuck acquiring the
// rendezvous lock inside Start, so it can only be unblocked by Finish
// releasing that lock -- at which point its own yield_requested was
// never set and it proceeds as the next initiator.
func TestCollectMutualExclusion(t *testing.T) {
	r := NewRegistry()
	rv := NewCooperativeRendezvous(r)

	t1 := r.RegisterPrepared()
	r.RegisterRunning(t1)
	t2 := r.RegisterPrepared()
	r.RegisterRunning(t2)

	if !rv.Start(t1) {
		t.Fatalf("first Start should succeed")
	}

	started := make(chan struct{})
	unblocked := make(chan bool, 1)
	go func() {
		close(started)
		unblocked <- rv.Start(t2)
	}()
	<-started

	select {
	case <-unblocked:
		t.Fatalf("second Start should block while the first rendezvous is still active")
	case <-time.After(20 * time.Millisecond):
	}

	rv.Synchronize([]*Mutator{t1})
	rv.Finish()

	select {
	case proceed := <-unblocked:
		if !proceed {
			t.Fatalf("second Start should proceed once Finish released the rendezvous lock")
		}
	case <-time.After(time.Second):
		t.Fatalf("second Start never unblocked after Finish")
	}

	rv.Cancel(t2) // release the lock t2 just acquired as the new initiator.
}

// TestNoopCollection drives a full Collect cycle with a second running
// mutator that actually polls and joins, exercising the ordinary
// cooperative join path (as opposed to TestCollectMutualExclusion's
// blocked-in-Start path) inside the real collector lock ordering.
func TestNoopCollection(t *testing.T) {
	r := NewRegistry()
	rv := NewCooperativeRendezvous(r)
	c := NewCollector(r, rv)

	m1 := r.RegisterPrepared()
	r.RegisterRunning(m1)
	m2 := r.RegisterPrepared()
	r.RegisterRunning(m2)

	go func() {
		for !m2.yieldRequested.Load() {
			time.Sleep(time.Millisecond)
		}
		rv.Join(m2)
	}()

	outcome, err := c.Collect(context.Background(), m1)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if outcome != OutcomeCollected {
		t.Fatalf("outcome = %v, want OutcomeCollected", outcome)
	}
}
