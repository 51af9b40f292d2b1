//go:build linux

package vmcore

import "golang.org/x/sys/unix"

// signaler is the platform hook the uncooperative rendezvous uses to
// force a mutator's OS thread to trap, in case it is spinning in
// guest-compiled code that never calls back into vmcore on its own.
type signaler interface {
	available() bool
	interrupt(m *Mutator)
}

// linuxSignaler delivers SIGURG to a mutator's bound OS thread via
// tgkill, the same signal Go's own runtime uses for asynchronous
// goroutine preemption (runtime.sigPreempt) — chosen for the same
// reason: no Go program installs a handler for it, so it is safe to
// deliver to a thread parked anywhere, including inside a syscall.
type linuxSignaler struct {
	pid int
}

func newSignaler() signaler {
	return linuxSignaler{pid: unix.Getpid()}
}

func (linuxSignaler) available() bool { return true }

func (s linuxSignaler) interrupt(m *Mutator) {
	tid := m.osTID.Load()
	if tid == 0 {
		return
	}
	_ = unix.Tgkill(s.pid, int(tid), unix.SIGURG)
}
