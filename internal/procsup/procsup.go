// Package procsup implements the process-group supervisor described in
// spec §4.5: it tracks every predicate subprocess (and, transitively, its
// descendants) via a shared STARTED/FINISHED event queue, and forcefully
// terminates whatever is still alive after a batch concludes, on
// cancellation, or on shutdown.
//
// It is grounded on cvise/utils/process.py's ProcessEventNotifier/_kill (the
// start/finish event protocol, and the terminate-then-kill escalation) and
// on golang.org/x/sys/unix's process-group primitives - every predicate
// invocation is started in its own process group (setpgid) so that
// supervisor.Kill can reach an entire shell-script's descendant tree with a
// single killpg, which is the Go equivalent of the Python implementation's
// reliance on the OS for SIGTERM/SIGKILL propagation plus explicit pid
// tracking for cases where the process group approach alone isn't enough.
package procsup

import (
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/marxin/cvise/internal/passproto"
)

// Queue is the process-shared, multiple-writer/single-reader event queue
// from spec §4.5. Workers publish STARTED/FINISHED events around every
// subprocess invocation; testenv.Environment.Kill drains it when a job's
// context ends (timeout or cancellation).
type Queue struct {
	mu     sync.Mutex
	events []passproto.ProcessEvent
}

// NewQueue constructs an empty Queue.
func NewQueue() *Queue { return &Queue{} }

// NotifyStarted implements passproto.ProcessEventNotifier.
func (q *Queue) NotifyStarted(pid int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, passproto.ProcessEvent{PID: pid, Type: passproto.ProcessStarted})
}

// NotifyFinished implements passproto.ProcessEventNotifier.
func (q *Queue) NotifyFinished(pid int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, passproto.ProcessEvent{PID: pid, Type: passproto.ProcessFinished})
}

// Drain removes and returns every event recorded so far, in publication
// order.
func (q *Queue) Drain() []passproto.ProcessEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.events
	q.events = nil
	return out
}

// LivePIDs computes the set of pids that have a STARTED event without a
// matching FINISHED event, from a drained batch of events.
func LivePIDs(events []passproto.ProcessEvent) []int {
	started := map[int]bool{}
	for _, e := range events {
		switch e.Type {
		case passproto.ProcessStarted:
			started[e.PID] = true
		case passproto.ProcessFinished:
			delete(started, e.PID)
		}
	}
	live := make([]int, 0, len(started))
	for pid := range started {
		live = append(live, pid)
	}
	return live
}

// Supervisor terminates process groups on demand, tolerating races where the
// target has already exited (spec §4.5: "tolerant of races").
type Supervisor struct {
	// GraceTimeout bounds how long Kill waits after sending SIGTERM before
	// escalating to SIGKILL, mirroring _kill's TERMINATE_TIMEOUT.
	GraceTimeout time.Duration
}

// NewSupervisor builds a Supervisor with the default grace period.
func NewSupervisor() *Supervisor {
	return &Supervisor{GraceTimeout: 2 * time.Second}
}

// Prepare configures cmd to run in its own new process group, so that Kill
// can terminate it and every descendant (shell scripts included) with one
// signal to the negative pgid.
func Prepare(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// Kill terminates the process group led by pid: SIGTERM, polled briefly,
// then SIGKILL if it hasn't exited - the Go equivalent of _kill's
// terminate-then-kill escalation, operating on process groups rather than a
// single pid so that descendants die together.
func (s *Supervisor) Kill(pid int) {
	if pid <= 0 {
		return
	}
	grace := s.GraceTimeout
	if grace <= 0 {
		grace = 2 * time.Second
	}

	_ = unix.Kill(-pid, syscall.SIGTERM)

	deadline := time.Now().Add(grace)
	const pollInterval = 50 * time.Millisecond
	for time.Now().Before(deadline) {
		if err := unix.Kill(-pid, 0); err != nil {
			// ESRCH: process group is gone.
			return
		}
		time.Sleep(pollInterval)
	}

	_ = unix.Kill(-pid, syscall.SIGKILL)
}

// KillAll terminates every pid in pids, tolerating already-exited
// processes.
func (s *Supervisor) KillAll(pids []int) {
	var wg sync.WaitGroup
	for _, pid := range pids {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			s.Kill(pid)
		}(pid)
	}
	wg.Wait()
}
