// Package sched implements the round-robin scheduler. §2 "Scheduler",
// §4.2.
//
// The teacher hosts guest operating systems rather than implementing one
// itself, so there is no scheduler to adapt line-for-line here; what is
// grounded on the teacher is the shape of the data (a fixed PCB table
// indexed by PID, exactly as the teacher indexes its fixed-size PLIC
// source-priority arrays by interrupt number) and the doc-comment style.
// The scheduling algorithm itself is taken directly from §4.2's numbered
// steps.
//
// Implementation note on single-hart semantics: this is a real Go program
// with a real multi-core host scheduler underneath it, not a single-issue
// RISC-V hart. To keep the *observable* semantics single-hart (at most one
// PCB ever Running, FIFO fairness preserved, wait queues ordered), each
// process's workload runs on its own goroutine but must hold a hart token
// handed out by this package before doing anything visible; Schedule,
// Yield, and Sleep all park the caller until the token comes back around.
// Timer preemption is cooperative rather than truly asynchronous: §1/§6
// place the trap-entry assembly that would make a real timer interrupt
// preempt "at any instruction boundary" out of scope, so this package
// exposes CheckPreempt for a process's workload to call at its own
// instruction-boundary-equivalent (a loop head) once Tick has flagged the
// quantum as used up (TestTickPreemption drives it this way). The
// preemption-fairness scenario in cmd/kernel does not use it; its
// processes switch through voluntary Yield.
package sched

import (
	"sync"
	"time"

	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/errno"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/pmm"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/proc"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/signal"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/vm"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/waitqueue"
)

// DefaultQuantum is the default preemption interval. §4.2.
const DefaultQuantum = 100 * time.Millisecond

// Scheduler owns the ready queue and drives every state transition a
// process's PCB.State can undergo while off or on the (simulated) hart.
type Scheduler struct {
	mu   sync.Mutex
	cond *sync.Cond

	ready   []*proc.PCB
	current *proc.PCB

	waitOwner map[int]*waitqueue.Queue
	preempt   map[int]bool

	// childExitQ holds one wait queue per parent PID, slept on by
	// wait/waitpid and woken by Exit; lazily created on first use. §4.3
	// "wait/waitpid".
	childExitQ map[int]*waitqueue.Queue

	timerQ  []timerWaiter
	ticks   uint64
	quantum time.Duration
}

// timerWaiter is one entry in the tick-ordered timer queue backing
// nanosleep/sys_sleep, per SPEC_FULL.md §4's resolution of §9 Open
// Question 2: consulted once per tick rather than busy-waited.
type timerWaiter struct {
	wakeAt uint64
	wq     *waitqueue.Queue
}

func New(quantum time.Duration) *Scheduler {
	if quantum <= 0 {
		quantum = DefaultQuantum
	}
	s := &Scheduler{
		waitOwner:  make(map[int]*waitqueue.Queue),
		preempt:    make(map[int]bool),
		childExitQ: make(map[int]*waitqueue.Queue),
		quantum:    quantum,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Quantum reports the configured preemption interval.
func (s *Scheduler) Quantum() time.Duration { return s.quantum }

// Ticks reports the number of timer ticks observed so far.
func (s *Scheduler) Ticks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// Current returns the PCB the scheduler currently considers Running, or
// nil if the hart is idle.
func (s *Scheduler) Current() *proc.PCB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Enqueue appends p to the ready queue if not already present. §4.2
// "enqueue(p)".
func (s *Scheduler) Enqueue(p *proc.PCB) {
	s.mu.Lock()
	s.enqueueLocked(p)
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Scheduler) enqueueLocked(p *proc.PCB) {
	for _, q := range s.ready {
		if q == p {
			return
		}
	}
	s.ready = append(s.ready, p)
}

// Dequeue removes p from the ready queue by identity. §4.2 "dequeue(p)".
func (s *Scheduler) Dequeue(p *proc.PCB) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range s.ready {
		if q == p {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			return
		}
	}
}

// PickNext pops and returns the ready-queue head. §4.2 "pick_next()".
func (s *Scheduler) PickNext() *proc.PCB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pickNextLocked()
}

func (s *Scheduler) pickNextLocked() *proc.PCB {
	if len(s.ready) == 0 {
		return nil
	}
	p := s.ready[0]
	s.ready = s.ready[1:]
	return p
}

// ReadyLen reports the current ready-queue length, for diagnostics and
// tests of the §8 "exactly one entry" invariant.
func (s *Scheduler) ReadyLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ready)
}

// Spawn registers a freshly created PCB (already Embryo, address space and
// trap frame installed by the caller — fork or the initial bootstrap) and
// launches its workload goroutine. The goroutine blocks at its first
// awaitTurn() until the scheduler's FIFO actually grants it the hart; this
// is the first-run trampoline of §4.2 — the process "exists" from here on
// but produces no observable effect until scheduled.
func (s *Scheduler) Spawn(p *proc.PCB, workload func()) {
	s.mu.Lock()
	p.State = proc.Ready
	s.enqueueLocked(p)
	s.cond.Broadcast()
	s.mu.Unlock()

	go func() {
		s.awaitTurn(p)
		workload()
	}()
}

// awaitTurn blocks the calling goroutine until the scheduler has set p as
// the current (Running) process.
func (s *Scheduler) awaitTurn(p *proc.PCB) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.current != p {
		s.cond.Wait()
	}
}

// reschedule implements §4.2 schedule()'s three numbered steps for the
// common case where the caller (old) remains Ready afterward (voluntary
// yield or timer preemption, as opposed to sleeping or exiting).
func (s *Scheduler) reschedule(old *proc.PCB) {
	s.mu.Lock()
	if old != nil && old.State == proc.Running {
		old.State = proc.Ready
		s.enqueueLocked(old)
	}
	next := s.waitForReadyLocked()
	s.current = next
	next.State = proc.Running
	s.cond.Broadcast()
	s.mu.Unlock()

	if old != nil {
		s.awaitTurn(old)
	}
}

// waitForReadyLocked blocks (releasing and reacquiring s.mu via cond.Wait)
// until the ready queue is non-empty, modeling "idle on wait-for-interrupt"
// when pick_next() finds nothing. Must be called with s.mu held.
func (s *Scheduler) waitForReadyLocked() *proc.PCB {
	for {
		if next := s.pickNextLocked(); next != nil {
			return next
		}
		s.current = nil
		s.cond.Wait()
	}
}

// Schedule is §4.2's schedule(), called by whichever process's goroutine
// currently holds the hart (the scheduler always knows who that is via
// Current()). It is also the entry point for the very first scheduling
// decision, called with no current process by the boot routine.
func (s *Scheduler) Schedule() {
	s.reschedule(s.Current())
}

// Yield voluntarily relinquishes the hart, re-entering the ready queue at
// the tail and preserving FIFO order relative to other Ready processes.
// §4.2 "Ordering guarantees".
func (s *Scheduler) Yield(p *proc.PCB) {
	s.reschedule(p)
}

// Tick is the timer handler's tick half (§4.1 "supervisor timer → tick
// handler"): bump the global counter and flag the current process as due
// for preemption. The actual reschedule happens when that process calls
// CheckPreempt, per the package doc's note on cooperative preemption.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	s.ticks++
	now := s.ticks
	if s.current != nil {
		s.preempt[s.current.PID] = true
	}

	var due []*waitqueue.Queue
	remaining := s.timerQ[:0]
	for _, tw := range s.timerQ {
		if tw.wakeAt <= now {
			due = append(due, tw.wq)
		} else {
			remaining = append(remaining, tw)
		}
	}
	s.timerQ = remaining
	s.mu.Unlock()

	for _, wq := range due {
		s.WakeAll(wq)
	}
}

// SleepTicks blocks p for at least the given number of timer ticks,
// implementing nanosleep/sys_sleep via the timer queue rather than a
// busy-wait (§9 Open Question 2, resolved in SPEC_FULL.md §4). Returns
// false if a signal interrupted the wait early.
func (s *Scheduler) SleepTicks(p *proc.PCB, ticks uint64) bool {
	var wq waitqueue.Queue
	s.mu.Lock()
	s.timerQ = append(s.timerQ, timerWaiter{wakeAt: s.ticks + ticks, wq: &wq})
	s.mu.Unlock()
	return s.Sleep(p, &wq)
}

// CheckPreempt is the cooperative check-in point standing in for an
// instruction-boundary preemption check. If the current quantum has
// expired for p, it reschedules; otherwise it returns immediately.
func (s *Scheduler) CheckPreempt(p *proc.PCB) {
	s.mu.Lock()
	due := s.preempt[p.PID]
	if due {
		delete(s.preempt, p.PID)
	}
	s.mu.Unlock()
	if due {
		s.reschedule(p)
	}
}

// Sleep marks p Sleeping and enqueues it on wq, then relinquishes the hart;
// it returns once p is scheduled again, reporting whether that happened
// because the waited-for event occurred (true) or because a signal
// interrupted the wait (false — callers should return EINTR). §4.6
// "sleep(wq)", §5 "Cancellation and interruption".
func (s *Scheduler) Sleep(p *proc.PCB, wq *waitqueue.Queue) bool {
	s.mu.Lock()
	p.State = proc.Sleeping
	p.Interrupted = false
	wq.Enqueue(p)
	s.waitOwner[p.PID] = wq

	next := s.waitForReadyLocked()
	s.current = next
	next.State = proc.Running
	s.cond.Broadcast()
	s.mu.Unlock()

	s.awaitTurn(p)

	s.mu.Lock()
	interrupted := p.Interrupted
	s.mu.Unlock()
	return !interrupted
}

// WakeOne moves the oldest waiter on wq to Ready, at the ready-queue tail.
// §4.6 "wake_one(wq)".
func (s *Scheduler) WakeOne(wq *waitqueue.Queue) *proc.PCB {
	s.mu.Lock()
	p := wq.Dequeue()
	if p != nil {
		delete(s.waitOwner, p.PID)
		p.State = proc.Ready
		s.enqueueLocked(p)
		s.cond.Broadcast()
	}
	s.mu.Unlock()
	return p
}

// WakeAll moves every waiter on wq to Ready, in wake (FIFO) order. §4.6
// "wake_all(wq)".
func (s *Scheduler) WakeAll(wq *waitqueue.Queue) []*proc.PCB {
	s.mu.Lock()
	all := wq.DequeueAll()
	for _, p := range all {
		delete(s.waitOwner, p.PID)
		p.State = proc.Ready
		s.enqueueLocked(p)
	}
	if len(all) > 0 {
		s.cond.Broadcast()
	}
	s.mu.Unlock()
	return all
}

// Remove takes p out of whatever wait queue currently holds it, without
// waking it (used when a process exits while another is blocked on it, or
// generally to force a queued process off without a wake transition).
// §4.6 "remove(wq, p)".
func (s *Scheduler) Remove(p *proc.PCB) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wq, ok := s.waitOwner[p.PID]; ok {
		wq.Remove(p)
		delete(s.waitOwner, p.PID)
	}
}

// Interrupt removes a Sleeping p from its wait queue and makes it Ready,
// marking it Interrupted so the blocking call it was in returns EINTR.
// §4.5 "If the target is Sleeping on an interruptible wait queue, it is
// removed and made Ready."
func (s *Scheduler) Interrupt(p *proc.PCB) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	wq, ok := s.waitOwner[p.PID]
	if !ok || p.State != proc.Sleeping {
		return false
	}
	wq.Remove(p)
	delete(s.waitOwner, p.PID)
	p.Interrupted = true
	p.State = proc.Ready
	s.enqueueLocked(p)
	s.cond.Broadcast()
	return true
}

// SignalSend implements the scheduler-facing half of §4.5 "Send": set the
// pending bit, and if the target is blocked on an interruptible wait,
// unblock it. SIGCONT additionally un-stops a Stopped process.
func (s *Scheduler) SignalSend(target *proc.PCB, signum int) {
	s.mu.Lock()
	target.Signals.SetPending(signum)
	s.mu.Unlock()

	s.Interrupt(target)

	if signum == signal.SIGCONT {
		s.mu.Lock()
		if target.State == proc.Stopped {
			target.State = proc.Ready
			s.enqueueLocked(target)
			s.cond.Broadcast()
		}
		s.mu.Unlock()
	}
}

// childExitQueueLocked returns (creating if necessary) the wait queue that
// wait/waitpid calls on behalf of ppid sleep on. Must be called with s.mu
// held.
func (s *Scheduler) childExitQueueLocked(ppid int) *waitqueue.Queue {
	wq, ok := s.childExitQ[ppid]
	if !ok {
		wq = &waitqueue.Queue{}
		s.childExitQ[ppid] = wq
	}
	return wq
}

// Exit transitions p to Zombie, relinquishing the hart for good — the
// calling goroutine (p's workload) is expected to return immediately after
// this call, never to be resumed. §4.3 "exit". Any parent blocked in
// wait/waitpid is woken to observe the new Zombie.
func (s *Scheduler) Exit(p *proc.PCB, code int) {
	s.mu.Lock()
	p.ExitCode = code
	p.State = proc.Zombie
	delete(s.waitOwner, p.PID)
	wq := s.childExitQueueLocked(p.PPID)

	next := s.pickNextLocked()
	s.current = next
	if next != nil {
		next.State = proc.Running
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	s.WakeAll(wq)
}

// Fork implements §4.3 "fork": allocates a child PCB from table, gives it an
// eager full copy of parent's address space (CloneRange over every VMA —
// Non-goals explicitly rule out copy-on-write), duplicates the fd table via
// proc.DupFile, and spawns the child's workload goroutine.
//
// childWorkload stands in for "the child's continuation from the fork point
// forward": a running goroutine's stack and program counter cannot be
// cloned the way a real hart's register file can, so the caller supplies the
// child's future execution as an explicit closure instead. This is the one
// place where modeling user programs as Go closures rather than
// interpreted RISC-V instructions forces a departure from the literal fork
// semantics; every other observable effect (PID, PPID, address space, fds,
// Ready state) matches §4.3 exactly.
func (s *Scheduler) Fork(parent *proc.PCB, table *proc.Table, mem vm.PhysMem, alloc *pmm.Allocator, kernelPT *vm.PageTable, childWorkload func(child *proc.PCB)) (*proc.PCB, error) {
	child, err := table.Alloc()
	if err != nil {
		return nil, err
	}

	parent.Lock()
	childPT, err := vm.NewUserPageTable(mem, alloc, kernelPT)
	if err != nil {
		parent.Unlock()
		table.Reap(child)
		return nil, err
	}
	for _, v := range parent.VMAs.All() {
		if err := childPT.CloneRange(parent.AddrSpace, v.Start, v.End, v.Flags); err != nil {
			parent.Unlock()
			table.Reap(child)
			return nil, err
		}
	}
	child.AddrSpace = childPT
	child.VMAs = *parent.VMAs.Clone()
	child.HeapStart = parent.HeapStart
	child.HeapEnd = parent.HeapEnd
	child.StackTop = parent.StackTop
	child.Cwd = parent.Cwd
	child.Name = parent.Name
	child.PPID = parent.PID
	child.Parent = parent
	if parent.TrapFrame != nil {
		child.TrapFrame = parent.TrapFrame.Clone()
	}
	for fd, f := range parent.FDs {
		if f != nil {
			child.FDs[fd] = proc.DupFile(f)
		}
	}
	parent.Unlock()

	s.Spawn(child, func() { childWorkload(child) })
	return child, nil
}

// Wait implements §4.3 "wait": blocks until any child of parent becomes
// Zombie, reaps it, and returns its PID and exit code. Returns errno.ECHILD
// immediately if parent has no children at all.
func (s *Scheduler) Wait(parent *proc.PCB, table *proc.Table) (int, int, error) {
	return s.Waitpid(parent, table, -1)
}

// Waitpid implements §4.3 "waitpid": like Wait, but restricted to a
// specific child PID when target >= 0 (target == -1 behaves like Wait).
func (s *Scheduler) Waitpid(parent *proc.PCB, table *proc.Table, target int) (int, int, error) {
	for {
		var found *proc.PCB
		haveAnyChild := false
		for _, p := range table.All() {
			if p.PPID != parent.PID {
				continue
			}
			if target >= 0 && p.PID != target {
				continue
			}
			haveAnyChild = true
			if p.State == proc.Zombie {
				found = p
				break
			}
		}
		if found != nil {
			pid, code := found.PID, found.ExitCode
			table.Reap(found)
			return pid, code, nil
		}
		if !haveAnyChild {
			return 0, 0, errno.ECHILD
		}

		s.mu.Lock()
		wq := s.childExitQueueLocked(parent.PID)
		s.mu.Unlock()
		if !s.Sleep(parent, wq) {
			return 0, 0, errno.EINTR
		}
	}
}

// Stop transitions p to Stopped (SIGSTOP/SIGTSTP default action),
// relinquishing the hart until a later SignalSend(SIGCONT) resumes it. Like
// Sleep and reschedule, it parks the caller's goroutine in awaitTurn before
// returning, so control never falls back into p's "user mode" concurrently
// with whichever process runs next — §4.1 "call the scheduler so control
// does not return to user mode", §8's at-most-one-Running invariant.
func (s *Scheduler) Stop(p *proc.PCB) {
	s.mu.Lock()
	p.State = proc.Stopped
	next := s.pickNextLocked()
	s.current = next
	if next != nil {
		next.State = proc.Running
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	s.awaitTurn(p)
}
