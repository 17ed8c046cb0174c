// Package sync implements the kernel-object synchronization primitives
// built atop waitqueue and sched: mutex, counting semaphore, condition
// variable, and a writer-priority reader-writer lock. §2 "Synchronization
// primitives", §3, §4.6.
//
// Every primitive here takes the *sched.Scheduler as an explicit
// constructor argument rather than reaching for a global, matching the
// teacher's habit of threading its CPU/bus value explicitly through
// constructors instead of relying on package-level singletons (see
// internal/hv/riscv/rv64/cpu.go's NewCPU(bus *Bus)).
//
// All four primitives guard their own internal state with a plain
// sync.Mutex (the host-Go one, stdlib) rather than the kernel's own Mutex
// type below; spec.md §5 models this as "disabling interrupts around the
// mutation", and a host mutex is the direct Go equivalent for a section
// that never blocks.
package sync

import (
	stdsync "sync"

	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/proc"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/sched"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/waitqueue"
)

// Mutex is the kernel mutual-exclusion object. §3 "Mutex".
type Mutex struct {
	mu      stdsync.Mutex
	sched   *sched.Scheduler
	locked  bool
	owner   int // PID, meaningful iff locked
	waiters waitqueue.Queue
}

func NewMutex(s *sched.Scheduler) *Mutex {
	return &Mutex{sched: s, owner: -1}
}

// Lock blocks until p holds the mutex. §4.6 "lock".
func (m *Mutex) Lock(p *proc.PCB) {
	for {
		m.mu.Lock()
		if !m.locked {
			m.locked = true
			m.owner = p.PID
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		m.sched.Sleep(p, &m.waiters)
	}
}

// Unlock releases the mutex and wakes one waiter, if any. §4.6 "unlock".
// Panics if p is not the current owner, mirroring a kernel assertion
// failure rather than silently corrupting lock state.
func (m *Mutex) Unlock(p *proc.PCB) {
	m.mu.Lock()
	if !m.locked || m.owner != p.PID {
		m.mu.Unlock()
		panic("sync: Unlock by non-owner")
	}
	m.locked = false
	m.owner = -1
	m.mu.Unlock()
	m.sched.WakeOne(&m.waiters)
}

// TryLock attempts to acquire without blocking, reporting whether it did.
func (m *Mutex) TryLock(p *proc.PCB) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return false
	}
	m.locked = true
	m.owner = p.PID
	return true
}

// Owner reports the PID currently holding the lock, or -1 if unlocked.
func (m *Mutex) Owner() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner
}

// Semaphore is the kernel counting semaphore. §3 "Semaphore".
type Semaphore struct {
	mu      stdsync.Mutex
	sched   *sched.Scheduler
	count   int
	waiters waitqueue.Queue
}

func NewSemaphore(s *sched.Scheduler, initial int) *Semaphore {
	return &Semaphore{sched: s, count: initial}
}

// Wait decrements the count, sleeping if it would go negative. §4.6
// "wait: decrement; if would go negative, sleep".
func (sem *Semaphore) Wait(p *proc.PCB) {
	for {
		sem.mu.Lock()
		if sem.count > 0 {
			sem.count--
			sem.mu.Unlock()
			return
		}
		sem.mu.Unlock()
		sem.sched.Sleep(p, &sem.waiters)
	}
}

// Signal increments the count and wakes one waiter if any are queued.
// §4.6 "signal: increment; wake one if any waiter".
func (sem *Semaphore) Signal() {
	sem.mu.Lock()
	sem.count++
	sem.mu.Unlock()
	sem.sched.WakeOne(&sem.waiters)
}

// Count reports the current semaphore value, for diagnostics and tests.
func (sem *Semaphore) Count() int {
	sem.mu.Lock()
	defer sem.mu.Unlock()
	return sem.count
}

// CondVar is a condition variable, always paired with a caller-supplied
// Mutex. §3 "CondVar", §4.6.
type CondVar struct {
	sched   *sched.Scheduler
	mu      stdsync.Mutex
	waiters waitqueue.Queue
}

func NewCondVar(s *sched.Scheduler) *CondVar {
	return &CondVar{sched: s}
}

// Wait atomically releases m and sleeps on cv, re-acquiring m before
// returning. §4.6 "wait(cv, m)": the release and enqueue are made
// indivisible here by enqueuing on the wait queue before releasing m,
// under cv's own lock — no wakeup can observe the waiter absent from the
// queue while m is still held, which is the single-hart "disable
// interrupts around the sequence" requirement translated to this
// goroutine-based model.
func (cv *CondVar) Wait(p *proc.PCB, m *Mutex) {
	cv.mu.Lock()
	cv.waiters.Enqueue(p)
	cv.mu.Unlock()

	m.Unlock(p)
	cv.sched.Sleep(p, &cv.waiters)
	m.Lock(p)
}

// Signal wakes one waiter. §4.6 "signal wakes one waiter".
func (cv *CondVar) Signal() {
	cv.sched.WakeOne(&cv.waiters)
}

// Broadcast wakes every waiter. §4.6 "broadcast wakes all".
func (cv *CondVar) Broadcast() {
	cv.sched.WakeAll(&cv.waiters)
}

// RWLock is a writer-priority reader-writer lock: once a writer is
// queued, no new reader may enter ahead of it. §3 "RWLock", §4.6.
type RWLock struct {
	mu             stdsync.Mutex
	sched          *sched.Scheduler
	readers        int
	writerActive   bool
	writersWaiting int
	readerQueue    waitqueue.Queue
	writerQueue    waitqueue.Queue
}

func NewRWLock(s *sched.Scheduler) *RWLock {
	return &RWLock{sched: s}
}

// RLock acquires the lock for reading. §4.6 "read_lock: if writer_active
// || writers_waiting > 0, sleep on reader queue; else readers++".
func (l *RWLock) RLock(p *proc.PCB) {
	for {
		l.mu.Lock()
		if !l.writerActive && l.writersWaiting == 0 {
			l.readers++
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()
		l.sched.Sleep(p, &l.readerQueue)
	}
}

// RUnlock releases a read hold. §4.6 "read_unlock: readers--; if
// readers == 0 && writers_waiting > 0, wake one writer".
func (l *RWLock) RUnlock(p *proc.PCB) {
	l.mu.Lock()
	l.readers--
	wakeWriter := l.readers == 0 && l.writersWaiting > 0
	l.mu.Unlock()
	if wakeWriter {
		l.sched.WakeOne(&l.writerQueue)
	}
}

// Lock acquires the lock for writing, blocking until no readers or writer
// hold it, and establishing priority over any reader that arrives after.
// §4.6 "write_lock: writers_waiting++; if readers > 0 || writer_active,
// sleep on writer queue; on wake, writers_waiting--, writer_active = true".
func (l *RWLock) Lock(p *proc.PCB) {
	l.mu.Lock()
	l.writersWaiting++
	for l.readers > 0 || l.writerActive {
		l.mu.Unlock()
		l.sched.Sleep(p, &l.writerQueue)
		l.mu.Lock()
	}
	l.writersWaiting--
	l.writerActive = true
	l.mu.Unlock()
}

// Unlock releases a write hold, waking all waiting readers if any,
// otherwise one waiting writer. §4.6 "write_unlock: writer_active =
// false; if any readers waiting, wake them all, else wake one writer".
func (l *RWLock) Unlock(p *proc.PCB) {
	l.mu.Lock()
	l.writerActive = false
	hasReaders := l.readerQueue.Len() > 0
	l.mu.Unlock()

	if hasReaders {
		l.sched.WakeAll(&l.readerQueue)
	} else {
		l.sched.WakeOne(&l.writerQueue)
	}
}
