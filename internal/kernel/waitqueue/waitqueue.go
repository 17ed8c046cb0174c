// Package waitqueue implements the FIFO of processes blocked on one event
// source. §2 "Wait queue", §3, §4.6.
//
// A bare data structure: it holds process references and preserves FIFO
// order, but does not itself know how to put a process to sleep or wake it
// (that requires touching the ready queue too, which is the scheduler's
// job — see internal/kernel/sched). This split mirrors the teacher's
// pattern of small, single-purpose containers (e.g. the bounded per-source
// arrays in internal/hv/riscv/rv64/plic.go) composed by a higher-level
// owner rather than folding every behavior into one type.
package waitqueue

import (
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/proc"
)

// MaxWaiters bounds queue length to avoid unbounded kernel-stack growth on
// wake-all paths. §3.
const MaxWaiters = 16

// Queue is a FIFO of blocked PCBs.
type Queue struct {
	waiters []*proc.PCB
}

// Enqueue appends p. Returns false if the queue is already at capacity or p
// is already present.
func (q *Queue) Enqueue(p *proc.PCB) bool {
	if len(q.waiters) >= MaxWaiters {
		return false
	}
	for _, w := range q.waiters {
		if w == p {
			return false
		}
	}
	q.waiters = append(q.waiters, p)
	return true
}

// Dequeue pops and returns the head (oldest waiter), or nil if empty. §4.6
// "wake_one".
func (q *Queue) Dequeue() *proc.PCB {
	if len(q.waiters) == 0 {
		return nil
	}
	p := q.waiters[0]
	q.waiters = q.waiters[1:]
	return p
}

// DequeueAll empties the queue, returning every waiter in wake (FIFO)
// order. §4.6 "wake_all".
func (q *Queue) DequeueAll() []*proc.PCB {
	out := q.waiters
	q.waiters = nil
	return out
}

// Remove unlinks p if present, used when p exits or is signaled while
// queued. §4.6 "remove". Reports whether p was found.
func (q *Queue) Remove(p *proc.PCB) bool {
	for i, w := range q.waiters {
		if w == p {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Len reports the current number of waiters.
func (q *Queue) Len() int { return len(q.waiters) }

// Contains reports whether p is currently queued.
func (q *Queue) Contains(p *proc.PCB) bool {
	for _, w := range q.waiters {
		if w == p {
			return true
		}
	}
	return false
}
