package sync

import (
	"testing"
	"time"

	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/proc"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/sched"
)

func newPCB(t *testing.T, tbl *proc.Table) *proc.PCB {
	t.Helper()
	p, err := tbl.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	return p
}

func TestMutexMutualExclusion(t *testing.T) {
	tbl := proc.NewTable()
	s := sched.New(sched.DefaultQuantum)
	m := NewMutex(s)

	var inside int
	maxInside := 0
	done := make(chan struct{}, 4)

	for i := 0; i < 4; i++ {
		p := newPCB(t, tbl)
		s.Spawn(p, func() {
			m.Lock(p)
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			s.Yield(p)
			inside--
			m.Unlock(p)
			s.Exit(p, 0)
			done <- struct{}{}
		})
	}

	s.Schedule()
	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out")
		}
	}
	if maxInside != 1 {
		t.Fatalf("expected mutual exclusion (maxInside=1), got %d", maxInside)
	}
}

func TestSemaphoreBlocksUntilSignal(t *testing.T) {
	tbl := proc.NewTable()
	s := sched.New(sched.DefaultQuantum)
	sem := NewSemaphore(s, 0)

	order := make(chan string, 2)

	waiter := newPCB(t, tbl)
	s.Spawn(waiter, func() {
		sem.Wait(waiter)
		order <- "waiter"
		s.Exit(waiter, 0)
	})

	signaler := newPCB(t, tbl)
	s.Spawn(signaler, func() {
		order <- "signaler"
		sem.Signal()
		s.Exit(signaler, 0)
	})

	s.Schedule()

	first := <-order
	second := <-order
	if first != "signaler" || second != "waiter" {
		t.Fatalf("expected signaler before waiter, got %s, %s", first, second)
	}
}

func TestCondVarSignal(t *testing.T) {
	tbl := proc.NewTable()
	s := sched.New(sched.DefaultQuantum)
	m := NewMutex(s)
	cv := NewCondVar(s)

	ready := false
	woke := make(chan struct{})

	waiter := newPCB(t, tbl)
	s.Spawn(waiter, func() {
		m.Lock(waiter)
		for !ready {
			cv.Wait(waiter, m)
		}
		m.Unlock(waiter)
		close(woke)
		s.Exit(waiter, 0)
	})

	signaler := newPCB(t, tbl)
	s.Spawn(signaler, func() {
		for {
			m.Lock(signaler)
			if m.Owner() == signaler.PID {
				ready = true
				m.Unlock(signaler)
				cv.Signal()
				break
			}
			m.Unlock(signaler)
			s.Yield(signaler)
		}
		s.Exit(signaler, 0)
	})

	s.Schedule()

	select {
	case <-woke:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for condvar wake")
	}
}

func TestRWLockWriterPriority(t *testing.T) {
	tbl := proc.NewTable()
	s := sched.New(sched.DefaultQuantum)
	l := NewRWLock(s)

	r1 := newPCB(t, tbl)
	l.RLock(r1)

	var events []string
	writerAcquired := make(chan struct{})
	writer := newPCB(t, tbl)
	s.Spawn(writer, func() {
		l.Lock(writer)
		events = append(events, "writer")
		close(writerAcquired)
		l.Unlock(writer)
		s.Exit(writer, 0)
	})

	r2Blocked := make(chan struct{})
	r2 := newPCB(t, tbl)
	s.Spawn(r2, func() {
		l.RLock(r2)
		events = append(events, "r2")
		l.RUnlock(r2)
		close(r2Blocked)
		s.Exit(r2, 0)
	})

	pump := newPCB(t, tbl)
	s.Spawn(pump, func() {
		for i := 0; i < 50; i++ {
			s.Yield(pump)
		}
		l.RUnlock(r1)
		s.Exit(pump, 0)
	})

	s.Schedule()

	select {
	case <-writerAcquired:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for writer")
	}
	select {
	case <-r2Blocked:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for r2")
	}

	if len(events) != 2 || events[0] != "writer" || events[1] != "r2" {
		t.Fatalf("expected writer to acquire before r2 (writer priority), got %v", events)
	}
}
