package sched

import (
	"sync"
	"testing"
	"time"

	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/errno"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/pmm"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/proc"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/signal"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/vm"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/waitqueue"
)

func newTestAddrSpace(t *testing.T) (vm.PhysMem, *pmm.Allocator, *vm.PageTable) {
	t.Helper()
	ram := vm.NewRAM(0, 4*1024*1024)
	alloc, err := pmm.New(0, 4*1024*1024)
	if err != nil {
		t.Fatalf("pmm.New: %v", err)
	}
	kpt, err := vm.NewKernelPageTable(ram, alloc)
	if err != nil {
		t.Fatalf("NewKernelPageTable: %v", err)
	}
	return ram, alloc, kpt
}

func newPCB(t *testing.T, tbl *proc.Table) *proc.PCB {
	t.Helper()
	p, err := tbl.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	return p
}

func TestScheduleFIFO(t *testing.T) {
	tbl := proc.NewTable()
	s := New(DefaultQuantum)

	var mu sync.Mutex
	var order []int
	done := make(chan struct{}, 3)
	var pids []int

	for i := 0; i < 3; i++ {
		p := newPCB(t, tbl)
		pid := p.PID
		pids = append(pids, pid)
		s.Spawn(p, func() {
			mu.Lock()
			order = append(order, pid)
			mu.Unlock()
			s.Exit(p, 0)
			done <- struct{}{}
		})
	}

	s.Schedule()

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for process %d to exit", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("expected 3 processes to run, got %d: %v", len(order), order)
	}
	for i := range pids {
		if order[i] != pids[i] {
			t.Fatalf("run order %v, want spawn order %v", order, pids)
		}
	}
}

func TestSleepWake(t *testing.T) {
	tbl := proc.NewTable()
	s := New(DefaultQuantum)
	var wq waitqueue.Queue

	sleeper := newPCB(t, tbl)
	woke := make(chan bool, 1)
	s.Spawn(sleeper, func() {
		ok := s.Sleep(sleeper, &wq)
		woke <- ok
		s.Exit(sleeper, 0)
	})

	waker := newPCB(t, tbl)
	wakerDone := make(chan struct{})
	s.Spawn(waker, func() {
		for wq.Len() == 0 {
			s.Yield(waker)
		}
		s.WakeOne(&wq)
		s.Exit(waker, 0)
		close(wakerDone)
	})

	s.Schedule()

	select {
	case ok := <-woke:
		if !ok {
			t.Fatalf("expected Sleep to return true for an ordinary wake")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for sleeper to wake")
	}
	<-wakerDone
}

func TestInterruptReturnsFalse(t *testing.T) {
	tbl := proc.NewTable()
	s := New(DefaultQuantum)
	var wq waitqueue.Queue

	sleeper := newPCB(t, tbl)
	woke := make(chan bool, 1)
	s.Spawn(sleeper, func() {
		ok := s.Sleep(sleeper, &wq)
		woke <- ok
		s.Exit(sleeper, 0)
	})

	interruptor := newPCB(t, tbl)
	doneCh := make(chan struct{})
	s.Spawn(interruptor, func() {
		for wq.Len() == 0 {
			s.Yield(interruptor)
		}
		s.Interrupt(sleeper)
		s.Exit(interruptor, 0)
		close(doneCh)
	})

	s.Schedule()

	select {
	case ok := <-woke:
		if ok {
			t.Fatalf("expected Sleep to return false after Interrupt")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for interrupted sleeper")
	}
	<-doneCh
}

func TestTickPreemption(t *testing.T) {
	tbl := proc.NewTable()
	s := New(DefaultQuantum)

	p1 := newPCB(t, tbl)
	p2 := newPCB(t, tbl)

	var mu sync.Mutex
	var log []string
	stop := make(chan struct{})
	finished := make(chan struct{}, 2)

	worker := func(name string, p *proc.PCB) func() {
		return func() {
			for {
				select {
				case <-stop:
					s.Exit(p, 0)
					finished <- struct{}{}
					return
				default:
				}
				mu.Lock()
				log = append(log, name)
				mu.Unlock()
				s.CheckPreempt(p)
			}
		}
	}

	s.Spawn(p1, worker("p1", p1))
	s.Spawn(p2, worker("p2", p2))
	s.Schedule()

	for i := 0; i < 20; i++ {
		time.Sleep(time.Millisecond)
		s.Tick()
	}
	close(stop)

	for i := 0; i < 2; i++ {
		select {
		case <-finished:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for workers to exit")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	sawP1, sawP2 := false, false
	for _, n := range log {
		if n == "p1" {
			sawP1 = true
		}
		if n == "p2" {
			sawP2 = true
		}
	}
	if !sawP1 || !sawP2 {
		t.Fatalf("expected both processes to make progress, log=%v", log)
	}
}

func TestForkClonesAddressSpaceAndWait(t *testing.T) {
	tbl := proc.NewTable()
	s := New(DefaultQuantum)
	ram, alloc, kpt := newTestAddrSpace(t)

	parent := newPCB(t, tbl)
	parentPT, err := vm.NewUserPageTable(ram, alloc, kpt)
	if err != nil {
		t.Fatalf("NewUserPageTable: %v", err)
	}
	parent.AddrSpace = parentPT
	if err := parent.VMAs.Add(0x10000, 0x11000, vm.Read|vm.Write|vm.User); err != nil {
		t.Fatalf("VMAs.Add: %v", err)
	}
	frame, err := alloc.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := parentPT.Map(0x10000, frame, vm.Read|vm.Write|vm.User); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := parentPT.WriteAt(0x10000, []byte("hello")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	childExited := make(chan struct{})
	child, err := s.Fork(parent, tbl, ram, alloc, kpt, func(c *proc.PCB) {
		got, err := c.AddrSpace.ReadCString(0x10000, 16)
		if err != nil || got != "hello" {
			t.Errorf("child saw %q, err=%v, want %q", got, err, "hello")
		}
		s.Exit(c, 7)
		close(childExited)
	})
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if child.PPID != parent.PID {
		t.Fatalf("child.PPID = %d, want %d", child.PPID, parent.PID)
	}

	waitDone := make(chan struct{})
	s.Spawn(parent, func() {
		pid, code, err := s.Wait(parent, tbl)
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
		if pid != child.PID || code != 7 {
			t.Errorf("Wait returned (%d, %d), want (%d, 7)", pid, code, child.PID)
		}
		s.Exit(parent, 0)
		close(waitDone)
	})

	s.Schedule()

	select {
	case <-childExited:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for child to exit")
	}
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for parent's Wait to return")
	}
}

func TestStopBlocksUntilSigcont(t *testing.T) {
	tbl := proc.NewTable()
	s := New(DefaultQuantum)

	stopped := newPCB(t, tbl)
	resumed := make(chan struct{})
	s.Spawn(stopped, func() {
		s.Stop(stopped)
		close(resumed)
		s.Exit(stopped, 0)
	})

	resumer := newPCB(t, tbl)
	resumerDone := make(chan struct{})
	s.Spawn(resumer, func() {
		for stopped.State != proc.Stopped {
			s.Yield(resumer)
		}

		select {
		case <-resumed:
			t.Errorf("Stop returned before SignalSend(SIGCONT)")
		case <-time.After(20 * time.Millisecond):
		}

		s.SignalSend(stopped, signal.SIGCONT)
		s.Exit(resumer, 0)
		close(resumerDone)
	})

	s.Schedule()

	select {
	case <-resumed:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for stopped process to resume after SIGCONT")
	}
	<-resumerDone
}

func TestWaitpidNoChildrenReturnsECHILD(t *testing.T) {
	tbl := proc.NewTable()
	s := New(DefaultQuantum)

	parent := newPCB(t, tbl)
	done := make(chan struct{})
	s.Spawn(parent, func() {
		_, _, err := s.Wait(parent, tbl)
		if err != errno.ECHILD {
			t.Errorf("Wait err = %v, want ECHILD", err)
		}
		s.Exit(parent, 0)
		close(done)
	})

	s.Schedule()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for parent")
	}
}
