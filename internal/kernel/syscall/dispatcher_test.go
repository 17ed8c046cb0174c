package syscall

import (
	"testing"
	"time"

	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/pmm"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/proc"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/sched"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/trapframe"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/vfs"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/vm"
)

// newTestKernel builds a Kernel with a small RAM-backed address space and an
// in-memory root filesystem, the same shape cmd/kernel assembles at boot.
func newTestKernel(t *testing.T) (*Kernel, *proc.Table, *sched.Scheduler, *vm.PageTable) {
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
	tbl := proc.NewTable()
	s := sched.New(sched.DefaultQuantum)

	root := vfs.NewInMemDir(0755)
	k := NewKernel()
	k.Table = tbl
	k.Sched = s
	k.FS = vfs.NewFS(root)
	k.Mem = ram
	k.PMM = alloc
	k.KernelPT = kpt
	return k, tbl, s, kpt
}

func newUserProc(t *testing.T, tbl *proc.Table, mem vm.PhysMem, alloc *pmm.Allocator, kpt *vm.PageTable) *proc.PCB {
	t.Helper()
	p, err := tbl.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	pt, err := vm.NewUserPageTable(mem, alloc, kpt)
	if err != nil {
		t.Fatalf("NewUserPageTable: %v", err)
	}
	p.AddrSpace = pt
	p.TrapFrame = &trapframe.TrapFrame{}
	p.HeapStart, p.HeapEnd = 0x20000, 0x20000
	p.StackTop = 0x30000
	return p
}

// mapScratch maps a single read-write page at vaddr into p's address space,
// the minimum a test needs to exercise a syscall that touches user memory.
func mapScratch(t *testing.T, p *proc.PCB, alloc *pmm.Allocator, vaddr uint64) {
	t.Helper()
	frame, err := alloc.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := p.AddrSpace.Map(vaddr, frame, vm.Read|vm.Write|vm.User); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := p.VMAs.Add(vaddr, vaddr+vm.PageSize, vm.Read|vm.Write|vm.User); err != nil {
		t.Fatalf("VMAs.Add: %v", err)
	}
}

func TestOpenWriteReadCloseRoundTrip(t *testing.T) {
	k, tbl, s, kpt := newTestKernel(t)
	ram, alloc := k.Mem, k.PMM
	p := newUserProc(t, tbl, ram, alloc, kpt)

	const pathAddr = 0x1000
	const bufAddr = 0x2000
	mapScratch(t, p, alloc, pathAddr)
	mapScratch(t, p, alloc, bufAddr)

	path := "/greeting"
	if err := p.AddrSpace.WriteAt(pathAddr, append([]byte(path), 0)); err != nil {
		t.Fatalf("WriteAt path: %v", err)
	}
	content := "hello world"
	if err := p.AddrSpace.WriteAt(bufAddr, []byte(content)); err != nil {
		t.Fatalf("WriteAt content: %v", err)
	}

	done := make(chan struct{})
	var fd, wn, rn, cn int64
	var readBack string
	s.Spawn(p, func() {
		tf := &trapframe.TrapFrame{}
		tf.SetReg(trapframe.RegA7, uint64(SysOpen))
		tf.SetReg(10, pathAddr)
		tf.SetReg(11, uint64(vfs.OCreat|vfs.ORdWr))
		tf.SetReg(12, 0644)
		k.Dispatch(p, tf)
		fd = int64(tf.Reg(trapframe.RegA0))

		wtf := &trapframe.TrapFrame{}
		wtf.SetReg(trapframe.RegA7, uint64(SysWrite))
		wtf.SetReg(10, uint64(fd))
		wtf.SetReg(11, bufAddr)
		wtf.SetReg(12, uint64(len(content)))
		k.Dispatch(p, wtf)
		wn = int64(wtf.Reg(trapframe.RegA0))

		ltf := &trapframe.TrapFrame{}
		ltf.SetReg(trapframe.RegA7, uint64(SysLseek))
		ltf.SetReg(10, uint64(fd))
		ltf.SetReg(11, 0)
		ltf.SetReg(12, uint64(vfs.SeekSet))
		k.Dispatch(p, ltf)

		rtf := &trapframe.TrapFrame{}
		rtf.SetReg(trapframe.RegA7, uint64(SysRead))
		rtf.SetReg(10, uint64(fd))
		rtf.SetReg(11, bufAddr)
		rtf.SetReg(12, uint64(len(content)))
		k.Dispatch(p, rtf)
		rn = int64(rtf.Reg(trapframe.RegA0))
		if rn > 0 {
			got := make([]byte, rn)
			p.AddrSpace.ReadAt(bufAddr, got)
			readBack = string(got)
		}

		ctf := &trapframe.TrapFrame{}
		ctf.SetReg(trapframe.RegA7, uint64(SysClose))
		ctf.SetReg(10, uint64(fd))
		k.Dispatch(p, ctf)
		cn = int64(ctf.Reg(trapframe.RegA0))

		s.Exit(p, 0)
		close(done)
	})
	s.Schedule()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out")
	}

	if fd < 0 {
		t.Fatalf("open returned %d", fd)
	}
	if wn != int64(len(content)) {
		t.Fatalf("write returned %d, want %d", wn, len(content))
	}
	if rn < 0 {
		t.Fatalf("read returned %d", rn)
	}
	if cn != 0 {
		t.Fatalf("close returned %d", cn)
	}
	if readBack != content {
		t.Fatalf("read back %q, want %q", readBack, content)
	}
}

func TestSbrkGrowsHeap(t *testing.T) {
	k, tbl, s, kpt := newTestKernel(t)
	p := newUserProc(t, tbl, k.Mem, k.PMM, kpt)

	done := make(chan struct{})
	var prevBreak, newBreak int64
	s.Spawn(p, func() {
		tf := &trapframe.TrapFrame{}
		tf.SetReg(trapframe.RegA7, uint64(SysSbrk))
		tf.SetReg(10, uint64(int64(8192)))
		k.Dispatch(p, tf)
		prevBreak = int64(tf.Reg(trapframe.RegA0))

		tf2 := &trapframe.TrapFrame{}
		tf2.SetReg(trapframe.RegA7, uint64(SysSbrk))
		tf2.SetReg(10, 0)
		k.Dispatch(p, tf2)
		newBreak = int64(tf2.Reg(trapframe.RegA0))

		s.Exit(p, 0)
		close(done)
	})
	s.Schedule()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out")
	}

	if prevBreak != int64(p.HeapStart) {
		t.Fatalf("first sbrk returned %d, want heap start %d", prevBreak, p.HeapStart)
	}
	if newBreak != prevBreak+8192 {
		t.Fatalf("second sbrk returned %d, want %d", newBreak, prevBreak+8192)
	}
}

func TestForkAndWaitViaDispatcher(t *testing.T) {
	k, tbl, s, kpt := newTestKernel(t)
	parent := newUserProc(t, tbl, k.Mem, k.PMM, kpt)

	childDone := make(chan struct{})
	parentDone := make(chan struct{})
	var childPID, waitedPID int64

	s.Spawn(parent, func() {
		tf := &trapframe.TrapFrame{}
		tf.SetReg(trapframe.RegA7, uint64(SysFork))
		k.Dispatch(parent, tf)
		childPID = int64(tf.Reg(trapframe.RegA0))

		child := tbl.Get(int(childPID))
		if child != nil {
			s.Spawn(child, func() {
				s.Exit(child, 3)
				close(childDone)
			})
		}

		wtf := &trapframe.TrapFrame{}
		wtf.SetReg(trapframe.RegA7, uint64(SysWait))
		wtf.SetReg(10, 0)
		k.Dispatch(parent, wtf)
		waitedPID = int64(wtf.Reg(trapframe.RegA0))

		s.Exit(parent, 0)
		close(parentDone)
	})
	s.Schedule()

	select {
	case <-childDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for child")
	}
	select {
	case <-parentDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for parent")
	}

	if waitedPID != childPID {
		t.Fatalf("waitpid returned %d, want %d", waitedPID, childPID)
	}
}

func TestMutexCreateLockUnlock(t *testing.T) {
	k, tbl, s, kpt := newTestKernel(t)
	p := newUserProc(t, tbl, k.Mem, k.PMM, kpt)

	done := make(chan struct{})
	var handle int64
	s.Spawn(p, func() {
		ctf := &trapframe.TrapFrame{}
		ctf.SetReg(trapframe.RegA7, uint64(SysMutexCreate))
		k.Dispatch(p, ctf)
		handle = int64(ctf.Reg(trapframe.RegA0))

		ltf := &trapframe.TrapFrame{}
		ltf.SetReg(trapframe.RegA7, uint64(SysMutexLock))
		ltf.SetReg(10, uint64(handle))
		k.Dispatch(p, ltf)

		utf := &trapframe.TrapFrame{}
		utf.SetReg(trapframe.RegA7, uint64(SysMutexUnlock))
		utf.SetReg(10, uint64(handle))
		k.Dispatch(p, utf)

		s.Exit(p, 0)
		close(done)
	})
	s.Schedule()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out")
	}
	if handle == 0 {
		t.Fatalf("expected non-zero mutex handle")
	}
}
