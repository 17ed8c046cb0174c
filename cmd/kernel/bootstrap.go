// Command kernel boots the core against the in-memory HAL fakes and runs
// the scripted scenarios from spec.md §8: the nearest thing to "running
// the kernel" available without real QEMU/hardware, per SPEC_FULL §0.
//
// Grounded on the teacher's cmd/cc (the emulator's host-side entry point)
// for the run()-returns-error / os.Exit split, and on its
// internal/hv/riscv/rv64/emulator_test.go's build-a-scenario-and-assert
// style for how each scenario below is shaped.
package main

import (
	"fmt"

	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/config"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/csr"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/hal"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/pmm"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/proc"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/sched"
	ksyscall "github.com/cmelnulabs/thunderos-sub004/internal/kernel/syscall"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/trap"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/trapframe"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/vfs"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/vm"
)

// system bundles every subsystem one booted kernel needs, built fresh for
// each scenario so failures cannot leak state between them.
type system struct {
	cfg      config.Manifest
	mem      vm.PhysMem
	pmm      *pmm.Allocator
	kernelPT *vm.PageTable
	table    *proc.Table
	sched    *sched.Scheduler
	kernel   *ksyscall.Kernel
	trap     *trap.Pipeline
	timer    *hal.FakeTimer
	uart     *hal.FakeUART
}

func newSystem(cfg config.Manifest) (*system, error) {
	mem := vm.NewRAM(0, cfg.RAMBytes)
	alloc, err := pmm.New(0, cfg.RAMBytes)
	if err != nil {
		return nil, fmt.Errorf("pmm.New: %w", err)
	}
	kernelPT, err := vm.NewKernelPageTable(mem, alloc)
	if err != nil {
		return nil, fmt.Errorf("NewKernelPageTable: %w", err)
	}

	tbl := proc.NewTable()
	s := sched.New(sched.DefaultQuantum)

	k := ksyscall.NewKernel()
	k.Table = tbl
	k.Sched = s
	k.FS = vfs.NewFS(vfs.NewInMemDir(0755))
	k.Mem = mem
	k.PMM = alloc
	k.KernelPT = kernelPT

	return &system{
		cfg:      cfg,
		mem:      mem,
		pmm:      alloc,
		kernelPT: kernelPT,
		table:    tbl,
		sched:    s,
		kernel:   k,
		trap:     trap.NewPipeline(k, s),
		timer:    hal.NewFakeTimer(),
		uart:     hal.NewFakeUART(),
	}, nil
}

// spawnUser allocates a PCB with a fresh user address space, a zeroed trap
// frame, and a heap/stack layout big enough for the scenarios' scratch
// buffers. It does not start the process's workload; call sys.sched.Spawn
// with the returned PCB.
func (sys *system) spawnUser(name string) (*proc.PCB, error) {
	p, err := sys.table.Alloc()
	if err != nil {
		return nil, err
	}
	pt, err := vm.NewUserPageTable(sys.mem, sys.pmm, sys.kernelPT)
	if err != nil {
		sys.table.Reap(p)
		return nil, err
	}
	p.AddrSpace = pt
	p.TrapFrame = &trapframe.TrapFrame{}
	p.Name = name
	p.HeapStart, p.HeapEnd = 0x10_0000, 0x10_0000
	p.StackTop = 0x20_0000
	return p, nil
}

// mapScratch maps one page of user-writable memory at vaddr, registering
// both the page table entry and the VMA so ValidateUserPtr accepts it.
func (sys *system) mapScratch(p *proc.PCB, vaddr uint64) error {
	frame, err := sys.pmm.Alloc()
	if err != nil {
		return err
	}
	if err := p.AddrSpace.Map(vaddr, frame, vm.Read|vm.Write|vm.User); err != nil {
		return err
	}
	return p.VMAs.Add(vaddr, vaddr+vm.PageSize, vm.Read|vm.Write|vm.User)
}

// waitpid blocks p (via the scheduler's child-exit wait queue) until the
// child at target has become a zombie, reaping it and returning its pid.
func (sys *system) waitpid(p *proc.PCB, target int64) int64 {
	tf := p.TrapFrame
	tf.SetReg(trapframe.RegA7, uint64(ksyscall.SysWaitpid))
	tf.SetReg(trapframe.RegA0, uint64(target))
	tf.SetReg(trapframe.RegA1, 0)
	sys.trap.Trap(p, csr.CauseEcallFromU, 0)
	return int64(tf.Reg(trapframe.RegA0))
}

// ecall builds a syscall trap frame, runs it through the trap pipeline,
// and returns the raw a0 result (already negative on failure, per the
// dispatcher's errno convention).
func (sys *system) ecall(p *proc.PCB, num int64, args ...uint64) int64 {
	tf := p.TrapFrame
	tf.SetReg(trapframe.RegA7, uint64(num))
	for i, a := range args {
		tf.SetReg(trapframe.RegA0+i, a)
	}
	sys.trap.Trap(p, csr.CauseEcallFromU, 0)
	return int64(tf.Reg(trapframe.RegA0))
}
