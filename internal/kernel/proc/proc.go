// Package proc implements the process control block, the fixed-size
// process table, and PID allocation. §2 "Process table & context switch",
// §3 "PCB".
//
// Grounded on the teacher's PCB-shaped types being absent (the teacher
// models hardware, not an OS), but structurally mirrors the fixed-array,
// index-addressed bookkeeping the teacher uses for everything long-lived
// (e.g. PLIC's fixed [PLICMaxSources]uint32 arrays in
// internal/hv/riscv/rv64/plic.go) — §9 "model PCBs in a fixed-size indexed
// table; all cross-references are PIDs... not owning references."
package proc

import (
	"fmt"
	"sync"

	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/csr"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/signal"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/trapframe"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/vm"
)

// MaxProcs bounds the process table. §3.
const MaxProcs = 64

// NSIG mirrors csr.NSIG for signal disposition table sizing.
const NSIG = csr.NSIG

// State is one of the process lifecycle states. §3, §4.3.
type State int

const (
	Unused State = iota
	Embryo
	Ready
	Running
	Sleeping
	Stopped
	Zombie
)

func (s State) String() string {
	switch s {
	case Unused:
		return "unused"
	case Embryo:
		return "embryo"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Sleeping:
		return "sleeping"
	case Stopped:
		return "stopped"
	case Zombie:
		return "zombie"
	default:
		return "invalid"
	}
}

// Context is the callee-saved register snapshot used by the in-kernel
// context switch (§4.2 context_switch): ra + s0-s11, the registers the Go
// calling convention would otherwise clobber across a cooperative switch on
// real hardware. On this software model the switch itself is performed by
// the scheduler directly manipulating PCB.State and the OS thread the
// process's goroutine runs on; Context is kept so the trap-frame/PCB shape
// stays a faithful model of the real register-save contract (§9 "Trap-frame
// layout... a stable contract").
type Context struct {
	RA                                     uint64
	S0, S1, S2, S3, S4, S5, S6, S7, S8, S9 uint64
	S10, S11                               uint64
}

// MaxFDs bounds the per-process file-descriptor table size. §3.
const MaxFDs = 64

// File is implemented by vfs.RegularFile and pipe.ReadEnd/WriteEnd; proc only needs to hold
// and index them, never interpret them, so it is declared as a minimal
// interface here to avoid an import cycle with vfs (which itself needs PCB
// for fd-table duplication during fork).
type File interface {
	Close() error
}

// Dupper is optionally implemented by a File whose underlying resource
// carries its own reference count that must be bumped whenever an fd
// referring to it is duplicated (fork, dup2) — a pipe end's open-reader/
// open-writer count (§4.7) being the motivating case. A File without
// additional shared state (vfs.RegularFile) need not implement this:
// sharing the same File value across fd slots already gives the correct
// shared-cursor semantics real fd duplication has.
type Dupper interface {
	Dup() File
}

// DupFile duplicates f for installation into a second fd slot (fork child,
// dup2 target), calling through Dupper when the File implements it.
func DupFile(f File) File {
	if d, ok := f.(Dupper); ok {
		return d.Dup()
	}
	return f
}

// PCB is the process control block. §3.
type PCB struct {
	mu sync.Mutex

	PID     int
	PPID    int
	PGID    int
	SID     int
	Name    string
	State   State
	ExitCode int

	Cwd string

	AddrSpace *vm.PageTable
	VMAs      vm.VMAList
	HeapStart uint64
	HeapEnd   uint64
	StackTop  uint64

	KernelStack []byte
	Context     Context

	TrapFrame *trapframe.TrapFrame

	Signals signal.State

	FDs [MaxFDs]File

	Ticks    uint64
	Priority int

	// Interrupted is set by the scheduler when a sleeping process is woken
	// by signal delivery rather than by the event it was waiting for; the
	// blocking call that put it to sleep reads and clears this to decide
	// whether to return EINTR. §5 "Cancellation and interruption".
	Interrupted bool

	Parent *PCB
}

// Table is the fixed-size process table. §2.
type Table struct {
	mu    sync.Mutex
	procs [MaxProcs]*PCB
}

func NewTable() *Table {
	t := &Table{}
	for i := range t.procs {
		t.procs[i] = &PCB{PID: i, State: Unused}
	}
	return t
}

// Alloc finds a Unused slot, transitions it to Embryo, and returns it.
// PIDs are reused once freed, consistent with a fixed pool of size
// MaxProcs (§3). PID 0 is reserved and never allocated, per §3 "0
// reserved; assigned monotonically."
func (t *Table) Alloc() (*PCB, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.procs[1:] {
		p.mu.Lock()
		if p.State == Unused {
			p.State = Embryo
			p.PPID = 0
			p.PGID = 0
			p.SID = 0
			p.Name = ""
			p.ExitCode = 0
			p.Cwd = "/"
			p.AddrSpace = nil
			p.VMAs = vm.VMAList{}
			p.HeapStart, p.HeapEnd, p.StackTop = 0, 0, 0
			p.TrapFrame = nil
			p.Signals = signal.NewState()
			p.FDs = [MaxFDs]File{}
			p.Ticks = 0
			p.Priority = 0
			p.Parent = nil
			p.mu.Unlock()
			return p, nil
		}
		p.mu.Unlock()
	}
	return nil, fmt.Errorf("proc: process table full (MAX_PROCS=%d)", MaxProcs)
}

// Get returns the PCB for pid, or nil if out of range or Unused.
func (t *Table) Get(pid int) *PCB {
	if pid < 0 || pid >= MaxProcs {
		return nil
	}
	p := t.procs[pid]
	if p.State == Unused {
		return nil
	}
	return p
}

// All returns every non-Unused PCB, for the scheduler's diagnostics and the
// preemption-fairness scenario.
func (t *Table) All() []*PCB {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*PCB
	for _, p := range t.procs {
		if p.State != Unused {
			out = append(out, p)
		}
	}
	return out
}

// Reap transitions a Zombie PCB back to Unused, freeing its slot. §4.3.
func (t *Table) Reap(p *PCB) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.State = Unused
}

// Lock/Unlock expose the PCB's own mutex for subsystems (sched, signal)
// that must read/mutate PCB fields atomically with respect to other
// subsystems; §5 mandates interrupt-disabling on real hardware, which on
// this goroutine-hosted model is modeled as a per-PCB mutex instead.
func (p *PCB) Lock()   { p.mu.Lock() }
func (p *PCB) Unlock() { p.mu.Unlock() }

func (p *PCB) String() string {
	return fmt.Sprintf("pcb{pid=%d ppid=%d state=%s name=%q}", p.PID, p.PPID, p.State, p.Name)
}
