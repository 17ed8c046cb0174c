// Package trap implements the post-save, pre-restore half of §4.1's trap
// pipeline: scause decode, routing to the syscall dispatcher or a fault's
// default action, and the signal-check point on the way back to user mode.
// The assembly vector stub and the register-save/restore sequence either
// side of this package are out of scope per §1 — this is a software model
// of a single hart, not a bootable image — so the entry point here is a
// plain function call rather than a real trap vector, standing in for
// "dispatch is invoked with the trap already saved to a frame."
//
// Grounded on the teacher's trap-dispatch shape: internal/hv/riscv/rv64's
// CPU model decodes a cause value to route between a syscall/ecall path,
// an exception path, and an interrupt path, exactly the three-way split
// §4.1 describes; the signal-check-on-return step has no teacher
// counterpart (the teacher does not model guest signals) and is built
// from §4.5 directly, reusing the teacher's small-function, early-return
// style.
package trap

import (
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/csr"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/proc"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/sched"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/signal"
	ksyscall "github.com/cmelnulabs/thunderos-sub004/internal/kernel/syscall"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/trapframe"
)

// Pipeline bundles the syscall dispatcher and scheduler that trap handling
// needs. One Pipeline backs one booted system, alongside its syscall.Kernel.
type Pipeline struct {
	Kernel *ksyscall.Kernel
	Sched  *sched.Scheduler
}

func NewPipeline(k *ksyscall.Kernel, s *sched.Scheduler) *Pipeline {
	return &Pipeline{Kernel: k, Sched: s}
}

// Trap is the single entry point a trapped process's simulated user-mode
// workload calls on an ecall or a fault, operating on p.TrapFrame — the
// trap frame that persists on the PCB for as long as the process is off
// CPU (§3 "a pointer to it persists as proc.trap_frame"). It decodes
// cause, routes to the matching handler, and runs the signal-check point
// before returning control to the caller. §4.1 "Dispatch" / "Signal
// check".
func (tp *Pipeline) Trap(p *proc.PCB, cause, stval uint64) {
	tf := p.TrapFrame
	switch {
	case csr.IsInterrupt(cause):
		tp.interrupt(p, cause)
	case csr.ExceptionCode(cause) == csr.CauseEcallFromU:
		tp.syscallTrap(p, tf)
	default:
		tp.exception(p, csr.ExceptionCode(cause), stval)
	}
	tp.deliverSignals(p)
}

// syscallTrap dispatches the ecall and advances sepc past it, per §4.1.
// Two successful calls leave sepc alone: execve, which already placed the
// new entry point directly into Sepc, and sigreturn, which restored a
// saved frame whose sepc was already advanced past the interrupted ecall.
// A failed execve or sigreturn advances sepc like any other syscall.
func (tp *Pipeline) syscallTrap(p *proc.PCB, tf *trapframe.TrapFrame) {
	n := tf.SyscallNumber()
	p.Lock()
	restoring := n == ksyscall.SysSigretn && p.Signals.SavedFrame != nil
	p.Unlock()
	tp.Kernel.Dispatch(p, tf)
	switch {
	case n == ksyscall.SysExecve && int64(tf.Reg(trapframe.RegA0)) >= 0:
	case restoring:
	default:
		tf.Sepc += csr.EcallInsnSize
	}
}

// exception maps a synchronous fault to the signal it raises (§4.1): page
// faults, illegal instructions and misaligned/access faults terminate the
// process through that signal's default action unless a handler is
// installed; no diagnostic is printed. The fault itself never reaches user
// code; only its signal does, through the ordinary delivery path.
func (tp *Pipeline) exception(p *proc.PCB, code, _ uint64) {
	signum := signalForCause(code)
	p.Lock()
	p.Signals.SetPending(signum)
	p.Unlock()
}

func signalForCause(code uint64) int {
	switch code {
	case csr.CauseIllegalInsn:
		return signal.SIGILL
	case csr.CauseBreakpoint:
		return signal.SIGTRAP
	case csr.CauseInsnAddrMisaligned, csr.CauseLoadAddrMisaligned, csr.CauseStoreAddrMisaligned,
		csr.CauseInsnAccessFault, csr.CauseLoadAccessFault, csr.CauseStoreAccessFault:
		return signal.SIGBUS
	case csr.CauseInsnPageFault, csr.CauseLoadPageFault, csr.CauseStorePageFault:
		return signal.SIGSEGV
	default:
		return signal.SIGSEGV
	}
}

// interrupt handles an asynchronous trap. Only the timer source is wired
// to anything this kernel does (preemption, §4.2); software and external
// interrupts have no driver behind them in scope (§1) and are acknowledged
// as no-ops.
func (tp *Pipeline) interrupt(p *proc.PCB, cause uint64) {
	switch cause {
	case csr.CauseSTimerInt:
		tp.Sched.Tick()
		if p != nil {
			tp.Sched.CheckPreempt(p)
		}
	}
}

// deliverSignals runs §4.5's delivery algorithm against whatever became
// pending during this trap: the lowest-numbered deliverable signal is
// either dispatched to a user handler (rewriting the trap frame so
// control returns into it) or given its default action. Only one handler
// invocation happens per call — exactly as real hardware returns to user
// mode running the handler and only re-enters the kernel (re-running this
// same check) on the handler's own next trap, whether that is its
// sigreturn or a fault inside it.
func (tp *Pipeline) deliverSignals(p *proc.PCB) {
	for {
		p.Lock()
		signum := p.Signals.Deliverable()
		if signum == 0 {
			p.Unlock()
			return
		}
		disp := p.Signals.Disposition(signum)
		p.Signals.ClearPending(signum)

		switch disp {
		case signal.DispositionIgnore:
			p.Unlock()
			continue
		case signal.DispositionHandler:
			tp.invokeHandlerLocked(p, signum)
			p.Unlock()
			return
		default:
			action := signal.DefaultAction(signum)
			p.Unlock()
			switch action {
			case signal.ActionIgnore, signal.ActionContinue:
				continue
			case signal.ActionStop:
				tp.Sched.Stop(p)
				return
			default:
				tp.Sched.Exit(p, 128+signum)
				return
			}
		}
	}
}

// invokeHandlerLocked implements §4.5's dispatch steps: save the trap
// frame sigreturn will restore, then rewrite sepc/a0 so execution resumes
// in the handler with the signal number as its argument. Must be called
// with p's lock held.
//
// Step (1) of §4.5 calls for the saved frame to live in "a user-visible
// save area on the user stack"; this kernel instead keeps it in
// p.Signals.SavedFrame, the same in-kernel slot sysSigreturn already reads
// from — the signal package's own doc comment calls this field out as
// opaque to it and owned by trap for exactly this reason. Installing a
// concrete sigreturn-trampoline return address is a userland-runtime
// concern (crt0/libc, out of scope per §1); the handler or whatever
// invokes it is expected to issue the sigreturn syscall directly, as
// §8's signal-handler scenario does.
func (tp *Pipeline) invokeHandlerLocked(p *proc.PCB, signum int) {
	h := p.Signals.Handlers[signum]
	p.Signals.SavedFrame = p.TrapFrame.Clone()
	p.TrapFrame.Sepc = h.Addr
	p.TrapFrame.SetReg(trapframe.RegA0, uint64(signum))
}
