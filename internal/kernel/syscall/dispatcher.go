// Syscall dispatch: routes a trapped syscall (number in a7, args in
// a0..a5, return value placed back in a0) to the owning subsystem. §4.8,
// §6 "System-call numbering".
//
// Grounded on the teacher's internal/linux/syscallnum lookup table feeding
// a dispatch switch in its syscall-translation layer: one table maps the
// number to a name (numbers.go), a second dispatch step maps the number to
// a handler. Argument validation follows §4.4's contract literally:
// "Dereferencing an unmapped or wrongly-permissioned user pointer... FAULT"
// — every handler that touches user memory calls vm.VMAList.ValidateUserPtr
// first and fails EFAULT rather than trusting the pointer.
package syscall

import (
	stdsync "sync"

	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/elf"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/errno"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/pipe"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/pmm"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/proc"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/sched"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/signal"
	ksync "github.com/cmelnulabs/thunderos-sub004/internal/kernel/sync"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/trapframe"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/vfs"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/vm"
)

// Kernel bundles every subsystem the dispatcher routes into. One Kernel
// instance backs one booted system; cmd/kernel constructs it from the HAL
// fakes and a freshly built root filesystem.
type Kernel struct {
	Table    *proc.Table
	Sched    *sched.Scheduler
	FS       *vfs.FS
	Mem      vm.PhysMem
	PMM      *pmm.Allocator
	KernelPT *vm.PageTable

	objMu      stdsync.Mutex
	nextHandle int
	mutexes    map[int]*ksync.Mutex
	sems       map[int]*ksync.Semaphore
	conds      map[int]*ksync.CondVar
	rwlocks    map[int]*ksync.RWLock

	// mmapNext is a per-PID downward bump pointer for hint-less anonymous
	// mmap requests, seeded just below the stack on first use.
	mmapNext map[int]uint64
}

// NewKernel wires up the maps a fresh Kernel needs; the subsystem fields
// themselves are set directly by the caller (cmd/kernel's boot sequence).
func NewKernel() *Kernel {
	return &Kernel{
		mutexes:  make(map[int]*ksync.Mutex),
		sems:     make(map[int]*ksync.Semaphore),
		conds:    make(map[int]*ksync.CondVar),
		rwlocks:  make(map[int]*ksync.RWLock),
		mmapNext: make(map[int]uint64),
	}
}

func (k *Kernel) allocHandle() int {
	k.objMu.Lock()
	defer k.objMu.Unlock()
	k.nextHandle++
	return k.nextHandle
}

// Dispatch handles the syscall trapped in tf on behalf of p, writing the
// return value (or negated errno, per the Linux-ABI convention §7 follows)
// back into tf's a0 before returning. It never blocks the caller beyond
// whatever the underlying subsystem call itself blocks on via sched.Sleep,
// exactly mirroring a real syscall that can put the calling process to
// sleep mid-handler.
func (k *Kernel) Dispatch(p *proc.PCB, tf *trapframe.TrapFrame) {
	n := tf.SyscallNumber()
	ret, err := k.dispatch(p, tf, n)
	if err != nil {
		e := errno.Wrap(err)
		tf.SetReturn(-e.Value())
		return
	}
	tf.SetReturn(ret)
}

func (k *Kernel) dispatch(p *proc.PCB, tf *trapframe.TrapFrame, n int64) (int64, error) {
	switch n {
	case SysExit:
		return k.sysExit(p, int(tf.SyscallArg(0)))
	case SysWrite:
		return k.sysWrite(p, int(tf.SyscallArg(0)), tf.SyscallArg(1), tf.SyscallArg(2))
	case SysRead:
		return k.sysRead(p, int(tf.SyscallArg(0)), tf.SyscallArg(1), tf.SyscallArg(2))
	case SysGetpid:
		return int64(p.PID), nil
	case SysGetppid:
		return int64(p.PPID), nil
	case SysSleep:
		return k.sysSleep(p, tf.SyscallArg(0))
	case SysYield:
		k.Sched.Yield(p)
		return 0, nil
	case SysFork:
		return k.sysFork(p)
	case SysKill:
		return k.sysKill(p, int(tf.SyscallArg(0)), int(tf.SyscallArg(1)))
	case SysWait:
		return k.sysWait(p, tf, -1)
	case SysWaitpid:
		return k.sysWait(p, tf, int(tf.SyscallArg(0)))
	case SysExecve:
		return k.sysExecve(p, tf, tf.SyscallArg(0), tf.SyscallArg(1))
	case SysSbrk:
		return k.sysSbrk(p, int64(tf.SyscallArg(0)))
	case SysBrk:
		return k.sysBrk(p, tf.SyscallArg(0))
	case SysOpen:
		return k.sysOpen(p, tf.SyscallArg(0), int(tf.SyscallArg(1)), uint32(tf.SyscallArg(2)))
	case SysClose:
		return k.sysClose(p, int(tf.SyscallArg(0)))
	case SysLseek:
		return k.sysLseek(p, int(tf.SyscallArg(0)), int64(tf.SyscallArg(1)), int(tf.SyscallArg(2)))
	case SysMkdir:
		return k.sysMkdir(p, tf.SyscallArg(0), uint32(tf.SyscallArg(1)))
	case SysUnlink:
		return k.sysUnlink(p, tf.SyscallArg(0))
	case SysRmdir:
		return k.sysRmdir(p, tf.SyscallArg(0))
	case SysSignal:
		return k.sysSignal(p, int(tf.SyscallArg(0)), tf.SyscallArg(1))
	case SysSigactn:
		return k.sysSigaction(p, int(tf.SyscallArg(0)), tf.SyscallArg(1), tf.SyscallArg(2))
	case SysSigretn:
		return k.sysSigreturn(p, tf)
	case SysMmap:
		return k.sysMmap(p, tf.SyscallArg(0), tf.SyscallArg(1), uint8(tf.SyscallArg(2)))
	case SysMunmap:
		return k.sysMunmap(p, tf.SyscallArg(0), tf.SyscallArg(1))
	case SysPipe:
		return k.sysPipe(p, tf.SyscallArg(0))
	case SysGetdents:
		return k.sysGetdents(p, int(tf.SyscallArg(0)), tf.SyscallArg(1), tf.SyscallArg(2))
	case SysChdir:
		return k.sysChdir(p, tf.SyscallArg(0))
	case SysGetcwd:
		return k.sysGetcwd(p, tf.SyscallArg(0), tf.SyscallArg(1))
	case SysDup2:
		return 0, vfs.Dup2(p, int(tf.SyscallArg(0)), int(tf.SyscallArg(1)))
	case SysMutexCreate:
		return k.sysMutexCreate(), nil
	case SysMutexLock:
		return k.sysMutexOp(p, tf.SyscallArg(0), mutexLock)
	case SysMutexUnlock:
		return k.sysMutexOp(p, tf.SyscallArg(0), mutexUnlock)
	case SysMutexDestroy:
		return k.sysObjDestroy(tf.SyscallArg(0), k.mutexes)
	case SysSemCreate:
		return k.sysSemCreate(int(tf.SyscallArg(0))), nil
	case SysSemWait:
		return k.sysSemOp(p, tf.SyscallArg(0), semWait)
	case SysSemSignal:
		return k.sysSemOp(p, tf.SyscallArg(0), semSignal)
	case SysSemDestroy:
		return k.sysObjDestroy(tf.SyscallArg(0), k.sems)
	case SysCondCreate:
		return k.sysCondCreate(), nil
	case SysCondWait:
		return k.sysCondWait(p, tf.SyscallArg(0), tf.SyscallArg(1))
	case SysCondSignal:
		return k.sysCondOp(tf.SyscallArg(0), condSignal)
	case SysCondBroadcast:
		return k.sysCondOp(tf.SyscallArg(0), condBroadcast)
	case SysCondDestroy:
		return k.sysObjDestroy(tf.SyscallArg(0), k.conds)
	case SysRWLockCreate:
		return k.sysRWLockCreate(), nil
	case SysRWLockRead:
		return k.sysRWLockOp(p, tf.SyscallArg(0), rwlockRead, tf.SyscallArg(1) != 0)
	case SysRWLockWrite:
		return k.sysRWLockOp(p, tf.SyscallArg(0), rwlockWrite, tf.SyscallArg(1) != 0)
	case SysPoweroff, SysReboot:
		return k.sysExit(p, 0)
	default:
		return 0, errno.ENOSYS
	}
}

func (k *Kernel) sysExit(p *proc.PCB, code int) (int64, error) {
	k.Sched.Exit(p, code)
	return 0, nil
}

func (k *Kernel) sysFork(p *proc.PCB) (int64, error) {
	child, err := k.Sched.Fork(p, k.Table, k.Mem, k.PMM, k.KernelPT, func(c *proc.PCB) {
		c.TrapFrame.SetReturn(0)
	})
	if err != nil {
		return 0, err
	}
	return int64(child.PID), nil
}

func (k *Kernel) sysWait(p *proc.PCB, tf *trapframe.TrapFrame, target int) (int64, error) {
	pid, code, err := k.Sched.Waitpid(p, k.Table, target)
	if err != nil {
		return 0, err
	}
	if statusPtr := tf.SyscallArg(1); statusPtr != 0 {
		if !p.VMAs.ValidateUserPtr(statusPtr, 8, vm.Write) {
			return 0, errno.EFAULT
		}
		var b [8]byte
		b[0] = byte(code)
		if err := p.AddrSpace.WriteAt(statusPtr, b[:]); err != nil {
			return 0, errno.EFAULT
		}
	}
	return int64(pid), nil
}

func (k *Kernel) sysKill(p *proc.PCB, pid, signum int) (int64, error) {
	target := k.Table.Get(pid)
	if target == nil {
		return 0, errno.ESRCH
	}
	k.Sched.SignalSend(target, signum)
	return 0, nil
}

func (k *Kernel) sysSleep(p *proc.PCB, ticks uint64) (int64, error) {
	if !k.Sched.SleepTicks(p, ticks) {
		return 0, errno.EINTR
	}
	return 0, nil
}

// maxArgv bounds how many argv pointers execve will read from user memory,
// guarding against a malformed or malicious non-terminated array.
const maxArgv = 64

func (k *Kernel) readArgv(p *proc.PCB, argvPtr uint64) ([]string, error) {
	if argvPtr == 0 {
		return nil, nil
	}
	var argv []string
	for i := 0; i < maxArgv; i++ {
		ptrAddr := argvPtr + uint64(i)*8
		if !p.VMAs.ValidateUserPtr(ptrAddr, 8, vm.Read) {
			return nil, errno.EFAULT
		}
		var b [8]byte
		if err := p.AddrSpace.ReadAt(ptrAddr, b[:]); err != nil {
			return nil, errno.EFAULT
		}
		var strPtr uint64
		for j := 0; j < 8; j++ {
			strPtr |= uint64(b[j]) << (8 * j)
		}
		if strPtr == 0 {
			return argv, nil
		}
		s, err := p.AddrSpace.ReadCString(strPtr, 4096)
		if err != nil {
			return nil, errno.EFAULT
		}
		argv = append(argv, s)
	}
	return argv, nil
}

// sysExecve implements §4.3 "execve": replaces the calling process's
// address space with a freshly loaded ELF image and rewrites its trap
// frame to jump to the new entry point, never returning to the caller on
// success (the old address space, including the pages backing the syscall
// instruction itself, is gone).
func (k *Kernel) sysExecve(p *proc.PCB, tf *trapframe.TrapFrame, pathPtr, argvPtr uint64) (int64, error) {
	clean, err := k.readPath(p, pathPtr)
	if err != nil {
		return 0, err
	}
	argv, err := k.readArgv(p, argvPtr)
	if err != nil {
		return 0, err
	}
	node, rerr := k.FS.Resolve(clean)
	if rerr != nil {
		return 0, rerr
	}
	raw := make([]byte, node.Size())
	if _, err := node.Read(0, raw); err != nil {
		return 0, errno.Wrap(err)
	}

	newPT, err := vm.NewUserPageTable(k.Mem, k.PMM, k.KernelPT)
	if err != nil {
		return 0, errno.ENOMEM
	}
	img, lerr := elf.Load(newPT, k.PMM, raw, argv)
	if lerr != nil {
		return 0, lerr
	}

	p.Lock()
	p.AddrSpace = newPT
	p.VMAs = vm.VMAList{}
	for _, seg := range img.Segments {
		if err := p.VMAs.Add(seg.Start, seg.End, seg.Flags); err != nil {
			p.Unlock()
			return 0, errno.Wrap(err)
		}
	}
	p.VMAs.Add(elf.StackTop-elf.StackSize, elf.StackTop, vm.Read|vm.Write|vm.User)
	p.HeapStart = alignUp(img.BrssEnd)
	p.HeapEnd = p.HeapStart
	p.StackTop = elf.StackTop
	tf.Regs = [32]uint64{}
	tf.Sepc = img.Entry
	tf.SetSP(img.StackTop)
	p.Unlock()

	return 0, nil
}

// sysSbrk grows or shrinks the heap VMA by delta bytes, returning the
// previous break (the classic sbrk contract), mapping/unmapping whole
// pages as the break crosses page boundaries. §4.4 "sbrk".
func (k *Kernel) sysSbrk(p *proc.PCB, delta int64) (int64, error) {
	p.Lock()
	defer p.Unlock()
	prevBreak := p.HeapEnd
	newBreak := uint64(int64(prevBreak) + delta)
	if err := k.growHeapLocked(p, prevBreak, newBreak); err != nil {
		return 0, err
	}
	p.HeapEnd = newBreak
	return int64(prevBreak), nil
}

// sysBrk sets the break to an absolute address. §4.4 "brk".
func (k *Kernel) sysBrk(p *proc.PCB, newBreak uint64) (int64, error) {
	p.Lock()
	defer p.Unlock()
	if err := k.growHeapLocked(p, p.HeapEnd, newBreak); err != nil {
		return 0, err
	}
	p.HeapEnd = newBreak
	return int64(newBreak), nil
}

func (k *Kernel) growHeapLocked(p *proc.PCB, from, to uint64) error {
	if to < p.HeapStart {
		return errno.EINVAL
	}
	if err := p.VMAs.Replace(p.HeapStart, to); err != nil {
		if err2 := p.VMAs.Add(p.HeapStart, to, vm.Read|vm.Write|vm.User); err2 != nil {
			return errno.ENOMEM
		}
	}
	lo, hi := from, to
	if hi < lo {
		lo, hi = hi, lo
	}
	for vaddr := alignDown(lo); vaddr < alignUp(hi); vaddr += vm.PageSize {
		if to > from {
			if _, _, terr := p.AddrSpace.Translate(vaddr); terr != nil {
				frame, ferr := k.PMM.Alloc()
				if ferr != nil {
					return errno.ENOMEM
				}
				if merr := p.AddrSpace.Map(vaddr, frame, vm.Read|vm.Write|vm.User); merr != nil {
					return errno.Wrap(merr)
				}
			}
		} else {
			p.AddrSpace.Unmap(vaddr)
		}
	}
	return nil
}

func alignDown(v uint64) uint64 { return v &^ (vm.PageSize - 1) }
func alignUp(v uint64) uint64   { return (v + vm.PageSize - 1) &^ (vm.PageSize - 1) }

// elfStackReserve is the gap kept below the fixed stack region before the
// downward-growing anonymous mmap area starts handing out addresses.
const elfStackReserve = elf.StackSize + vm.PageSize

// sysMmap supports anonymous mappings only (no backing file), per §4.4's
// "mmap (anonymous only; no file-backed mappings)" scope.
func (k *Kernel) sysMmap(p *proc.PCB, hint, length uint64, protFlags uint8) (int64, error) {
	length = alignUp(length)
	if length == 0 {
		return 0, errno.EINVAL
	}
	flags := vm.Flags(protFlags) | vm.User

	p.Lock()
	defer p.Unlock()

	start := hint
	if start != 0 && start%vm.PageSize == 0 {
		if err := p.VMAs.Add(start, start+length, flags); err != nil {
			return 0, errno.ENOMEM
		}
	} else {
		k.objMu.Lock()
		next, ok := k.mmapNext[p.PID]
		if !ok {
			next = alignDown(p.StackTop - elfStackReserve)
		}
		k.objMu.Unlock()

		for {
			cand := next - length
			if cand < p.HeapEnd {
				return 0, errno.ENOMEM
			}
			if err := p.VMAs.Add(cand, cand+length, flags); err == nil {
				start = cand
				break
			}
			next = cand
		}
		k.objMu.Lock()
		k.mmapNext[p.PID] = start
		k.objMu.Unlock()
	}
	for vaddr := start; vaddr < start+length; vaddr += vm.PageSize {
		frame, err := k.PMM.Alloc()
		if err != nil {
			p.VMAs.Remove(start)
			return 0, errno.ENOMEM
		}
		if err := p.AddrSpace.Map(vaddr, frame, flags); err != nil {
			return 0, errno.Wrap(err)
		}
	}
	return int64(start), nil
}

func (k *Kernel) sysMunmap(p *proc.PCB, addr, length uint64) (int64, error) {
	length = alignUp(length)
	p.Lock()
	defer p.Unlock()
	for vaddr := alignDown(addr); vaddr < addr+length; vaddr += vm.PageSize {
		p.AddrSpace.Unmap(vaddr)
	}
	p.VMAs.Remove(addr)
	return 0, nil
}

func (k *Kernel) sysWrite(p *proc.PCB, fd int, bufPtr, count uint64) (int64, error) {
	if !p.VMAs.ValidateUserPtr(bufPtr, count, vm.Read) {
		return 0, errno.EFAULT
	}
	data := make([]byte, count)
	if err := p.AddrSpace.ReadAt(bufPtr, data); err != nil {
		return 0, errno.EFAULT
	}
	f, err := vfs.Get(p, fd)
	if err != nil {
		return 0, err
	}
	n, werr := writeFile(p, f, data)
	if werr != nil {
		return 0, werr
	}
	return int64(n), nil
}

func (k *Kernel) sysRead(p *proc.PCB, fd int, bufPtr, count uint64) (int64, error) {
	if !p.VMAs.ValidateUserPtr(bufPtr, count, vm.Write) {
		return 0, errno.EFAULT
	}
	buf := make([]byte, count)
	f, err := vfs.Get(p, fd)
	if err != nil {
		return 0, err
	}
	n, rerr := readFile(p, f, buf)
	if rerr != nil {
		return 0, rerr
	}
	if err := p.AddrSpace.WriteAt(bufPtr, buf[:n]); err != nil {
		return 0, errno.EFAULT
	}
	return int64(n), nil
}

// writeFile/readFile dispatch on the concrete proc.File type, since
// vfs.RegularFile and pipe.ReadEnd/WriteEnd expose incompatible method
// sets (a pipe end additionally needs the calling PCB, for blocking and
// SIGPIPE delivery).
func writeFile(p *proc.PCB, f proc.File, data []byte) (int, error) {
	switch v := f.(type) {
	case *vfs.RegularFile:
		return v.Write(data)
	case *pipe.WriteEnd:
		return v.Write(p, data)
	default:
		return 0, errno.EBADF
	}
}

func readFile(p *proc.PCB, f proc.File, buf []byte) (int, error) {
	switch v := f.(type) {
	case *vfs.RegularFile:
		return v.Read(buf)
	case *pipe.ReadEnd:
		return v.Read(p, buf)
	default:
		return 0, errno.EBADF
	}
}

func (k *Kernel) readPath(p *proc.PCB, ptr uint64) (string, error) {
	if !p.VMAs.ValidateUserPtr(ptr, 1, vm.Read) {
		return "", errno.EFAULT
	}
	path, err := p.AddrSpace.ReadCString(ptr, 4096)
	if err != nil {
		return "", errno.EFAULT
	}
	return vfs.Normalize(p.Cwd, path), nil
}

func (k *Kernel) sysOpen(p *proc.PCB, pathPtr uint64, flags int, mode uint32) (int64, error) {
	clean, err := k.readPath(p, pathPtr)
	if err != nil {
		return 0, err
	}
	node, rerr := k.FS.Resolve(clean)
	if rerr != nil {
		if rerr != errno.ENOENT || flags&vfs.OCreat == 0 {
			return 0, rerr
		}
		parent, name, perr := k.FS.ResolveParent(clean)
		if perr != nil {
			return 0, perr
		}
		node, rerr = parent.Create(name, mode)
		if rerr != nil {
			return 0, rerr
		}
	}
	if flags&vfs.OTrunc != 0 {
		if terr := node.Truncate(0); terr != nil {
			return 0, terr
		}
	}
	rf := &vfs.RegularFile{Node: node, Flags: flags}
	fd, aerr := vfs.AllocFD(p, rf)
	if aerr != nil {
		return 0, aerr
	}
	return int64(fd), nil
}

func (k *Kernel) sysClose(p *proc.PCB, fd int) (int64, error) {
	return 0, vfs.CloseFD(p, fd)
}

func (k *Kernel) sysLseek(p *proc.PCB, fd int, offset int64, whence int) (int64, error) {
	f, err := vfs.Get(p, fd)
	if err != nil {
		return 0, err
	}
	rf, ok := f.(*vfs.RegularFile)
	if !ok {
		return 0, errno.EBADF
	}
	return rf.Lseek(offset, whence)
}

func (k *Kernel) sysMkdir(p *proc.PCB, pathPtr uint64, mode uint32) (int64, error) {
	clean, err := k.readPath(p, pathPtr)
	if err != nil {
		return 0, err
	}
	parent, name, perr := k.FS.ResolveParent(clean)
	if perr != nil {
		return 0, perr
	}
	_, merr := parent.Mkdir(name, mode)
	return 0, merr
}

func (k *Kernel) sysUnlink(p *proc.PCB, pathPtr uint64) (int64, error) {
	clean, err := k.readPath(p, pathPtr)
	if err != nil {
		return 0, err
	}
	parent, name, perr := k.FS.ResolveParent(clean)
	if perr != nil {
		return 0, perr
	}
	return 0, parent.Unlink(name)
}

func (k *Kernel) sysRmdir(p *proc.PCB, pathPtr uint64) (int64, error) {
	clean, err := k.readPath(p, pathPtr)
	if err != nil {
		return 0, err
	}
	parent, name, perr := k.FS.ResolveParent(clean)
	if perr != nil {
		return 0, perr
	}
	return 0, parent.Rmdir(name)
}

func (k *Kernel) sysGetdents(p *proc.PCB, fd int, bufPtr, bufLen uint64) (int64, error) {
	f, err := vfs.Get(p, fd)
	if err != nil {
		return 0, err
	}
	rf, ok := f.(*vfs.RegularFile)
	if !ok {
		return 0, errno.EBADF
	}
	entries, derr := rf.Node.Readdir()
	if derr != nil {
		return 0, derr
	}
	var out []byte
	for _, e := range entries {
		rec := append([]byte(e.Name), 0)
		out = append(out, rec...)
	}
	if uint64(len(out)) > bufLen {
		out = out[:bufLen]
	}
	if !p.VMAs.ValidateUserPtr(bufPtr, uint64(len(out)), vm.Write) {
		return 0, errno.EFAULT
	}
	if err := p.AddrSpace.WriteAt(bufPtr, out); err != nil {
		return 0, errno.EFAULT
	}
	return int64(len(out)), nil
}

func (k *Kernel) sysChdir(p *proc.PCB, pathPtr uint64) (int64, error) {
	clean, err := k.readPath(p, pathPtr)
	if err != nil {
		return 0, err
	}
	node, rerr := k.FS.Resolve(clean)
	if rerr != nil {
		return 0, rerr
	}
	if node.Kind() != vfs.KindDirectory {
		return 0, errno.ENOTDIR
	}
	p.Lock()
	p.Cwd = clean
	p.Unlock()
	return 0, nil
}

func (k *Kernel) sysGetcwd(p *proc.PCB, bufPtr, bufLen uint64) (int64, error) {
	p.Lock()
	cwd := p.Cwd
	p.Unlock()
	b := append([]byte(cwd), 0)
	if uint64(len(b)) > bufLen {
		return 0, errno.ERANGE
	}
	if !p.VMAs.ValidateUserPtr(bufPtr, uint64(len(b)), vm.Write) {
		return 0, errno.EFAULT
	}
	if err := p.AddrSpace.WriteAt(bufPtr, b); err != nil {
		return 0, errno.EFAULT
	}
	return int64(len(cwd)), nil
}

func (k *Kernel) sysPipe(p *proc.PCB, fdsPtr uint64) (int64, error) {
	pp := pipe.New(k.Sched)
	rfd, err := vfs.AllocFD(p, pp.Reader())
	if err != nil {
		return 0, err
	}
	wfd, err := vfs.AllocFD(p, pp.Writer())
	if err != nil {
		vfs.CloseFD(p, rfd)
		return 0, err
	}
	if !p.VMAs.ValidateUserPtr(fdsPtr, 16, vm.Write) {
		return 0, errno.EFAULT
	}
	var b [16]byte
	b[0] = byte(rfd)
	b[8] = byte(wfd)
	if err := p.AddrSpace.WriteAt(fdsPtr, b[:]); err != nil {
		return 0, errno.EFAULT
	}
	return 0, nil
}

func (k *Kernel) sysSignal(p *proc.PCB, signum int, handlerAddr uint64) (int64, error) {
	disp := signal.DispositionHandler
	if handlerAddr == 0 {
		disp = signal.DispositionDefault
	} else if handlerAddr == 1 {
		disp = signal.DispositionIgnore
	}
	p.Lock()
	defer p.Unlock()
	if !p.Signals.SetHandler(signum, signal.Handler{Disposition: disp, Addr: handlerAddr}) {
		return 0, errno.EINVAL
	}
	return 0, nil
}

func (k *Kernel) sysSigaction(p *proc.PCB, signum int, handlerAddr, maskAddend uint64) (int64, error) {
	p.Lock()
	defer p.Unlock()
	if !p.Signals.SetHandler(signum, signal.Handler{Disposition: signal.DispositionHandler, Addr: handlerAddr}) {
		return 0, errno.EINVAL
	}
	p.Signals.Mask |= maskAddend
	return 0, nil
}

// sysSigreturn restores the trap frame saved at handler-entry time, the
// second half of §4.5's delivery algorithm (rewriting happens in the trap
// package's dispatch loop; this undoes it).
func (k *Kernel) sysSigreturn(p *proc.PCB, tf *trapframe.TrapFrame) (int64, error) {
	p.Lock()
	defer p.Unlock()
	saved, ok := p.Signals.SavedFrame.(*trapframe.TrapFrame)
	if !ok || saved == nil {
		return 0, errno.EINVAL
	}
	*tf = *saved
	p.Signals.SavedFrame = nil
	return int64(tf.Reg(trapframe.RegA0)), nil
}

type mutexOp int

const (
	mutexLock mutexOp = iota
	mutexUnlock
)

func (k *Kernel) sysMutexCreate() int64 {
	h := k.allocHandle()
	k.objMu.Lock()
	k.mutexes[h] = ksync.NewMutex(k.Sched)
	k.objMu.Unlock()
	return int64(h)
}

func (k *Kernel) sysMutexOp(p *proc.PCB, handle uint64, op mutexOp) (int64, error) {
	k.objMu.Lock()
	m, ok := k.mutexes[int(handle)]
	k.objMu.Unlock()
	if !ok {
		return 0, errno.EINVAL
	}
	switch op {
	case mutexLock:
		m.Lock(p)
	case mutexUnlock:
		m.Unlock(p)
	}
	return 0, nil
}

type semOp int

const (
	semWait semOp = iota
	semSignal
)

func (k *Kernel) sysSemCreate(initial int) int64 {
	h := k.allocHandle()
	k.objMu.Lock()
	k.sems[h] = ksync.NewSemaphore(k.Sched, initial)
	k.objMu.Unlock()
	return int64(h)
}

func (k *Kernel) sysSemOp(p *proc.PCB, handle uint64, op semOp) (int64, error) {
	k.objMu.Lock()
	sem, ok := k.sems[int(handle)]
	k.objMu.Unlock()
	if !ok {
		return 0, errno.EINVAL
	}
	switch op {
	case semWait:
		sem.Wait(p)
	case semSignal:
		sem.Signal()
	}
	return 0, nil
}

func (k *Kernel) sysCondCreate() int64 {
	h := k.allocHandle()
	k.objMu.Lock()
	k.conds[h] = ksync.NewCondVar(k.Sched)
	k.objMu.Unlock()
	return int64(h)
}

func (k *Kernel) sysCondWait(p *proc.PCB, condHandle, mutexHandle uint64) (int64, error) {
	k.objMu.Lock()
	cv, ok1 := k.conds[int(condHandle)]
	m, ok2 := k.mutexes[int(mutexHandle)]
	k.objMu.Unlock()
	if !ok1 || !ok2 {
		return 0, errno.EINVAL
	}
	cv.Wait(p, m)
	return 0, nil
}

type condOp int

const (
	condSignal condOp = iota
	condBroadcast
)

func (k *Kernel) sysCondOp(handle uint64, op condOp) (int64, error) {
	k.objMu.Lock()
	cv, ok := k.conds[int(handle)]
	k.objMu.Unlock()
	if !ok {
		return 0, errno.EINVAL
	}
	switch op {
	case condSignal:
		cv.Signal()
	case condBroadcast:
		cv.Broadcast()
	}
	return 0, nil
}

type rwlockOp int

const (
	rwlockRead rwlockOp = iota
	rwlockWrite
)

func (k *Kernel) sysRWLockCreate() int64 {
	h := k.allocHandle()
	k.objMu.Lock()
	k.rwlocks[h] = ksync.NewRWLock(k.Sched)
	k.objMu.Unlock()
	return int64(h)
}

func (k *Kernel) sysRWLockOp(p *proc.PCB, handle uint64, op rwlockOp, unlock bool) (int64, error) {
	k.objMu.Lock()
	l, ok := k.rwlocks[int(handle)]
	k.objMu.Unlock()
	if !ok {
		return 0, errno.EINVAL
	}
	switch {
	case op == rwlockRead && !unlock:
		l.RLock(p)
	case op == rwlockRead && unlock:
		l.RUnlock(p)
	case op == rwlockWrite && !unlock:
		l.Lock(p)
	case op == rwlockWrite && unlock:
		l.Unlock(p)
	}
	return 0, nil
}

// handle is any of the four kernel-object map value types; sysObjDestroy
// is generic over them purely to avoid repeating the lock/delete boilerplate
// four times.
func (k *Kernel) sysObjDestroy(handle uint64, m any) (int64, error) {
	k.objMu.Lock()
	defer k.objMu.Unlock()
	switch mm := m.(type) {
	case map[int]*ksync.Mutex:
		delete(mm, int(handle))
	case map[int]*ksync.Semaphore:
		delete(mm, int(handle))
	case map[int]*ksync.CondVar:
		delete(mm, int(handle))
	case map[int]*ksync.RWLock:
		delete(mm, int(handle))
	default:
		return 0, errno.EINVAL
	}
	return 0, nil
}
