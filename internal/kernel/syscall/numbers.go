// Package syscall implements the table-dispatched syscall surface. §2
// "Syscall surface", §4.8, §6 "System-call numbering".
//
// Grounded on the teacher's syscall-number lookup table
// (internal/linux/syscallnum/lookup.go): a logical syscall identifier
// mapped through a table to a numeric value, rather than a giant switch on
// raw integers scattered through the dispatcher. Here the numbers are
// fixed by spec.md §6 directly (userland ABI compatibility requires the
// exact values), so the table is the reverse of the teacher's — number to
// logical name — but the one-table-one-source-of-truth shape is the same.
package syscall

// Number is the fixed ABI numbering from spec.md §6. "Userland ABI
// compatibility requires these exact values."
const (
	SysExit     = 0
	SysWrite    = 1
	SysRead     = 2
	SysGetpid   = 3
	SysGetppid  = 4
	SysSleep    = 5
	SysYield    = 6
	SysFork     = 7
	SysKill     = 8
	SysWait     = 9
	SysWaitpid  = 10
	SysSbrk     = 11
	SysBrk      = 12
	SysOpen     = 13
	SysClose    = 14
	SysLseek    = 15
	SysStat     = 16
	SysMkdir    = 17
	SysUnlink   = 18
	SysRmdir    = 19
	SysExecve   = 20
	SysSignal   = 21
	SysSigactn  = 22
	SysSigretn  = 23
	SysMmap     = 24
	SysMunmap   = 25
	SysPipe     = 26
	SysGetdents = 27
	SysChdir    = 28
	SysGetcwd   = 29

	SysDup2 = 35

	SysMutexCreate   = 46
	SysMutexLock     = 47
	SysMutexUnlock   = 48
	SysMutexDestroy  = 49
	SysSemCreate     = 50
	SysSemWait       = 51
	SysSemSignal     = 52
	SysSemDestroy    = 53
	SysCondCreate    = 54
	SysCondWait      = 55
	SysCondSignal    = 56
	SysCondBroadcast = 57
	SysCondDestroy   = 58
	SysRWLockCreate  = 59
	SysRWLockRead    = 60
	SysRWLockWrite   = 61

	SysPoweroff = 200
	SysReboot   = 201
)

// Name maps a syscall number back to its mnemonic, for diagnostics. No
// code in this repository calls it: the trap pipeline prints nothing and
// kmonitor does not show syscall names.
func Name(n int64) string {
	if name, ok := names[n]; ok {
		return name
	}
	return "unknown"
}

var names = map[int64]string{
	SysExit:     "exit",
	SysWrite:    "write",
	SysRead:     "read",
	SysGetpid:   "getpid",
	SysGetppid:  "getppid",
	SysSleep:    "sleep",
	SysYield:    "yield",
	SysFork:     "fork",
	SysKill:     "kill",
	SysWait:     "wait",
	SysWaitpid:  "waitpid",
	SysSbrk:     "sbrk",
	SysBrk:      "brk",
	SysOpen:     "open",
	SysClose:    "close",
	SysLseek:    "lseek",
	SysStat:     "stat",
	SysMkdir:    "mkdir",
	SysUnlink:   "unlink",
	SysRmdir:    "rmdir",
	SysExecve:   "execve",
	SysSignal:   "signal",
	SysSigactn:  "sigaction",
	SysSigretn:  "sigreturn",
	SysMmap:     "mmap",
	SysMunmap:   "munmap",
	SysPipe:     "pipe",
	SysGetdents: "getdents",
	SysChdir:    "chdir",
	SysGetcwd:   "getcwd",

	SysDup2: "dup2",

	SysMutexCreate:   "mutex_create",
	SysMutexLock:     "mutex_lock",
	SysMutexUnlock:   "mutex_unlock",
	SysMutexDestroy:  "mutex_destroy",
	SysSemCreate:     "sem_create",
	SysSemWait:       "sem_wait",
	SysSemSignal:     "sem_signal",
	SysSemDestroy:    "sem_destroy",
	SysCondCreate:    "cond_create",
	SysCondWait:      "cond_wait",
	SysCondSignal:    "cond_signal",
	SysCondBroadcast: "cond_broadcast",
	SysCondDestroy:   "cond_destroy",
	SysRWLockCreate:  "rwlock_create",
	SysRWLockRead:    "rwlock_read",
	SysRWLockWrite:   "rwlock_write",

	SysPoweroff: "poweroff",
	SysReboot:   "reboot",
}
