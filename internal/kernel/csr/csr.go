// Package csr names the RISC-V supervisor CSRs, status/cause bits and the
// ecall instruction size this kernel's trap pipeline is built around.
// Trap-frame register indices live in package trapframe.
//
// The values mirror the encodings in the RISC-V privileged spec; the naming
// follows the style of the CSR constant block in a bare-metal RV64 CPU model
// (sstatus/sie/sepc/scause/stval/sip/satp), just restricted to the
// supervisor-mode subset this single-hart, S-mode-only kernel actually uses.
package csr

// Supervisor CSR addresses.
const (
	Sstatus uint16 = 0x100
	Sie     uint16 = 0x104
	Stvec   uint16 = 0x105
	Sscratch uint16 = 0x140
	Sepc    uint16 = 0x141
	Scause  uint16 = 0x142
	Stval   uint16 = 0x143
	Sip     uint16 = 0x144
	Satp    uint16 = 0x180
)

// sstatus bits relevant to a kernel that only ever runs in U/S mode.
const (
	StatusSIE  uint64 = 1 << 1 // supervisor interrupt enable
	StatusSPIE uint64 = 1 << 5 // supervisor previous interrupt enable
	StatusSPP  uint64 = 1 << 8 // supervisor previous privilege (0=U, 1=S)
)

// sip/sie bits.
const (
	IPSSIP uint64 = 1 << 1 // software interrupt pending
	IPSTIP uint64 = 1 << 5 // timer interrupt pending
	IPSEIP uint64 = 1 << 9 // external interrupt pending
)

// scause values. The high bit set means asynchronous interrupt; otherwise a
// synchronous exception. §4.1.
const (
	interruptBit uint64 = 1 << 63

	CauseInsnAddrMisaligned  uint64 = 0
	CauseInsnAccessFault     uint64 = 1
	CauseIllegalInsn         uint64 = 2
	CauseBreakpoint          uint64 = 3
	CauseLoadAddrMisaligned  uint64 = 4
	CauseLoadAccessFault     uint64 = 5
	CauseStoreAddrMisaligned uint64 = 6
	CauseStoreAccessFault    uint64 = 7
	CauseEcallFromU          uint64 = 8
	CauseEcallFromS          uint64 = 9
	CauseInsnPageFault       uint64 = 12
	CauseLoadPageFault       uint64 = 13
	CauseStorePageFault      uint64 = 15

	CauseSSoftwareInt uint64 = interruptBit | 1
	CauseSTimerInt    uint64 = interruptBit | 5
	CauseSExternalInt uint64 = interruptBit | 9
)

// IsInterrupt reports whether a scause value denotes an asynchronous
// interrupt rather than a synchronous exception. §4.1.
func IsInterrupt(cause uint64) bool {
	return cause&interruptBit != 0
}

// ExceptionCode strips the interrupt bit, leaving the bare cause code.
func ExceptionCode(cause uint64) uint64 {
	return cause &^ interruptBit
}

// EcallInsnSize is the byte size of the `ecall` instruction; on a
// syscall-path trap, sepc must be advanced by this much before return. §4.1.
const EcallInsnSize uint64 = 4

// NSIG is the number of signal numbers the signal subsystem tracks. §4.5.
const NSIG = 32
