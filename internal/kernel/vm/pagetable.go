package vm

import (
	"fmt"

	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/pmm"
)

// PTE flag bits, named after the teacher's MMU constants
// (internal/hv/riscv/rv64/mmu.go: PteV/PteR/PteW/PteX/PteU/PteG/PteA/PteD).
const (
	PteV uint64 = 1 << 0 // valid
	PteR uint64 = 1 << 1 // readable
	PteW uint64 = 1 << 2 // writable
	PteX uint64 = 1 << 3 // executable
	PteU uint64 = 1 << 4 // user accessible
	PteG uint64 = 1 << 5 // global
	PteA uint64 = 1 << 6 // accessed
	PteD uint64 = 1 << 7 // dirty

	PageSize  = 4096
	pageShift = 12
	vpnBits   = 9
	vpnMask   = (1 << vpnBits) - 1
	ppnShift  = 10
)

// Flags is the subset of {Read, Write, Exec, User} a VMA or mapping may
// carry. §3 "VMA".
type Flags uint8

const (
	Read Flags = 1 << iota
	Write
	Exec
	User
)

func (f Flags) pte() uint64 {
	var p uint64
	if f&Read != 0 {
		p |= PteR
	}
	if f&Write != 0 {
		p |= PteW
	}
	if f&Exec != 0 {
		p |= PteX
	}
	if f&User != 0 {
		p |= PteU
	}
	return p
}

// KernelWindowBase is the first virtual address of the shared kernel
// window; every address space's page table mirrors the kernel root's
// mapping at and above this address by sharing the same second-level table
// physical address, so no per-process copy of kernel mappings is ever
// needed. §3, §4.4.
const KernelWindowBase uint64 = 1 << 38 // top of the Sv39 top-level index range used for kernel space

// topIndex returns the VPN[2] (top-level) index for vaddr.
func topIndex(vaddr uint64) uint64 {
	return (vaddr >> (pageShift + 2*vpnBits)) & vpnMask
}

// KernelTopIndex is the fixed top-level index the kernel window lives at;
// every address space's root table entry at this index points at the same
// shared second-level table.
var KernelTopIndex = topIndex(KernelWindowBase)

// PageTable is an Sv39 three-level radix tree over a PhysMem. §3
// "Page table (Sv39)".
type PageTable struct {
	mem  PhysMem
	pmm  *pmm.Allocator
	Root uint64 // physical address of the top-level table

	// kernelSecondLevel is the physical address of the shared
	// second-level table backing the kernel window, set once by
	// NewKernelPageTable and copied into every user root by Fork/New.
	kernelSecondLevel uint64
}

// NewKernelPageTable allocates the root kernel page table. Every later
// per-process table shares its upper-half entry, per §3's kernel-window
// invariant.
func NewKernelPageTable(mem PhysMem, alloc *pmm.Allocator) (*PageTable, error) {
	root, err := alloc.Alloc()
	if err != nil {
		return nil, err
	}
	if err := mem.WritePage(root, make([]byte, PageSize)); err != nil {
		return nil, err
	}
	second, err := alloc.Alloc()
	if err != nil {
		return nil, err
	}
	if err := mem.WritePage(second, make([]byte, PageSize)); err != nil {
		return nil, err
	}
	pt := &PageTable{mem: mem, pmm: alloc, Root: root, kernelSecondLevel: second}
	if err := pt.setEntry(root, KernelTopIndex, second, PteV); err != nil {
		return nil, err
	}
	return pt, nil
}

// NewUserPageTable allocates a fresh root table for a user process and
// installs the shared kernel-window entry from kernelPT.
func NewUserPageTable(mem PhysMem, alloc *pmm.Allocator, kernelPT *PageTable) (*PageTable, error) {
	root, err := alloc.Alloc()
	if err != nil {
		return nil, err
	}
	if err := mem.WritePage(root, make([]byte, PageSize)); err != nil {
		return nil, err
	}
	pt := &PageTable{mem: mem, pmm: alloc, Root: root, kernelSecondLevel: kernelPT.kernelSecondLevel}
	if err := pt.setEntry(root, KernelTopIndex, kernelPT.kernelSecondLevel, PteV); err != nil {
		return nil, err
	}
	return pt, nil
}

func (pt *PageTable) entry(table uint64, idx uint64) (uint64, error) {
	return pt.mem.ReadU64(table + idx*8)
}

func (pt *PageTable) setEntry(table uint64, idx uint64, ppnAddr uint64, flags uint64) error {
	pte := ((ppnAddr >> pageShift) << ppnShift) | flags
	return pt.mem.WriteU64(table+idx*8, pte)
}

// Map installs a vaddr -> paddr translation with the given permissions,
// allocating intermediate levels on demand. §4.4.
func (pt *PageTable) Map(vaddr, paddr uint64, flags Flags) error {
	if vaddr%PageSize != 0 || paddr%PageSize != 0 {
		return fmt.Errorf("vm: Map requires page-aligned addresses (v=0x%x p=0x%x)", vaddr, paddr)
	}
	l2 := topIndex(vaddr)
	l1 := (vaddr >> (pageShift + vpnBits)) & vpnMask
	l0 := (vaddr >> pageShift) & vpnMask

	secondLevel, err := pt.descend(pt.Root, l2)
	if err != nil {
		return err
	}
	thirdLevel, err := pt.descend(secondLevel, l1)
	if err != nil {
		return err
	}
	return pt.setEntry(thirdLevel, l0, paddr, flags.pte()|PteV|PteA|PteD)
}

// descend reads table[idx]; if absent, allocates a fresh next-level table
// and installs it as a non-leaf (V only) entry, returning its address.
func (pt *PageTable) descend(table uint64, idx uint64) (uint64, error) {
	pte, err := pt.entry(table, idx)
	if err != nil {
		return 0, err
	}
	if pte&PteV != 0 {
		return (pte >> ppnShift) << pageShift, nil
	}
	next, err := pt.pmm.Alloc()
	if err != nil {
		return 0, err
	}
	if err := pt.mem.WritePage(next, make([]byte, PageSize)); err != nil {
		return 0, err
	}
	if err := pt.setEntry(table, idx, next, PteV); err != nil {
		return 0, err
	}
	return next, nil
}

// Unmap zeros the leaf entry for vaddr and recursively frees any
// intermediate table left with no valid entries. §4.4.
func (pt *PageTable) Unmap(vaddr uint64) error {
	l2 := topIndex(vaddr)
	l1 := (vaddr >> (pageShift + vpnBits)) & vpnMask
	l0 := (vaddr >> pageShift) & vpnMask

	secondPte, err := pt.entry(pt.Root, l2)
	if err != nil || secondPte&PteV == 0 {
		return nil
	}
	secondLevel := (secondPte >> ppnShift) << pageShift

	thirdPte, err := pt.entry(secondLevel, l1)
	if err != nil || thirdPte&PteV == 0 {
		return nil
	}
	thirdLevel := (thirdPte >> ppnShift) << pageShift

	if err := pt.mem.WriteU64(thirdLevel+l0*8, 0); err != nil {
		return err
	}

	if pt.tableEmpty(thirdLevel) && secondLevel != pt.kernelSecondLevel {
		if err := pt.mem.WriteU64(secondLevel+l1*8, 0); err == nil {
			pt.pmm.Free(thirdLevel)
			if pt.tableEmpty(secondLevel) {
				if err := pt.mem.WriteU64(pt.Root+l2*8, 0); err == nil {
					pt.pmm.Free(secondLevel)
				}
			}
		}
	}
	return nil
}

func (pt *PageTable) tableEmpty(table uint64) bool {
	page, err := pt.mem.ReadPage(table)
	if err != nil {
		return false
	}
	for i := 0; i < PageSize; i += 8 {
		var v uint64
		for b := 0; b < 8; b++ {
			v |= uint64(page[i+b]) << (8 * b)
		}
		if v&PteV != 0 {
			return false
		}
	}
	return true
}

// Translate walks the table for vaddr, returning the physical address and
// the permission flags the leaf PTE carries, or an error if unmapped.
func (pt *PageTable) Translate(vaddr uint64) (uint64, Flags, error) {
	l2 := topIndex(vaddr)
	l1 := (vaddr >> (pageShift + vpnBits)) & vpnMask
	l0 := (vaddr >> pageShift) & vpnMask
	off := vaddr & (PageSize - 1)

	secondPte, err := pt.entry(pt.Root, l2)
	if err != nil || secondPte&PteV == 0 {
		return 0, 0, fmt.Errorf("vm: unmapped address 0x%x", vaddr)
	}
	secondLevel := (secondPte >> ppnShift) << pageShift

	thirdPte, err := pt.entry(secondLevel, l1)
	if err != nil || thirdPte&PteV == 0 {
		return 0, 0, fmt.Errorf("vm: unmapped address 0x%x", vaddr)
	}
	thirdLevel := (thirdPte >> ppnShift) << pageShift

	leaf, err := pt.entry(thirdLevel, l0)
	if err != nil || leaf&PteV == 0 {
		return 0, 0, fmt.Errorf("vm: unmapped address 0x%x", vaddr)
	}

	paddr := ((leaf >> ppnShift) << pageShift) | off
	var f Flags
	if leaf&PteR != 0 {
		f |= Read
	}
	if leaf&PteW != 0 {
		f |= Write
	}
	if leaf&PteX != 0 {
		f |= Exec
	}
	if leaf&PteU != 0 {
		f |= User
	}
	return paddr, f, nil
}

// WriteAt writes data into the mapped region starting at vaddr, which need
// not be page-aligned; used by the ELF loader to place segment contents
// and the initial argv stack frame. Every touched page must already be
// mapped (via Map).
func (pt *PageTable) WriteAt(vaddr uint64, data []byte) error {
	written := 0
	for written < len(data) {
		cur := vaddr + uint64(written)
		pageBase := cur &^ (PageSize - 1)
		offInPage := int(cur - pageBase)
		n := PageSize - offInPage
		if n > len(data)-written {
			n = len(data) - written
		}
		paddr, _, err := pt.Translate(pageBase)
		if err != nil {
			return err
		}
		page, err := pt.mem.ReadPage(paddr)
		if err != nil {
			return err
		}
		copy(page[offInPage:offInPage+n], data[written:written+n])
		if err := pt.mem.WritePage(paddr, page); err != nil {
			return err
		}
		written += n
	}
	return nil
}

// ReadAt reads len(buf) bytes starting at vaddr into buf, the mirror of
// WriteAt; used to copy syscall arguments (buffers, path strings) out of
// user memory. Every touched page must already be mapped.
func (pt *PageTable) ReadAt(vaddr uint64, buf []byte) error {
	read := 0
	for read < len(buf) {
		cur := vaddr + uint64(read)
		pageBase := cur &^ (PageSize - 1)
		offInPage := int(cur - pageBase)
		n := PageSize - offInPage
		if n > len(buf)-read {
			n = len(buf) - read
		}
		paddr, _, err := pt.Translate(pageBase)
		if err != nil {
			return err
		}
		page, err := pt.mem.ReadPage(paddr)
		if err != nil {
			return err
		}
		copy(buf[read:read+n], page[offInPage:offInPage+n])
		read += n
	}
	return nil
}

// ReadCString reads a NUL-terminated string starting at vaddr, up to
// maxLen bytes, used for path-argument syscalls. Returns an error if no
// NUL byte is found within the bound.
func (pt *PageTable) ReadCString(vaddr uint64, maxLen int) (string, error) {
	buf := make([]byte, 0, 64)
	var b [1]byte
	for i := 0; i < maxLen; i++ {
		if err := pt.ReadAt(vaddr+uint64(i), b[:]); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(buf), nil
		}
		buf = append(buf, b[0])
	}
	return "", fmt.Errorf("vm: ReadCString exceeded maxLen %d", maxLen)
}

// CloneRange maps [start,end) (page-aligned) in pt with freshly allocated
// frames and copies their contents from src, used by fork's eager full
// copy (§4.3, Non-goals: "copy-on-write fork; fork performs an eager full
// copy"). start and end must be page-aligned.
func (pt *PageTable) CloneRange(src *PageTable, start, end uint64, flags Flags) error {
	for vaddr := start; vaddr < end; vaddr += PageSize {
		srcPaddr, _, err := src.Translate(vaddr)
		if err != nil {
			return err
		}
		page, err := src.mem.ReadPage(srcPaddr)
		if err != nil {
			return err
		}
		frame, err := pt.pmm.Alloc()
		if err != nil {
			return err
		}
		if err := pt.mem.WritePage(frame, page); err != nil {
			return err
		}
		if err := pt.Map(vaddr, frame, flags); err != nil {
			return err
		}
	}
	return nil
}

// Satp returns the value to program into the address-translation CSR to
// activate this table (Sv39 mode, ASID 0). §4.4 switch_to.
func (pt *PageTable) Satp() uint64 {
	const satpModeSv39 = 8
	return (satpModeSv39 << 60) | (pt.Root >> pageShift)
}
