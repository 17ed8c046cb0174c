// Package elf implements the ELF64 RISC-V exec loader. §2 "ELF exec
// loader", §4.3, §6 "ELF binary".
//
// Grounded on the teacher's own kernel-image ELF loader,
// internal/linux/boot/amd64/elf.go: parse with the stdlib debug/elf
// package rather than hand-rolling a header reader, walk only PT_LOAD
// program headers, reject a zero entry point and empty segment sets. The
// teacher loads an x86-64 Linux kernel image into guest physical memory;
// this package loads a RISC-V user ELF into a fresh Sv39 address space,
// so the machine/class/type checks and the mapping target differ, but the
// debug/elf-based validation shape is the same.
package elf

import (
	"bytes"
	"debug/elf"
	"fmt"

	"golang.org/x/mod/semver"

	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/errno"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/vm"
)

// MaxProgramHeaders bounds how many PT_LOAD headers a binary may declare.
// §6 "Up to ELF_MAX_PROGRAM_HEADERS program headers are honored".
const MaxProgramHeaders = 16

// StackSize is the fixed size of the mapped user stack, in bytes.
const StackSize = 256 * 1024

// StackTop is the highest user-space virtual address, one page below the
// kernel window so the stack VMA never crosses into it.
const StackTop = vm.KernelWindowBase - pageSize

const pageSize = 4096

// abiNoteName is the ELF note namespace this loader recognizes for an
// optional minimum-ABI-version gate; binaries without such a note are
// accepted unconditionally.
const abiNoteName = "thunderos"

// MinABIVersion is the lowest ABI note version this loader will execute.
// Binaries built against an older ABI are rejected with EINVAL rather than
// loaded and left to crash on a syscall number mismatch.
const MinABIVersion = "v1.0.0"

// Segment describes one mapped PT_LOAD range, page-aligned, for callers
// that need to install a VMA per segment rather than one VMA spanning the
// whole image. §8 "VMAs strictly reflect the ELF's PT_LOAD segments."
type Segment struct {
	Start uint64
	End   uint64
	Flags vm.Flags
}

// Image is the result of a successful load: the entry point and the
// initial stack pointer to install into the new process's trap frame.
type Image struct {
	Entry     uint64
	StackTop  uint64
	BrssEnd   uint64 // end of the highest PT_LOAD segment, rounded up; the initial heap start
	Segments  []Segment
}

// Load validates rawELF and maps its PT_LOAD segments plus a stack into
// pt, returning the entry point and initial stack layout. §4.3 "execve":
// "Validates RISC-V ELF64, maps segments with appropriate permissions,
// installs user stack with argv, rewrites the trap frame to jump to the
// entry point."
func Load(pt *vm.PageTable, alloc frameAllocator, rawELF []byte, argv []string) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(rawELF))
	if err != nil {
		return nil, errno.Wrap(fmt.Errorf("elf: parse: %w", err))
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, errno.EINVAL
	}
	if f.Data != elf.ELFDATA2LSB {
		return nil, errno.EINVAL
	}
	if f.Machine != elf.EM_RISCV {
		return nil, errno.EINVAL
	}
	if f.Type != elf.ET_EXEC {
		return nil, errno.EINVAL
	}
	if f.Entry == 0 {
		return nil, errno.EINVAL
	}

	if err := checkABINote(f); err != nil {
		return nil, err
	}

	var loads []elf.ProgHeader
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		loads = append(loads, prog.ProgHeader)
	}
	if len(loads) == 0 {
		return nil, errno.EINVAL
	}
	if len(loads) > MaxProgramHeaders {
		return nil, errno.EINVAL
	}

	var maxEnd uint64
	var segments []Segment
	for _, ph := range loads {
		if ph.Filesz > ph.Memsz {
			return nil, errno.EINVAL
		}
		flags := segmentFlags(ph.Flags)
		start := alignDown(ph.Vaddr)
		end := alignUp(ph.Vaddr + ph.Memsz)
		if end > StackTop {
			return nil, errno.EINVAL
		}
		segments = append(segments, Segment{Start: start, End: end, Flags: flags})

		data := make([]byte, ph.Filesz)
		if ph.Filesz > 0 {
			r, err := progReader(f, ph)
			if err != nil {
				return nil, errno.Wrap(err)
			}
			if _, err := r.ReadAt(data, 0); err != nil {
				return nil, errno.Wrap(fmt.Errorf("elf: read segment: %w", err))
			}
		}

		for vaddr := start; vaddr < end; vaddr += pageSize {
			frame, err := alloc.Alloc()
			if err != nil {
				return nil, errno.ENOMEM
			}
			if err := pt.Map(vaddr, frame, flags); err != nil {
				return nil, errno.Wrap(err)
			}
		}
		if err := writeSegment(pt, ph.Vaddr, data); err != nil {
			return nil, errno.Wrap(err)
		}
		if end > maxEnd {
			maxEnd = end
		}
	}

	stackBase := alignDown(StackTop - StackSize)
	for vaddr := stackBase; vaddr < StackTop; vaddr += pageSize {
		frame, err := alloc.Alloc()
		if err != nil {
			return nil, errno.ENOMEM
		}
		if err := pt.Map(vaddr, frame, vm.Read|vm.Write|vm.User); err != nil {
			return nil, errno.Wrap(err)
		}
	}

	sp, err := installArgv(pt, StackTop, argv)
	if err != nil {
		return nil, err
	}

	return &Image{Entry: f.Entry, StackTop: sp, BrssEnd: maxEnd, Segments: segments}, nil
}

// frameAllocator is the minimal physical-page source Load needs; satisfied
// by *pmm.Allocator. Declared locally to avoid importing pmm just for one
// method's type.
type frameAllocator interface {
	Alloc() (uint64, error)
}

func segmentFlags(f elf.ProgFlag) vm.Flags {
	var flags vm.Flags
	if f&elf.PF_R != 0 {
		flags |= vm.Read
	}
	if f&elf.PF_W != 0 {
		flags |= vm.Write
	}
	if f&elf.PF_X != 0 {
		flags |= vm.Exec
	}
	return flags | vm.User
}

func alignDown(v uint64) uint64 { return v &^ (pageSize - 1) }
func alignUp(v uint64) uint64   { return (v + pageSize - 1) &^ (pageSize - 1) }

func progReader(f *elf.File, ph elf.ProgHeader) (*elf.Prog, error) {
	for _, p := range f.Progs {
		if p.ProgHeader == ph {
			return p, nil
		}
	}
	return nil, fmt.Errorf("elf: program header not found")
}

func writeSegment(pt *vm.PageTable, vaddr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return pt.WriteAt(vaddr, data)
}

// installArgv writes argv (as NUL-terminated strings plus a pointer
// array, mirroring the standard Unix process-entry stack layout) just
// below top and returns the resulting stack pointer.
func installArgv(pt *vm.PageTable, top uint64, argv []string) (uint64, error) {
	sp := top
	ptrs := make([]uint64, len(argv))
	for i, s := range argv {
		b := append([]byte(s), 0)
		sp -= uint64(len(b))
		sp &^= 0x7
		if err := writeSegment(pt, sp, b); err != nil {
			return 0, errno.Wrap(err)
		}
		ptrs[i] = sp
	}

	// argv pointer array, NULL-terminated, then argc; padding goes above
	// the array so that the returned sp (pointing at argc) is 16-byte aligned.
	if (sp-8*uint64(len(ptrs)+2))%16 != 0 {
		sp -= 8
	}
	sp -= 8 // NULL terminator
	var zero [8]byte
	if err := writeSegment(pt, sp, zero[:]); err != nil {
		return 0, errno.Wrap(err)
	}
	for i := len(ptrs) - 1; i >= 0; i-- {
		sp -= 8
		var b [8]byte
		putUint64LE(b[:], ptrs[i])
		if err := writeSegment(pt, sp, b[:]); err != nil {
			return 0, errno.Wrap(err)
		}
	}
	sp -= 8
	var argc [8]byte
	putUint64LE(argc[:], uint64(len(argv)))
	if err := writeSegment(pt, sp, argc[:]); err != nil {
		return 0, errno.Wrap(err)
	}
	return sp, nil
}

func putUint64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// checkABINote looks for a `.note.thunderos` style note and rejects
// binaries declaring an ABI version below MinABIVersion. Binaries that
// carry no such note are accepted unconditionally — the gate is opt-in,
// matching spec.md's requirement that userland ABI compatibility turns
// only on the fixed syscall table (§6), never on note-section presence.
func checkABINote(f *elf.File) error {
	for _, s := range f.Sections {
		if s.Type != elf.SHT_NOTE {
			continue
		}
		notes, err := readNotes(s)
		if err != nil {
			continue
		}
		for _, n := range notes {
			if n.name != abiNoteName {
				continue
			}
			v := "v" + string(n.desc)
			if !semver.IsValid(v) {
				continue
			}
			if semver.Compare(v, MinABIVersion) < 0 {
				return errno.EINVAL
			}
		}
	}
	return nil
}

type elfNote struct {
	name string
	desc []byte
}

func readNotes(s *elf.Section) ([]elfNote, error) {
	data, err := s.Data()
	if err != nil {
		return nil, err
	}
	var notes []elfNote
	for len(data) >= 12 {
		nameSz := le32(data[0:4])
		descSz := le32(data[4:8])
		off := 12
		nameEnd := off + pad4(int(nameSz))
		if nameEnd > len(data) {
			break
		}
		name := string(bytes.TrimRight(data[off:off+int(nameSz)], "\x00"))
		descOff := nameEnd
		descEnd := descOff + pad4(int(descSz))
		if descEnd > len(data) {
			break
		}
		notes = append(notes, elfNote{name: name, desc: data[descOff : descOff+int(descSz)]})
		data = data[descEnd:]
	}
	return notes, nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func pad4(n int) int { return (n + 3) &^ 3 }
