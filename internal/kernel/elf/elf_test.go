package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/pmm"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/vm"
)

// buildMinimalRISCV64 hand-assembles a minimal valid ET_EXEC RISC-V64
// binary with one PT_LOAD segment, for loader tests that should not
// depend on a real toolchain-produced binary.
func buildMinimalRISCV64(t *testing.T, entry, vaddr uint64, code []byte) []byte {
	t.Helper()
	const ehsize = 64
	const phsize = 56

	var buf bytes.Buffer
	// ELF identification.
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	buf.Write(make([]byte, 8)) // padding

	writeU16 := func(v uint16) { binary.Write(&buf, binary.LittleEndian, v) }
	writeU32 := func(v uint32) { binary.Write(&buf, binary.LittleEndian, v) }
	writeU64 := func(v uint64) { binary.Write(&buf, binary.LittleEndian, v) }

	writeU16(uint16(elf.ET_EXEC))
	writeU16(uint16(elf.EM_RISCV))
	writeU32(1) // version
	writeU64(entry)
	writeU64(ehsize)  // phoff
	writeU64(0)       // shoff
	writeU32(0)       // flags
	writeU16(ehsize)
	writeU16(phsize)
	writeU16(1) // phnum
	writeU16(0)
	writeU16(0)
	writeU16(0)

	dataOff := uint64(ehsize + phsize)
	writeU32(uint32(elf.PT_LOAD))
	writeU32(uint32(elf.PF_R | elf.PF_X))
	writeU64(dataOff)
	writeU64(vaddr)
	writeU64(vaddr)
	writeU64(uint64(len(code)))
	writeU64(uint64(len(code)))
	writeU64(pageSize)

	buf.Write(code)
	return buf.Bytes()
}

func newTestSpace(t *testing.T) (*vm.PageTable, *pmm.Allocator) {
	t.Helper()
	ram := vm.NewRAM(0, 8*1024*1024)
	alloc, err := pmm.New(0, 8*1024*1024)
	if err != nil {
		t.Fatalf("pmm.New: %v", err)
	}
	kpt, err := vm.NewKernelPageTable(ram, alloc)
	if err != nil {
		t.Fatalf("NewKernelPageTable: %v", err)
	}
	upt, err := vm.NewUserPageTable(ram, alloc, kpt)
	if err != nil {
		t.Fatalf("NewUserPageTable: %v", err)
	}
	return upt, alloc
}

func TestLoadValidBinary(t *testing.T) {
	pt, alloc := newTestSpace(t)
	code := []byte{0x13, 0x00, 0x00, 0x00} // nop-ish filler, content irrelevant to the loader
	raw := buildMinimalRISCV64(t, 0x10000, 0x10000, code)

	img, err := Load(pt, alloc, raw, []string{"init"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if img.Entry != 0x10000 {
		t.Fatalf("Entry = 0x%x, want 0x10000", img.Entry)
	}
	if img.StackTop == 0 || img.StackTop >= StackTop {
		t.Fatalf("unexpected StackTop 0x%x", img.StackTop)
	}
	if len(img.Segments) != 1 {
		t.Fatalf("Segments = %v, want exactly one PT_LOAD segment", img.Segments)
	}
	if seg := img.Segments[0]; seg.Start != 0x10000 || seg.Flags&vm.Exec == 0 || seg.Flags&vm.Write != 0 {
		t.Fatalf("Segments[0] = %+v, want start 0x10000, exec, no write", seg)
	}

	paddr, flags, err := pt.Translate(0x10000)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if flags&vm.Exec == 0 || flags&vm.User == 0 {
		t.Fatalf("expected exec+user flags, got %v", flags)
	}
	_ = paddr
}

func TestLoadRejectsWrongMachine(t *testing.T) {
	pt, alloc := newTestSpace(t)
	raw := buildMinimalRISCV64(t, 0x10000, 0x10000, []byte{0, 0, 0, 0})
	raw[18] = byte(elf.EM_X86_64)
	raw[19] = byte(elf.EM_X86_64 >> 8)

	if _, err := Load(pt, alloc, raw, nil); err == nil {
		t.Fatalf("expected rejection of non-RISC-V machine")
	}
}

func TestLoadRejectsZeroEntry(t *testing.T) {
	pt, alloc := newTestSpace(t)
	raw := buildMinimalRISCV64(t, 0, 0x10000, []byte{0, 0, 0, 0})
	if _, err := Load(pt, alloc, raw, nil); err == nil {
		t.Fatalf("expected rejection of zero entry point")
	}
}
