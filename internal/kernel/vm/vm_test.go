package vm

import (
	"testing"

	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/pmm"
)

func newTestSpace(t *testing.T) (*PageTable, *pmm.Allocator) {
	t.Helper()
	ram := NewRAM(0, 4*1024*1024)
	alloc, err := pmm.New(0, 4*1024*1024)
	if err != nil {
		t.Fatalf("pmm.New: %v", err)
	}
	kpt, err := NewKernelPageTable(ram, alloc)
	if err != nil {
		t.Fatalf("NewKernelPageTable: %v", err)
	}
	upt, err := NewUserPageTable(ram, alloc, kpt)
	if err != nil {
		t.Fatalf("NewUserPageTable: %v", err)
	}
	return upt, alloc
}

func TestMapTranslateUnmap(t *testing.T) {
	pt, alloc := newTestSpace(t)

	frame, err := alloc.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	vaddr := uint64(0x10000)
	if err := pt.Map(vaddr, frame, Read|Write|User); err != nil {
		t.Fatalf("Map: %v", err)
	}

	paddr, flags, err := pt.Translate(vaddr + 0x10)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if paddr != frame+0x10 {
		t.Fatalf("Translate returned 0x%x, want 0x%x", paddr, frame+0x10)
	}
	if flags&Read == 0 || flags&Write == 0 || flags&User == 0 {
		t.Fatalf("unexpected flags %v", flags)
	}

	if err := pt.Unmap(vaddr); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if _, _, err := pt.Translate(vaddr); err == nil {
		t.Fatalf("expected Translate to fail after Unmap")
	}
}

func TestVMANoOverlap(t *testing.T) {
	var l VMAList
	if err := l.Add(0x10000, 0x20000, Read|User); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := l.Add(0x18000, 0x28000, Read|User); err == nil {
		t.Fatalf("expected overlap rejection")
	}
	if err := l.Add(0x20000, 0x30000, Read|Write|User); err != nil {
		t.Fatalf("Add adjacent: %v", err)
	}
	all := l.All()
	if len(all) != 2 || all[0].Start != 0x10000 || all[1].Start != 0x20000 {
		t.Fatalf("unexpected VMA ordering: %+v", all)
	}
}

func TestValidateUserPtr(t *testing.T) {
	var l VMAList
	if err := l.Add(0x10000, 0x20000, Read|Write|User); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if !l.ValidateUserPtr(0x10000, 0x100, Read) {
		t.Fatalf("expected valid pointer to validate")
	}
	if l.ValidateUserPtr(0x10000, 0x100, Exec) {
		t.Fatalf("expected Exec-required validation to fail on a RW VMA")
	}
	if l.ValidateUserPtr(0x1FF00, 0x200, Read) {
		t.Fatalf("expected pointer spanning past VMA end to fail")
	}
	if l.ValidateUserPtr(KernelWindowBase, 8, Read) {
		t.Fatalf("expected kernel-window pointer to fail")
	}
}

func TestVMAListClone(t *testing.T) {
	var l VMAList
	l.Add(0x10000, 0x20000, Read|User)
	c := l.Clone()
	c.Remove(0x10000)
	if len(l.All()) != 1 {
		t.Fatalf("original list mutated by clone mutation")
	}
	if len(c.All()) != 0 {
		t.Fatalf("clone did not remove VMA")
	}
}
