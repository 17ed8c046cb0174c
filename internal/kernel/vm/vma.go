package vm

import (
	"fmt"
	"sort"
)

// VMA is a contiguous virtual-memory range with uniform permissions. §3.
// end is exclusive and page-aligned.
type VMA struct {
	Start uint64
	End   uint64
	Flags Flags
}

func (v VMA) Len() uint64 { return v.End - v.Start }

func (v VMA) contains(addr uint64) bool { return addr >= v.Start && addr < v.End }

func (v VMA) overlaps(o VMA) bool { return v.Start < o.End && o.Start < v.End }

// VMAList is a process's ordered, non-overlapping set of VMAs. §4.4.
type VMAList struct {
	list []VMA
}

// Add inserts a new VMA, refusing overlap and keeping the list sorted by
// Start, maintaining the §8 invariant "VMAs of a process are pairwise
// non-overlapping and sorted."
func (l *VMAList) Add(start, end uint64, flags Flags) error {
	if start >= end || start%PageSize != 0 || end%PageSize != 0 {
		return fmt.Errorf("vm: invalid VMA range [0x%x, 0x%x)", start, end)
	}
	if end > KernelWindowBase {
		return fmt.Errorf("vm: VMA [0x%x, 0x%x) crosses into the kernel window", start, end)
	}
	nv := VMA{Start: start, End: end, Flags: flags}
	for _, existing := range l.list {
		if existing.overlaps(nv) {
			return fmt.Errorf("vm: VMA [0x%x, 0x%x) overlaps existing [0x%x, 0x%x)", start, end, existing.Start, existing.End)
		}
	}
	l.list = append(l.list, nv)
	sort.Slice(l.list, func(i, j int) bool { return l.list[i].Start < l.list[j].Start })
	return nil
}

// Find returns the VMA containing addr, if any.
func (l *VMAList) Find(addr uint64) (VMA, bool) {
	for _, v := range l.list {
		if v.contains(addr) {
			return v, true
		}
	}
	return VMA{}, false
}

// Remove unlinks the VMA with the given start address.
func (l *VMAList) Remove(start uint64) bool {
	for i, v := range l.list {
		if v.Start == start {
			l.list = append(l.list[:i], l.list[i+1:]...)
			return true
		}
	}
	return false
}

// Replace atomically swaps start's extent, used by sbrk to grow/shrink the
// heap VMA in place without disturbing ordering invariants.
func (l *VMAList) Replace(start, newEnd uint64) error {
	for i, v := range l.list {
		if v.Start == start {
			nv := VMA{Start: v.Start, End: newEnd, Flags: v.Flags}
			if newEnd > KernelWindowBase {
				return fmt.Errorf("vm: heap growth would cross into the kernel window")
			}
			for j, other := range l.list {
				if j != i && other.overlaps(nv) {
					return fmt.Errorf("vm: heap growth collides with VMA [0x%x, 0x%x)", other.Start, other.End)
				}
			}
			l.list[i] = nv
			return nil
		}
	}
	return fmt.Errorf("vm: no VMA at 0x%x", start)
}

// All returns a copy of the VMA list, in ascending Start order.
func (l *VMAList) All() []VMA {
	out := make([]VMA, len(l.list))
	copy(out, l.list)
	return out
}

// Clone deep-copies the list, used by fork (§4.3: "structurally identical
// VMA lists").
func (l *VMAList) Clone() *VMAList {
	c := &VMAList{list: make([]VMA, len(l.list))}
	copy(c.list, l.list)
	return c
}

// ValidateUserPtr returns true iff [ptr, ptr+len) lies within a single user
// VMA whose flags include required|User and lies below the kernel window.
// Every syscall dereferencing a user pointer must call this first. §4.4,
// §8 "Dereferencing an unmapped or wrongly-permissioned user pointer... FAULT".
func (l *VMAList) ValidateUserPtr(ptr, length uint64, required Flags) bool {
	if length == 0 {
		return true
	}
	end := ptr + length
	if end < ptr || end > KernelWindowBase {
		return false
	}
	v, ok := l.Find(ptr)
	if !ok {
		return false
	}
	if end > v.End {
		return false
	}
	want := required | User
	return v.Flags&want == want
}
