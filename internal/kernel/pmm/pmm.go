// Package pmm is the physical page allocator: a bitmap over the RAM range
// between the end of kernel image and the top of RAM, handing out
// page-granular frames. §2 "Physical page allocator".
//
// Grounded on the teacher's MemoryRegion (internal/hv/riscv/rv64/bus.go),
// which owns a flat []byte backing a guest's RAM; this package adds the
// free-list bookkeeping a kernel itself needs on top of a backing store
// like that one.
package pmm

import (
	"fmt"
	"sync"
)

const PageSize = 4096

// Allocator is a bitmap-backed page-frame allocator over [base, base+size).
type Allocator struct {
	mu     sync.Mutex
	base   uint64 // first managed physical page address
	pages  int
	free   []bool // free[i] == true means page i is available
	nfree  int
}

// New creates an allocator managing the page-aligned region
// [base, base+size). kernelEnd pages below base are assumed already
// reserved by the caller and are not part of the managed range.
func New(base, size uint64) (*Allocator, error) {
	if base%PageSize != 0 || size%PageSize != 0 {
		return nil, fmt.Errorf("pmm: base/size must be page-aligned (base=0x%x size=0x%x)", base, size)
	}
	pages := int(size / PageSize)
	a := &Allocator{
		base:  base,
		pages: pages,
		free:  make([]bool, pages),
		nfree: pages,
	}
	for i := range a.free {
		a.free[i] = true
	}
	return a, nil
}

// Alloc returns the physical address of one zeroed-by-convention free page,
// or an error if RAM is exhausted (§7 "no free page").
func (a *Allocator) Alloc() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.nfree == 0 {
		return 0, fmt.Errorf("pmm: out of physical pages")
	}
	for i, f := range a.free {
		if f {
			a.free[i] = false
			a.nfree--
			return a.base + uint64(i)*PageSize, nil
		}
	}
	return 0, fmt.Errorf("pmm: inconsistent free count")
}

// AllocN allocates n contiguous pages. Returns an error rather than
// partially allocating on failure.
func (a *Allocator) AllocN(n int) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 {
		return 0, fmt.Errorf("pmm: AllocN requires n > 0")
	}
	run := 0
	for i := 0; i < a.pages; i++ {
		if a.free[i] {
			run++
			if run == n {
				start := i - n + 1
				for j := start; j <= i; j++ {
					a.free[j] = false
				}
				a.nfree -= n
				return a.base + uint64(start)*PageSize, nil
			}
		} else {
			run = 0
		}
	}
	return 0, fmt.Errorf("pmm: no contiguous run of %d pages available", n)
}

// Free returns a previously allocated page to the pool.
func (a *Allocator) Free(paddr uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if paddr < a.base || (paddr-a.base)%PageSize != 0 {
		return fmt.Errorf("pmm: bad physical address 0x%x", paddr)
	}
	idx := int((paddr - a.base) / PageSize)
	if idx < 0 || idx >= a.pages {
		return fmt.Errorf("pmm: address 0x%x out of managed range", paddr)
	}
	if a.free[idx] {
		return fmt.Errorf("pmm: double free of page 0x%x", paddr)
	}
	a.free[idx] = true
	a.nfree++
	return nil
}

// FreeN frees n contiguous pages starting at paddr.
func (a *Allocator) FreeN(paddr uint64, n int) error {
	for i := 0; i < n; i++ {
		if err := a.Free(paddr + uint64(i)*PageSize); err != nil {
			return err
		}
	}
	return nil
}

// FreePages reports the number of currently free pages.
func (a *Allocator) FreePages() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nfree
}

// TotalPages reports the managed page count.
func (a *Allocator) TotalPages() int {
	return a.pages
}
