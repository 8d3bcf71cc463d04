// Package mem describes the user address space layout, page table entries,
// and the physical frame pool of the simulated machine.
package mem

import "fmt"

// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

// PGSIZE is the size of a single page in bytes.
const PGSIZE = 1 << PGSHIFT

// PTSIZE is the number of bytes mapped by one page table page.
const PTSIZE = 1024 * PGSIZE

// NPAGES is the number of virtual pages in an address space.
const NPAGES = 1 << (32 - PGSHIFT)

// User address space layout. Everything below UTOP belongs to the
// environment; the exception stack is the page just under UXSTACKTOP, the
// normal stack grows down from USTACKTOP with an empty guard page between
// the two.
const (
	UVPT       uintptr = 0xef400000
	UTOP       uintptr = 0xeec00000
	UXSTACKTOP uintptr = UTOP
	USTACKTOP  uintptr = UTOP - 2*PGSIZE
	UTEXT      uintptr = 2 * PTSIZE
	UTEMP      uintptr = UTEXT
	// PFTEMP is the scratch address the copy-on-write fault handler stages
	// private copies at.
	PFTEMP uintptr = UTEMP + PTSIZE - PGSIZE
)

// VPN is a virtual page number.
type VPN uint32

// PGNUM returns the virtual page number containing va.
func PGNUM(va uintptr) VPN {
	return VPN(va >> PGSHIFT)
}

// Addr returns the first address of the page.
func (pn VPN) Addr() uintptr {
	return uintptr(pn) << PGSHIFT
}

// Valid reports whether pn lies inside the 32-bit address space.
func (pn VPN) Valid() bool {
	return pn < NPAGES
}

func (pn VPN) String() string {
	return fmt.Sprintf("%05x", uint32(pn))
}

// RoundDown rounds va down to a page boundary.
func RoundDown(va uintptr) uintptr {
	return va &^ (PGSIZE - 1)
}

// RoundUp rounds va up to a page boundary.
func RoundUp(va uintptr) uintptr {
	return RoundDown(va + PGSIZE - 1)
}

// Aligned reports whether va is page aligned.
func Aligned(va uintptr) bool {
	return va&(PGSIZE-1) == 0
}
