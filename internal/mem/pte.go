package mem

import (
	"fmt"
	"strings"
)

// Perm is the set of permission and status bits of a page table entry.
type Perm uint32

// Hardware bits.
const (
	PTE_P   Perm = 1 << 0 // present
	PTE_W   Perm = 1 << 1 // writable
	PTE_U   Perm = 1 << 2 // user accessible
	PTE_PWT Perm = 1 << 3 // write-through
	PTE_PCD Perm = 1 << 4 // cache disable
	PTE_A   Perm = 1 << 5 // accessed
	PTE_D   Perm = 1 << 6 // dirty
	PTE_PS  Perm = 1 << 7 // large page
	PTE_G   Perm = 1 << 8 // global
)

// Bits the hardware ignores and user environments may assign meaning to.
const (
	PTE_SHARE Perm = 0x400 // map through on fork, never copy
	PTE_COW   Perm = 0x800 // copy-on-write
	PTE_AVAIL Perm = 0xe00
)

// PTE_SYSCALL is the set of bits a user environment may pass to the page
// mapping system calls.
const PTE_SYSCALL = PTE_AVAIL | PTE_P | PTE_W | PTE_U

const permMask = Perm(PGSIZE - 1)

// PTE is a page table entry: a frame number and permission bits.
type PTE uint64

// MkPTE builds an entry mapping f with perm.
func MkPTE(f Frame, perm Perm) PTE {
	return PTE(uint64(f)<<PGSHIFT | uint64(perm&permMask))
}

// Frame returns the physical frame the entry points to.
func (pte PTE) Frame() Frame {
	return Frame(pte >> PGSHIFT)
}

// Perm returns the permission bits of the entry.
func (pte PTE) Perm() Perm {
	return Perm(pte) & permMask
}

// Present reports whether the entry maps a frame.
func (pte PTE) Present() bool {
	return pte.HasFlags(PTE_P)
}

// HasFlags returns true if this entry has all the input flags set.
func (pte PTE) HasFlags(flags Perm) bool {
	return pte.Perm()&flags == flags
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte PTE) HasAnyFlag(flags Perm) bool {
	return pte.Perm()&flags != 0
}

// SetFlags returns a copy of the entry with flags set.
func (pte PTE) SetFlags(flags Perm) PTE {
	return MkPTE(pte.Frame(), pte.Perm()|flags)
}

// ClearFlags returns a copy of the entry with flags cleared.
func (pte PTE) ClearFlags(flags Perm) PTE {
	return MkPTE(pte.Frame(), pte.Perm()&^flags)
}

func (pte PTE) String() string {
	return fmt.Sprintf("frame %#x %s", uint64(pte.Frame()), pte.Perm())
}

var permNames = []struct {
	bit  Perm
	name string
}{
	{PTE_COW, "COW"},
	{PTE_SHARE, "SHARE"},
	{PTE_G, "G"},
	{PTE_PS, "PS"},
	{PTE_D, "D"},
	{PTE_A, "A"},
	{PTE_PCD, "PCD"},
	{PTE_PWT, "PWT"},
	{PTE_U, "U"},
	{PTE_W, "W"},
	{PTE_P, "P"},
}

// String renders the bits as e.g. "COW|U|P".
func (p Perm) String() string {
	if p == 0 {
		return "-"
	}
	var parts []string
	for _, n := range permNames {
		if p&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if rest := p &^ (PTE_COW | PTE_SHARE | 0x1ff); rest != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}
