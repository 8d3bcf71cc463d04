package kern

import (
	"github.com/google/btree"

	"github.com/kahiteam/exofork/internal/mem"
)

// PageTable is the read-only view of an environment's mappings that every
// environment can consult without a system call. Entries are indexed by
// virtual page number; only the frame number and permission bits are
// exposed.
type PageTable interface {
	// Lookup returns the entry for vpn, or a zero entry if nothing is
	// mapped there. It fails with ErrInval if vpn is outside the address
	// space and ErrBadEnv if the environment is gone.
	Lookup(vpn mem.VPN) (mem.PTE, error)
	// Range calls fn for each mapped page in [lo, hi) in ascending order
	// until fn returns false. It iterates a copy, so fn may change the
	// mappings.
	Range(lo, hi mem.VPN, fn func(mem.VPN, mem.PTE) bool) error
}

type ptEntry struct {
	vpn mem.VPN
	pte mem.PTE
}

func ptLess(a, b ptEntry) bool {
	return a.vpn < b.vpn
}

// pageTable is the kernel's per-environment mapping index.
type pageTable struct {
	t *btree.BTreeG[ptEntry]
}

func newPageTable() *pageTable {
	return &pageTable{t: btree.NewG(16, ptLess)}
}

func (pt *pageTable) get(vpn mem.VPN) (mem.PTE, bool) {
	it, ok := pt.t.Get(ptEntry{vpn: vpn})
	return it.pte, ok
}

func (pt *pageTable) set(vpn mem.VPN, pte mem.PTE) {
	pt.t.ReplaceOrInsert(ptEntry{vpn: vpn, pte: pte})
}

func (pt *pageTable) remove(vpn mem.VPN) (mem.PTE, bool) {
	it, ok := pt.t.Delete(ptEntry{vpn: vpn})
	return it.pte, ok
}

func (pt *pageTable) ascend(lo, hi mem.VPN, fn func(mem.VPN, mem.PTE) bool) {
	pt.t.AscendRange(ptEntry{vpn: lo}, ptEntry{vpn: hi}, func(it ptEntry) bool {
		return fn(it.vpn, it.pte)
	})
}

func (pt *pageTable) all(fn func(mem.VPN, mem.PTE) bool) {
	pt.t.Ascend(func(it ptEntry) bool {
		return fn(it.vpn, it.pte)
	})
}

func (pt *pageTable) len() int {
	return pt.t.Len()
}

// vpt is the PageTable handed to user code.
type vpt struct {
	k  *Kernel
	id EnvID
}

func (v vpt) Lookup(vpn mem.VPN) (mem.PTE, error) {
	if !vpn.Valid() {
		return 0, ErrInval
	}
	v.k.mu.Lock()
	defer v.k.mu.Unlock()
	e, errno := v.k.lookup(v.id)
	if errno != 0 {
		return 0, errno
	}
	pte, _ := e.pgdir.get(vpn)
	return pte, nil
}

func (v vpt) Range(lo, hi mem.VPN, fn func(mem.VPN, mem.PTE) bool) error {
	if !lo.Valid() || hi > mem.NPAGES || lo > hi {
		return ErrInval
	}
	v.k.mu.Lock()
	e, errno := v.k.lookup(v.id)
	if errno != 0 {
		v.k.mu.Unlock()
		return errno
	}
	var ents []ptEntry
	e.pgdir.ascend(lo, hi, func(vpn mem.VPN, pte mem.PTE) bool {
		ents = append(ents, ptEntry{vpn, pte})
		return true
	})
	v.k.mu.Unlock()

	for _, it := range ents {
		if !fn(it.vpn, it.pte) {
			break
		}
	}
	return nil
}
