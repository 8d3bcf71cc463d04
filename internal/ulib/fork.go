package ulib

import (
	"fmt"

	"github.com/kahiteam/exofork/internal/kern"
	"github.com/kahiteam/exofork/internal/mem"
)

const (
	permRW  = mem.PTE_P | mem.PTE_U | mem.PTE_W
	permCOW = mem.PTE_P | mem.PTE_U | mem.PTE_COW
)

// ErrSforkUnimplemented is returned by every call to Sfork.
var ErrSforkUnimplemented = fmt.Errorf("sfork not implemented: %w", kern.ErrInval)

// pgfault resolves a write to a copy-on-write page by giving the faulting
// environment a private writable copy of it.
func pgfault(e *Env, utf *kern.UTrapframe) error {
	sys := e.sys
	pte, err := sys.VPT(0).Lookup(utf.Page())
	if err != nil {
		return Panicf("pgfault: va %#08x: %w", utf.FaultVA, err)
	}
	if !utf.IsWrite() || !pte.HasFlags(mem.PTE_P|mem.PTE_COW) {
		return Panicf("pgfault: va %#08x: not a write to a copy-on-write page (%v, pte %v)",
			utf.FaultVA, utf, pte)
	}

	va := mem.RoundDown(utf.FaultVA)
	if err := sys.PageAlloc(0, mem.PFTEMP, permRW); err != nil {
		return Panicf("pgfault: va %#08x: %w", utf.FaultVA, err)
	}
	buf := make([]byte, mem.PGSIZE)
	if err := sys.Load(va, buf); err != nil {
		return Panicf("pgfault: va %#08x: %w", utf.FaultVA, err)
	}
	if err := sys.Store(mem.PFTEMP, buf); err != nil {
		return Panicf("pgfault: va %#08x: %w", utf.FaultVA, err)
	}
	if err := sys.PageMap(0, mem.PFTEMP, 0, va, permRW); err != nil {
		return Panicf("pgfault: va %#08x: %w", utf.FaultVA, err)
	}
	if err := sys.PageUnmap(0, mem.PFTEMP); err != nil {
		return Panicf("pgfault: va %#08x: %w", utf.FaultVA, err)
	}
	return nil
}

// duppage maps page pn of the calling environment into envid at the same
// address. Shared pages keep their permissions, writable and copy-on-write
// pages become copy-on-write in both environments, and read-only pages
// are mapped through unchanged.
func (e *Env) duppage(envid kern.EnvID, pn mem.VPN) error {
	sys := e.sys
	va := pn.Addr()
	pte, err := sys.VPT(0).Lookup(pn)
	if err != nil {
		return err
	}
	if !pte.Present() {
		return fmt.Errorf("page %s not present", pn)
	}
	perm := pte.Perm() & mem.PTE_SYSCALL

	switch {
	case pte.HasFlags(mem.PTE_SHARE):
		return sys.PageMap(0, va, envid, va, perm)
	case pte.HasAnyFlag(mem.PTE_W | mem.PTE_COW):
		if err := sys.PageMap(0, va, envid, va, permCOW); err != nil {
			return err
		}
		// The call above may have faulted on this page and left our own
		// mapping writable.
		return sys.PageMap(0, va, 0, va, permCOW)
	default:
		return sys.PageMap(0, va, envid, va, perm)
	}
}

// Fork creates a child environment whose address space is a copy-on-write
// clone of the caller's. The parent gets the child's id. The child resumes
// inside Fork with its own copy of the library state, repairs its self
// handle, and runs child with ForkResult 0.
//
// A failure to create the child is returned as is and leaves no child
// behind. Any later failure is a *Panic: the child is left half built and
// the caller must not continue.
func (e *Env) Fork(child Program) (kern.EnvID, error) {
	if err := e.SetPgfaultHandler(FaultHandlerFunc(pgfault)); err != nil {
		return 0, err
	}

	snap := *e
	id, err := e.sys.Exofork(kern.Trapframe{TLS: &snap, Entry: resume(child)})
	if err != nil {
		return 0, err
	}

	var dupErr error
	err = e.sys.VPT(0).Range(0, mem.PGNUM(mem.USTACKTOP), func(pn mem.VPN, pte mem.PTE) bool {
		if !pte.Present() {
			return true
		}
		if err := e.duppage(id, pn); err != nil {
			dupErr = Panicf("fork: duppage %s: %w", pn, err)
			return false
		}
		return true
	})
	if err != nil {
		return 0, Panicf("fork: %w", err)
	}
	if dupErr != nil {
		return 0, dupErr
	}

	if err := e.sys.PageAlloc(id, mem.UXSTACKTOP-mem.PGSIZE, permRW); err != nil {
		return 0, Panicf("fork: child exception stack: %w", err)
	}
	if err := e.sys.SetPgfaultUpcall(id, Upcall); err != nil {
		return 0, Panicf("fork: %w", err)
	}
	if err := e.sys.SetStatus(id, kern.Runnable); err != nil {
		return 0, Panicf("fork: %w", err)
	}
	e.logger.Debug("forked", "child", id.String())
	return id, nil
}

// Sfork is the shared-memory variant of Fork. It is not implemented and
// always fails with ErrSforkUnimplemented.
func (e *Env) Sfork(child Program) (kern.EnvID, error) {
	return 0, ErrSforkUnimplemented
}
