package ulib

import (
	"fmt"

	"github.com/kahiteam/exofork/internal/kern"
	"github.com/kahiteam/exofork/internal/mem"
)

// FaultHandler handles a page fault in an environment. It runs on the
// exception stack; the faulting access is retried when it returns nil.
type FaultHandler interface {
	HandleFault(e *Env, utf *kern.UTrapframe) error
}

// FaultHandlerFunc adapts a function to a FaultHandler.
type FaultHandlerFunc func(e *Env, utf *kern.UTrapframe) error

func (f FaultHandlerFunc) HandleFault(e *Env, utf *kern.UTrapframe) error {
	return f(e, utf)
}

// SetPgfaultHandler makes h the environment's page fault handler,
// replacing any previous one. The first call allocates the exception stack
// and registers Upcall with the kernel.
func (e *Env) SetPgfaultHandler(h FaultHandler) error {
	if !e.upcall {
		if err := e.sys.PageAlloc(0, mem.UXSTACKTOP-mem.PGSIZE, mem.PTE_P|mem.PTE_U|mem.PTE_W); err != nil {
			return Panicf("set_pgfault_handler: exception stack: %w", err)
		}
		if err := e.sys.SetPgfaultUpcall(0, Upcall); err != nil {
			return Panicf("set_pgfault_handler: %w", err)
		}
		e.upcall = true
	}
	e.handler = h
	return nil
}

// Upcall is the kernel entry point for page faults in every environment
// that uses this library. It locates the faulting environment's library
// state through the thread pointer and calls its handler.
func Upcall(sys kern.Syscalls, tls any, utf *kern.UTrapframe) error {
	e, ok := tls.(*Env)
	if !ok || e == nil {
		return fmt.Errorf("pgfault upcall: no library state for fault at %#08x", utf.FaultVA)
	}
	if e.handler == nil {
		return Panicf("unhandled page fault: %v", utf)
	}
	return e.handler.HandleFault(e, utf)
}
