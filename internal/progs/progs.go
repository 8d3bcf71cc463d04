// Package progs holds the user programs bundled with exofork. Each one is a
// ulib.Program that exercises copy-on-write fork and reports what it saw
// through the environment's logger. A violated expectation is returned as
// a *ulib.Panic, so the environment is destroyed rather than exiting.
package progs

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/kahiteam/exofork/internal/kern"
	"github.com/kahiteam/exofork/internal/mem"
	"github.com/kahiteam/exofork/internal/ulib"
)

// Heap is the page the bundled programs keep their state in.
const Heap = mem.UTEXT

// nameLen is the size of the NUL padded string slot at the start of Heap.
const nameLen = 32

// Factory builds a program. Depth is only meaningful to forktree.
type Factory func(depth int) ulib.Program

var registry = map[string]Factory{
	"forktree":   ForkTree,
	"cowcheck":   func(int) ulib.Program { return CowCheck },
	"sharecheck": func(int) ulib.Program { return ShareCheck },
	"sfork":      func(int) ulib.Program { return SforkCheck },
}

// New returns the program registered under kind.
func New(kind string, depth int) (ulib.Program, error) {
	f, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("unknown program kind %q", kind)
	}
	return f(depth), nil
}

// Kinds returns the registered program kinds in sorted order.
func Kinds() []string {
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// ensureHeap maps a private writable Heap page unless one is present.
func ensureHeap(e *ulib.Env) error {
	pte, err := e.Sys().VPT(0).Lookup(mem.PGNUM(Heap))
	if err != nil {
		return err
	}
	if pte.Present() {
		return nil
	}
	return e.Sys().PageAlloc(0, Heap, mem.PTE_P|mem.PTE_U|mem.PTE_W)
}

func writeString(sys kern.Syscalls, va uintptr, s string) error {
	if len(s) >= nameLen {
		return fmt.Errorf("string %q longer than %d bytes", s, nameLen-1)
	}
	buf := make([]byte, nameLen)
	copy(buf, s)
	return sys.Store(va, buf)
}

func readString(sys kern.Syscalls, va uintptr) (string, error) {
	buf := make([]byte, nameLen)
	if err := sys.Load(va, buf); err != nil {
		return "", err
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf), nil
}
