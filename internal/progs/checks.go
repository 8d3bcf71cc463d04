package progs

import (
	"errors"
	"fmt"

	"github.com/kahiteam/exofork/internal/kern"
	"github.com/kahiteam/exofork/internal/mem"
	"github.com/kahiteam/exofork/internal/ulib"
)

// Shared is the page ShareCheck maps with PTE_SHARE.
const Shared = Heap + mem.PGSIZE

// CowCheck writes to a heap page on both sides of a fork and checks that
// neither side sees the other's write.
func CowCheck(e *ulib.Env) error {
	sys := e.Sys()
	if err := ensureHeap(e); err != nil {
		return ulib.Panicf("cowcheck: heap: %w", err)
	}
	if err := writeString(sys, Heap, "hello"); err != nil {
		return ulib.Panicf("cowcheck: %w", err)
	}

	child, err := e.Fork(cowChild)
	if err != nil {
		return err
	}

	if err := writeString(sys, Heap, "parent"); err != nil {
		return ulib.Panicf("cowcheck: parent write: %w", err)
	}
	if err := expectString(sys, Heap, "parent"); err != nil {
		return ulib.Panicf("cowcheck: parent: %w", err)
	}

	mine, err := sys.VPT(0).Lookup(mem.PGNUM(Heap))
	if err != nil {
		return ulib.Panicf("cowcheck: %w", err)
	}
	theirs, err := sys.VPT(child).Lookup(mem.PGNUM(Heap))
	if err != nil {
		return ulib.Panicf("cowcheck: %w", err)
	}
	if !mine.HasFlags(mem.PTE_W) || mine.HasFlags(mem.PTE_COW) {
		return ulib.Panicf("cowcheck: parent heap not private after write: %v", mine)
	}
	if !theirs.HasFlags(mem.PTE_COW) || theirs.HasFlags(mem.PTE_W) {
		return ulib.Panicf("cowcheck: child heap not copy-on-write: %v", theirs)
	}
	if mine.Frame() == theirs.Frame() {
		return ulib.Panicf("cowcheck: parent and child share frame %d", mine.Frame())
	}
	e.Logger().Info("cowcheck parent ok", "child", child.String())
	return nil
}

func cowChild(e *ulib.Env) error {
	sys := e.Sys()
	if err := expectString(sys, Heap, "hello"); err != nil {
		return ulib.Panicf("cowcheck: child before write: %w", err)
	}
	if err := writeString(sys, Heap, "child"); err != nil {
		return ulib.Panicf("cowcheck: child write: %w", err)
	}
	if err := expectString(sys, Heap, "child"); err != nil {
		return ulib.Panicf("cowcheck: child after write: %w", err)
	}
	e.Logger().Info("cowcheck child ok")
	return nil
}

// ShareCheck maps a PTE_SHARE page, forks, and writes to it afterwards.
// The child must see the write.
func ShareCheck(e *ulib.Env) error {
	sys := e.Sys()
	if err := sys.PageAlloc(0, Shared, mem.PTE_P|mem.PTE_U|mem.PTE_W|mem.PTE_SHARE); err != nil {
		return ulib.Panicf("sharecheck: %w", err)
	}
	if err := writeString(sys, Shared, "before fork"); err != nil {
		return ulib.Panicf("sharecheck: %w", err)
	}

	child, err := e.Fork(shareChild)
	if err != nil {
		return err
	}
	if err := writeString(sys, Shared, "after fork"); err != nil {
		return ulib.Panicf("sharecheck: parent write: %w", err)
	}

	mine, err := sys.VPT(0).Lookup(mem.PGNUM(Shared))
	if err != nil {
		return ulib.Panicf("sharecheck: %w", err)
	}
	theirs, err := sys.VPT(child).Lookup(mem.PGNUM(Shared))
	if err != nil {
		return ulib.Panicf("sharecheck: %w", err)
	}
	if mine.Frame() != theirs.Frame() {
		return ulib.Panicf("sharecheck: shared page split: frames %d and %d", mine.Frame(), theirs.Frame())
	}
	e.Logger().Info("sharecheck parent ok", "child", child.String())
	return nil
}

func shareChild(e *ulib.Env) error {
	if err := expectString(e.Sys(), Shared, "after fork"); err != nil {
		return ulib.Panicf("sharecheck: child: %w", err)
	}
	e.Logger().Info("sharecheck child ok")
	return nil
}

// SforkCheck calls Sfork and expects it to refuse.
func SforkCheck(e *ulib.Env) error {
	id, err := e.Sfork(nil)
	if !errors.Is(err, ulib.ErrSforkUnimplemented) {
		return ulib.Panicf("sfork: got %s, %v; want %v", id, err, ulib.ErrSforkUnimplemented)
	}
	if !errors.Is(err, kern.ErrInval) {
		return ulib.Panicf("sfork: %v does not wrap %v", err, kern.ErrInval)
	}
	e.Logger().Info("sfork unavailable", "error", err)
	return nil
}

func expectString(sys kern.Syscalls, va uintptr, want string) error {
	got, err := readString(sys, va)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("at %#08x: read %q, want %q", va, got, want)
	}
	return nil
}
