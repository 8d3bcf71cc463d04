package progs

import (
	"github.com/kahiteam/exofork/internal/ulib"
)

// ForkTree returns a program that grows a binary tree of environments
// depth levels deep. Every environment logs its branch name, then forks a
// "0" and a "1" child unless its name is already depth long.
//
// The name travels through Heap: the parent writes the child's name just
// before each fork, so each child reads the value its copy-on-write page
// held at that moment.
func ForkTree(depth int) ulib.Program {
	return func(e *ulib.Env) error {
		if err := ensureHeap(e); err != nil {
			return ulib.Panicf("forktree: heap: %w", err)
		}
		if err := writeString(e.Sys(), Heap, ""); err != nil {
			return ulib.Panicf("forktree: %w", err)
		}
		return forktree(e, depth)
	}
}

func forktree(e *ulib.Env, depth int) error {
	cur, err := readString(e.Sys(), Heap)
	if err != nil {
		return ulib.Panicf("forktree: %w", err)
	}
	e.Logger().Info("I am", "branch", cur)

	if len(cur) >= depth {
		return nil
	}
	for _, branch := range []string{"0", "1"} {
		if err := writeString(e.Sys(), Heap, cur+branch); err != nil {
			return ulib.Panicf("forktree: %w", err)
		}
		if _, err := e.Fork(func(c *ulib.Env) error { return forktree(c, depth) }); err != nil {
			return err
		}
	}
	return nil
}
