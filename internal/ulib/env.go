// Package ulib is the user-level library linked into every environment. It
// owns the per-environment library state, installs the page fault
// trampoline, and implements copy-on-write fork on top of the kernel
// primitives.
package ulib

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/kahiteam/exofork/internal/kern"
)

// Program is the body of a user environment. Returning a *Panic destroys
// the environment; any other return ends it normally.
type Program func(e *Env) error

// Env is the library state of one environment. The kernel keeps a pointer
// to it in the thread pointer register, so fault upcalls can find it.
// Fork hands the child a copy taken at the instant of the fork.
type Env struct {
	sys     kern.Syscalls
	self    kern.EnvRef
	handler FaultHandler
	upcall  bool
	ret     kern.EnvID

	base   *slog.Logger
	logger *slog.Logger
}

// Panic is a fatal error raised by user code. It unwinds to the program
// boundary, which logs it and destroys the environment.
type Panic struct {
	err error
}

// Panicf formats a Panic. The %w verb wraps an underlying error.
func Panicf(format string, args ...any) *Panic {
	return &Panic{err: fmt.Errorf(format, args...)}
}

func (p *Panic) Error() string {
	return p.err.Error()
}

func (p *Panic) Unwrap() error {
	return errors.Unwrap(p.err)
}

// IsFatal reports whether err is a user panic.
func IsFatal(err error) bool {
	var p *Panic
	return errors.As(err, &p)
}

// Main returns a kernel entry point that runs prog in a fresh environment.
func Main(logger *slog.Logger, prog Program) kern.Entry {
	return func(sys kern.Syscalls, _ kern.Trapframe) {
		e, err := Attach(sys, logger)
		if err != nil {
			if logger != nil {
				logger.Error("cannot start environment", "error", err)
			}
			return
		}
		e.exit(prog(e))
	}
}

// Attach builds library state for an environment whose execution is
// driven directly by the caller, and loads it into the thread pointer.
func Attach(sys kern.Syscalls, logger *slog.Logger) (*Env, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := &Env{sys: sys, base: logger, logger: logger}
	if err := e.fixSelf(); err != nil {
		return nil, err
	}
	if err := sys.SetTLS(e); err != nil {
		return nil, err
	}
	return e, nil
}

// resume is where a forked child starts: it finds its copy of the
// parent's library state in the thread pointer, repairs it, and continues
// with prog.
func resume(prog Program) kern.Entry {
	return func(sys kern.Syscalls, tf kern.Trapframe) {
		e, ok := tf.TLS.(*Env)
		if !ok {
			panic(fmt.Sprintf("ulib: child started without library state (tls %T)", tf.TLS))
		}
		e.sys = sys
		e.ret = kern.EnvID(tf.Ret)
		// self still names the parent's slot
		if err := e.fixSelf(); err != nil {
			e.exit(err)
			return
		}
		if prog == nil {
			return
		}
		e.exit(prog(e))
	}
}

func (e *Env) fixSelf() error {
	id, err := e.sys.Getenvid()
	if err != nil {
		return err
	}
	e.self = e.sys.Envs().At(kern.ENVX(id))
	e.logger = e.base.With("env", id.String())
	return nil
}

// exit is the single point where a program's failure ends the
// environment.
func (e *Env) exit(err error) {
	if err == nil {
		return
	}
	var p *Panic
	switch {
	case errors.As(err, &p):
		e.logger.Error("user panic", "error", p)
		if derr := e.sys.EnvDestroy(0); derr != nil && !errors.Is(derr, kern.ErrKilled) {
			e.logger.Error("env_destroy failed", "error", derr)
		}
	case errors.Is(err, kern.ErrKilled):
		e.logger.Warn("environment killed", "error", err)
	default:
		e.logger.Error("program failed", "error", err)
	}
}

// Sys returns the environment's system call interface.
func (e *Env) Sys() kern.Syscalls {
	return e.sys
}

// Self returns the handle on the environment's own table slot.
func (e *Env) Self() kern.EnvRef {
	return e.self
}

// ID returns the environment's id as seen through its self handle.
func (e *Env) ID() kern.EnvID {
	return e.self.ID()
}

// ForkResult returns the value the environment resumed with: 0 in a child
// started by Fork.
func (e *Env) ForkResult() kern.EnvID {
	return e.ret
}

// Logger returns the environment's logger.
func (e *Env) Logger() *slog.Logger {
	return e.logger
}
