package kern

import (
	"fmt"
	"strings"
)

// Errno is the failure kind of a kernel operation.
type Errno int

// Codes start at 2 so that they line up with the original kernel's
// E_BAD_ENV and up.
const (
	ErrBadEnv Errno = 2 + iota
	ErrInval
	ErrNoMem
	ErrNoFreeEnv
	ErrFault
	ErrKilled
)

var errnoText = map[Errno]string{
	ErrBadEnv:      "bad environment",
	ErrInval:       "invalid parameter",
	ErrNoMem:       "out of memory",
	ErrNoFreeEnv:   "out of environments",
	ErrFault:       "segmentation fault",
	ErrKilled:      "environment is dead",
}

func (e Errno) Error() string {
	if s, ok := errnoText[e]; ok {
		return s
	}
	return fmt.Sprintf("error %d", int(e))
}

// Code returns the negative status a system call reports for e.
func (e Errno) Code() int {
	return -int(e)
}

// SyscallError is returned by every failed primitive. It names the
// operation, its arguments, and the failure kind.
type SyscallError struct {
	Op   string
	Args []uint64
	Err  Errno
}

func (e *SyscallError) Error() string {
	args := make([]string, len(e.Args))
	for i, a := range e.Args {
		args[i] = fmt.Sprintf("%#x", a)
	}
	return fmt.Sprintf("sys_%s(%s): %v (%d)", e.Op, strings.Join(args, ", "), e.Err, e.Err.Code())
}

func (e *SyscallError) Unwrap() error {
	return e.Err
}

// FaultError reports an environment destroyed while dispatching a page
// fault it could not survive.
type FaultError struct {
	Env    EnvID
	UTF    UTrapframe
	Reason string
	Cause  error
}

func (e *FaultError) Error() string {
	msg := fmt.Sprintf("[%08x] fatal page fault va %#08x err %s: %s",
		uint32(e.Env), e.UTF.FaultVA, fecString(e.UTF.Err), e.Reason)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *FaultError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrKilled}
	}
	return []error{ErrKilled, e.Cause}
}
