package kern

import (
	"fmt"
	"strings"

	"github.com/kahiteam/exofork/internal/mem"
)

// Environment table geometry. An EnvID carries a generation above
// ENVGENSHIFT and the table slot in its low LOG2NENV bits, so a stale id
// for a recycled slot never matches.
const (
	LOG2NENV    = 10
	NENV        = 1 << LOG2NENV
	ENVGENSHIFT = 12
)

// EnvID identifies an environment. 0 means "the caller" in system calls.
type EnvID int32

// ENVX returns the table slot of id.
func ENVX(id EnvID) int {
	return int(id) & (NENV - 1)
}

func (id EnvID) String() string {
	return fmt.Sprintf("%08x", uint32(id))
}

// Status is an environment's run state.
type Status int

const (
	Free        Status = iota // FREE: slot unused
	Dying                     // DYING: destroyed while running, reaped on return
	Runnable                  // RUNNABLE: waiting for the scheduler
	Running                   // RUNNING: executing
	NotRunnable               // NOT_RUNNABLE: allocated, not scheduled
)

var statusNames = [...]string{
	"FREE", "DYING", "RUNNABLE", "RUNNING", "NOT_RUNNABLE",
}

func (s Status) String() string {
	if int(s) >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("UNKNOWN(%d)", s)
}

// validTransitions defines allowed status transitions.
var validTransitions = map[Status][]Status{
	Free:        {NotRunnable},
	NotRunnable: {Runnable, NotRunnable, Free},
	Runnable:    {Running, Runnable, NotRunnable, Free},
	Running:     {Runnable, NotRunnable, Dying, Free},
	Dying:       {Free},
}

func (s Status) canTransition(target Status) bool {
	for _, a := range validTransitions[s] {
		if a == target {
			return true
		}
	}
	return false
}

func (s Status) alive() bool {
	return s != Free && s != Dying
}

// Page fault error code bits.
const (
	FEC_PR uint32 = 0x1 // protection violation (page was present)
	FEC_WR uint32 = 0x2 // write access
	FEC_U  uint32 = 0x4 // user mode
)

func fecString(err uint32) string {
	var parts []string
	if err&FEC_U != 0 {
		parts = append(parts, "user")
	} else {
		parts = append(parts, "kernel")
	}
	if err&FEC_WR != 0 {
		parts = append(parts, "write")
	} else {
		parts = append(parts, "read")
	}
	if err&FEC_PR != 0 {
		parts = append(parts, "protection")
	} else {
		parts = append(parts, "not-present")
	}
	return strings.Join(parts, ",")
}

// UTrapframe is the fault record the kernel pushes onto the exception
// stack before invoking an environment's upcall.
type UTrapframe struct {
	FaultVA uintptr
	Err     uint32
}

// UTrapframeSize is the number of exception stack bytes a UTrapframe
// occupies.
const UTrapframeSize = 8

// IsWrite reports whether the faulting access was a write.
func (utf UTrapframe) IsWrite() bool {
	return utf.Err&FEC_WR != 0
}

// Page returns the page containing the faulting address.
func (utf UTrapframe) Page() mem.VPN {
	return mem.PGNUM(utf.FaultVA)
}

func (utf UTrapframe) String() string {
	return fmt.Sprintf("va %#08x err %s", utf.FaultVA, fecString(utf.Err))
}

// Entry is a resume point: the kernel calls it to run an environment.
type Entry func(sys Syscalls, tf Trapframe)

// Trapframe is an environment's saved register context.
type Trapframe struct {
	// Ret is the system call return register.
	Ret int64
	// TLS is the thread pointer register. User libraries keep their per
	// environment state behind it.
	TLS any
	// Entry is where execution resumes.
	Entry Entry
}

// Upcall is the user-level page fault entry point. It runs on the
// faulting environment's exception stack; a non-nil error is fatal to
// the environment.
type Upcall func(sys Syscalls, tls any, utf *UTrapframe) error

// EnvInfo is a read-only copy of an environment table slot.
type EnvInfo struct {
	ID     EnvID
	Parent EnvID
	Status Status
}

// EnvTable is the read-only environment table every environment can see.
type EnvTable struct {
	k *Kernel
}

// Len returns the number of slots.
func (t *EnvTable) Len() int {
	return NENV
}

// At returns a handle on slot idx.
func (t *EnvTable) At(idx int) EnvRef {
	if idx < 0 || idx >= NENV {
		panic(fmt.Sprintf("envs: slot %d out of range", idx))
	}
	return EnvRef{k: t.k, idx: idx}
}

// EnvRef is a handle on an environment table slot. It reads the slot
// live, so a handle taken for one environment observes whatever occupies
// the slot later.
type EnvRef struct {
	k   *Kernel
	idx int
}

// Valid reports whether the handle points into a table.
func (r EnvRef) Valid() bool {
	return r.k != nil
}

// Index returns the slot the handle points at.
func (r EnvRef) Index() int {
	return r.idx
}

// Info reads the slot.
func (r EnvRef) Info() EnvInfo {
	if r.k == nil {
		return EnvInfo{}
	}
	r.k.mu.Lock()
	defer r.k.mu.Unlock()
	return r.k.envs[r.idx].info()
}

// ID returns the id of the environment in the slot.
func (r EnvRef) ID() EnvID {
	return r.Info().ID
}

// env is a kernel environment slot.
type env struct {
	id      EnvID
	parent  EnvID
	status  Status
	pgdir   *pageTable
	tf      Trapframe
	upcall  Upcall
	inFault bool
}

func (e *env) info() EnvInfo {
	return EnvInfo{ID: e.id, Parent: e.parent, Status: e.status}
}
