// Package kern is a simulated exokernel. It provides the primitive
// operations a user-level library needs to implement process creation:
// environment allocation, frame allocation and mapping, page fault upcalls,
// and run-state changes, plus a read-only view of every page table.
package kern

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/kahiteam/exofork/internal/events"
	"github.com/kahiteam/exofork/internal/mem"
)

// DefaultFrames is the frame pool size used when Config.Frames is zero.
const DefaultFrames = 1024

// Config configures a kernel.
type Config struct {
	// Frames is the number of physical frames, frame 0 included.
	Frames int
	// MaxEnvs caps the number of live environments (default NENV).
	MaxEnvs int
	// SyscallArgsOnStack makes every system call store its number and
	// arguments just below the caller's stack pointer before executing,
	// the way a stack-based calling convention would.
	SyscallArgsOnStack bool
	Logger             *slog.Logger
	Bus                *events.Bus
}

// Kernel owns the environment table and physical memory. Its methods are
// safe for concurrent use, but environments run one at a time.
type Kernel struct {
	mu      sync.Mutex
	cfg     Config
	logger  *slog.Logger
	bus     *events.Bus
	phys    *mem.Physmem
	envs    []env
	live    int
	next    int
	pending []events.Event
}

// New creates a kernel with an empty environment table.
func New(cfg Config) *Kernel {
	if cfg.Frames == 0 {
		cfg.Frames = DefaultFrames
	}
	if cfg.MaxEnvs <= 0 || cfg.MaxEnvs > NENV {
		cfg.MaxEnvs = NENV
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Kernel{
		cfg:    cfg,
		logger: logger,
		bus:    cfg.Bus,
		phys:   mem.NewPhysmem(cfg.Frames),
		envs:   make([]env, NENV),
	}
}

// lookup finds a live environment by id. Must be called with k.mu held.
func (k *Kernel) lookup(id EnvID) (*env, Errno) {
	e := &k.envs[ENVX(id)]
	if e.id != id || !e.status.alive() {
		return nil, ErrBadEnv
	}
	return e, 0
}

// current returns the calling environment. Must be called with k.mu held.
func (k *Kernel) current(id EnvID) (*env, Errno) {
	e, errno := k.lookup(id)
	if errno != 0 {
		return nil, ErrKilled
	}
	return e, 0
}

// envid2env resolves a system call environment argument. With checkperm
// the target must be the caller or one of its children.
func (k *Kernel) envid2env(cur *env, id EnvID, checkperm bool) (*env, Errno) {
	if id == 0 {
		return cur, 0
	}
	e, errno := k.lookup(id)
	if errno != 0 {
		return nil, errno
	}
	if checkperm && e != cur && e.parent != cur.id {
		return nil, ErrBadEnv
	}
	return e, 0
}

func (k *Kernel) alloc(parent EnvID) (*env, Errno) {
	if k.live >= k.cfg.MaxEnvs {
		return nil, ErrNoFreeEnv
	}
	idx := -1
	for i := range k.envs {
		if k.envs[i].status == Free {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ErrNoFreeEnv
	}
	e := &k.envs[idx]
	gen := (e.id + (1 << ENVGENSHIFT)) &^ (NENV - 1)
	if gen <= 0 {
		gen = 1 << ENVGENSHIFT
	}
	*e = env{
		id:     gen | EnvID(idx),
		parent: parent,
		status: NotRunnable,
		pgdir:  newPageTable(),
	}
	k.live++
	k.emit(events.EnvCreated, map[string]string{
		"env":    e.id.String(),
		"parent": parent.String(),
	})
	k.logger.Debug("env created", "env", e.id.String(), "parent", parent.String())
	return e, 0
}

func (k *Kernel) setStatus(e *env, st Status) Errno {
	if !e.status.canTransition(st) {
		return ErrInval
	}
	e.status = st
	if st == Runnable {
		k.emit(events.EnvRunnable, map[string]string{"env": e.id.String()})
	}
	return 0
}

// Reasons an environment is destroyed, as reported in EnvDestroyed events.
const (
	ReasonExit    = "exit"
	ReasonDestroy = "destroy"
	ReasonFault   = "fault"
	ReasonCrash   = "crash"
	ReasonKilled  = "killed"
	ReasonNoMem   = "nomem"
)

// destroy frees every mapping of e. An environment destroyed while it is
// running stays DYING until the scheduler regains control.
func (k *Kernel) destroy(e *env, reason, detail string) {
	e.pgdir.all(func(_ mem.VPN, pte mem.PTE) bool {
		k.phys.Refdown(pte.Frame())
		return true
	})
	e.pgdir = newPageTable()
	e.upcall = nil
	e.inFault = false
	e.tf = Trapframe{}
	if e.status == Running {
		e.status = Dying
	} else {
		e.status = Free
	}
	k.live--
	k.emit(events.EnvDestroyed, map[string]string{
		"env":    e.id.String(),
		"reason": reason,
		"detail": detail,
	})
	k.logger.Debug("env destroyed", "env", e.id.String(), "reason", reason, "detail", detail)
}

// insert maps f at va in e, replacing any previous mapping. The new
// frame's reference is taken before the old one is dropped so that
// remapping a frame onto itself is safe.
func (k *Kernel) insert(e *env, va uintptr, f mem.Frame, perm mem.Perm) {
	vpn := mem.PGNUM(va)
	k.phys.Refup(f)
	if old, ok := e.pgdir.get(vpn); ok && old.Present() {
		k.phys.Refdown(old.Frame())
	}
	e.pgdir.set(vpn, mem.MkPTE(f, perm|mem.PTE_P))
}

func (k *Kernel) remove(e *env, va uintptr) {
	if old, ok := e.pgdir.remove(mem.PGNUM(va)); ok && old.Present() {
		k.phys.Refdown(old.Frame())
	}
}

// emit queues an event. Must be called with k.mu held; flush publishes.
func (k *Kernel) emit(t events.EventType, data map[string]string) {
	if k.bus == nil {
		return
	}
	k.pending = append(k.pending, events.Event{Type: t, Data: data})
}

// flush publishes queued events. Must be called without k.mu held, since
// subscribers may call back into the kernel.
func (k *Kernel) flush() {
	k.mu.Lock()
	evs := k.pending
	k.pending = nil
	k.mu.Unlock()
	for _, ev := range evs {
		k.bus.Publish(ev)
	}
}

// newEnv allocates an environment with a one-page user stack.
func (k *Kernel) newEnv() (*env, Errno) {
	e, errno := k.alloc(0)
	if errno != 0 {
		return nil, errno
	}
	f, err := k.phys.Alloc()
	if err != nil {
		k.destroy(e, ReasonNoMem, "no memory for stack")
		return nil, ErrNoMem
	}
	k.insert(e, mem.USTACKTOP-mem.PGSIZE, f, mem.PTE_P|mem.PTE_U|mem.PTE_W)
	return e, 0
}

// Spawn creates a runnable environment that starts at entry.
func (k *Kernel) Spawn(entry Entry) (EnvID, error) {
	var id EnvID
	k.mu.Lock()
	e, errno := k.newEnv()
	if errno == 0 {
		id = e.id
		e.tf.Entry = entry
		errno = k.setStatus(e, Runnable)
	}
	k.mu.Unlock()
	k.flush()
	if errno != 0 {
		return 0, &SyscallError{Op: "spawn", Err: errno}
	}
	return id, nil
}

// Boot creates an environment that is never scheduled; the caller drives
// it through the returned system call gate.
func (k *Kernel) Boot() (EnvID, Syscalls, error) {
	var id EnvID
	k.mu.Lock()
	e, errno := k.newEnv()
	if errno == 0 {
		id = e.id
	}
	k.mu.Unlock()
	k.flush()
	if errno != 0 {
		return 0, nil, &SyscallError{Op: "boot", Err: errno}
	}
	return id, k.Gate(id), nil
}

// Gate returns the system call interface of environment id.
func (k *Kernel) Gate(id EnvID) Syscalls {
	return &gate{k: k, id: id}
}

// Run schedules runnable environments round-robin, each until its entry
// returns, and returns when none is left or ctx is done.
func (k *Kernel) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		k.mu.Lock()
		e := k.pickRunnable()
		if e == nil {
			k.mu.Unlock()
			return nil
		}
		e.status = Running
		id, tf := e.id, e.tf
		k.mu.Unlock()

		k.runEnv(id, tf)
	}
}

func (k *Kernel) pickRunnable() *env {
	for i := 0; i < NENV; i++ {
		idx := (k.next + i) % NENV
		if k.envs[idx].status == Runnable {
			k.next = idx + 1
			return &k.envs[idx]
		}
	}
	return nil
}

func (k *Kernel) runEnv(id EnvID, tf Trapframe) {
	defer k.exit(id)
	defer func() {
		if r := recover(); r != nil {
			k.logger.Error("environment crashed", "env", id.String(), "panic", r)
			k.kill(id, ReasonCrash, fmt.Sprint(r))
		}
	}()
	if tf.Entry == nil {
		k.logger.Warn("environment has no entry point", "env", id.String())
		return
	}
	tf.Entry(k.Gate(id), tf)
}

// exit reaps an environment whose entry returned.
func (k *Kernel) exit(id EnvID) {
	k.mu.Lock()
	_, errno := k.lookup(id)
	k.mu.Unlock()
	if errno == 0 {
		k.bus.Publish(events.Event{
			Type: events.EnvExiting,
			Data: map[string]string{"env": id.String()},
		})
	}

	k.mu.Lock()
	e := &k.envs[ENVX(id)]
	if e.id == id {
		if e.status.alive() {
			k.destroy(e, ReasonExit, "")
		}
		e.status = Free
	}
	k.mu.Unlock()
	k.flush()
}

// Kill destroys environment id.
func (k *Kernel) Kill(id EnvID, detail string) {
	k.kill(id, ReasonKilled, detail)
}

func (k *Kernel) kill(id EnvID, reason, detail string) {
	k.mu.Lock()
	if e, errno := k.lookup(id); errno == 0 {
		k.destroy(e, reason, detail)
	}
	k.mu.Unlock()
	k.flush()
}

// PageTable returns the read-only page table view of environment id.
func (k *Kernel) PageTable(id EnvID) PageTable {
	return vpt{k: k, id: id}
}

// Env returns a copy of environment id's table slot.
func (k *Kernel) Env(id EnvID) (EnvInfo, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, errno := k.lookup(id)
	if errno != 0 {
		return EnvInfo{}, errno
	}
	return e.info(), nil
}

// Envs returns every live environment in slot order.
func (k *Kernel) Envs() []EnvInfo {
	k.mu.Lock()
	defer k.mu.Unlock()
	var out []EnvInfo
	for i := range k.envs {
		if k.envs[i].status.alive() {
			out = append(out, k.envs[i].info())
		}
	}
	return out
}

// FreeFrames returns the number of unallocated physical frames.
func (k *Kernel) FreeFrames() int {
	return k.phys.Free()
}

// Mapping describes one page of an environment for inspection.
type Mapping struct {
	VA     uintptr
	Frame  mem.Frame
	Perm   mem.Perm
	Refs   int
	Digest string
}

// Snapshot lists environment id's mappings in address order.
func (k *Kernel) Snapshot(id EnvID) ([]Mapping, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, errno := k.lookup(id)
	if errno != 0 {
		return nil, errno
	}
	var out []Mapping
	e.pgdir.all(func(vpn mem.VPN, pte mem.PTE) bool {
		out = append(out, Mapping{
			VA:     vpn.Addr(),
			Frame:  pte.Frame(),
			Perm:   pte.Perm(),
			Refs:   k.phys.Refcnt(pte.Frame()),
			Digest: k.phys.Digest(pte.Frame()),
		})
		return true
	})
	return out, nil
}

// Audit checks the kernel's memory invariants and returns every
// violation: frame reference counts must equal the number of mappings,
// and a frame mapped writable without PTE_SHARE must not be mapped by
// any other environment.
func (k *Kernel) Audit() []error {
	k.mu.Lock()
	defer k.mu.Unlock()

	type use struct {
		env EnvID
		va  uintptr
		pte mem.PTE
	}
	uses := make(map[mem.Frame][]use)
	for i := range k.envs {
		e := &k.envs[i]
		if !e.status.alive() {
			continue
		}
		e.pgdir.all(func(vpn mem.VPN, pte mem.PTE) bool {
			if pte.Present() {
				uses[pte.Frame()] = append(uses[pte.Frame()], use{e.id, vpn.Addr(), pte})
			}
			return true
		})
	}

	var errs []error
	for f, us := range uses {
		if got := k.phys.Refcnt(f); got != len(us) {
			errs = append(errs, fmt.Errorf("frame %#x: refcount %d, mapped %d times", uint32(f), got, len(us)))
		}
		for _, u := range us {
			if !u.pte.HasFlags(mem.PTE_W) || u.pte.HasFlags(mem.PTE_SHARE) {
				continue
			}
			for _, o := range us {
				if o.env != u.env {
					errs = append(errs, fmt.Errorf("frame %#x: writable in env %s at %#x and mapped by env %s at %#x",
						uint32(f), u.env, u.va, o.env, o.va))
				}
			}
		}
	}
	return errs
}
