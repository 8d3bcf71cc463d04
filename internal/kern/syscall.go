package kern

import (
	"encoding/binary"

	"github.com/kahiteam/exofork/internal/mem"
)

// Syscalls is the primitive interface of one environment. Environment
// arguments of 0 name the caller. Every call is synchronous and either
// succeeds or returns a *SyscallError.
type Syscalls interface {
	// Getenvid returns the caller's id.
	Getenvid() (EnvID, error)
	// Exofork creates a NOT_RUNNABLE child with an empty address space
	// whose saved context is tf with the return register cleared.
	Exofork(tf Trapframe) (EnvID, error)
	// PageAlloc maps a fresh zeroed frame at va in env.
	PageAlloc(env EnvID, va uintptr, perm mem.Perm) error
	// PageMap maps the frame at srcva in srcenv at dstva in dstenv.
	PageMap(srcenv EnvID, srcva uintptr, dstenv EnvID, dstva uintptr, perm mem.Perm) error
	// PageUnmap removes the mapping at va in env, if any.
	PageUnmap(env EnvID, va uintptr) error
	// SetStatus sets env to RUNNABLE or NOT_RUNNABLE.
	SetStatus(env EnvID, st Status) error
	// SetPgfaultUpcall sets the page fault entry point of env.
	SetPgfaultUpcall(env EnvID, up Upcall) error
	// EnvDestroy destroys env.
	EnvDestroy(env EnvID) error

	// VPT returns the read-only page table of env.
	VPT(env EnvID) PageTable
	// Envs returns the read-only environment table.
	Envs() *EnvTable
	// SetTLS writes the caller's thread pointer register.
	SetTLS(tls any) error
	// Load copies user memory at va into dst.
	Load(va uintptr, dst []byte) error
	// Store copies src into user memory at va.
	Store(va uintptr, src []byte) error
}

type sysno uint32

const (
	sysGetenvid sysno = iota
	sysExofork
	sysPageAlloc
	sysPageMap
	sysPageUnmap
	sysEnvSetStatus
	sysEnvSetPgfaultUpcall
	sysEnvDestroy
)

var sysnames = [...]string{
	sysGetenvid:            "getenvid",
	sysExofork:             "exofork",
	sysPageAlloc:           "page_alloc",
	sysPageMap:             "page_map",
	sysPageUnmap:           "page_unmap",
	sysEnvSetStatus:        "env_set_status",
	sysEnvSetPgfaultUpcall: "env_set_pgfault_upcall",
	sysEnvDestroy:          "env_destroy",
}

// gate is the system call interface bound to one environment.
type gate struct {
	k  *Kernel
	id EnvID
}

func (g *gate) syscall(num sysno, args []uint64, fn func(cur *env) (int64, Errno)) (int64, error) {
	k := g.k
	if k.cfg.SyscallArgsOnStack {
		if err := g.pushArgs(num, args); err != nil {
			return 0, err
		}
	}
	k.mu.Lock()
	var ret int64
	cur, errno := k.current(g.id)
	if errno == 0 {
		ret, errno = fn(cur)
	}
	k.mu.Unlock()
	k.flush()
	if errno != 0 {
		return 0, &SyscallError{Op: sysnames[num], Args: args, Err: errno}
	}
	return ret, nil
}

// pushArgs stores the call number and arguments below the stack pointer.
// The store is an ordinary user access and may fault.
func (g *gate) pushArgs(num sysno, args []uint64) error {
	k := g.k
	k.mu.Lock()
	cur, errno := k.current(g.id)
	sp := mem.USTACKTOP
	if errno == 0 && cur.inFault {
		sp = mem.UXSTACKTOP - UTrapframeSize
	}
	k.mu.Unlock()
	if errno != 0 {
		return &SyscallError{Op: sysnames[num], Args: args, Err: errno}
	}

	frame := make([]byte, 4*(1+len(args)))
	binary.LittleEndian.PutUint32(frame, uint32(num))
	for i, a := range args {
		binary.LittleEndian.PutUint32(frame[4*(i+1):], uint32(a))
	}
	return g.Store(sp-uintptr(len(frame)), frame)
}

func checkva(va uintptr) Errno {
	if va >= mem.UTOP || !mem.Aligned(va) {
		return ErrInval
	}
	return 0
}

func checkperm(perm mem.Perm) Errno {
	if perm&(mem.PTE_U|mem.PTE_P) != mem.PTE_U|mem.PTE_P || perm&^mem.PTE_SYSCALL != 0 {
		return ErrInval
	}
	return 0
}

func (g *gate) Getenvid() (EnvID, error) {
	ret, err := g.syscall(sysGetenvid, nil, func(cur *env) (int64, Errno) {
		return int64(cur.id), 0
	})
	return EnvID(ret), err
}

func (g *gate) Exofork(tf Trapframe) (EnvID, error) {
	k := g.k
	ret, err := g.syscall(sysExofork, nil, func(cur *env) (int64, Errno) {
		child, errno := k.alloc(cur.id)
		if errno != 0 {
			return 0, errno
		}
		child.tf = tf
		child.tf.Ret = 0
		return int64(child.id), 0
	})
	return EnvID(ret), err
}

func (g *gate) PageAlloc(envid EnvID, va uintptr, perm mem.Perm) error {
	k := g.k
	args := []uint64{uint64(uint32(envid)), uint64(va), uint64(perm)}
	_, err := g.syscall(sysPageAlloc, args, func(cur *env) (int64, Errno) {
		e, errno := k.envid2env(cur, envid, true)
		if errno != 0 {
			return 0, errno
		}
		if errno := checkva(va); errno != 0 {
			return 0, errno
		}
		if errno := checkperm(perm); errno != 0 {
			return 0, errno
		}
		f, err := k.phys.Alloc()
		if err != nil {
			return 0, ErrNoMem
		}
		k.insert(e, va, f, perm)
		return 0, 0
	})
	return err
}

func (g *gate) PageMap(srcenv EnvID, srcva uintptr, dstenv EnvID, dstva uintptr, perm mem.Perm) error {
	k := g.k
	args := []uint64{uint64(uint32(srcenv)), uint64(srcva), uint64(uint32(dstenv)), uint64(dstva), uint64(perm)}
	_, err := g.syscall(sysPageMap, args, func(cur *env) (int64, Errno) {
		src, errno := k.envid2env(cur, srcenv, true)
		if errno != 0 {
			return 0, errno
		}
		dst, errno := k.envid2env(cur, dstenv, true)
		if errno != 0 {
			return 0, errno
		}
		if errno := checkva(srcva); errno != 0 {
			return 0, errno
		}
		if errno := checkva(dstva); errno != 0 {
			return 0, errno
		}
		if errno := checkperm(perm); errno != 0 {
			return 0, errno
		}
		pte, ok := src.pgdir.get(mem.PGNUM(srcva))
		if !ok || !pte.Present() {
			return 0, ErrInval
		}
		if perm&mem.PTE_W != 0 && !pte.HasFlags(mem.PTE_W) {
			return 0, ErrInval
		}
		k.insert(dst, dstva, pte.Frame(), perm)
		return 0, 0
	})
	return err
}

func (g *gate) PageUnmap(envid EnvID, va uintptr) error {
	k := g.k
	args := []uint64{uint64(uint32(envid)), uint64(va)}
	_, err := g.syscall(sysPageUnmap, args, func(cur *env) (int64, Errno) {
		e, errno := k.envid2env(cur, envid, true)
		if errno != 0 {
			return 0, errno
		}
		if errno := checkva(va); errno != 0 {
			return 0, errno
		}
		k.remove(e, va)
		return 0, 0
	})
	return err
}

func (g *gate) SetStatus(envid EnvID, st Status) error {
	k := g.k
	args := []uint64{uint64(uint32(envid)), uint64(st)}
	_, err := g.syscall(sysEnvSetStatus, args, func(cur *env) (int64, Errno) {
		if st != Runnable && st != NotRunnable {
			return 0, ErrInval
		}
		e, errno := k.envid2env(cur, envid, true)
		if errno != 0 {
			return 0, errno
		}
		return 0, k.setStatus(e, st)
	})
	return err
}

func (g *gate) SetPgfaultUpcall(envid EnvID, up Upcall) error {
	k := g.k
	args := []uint64{uint64(uint32(envid)), 0}
	_, err := g.syscall(sysEnvSetPgfaultUpcall, args, func(cur *env) (int64, Errno) {
		e, errno := k.envid2env(cur, envid, true)
		if errno != 0 {
			return 0, errno
		}
		e.upcall = up
		return 0, 0
	})
	return err
}

func (g *gate) EnvDestroy(envid EnvID) error {
	k := g.k
	args := []uint64{uint64(uint32(envid))}
	_, err := g.syscall(sysEnvDestroy, args, func(cur *env) (int64, Errno) {
		e, errno := k.envid2env(cur, envid, true)
		if errno != 0 {
			return 0, errno
		}
		detail := "by " + cur.id.String()
		if e == cur {
			detail = "self"
		}
		k.destroy(e, ReasonDestroy, detail)
		return 0, 0
	})
	return err
}

func (g *gate) VPT(envid EnvID) PageTable {
	if envid == 0 {
		envid = g.id
	}
	return vpt{k: g.k, id: envid}
}

func (g *gate) Envs() *EnvTable {
	return &EnvTable{k: g.k}
}

func (g *gate) SetTLS(tls any) error {
	k := g.k
	k.mu.Lock()
	defer k.mu.Unlock()
	cur, errno := k.current(g.id)
	if errno != 0 {
		return &SyscallError{Op: "set_tls", Err: errno}
	}
	cur.tf.TLS = tls
	return nil
}
