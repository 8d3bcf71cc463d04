package kern

import (
	"encoding/binary"
	"fmt"

	"github.com/kahiteam/exofork/internal/events"
	"github.com/kahiteam/exofork/internal/mem"
)

func (g *gate) Load(va uintptr, dst []byte) error {
	return g.access("load", va, dst, false)
}

func (g *gate) Store(va uintptr, src []byte) error {
	return g.access("store", va, src, true)
}

// access performs a user memory access one page at a time.
func (g *gate) access(op string, va uintptr, buf []byte, write bool) error {
	for len(buf) > 0 {
		n := int(mem.PGSIZE - va%mem.PGSIZE)
		if n > len(buf) {
			n = len(buf)
		}
		if err := g.accessPage(op, va, buf[:n], write); err != nil {
			return err
		}
		va += uintptr(n)
		buf = buf[n:]
	}
	return nil
}

// accessPage copies between buf and a single page, dispatching page faults
// until the access succeeds. A fault that recurs unchanged after the
// handler returned kills the environment.
//
// Addresses at or above UTOP are never delivered to the user handler; the
// access fails with ErrFault and the environment keeps running.
func (g *gate) accessPage(op string, va uintptr, buf []byte, write bool) error {
	k := g.k
	if va >= mem.UTOP {
		return &SyscallError{Op: op, Args: []uint64{uint64(va), uint64(len(buf))}, Err: ErrFault}
	}
	var last *UTrapframe
	for {
		k.mu.Lock()
		cur, errno := k.current(g.id)
		if errno != 0 {
			k.mu.Unlock()
			return &SyscallError{Op: op, Args: []uint64{uint64(va), uint64(len(buf))}, Err: errno}
		}
		f, fec, ok := k.translate(cur, va, write)
		if ok {
			page := k.phys.Bytes(f)
			off := va % mem.PGSIZE
			if write {
				copy(page[off:], buf)
			} else {
				copy(buf, page[off:])
			}
			k.mu.Unlock()
			return nil
		}
		utf := UTrapframe{FaultVA: va, Err: fec}
		if last != nil && *last == utf {
			err := k.fatal(cur, utf, "fault not resolved by handler", nil)
			k.mu.Unlock()
			k.flush()
			return err
		}
		k.mu.Unlock()

		if err := g.pageFault(utf); err != nil {
			return err
		}
		last = &utf
	}
}

// translate walks e's page table for a user access to va. On failure it
// returns the page fault error code. Must be called with k.mu held.
func (k *Kernel) translate(e *env, va uintptr, write bool) (mem.Frame, uint32, bool) {
	fec := FEC_U
	if write {
		fec |= FEC_WR
	}
	vpn := mem.PGNUM(va)
	pte, ok := e.pgdir.get(vpn)
	if !ok || !pte.Present() {
		return 0, fec, false
	}
	if !pte.HasFlags(mem.PTE_U) || (write && !pte.HasFlags(mem.PTE_W)) {
		return 0, fec | FEC_PR, false
	}
	set := mem.PTE_A
	if write {
		set |= mem.PTE_D
	}
	if !pte.HasFlags(set) {
		e.pgdir.set(vpn, pte.SetFlags(set))
	}
	return pte.Frame(), 0, true
}

// pageFault delivers utf to the current environment's upcall on its
// exception stack. The environment is destroyed if it has no upcall, if it
// faults while already handling a fault, if its exception stack is not
// mapped user-writable, or if the upcall fails.
func (g *gate) pageFault(utf UTrapframe) error {
	k := g.k
	k.mu.Lock()
	cur, errno := k.current(g.id)
	if errno != 0 {
		k.mu.Unlock()
		return &SyscallError{Op: "page_fault", Args: []uint64{uint64(utf.FaultVA)}, Err: errno}
	}
	access := "read"
	if utf.IsWrite() {
		access = "write"
	}
	k.emit(events.PageFault, map[string]string{
		"env":    cur.id.String(),
		"va":     fmt.Sprintf("%#08x", utf.FaultVA),
		"access": access,
		"err":    fecString(utf.Err),
	})

	var reason string
	switch {
	case cur.upcall == nil:
		reason = "no page fault upcall"
	case cur.inFault:
		reason = "page fault in page fault handler"
	default:
		xs, ok := cur.pgdir.get(mem.PGNUM(mem.UXSTACKTOP - mem.PGSIZE))
		if !ok || !xs.HasFlags(mem.PTE_P|mem.PTE_U|mem.PTE_W) {
			reason = "exception stack not mapped user-writable"
			break
		}
		frame := k.phys.Bytes(xs.Frame())[mem.PGSIZE-UTrapframeSize:]
		binary.LittleEndian.PutUint32(frame[0:], uint32(utf.FaultVA))
		binary.LittleEndian.PutUint32(frame[4:], utf.Err)
	}
	if reason != "" {
		err := k.fatal(cur, utf, reason, nil)
		k.mu.Unlock()
		k.flush()
		return err
	}

	cur.inFault = true
	up, tls := cur.upcall, cur.tf.TLS
	k.mu.Unlock()
	k.flush()

	uerr := up(g, tls, &utf)

	k.mu.Lock()
	defer k.flush()
	defer k.mu.Unlock()
	cur, errno = k.current(g.id)
	if errno != 0 {
		return &FaultError{Env: g.id, UTF: utf, Reason: "destroyed in page fault handler", Cause: uerr}
	}
	cur.inFault = false
	if uerr != nil {
		return k.fatal(cur, utf, "page fault handler failed", uerr)
	}
	return nil
}

// fatal destroys e for an unrecoverable fault. Must be called with k.mu
// held.
func (k *Kernel) fatal(e *env, utf UTrapframe, reason string, cause error) *FaultError {
	ferr := &FaultError{Env: e.id, UTF: utf, Reason: reason, Cause: cause}
	k.logger.Warn("fatal page fault", "env", e.id.String(), "va", utf.FaultVA,
		"err", fecString(utf.Err), "reason", reason, "cause", cause)
	k.emit(events.PageFaultFatal, map[string]string{
		"env":    e.id.String(),
		"va":     fmt.Sprintf("%#08x", utf.FaultVA),
		"reason": reason,
	})
	k.destroy(e, ReasonFault, reason)
	return ferr
}
