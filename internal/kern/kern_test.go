package kern

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kahiteam/exofork/internal/events"
	"github.com/kahiteam/exofork/internal/mem"
)

const userRW = mem.PTE_P | mem.PTE_U | mem.PTE_W

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestKernel(t *testing.T, cfg Config) *Kernel {
	t.Helper()
	if cfg.Frames == 0 {
		cfg.Frames = 64
	}
	cfg.Logger = discardLogger()
	return New(cfg)
}

func boot(t *testing.T, k *Kernel) (EnvID, Syscalls) {
	t.Helper()
	id, sys, err := k.Boot()
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	return id, sys
}

func wantErrno(t *testing.T, err error, want Errno) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}

func TestBootMapsStack(t *testing.T) {
	k := newTestKernel(t, Config{})
	id, sys := boot(t, k)

	got, err := sys.Getenvid()
	if err != nil {
		t.Fatal(err)
	}
	if got != id {
		t.Fatalf("getenvid = %s, want %s", got, id)
	}
	pte, err := sys.VPT(0).Lookup(mem.PGNUM(mem.USTACKTOP - mem.PGSIZE))
	if err != nil {
		t.Fatal(err)
	}
	if !pte.HasFlags(userRW) {
		t.Fatalf("stack pte = %v, want P|U|W", pte)
	}
	info, err := k.Env(id)
	if err != nil {
		t.Fatal(err)
	}
	if info.Status != NotRunnable {
		t.Fatalf("status = %v, want NOT_RUNNABLE", info.Status)
	}
}

func TestPageAllocValidation(t *testing.T) {
	tests := []struct {
		name string
		va   uintptr
		perm mem.Perm
	}{
		{"unaligned", mem.UTEXT + 1, userRW},
		{"at UTOP", mem.UTOP, userRW},
		{"above UTOP", mem.UVPT, userRW},
		{"missing U", mem.UTEXT, mem.PTE_P | mem.PTE_W},
		{"missing P", mem.UTEXT, mem.PTE_U | mem.PTE_W},
		{"accessed bit", mem.UTEXT, userRW | mem.PTE_A},
		{"global bit", mem.UTEXT, userRW | mem.PTE_G},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := newTestKernel(t, Config{})
			_, sys := boot(t, k)
			err := sys.PageAlloc(0, tt.va, tt.perm)
			wantErrno(t, err, ErrInval)
			var serr *SyscallError
			if !errors.As(err, &serr) || serr.Op != "page_alloc" {
				t.Fatalf("err = %#v, want page_alloc SyscallError", err)
			}
		})
	}
}

func TestPageAllocAvailBits(t *testing.T) {
	k := newTestKernel(t, Config{})
	_, sys := boot(t, k)
	if err := sys.PageAlloc(0, mem.UTEXT, mem.PTE_P|mem.PTE_U|mem.PTE_COW); err != nil {
		t.Fatal(err)
	}
	pte, _ := sys.VPT(0).Lookup(mem.PGNUM(mem.UTEXT))
	if !pte.HasFlags(mem.PTE_COW) || pte.HasFlags(mem.PTE_W) {
		t.Fatalf("pte = %v, want COW without W", pte)
	}
}

func TestPageAllocOutOfMemory(t *testing.T) {
	k := newTestKernel(t, Config{Frames: 3})
	_, sys := boot(t, k)
	if err := sys.PageAlloc(0, mem.UTEXT, userRW); err != nil {
		t.Fatal(err)
	}
	wantErrno(t, sys.PageAlloc(0, mem.UTEXT+mem.PGSIZE, userRW), ErrNoMem)
}

func TestPageMapRules(t *testing.T) {
	k := newTestKernel(t, Config{})
	_, sys := boot(t, k)
	if err := sys.PageAlloc(0, mem.UTEXT, mem.PTE_P|mem.PTE_U); err != nil {
		t.Fatal(err)
	}

	// read-only source cannot be mapped writable
	wantErrno(t, sys.PageMap(0, mem.UTEXT, 0, mem.UTEMP+mem.PGSIZE, userRW), ErrInval)
	// unmapped source
	wantErrno(t, sys.PageMap(0, mem.UTEXT+mem.PGSIZE, 0, mem.UTEMP+2*mem.PGSIZE, mem.PTE_P|mem.PTE_U), ErrInval)

	if err := sys.PageMap(0, mem.UTEXT, 0, mem.PFTEMP, mem.PTE_P|mem.PTE_U); err != nil {
		t.Fatal(err)
	}
	a, _ := sys.VPT(0).Lookup(mem.PGNUM(mem.UTEXT))
	b, _ := sys.VPT(0).Lookup(mem.PGNUM(mem.PFTEMP))
	if a.Frame() != b.Frame() {
		t.Fatalf("frames differ: %v vs %v", a, b)
	}
	if errs := k.Audit(); len(errs) != 0 {
		t.Fatalf("audit: %v", errs)
	}
}

func TestPageMapOntoItself(t *testing.T) {
	k := newTestKernel(t, Config{})
	_, sys := boot(t, k)
	if err := sys.PageAlloc(0, mem.UTEXT, userRW); err != nil {
		t.Fatal(err)
	}
	if err := sys.PageMap(0, mem.UTEXT, 0, mem.UTEXT, mem.PTE_P|mem.PTE_U|mem.PTE_COW); err != nil {
		t.Fatal(err)
	}
	pte, _ := sys.VPT(0).Lookup(mem.PGNUM(mem.UTEXT))
	if got := k.phys.Refcnt(pte.Frame()); got != 1 {
		t.Fatalf("refcount = %d, want 1", got)
	}
	if !pte.HasFlags(mem.PTE_COW) || pte.HasFlags(mem.PTE_W) {
		t.Fatalf("pte = %v", pte)
	}
}

func TestPageUnmap(t *testing.T) {
	k := newTestKernel(t, Config{})
	_, sys := boot(t, k)
	free := k.FreeFrames()
	if err := sys.PageAlloc(0, mem.UTEXT, userRW); err != nil {
		t.Fatal(err)
	}
	if err := sys.PageUnmap(0, mem.UTEXT); err != nil {
		t.Fatal(err)
	}
	// unmapping nothing is not an error
	if err := sys.PageUnmap(0, mem.UTEXT); err != nil {
		t.Fatal(err)
	}
	if got := k.FreeFrames(); got != free {
		t.Fatalf("free frames = %d, want %d", got, free)
	}
}

func TestEnvPermission(t *testing.T) {
	k := newTestKernel(t, Config{})
	a, sysA := boot(t, k)
	_, sysB := boot(t, k)

	wantErrno(t, sysB.PageAlloc(a, mem.UTEXT, userRW), ErrBadEnv)
	wantErrno(t, sysB.SetStatus(a, Runnable), ErrBadEnv)
	wantErrno(t, sysB.EnvDestroy(a), ErrBadEnv)
	wantErrno(t, sysA.PageAlloc(EnvID(12345<<ENVGENSHIFT), mem.UTEXT, userRW), ErrBadEnv)
}

func TestExofork(t *testing.T) {
	k := newTestKernel(t, Config{})
	parent, sys := boot(t, k)

	child, err := sys.Exofork(Trapframe{Ret: 99, TLS: "state"})
	if err != nil {
		t.Fatal(err)
	}
	info, err := k.Env(child)
	if err != nil {
		t.Fatal(err)
	}
	want := EnvInfo{ID: child, Parent: parent, Status: NotRunnable}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Fatalf("child info mismatch (-want +got):\n%s", diff)
	}
	maps, err := k.Snapshot(child)
	if err != nil {
		t.Fatal(err)
	}
	if len(maps) != 0 {
		t.Fatalf("child has %d mappings, want 0", len(maps))
	}

	k.mu.Lock()
	tf := k.envs[ENVX(child)].tf
	k.mu.Unlock()
	if tf.Ret != 0 || tf.TLS != "state" {
		t.Fatalf("child tf = %+v, want Ret 0 and TLS preserved", tf)
	}

	// the parent may act on its child
	if err := sys.PageAlloc(child, mem.UTEXT, userRW); err != nil {
		t.Fatal(err)
	}
	if got := sys.Envs().At(ENVX(child)).Info().Parent; got != parent {
		t.Fatalf("envs[child].parent = %s, want %s", got, parent)
	}
}

func TestExoforkMaxEnvs(t *testing.T) {
	k := newTestKernel(t, Config{MaxEnvs: 1})
	_, sys := boot(t, k)
	_, err := sys.Exofork(Trapframe{})
	wantErrno(t, err, ErrNoFreeEnv)
	if got := len(k.Envs()); got != 1 {
		t.Fatalf("live envs = %d, want 1", got)
	}
}

func TestStaleEnvID(t *testing.T) {
	k := newTestKernel(t, Config{})
	_, sys := boot(t, k)
	old, err := sys.Exofork(Trapframe{})
	if err != nil {
		t.Fatal(err)
	}
	if err := sys.EnvDestroy(old); err != nil {
		t.Fatal(err)
	}
	reused, err := sys.Exofork(Trapframe{})
	if err != nil {
		t.Fatal(err)
	}
	if ENVX(reused) != ENVX(old) || reused == old {
		t.Fatalf("reused = %s, old = %s: want same slot, new generation", reused, old)
	}
	wantErrno(t, sys.SetStatus(old, Runnable), ErrBadEnv)
}

func TestSetStatus(t *testing.T) {
	k := newTestKernel(t, Config{})
	_, sys := boot(t, k)
	child, err := sys.Exofork(Trapframe{})
	if err != nil {
		t.Fatal(err)
	}
	wantErrno(t, sys.SetStatus(child, Running), ErrInval)
	wantErrno(t, sys.SetStatus(child, Free), ErrInval)
	if err := sys.SetStatus(child, Runnable); err != nil {
		t.Fatal(err)
	}
	info, _ := k.Env(child)
	if info.Status != Runnable {
		t.Fatalf("status = %v", info.Status)
	}
}

func TestLoadStoreAcrossPages(t *testing.T) {
	k := newTestKernel(t, Config{})
	_, sys := boot(t, k)
	for _, va := range []uintptr{mem.UTEXT, mem.UTEXT + mem.PGSIZE} {
		if err := sys.PageAlloc(0, va, userRW); err != nil {
			t.Fatal(err)
		}
	}
	va := mem.UTEXT + mem.PGSIZE - 3
	if err := sys.Store(va, []byte("boundary")); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 8)
	if err := sys.Load(va, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != "boundary" {
		t.Fatalf("load = %q", got)
	}
	pte, _ := sys.VPT(0).Lookup(mem.PGNUM(mem.UTEXT))
	if !pte.HasFlags(mem.PTE_A | mem.PTE_D) {
		t.Fatalf("pte = %v, want accessed and dirty", pte)
	}
}

func TestLoadStoreAboveUTOP(t *testing.T) {
	bus := events.NewBus(discardLogger())
	faults := 0
	bus.Subscribe(events.PageFault, func(events.Event) { faults++ })
	k := newTestKernel(t, Config{Bus: bus})
	id, sys := boot(t, k)

	upcalls := 0
	if err := sys.SetPgfaultUpcall(0, func(Syscalls, any, *UTrapframe) error {
		upcalls++
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		va   uintptr
	}{
		{"at UTOP", mem.UTOP},
		{"UVPT", mem.UVPT},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			wantErrno(t, sys.Store(tc.va, []byte{1}), ErrFault)
			wantErrno(t, sys.Load(tc.va, make([]byte, 1)), ErrFault)
		})
	}

	// the page below UTOP is copied before the rest is refused
	if err := sys.PageAlloc(0, mem.UTOP-mem.PGSIZE, userRW); err != nil {
		t.Fatal(err)
	}
	wantErrno(t, sys.Load(mem.UTOP-mem.PGSIZE, make([]byte, mem.PGSIZE+1)), ErrFault)

	if upcalls != 0 || faults != 0 {
		t.Errorf("upcalls = %d, fault events = %d, want none", upcalls, faults)
	}
	if _, err := k.Env(id); err != nil {
		t.Fatalf("environment destroyed: %v", err)
	}
}

func TestFaultWithoutUpcallKills(t *testing.T) {
	bus := events.NewBus(discardLogger())
	var fatal []events.Event
	bus.Subscribe(events.PageFaultFatal, func(e events.Event) { fatal = append(fatal, e) })
	k := newTestKernel(t, Config{Bus: bus})
	id, sys := boot(t, k)

	err := sys.Store(mem.UTEXT, []byte{1})
	var ferr *FaultError
	if !errors.As(err, &ferr) {
		t.Fatalf("err = %v, want FaultError", err)
	}
	if ferr.UTF.FaultVA != mem.UTEXT || ferr.UTF.Err != FEC_U|FEC_WR {
		t.Fatalf("utf = %v", ferr.UTF)
	}
	wantErrno(t, err, ErrKilled)
	if _, err := k.Env(id); err == nil {
		t.Fatal("env should be destroyed")
	}
	if len(fatal) != 1 || fatal[0].Data["reason"] != "no page fault upcall" {
		t.Fatalf("fatal events = %v", fatal)
	}
	// further calls report the caller dead
	_, err = sys.Getenvid()
	wantErrno(t, err, ErrKilled)
}

func TestFaultUpcallResolves(t *testing.T) {
	k := newTestKernel(t, Config{})
	_, sys := boot(t, k)
	if err := sys.PageAlloc(0, mem.UXSTACKTOP-mem.PGSIZE, userRW); err != nil {
		t.Fatal(err)
	}
	if err := sys.SetTLS("tls"); err != nil {
		t.Fatal(err)
	}

	var seen []UTrapframe
	var raw []byte
	up := func(s Syscalls, tls any, utf *UTrapframe) error {
		if tls != "tls" {
			t.Errorf("tls = %v", tls)
		}
		seen = append(seen, *utf)
		raw = make([]byte, UTrapframeSize)
		if err := s.Load(mem.UXSTACKTOP-UTrapframeSize, raw); err != nil {
			return err
		}
		return s.PageAlloc(0, mem.RoundDown(utf.FaultVA), userRW)
	}
	if err := sys.SetPgfaultUpcall(0, up); err != nil {
		t.Fatal(err)
	}

	va := mem.UTEXT + 0x10
	if err := sys.Store(va, []byte("ok")); err != nil {
		t.Fatal(err)
	}
	want := []UTrapframe{{FaultVA: va, Err: FEC_U | FEC_WR}}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Fatalf("upcalls mismatch (-want +got):\n%s", diff)
	}
	if got := binary.LittleEndian.Uint32(raw); uintptr(got) != va {
		t.Fatalf("exception stack va = %#x, want %#x", got, va)
	}
	if got := binary.LittleEndian.Uint32(raw[4:]); got != FEC_U|FEC_WR {
		t.Fatalf("exception stack err = %#x", got)
	}
}

func TestFaultExceptionStackMustBeWritable(t *testing.T) {
	k := newTestKernel(t, Config{})
	_, sys := boot(t, k)
	called := false
	if err := sys.SetPgfaultUpcall(0, func(Syscalls, any, *UTrapframe) error {
		called = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	// copy-on-write exception stack
	if err := sys.PageAlloc(0, mem.UXSTACKTOP-mem.PGSIZE, mem.PTE_P|mem.PTE_U|mem.PTE_COW); err != nil {
		t.Fatal(err)
	}

	err := sys.Load(mem.UTEXT, make([]byte, 1))
	var ferr *FaultError
	if !errors.As(err, &ferr) || !strings.Contains(ferr.Reason, "exception stack") {
		t.Fatalf("err = %v", err)
	}
	if called {
		t.Fatal("upcall ran on a read-only exception stack")
	}
}

func TestNestedFaultKills(t *testing.T) {
	k := newTestKernel(t, Config{})
	_, sys := boot(t, k)
	if err := sys.PageAlloc(0, mem.UXSTACKTOP-mem.PGSIZE, userRW); err != nil {
		t.Fatal(err)
	}
	var inner error
	if err := sys.SetPgfaultUpcall(0, func(s Syscalls, _ any, _ *UTrapframe) error {
		inner = s.Load(mem.UTEXT+mem.PGSIZE, make([]byte, 1))
		return inner
	}); err != nil {
		t.Fatal(err)
	}

	err := sys.Load(mem.UTEXT, make([]byte, 1))
	var ferr *FaultError
	if !errors.As(inner, &ferr) || ferr.Reason != "page fault in page fault handler" {
		t.Fatalf("inner = %v", inner)
	}
	wantErrno(t, err, ErrKilled)
}

func TestUnresolvedFaultKills(t *testing.T) {
	k := newTestKernel(t, Config{})
	_, sys := boot(t, k)
	if err := sys.PageAlloc(0, mem.UXSTACKTOP-mem.PGSIZE, userRW); err != nil {
		t.Fatal(err)
	}
	calls := 0
	if err := sys.SetPgfaultUpcall(0, func(Syscalls, any, *UTrapframe) error {
		calls++
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	err := sys.Store(mem.UTEXT, []byte{1})
	var ferr *FaultError
	if !errors.As(err, &ferr) || ferr.Reason != "fault not resolved by handler" {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Fatalf("upcall ran %d times, want 1", calls)
	}
}

func TestUpcallErrorKills(t *testing.T) {
	k := newTestKernel(t, Config{})
	id, sys := boot(t, k)
	if err := sys.PageAlloc(0, mem.UXSTACKTOP-mem.PGSIZE, userRW); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("boom")
	if err := sys.SetPgfaultUpcall(0, func(Syscalls, any, *UTrapframe) error { return boom }); err != nil {
		t.Fatal(err)
	}
	err := sys.Store(mem.UTEXT, []byte{1})
	if !errors.Is(err, boom) || !errors.Is(err, ErrKilled) {
		t.Fatalf("err = %v, want boom and killed", err)
	}
	if _, err := k.Env(id); err == nil {
		t.Fatal("env should be destroyed")
	}
}

func TestSyscallArgsOnStack(t *testing.T) {
	k := newTestKernel(t, Config{SyscallArgsOnStack: true})
	_, sys := boot(t, k)
	if err := sys.PageAlloc(0, mem.UTEXT, userRW); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 16)
	if err := sys.Load(mem.USTACKTOP-16, buf); err != nil {
		t.Fatal(err)
	}
	var got [4]uint32
	for i := range got {
		got[i] = binary.LittleEndian.Uint32(buf[4*i:])
	}
	want := [4]uint32{uint32(sysPageAlloc), 0, uint32(mem.UTEXT), uint32(userRW)}
	if got != want {
		t.Fatalf("stack frame = %#x, want %#x", got, want)
	}

	// a stack that is not writable faults on every call
	if err := sys.PageMap(0, mem.USTACKTOP-mem.PGSIZE, 0, mem.USTACKTOP-mem.PGSIZE, mem.PTE_P|mem.PTE_U|mem.PTE_COW); err != nil {
		t.Fatal(err)
	}
	_, err := sys.Getenvid()
	wantErrno(t, err, ErrKilled)
}

func TestVPT(t *testing.T) {
	k := newTestKernel(t, Config{})
	id, sys := boot(t, k)
	for _, va := range []uintptr{mem.UTEXT, mem.UTEXT + 2*mem.PGSIZE} {
		if err := sys.PageAlloc(0, va, userRW); err != nil {
			t.Fatal(err)
		}
	}
	pt := k.PageTable(id)

	if _, err := pt.Lookup(mem.NPAGES); !errors.Is(err, ErrInval) {
		t.Fatalf("lookup out of range: %v", err)
	}
	if pte, err := pt.Lookup(mem.PGNUM(mem.UTEXT + mem.PGSIZE)); err != nil || pte != 0 {
		t.Fatalf("lookup hole = %v, %v", pte, err)
	}

	var got []mem.VPN
	err := pt.Range(0, mem.PGNUM(mem.UTOP), func(vpn mem.VPN, _ mem.PTE) bool {
		got = append(got, vpn)
		// mutating during iteration is allowed
		_ = sys.PageUnmap(0, vpn.Addr())
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []mem.VPN{mem.PGNUM(mem.UTEXT), mem.PGNUM(mem.UTEXT + 2*mem.PGSIZE), mem.PGNUM(mem.USTACKTOP - mem.PGSIZE)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("range mismatch (-want +got):\n%s", diff)
	}

	if err := sys.EnvDestroy(0); err != nil {
		t.Fatal(err)
	}
	if _, err := pt.Lookup(0); !errors.Is(err, ErrBadEnv) {
		t.Fatalf("lookup after destroy: %v", err)
	}
}

func TestRunSchedulesRoundRobin(t *testing.T) {
	k := newTestKernel(t, Config{})
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) Entry {
		return func(sys Syscalls, tf Trapframe) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}
	spawner := func(sys Syscalls, tf Trapframe) {
		order = append(order, "parent")
		child, err := sys.Exofork(Trapframe{Entry: record("child")})
		if err != nil {
			t.Error(err)
			return
		}
		if err := sys.SetStatus(child, Runnable); err != nil {
			t.Error(err)
		}
	}
	if _, err := k.Spawn(spawner); err != nil {
		t.Fatal(err)
	}
	if _, err := k.Spawn(record("sibling")); err != nil {
		t.Fatal(err)
	}
	free := k.phys.Total() - 1

	if err := k.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"parent", "sibling", "child"}, order); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	if envs := k.Envs(); len(envs) != 0 {
		t.Fatalf("envs left: %v", envs)
	}
	if got := k.FreeFrames(); got != free {
		t.Fatalf("free frames = %d, want %d", got, free)
	}
}

func TestRunRecoversCrash(t *testing.T) {
	bus := events.NewBus(discardLogger())
	var reasons []string
	bus.Subscribe(events.EnvDestroyed, func(e events.Event) { reasons = append(reasons, e.Data["reason"]) })
	k := newTestKernel(t, Config{Bus: bus})
	if _, err := k.Spawn(func(Syscalls, Trapframe) { panic("bad") }); err != nil {
		t.Fatal(err)
	}
	if err := k.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(reasons) != 1 || reasons[0] != ReasonCrash {
		t.Fatalf("reasons = %v", reasons)
	}
}

func TestRunHonorsContext(t *testing.T) {
	k := newTestKernel(t, Config{})
	if _, err := k.Spawn(func(Syscalls, Trapframe) {}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := k.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestSelfDestroyWhileRunning(t *testing.T) {
	bus := events.NewBus(discardLogger())
	exiting := 0
	bus.Subscribe(events.EnvExiting, func(events.Event) { exiting++ })
	k := newTestKernel(t, Config{Bus: bus})
	var after error
	if _, err := k.Spawn(func(sys Syscalls, _ Trapframe) {
		if err := sys.EnvDestroy(0); err != nil {
			t.Error(err)
		}
		_, after = sys.Getenvid()
	}); err != nil {
		t.Fatal(err)
	}
	if err := k.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	wantErrno(t, after, ErrKilled)
	if exiting != 0 {
		t.Fatalf("exiting published %d times for a destroyed env", exiting)
	}
	if got := k.envs[0].status; got != Free {
		t.Fatalf("slot status = %v, want FREE", got)
	}
}

func TestAuditDetectsWritableSharing(t *testing.T) {
	k := newTestKernel(t, Config{})
	_, sys := boot(t, k)
	child, err := sys.Exofork(Trapframe{})
	if err != nil {
		t.Fatal(err)
	}
	if err := sys.PageAlloc(0, mem.UTEXT, userRW); err != nil {
		t.Fatal(err)
	}
	if err := sys.PageMap(0, mem.UTEXT, child, mem.UTEXT, mem.PTE_P|mem.PTE_U|mem.PTE_SHARE); err != nil {
		t.Fatal(err)
	}
	if errs := k.Audit(); len(errs) == 0 {
		t.Fatal("audit missed a writable frame mapped by two environments")
	}

	if err := sys.PageMap(0, mem.UTEXT, 0, mem.UTEXT, userRW|mem.PTE_SHARE); err != nil {
		t.Fatal(err)
	}
	if errs := k.Audit(); len(errs) != 0 {
		t.Fatalf("audit: %v", errs)
	}
}

func TestLifecycleEvents(t *testing.T) {
	bus := events.NewBus(discardLogger())
	var got []events.EventType
	for _, typ := range events.AllTypes {
		bus.Subscribe(typ, func(e events.Event) { got = append(got, e.Type) })
	}
	k := newTestKernel(t, Config{Bus: bus})
	if _, err := k.Spawn(func(sys Syscalls, _ Trapframe) {}); err != nil {
		t.Fatal(err)
	}
	if err := k.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []events.EventType{events.EnvCreated, events.EnvRunnable, events.EnvExiting, events.EnvDestroyed}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestSyscallErrorFormat(t *testing.T) {
	err := &SyscallError{Op: "page_map", Args: []uint64{0x1001, 0x800000}, Err: ErrInval}
	want := "sys_page_map(0x1001, 0x800000): invalid parameter (-3)"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}
