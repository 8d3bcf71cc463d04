package mem

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// ErrNoMem is returned when the frame pool is exhausted.
var ErrNoMem = errors.New("out of physical frames")

// Frame is a physical page number. Frame 0 is never handed out, so a zero
// PTE never aliases a real frame.
type Frame uint32

// Physmem is a fixed pool of reference counted physical frames. A frame
// returns to the free list when its last mapping is dropped.
type Physmem struct {
	mu   sync.Mutex
	data []byte
	refs []int32
	free []Frame
}

// NewPhysmem creates a pool of nframes frames, frame 0 included.
func NewPhysmem(nframes int) *Physmem {
	if nframes < 2 {
		panic("physmem: need at least two frames")
	}
	phys := &Physmem{
		data: make([]byte, nframes*PGSIZE),
		refs: make([]int32, nframes),
		free: make([]Frame, 0, nframes-1),
	}
	// pop order is ascending
	for f := nframes - 1; f >= 1; f-- {
		phys.free = append(phys.free, Frame(f))
	}
	return phys
}

// Total returns the number of frames in the pool, the reserved frame 0
// included.
func (phys *Physmem) Total() int {
	return len(phys.refs)
}

// Free returns the number of frames on the free list.
func (phys *Physmem) Free() int {
	phys.mu.Lock()
	defer phys.mu.Unlock()
	return len(phys.free)
}

// Alloc takes a zeroed frame off the free list. Its reference count is
// zero; the mapping that installs it takes the first reference.
func (phys *Physmem) Alloc() (Frame, error) {
	phys.mu.Lock()
	n := len(phys.free)
	if n == 0 {
		phys.mu.Unlock()
		return 0, ErrNoMem
	}
	f := phys.free[n-1]
	phys.free = phys.free[:n-1]
	phys.mu.Unlock()

	clear(phys.Bytes(f))
	return f, nil
}

func (phys *Physmem) check(f Frame) {
	if f == 0 || int(f) >= len(phys.refs) {
		panic(fmt.Sprintf("physmem: bad frame %#x", uint32(f)))
	}
}

// Refcnt returns the number of mappings of f.
func (phys *Physmem) Refcnt(f Frame) int {
	phys.check(f)
	phys.mu.Lock()
	defer phys.mu.Unlock()
	return int(phys.refs[f])
}

// Refup records one more mapping of f.
func (phys *Physmem) Refup(f Frame) {
	phys.check(f)
	phys.mu.Lock()
	phys.refs[f]++
	phys.mu.Unlock()
}

// Refdown drops one mapping of f and returns true if that freed it.
func (phys *Physmem) Refdown(f Frame) bool {
	phys.check(f)
	phys.mu.Lock()
	defer phys.mu.Unlock()
	phys.refs[f]--
	switch c := phys.refs[f]; {
	case c < 0:
		panic(fmt.Sprintf("physmem: negative ref count on frame %#x", uint32(f)))
	case c == 0:
		phys.free = append(phys.free, f)
		return true
	}
	return false
}

// Bytes returns the contents of f. The slice aliases the frame.
func (phys *Physmem) Bytes(f Frame) []byte {
	phys.check(f)
	off := int(f) * PGSIZE
	return phys.data[off : off+PGSIZE : off+PGSIZE]
}

// Digest returns a short BLAKE2b digest of the frame's contents, used to
// compare frames without dumping them.
func (phys *Physmem) Digest(f Frame) string {
	sum := blake2b.Sum256(phys.Bytes(f))
	return hex.EncodeToString(sum[:8])
}
