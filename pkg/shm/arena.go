package shm

import (
	"sort"
	"sync"

	"github.com/cuemby/orbit/pkg/orberr"
)

// arena is a bump allocator with a size-class free list over the tensor
// data region of a Region. Free blocks are tracked per size class
// (rounded up to the next power of two) so that Free/Alloc of
// similarly-sized tensors — the common case, since a given op type
// tends to re-allocate the same shape step after step — reuse space
// without fragmenting the arena. This is the resolution of the arena
// allocator discipline left open in SPEC_FULL.md §9: a buddy allocator
// was considered but rejected as unwarranted complexity for a substrate
// with no sub-block splitting requirement.
type arena struct {
	mu sync.Mutex

	base uint64 // offset of the arena relative to the region start
	size uint64
	next uint64 // bump pointer, relative to base

	freeLists map[uint64][]uint64 // size class -> free offsets (relative to base)
}

func newArena(r *Region, base, regionSize uint64) *arena {
	_ = r
	size := uint64(0)
	if regionSize > base {
		size = regionSize - base
	}
	return &arena{
		base:      base,
		size:      size,
		freeLists: make(map[uint64][]uint64),
	}
}

// sizeClass rounds n up to the next power of two, with a 64-byte floor
// so tiny allocations don't fragment the free list into singleton
// classes.
func sizeClass(n uint64) uint64 {
	const floor = 64
	if n <= floor {
		return floor
	}
	c := uint64(floor)
	for c < n {
		c <<= 1
	}
	return c
}

func alignUp(n, align uint64) uint64 {
	if align == 0 {
		return n
	}
	rem := n % align
	if rem == 0 {
		return n
	}
	return n + (align - rem)
}

// Alloc reserves a block of at least size bytes, aligned to align (must
// be a power of two), and returns its absolute byte offset into the
// region. It first tries the matching free-list size class before
// falling back to bumping the pointer.
func (a *arena) Alloc(size, align uint64) (uint64, error) {
	if size == 0 {
		size = 1
	}
	class := sizeClass(size)

	a.mu.Lock()
	defer a.mu.Unlock()

	if free := a.freeLists[class]; len(free) > 0 && alignUp(a.base+free[len(free)-1], align) == a.base+free[len(free)-1] {
		off := free[len(free)-1]
		a.freeLists[class] = free[:len(free)-1]
		return a.base + off, nil
	}

	aligned := alignUp(a.base+a.next, align) - a.base
	if aligned+class > a.size {
		return 0, orberr.ResourceExhausted(class/(1024*1024)+1, a.size/(1024*1024))
	}
	a.next = aligned + class
	return a.base + aligned, nil
}

// Free returns a previously allocated block to its size class's free
// list. size must be the same value passed to the matching Alloc call.
func (a *arena) Free(offset, size uint64) {
	if size == 0 {
		size = 1
	}
	class := sizeClass(size)
	rel := offset - a.base

	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeLists[class] = append(a.freeLists[class], rel)
}

// Used returns the number of bytes currently bump-allocated, ignoring
// free-list reuse (an upper bound on live bytes, used for metrics).
func (a *arena) Used() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

// FreeListSizes returns the size classes currently holding free blocks,
// sorted ascending, for diagnostics.
func (a *arena) FreeListSizes() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]uint64, 0, len(a.freeLists))
	for class, blocks := range a.freeLists {
		if len(blocks) > 0 {
			out = append(out, class)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
