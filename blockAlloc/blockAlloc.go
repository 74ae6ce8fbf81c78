// Implementation of a block-based heap allocator with bounded metadata.
//
// The BlockAlloc class manages a fixed memory region handed to it at init
// time and satisfies arbitrary-size allocation and deallocation requests from
// it. All allocator state lives in a single block table: an address-ordered,
// fixed-capacity array of block records whose storage is itself accounted as
// block 0 of the heap. There is no fallback allocator; when the table or the
// region is exhausted the allocator reports it and nothing else.
//
// A BlockAlloc object is created with New(), allocations are performed with
// Alloc(), and freeing is performed with Free().
//
// Allocation scans the table in address order and picks the first free block
// large enough for the request (first-fit). First-fit keeps latency at a
// predictable O(n) over table entries at the cost of some fragmentation;
// while scanning, runs of physically adjacent free blocks are merged
// opportunistically since the scan is already linear. A block more than twice
// the request is split; a block between 1x and 2x is used whole, which avoids
// creating slivers too small to ever be reused. When no free block fits, a
// new block is carved from the virgin region past the unmapped boundary.
//
// Freeing never splices the table: a block merged into its neighbor is only
// tombstoned, and tombstones are physically removed by the batched Compact()
// pass. This keeps each free O(1) amortized instead of paying an O(n) array
// shift per call. Compaction never moves or resizes an allocated block;
// addresses returned by Alloc() are stable for the life of the allocation.
//
// Addresses are opaque: the allocator orders them and tests containment but
// never dereferences them, so the whole allocator can be exercised host-side.
//
// All public operations run under a single in-struct mutex; the
// compact-then-retry sequence inside Alloc() is one critical section, never
// two. On the freestanding port this lock maps to a spinlock with interrupts
// masked for the duration of the critical section.

package blockAlloc

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/helios-os/kheap/intf"
)

// DefaultCapacity is the block table capacity used by the kernel heap unless
// the caller asks for another one.
const DefaultCapacity = 512

// bootstrapPage is the extent of heap carved at init beyond the table itself.
// The rest of the region stays past the unmapped boundary until first use.
const bootstrapPage = 4096

var (
	// ErrOutOfMemory indicates that no free block can satisfy the request and
	// no virgin space remains. Recoverable: the allocator state is unchanged.
	ErrOutOfMemory = errors.New("kheap: out of memory")

	// ErrTableFull indicates the block table is at capacity even after a
	// compaction pass. The earliest boot allocation path treats this as
	// unrecoverable (there is no secondary allocator to report through); any
	// other caller may treat it as a failed allocation.
	ErrTableFull = errors.New("kheap: block table full")

	// ErrInvalidSize indicates a zero-size allocation request.
	ErrInvalidSize = errors.New("kheap: invalid size")

	// ErrBadAlign indicates an alignment that is not a power of two.
	ErrBadAlign = errors.New("kheap: alignment must be a power of two")
)

// BlockAlloc is a block-table heap allocator over one fixed memory region.
type BlockAlloc struct {
	blocks        []block // address-ordered; fixed capacity
	capacity      int
	heapStart     Addr
	heapEnd       Addr
	unmappedStart Addr  // memory in [unmappedStart, heapEnd) was never carved
	allocBalance  int64 // allocs minus frees; leak diagnostic only
	mu            sync.Mutex
}

var _ intf.MemAllocator = (*BlockAlloc)(nil)

// New creates a BlockAlloc managing [heapStart, heapEnd). The region must be
// able to hold 'capacity' block records plus at least one allocatable byte.
// The table starts with exactly two entries: block 0 covering the table's own
// storage at heapStart (allocated, never freed) and block 1 covering the free
// remainder of the bootstrap carve. Memory past the bootstrap carve stays
// behind the unmapped boundary and is carved on demand.
func New(heapStart, heapEnd Addr, capacity int) (*BlockAlloc, error) {

	if capacity < 2 {
		return nil, fmt.Errorf("capacity must be at least 2; got %v", capacity)
	}

	if heapStart >= heapEnd {
		return nil, fmt.Errorf("heap start %#x must be below heap end %#x", uint64(heapStart), uint64(heapEnd))
	}

	// Bound capacity by what the region can hold before computing the table
	// size, so the multiplication below can't wrap.
	if uint64(capacity) > uint64(heapEnd-heapStart)/blockRecordSize {
		return nil, fmt.Errorf("heap of %v bytes can't hold a %v-entry block table",
			uint64(heapEnd-heapStart), capacity)
	}

	tableBytes := uint64(capacity) * blockRecordSize
	if uint64(heapEnd-heapStart) <= tableBytes {
		return nil, fmt.Errorf("heap of %v bytes can't hold a %v-entry block table (%v bytes)",
			uint64(heapEnd-heapStart), capacity, tableBytes)
	}

	tableEnd := heapStart + Addr(tableBytes)
	carveEnd := tableEnd + bootstrapPage
	if carveEnd > heapEnd || carveEnd < tableEnd {
		carveEnd = heapEnd
	}

	a := &BlockAlloc{
		blocks:        make([]block, 0, capacity),
		capacity:      capacity,
		heapStart:     heapStart,
		heapEnd:       heapEnd,
		unmappedStart: carveEnd,
	}

	a.blocks = append(a.blocks, block{size: tableBytes, addr: heapStart})
	a.blocks = append(a.blocks, block{size: uint64(carveEnd - tableEnd), addr: tableEnd, free: true})

	logrus.Debugf("kheap: block table at %#x (%v entries, %v bytes); bootstrap carve up to %#x; region %#x-%#x",
		uint64(heapStart), capacity, tableBytes, uint64(carveEnd), uint64(heapStart), uint64(heapEnd))

	return a, nil
}

// Alloc allocates 'size' bytes aligned to 'align' and returns the address.
// align must be a power of two; 0 and 1 mean unaligned. Alignment padding is
// carried as wasted space inside the same block, so any address inside the
// block resolves back to it on Free.
func (a *BlockAlloc) Alloc(size, align uint64) (Addr, error) {

	if size == 0 {
		return 0, ErrInvalidSize
	}

	if align > 1 && !isPowerOfTwo(align) {
		return 0, ErrBadAlign
	}

	// Over-allocate by the alignment so the rounded-up address always fits.
	// A request this close to the uint64 ceiling can never be satisfied; fail
	// it here rather than let the addition wrap into a tiny padded size.
	padded := size
	if align > 1 {
		if size > math.MaxUint64-align {
			return 0, ErrOutOfMemory
		}
		padded += align
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	addr, err := a.allocLocked(padded, align)
	if errors.Is(err, ErrTableFull) {
		// The table is full; reclaim tombstoned slots and retry once. Both
		// attempts run under the same lock acquisition so a concurrent free
		// can't invalidate the just-compacted layout mid-allocation.
		if a.compactLocked() > 0 {
			addr, err = a.allocLocked(padded, align)
		}
	}
	if err != nil {
		return 0, err
	}

	a.allocBalance++
	return addr, nil
}

// allocLocked performs one first-fit search/carve attempt. It mutates nothing
// when it fails, so the caller may compact and call it again.
func (a *BlockAlloc) allocLocked(padded, align uint64) (Addr, error) {

	for i := 0; i < len(a.blocks); i++ {
		b := &a.blocks[i]
		if b.needsDelete || !b.free {
			continue
		}

		// Merge the run of physically adjacent free blocks starting here
		// before sizing it up; the scan is already linear so this is cheap.
		for {
			j := a.nextLive(i)
			if j < 0 {
				break
			}
			nb := &a.blocks[j]
			if !nb.free || b.end() != nb.addr {
				break
			}
			b.absorb(nb)
		}

		if b.size < padded {
			continue
		}

		// First fit. Split only when the block is more than double the
		// request; between 1x and 2x the whole block is used to avoid
		// leaving behind unusable slivers.
		if b.size-padded > padded {
			if len(a.blocks) == a.capacity {
				return 0, ErrTableFull
			}
			rem := b.split(padded)
			b.free = false

			// Tombstones keep their former start addresses, so the table stays
			// address-sorted with them included; slot the remainder past any
			// tombstones it trails.
			j := i + 1
			for j < len(a.blocks) && a.blocks[j].needsDelete && a.blocks[j].addr < rem.addr {
				j++
			}
			a.insertAt(j, rem)
			logrus.Debugf("kheap: split block %#x+%v, remainder %#x+%v",
				uint64(b.addr), b.size, uint64(rem.addr), rem.size)
			return alignUp(b.addr, align), nil
		}

		b.free = false
		return alignUp(b.addr, align), nil
	}

	// No free block fits; carve from virgin space if any remains.
	if padded <= uint64(a.heapEnd-a.unmappedStart) {
		if len(a.blocks) == a.capacity {
			return 0, ErrTableFull
		}
		nb := block{size: padded, addr: a.unmappedStart}
		a.blocks = append(a.blocks, nb)
		a.unmappedStart += Addr(padded)
		logrus.Debugf("kheap: carved %v bytes at %#x; unmapped boundary now %#x",
			padded, uint64(nb.addr), uint64(a.unmappedStart))
		return alignUp(nb.addr, align), nil
	}

	return 0, ErrOutOfMemory
}

// Free releases the allocation containing addr. Addresses outside the managed
// region, addresses matching no block, repeated frees of the same block and
// frees of the table block are absorbed silently: the allocator never trusts
// a foreign pointer enough to crash on it.
func (a *BlockAlloc) Free(addr Addr) {

	a.mu.Lock()
	defer a.mu.Unlock()

	if addr < a.heapStart || addr >= a.unmappedStart {
		logrus.Debugf("kheap: ignoring free of foreign address %#x", uint64(addr))
		return
	}

	i := a.findContaining(addr)
	if i < 0 {
		logrus.Debugf("kheap: ignoring free of unknown address %#x", uint64(addr))
		return
	}

	if i == 0 {
		logrus.Debugf("kheap: ignoring free of the block table itself (%#x)", uint64(addr))
		return
	}

	b := &a.blocks[i]
	if b.free {
		logrus.Debugf("kheap: ignoring double free of %#x", uint64(addr))
		return
	}

	b.free = true
	a.allocBalance--

	// Merge with the physical successor, then fold into the predecessor, so
	// no two adjacent live entries are left free once this returns. The later
	// entry of each merge is only tombstoned; Compact() splices it out.
	if j := a.nextLive(i); j >= 0 {
		nb := &a.blocks[j]
		if nb.free && b.end() == nb.addr {
			b.absorb(nb)
		}
	}
	if p := a.prevLive(i); p >= 0 {
		pb := &a.blocks[p]
		if pb.free && pb.end() == b.addr {
			pb.absorb(b)
		}
	}
}

// findContaining returns the index of the live block whose range contains
// addr, or -1. Blocks are kept address-sorted, so a binary search lands on
// the candidate; tombstoned entries in between belong to the live block to
// their left.
func (a *BlockAlloc) findContaining(addr Addr) int {
	lo, hi := 0, len(a.blocks)
	for lo < hi {
		mid := (lo + hi) / 2
		if a.blocks[mid].addr <= addr {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	i := lo - 1
	for i >= 0 && a.blocks[i].needsDelete {
		i--
	}
	if i < 0 || !a.blocks[i].contains(addr) {
		return -1
	}
	return i
}

// nextLive returns the index of the first non-tombstoned entry after i, or -1.
func (a *BlockAlloc) nextLive(i int) int {
	for j := i + 1; j < len(a.blocks); j++ {
		if !a.blocks[j].needsDelete {
			return j
		}
	}
	return -1
}

// prevLive returns the index of the first non-tombstoned entry before i, or -1.
func (a *BlockAlloc) prevLive(i int) int {
	for j := i - 1; j >= 0; j-- {
		if !a.blocks[j].needsDelete {
			return j
		}
	}
	return -1
}

// insertAt places b at index i, shifting later entries up. The caller must
// have checked capacity; the backing array never reallocates.
func (a *BlockAlloc) insertAt(i int, b block) {
	a.blocks = append(a.blocks, block{})
	copy(a.blocks[i+1:], a.blocks[i:])
	a.blocks[i] = b
}
