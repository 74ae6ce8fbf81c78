//
// kheap interfaces
//

package intf

// Addr is an opaque address within a managed heap region. The allocator
// orders addresses and tests range containment but never dereferences them,
// so heap logic can run host-side against addresses that map no real memory.
type Addr uint64

// The MemAllocator interface defines the interface exposed by the entity that
// manages a fixed heap region and serves arbitrary-size allocations from it.
type MemAllocator interface {

	// Alloc allocates 'size' bytes, aligned to 'align' (a power of two; 0 and
	// 1 mean unaligned); possible errors are nil, ErrOutOfMemory (no free
	// block fits and no virgin space remains), or ErrTableFull (block
	// metadata exhausted even after compaction).
	Alloc(size, align uint64) (Addr, error)

	// Free releases a previously allocated address. Invalid, foreign and
	// repeated frees are absorbed silently; Free never fails observably.
	Free(addr Addr)

	// AllocationBalance returns the count of allocations minus the count of
	// deallocations; a non-zero value after a matched workload flags a leak.
	// Diagnostic only, never used for control flow.
	AllocationBalance() int64
}
