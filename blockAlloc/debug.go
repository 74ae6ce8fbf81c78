package blockAlloc

import (
	"bytes"
	"fmt"

	"github.com/sirupsen/logrus"
)

// AllocationBalance returns allocations minus deallocations since init. A
// matched workload returns the balance to its pre-workload value; anything
// else is a leak. Diagnostic only.
func (a *BlockAlloc) AllocationBalance() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocBalance
}

// DidLeak reports whether the allocation balance has drifted from zero.
func (a *BlockAlloc) DidLeak() bool {
	return a.AllocationBalance() != 0
}

// AllocatedCount returns the number of allocated blocks in the table. Always
// at least 1, since block 0 (the table's own storage) is never free.
func (a *BlockAlloc) AllocatedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	count := 0
	for _, b := range a.blocks {
		if !b.needsDelete && !b.free {
			count++
		}
	}
	return count
}

// PtrIsAllocated reports whether addr falls inside a currently allocated
// block.
func (a *BlockAlloc) PtrIsAllocated(addr Addr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	i := a.findContaining(addr)
	return i >= 0 && !a.blocks[i].free
}

// DebugDump renders the live block table as one CSV row per block, fields
// address, size and is_free in that order. The allocator performs no I/O;
// pushing the bytes through a transport for visualization is the caller's
// business.
func (a *BlockAlloc) DebugDump() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	var buf bytes.Buffer
	for _, b := range a.blocks {
		if b.needsDelete {
			continue
		}
		fmt.Fprintf(&buf, "%#x,%d,%t\n", uint64(b.addr), b.size, b.free)
	}
	return buf.Bytes()
}

// PrintState logs a one-line summary of the table for debugging.
func (a *BlockAlloc) PrintState() {
	a.mu.Lock()
	defer a.mu.Unlock()

	allocated := 0
	live := 0
	for _, b := range a.blocks {
		if b.needsDelete {
			continue
		}
		live++
		if !b.free {
			allocated++
		}
	}

	logrus.Debugf("kheap: allocated/free: %v/%v; entries: %v/%v; balance: %v; region %#x-%#x, unmapped from %#x",
		allocated, live-allocated, len(a.blocks), a.capacity, a.allocBalance,
		uint64(a.heapStart), uint64(a.heapEnd), uint64(a.unmappedStart))
}

// Verify walks the table and checks the allocator's structural invariants:
// live blocks address-sorted and non-overlapping, their union exactly
// [heapStart, unmappedStart), block 0 allocated and covering the table
// storage, and the unmapped boundary inside the region.
func (a *BlockAlloc) Verify() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.verifyLocked()
}

func (a *BlockAlloc) verifyLocked() error {

	if len(a.blocks) == 0 {
		return fmt.Errorf("block table is empty")
	}

	b0 := &a.blocks[0]
	if b0.needsDelete || b0.free {
		return fmt.Errorf("block 0 must be live and allocated")
	}
	if b0.addr != a.heapStart || b0.size != uint64(a.capacity)*blockRecordSize {
		return fmt.Errorf("block 0 (%#x+%v) does not cover the table storage",
			uint64(b0.addr), b0.size)
	}

	if a.unmappedStart > a.heapEnd {
		return fmt.Errorf("unmapped boundary %#x past heap end %#x",
			uint64(a.unmappedStart), uint64(a.heapEnd))
	}

	cursor := a.heapStart
	for i := range a.blocks {
		b := &a.blocks[i]
		if b.needsDelete {
			continue
		}
		if b.size == 0 {
			return fmt.Errorf("block %v at %#x has zero size", i, uint64(b.addr))
		}
		if b.addr != cursor {
			return fmt.Errorf("block %v at %#x breaks coverage at %#x (gap or overlap)",
				i, uint64(b.addr), uint64(cursor))
		}
		cursor = b.end()
	}

	if cursor != a.unmappedStart {
		return fmt.Errorf("blocks cover up to %#x; want the unmapped boundary %#x",
			uint64(cursor), uint64(a.unmappedStart))
	}

	return nil
}
