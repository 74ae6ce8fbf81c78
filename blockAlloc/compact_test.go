package blockAlloc

import (
	"bytes"
	"testing"
)

// fragmentedHeap builds a 6-slot table filled to capacity: the table block,
// four 500-byte allocations and the free tail of the bootstrap page.
func fragmentedHeap(t *testing.T) (*BlockAlloc, []Addr) {
	t.Helper()

	heap := newTestHeap(t, 0x100000, 0x110000, 6)

	var ptrs []Addr
	for i := 0; i < 4; i++ {
		p, err := heap.Alloc(500, 0)
		if err != nil {
			t.Fatalf("Alloc(500) #%v failed: %v", i, err)
		}
		ptrs = append(ptrs, p)
	}

	if len(heap.blocks) != heap.capacity {
		t.Fatalf("setup: table has %v entries; want full capacity %v",
			len(heap.blocks), heap.capacity)
	}
	return heap, ptrs
}

func TestCompactReclaimsTombstones(t *testing.T) {

	heap, ptrs := fragmentedHeap(t)

	// Freeing a block with no free neighbor reclaims nothing.
	heap.Free(ptrs[1])
	if got := heap.Compact(); got != 0 {
		t.Errorf("Compact() with no tombstones: reclaimed %v, want 0", got)
	}

	// Freeing its neighbor merges the pair and tombstones one entry.
	heap.Free(ptrs[2])
	balance := heap.AllocationBalance()
	entries := len(heap.blocks)

	reclaimed := heap.Compact()

	if reclaimed != 1 {
		t.Errorf("Compact(): reclaimed %v, want 1", reclaimed)
	}
	if got := len(heap.blocks); got != entries-1 {
		t.Errorf("entry count after compaction: got %v, want %v", got, entries-1)
	}
	if got := heap.AllocationBalance(); got != balance {
		t.Errorf("compaction alone moved the balance: got %v, want %v", got, balance)
	}
	verifyHeap(t, heap)
}

func TestAllocCompactsWhenTableFull(t *testing.T) {

	heap, ptrs := fragmentedHeap(t)

	// Merge two neighbors so the full table holds one tombstone.
	heap.Free(ptrs[1])
	heap.Free(ptrs[2])

	// The split needs a table slot; the allocator must compact under the
	// same critical section and retry rather than fail.
	q, err := heap.Alloc(100, 0)
	if err != nil {
		t.Fatalf("Alloc(100) with reclaimable table: %v", err)
	}
	if q != ptrs[1] {
		t.Errorf("Alloc(100): got %#x, want first-fit reuse of %#x",
			uint64(q), uint64(ptrs[1]))
	}
	verifyHeap(t, heap)
}

func TestMetadataExhausted(t *testing.T) {

	heap, _ := fragmentedHeap(t)
	balance := heap.AllocationBalance()

	// Table full, nothing tombstoned, and a split would need a new entry:
	// compaction reclaims nothing and the allocation must fail.
	if _, err := heap.Alloc(100, 0); err != ErrTableFull {
		t.Errorf("Alloc(100) on exhausted table: err = %v, want %v", err, ErrTableFull)
	}
	if got := heap.AllocationBalance(); got != balance {
		t.Errorf("failed alloc moved the balance: got %v, want %v", got, balance)
	}
	verifyHeap(t, heap)

	// A request between 1x and 2x of the free tail uses it whole, needing no
	// new entry; it must still succeed with the table at capacity.
	p, err := heap.Alloc(1500, 0)
	if err != nil {
		t.Fatalf("unsplit Alloc(1500) on full table failed: %v", err)
	}
	if p != 0x100860 {
		t.Errorf("unsplit Alloc(1500): got %#x, want 0x100860", uint64(p))
	}
	verifyHeap(t, heap)
}

func TestCompactMergesFreeRuns(t *testing.T) {

	heap := newTestHeap(t, 0x100000, 0x200000, 16)
	initial := heap.DebugDump()

	var ptrs []Addr
	for i := 0; i < 5; i++ {
		p, err := heap.Alloc(300, 0)
		if err != nil {
			t.Fatalf("Alloc(300) #%v failed: %v", i, err)
		}
		ptrs = append(ptrs, p)
	}

	// Free in an order that exercises forward merges, backward merges and
	// plain no-neighbor frees.
	for _, i := range []int{0, 2, 4, 1, 3} {
		heap.Free(ptrs[i])
	}

	if got := heap.Compact(); got != 5 {
		t.Errorf("Compact(): reclaimed %v, want 5", got)
	}
	verifyHeap(t, heap)

	if got := heap.DebugDump(); !bytes.Equal(got, initial) {
		t.Errorf("compacted table differs from initial layout:\ngot:\n%swant:\n%s", got, initial)
	}
	if got := heap.AllocationBalance(); got != 0 {
		t.Errorf("balance: got %v, want 0", got)
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {

	heap := newTestHeap(t, 0x1000, 0x2000, 4)
	initial := heap.DebugDump()

	p, err := heap.Alloc(256, 0)
	if err != nil {
		t.Fatalf("Alloc(256) failed: %v", err)
	}
	heap.Free(p)
	heap.Compact()

	if got := heap.DebugDump(); !bytes.Equal(got, initial) {
		t.Errorf("alloc/free round trip changed the topology:\ngot:\n%swant:\n%s", got, initial)
	}
	verifyHeap(t, heap)
}
