package hostmem

import (
	"os"
	"testing"

	"github.com/helios-os/kheap/blockAlloc"
	"github.com/helios-os/kheap/intf"
)

func TestMapBounds(t *testing.T) {

	arena, err := Map(8192)
	if err != nil {
		t.Fatalf("Map(8192) failed: %v", err)
	}
	defer arena.Close()

	pageSize := uint64(os.Getpagesize())
	if arena.Base()%pageSize != 0 {
		t.Errorf("arena base %#x not page aligned", arena.Base())
	}
	if arena.End()-arena.Base() != 8192 {
		t.Errorf("arena span: got %v, want 8192", arena.End()-arena.Base())
	}
	if arena.Size() != 8192 {
		t.Errorf("arena size: got %v, want 8192", arena.Size())
	}
}

func TestMapBadSize(t *testing.T) {

	for _, size := range []int{0, -1} {
		if _, err := Map(size); err == nil {
			t.Errorf("Map(%v): expect error, got nil", size)
		}
	}
}

func TestCloseTwice(t *testing.T) {

	arena, err := Map(4096)
	if err != nil {
		t.Fatalf("Map(4096) failed: %v", err)
	}
	if err := arena.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}
	if err := arena.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
}

// The arena's whole purpose is backing a simulated heap; run a small
// allocate/free cycle against it.
func TestArenaBackedHeap(t *testing.T) {

	arena, err := Map(1 << 16)
	if err != nil {
		t.Fatalf("Map(64k) failed: %v", err)
	}
	defer arena.Close()

	heap, err := blockAlloc.New(intf.Addr(arena.Base()), intf.Addr(arena.End()), 32)
	if err != nil {
		t.Fatalf("New() over arena failed: %v", err)
	}

	var ptrs []intf.Addr
	for i := 0; i < 8; i++ {
		p, err := heap.Alloc(512, 8)
		if err != nil {
			t.Fatalf("Alloc(512, 8) #%v failed: %v", i, err)
		}
		if uint64(p) < arena.Base() || uint64(p)+512 > arena.End() {
			t.Errorf("allocation %#x+512 outside the arena %#x-%#x",
				uint64(p), arena.Base(), arena.End())
		}
		ptrs = append(ptrs, p)
	}

	for _, p := range ptrs {
		heap.Free(p)
	}

	if err := heap.Verify(); err != nil {
		t.Errorf("heap invariants violated: %v", err)
	}
	if heap.DidLeak() {
		t.Errorf("heap leaked: balance %v", heap.AllocationBalance())
	}
}
