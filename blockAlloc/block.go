package blockAlloc

import "github.com/helios-os/kheap/intf"

// Addr is re-exported from intf so allocator methods satisfy
// intf.MemAllocator directly.
type Addr = intf.Addr

// blockRecordSize is the fixed width, in bytes, of one block record as stored
// in the heap-resident metadata table. Block 0 reserves capacity * this many
// bytes at the start of the managed region.
const blockRecordSize = 24

// block describes one contiguous byte range of the managed heap.
type block struct {
	size        uint64 // byte length of the range
	addr        Addr   // start of the range; never dereferenced
	free        bool   // range is available for allocation
	needsDelete bool   // tombstone: merged into a neighbor, dropped on compaction
}

// end returns the first address past the block's range.
func (b *block) end() Addr {
	return b.addr + Addr(b.size)
}

// contains reports whether addr falls inside the block's range.
func (b *block) contains(addr Addr) bool {
	return b.addr <= addr && addr < b.end()
}

// adjacentTo reports whether the two blocks describe touching ranges.
func (b *block) adjacentTo(other *block) bool {
	return b.end() == other.addr || other.end() == b.addr
}

// split carves the first 'size' bytes off the block and returns the remainder
// as a new free block. The caller must ensure size < b.size.
func (b *block) split(size uint64) block {
	rem := block{
		size: b.size - size,
		addr: b.addr + Addr(size),
		free: true,
	}
	b.size = size
	return rem
}

// absorb merges the physically-adjacent 'other' block into b, tombstoning
// 'other' for the next compaction pass. b must be the lower-addressed block.
func (b *block) absorb(other *block) {
	b.size += other.size
	other.needsDelete = true
}
