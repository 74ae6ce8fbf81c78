package blockAlloc

import "github.com/sirupsen/logrus"

// Compact reclaims block table slots: it merges adjacent free blocks to a
// fixpoint, then rebuilds the table with all tombstoned entries dropped.
// Allocated blocks are never moved or resized, so addresses handed out by
// Alloc survive any number of compactions. Returns the number of table slots
// reclaimed; callers use the count only to decide whether a retry is worth
// attempting.
func (a *BlockAlloc) Compact() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.compactLocked()
}

func (a *BlockAlloc) compactLocked() int {

	// Fixpoint: repeat full passes until one completes with no merge.
	total := 0
	for {
		merged := a.mergePass()
		if merged == 0 {
			break
		}
		total += merged
	}

	// Repack, dropping tombstones. Entries keep their relative order, so the
	// table stays address-sorted.
	n := len(a.blocks)
	packed := a.blocks[:0]
	for _, b := range a.blocks {
		if !b.needsDelete {
			packed = append(packed, b)
		}
	}
	a.blocks = packed

	reclaimed := n - len(a.blocks)
	if reclaimed > 0 {
		logrus.Debugf("kheap: compaction merged %v blocks, reclaimed %v of %v table slots",
			total, reclaimed, a.capacity)
	}
	return reclaimed
}

// mergePass runs one scan over the table, folding every adjacent pair of free
// blocks into the earlier one. Returns the number of merges performed.
func (a *BlockAlloc) mergePass() int {
	merged := 0
	i := 0
	for i >= 0 && i < len(a.blocks) {
		if a.blocks[i].needsDelete {
			i++
			continue
		}
		j := a.nextLive(i)
		if j < 0 {
			break
		}
		b, nb := &a.blocks[i], &a.blocks[j]
		if b.free && nb.free && b.end() == nb.addr {
			b.absorb(nb)
			merged++
			continue
		}
		i = j
	}
	return merged
}
