//go:build go1.21

package tlsf

import "fmt"

// Allocation is a suballocated span returned by [TLSF.Allocate].
type Allocation struct {
	SuperBlock int
	Offset     int
	Size       int
}

// TLSF is a two-level segregated-fit allocator over zero or more
// caller-registered super-blocks.
//
// The zero TLSF is ready to use.
type TLSF struct {
	free        freeList
	superBlocks []superBlock
	blocks      []block
	freeBlocks  []int // recycled block-struct slots, from merges
}

// New constructs an empty TLSF instance with no super-blocks registered.
func New() *TLSF {
	return &TLSF{}
}

// InsertSuperBlock registers a new span of size bytes as wholly free,
// tagged with userData for later retrieval by [TLSF.RemoveEmptySuperBlocks]
// and [TLSF.Clear]. It returns the new super-block's id, which
// [Allocation.SuperBlock] carries for every span cut from it.
func (t *TLSF) InsertSuperBlock(size int, userData any) int {
	if size < MinAlign {
		panic(fmt.Sprintf("tlsf: super-block size %d is smaller than MinAlign %d", size, MinAlign))
	}

	sbID := len(t.superBlocks)
	blockIdx := t.newBlock(block{
		superBlock: sbID,
		offset:     0,
		size:       size,
		free:       true,
		prevPhys:   none,
		nextPhys:   none,
	})

	t.superBlocks = append(t.superBlocks, superBlock{size: size, userData: userData, firstBlock: blockIdx})
	t.free.insert(t.blocks, blockIdx)

	return sbID
}

// Allocate returns a span of at least size bytes, aligned to align, cut
// from an existing super-block. It returns ok=false without side effects
// if no registered super-block has room; Allocate never registers a new
// super-block itself.
func (t *TLSF) Allocate(size, align int) (alloc Allocation, ok bool) {
	if align < MinAlign {
		align = MinAlign
	}

	size = roundUpAlign(size, MinAlign)

	// Search pessimistically for a block big enough to hold size bytes
	// starting anywhere up to align-1 bytes into it, since the exact
	// offset within the found block isn't known until after it's found.
	searchSize := size + align - MinAlign

	idx := t.free.find(searchSize)
	if idx == none {
		return Allocation{}, false
	}

	t.free.remove(t.blocks, idx)
	b := &t.blocks[idx]
	b.free = false

	alignedOffset := roundUpAlign(b.offset, align)
	frontPad := alignedOffset - b.offset
	if frontPad > 0 {
		t.splitFront(idx, frontPad)
		b = &t.blocks[idx]
	}

	if b.size > size {
		t.splitTail(idx, size)
		b = &t.blocks[idx]
	}

	t.superBlocks[b.superBlock].live++

	return Allocation{SuperBlock: b.superBlock, Offset: b.offset, Size: b.size}, true
}

// Free returns alloc's span to its super-block's free lists, coalescing
// with any free physical neighbor.
func (t *TLSF) Free(alloc Allocation) {
	idx := t.findBlockAt(alloc.SuperBlock, alloc.Offset)
	if idx == none {
		panic("tlsf: Free called with an allocation that does not match any live block")
	}

	b := &t.blocks[idx]
	if b.free {
		panic("tlsf: double free")
	}

	b.free = true
	t.superBlocks[b.superBlock].live--

	idx = t.coalesce(idx)
	t.free.insert(t.blocks, idx)
}

// RemoveEmptySuperBlocks un-registers every super-block with no live
// allocations, invoking callback with each one's user data before removal.
func (t *TLSF) RemoveEmptySuperBlocks(callback func(userData any)) {
	for sbID := range t.superBlocks {
		if t.superBlocks[sbID].size == 0 {
			continue // already removed
		}

		if t.superBlocks[sbID].live == 0 {
			t.removeSuperBlock(sbID, callback)
		}
	}
}

// Clear un-registers every super-block unconditionally, invoking callback
// with each one's user data.
func (t *TLSF) Clear(callback func(userData any)) {
	for sbID := range t.superBlocks {
		if t.superBlocks[sbID].size == 0 {
			continue
		}

		t.removeSuperBlock(sbID, callback)
	}
}

func (t *TLSF) removeSuperBlock(sbID int, callback func(userData any)) {
	sb := t.superBlocks[sbID]

	// Walk the super-block's blocks in address order, unfiling the free
	// ones and recycling every block struct. A super-block with no live
	// allocations has exactly one block here: the single coalesced free
	// span covering it end to end.
	for idx := sb.firstBlock; idx != none; {
		next := t.blocks[idx].nextPhys
		if t.blocks[idx].free {
			t.free.remove(t.blocks, idx)
		}
		t.freeBlocks = append(t.freeBlocks, idx)
		idx = next
	}

	callback(sb.userData)

	t.superBlocks[sbID] = superBlock{}
}

func (t *TLSF) newBlock(b block) int {
	if n := len(t.freeBlocks); n > 0 {
		idx := t.freeBlocks[n-1]
		t.freeBlocks = t.freeBlocks[:n-1]
		t.blocks[idx] = b
		return idx
	}

	t.blocks = append(t.blocks, b)
	return len(t.blocks) - 1
}

// splitFront carves off the first n bytes of the block at idx into its own
// free block, shrinking idx's block to start after it.
func (t *TLSF) splitFront(idx, n int) {
	b := t.blocks[idx]

	front := t.newBlock(block{
		superBlock: b.superBlock,
		offset:     b.offset,
		size:       n,
		free:       true,
		prevPhys:   b.prevPhys,
		nextPhys:   idx,
	})

	if b.prevPhys != none {
		t.blocks[b.prevPhys].nextPhys = front
	} else {
		t.superBlocks[b.superBlock].firstBlock = front
	}

	t.blocks[idx].offset += n
	t.blocks[idx].size -= n
	t.blocks[idx].prevPhys = front

	t.free.insert(t.blocks, front)
}

// splitTail carves the block at idx down to exactly n bytes, filing the
// remainder as a new free block immediately after it.
func (t *TLSF) splitTail(idx, n int) {
	b := t.blocks[idx]
	remaining := b.size - n

	tail := t.newBlock(block{
		superBlock: b.superBlock,
		offset:     b.offset + n,
		size:       remaining,
		free:       true,
		prevPhys:   idx,
		nextPhys:   b.nextPhys,
	})

	if b.nextPhys != none {
		t.blocks[b.nextPhys].prevPhys = tail
	}

	t.blocks[idx].size = n
	t.blocks[idx].nextPhys = tail

	t.free.insert(t.blocks, tail)
}

// coalesce merges the free block at idx with any free physical neighbor,
// returning the (possibly different) index of the merged block.
func (t *TLSF) coalesce(idx int) int {
	b := t.blocks[idx]

	if next := b.nextPhys; next != none && t.blocks[next].free {
		t.free.remove(t.blocks, next)
		nb := t.blocks[next]

		t.blocks[idx].size += nb.size
		t.blocks[idx].nextPhys = nb.nextPhys
		if nb.nextPhys != none {
			t.blocks[nb.nextPhys].prevPhys = idx
		}

		t.freeBlocks = append(t.freeBlocks, next)
	}

	b = t.blocks[idx]
	if prev := b.prevPhys; prev != none && t.blocks[prev].free {
		t.free.remove(t.blocks, prev)

		t.blocks[prev].size += b.size
		t.blocks[prev].nextPhys = b.nextPhys
		if b.nextPhys != none {
			t.blocks[b.nextPhys].prevPhys = prev
		}

		if t.superBlocks[b.superBlock].firstBlock == idx {
			t.superBlocks[b.superBlock].firstBlock = prev
		}

		t.freeBlocks = append(t.freeBlocks, idx)
		idx = prev
	}

	return idx
}

func (t *TLSF) findBlockAt(sbID, offset int) int {
	idx := t.superBlocks[sbID].firstBlock
	for idx != none {
		b := &t.blocks[idx]
		if b.offset == offset {
			return idx
		}

		idx = b.nextPhys
	}

	return none
}
