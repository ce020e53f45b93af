//go:build go1.21

package pool

import (
	"fmt"
	"unsafe"

	"github.com/emberforge/ember/pkg/vm"
	"github.com/emberforge/ember/pkg/xunsafe/layout"
)

// freeSlots is a FIFO ring of recycled slot indices, backed by a region of
// virtual memory reserved once at its maximum possible size (maxIdx slots)
// and committed incrementally in power-of-two-sized doublings.
//
// head and tail only ever increase; the ring position is their value
// modulo cap, which requires cap to stay a power of two.
type freeSlots struct {
	region *vm.Region
	data   []slotIndex // full maxIdx-length view over region, only [0,cap) committed

	head, tail, cap int
}

func newFreeSlots(region *vm.Region, offset int) freeSlots {
	base := &region.Bytes()[offset]
	data := unsafe.Slice((*slotIndex)(unsafe.Pointer(base)), maxIdx)

	return freeSlots{region: region, data: data}
}

func (f *freeSlots) len() int { return f.head - f.tail }

func (f *freeSlots) isEmpty() bool { return f.len() == 0 }

func (f *freeSlots) isFull() bool { return f.cap != 0 && f.len() == f.cap }

func (f *freeSlots) push(index slotIndex) {
	if f.cap == 0 || f.isFull() {
		f.grow()
	}

	pos := f.head & (f.cap - 1)
	f.head++
	f.data[pos] = index
}

func (f *freeSlots) pop() (slotIndex, bool) {
	if f.isEmpty() {
		return 0, false
	}

	pos := f.tail & (f.cap - 1)
	f.tail++

	return f.data[pos], true
}

// grow doubles the ring's committed capacity, starting at 1024 entries.
//
// Growth does not preserve FIFO ordering across the resize: the existing
// entries are left exactly where they are in the backing array and the
// head/tail cursors are repositioned to treat that whole committed range as
// pending, which is simpler than shuffling entries around and is harmless,
// since nothing about correctness depends on popping slots in the order
// they were freed.
func (f *freeSlots) grow() {
	if f.cap > maxIdx {
		panic(fmt.Sprintf("pool: free-slot ring overflow at capacity %d", f.cap))
	}

	newCap := 1024
	if f.cap != 0 {
		newCap = f.cap << 1
	}

	offset := f.cap * layout.Size[slotIndex]()
	size := (newCap - f.cap) * layout.Size[slotIndex]()
	if err := f.region.Commit(offset, size); err != nil {
		panic(fmt.Sprintf("pool: failed to commit free-slot ring growth: %v", err))
	}

	if !f.isEmpty() {
		f.tail = 0
		f.head = f.cap
	}

	f.cap = newCap
}
