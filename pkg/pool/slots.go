//go:build go1.21

package pool

import (
	"fmt"
	"unsafe"

	"github.com/emberforge/ember/pkg/vm"
	"github.com/emberforge/ember/pkg/xunsafe/layout"
)

// slots is the indirection table mapping a slot index, as carried by a
// [Handle], to the current generation and value-array position for that
// slot.
//
// Like [freeSlots], it's backed by a region reserved at its maximum
// possible size up front; committing more of it is the only way the pool's
// capacity grows.
type slots struct {
	region *vm.Region
	base   int    // byte offset of this sub-region within region
	data   []slot // full maxIdx-length view over region, only [0,len) committed

	len int
}

// slotGrowthAmount matches the region's page size so every growth commits
// exactly one page.
var slotGrowthAmount = vm.PageSize / layout.Size[slot]()

func newSlots(region *vm.Region, offset int) slots {
	base := &region.Bytes()[offset]
	data := unsafe.Slice((*slot)(unsafe.Pointer(base)), maxIdx)

	return slots{region: region, base: offset, data: data}
}

func (s *slots) get(index slotIndex) (slot, bool) {
	if int(index) < s.len {
		return s.data[index], true
	}

	return 0, false
}

func (s *slots) set(index slotIndex, value slot) {
	if int(index) >= s.len {
		panic(fmt.Sprintf("pool: slot index %d out of range (len=%d)", index, s.len))
	}

	s.data[index] = value
}

// grow commits the next slotGrowthAmount slots, initializing each to the
// empty state, and returns the [lo, hi) range of newly-available indices.
//
// grow is a no-op, returning ok=false, once the table has reached maxCap:
// the pool simply runs out of room rather than growing further.
func (s *slots) grow() (lo, hi slotIndex, ok bool) {
	oldLen := s.len
	newLen := min(oldLen+slotGrowthAmount, maxCap)
	if newLen <= oldLen {
		return 0, 0, false
	}

	offset := s.base + oldLen*layout.Size[slot]()
	size := (newLen - oldLen) * layout.Size[slot]()
	if err := s.region.Commit(offset, size); err != nil {
		panic(fmt.Sprintf("pool: failed to commit slot table growth: %v", err))
	}

	for i := oldLen; i < newLen; i++ {
		s.data[i] = newSlot()
	}

	s.len = newLen

	return slotIndex(oldLen), slotIndex(newLen), true
}
