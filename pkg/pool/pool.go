//go:build go1.21

package pool

import (
	"fmt"
	"unsafe"

	"github.com/emberforge/ember/internal/debug"
	"github.com/emberforge/ember/pkg/opt"
	"github.com/emberforge/ember/pkg/vm"
	"github.com/emberforge/ember/pkg/xunsafe/layout"
)

// minFreeSlots is the minimum number of recycled slot indices the pool
// tries to keep on hand. Keeping at least this many free guarantees at
// least minFreeSlots * 2^(genBits-1) insert/remove cycles occur before a
// slot's generation counter can wrap and a duplicate handle becomes
// possible.
const minFreeSlots = 512

// Pool allocates values of type T and hands back a [Handle] identifying
// each one. A handle survives exactly as long as the value it names: once
// removed, looking it up again -- even after its slot has been recycled
// for something else -- reports nothing found rather than returning the
// new occupant, until that slot's generation counter wraps around (see
// minFreeSlots).
//
// The zero Pool is not valid; construct one with [New].
type Pool[T any] struct {
	encodeMul, decodeMul uint32

	region    *vm.Region
	freeSlots freeSlots
	slots     slots

	values    []T
	valueSlot []slotIndex // valueIndex -> slotIndex, parallel to values
}

// New constructs an empty pool.
//
// This reserves a large range of virtual address space up front (bounded
// by the 23 index bits a [Handle] can carry) but commits none of it until
// values are actually inserted.
func New[T any]() *Pool[T] {
	freeSlotsSize := roundUpPage(maxIdx * layout.Size[slotIndex]())
	slotsSize := roundUpPage(maxIdx * layout.Size[slot]())

	region, err := vm.Reserve(freeSlotsSize + slotsSize)
	if err != nil {
		panic(fmt.Sprintf("pool: failed to reserve address space: %v", err))
	}

	// The region's base address is page-aligned, so its low bits are
	// always zero; shift them out and force the result odd so it has a
	// multiplicative inverse mod 2^32.
	base := uintptr(unsafe.Pointer(&region.Bytes()[0]))
	encodeMul := uint32(base/uintptr(vm.PageSize)) | 1
	decodeMul := modInverseU32(encodeMul)

	return &Pool[T]{
		encodeMul: encodeMul,
		decodeMul: decodeMul,
		region:    region,
		freeSlots: newFreeSlots(region, 0),
		slots:     newSlots(region, freeSlotsSize),
	}
}

// Close releases the pool's reserved address space. The pool must not be
// used afterward.
func (p *Pool[T]) Close() error {
	return p.region.Release()
}

// Len returns the number of values currently in the pool.
func (p *Pool[T]) Len() int { return len(p.values) }

// IsEmpty reports whether the pool holds no values.
func (p *Pool[T]) IsEmpty() bool { return len(p.values) == 0 }

// Values returns every value currently in the pool, in unspecified order.
// The slice is invalidated by the next mutating call.
func (p *Pool[T]) Values() []T { return p.values }

// ValuesMut returns every value currently in the pool, in unspecified
// order, for in-place mutation. The slice is invalidated by the next
// mutating call.
func (p *Pool[T]) ValuesMut() []T { return p.values }

// Insert adds value to the pool and returns a handle identifying it.
func (p *Pool[T]) Insert(value T) Handle {
	vi := valueIndex(len(p.values))
	p.values = append(p.values, value)
	p.valueSlot = append(p.valueSlot, 0)

	if p.freeSlots.len() < minFreeSlots {
		// Grow the slot table if we're running low on recycled slots.
		// This is a no-op once the table has hit its maximum capacity,
		// which weakens use-after-free detection but doesn't stop the
		// pool from working right up to that limit.
		if lo, hi, ok := p.slots.grow(); ok {
			for i := lo; i < hi; i++ {
				p.freeSlots.push(i)
			}
		}
	}

	si, ok := p.freeSlots.pop()
	if !ok {
		panic("pool: capacity exceeded")
	}

	p.valueSlot[vi] = si

	s, _ := p.slots.get(si)
	s = s.occupied(vi)
	p.slots.set(si, s)

	h := encodeHandle(p.encodeMul, s.generation(), si)
	debug.Log(nil, "pool insert", "handle=%v slot=%d value_index=%d", h, si, vi)

	return h
}

// Remove removes the value named by handle, returning it if the handle was
// valid. A handle is valid exactly once: after Remove succeeds, the same
// handle no longer resolves to anything, even if its slot is later reused
// by another value, until that slot's 9-bit generation counter wraps
// around (see minFreeSlots for the minimum number of cycles that takes).
func (p *Pool[T]) Remove(handle Handle) opt.Option[T] {
	if handle.IsNull() {
		return opt.None[T]()
	}

	generation, si := handle.decode(p.decodeMul)

	s, ok := p.slots.get(si)
	if !ok || s.generation() != generation {
		return opt.None[T]()
	}

	p.freeSlots.push(si)
	vi := s.valueIndex()
	p.slots.set(si, s.vacated())

	return opt.Some(p.removeValue(vi))
}

// Get returns a pointer to the value named by handle, or None if the
// handle is stale or unknown to this pool.
func (p *Pool[T]) Get(handle Handle) opt.Option[*T] {
	return p.lookup(handle)
}

// GetMut is identical to [Pool.Get]; Go has no separate mutable-reference
// type, so both return the same pointer.
func (p *Pool[T]) GetMut(handle Handle) opt.Option[*T] {
	return p.lookup(handle)
}

func (p *Pool[T]) lookup(handle Handle) opt.Option[*T] {
	if handle.IsNull() {
		return opt.None[*T]()
	}

	generation, si := handle.decode(p.decodeMul)

	s, ok := p.slots.get(si)
	if !ok || s.generation() != generation {
		return opt.None[*T]()
	}

	return opt.Some(&p.values[s.valueIndex()])
}

// Clear removes every value from the pool. It does not release any
// reserved memory.
func (p *Pool[T]) Clear() {
	// Every slot index is pushed below, so drop what the ring already holds
	// first; otherwise an index could be queued twice and later handed to
	// two live values at once.
	p.freeSlots.head, p.freeSlots.tail = 0, 0
	for i := 0; i < p.slots.len; i++ {
		si := slotIndex(i)
		s, _ := p.slots.get(si)
		p.slots.set(si, s.vacated())
		p.freeSlots.push(si)
	}

	var zero T
	for i := range p.values {
		p.values[i] = zero
	}

	p.values = p.values[:0]
	p.valueSlot = p.valueSlot[:0]
}

// removeValue swap-removes the value at vi, fixing up the back-pointer of
// whichever value gets swapped into its place, and returns the removed
// value.
func (p *Pool[T]) removeValue(vi valueIndex) T {
	lastIdx := valueIndex(len(p.values) - 1)

	if vi != lastIdx {
		lastSlotIdx := p.valueSlot[lastIdx]
		p.valueSlot[vi] = lastSlotIdx

		s, ok := p.slots.get(lastSlotIdx)
		debug.Assert(ok, "swap-remove fixup referenced an out-of-range slot")
		p.slots.set(lastSlotIdx, s.withValueIndex(vi))
	}

	value := p.values[vi]
	p.values[vi] = p.values[lastIdx]

	var zero T
	p.values[lastIdx] = zero

	p.values = p.values[:lastIdx]
	p.valueSlot = p.valueSlot[:lastIdx]

	return value
}

func roundUpPage(n int) int {
	return (n + vm.PageSize - 1) &^ (vm.PageSize - 1)
}
