//go:build go1.21

// Package pool provides a generational handle pool: a dense array of values
// of type T addressed indirectly through 32-bit [Handle] values, so that a
// handle to a removed (and possibly reused) slot can always be detected as
// stale rather than silently aliasing whatever now occupies that slot.
//
// # Design
//
// Each live value has an indirection [Slot] carrying a generation counter
// and an index into the dense values array. A [Handle] encodes a slot's
// index and the generation it was issued under; [Pool.Get] and [Pool.Remove]
// reject a handle whose generation no longer matches the slot it names,
// which is what makes a use-after-free on a handle a checked error instead
// of memory corruption. Removing a value swaps the last value into the
// freed slot to keep the dense array contiguous, fixing up that value's
// back-pointer in the process.
//
// Both the indirection table and its free-slot ring are backed by a single
// large [vm.Region] reserved once at the maximum possible pool size and
// committed incrementally, so the pool never has to relocate a slot's
// address once issued. The values themselves, which may hold ordinary Go
// pointers the garbage collector must trace, live in an ordinary Go slice
// grown the ordinary way.
package pool

const (
	// genBits is the number of generation bits packed into each handle and
	// slot. A handle lookup with a stale generation is rejected.
	genBits = 9
	// idxBits is the number of slot-index bits packed into each handle and
	// slot, bounding the table to 2^idxBits-1 live slots.
	idxBits = 23

	maxIdx = 1 << idxBits
	// maxCap reserves the top index for the null handle.
	maxCap = maxIdx - 1

	genMask = 1<<genBits - 1
	idxMask = 1<<idxBits - 1

	idxShift = 0
	genShift = idxShift + idxBits
)

func init() {
	if genBits+idxBits != 32 {
		panic("pool: genBits + idxBits must equal 32")
	}
}

// Handle identifies a value stored in a [Pool]. The zero Handle is the null
// handle, which never refers to a live value in any pool.
//
// A Handle is mixed by a per-pool odd multiplier so that handles minted by
// different pools are unlikely to collide; wrap Handle in a named type per
// pool to get a compile-time guarantee they are never confused.
type Handle uint32

// Null is the handle that never refers to a live value.
const Null Handle = 0

// IsNull reports whether h is the null handle.
func (h Handle) IsNull() bool { return h == 0 }

func encodeHandle(mul uint32, generation uint32, index slotIndex) Handle {
	if generation&1 != 1 {
		panic("pool: attempted to encode a handle with an even (empty-slot) generation")
	}

	value := (generation&genMask)<<genShift | (uint32(index)&idxMask)<<idxShift
	// Invert so the all-ones bit pattern -- the null handle -- becomes
	// zero, then mix by the pool's multiplier so handles from distinct
	// pools are unlikely to compare equal.
	value = ^value
	value *= mul

	return Handle(value)
}

// decode recovers the generation and slot index a handle was minted with.
//
// It panics if the recovered generation is even, which means either the
// handle was corrupted or it was minted by a different pool: an even
// generation never refers to an occupied slot, so a pool built from a
// sound encode/decode multiplier pair should never produce one from a
// handle it issued itself.
func (h Handle) decode(mul uint32) (generation uint32, index slotIndex) {
	value := uint32(h) * mul
	value = ^value

	generation = (value >> genShift) & genMask
	index = slotIndex((value >> idxShift) & idxMask)

	if generation&1 != 1 {
		panic("pool: invalid generation counter in handle (corrupted, or from a different pool)")
	}

	return generation, index
}

// modInverseU32 returns the multiplicative inverse of an odd 32-bit value,
// i.e. the y such that x*y == 1 (mod 2^32).
//
// Jeffrey Hurchalla's method (https://arxiv.org/abs/2204.04342): three
// Newton-Raphson-style refinements starting from a 5-bit-correct seed, each
// doubling the number of correct bits (5, 10, 20, 40), reach a full 32-bit
// inverse.
func modInverseU32(x uint32) uint32 {
	if x&1 != 1 {
		panic("pool: modInverseU32 requires an odd input")
	}

	y := x*3 ^ 2
	z := 1 - x*y
	y *= z + 1
	z *= z
	y *= z + 1
	z *= z
	return y * (z + 1)
}
