//go:build go1.20

package xunsafe

import (
	"fmt"
	"unsafe"

	"github.com/emberforge/ember/pkg/xunsafe/layout"
)

// Addr is a typed address: a uintptr that remembers what it points to.
//
// Unlike *T, loading or storing through an Addr issues no write barrier,
// and an Addr can carry tag bits in its low or high bits without upsetting
// the garbage collector, since the collector never scans uintptr fields.
// The price is that nothing keeps the pointee alive; callers are
// responsible for holding a real pointer to the backing allocation
// somewhere the GC can see it.
type Addr[T any] uintptr

// AddrOf returns the address of p.
func AddrOf[T any](p *T) Addr[T] {
	return Addr[T](uintptr(unsafe.Pointer(p)))
}

// EndOf returns the address one past the end of the given slice.
func EndOf[T any](s []T) Addr[T] {
	if len(s) == 0 {
		return Addr[T](uintptr(unsafe.Pointer(unsafe.SliceData(s))))
	}

	return AddrOf(&s[len(s)-1]).Add(1)
}

// AssertValid converts this address back into a real pointer.
//
// The caller must ensure that whatever this address points to is kept
// alive independently; AssertValid performs no liveness check.
func (a Addr[T]) AssertValid() *T {
	if a == 0 {
		return nil
	}

	return (*T)(unsafe.Pointer(uintptr(a)))
}

// Add adds n*sizeof(T) to this address.
func (a Addr[T]) Add(n int) Addr[T] {
	return a + Addr[T](n*layout.Size[T]())
}

// ByteAdd adds n raw bytes to this address, without scaling by sizeof(T).
func (a Addr[T]) ByteAdd(n int) Addr[T] {
	return a + Addr[T](n)
}

// Sub computes the number of T values between a and b.
func (a Addr[T]) Sub(b Addr[T]) int {
	return int(a-b) / layout.Size[T]()
}

// Padding returns the number of bytes needed to round a up to align.
func (a Addr[T]) Padding(align int) int {
	return layout.Padding(int(a), align)
}

// RoundUpTo rounds this address up to the given alignment.
func (a Addr[T]) RoundUpTo(align int) Addr[T] {
	return Addr[T](layout.RoundUp(int(a), align))
}

// RoundDownTo rounds this address down to the given alignment.
func (a Addr[T]) RoundDownTo(align int) Addr[T] {
	return Addr[T](layout.RoundDown(int(a), align))
}

// SignBit returns whether the topmost bit of this address is set.
//
// Real virtual addresses never use this bit, which makes it a convenient
// place to stash a single tag.
func (a Addr[T]) SignBit() bool {
	return a&(1<<(unsafe.Sizeof(a)*8-1)) != 0
}

// SignBitMask returns all-ones if SignBit is set, else zero.
func (a Addr[T]) SignBitMask() Addr[T] {
	if a.SignBit() {
		return ^Addr[T](0)
	}

	return 0
}

// ClearSignBit clears the sign bit of this address.
func (a Addr[T]) ClearSignBit() Addr[T] {
	return a &^ (1 << (unsafe.Sizeof(a)*8 - 1))
}

// Tag returns whether the low bit of this address is set.
//
// This is used to thread a one-bit discriminant through a pointer-sized
// value, such as distinguishing a heap-allocated arena page from one
// living inline in a HybridArena.
func (a Addr[T]) Tag() bool {
	return a&1 != 0
}

// WithTag sets the low bit of this address.
func (a Addr[T]) WithTag() Addr[T] {
	return a | 1
}

// ClearTag clears the low bit of this address.
func (a Addr[T]) ClearTag() Addr[T] {
	return a &^ 1
}

// IsNil returns whether this address is the zero address.
func (a Addr[T]) IsNil() bool { return a == 0 }

// Format implements fmt.Formatter, printing the address in hex.
func (a Addr[T]) Format(s fmt.State, verb rune) {
	switch verb {
	case 'x':
		_, _ = fmt.Fprintf(s, "%x", uintptr(a))
	default:
		_, _ = fmt.Fprintf(s, "%#x", uintptr(a))
	}
}
