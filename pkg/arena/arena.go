//go:build go1.22

// Package arena provides a page-chained bump allocator with O(1) allocation
// and bulk reset, plus a hybrid variant that starts out backed by inline
// storage before spilling to the heap.
//
// Arena allocation is a memory management technique where memory is handed
// out by advancing a cursor through large, pre-allocated blocks rather than
// through individual system allocations. Deallocation is bulk-only: a
// [Arena.Reset] call invalidates every pointer returned since the last
// reset, but does not run destructors on anything stored within -- this
// package is only for pointer-free or self-contained data.
//
// # Design
//
// Each page is a raw byte block ending in an in-place footer describing
// its usable range and a tagged pointer to the next page. Allocation
// proceeds strictly high-to-low within a page; when a page is exhausted, a
// new page at least twice its size (clamped between 64 bytes and 256 MiB)
// is prepended and becomes the head. [Arena.Reset] keeps only the head
// page, rewinding its cursor, and drops every other page.
//
// Because a [page] footer is itself pointer-free (every field is a raw
// address or integer), the garbage collector never needs to scan it; the
// backing block is instead kept alive by an ordinary *page reference held
// in the arena's ([Arena.live] / [HybridArena.live]) bookkeeping slice,
// which exists purely as a GC root and is never consulted on the fast
// path.
package arena

import (
	"errors"

	"github.com/emberforge/ember/internal/debug"
	"github.com/emberforge/ember/pkg/xunsafe"
	"github.com/emberforge/ember/pkg/xunsafe/layout"
)

// ErrOutOfMemory is returned by the Try* family when the host allocator
// refuses to grow the arena.
var ErrOutOfMemory = errors.New("arena: out of memory")

// Arena bump-allocates pointer-free or self-contained values from a chain
// of heap pages.
//
// The zero Arena is empty and ready to use.
type Arena struct {
	_ xunsafe.NoCopy

	head pagePointer
	live []*page // GC roots for every heap page reachable from head.
}

// New constructs an empty [Arena].
func New() *Arena {
	return &Arena{head: emptyPagePointer()}
}

// Reset releases every page but the head back to the runtime, and rewinds
// the head's cursor to the top of its range.
//
// Any pointer obtained from this arena since it was created or last reset
// becomes invalid. Reset does not call destructors on anything allocated
// by the arena.
func (a *Arena) Reset() {
	if a.head.isEmpty() {
		return
	}

	head := a.head.page()
	head.reset()

	// Truncate the list at the head: everything after it is dropped from
	// both the tagged list and the GC-rooting slice, making it eligible
	// for collection.
	head.next = emptyPagePointer()
	if n := len(a.live); n > 0 {
		a.live[0] = a.live[n-1]
		clear(a.live[1:])
		a.live = a.live[:1]
	}

	debug.Log(nil, "arena reset", "head=%v cap=%d", xunsafe.AddrOf(head), head.size-footerSize)
}

// AllocLayout allocates size bytes aligned to align, panicking with
// [ErrOutOfMemory] if the host allocator cannot satisfy the request.
func (a *Arena) AllocLayout(size, align int) *byte {
	p, err := a.TryAllocLayout(size, align)
	if err != nil {
		panic(err)
	}

	return p
}

// TryAllocLayout is the fallible form of [Arena.AllocLayout].
func (a *Arena) TryAllocLayout(size, align int) (p *byte, err error) {
	if p, ok := a.head.page().tryAllocLayout(size, align); ok {
		return p, nil
	}

	return a.tryAllocLayoutSlow(size, align)
}

func (a *Arena) tryAllocLayoutSlow(size, align int) (p *byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, ErrOutOfMemory
		}
	}()

	newHead := prependNewPage(a.head, size, align)
	a.head = newHead
	a.live = append(a.live, newHead.page())

	debug.Log(nil, "arena grow", "new head=%v cap=%d", xunsafe.AddrOf(newHead.page()), newHead.page().size-footerSize)

	got, ok := newHead.page().tryAllocLayout(size, align)
	debug.Assert(ok, "freshly-grown page could not satisfy the allocation that triggered its growth")

	return got, nil
}

// Alloc allocates and stores value, returning a pointer to it.
func Alloc[T any](a *Arena, value T) *T {
	p := xunsafe.Cast[T](a.AllocLayout(layout.Size[T](), layout.Align[T]()))
	*p = value

	return p
}

// AllocWith allocates a T initialized by calling f.
func AllocWith[T any](a *Arena, f func() T) *T {
	p := xunsafe.Cast[T](a.AllocLayout(layout.Size[T](), layout.Align[T]()))
	*p = f()

	return p
}

// TryAllocWith is the fallible form of [AllocWith].
func TryAllocWith[T any](a *Arena, f func() T) (*T, error) {
	raw, err := a.TryAllocLayout(layout.Size[T](), layout.Align[T]())
	if err != nil {
		return nil, err
	}

	p := xunsafe.Cast[T](raw)
	*p = f()

	return p, nil
}

// AllocSliceCopy allocates a slice of len(src) elements and copies src into
// it.
func AllocSliceCopy[T any](a *Arena, src []T) []T {
	if len(src) == 0 {
		return nil
	}

	size := layout.Size[T]() * len(src)
	dst := xunsafe.Cast[T](a.AllocLayout(size, layout.Align[T]()))
	out := unsafeSlice(dst, len(src))
	copy(out, src)

	return out
}

// AllocSliceClone is like [AllocSliceCopy], but clones each element with
// clone instead of assigning it directly, for types that need a deep copy.
func AllocSliceClone[T any](a *Arena, src []T, clone func(T) T) []T {
	if len(src) == 0 {
		return nil
	}

	size := layout.Size[T]() * len(src)
	dst := xunsafe.Cast[T](a.AllocLayout(size, layout.Align[T]()))
	out := unsafeSlice(dst, len(src))
	for i, v := range src {
		out[i] = clone(v)
	}

	return out
}

// AllocSliceFillWith allocates a slice of n elements, filling each one by
// calling f with its index.
func AllocSliceFillWith[T any](a *Arena, n int, f func(i int) T) []T {
	if n == 0 {
		return nil
	}

	size := layout.Size[T]() * n
	dst := xunsafe.Cast[T](a.AllocLayout(size, layout.Align[T]()))
	out := unsafeSlice(dst, n)
	for i := range out {
		out[i] = f(i)
	}

	return out
}

// AllocSliceFillIter allocates a slice holding every value produced by
// seq.
func AllocSliceFillIter[T any](a *Arena, seq func(yield func(T) bool)) []T {
	var staged []T
	seq(func(v T) bool {
		staged = append(staged, v)
		return true
	})

	return AllocSliceCopy(a, staged)
}

// AllocString duplicates src into the arena, returning an arena-owned
// copy.
func AllocString(a *Arena, src string) string {
	b := AllocSliceCopy(a, []byte(src))

	return bytesToString(b)
}

// AllocCString duplicates src into the arena as a NUL-terminated byte
// sequence, suitable for passing to a C-style API.
func AllocCString(a *Arena, src string) []byte {
	size := len(src) + 1
	dst := a.AllocLayout(size, 1)
	out := unsafeSlice(dst, size)
	copy(out, src)
	out[len(src)] = 0

	return out
}
