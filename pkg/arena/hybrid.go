//go:build go1.22

package arena

import (
	"github.com/emberforge/ember/pkg/xunsafe"
	"github.com/emberforge/ember/pkg/xunsafe/layout"
)

// HybridArena is an [Arena] whose first page lives inline, inside the
// HybridArena value itself, rather than on the heap.
//
// Buf fixes the inline capacity: instantiate as HybridArena[[64]byte] for
// a 64-byte inline page, HybridArena[[4096]byte] for one page, and so on
// -- Go has no integer generic parameters, so the buffer's array type
// stands in for what the source expresses as a const-generic capacity.
//
// A HybridArena is meant to be held by value. Because its inline page's
// address is part of the HybridArena's own memory, copying the value (by
// passing it to a function, returning it, or otherwise moving it) leaves
// the old inline page's address stale. HybridArena detects this on the
// next allocation by comparing the page list head against its own
// footer's address, and transparently rebuilds the inline page if they
// disagree -- the same trick that makes Go's own copying stack growth
// safe to use underneath one of these.
type HybridArena[Buf any] struct {
	data   Buf
	footer page
	head   pagePointer
	live   []*page
}

// NewHybridArena constructs an empty [HybridArena]. Call sites choose Buf,
// e.g. NewHybridArena[[64]byte]().
func NewHybridArena[Buf any]() HybridArena[Buf] {
	return HybridArena[Buf]{head: emptyPagePointer()}
}

// Reset releases every heap page, rewinds the inline page's cursor (or
// rebuilds it, if the arena was moved since its last use), and keeps only
// the inline page live.
func (a *HybridArena[Buf]) Reset() {
	if a.head.isEmpty() {
		return
	}

	clear(a.live)
	a.live = a.live[:0]
	a.setupHybridPage()
}

// ensureHybridPage lazily installs the inline page on first use, and
// re-installs it whenever this arena's address has changed since the
// inline page was last set up (i.e. the arena value was copied).
func (a *HybridArena[Buf]) ensureHybridPage() {
	if !a.head.isEmpty() && (!a.head.isStack() || a.head.page() == &a.footer) {
		return
	}

	a.setupHybridPage()
}

//go:noinline
func (a *HybridArena[Buf]) setupHybridPage() {
	capacity := layout.Size[Buf]()

	base := xunsafe.Addr[byte](xunsafe.AddrOf(&a.data))
	bump := base.Add(capacity)

	a.footer = page{base: base, bump: bump, size: capacity + footerSize, next: emptyPagePointer()}
	a.head = stackPagePointer(&a.footer)
}

// AllocLayout allocates size bytes aligned to align, panicking with
// [ErrOutOfMemory] if the host allocator cannot satisfy a heap-page grow.
func (a *HybridArena[Buf]) AllocLayout(size, align int) *byte {
	p, err := a.TryAllocLayout(size, align)
	if err != nil {
		panic(err)
	}

	return p
}

// TryAllocLayout is the fallible form of [HybridArena.AllocLayout].
func (a *HybridArena[Buf]) TryAllocLayout(size, align int) (p *byte, err error) {
	a.ensureHybridPage()

	if p, ok := a.head.page().tryAllocLayout(size, align); ok {
		return p, nil
	}

	return a.tryAllocLayoutSlow(size, align)
}

func (a *HybridArena[Buf]) tryAllocLayoutSlow(size, align int) (p *byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, ErrOutOfMemory
		}
	}()

	newHead := prependNewPage(a.head, size, align)
	a.head = newHead
	a.live = append(a.live, newHead.page())

	got, ok := newHead.page().tryAllocLayout(size, align)
	if !ok {
		panic("freshly-grown page could not satisfy the allocation that triggered its growth")
	}

	return got, nil
}

// HybridAlloc allocates and stores value in a, returning a pointer to it.
func HybridAlloc[Buf any, T any](a *HybridArena[Buf], value T) *T {
	p := xunsafe.Cast[T](a.AllocLayout(layout.Size[T](), layout.Align[T]()))
	*p = value

	return p
}

// HybridAllocSliceCopy allocates a slice of len(src) elements in a and
// copies src into it.
func HybridAllocSliceCopy[Buf any, T any](a *HybridArena[Buf], src []T) []T {
	if len(src) == 0 {
		return nil
	}

	size := layout.Size[T]() * len(src)
	dst := xunsafe.Cast[T](a.AllocLayout(size, layout.Align[T]()))
	out := unsafeSlice(dst, len(src))
	copy(out, src)

	return out
}
