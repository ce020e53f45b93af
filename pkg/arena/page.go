//go:build go1.22

package arena

import (
	"unsafe"

	"github.com/emberforge/ember/pkg/xunsafe"
	"github.com/emberforge/ember/pkg/xunsafe/layout"
)

// page is an in-place footer describing one bump-allocated block.
//
// base..footer is the usable range; bump moves from the footer's address
// toward base as allocations are carved off. footer is pointer-free by
// design: every field is either a raw address ([xunsafe.Addr]) or a plain
// integer, so a page never needs to be walked by the garbage collector.
// Liveness of the backing storage is instead tracked separately, by
// [Arena.live] / [HybridArena.live], which hold real *page pointers into
// it.
type page struct {
	base xunsafe.Addr[byte]
	bump xunsafe.Addr[byte]
	size int
	next pagePointer
}

var (
	footerSize  = layout.Size[page]()
	footerAlign = layout.Align[page]()
)

const (
	pageMinSize = 64               // 64 bytes, half of which is footer on 64-bit platforms.
	pageMaxSize = 256 * 1024 * 1024 // 256 MiB, to bound a single block.
)

// pagePointer is a tagged pointer to a page footer.
//
// The low bit distinguishes a page allocated from the heap (clear) from a
// page resident inside some other object, such as a [HybridArena]'s inline
// buffer (set) -- "stack" in the sense that its storage lives wherever its
// owner lives, not on the global heap. This lets list traversal decide
// whether to free a page without an extra field or branch.
type pagePointer xunsafe.Addr[page]

func emptyPagePointer() pagePointer {
	return pagePointer(xunsafe.AddrOf(&emptyPage))
}

func stackPagePointer(p *page) pagePointer {
	return pagePointer(xunsafe.AddrOf(p).WithTag())
}

func heapPagePointer(p *page) pagePointer {
	return pagePointer(xunsafe.AddrOf(p))
}

func (p pagePointer) addr() xunsafe.Addr[page] { return xunsafe.Addr[page](p) }

func (p pagePointer) isEmpty() bool {
	return p.addr().ClearTag() == xunsafe.AddrOf(&emptyPage)
}

func (p pagePointer) isStack() bool { return p.addr().Tag() }

func (p pagePointer) page() *page { return p.addr().ClearTag().AssertValid() }

// emptyPage is the process-wide, immutable, zero-sized sentinel that
// terminates every arena's page list until it allocates its first real
// page. It is read-only for its whole life, so sharing it across arenas
// and goroutines needs no synchronization.
var emptyPage page

func init() {
	addr := xunsafe.Addr[byte](xunsafe.AddrOf(&emptyPage))
	emptyPage.base = addr
	emptyPage.bump = addr
	emptyPage.size = 0
	// next points at the sentinel itself, tagged as a stack page, so that
	// a list walk which (incorrectly) stepped past isEmpty() would still
	// terminate rather than loop.
	emptyPage.next = stackPagePointer(&emptyPage)
}

// tryAllocLayout attempts the fast path: carve size bytes, aligned to
// align, off the top of this page's remaining range.
func (p *page) tryAllocLayout(size, align int) (*byte, bool) {
	base := uintptr(p.base)
	bump := uintptr(p.bump)

	// Guard against underflow: subtracting size must not wrap around.
	if bump < uintptr(size) {
		return nil, false
	}

	bump -= uintptr(size)
	bump = layout.RoundDown(bump, uintptr(align))

	if bump < base {
		return nil, false
	}

	p.bump = xunsafe.Addr[byte](bump)

	return (*byte)(unsafe.Pointer(bump)), true //nolint:govet
}

// reset rewinds this page's bump cursor back to the top of its range,
// making its whole capacity available for re-use. Must only be called
// when nothing references previously-allocated memory in this page.
func (p *page) reset() {
	p.bump = p.base.Add(p.size - footerSize)
}

// prependNewPage allocates a fresh page at least large enough to satisfy
// size/align, doubling the previous head's size to amortize the cost of
// growth, and links it in front of head.
func prependNewPage(head pagePointer, size, align int) pagePointer {
	prevSize := head.page().size

	newSize := prevSize * 2
	newSize = clamp(newSize, pageMinSize, pageMaxSize)
	newSize = max(newSize, size+align+footerSize)
	newSize = layout.RoundUp(newSize, footerAlign)

	usable := newSize - footerSize

	block := make([]byte, newSize)
	base := xunsafe.AddrOf(&block[0])
	bump := base.Add(usable)

	footer := (*page)(unsafe.Pointer(uintptr(bump))) //nolint:govet
	*footer = page{base: base, bump: bump, size: newSize, next: head}

	return heapPagePointer(footer)
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
