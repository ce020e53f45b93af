// Package vm provides reserve/commit/release virtual-memory primitives for
// backing large, sparsely-used address ranges such as a handle pool's slot
// tables.
//
// A [Region] is reserved up front at its full eventual size, but only the
// pages a caller actually commits are backed by real memory. This lets a
// pool hand out stable addresses for its lifetime while paying for
// resident memory only as it grows.
package vm

import "os"

// PageSize is the host's memory page size, used to round reservations and
// commits to page boundaries.
var PageSize = os.Getpagesize()

// Region is a single virtual-memory reservation with independently
// committable sub-ranges.
//
// The zero Region is not valid; construct one with [Reserve].
type Region struct {
	backend region
}

// Reserve reserves size bytes (rounded up to the page size) of address
// space without committing any backing storage.
//
// On platforms with a real mmap/mprotect/munmap triad, this is a PROT_NONE
// anonymous mapping: touching it before [Region.Commit] faults. On
// platforms without that facility, Reserve falls back to an ordinary
// zeroed allocation, and [Region.Commit] is a no-op, per the environment
// clause of this package's governing design: "on platforms without [reserve
// /commit/release semantics], commit is a no-op and reserve is ordinary
// allocation."
func Reserve(size int) (*Region, error) {
	size = roundUp(size, PageSize)

	b, err := newRegion(size)
	if err != nil {
		return nil, err
	}

	return &Region{backend: b}, nil
}

// Commit makes [offset, offset+size) within the region readable and
// writable.
//
// offset and size need not be page-aligned; they are rounded outward to
// whole pages before the underlying call is made.
func (r *Region) Commit(offset, size int) error {
	return r.backend.commit(offset, size)
}

// Release returns the entire region to the operating system. The region
// must not be used afterward.
func (r *Region) Release() error {
	return r.backend.release()
}

// Bytes returns the full reserved range as a byte slice.
//
// Bytes outside of a committed sub-range are not safe to read or write on
// backends with real guard pages; callers that only ever operate within
// committed ranges (as the pool package does) do not need to
// worry about this.
func (r *Region) Bytes() []byte {
	return r.backend.bytes()
}

// Len returns the full reserved size of the region, in bytes.
func (r *Region) Len() int {
	return len(r.backend.bytes())
}

func roundUp(v, align int) int {
	return (v + align - 1) &^ (align - 1)
}
