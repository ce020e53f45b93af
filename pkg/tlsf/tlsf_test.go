//go:build go1.21

package tlsf_test

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/emberforge/ember/pkg/tlsf"
)

func TestAllocateAndFree(t *testing.T) {
	Convey("Given a TLSF instance with one 1 MiB super-block", t, func() {
		t0 := tlsf.New()
		sb := t0.InsertSuperBlock(1<<20, "super-block-0")

		Convey("A small allocation succeeds and is minimum-aligned", func() {
			a, ok := t0.Allocate(100, 16)
			So(ok, ShouldBeTrue)
			So(a.SuperBlock, ShouldEqual, sb)
			So(a.Offset%tlsf.MinAlign, ShouldEqual, 0)
			So(a.Size, ShouldBeGreaterThanOrEqualTo, 100)

			Convey("Freeing it and re-requesting the same size succeeds again", func() {
				t0.Free(a)

				b, ok := t0.Allocate(100, 16)
				So(ok, ShouldBeTrue)
				So(b.SuperBlock, ShouldEqual, sb)
			})
		})

		Convey("Many small allocations never collide and all fit", func() {
			allocs := make([]tlsf.Allocation, 64)
			for i := range allocs {
				a, ok := t0.Allocate(4096, 256)
				So(ok, ShouldBeTrue)
				allocs[i] = a
			}

			seen := map[int]bool{}
			for _, a := range allocs {
				So(seen[a.Offset], ShouldBeFalse)
				seen[a.Offset] = true
			}

			for _, a := range allocs {
				t0.Free(a)
			}

			Convey("After freeing everything, the whole super-block is available again", func() {
				big, ok := t0.Allocate(1<<19, tlsf.MinAlign)
				So(ok, ShouldBeTrue)
				So(big.Size, ShouldBeGreaterThanOrEqualTo, 1<<19)
			})
		})
	})
}

func TestAllocateFailsWithoutSpace(t *testing.T) {
	Convey("Given a TLSF instance with a small super-block", t, func() {
		t0 := tlsf.New()
		t0.InsertSuperBlock(4096, nil)

		Convey("A request larger than the super-block fails cleanly", func() {
			_, ok := t0.Allocate(1<<20, tlsf.MinAlign)
			So(ok, ShouldBeFalse)
		})

		Convey("A fresh TLSF instance with no super-blocks always fails", func() {
			empty := tlsf.New()
			_, ok := empty.Allocate(16, tlsf.MinAlign)
			So(ok, ShouldBeFalse)
		})
	})
}

func TestRemoveEmptySuperBlocks(t *testing.T) {
	Convey("Given two super-blocks, one fully allocated and one empty", t, func() {
		t0 := tlsf.New()
		// Free spans are filed newest-first within a bin, so the allocation
		// below is cut from the super-block registered last.
		t0.InsertSuperBlock(4096, "empty")
		full := t0.InsertSuperBlock(4096, "full")

		a, ok := t0.Allocate(4096, tlsf.MinAlign)
		So(ok, ShouldBeTrue)
		So(a.SuperBlock, ShouldEqual, full)

		Convey("RemoveEmptySuperBlocks releases only the empty one", func() {
			var released []any
			t0.RemoveEmptySuperBlocks(func(userData any) {
				released = append(released, userData)
			})

			So(released, ShouldResemble, []any{"empty"})

			Convey("The allocated super-block still satisfies further allocation", func() {
				_, ok := t0.Allocate(4096, tlsf.MinAlign)
				So(ok, ShouldBeFalse) // the full super-block has no room left

				t0.Free(a)
				b, ok := t0.Allocate(4096, tlsf.MinAlign)
				So(ok, ShouldBeTrue)
				So(b.SuperBlock, ShouldEqual, full)
			})
		})
	})
}

func TestClear(t *testing.T) {
	Convey("Given three registered super-blocks", t, func() {
		t0 := tlsf.New()
		t0.InsertSuperBlock(4096, "a")
		t0.InsertSuperBlock(4096, "b")
		t0.InsertSuperBlock(4096, "c")

		Convey("Clear releases all three regardless of occupancy", func() {
			_, ok := t0.Allocate(100, tlsf.MinAlign)
			So(ok, ShouldBeTrue)

			var released []any
			t0.Clear(func(userData any) {
				released = append(released, userData)
			})

			So(released, ShouldResemble, []any{"a", "b", "c"})

			Convey("And a subsequent allocation finds nothing to satisfy it", func() {
				_, ok := t0.Allocate(16, tlsf.MinAlign)
				So(ok, ShouldBeFalse)
			})
		})
	})
}
