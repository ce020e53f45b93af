//go:build go1.21

package pool_test

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/emberforge/ember/pkg/pool"
)

func TestLookupNull(t *testing.T) {
	Convey("Given a pool with one value inserted", t, func() {
		p := pool.New[int]()
		defer p.Close()

		_ = p.Insert(0)

		Convey("The null handle never resolves to anything", func() {
			So(p.Get(pool.Null).IsNone(), ShouldBeTrue)
			So(p.Remove(pool.Null).IsNone(), ShouldBeTrue)
		})
	})
}

func TestInsertLookupRemove(t *testing.T) {
	Convey("Given a pool seeded with 500 values", t, func() {
		p := pool.New[int]()
		defer p.Close()

		So(p.Get(pool.Null).IsNone(), ShouldBeTrue)

		seed := make([]pool.Handle, 500)
		for i := range seed {
			seed[i] = p.Insert(i)
		}

		Convey("20 rounds of 300,000 insert/remove cycles never confuse a handle", func() {
			for round := 0; round < 20; round++ {
				handles := make([]pool.Handle, 300_000)
				for i := range handles {
					handles[i] = p.Insert(i)
				}

				for i, h := range handles {
					got := p.Get(h)
					So(got.IsSome(), ShouldBeTrue)
					So(*got.Unwrap(), ShouldEqual, i)

					removed := p.Remove(h)
					So(removed.IsSome(), ShouldBeTrue)
					So(removed.Unwrap(), ShouldEqual, i)

					So(p.Get(h).IsNone(), ShouldBeTrue)
					So(p.Remove(h).IsNone(), ShouldBeTrue)
				}
			}

			Convey("And the original seed handles are still exactly as they were", func() {
				for i, h := range seed {
					got := p.Get(h)
					So(got.IsSome(), ShouldBeTrue)
					So(*got.Unwrap(), ShouldEqual, i)

					removed := p.Remove(h)
					So(removed.Unwrap(), ShouldEqual, i)
					So(p.Get(h).IsNone(), ShouldBeTrue)
				}

				So(p.Get(pool.Null).IsNone(), ShouldBeTrue)
			})
		})
	})
}

func TestUseAfterFree(t *testing.T) {
	Convey("Given a pool from which a value has been removed", t, func() {
		p := pool.New[int]()
		defer p.Close()

		handle := p.Insert(1)
		removed := p.Remove(handle)
		So(removed.Unwrap(), ShouldEqual, 1)

		Convey("65,536 reuse cycles of the freed slot never reissue the old handle", func() {
			for i := 0; i < 65536; i++ {
				newHandle := p.Insert(1)

				removedAgain := p.Remove(newHandle)
				So(removedAgain.Unwrap(), ShouldEqual, 1)

				So(newHandle, ShouldNotEqual, handle)
				So(p.Get(handle).IsNone(), ShouldBeTrue)
			}
		})
	})
}

func TestClearDropsEverything(t *testing.T) {
	Convey("Given a pool with three values and a handle to the third", t, func() {
		p := pool.New[int]()
		defer p.Close()

		_ = p.Insert(1)
		_ = p.Insert(2)
		handle := p.Insert(3)

		Convey("Removing one value removes exactly one", func() {
			p.Remove(handle)
			So(p.Len(), ShouldEqual, 2)

			Convey("Clear empties the pool without releasing the reservation", func() {
				p.Clear()
				So(p.IsEmpty(), ShouldBeTrue)

				newHandle := p.Insert(4)
				So(*p.Get(newHandle).Unwrap(), ShouldEqual, 4)
			})
		})
	})
}

func TestValuesStayDense(t *testing.T) {
	Convey("Given a pool with a gap punched in the middle", t, func() {
		p := pool.New[string]()
		defer p.Close()

		a := p.Insert("a")
		_ = p.Insert("b")
		c := p.Insert("c")

		p.Remove(a)

		Convey("The dense values slice has no gaps", func() {
			So(p.Len(), ShouldEqual, 2)
			So(len(p.Values()), ShouldEqual, 2)

			Convey("And the surviving handles still resolve correctly", func() {
				got := p.Get(c)
				So(got.IsSome(), ShouldBeTrue)
				So(*got.Unwrap(), ShouldEqual, "c")
			})
		})
	})
}
