//go:build go1.21

package gpumem_test

import (
	"fmt"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/emberforge/ember/pkg/gpumem"
)

// fakeDevice is a minimal in-process stand-in for a real Vulkan/D3D/Metal
// device: two memory types (device-local and host-visible+coherent), one
// heap each, backed by nothing but an incrementing handle counter.
type fakeDevice struct {
	nextHandle    gpumem.DeviceMemory
	heapLimits    []uint64
	maxAllocCount int
	granularity   uint64
}

const (
	typeDeviceLocal = 0
	typeHostVisible = 1
)

func newFakeDevice(deviceHeapBytes, hostHeapBytes uint64) *fakeDevice {
	return &fakeDevice{
		nextHandle:    1,
		heapLimits:    []uint64{deviceHeapBytes, hostHeapBytes},
		maxAllocCount: 4096,
	}
}

func (d *fakeDevice) MemoryTypeCount() int { return 2 }

func (d *fakeDevice) MemoryTypeProperties(memoryType int) gpumem.MemoryPropertyFlags {
	if memoryType == typeDeviceLocal {
		return gpumem.MemoryPropertyDeviceLocal
	}
	return gpumem.MemoryPropertyHostVisible | gpumem.MemoryPropertyHostCoherent
}

func (d *fakeDevice) MemoryTypeHeapIndex(memoryType int) int { return memoryType }

func (d *fakeDevice) HeapCount() int { return 2 }

func (d *fakeDevice) HeapSize(heap int) uint64 { return d.heapLimits[heap] }

func (d *fakeDevice) MaxMemoryAllocationCount() int { return d.maxAllocCount }

func (d *fakeDevice) AllocateMemory(memoryType int, size uint64) (gpumem.DeviceMemory, error) {
	if size == 0 {
		return 0, fmt.Errorf("fakeDevice: zero-size allocation")
	}
	h := d.nextHandle
	d.nextHandle++
	return h, nil
}

func (d *fakeDevice) FreeMemory(mem gpumem.DeviceMemory) {}

// MapMemory hands back a distinct, deterministic fake address per handle so
// tests can assert HostPtr offsets land where expected.
func (d *fakeDevice) MapMemory(mem gpumem.DeviceMemory) (uintptr, error) {
	return uintptr(mem) << 32, nil
}

func (d *fakeDevice) BufferImageGranularity() uint64 { return d.granularity }

type fakeResource struct {
	size      uint64
	align     uint64
	typeBits  uint32
	dedicated bool
	nonLinear bool
}

func (r fakeResource) MemoryRequirements() gpumem.MemoryRequirements {
	bits := r.typeBits
	if bits == 0 {
		bits = 0b11
	}
	align := r.align
	if align == 0 {
		align = 16
	}
	return gpumem.MemoryRequirements{Size: r.size, Alignment: align, MemoryTypeBits: bits}
}

func (r fakeResource) PrefersDedicatedAllocation() bool { return r.dedicated }
func (r fakeResource) NonLinear() bool                  { return r.nonLinear }

func TestSuballocatorSmallThenBig(t *testing.T) {
	Convey("Given a suballocator over a device with a 1 MiB device-local heap", t, func() {
		dev := newFakeDevice(1<<20, 1<<20)
		sa := gpumem.New(dev, 256<<10) // 256 KiB super-blocks

		Convey("A small buffer request is cut from a freshly grown super-block", func() {
			res, err := sa.Allocate(gpumem.AllocateRequest{
				Location: gpumem.PreferDevice,
				Resource: fakeResource{size: 1024},
			})
			So(err, ShouldBeNil)
			So(res.Dedicated, ShouldBeFalse)
			So(res.Size, ShouldBeGreaterThanOrEqualTo, 1024)
			So(res.MemoryType, ShouldEqual, typeDeviceLocal)
		})

		Convey("A request larger than the super-block size falls back to a dedicated allocation", func() {
			res, err := sa.Allocate(gpumem.AllocateRequest{
				Location: gpumem.PreferDevice,
				Resource: fakeResource{size: 512 << 10},
			})
			So(err, ShouldBeNil)
			So(res.Dedicated, ShouldBeTrue)
			So(res.Size, ShouldEqual, 512<<10)
		})

		Convey("A resource that prefers a dedicated allocation always gets one, regardless of size", func() {
			res, err := sa.Allocate(gpumem.AllocateRequest{
				Location: gpumem.PreferDevice,
				Resource: fakeResource{size: 64, dedicated: true},
			})
			So(err, ShouldBeNil)
			So(res.Dedicated, ShouldBeTrue)
		})

		Convey("A host-mapped request only considers host-visible memory types, and gets a non-null host pointer", func() {
			res, err := sa.Allocate(gpumem.AllocateRequest{
				Location:   gpumem.PreferHost,
				HostMapped: true,
				Resource:   fakeResource{size: 1024},
			})
			So(err, ShouldBeNil)
			So(res.MemoryType, ShouldEqual, typeHostVisible)
			So(res.HostPtr, ShouldNotEqual, uintptr(0))
		})

		Convey("A device-local-only request gets no host pointer", func() {
			res, err := sa.Allocate(gpumem.AllocateRequest{
				Location: gpumem.PreferDevice,
				Resource: fakeResource{size: 1024, typeBits: 1 << typeDeviceLocal},
			})
			So(err, ShouldBeNil)
			So(res.HostPtr, ShouldEqual, uintptr(0))
		})
	})
}

func TestSuballocatorEmergencyGC(t *testing.T) {
	Convey("Given a suballocator whose device-local heap exactly fits two super-blocks", t, func() {
		dev := newFakeDevice(2*256<<10, 1<<20)
		sa := gpumem.New(dev, 256<<10)
		q := gpumem.NewDestroyQueue(sa, 2)

		Convey("Filling both super-blocks, freeing one, then requesting more succeeds only after GC reclaims it", func() {
			var live []gpumem.MemoryResult
			for i := 0; i < 4; i++ {
				res, err := sa.Allocate(gpumem.AllocateRequest{
					Location: gpumem.PreferDevice,
					Resource: fakeResource{size: 100 << 10},
				})
				So(err, ShouldBeNil)
				live = append(live, res)
			}

			// live[0] and live[1] fill the first super-block; live[2] and
			// live[3] fill the second.
			for _, res := range live[:2] {
				q.Schedule(res)
			}

			q.BeginFrame(0)
			q.BeginFrame(1)
			q.BeginFrame(2) // retires frame 0's schedules (framesInFlight=2)

			res, err := sa.Allocate(gpumem.AllocateRequest{
				Location: gpumem.PreferDevice,
				Resource: fakeResource{size: 200 << 10},
			})
			So(err, ShouldBeNil)
			So(res.Dedicated, ShouldBeFalse)
		})
	})
}
