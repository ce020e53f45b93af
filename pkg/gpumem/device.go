//go:build go1.21

// Package gpumem suballocates GPU device memory on top of [tlsf.TLSF],
// falling back to a dedicated per-resource allocation when a driver
// prefers one or when no super-block has room, and deferring every free
// until the GPU frame that used the memory has retired.
//
// The package never touches a real graphics API itself: [Device] and
// [Resource] are the narrow interfaces a real Vulkan/D3D/Metal binding
// implements, shaped after the method sets exposed by this module's
// reference Go Vulkan bindings (vulkango-style device/memory handles,
// wgpu-style capability queries) but never imported directly, so tests
// can exercise the whole allocation/free/frame lifecycle against a fake.
package gpumem

// DeviceMemory is an opaque handle to one raw device-memory allocation, as
// returned by [Device.AllocateMemory]. The zero value is never a handle a
// Device hands out.
type DeviceMemory uint64

// MemoryPropertyFlags describes the capabilities of one memory type, e.g.
// whether the host CPU can map and access it directly.
type MemoryPropertyFlags uint32

const (
	MemoryPropertyDeviceLocal MemoryPropertyFlags = 1 << iota
	MemoryPropertyHostVisible
	MemoryPropertyHostCoherent
	MemoryPropertyHostCached
)

// Has reports whether every bit in want is set in f.
func (f MemoryPropertyFlags) Has(want MemoryPropertyFlags) bool {
	return f&want == want
}

// MemoryRequirements is what a driver reports for a specific resource:
// how big an allocation it needs, what alignment it needs, and which
// memory type indices are eligible to back it.
type MemoryRequirements struct {
	Size           uint64
	Alignment      uint64
	MemoryTypeBits uint32 // bit i set means memory type i is eligible
}

// Resource is a buffer or image awaiting memory, queried for its
// requirements and any driver hint that it should skip suballocation.
type Resource interface {
	MemoryRequirements() MemoryRequirements
	// PrefersDedicatedAllocation reports whether the driver reported this
	// resource should receive its own device-memory allocation rather
	// than being suballocated from a shared super-block -- the Vulkan
	// VK_KHR_dedicated_allocation hint, generalized to an interface
	// method so no real binding needs to be imported to implement it.
	PrefersDedicatedAllocation() bool
	// NonLinear reports whether this resource is an optimally-tiled
	// image (true) or a buffer / linearly-tiled image (false).
	NonLinear() bool
}

// Device is the narrow slice of a graphics device this package needs:
// memory-type/heap introspection and raw allocate/free/map.
type Device interface {
	MemoryTypeCount() int
	MemoryTypeProperties(memoryType int) MemoryPropertyFlags
	MemoryTypeHeapIndex(memoryType int) int

	HeapCount() int
	HeapSize(heap int) uint64

	// MaxMemoryAllocationCount is the device-wide ceiling on the number
	// of live raw allocations, regardless of their size.
	MaxMemoryAllocationCount() int

	// AllocateMemory performs one raw, unsuballocated allocation of size
	// bytes from the given memory type.
	AllocateMemory(memoryType int, size uint64) (DeviceMemory, error)
	// FreeMemory releases a raw allocation made by AllocateMemory.
	FreeMemory(mem DeviceMemory)
	// MapMemory returns a process-local pointer to the start of mem's
	// storage. Only valid for memory types with MemoryPropertyHostVisible.
	MapMemory(mem DeviceMemory) (uintptr, error)

	// BufferImageGranularity is the minimum distance the driver requires
	// between a linear and a non-linear allocation sharing a super-block;
	// when it exceeds [tlsf.MinAlign], linear and non-linear resources
	// need their own segregated TLSF instances per memory type.
	BufferImageGranularity() uint64
}

// Location is the caller's preference between host-visible and
// device-local memory; it only ever influences the *preferred* property
// flags consulted in pass 1 of [Suballocator.Allocate].
type Location int

const (
	PreferDevice Location = iota
	PreferHost
)

// AllocateRequest is the input to [Suballocator.Allocate].
type AllocateRequest struct {
	Location   Location
	HostMapped bool // hard requirement: only host-visible types are eligible
	Resource   Resource
}
