//go:build go1.21

package gpumem

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/emberforge/ember/internal/debug"
	"github.com/emberforge/ember/internal/xflag"
	"github.com/emberforge/ember/pkg/tlsf"
)

// forceSegregation is a diagnostic escape hatch: even when the device
// reports a BufferImageGranularity small enough for linear and non-linear
// resources to safely share one TLSF instance per memory type, passing
// -gpumem-force-segregation=true keeps them in separate instances, which
// is useful when chasing a suspected tiling-aliasing bug.
var forceSegregation = xflag.Func("gpumem-force-segregation", "always segregate linear/non-linear suballocations", strconv.ParseBool)

// MemoryResult describes one resource's backing memory, whether it was cut
// from a shared super-block or given its own dedicated allocation.
type MemoryResult struct {
	Memory     DeviceMemory
	MemoryType int
	Offset     uint64
	Size       uint64
	Dedicated  bool
	superBlock int // only meaningful when !Dedicated

	// HostPtr is the effective host pointer for this suballocation: the
	// backing super-block's (or dedicated allocation's) persistent
	// mapping offset by Offset, or 0 if the memory type isn't
	// host-visible or wasn't requested as host-mapped.
	HostPtr uintptr
}

type tlsfKey struct {
	memType   int
	nonLinear bool
}

type tlsfSlot struct {
	mu sync.Mutex
	t  *tlsf.TLSF
}

type superBlockRecord struct {
	memory  DeviceMemory
	memType int
	heap    int
	size    uint64
	key     tlsfKey
	hostPtr uintptr // 0 if this memory type isn't persistently mapped
}

type heapStat struct {
	bytes atomic.Int64
	count atomic.Int64
}

// Suballocator is a per-device-heap GPU memory allocator: it carves
// requests out of TLSF-managed super-blocks, one per (memory type,
// linearity) pair, falling back to a dedicated raw allocation when the
// driver asks for one or when no super-block has room.
//
// The zero value is not usable; construct with [New].
type Suballocator struct {
	device         Device
	superBlockSize uint64

	mu     sync.Mutex // guards tlsfs and superBlocks: both only grow
	tlsfs  map[tlsfKey]*tlsfSlot
	supers []superBlockRecord

	heapStats []heapStat

	dedicatedMu sync.Mutex
	dedicated   *dedicatedSet

	granularity uint64
}

// New constructs a Suballocator over device, carving super_block_size-byte
// chunks out of raw device-memory allocations on demand.
func New(device Device, superBlockSize uint64) *Suballocator {
	return &Suballocator{
		device:         device,
		superBlockSize: superBlockSize,
		tlsfs:          make(map[tlsfKey]*tlsfSlot),
		heapStats:      make([]heapStat, device.HeapCount()),
		dedicated:      newDedicatedSet(),
		granularity:    device.BufferImageGranularity(),
	}
}

// segregated reports whether linear and non-linear resources in the same
// memory type must use separate TLSF instances, either because the device
// demands it via BufferImageGranularity or the diagnostic flag forces it.
func (s *Suballocator) segregated() bool {
	return s.granularity > tlsf.MinAlign || (forceSegregation != nil && *forceSegregation)
}

func (s *Suballocator) keyFor(memType int, nonLinear bool) tlsfKey {
	return tlsfKey{memType: memType, nonLinear: nonLinear && s.segregated()}
}

func (s *Suballocator) slotFor(memType int, nonLinear bool) (tlsfKey, *tlsfSlot) {
	key := s.keyFor(memType, nonLinear)
	return key, s.slotForKey(key)
}

func (s *Suballocator) slotForKey(key tlsfKey) *tlsfSlot {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.tlsfs[key]
	if !ok {
		slot = &tlsfSlot{t: tlsf.New()}
		s.tlsfs[key] = slot
	}
	return slot
}

// Allocate satisfies req, returning a [MemoryResult] cut from a shared
// super-block or, failing that, a dedicated raw allocation.
//
// It runs up to three passes over eligible memory types: first requiring
// the hard property flags and preferring the caller's [Location], then
// requiring only the hard flags, then -- after an emergency sweep of
// empty super-blocks -- requiring only the hard flags one last time. It
// panics if every pass fails, since by that point the device is out of
// usable memory and there is nothing a caller can do to recover.
func (s *Suballocator) Allocate(req AllocateRequest) (MemoryResult, error) {
	mr := req.Resource.MemoryRequirements()

	if res, ok := s.tryPass(req, mr, true); ok {
		return res, nil
	}
	if res, ok := s.tryPass(req, mr, false); ok {
		return res, nil
	}

	s.emergencyGC()

	if res, ok := s.tryPass(req, mr, false); ok {
		return res, nil
	}

	panic(fmt.Sprintf("gpumem: out of memory after emergency GC: requested %d bytes", mr.Size))
}

func (s *Suballocator) tryPass(req AllocateRequest, mr MemoryRequirements, preferred bool) (MemoryResult, bool) {
	for _, memType := range s.eligibleTypes(req, mr, preferred) {
		heap := s.device.MemoryTypeHeapIndex(memType)

		if req.Resource.PrefersDedicatedAllocation() {
			if res, ok := s.allocateDedicated(memType, heap, mr.Size, req.HostMapped); ok {
				return res, true
			}
			continue
		}

		if mr.Size <= s.superBlockSize {
			if res, ok := s.allocateSub(memType, heap, req.Resource.NonLinear(), mr); ok {
				return res, true
			}
		}

		if res, ok := s.allocateDedicated(memType, heap, mr.Size, req.HostMapped); ok {
			return res, true
		}
	}

	return MemoryResult{}, false
}

// eligibleTypes returns memory type indices eligible for mr, in
// lowest-set-bit-first order, filtered by req's hard requirements and,
// when preferred is true, also by req.Location's soft preference.
func (s *Suballocator) eligibleTypes(req AllocateRequest, mr MemoryRequirements, preferred bool) []int {
	var required MemoryPropertyFlags
	if req.HostMapped {
		required |= MemoryPropertyHostVisible | MemoryPropertyHostCoherent
	}

	var want MemoryPropertyFlags
	if preferred {
		switch req.Location {
		case PreferDevice:
			want = MemoryPropertyDeviceLocal
		case PreferHost:
			want = MemoryPropertyHostVisible
		}
	}

	var types []int
	for i := 0; i < s.device.MemoryTypeCount(); i++ {
		if mr.MemoryTypeBits&(1<<uint(i)) == 0 {
			continue
		}

		props := s.device.MemoryTypeProperties(i)
		if !props.Has(required) {
			continue
		}
		if preferred && want != 0 && !props.Has(want) {
			continue
		}

		types = append(types, i)
	}

	return types
}

func (s *Suballocator) allocateSub(memType, heap int, nonLinear bool, mr MemoryRequirements) (MemoryResult, bool) {
	key, slot := s.slotFor(memType, nonLinear)

	slot.mu.Lock()
	defer slot.mu.Unlock()

	align := int(mr.Alignment)
	if align < tlsf.MinAlign {
		align = tlsf.MinAlign
	}

	if a, ok := slot.t.Allocate(int(mr.Size), align); ok {
		debug.Log(nil, "Allocate", "suballocated %d bytes from memory type %d super-block %d", mr.Size, memType, a.SuperBlock)
		return s.result(a, memType), true
	}

	if !s.growSuperBlock(slot, key, memType, heap) {
		return MemoryResult{}, false
	}

	if a, ok := slot.t.Allocate(int(mr.Size), align); ok {
		return s.result(a, memType), true
	}

	return MemoryResult{}, false
}

func (s *Suballocator) result(a tlsf.Allocation, memType int) MemoryResult {
	s.mu.Lock()
	rec := s.supers[a.SuperBlock]
	s.mu.Unlock()

	var hostPtr uintptr
	if rec.hostPtr != 0 {
		hostPtr = rec.hostPtr + uintptr(a.Offset)
	}

	return MemoryResult{
		Memory:     rec.memory,
		MemoryType: memType,
		Offset:     uint64(a.Offset),
		Size:       uint64(a.Size),
		HostPtr:    hostPtr,
		superBlock: a.SuperBlock,
	}
}

func (s *Suballocator) growSuperBlock(slot *tlsfSlot, key tlsfKey, memType, heap int) bool {
	if !s.checkHeapBudget(heap, s.superBlockSize) {
		return false
	}
	if !s.checkAllocationCount() {
		return false
	}

	mem, err := s.device.AllocateMemory(memType, s.superBlockSize)
	if err != nil {
		return false
	}

	// A super-block is shared by every future suballocation from this
	// TLSF instance, so it's mapped unconditionally whenever the memory
	// type is host-visible -- unlike a dedicated allocation, there's no
	// single request to gate the mapping on.
	var hostPtr uintptr
	if s.device.MemoryTypeProperties(memType).Has(MemoryPropertyHostVisible) {
		if p, err := s.device.MapMemory(mem); err == nil {
			hostPtr = p
		}
	}

	s.mu.Lock()
	sbID := len(s.supers)
	s.supers = append(s.supers, superBlockRecord{memory: mem, memType: memType, heap: heap, size: s.superBlockSize, key: key, hostPtr: hostPtr})
	s.mu.Unlock()

	s.heapStats[heap].bytes.Add(int64(s.superBlockSize))
	s.heapStats[heap].count.Add(1)

	slot.t.InsertSuperBlock(int(s.superBlockSize), sbID)

	return true
}

// allocateDedicated performs one raw, unsuballocated device allocation,
// mapping it iff hostMapped was requested and the memory type can satisfy
// that (a dedicated allocation has exactly one resource, so -- unlike a
// super-block -- it has no reason to pay for a mapping nobody asked for).
func (s *Suballocator) allocateDedicated(memType, heap int, size uint64, hostMapped bool) (MemoryResult, bool) {
	if !s.checkHeapBudget(heap, size) {
		return MemoryResult{}, false
	}
	if !s.checkAllocationCount() {
		return MemoryResult{}, false
	}

	mem, err := s.device.AllocateMemory(memType, size)
	if err != nil {
		return MemoryResult{}, false
	}

	var hostPtr uintptr
	if hostMapped && s.device.MemoryTypeProperties(memType).Has(MemoryPropertyHostVisible) {
		if p, err := s.device.MapMemory(mem); err == nil {
			hostPtr = p
		}
	}

	s.heapStats[heap].bytes.Add(int64(size))
	s.heapStats[heap].count.Add(1)

	s.dedicatedMu.Lock()
	s.dedicated.insert(mem, memType, heap, size, hostPtr)
	s.dedicatedMu.Unlock()

	debug.Log(nil, "Allocate", "dedicated allocation of %d bytes from memory type %d", size, memType)

	return MemoryResult{Memory: mem, MemoryType: memType, Offset: 0, Size: size, HostPtr: hostPtr, Dedicated: true}, true
}

func (s *Suballocator) checkHeapBudget(heap int, size uint64) bool {
	limit := s.device.HeapSize(heap)
	return uint64(s.heapStats[heap].bytes.Load())+size <= limit
}

func (s *Suballocator) checkAllocationCount() bool {
	limit := s.device.MaxMemoryAllocationCount()
	return limit <= 0 || int(s.totalAllocationCount())+1 <= limit
}

func (s *Suballocator) totalAllocationCount() int64 {
	var n int64
	for i := range s.heapStats {
		n += s.heapStats[i].count.Load()
	}
	return n
}

// free releases res immediately: either returning its span to the owning
// TLSF instance, or freeing a dedicated allocation back to the device.
// Callers needing frame-safety should route frees through a [DestroyQueue]
// instead of calling this directly.
func (s *Suballocator) free(res MemoryResult) {
	if res.Dedicated {
		s.dedicatedMu.Lock()
		entry, ok := s.dedicated.remove(res.Memory)
		s.dedicatedMu.Unlock()

		debug.Assert(ok, "gpumem: free of untracked dedicated allocation %v", res.Memory)

		s.device.FreeMemory(res.Memory)
		s.heapStats[entry.heap].bytes.Add(-int64(entry.size))
		s.heapStats[entry.heap].count.Add(-1)
		return
	}

	s.mu.Lock()
	rec := s.supers[res.superBlock]
	s.mu.Unlock()

	slot := s.slotForKey(rec.key)
	slot.mu.Lock()
	slot.t.Free(tlsf.Allocation{SuperBlock: res.superBlock, Offset: int(res.Offset), Size: int(res.Size)})
	slot.mu.Unlock()
}

// CollectEmptySuperBlocks releases every super-block left with no live
// allocations back to the device. [DestroyQueue.BeginFrame] calls this
// periodically so memory freed by retired frames doesn't linger pinned
// to an otherwise-empty super-block indefinitely.
func (s *Suballocator) CollectEmptySuperBlocks() {
	s.emergencyGC()
}

// emergencyGC sweeps every TLSF instance for super-blocks left with no
// live allocations and releases their backing device memory, freeing up
// room for a final retry after two failed allocation passes.
func (s *Suballocator) emergencyGC() {
	s.mu.Lock()
	slots := make([]*tlsfSlot, 0, len(s.tlsfs))
	for _, slot := range s.tlsfs {
		slots = append(slots, slot)
	}
	s.mu.Unlock()

	for _, slot := range slots {
		slot.mu.Lock()
		slot.t.RemoveEmptySuperBlocks(func(userData any) {
			sbID := userData.(int)

			s.mu.Lock()
			rec := s.supers[sbID]
			s.supers[sbID] = superBlockRecord{}
			s.mu.Unlock()

			s.device.FreeMemory(rec.memory)
			s.heapStats[rec.heap].bytes.Add(-int64(rec.size))
			s.heapStats[rec.heap].count.Add(-1)
		})
		slot.mu.Unlock()
	}

	debug.Log(nil, "emergencyGC", "swept %d TLSF instances", len(slots))
}
