//go:build go1.21

package gpumem

import "github.com/dolthub/maphash"

// dedicatedSet tracks raw device-memory handles that back exactly one
// resource each, i.e. allocations that bypassed suballocation entirely.
// Suballocator.free looks a dedicated allocation up here by its handle
// alone to recover the heap and size it was charged against.
//
// A plain Go map[DeviceMemory]dedicatedEntry would do the same job; this
// is instead a hand-rolled open-addressing table with linear probing,
// hashing handles through a maphash.Hasher.
type dedicatedEntry struct {
	mem       DeviceMemory
	memType   int
	heap      int
	size      uint64
	hostPtr   uintptr
	occupied  bool
	tombstone bool
}

type dedicatedSet struct {
	hash    maphash.Hasher[DeviceMemory]
	entries []dedicatedEntry
	count   int
}

func newDedicatedSet() *dedicatedSet {
	return &dedicatedSet{
		hash:    maphash.NewHasher[DeviceMemory](),
		entries: make([]dedicatedEntry, 16),
	}
}

func (s *dedicatedSet) insert(mem DeviceMemory, memType, heap int, size uint64, hostPtr uintptr) {
	if (s.count+1)*2 >= len(s.entries) {
		s.grow()
	}

	idx := s.probe(mem)
	s.entries[idx] = dedicatedEntry{mem: mem, memType: memType, heap: heap, size: size, hostPtr: hostPtr, occupied: true}
	s.count++
}

func (s *dedicatedSet) remove(mem DeviceMemory) (dedicatedEntry, bool) {
	mask := uint64(len(s.entries) - 1)
	i := s.hash.Hash(mem) & mask
	for {
		e := &s.entries[i]
		if !e.occupied && !e.tombstone {
			return dedicatedEntry{}, false
		}
		if e.occupied && e.mem == mem {
			entry := *e
			*e = dedicatedEntry{tombstone: true}
			s.count--
			return entry, true
		}
		i = (i + 1) & mask
	}
}

func (s *dedicatedSet) probe(mem DeviceMemory) uint64 {
	mask := uint64(len(s.entries) - 1)
	i := s.hash.Hash(mem) & mask
	for s.entries[i].occupied {
		i = (i + 1) & mask
	}
	return i
}

func (s *dedicatedSet) grow() {
	old := s.entries
	s.entries = make([]dedicatedEntry, len(old)*2)
	s.count = 0
	for _, e := range old {
		if e.occupied {
			s.insert(e.mem, e.memType, e.heap, e.size, e.hostPtr)
		}
	}
}
