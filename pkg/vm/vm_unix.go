//go:build unix

package vm

import "golang.org/x/sys/unix"

// region is the unix mmap-backed implementation: a real PROT_NONE
// reservation, made readable/writable one mprotect call at a time.
type region struct {
	mem []byte
}

func newRegion(size int) (region, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return region{}, err
	}

	return region{mem: mem}, nil
}

func (r region) commit(offset, size int) error {
	lo := offset &^ (PageSize - 1)
	hi := roundUp(offset+size, PageSize)

	return unix.Mprotect(r.mem[lo:hi], unix.PROT_READ|unix.PROT_WRITE)
}

func (r region) release() error {
	return unix.Munmap(r.mem)
}

func (r region) bytes() []byte {
	return r.mem
}
