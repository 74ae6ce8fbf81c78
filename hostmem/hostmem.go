// Package hostmem provides an anonymous memory mapping to back a simulated
// heap. The allocator never dereferences the addresses it manages, but
// describing a real page-aligned mapping keeps host-side workloads honest
// about the address ranges a kernel heap would see.
package hostmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Arena is one anonymous private mapping.
type Arena struct {
	buf []byte
}

// Map creates an arena of the given size in bytes.
func Map(size int) (*Arena, error) {

	if size <= 0 {
		return nil, fmt.Errorf("arena size must be positive; got %v", size)
	}

	buf, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("failed to map %v-byte arena: %v", size, err)
	}

	return &Arena{buf: buf}, nil
}

// Base returns the start address of the mapping. Page-aligned.
func (a *Arena) Base() uint64 {
	return uint64(uintptr(unsafe.Pointer(&a.buf[0])))
}

// End returns the first address past the mapping.
func (a *Arena) End() uint64 {
	return a.Base() + uint64(len(a.buf))
}

// Size returns the mapping size in bytes.
func (a *Arena) Size() int {
	return len(a.buf)
}

// Close unmaps the arena. The addresses it spanned become foreign.
func (a *Arena) Close() error {
	if a.buf == nil {
		return nil
	}
	err := unix.Munmap(a.buf)
	a.buf = nil
	return err
}
