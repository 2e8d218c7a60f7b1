//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package osmem

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmapProvider reserves regions with unix.Mmap, over-allocating and trimming
// the unaligned head/tail so the returned base address satisfies the
// requested alignment — the same trick the teacher's sysReserve/sysMap pair
// plays via mmap + munmap of the excess on Unix-like hosts.
type mmapProvider struct{}

// NewMmapProvider returns the default Provider on Unix-like platforms.
func NewMmapProvider() Provider {
	return mmapProvider{}
}

func (mmapProvider) Alloc(size, align uintptr) (Region, error) {
	if align == 0 {
		align = 1
	}
	total := size + align
	data, err := unix.Mmap(-1, 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("osmem: mmap %d bytes: %w", total, err)
	}
	base := uintptr(unsafe.Pointer(&data[0]))
	alignedBase := (base + align - 1) &^ (align - 1)

	if head := alignedBase - base; head > 0 {
		if err := unix.Munmap(data[:head]); err != nil {
			return nil, fmt.Errorf("osmem: trim head: %w", err)
		}
		data = data[head:]
	}
	if tail := uintptr(len(data)) - size; tail > 0 {
		if err := unix.Munmap(data[size:]); err != nil {
			return nil, fmt.Errorf("osmem: trim tail: %w", err)
		}
		data = data[:size]
	}
	return &mmapRegion{data: data, base: alignedBase}, nil
}

type mmapRegion struct {
	mu   sync.Mutex
	data []byte
	base uintptr
}

func (r *mmapRegion) Ptr() uintptr { return r.base }

func (r *mmapRegion) Size() uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uintptr(len(r.data))
}

func (r *mmapRegion) Protect(readWrite bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prot := unix.PROT_NONE
	if readWrite {
		prot = unix.PROT_READ | unix.PROT_WRITE
	}
	if err := unix.Mprotect(r.data, prot); err != nil {
		return fmt.Errorf("osmem: mprotect: %w", err)
	}
	return nil
}

func (r *mmapRegion) Reset(offset, length uintptr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if offset+length > uintptr(len(r.data)) {
		return fmt.Errorf("osmem: reset out of range")
	}
	if err := unix.Madvise(r.data[offset:offset+length], unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("osmem: madvise: %w", err)
	}
	return nil
}

func (r *mmapRegion) Shrink(newSize uintptr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if newSize >= uintptr(len(r.data)) {
		return nil
	}
	tail := r.data[newSize:]
	if err := unix.Munmap(tail); err != nil {
		return fmt.Errorf("osmem: shrink munmap: %w", err)
	}
	r.data = r.data[:newSize]
	return nil
}

func (r *mmapRegion) Free() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	if err != nil {
		return fmt.Errorf("osmem: munmap: %w", err)
	}
	return nil
}
