// Package osmem is the OS interface segalloc's segment manager runs on: it
// hands out aligned virtual-memory regions and lets the segment manager
// return pages to the kernel or shrink a cached region in place. It plays
// the role the teacher's sysAlloc/sysMap/sysUnused/sysFree family plays for
// the standard library's runtime heap, but exposed as an ordinary Go
// interface instead of linker-internal functions.
package osmem

import "errors"

// ErrUnsupported is returned by operations a Region/Provider implementation
// does not back (e.g. a buffer region asked to Shrink to a larger size, or to
// Reset a range past its end).
var ErrUnsupported = errors.New("osmem: unsupported operation")

// Region is a single OS-backed memory reservation. All segalloc segments are
// requested as one Region each.
type Region interface {
	// Ptr returns the base address of the region.
	Ptr() uintptr

	// Size returns the current size of the region in bytes.
	Size() uintptr

	// Protect toggles read/write access to the whole region, mirroring
	// mprotect. Nothing in segalloc calls it.
	Protect(readWrite bool) error

	// Reset advises the OS that the given sub-range is no longer needed and
	// may be reclaimed lazily (MADV_DONTNEED semantics): the pages stay
	// mapped but their backing physical memory can be dropped.
	Reset(offset, length uintptr) error

	// Shrink attempts to release the tail of the region back to the OS so
	// only newSize bytes remain committed, without moving the base address.
	// Implementations that cannot do this in place return ErrUnsupported.
	Shrink(newSize uintptr) error

	// Free releases the entire region back to the OS.
	Free() error
}

// Provider allocates Regions. A segment manager is configured with exactly
// one Provider (see segalloc.WithRegionProvider); the default is the
// mmap-backed provider on platforms golang.org/x/sys/unix supports.
type Provider interface {
	// Alloc reserves a region of at least size bytes, aligned to align
	// bytes (align is always a power of two, typically the segment size).
	Alloc(size, align uintptr) (Region, error)
}
