package segalloc

import "unsafe"

// Alloc returns size bytes owned by h, the fast path of spec §4.5: try the
// direct-index table first, fall back to the owning bin's queue, and only
// then ask the segment manager for a fresh page.
func (h *Heap) Alloc(size uintptr) (unsafe.Pointer, error) {
	if h.destroyed {
		return nil, ErrHeapDestroyed
	}
	if size == 0 {
		size = 1
	}

	w := wsizeFromSize(size)
	if int(w) < len(h.directPages) {
		if p := h.directPages[w]; p != nil && p.hasFree() {
			return p.allocBlock(), nil
		}
	}

	p, err := h.findPageForSize(size)
	if err != nil {
		return nil, err
	}
	if !p.hasFree() {
		p.freeCollect()
	}
	if !p.hasFree() {
		p.extendFree(h.rng)
	}
	if !p.hasFree() {
		return nil, ErrOutOfMemory
	}
	return p.allocBlock(), nil
}

// Zalloc is Alloc followed by zeroing, mirroring mi_zalloc/mi_heap_zalloc.
func (h *Heap) Zalloc(size uintptr) (unsafe.Pointer, error) {
	p, err := h.Alloc(size)
	if err != nil {
		return nil, err
	}
	zero(p, size)
	return p, nil
}

// AllocAligned returns size bytes aligned to align bytes, align must be a
// power of two. Pages start segment/page aligned and lay blocks out at a fixed
// stride, so an alignment up to maxAlignSize that divides the bin's block
// size is already met by every block; any other alignment takes the
// over-allocate-then-rewind trick spec §4.8 describes. Free recovers the true
// block start via Page.blockIndexOf, no side table required.
func (h *Heap) AllocAligned(size, align uintptr) (unsafe.Pointer, error) {
	if align == 0 || (align&(align-1)) != 0 {
		return nil, ErrInvalidAlignment
	}
	if align <= maxAlignSize && goodSize(size)%align == 0 {
		return h.Alloc(size)
	}

	required, ok := addOverflow(size, align)
	if !ok {
		return nil, ErrOverflow
	}
	block, err := h.Alloc(required)
	if err != nil {
		return nil, err
	}
	aligned := alignUp(uintptr(block), align)
	return unsafe.Pointer(aligned), nil
}

func zero(p unsafe.Pointer, size uintptr) {
	b := unsafe.Slice((*byte)(p), size)
	for i := range b {
		b[i] = 0
	}
}

// zeroRange zeroes the byte range [from, to) of the block starting at p,
// used by Rezalloc to scrub the padding a grown block picked up beyond its
// old usable size.
func zeroRange(p unsafe.Pointer, from, to uintptr) {
	if to <= from {
		return
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(p)+from)), to-from)
	for i := range b {
		b[i] = 0
	}
}

func addOverflow(a, b uintptr) (uintptr, bool) {
	sum := a + b
	return sum, sum >= a
}

func mulOverflow(a, b uintptr) (uintptr, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	product := a * b
	return product, product/a == b
}
