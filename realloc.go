package segalloc

import "unsafe"

// Realloc resizes the block at ptr to newSize bytes, copying the lesser of
// the old and new sizes. If the current block's usable size already covers
// newSize without wasting more than half of it, the existing block is kept
// in place (spec §4.9's ≤50% waste threshold); otherwise a new block is
// allocated, the data copied, and the old block freed.
func (h *Heap) Realloc(ptr unsafe.Pointer, newSize uintptr) (unsafe.Pointer, error) {
	if ptr == nil {
		return h.Alloc(newSize)
	}
	if newSize == 0 {
		if err := h.Free(ptr); err != nil {
			return nil, err
		}
		return nil, nil
	}

	usable, err := h.allocator.UsableSize(ptr)
	if err != nil {
		return nil, err
	}
	if usable >= newSize && (usable/2) <= newSize {
		return ptr, nil
	}

	fresh, err := h.Alloc(newSize)
	if err != nil {
		return nil, err
	}
	copySize := usable
	if newSize < copySize {
		copySize = newSize
	}
	copyBytes(fresh, ptr, copySize)
	if err := h.Free(ptr); err != nil {
		return nil, err
	}
	return fresh, nil
}

// Reallocf behaves like Realloc but frees ptr even when allocation of the
// replacement block fails, matching spec §6's reallocf contract (the BSD
// reallocf convention, unlike plain realloc/Realloc which leaves ptr intact
// on failure).
func (h *Heap) Reallocf(ptr unsafe.Pointer, newSize uintptr) (unsafe.Pointer, error) {
	fresh, err := h.Realloc(ptr, newSize)
	if err != nil {
		_ = h.Free(ptr)
		return nil, err
	}
	return fresh, nil
}

// Rezalloc behaves like Realloc but additionally zeroes the byte range from
// the old usable size up to newSize whenever the block grows, giving
// calloc-like zero-init guarantees across a resize instead of leaving
// whatever garbage the new block's tail last held (spec §4.9's zero-init
// realloc variant, grounded on mi_realloc_zero/mi_rezalloc in
// alloc_.rs:281-335). A shrink or in-place resize never exposes new bytes,
// so nothing is zeroed in that case.
func (h *Heap) Rezalloc(ptr unsafe.Pointer, newSize uintptr) (unsafe.Pointer, error) {
	if ptr == nil {
		return h.Zalloc(newSize)
	}
	oldUsable, err := h.allocator.UsableSize(ptr)
	if err != nil {
		return nil, err
	}
	out, err := h.Realloc(ptr, newSize)
	if err != nil {
		return nil, err
	}
	if out == nil || newSize <= oldUsable {
		return out, nil
	}
	zeroRange(out, oldUsable, newSize)
	return out, nil
}

// ReallocnArray is Rezalloc's count*size convenience form, the zero-init
// counterpart to ReallocArray (mi_reallocn in alloc_.rs).
func (h *Heap) ReallocnArray(ptr unsafe.Pointer, count, size uintptr) (unsafe.Pointer, error) {
	total, ok := mulOverflow(count, size)
	if !ok {
		return nil, ErrOverflow
	}
	return h.Rezalloc(ptr, total)
}

// ReallocArray is the overflow-checked count*size convenience form spec §6
// expects alongside realloc/reallocf.
func (h *Heap) ReallocArray(ptr unsafe.Pointer, count, size uintptr) (unsafe.Pointer, error) {
	total, ok := mulOverflow(count, size)
	if !ok {
		return nil, ErrOverflow
	}
	return h.Realloc(ptr, total)
}

func copyBytes(dst, src unsafe.Pointer, n uintptr) {
	d := unsafe.Slice((*byte)(dst), n)
	s := unsafe.Slice((*byte)(src), n)
	copy(d, s)
}
