package segalloc

import (
	"fmt"
	"unsafe"
)

// lookupOwningPage resolves ptr back to its Segment/Page, returning
// ErrInvalidPointer if it was not returned by this Allocator. It also
// rejects an address that resolves to a slot beyond the page's carved
// capacity (reachable only via a corrupt or forged pointer, since every
// address this allocator hands out sits inside an already-carved slot) with
// ErrCorruptPage instead of silently handing back a bogus block.
func (a *Allocator) lookupOwningPage(ptr unsafe.Pointer) (*Page, unsafe.Pointer, error) {
	addr := uintptr(ptr)
	seg := a.segmentForAddr(addr)
	if seg == nil {
		return nil, nil, ErrInvalidPointer
	}
	idx, ok := seg.pageIndexOf(addr)
	if !ok {
		return nil, nil, ErrInvalidPointer
	}
	page := seg.pages[idx]
	if page == nil {
		return nil, nil, ErrInvalidPointer
	}
	blockIdx := page.blockIndexOf(addr)
	if blockIdx >= page.capacity {
		return nil, nil, fmt.Errorf("%w: address %#x falls outside its page's carved capacity", ErrCorruptPage, addr)
	}
	block := page.blockAt(blockIdx)
	return page, block, nil
}

// Free returns ptr to h. If ptr belongs to a page h itself owns, this takes
// the fast owner-only path (spec §4.3); otherwise it falls back to the
// cross-thread CAS path, the same one Allocator.Free always uses.
func (h *Heap) Free(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}
	page, block, err := h.allocator.lookupOwningPage(ptr)
	if err != nil {
		return err
	}
	if page.heap == h {
		page.localFreeBlock(block)
		if page.allFree() {
			if page.retire() {
				h.releasePageFromSegment(page)
			}
		}
		return nil
	}
	return foreignFree(page, block)
}

// Free returns ptr without needing to know which Heap owns it; always takes
// the cross-thread-safe CAS path (spec §4.3's thread_free protocol).
func (a *Allocator) Free(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}
	page, block, err := a.lookupOwningPage(ptr)
	if err != nil {
		return err
	}
	return foreignFree(page, block)
}

// foreignFree CAS-pushes block onto page's thread_free list. While the page
// is full, the first foreign free against it flips the delayed-free tag to
// useDelayedFree and registers the page on its owning Heap's
// thread_delayed_free list, so the owner's own next allocation call drains
// it without needing an explicit Collect — even though the page is parked
// in the shared full queue and would otherwise not be scanned until
// something else touches it (spec §4.3/§9's delayed-free escalation,
// grounded on mi_free_block_mt's CAS loop in alloc_.rs).
func foreignFree(page *Page, block unsafe.Pointer) error {
	for {
		old := page.threadFree.Load()
		head, tag := unpackThreadFree(old)

		newTag := tag
		if tag == noDelayedFree && page.state == pageFull {
			newTag = useDelayedFree
		}

		setBlockNext(block, encodeNext(page.cookie, page.secure, head))
		newWord := packThreadFree(block, newTag)
		if page.threadFree.CompareAndSwap(old, newWord) {
			if newTag == useDelayedFree && tag != useDelayedFree && page.heap != nil {
				page.heap.registerDelayedFree(page)
			}
			return nil
		}
	}
}

// UsableSize returns the full block size backing ptr, which may be larger
// than what was originally requested (spec §6 usable_size).
func (a *Allocator) UsableSize(ptr unsafe.Pointer) (uintptr, error) {
	page, _, err := a.lookupOwningPage(ptr)
	if err != nil {
		return 0, err
	}
	return page.blockSize, nil
}
