package segalloc

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"
)

// Heap is the Go stand-in for mimalloc's per-OS-thread default heap (spec
// §3's Heap type). Since Go gives us goroutines instead of pinned OS
// threads, a Heap is an explicit handle: obtain one with
// Allocator.NewHeap() for isolated ownership, or Allocator.DefaultHeap() for
// a shared singleton. All methods that are not explicitly about
// cross-goroutine frees (Page's threadFree path) assume a single owning
// goroutine calls them at a time — exactly the thread-affinity spec §5
// requires, just enforced by convention instead of the OS scheduler.
type Heap struct {
	allocator *Allocator
	cookie    uintptr
	secure    bool
	rng       *shuffleSource

	queues    [numBins]*PageQueue
	fullQueue *PageQueue

	directPages [smallWSizeMax + 2]*Page

	smallSegments []*Segment
	largeSegments []*Segment
	hugeSegments  []*Segment

	// delayedMu guards delayedFull, the Go stand-in for mimalloc's
	// thread_delayed_free list (spec §3/§4.3 item 3): pages parked in
	// fullQueue that a foreign goroutine has freed a block against. Unlike
	// a page's own threadFree word (page-local, CAS-only), this list lives
	// on the Heap so the owner can find affected pages in O(len) instead of
	// scanning the entire full queue on every allocation.
	delayedMu   sync.Mutex
	delayedFull []*Page

	deferredFree func()
	destroyed    bool
}

func randomCookie() uintptr {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return uintptr(0x5bd1e995) // fallback constant, never zero
	}
	v := binary.LittleEndian.Uint64(buf[:])
	if v == 0 {
		v = 1
	}
	return uintptr(v)
}

func newHeap(a *Allocator) *Heap {
	h := &Heap{
		allocator:    a,
		cookie:       randomCookie(),
		secure:       a.opts.secure,
		rng:          newShuffleSource(int64(randomCookie())),
		deferredFree: a.opts.deferredFree,
	}
	h.fullQueue = newPageQueue(h, binFull, 0)
	h.queues[binFull] = h.fullQueue
	for b := uint8(1); b < binFull; b++ {
		h.queues[b] = newPageQueue(h, b, binSize(b))
	}
	return h
}

func (h *Heap) queueFor(bin uint8) *PageQueue {
	return h.queues[bin]
}

// registerDelayedFree records that page, currently parked Full, has a
// pending foreign free the owner hasn't observed yet. foreignFree calls this
// exactly once per full/collected cycle, the moment its CAS flips the page's
// delayed-free tag from noDelayedFree to useDelayedFree.
func (h *Heap) registerDelayedFree(p *Page) {
	h.delayedMu.Lock()
	h.delayedFull = append(h.delayedFull, p)
	h.delayedMu.Unlock()
}

// drainDelayedFree folds every page registered via registerDelayedFree back
// into normal rotation: collect its thread-free list, un-full it if that
// freed up capacity, and retire it if it turned out to be entirely free.
// This is the generic allocation path's way of eagerly noticing cross-thread
// frees against Full pages without requiring an explicit Collect call (spec
// §4.5's "drain heap's thread_delayed_free" step).
func (h *Heap) drainDelayedFree() {
	h.delayedMu.Lock()
	pages := h.delayedFull
	h.delayedFull = nil
	h.delayedMu.Unlock()

	for _, p := range pages {
		p.threadFreeCollect()
		if p.state == pageFull && p.hasFree() {
			p.unfull()
		}
		if p.allFree() {
			if p.retire() {
				h.releasePageFromSegment(p)
			}
		}
	}
}

// findPageForSize returns a page with at least one free block able to serve
// size bytes, allocating/extending pages as needed, or an error if the
// allocator ran out of memory. This is the slow ("generic") path; the fast
// path in alloc.go checks directPages first.
func (h *Heap) findPageForSize(size uintptr) (*Page, error) {
	if h.destroyed {
		return nil, ErrHeapDestroyed
	}
	h.drainDelayedFree()
	bin := binOf(size)
	if bin >= binHuge {
		return h.allocHugePage(size)
	}

	q := h.queues[bin]
	if p := q.findFree(h.rng); p != nil {
		h.refreshDirect(p)
		return p, nil
	}

	p, err := h.freshPage(q, bin)
	if err != nil {
		return nil, err
	}
	p.extendFree(h.rng)
	h.refreshDirect(p)
	return p, nil
}

// refreshDirect publishes p as the fast-path candidate for every direct
// index word size it can serve, the Go analogue of mimalloc's
// pages_free_direct maintenance in mi_page_queue_find_free_ex.
func (h *Heap) refreshDirect(p *Page) {
	if p.blockSize == 0 || p.blockSize > smallWSizeMax*wordSize {
		return
	}
	w := wsizeFromSize(p.blockSize)
	if int(w) >= len(h.directPages) {
		return
	}
	for ; w > 0 && binOfWords(w) == p.bin; w-- {
		h.directPages[w] = p
	}
}

// freshPage obtains a brand-new page of q's block size from an existing
// owned segment if one has room, or from a freshly acquired segment
// otherwise (spec §4.6's small/large dispatch by block size threshold).
func (h *Heap) freshPage(q *PageQueue, bin uint8) (*Page, error) {
	blockSize := binSize(bin)
	if blockSize == 0 {
		blockSize = wordSize
	}

	if blockSize <= smallWSizeMax*wordSize {
		for _, seg := range h.smallSegments {
			if idx, ok := firstFreeSlot(seg); ok {
				p := seg.carvePage(idx, blockSize, h.cookie, h.secure)
				p.heap = h
				p.bin = bin
				q.pushBack(p)
				p.queue = q
				p.state = pageActive
				return p, nil
			}
		}
		for _, seg := range h.allocator.tryReclaim(h, false) {
			if seg.kind != segmentSmall {
				h.allocator.abandonSegment(seg) // wrong shape, put it back
				continue
			}
			h.smallSegments = append(h.smallSegments, seg)
			h.adoptSegmentPages(seg)
			if idx, ok := firstFreeSlot(seg); ok {
				p := seg.carvePage(idx, blockSize, h.cookie, h.secure)
				p.heap = h
				p.bin = bin
				q.pushBack(p)
				p.queue = q
				p.state = pageActive
				return p, nil
			}
		}
		seg, err := h.allocator.newSmallSegment(h)
		if err != nil {
			return nil, err
		}
		h.smallSegments = append(h.smallSegments, seg)
		p := seg.carvePage(0, blockSize, h.cookie, h.secure)
		p.heap = h
		p.bin = bin
		q.pushBack(p)
		p.queue = q
		p.state = pageActive
		return p, nil
	}

	seg, err := h.allocator.newLargeSegment(h, blockSize)
	if err != nil {
		return nil, err
	}
	h.largeSegments = append(h.largeSegments, seg)
	p := seg.carvePage(0, blockSize, h.cookie, h.secure)
	p.heap = h
	p.bin = bin
	q.pushBack(p)
	p.queue = q
	p.state = pageActive
	return p, nil
}

// adoptSegmentPages re-homes every still-carved page in a just-reclaimed
// segment into this heap's own queues, since the segment's previous owner
// (and that owner's PageQueue objects) are gone. Mirrors the teacher's
// reclaimList re-threading spans back onto mheap_ lists after a sweep.
func (h *Heap) adoptSegmentPages(seg *Segment) {
	for _, p := range seg.pages {
		if p == nil {
			continue
		}
		p.heap = h
		p.threadFreeCollect()
		var dest *PageQueue
		if p.state == pageFull {
			dest = h.fullQueue
		} else {
			dest = h.queues[p.bin]
		}
		dest.pushBack(p)
		p.queue = dest
	}
}

func firstFreeSlot(seg *Segment) (int, bool) {
	for i, p := range seg.pages {
		if p == nil {
			return i, true
		}
	}
	return 0, false
}

// allocHugePage builds a dedicated one-block segment for an oversized
// allocation (spec §4.6 huge segment kind).
func (h *Heap) allocHugePage(size uintptr) (*Page, error) {
	seg, err := h.allocator.newHugeSegment(h, size)
	if err != nil {
		return nil, err
	}
	h.hugeSegments = append(h.hugeSegments, seg)
	p := seg.carvePage(0, seg.size, h.cookie, h.secure)
	p.heap = h
	p.bin = binHuge
	p.reserved = 1
	p.capacity = 1
	p.free = unsafe.Pointer(p.pageStart)
	setBlockNext(p.free, encodeNext(p.cookie, p.secure, nil))
	p.queue = h.queues[binHuge]
	p.queue.pushBack(p)
	p.state = pageActive
	return p, nil
}

// releasePageFromSegment clears a retired page's segment slot so the segment
// can be reused or, if now fully empty, handed back to the allocator (cached,
// or freed outright for a huge segment).
func (h *Heap) releasePageFromSegment(p *Page) {
	seg := p.segment
	idx, ok := seg.pageIndexOf(p.pageStart)
	if !ok {
		return
	}
	seg.releasePage(idx)
	if seg.isEmpty() {
		h.removeSegmentFromLists(seg)
		h.allocator.releaseRegion(seg)
	}
}

func (h *Heap) removeSegmentFromLists(seg *Segment) {
	switch seg.kind {
	case segmentSmall:
		h.smallSegments = removeSeg(h.smallSegments, seg)
	case segmentLarge:
		h.largeSegments = removeSeg(h.largeSegments, seg)
	case segmentHuge:
		h.hugeSegments = removeSeg(h.hugeSegments, seg)
	}
}

func removeSeg(list []*Segment, seg *Segment) []*Segment {
	for i, s := range list {
		if s == seg {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// Collect walks every page queue, running each page's freeCollect, offering
// any page that ended up fully free to retire (which keeps it on its queue
// when both queue neighbors are mostly used, a missing neighbor counting as
// mostly used), and releasing the slots of pages that did retire.
// Any registered deferred-free callback runs first and not while any page
// pointer is held, resolving spec §9's reentrancy open question exactly as
// mheap.alloc_m drops its lock before calling into sweep/reclaim.
func (h *Heap) Collect() error {
	if h.destroyed {
		return ErrHeapDestroyed
	}
	if h.deferredFree != nil {
		h.deferredFree()
	}
	h.drainDelayedFree()
	for bin := uint8(1); bin <= binFull; bin++ {
		q := h.queues[bin]
		for p := q.first; p != nil; {
			next := p.next
			p.freeCollect()
			if p.allFree() {
				if p.retire() {
					h.releasePageFromSegment(p)
				}
			}
			p = next
		}
	}
	return nil
}

// Owns reports whether p was allocated from this Heap's pages specifically
// (a stricter check than Allocator.Owns, which only verifies the Allocator
// manages it at all) — mi_heap_contains_block in heap.rs.
func (h *Heap) Owns(p unsafe.Pointer) bool {
	addr := uintptr(p)
	seg := h.allocator.segmentForAddr(addr)
	if seg == nil || seg.owner != h {
		return false
	}
	idx, ok := seg.pageIndexOf(addr)
	return ok && seg.pages[idx] != nil
}

// VisitFreePolicy controls whether VisitBlocks also visits blocks currently
// on a page's free lists.
type VisitFreePolicy int

const (
	// VisitLiveOnly visits only blocks the caller currently considers
	// allocated.
	VisitLiveOnly VisitFreePolicy = iota
	// VisitIncludeFree also visits blocks sitting on free/localFree.
	VisitIncludeFree
)

// VisitBlocks walks every block in every page this heap owns, calling fn
// with the block's address and size. fn returning false stops the walk
// early. Grounded on mi_heap_visit_blocks / mi_heap_area_visit_blocks in
// heap.rs; exposed for callers building tooling (e.g. a leak checker) on
// top of this allocator.
func (h *Heap) VisitBlocks(policy VisitFreePolicy, fn func(addr unsafe.Pointer, size uintptr) bool) {
	visit := func(q *PageQueue) bool {
		for p := q.first; p != nil; p = p.next {
			if !h.visitPageBlocks(p, policy, fn) {
				return false
			}
		}
		return true
	}
	for bin := uint8(1); bin <= binFull; bin++ {
		if !visit(h.queues[bin]) {
			return
		}
	}
}

func (h *Heap) visitPageBlocks(p *Page, policy VisitFreePolicy, fn func(unsafe.Pointer, uintptr) bool) bool {
	free := make(map[uintptr]bool)
	if policy == VisitLiveOnly {
		p.freeCollect()
		markList := func(head unsafe.Pointer) {
			for cur := head; cur != nil; {
				free[uintptr(cur)] = true
				raw := blockNext(cur)
				cur = decodeNext(p.cookie, p.secure, raw)
			}
		}
		markList(p.free)
		markList(p.localFree)
	}
	for i := uint32(0); i < p.capacity; i++ {
		addr := p.blockAt(i)
		if policy == VisitLiveOnly && free[uintptr(addr)] {
			continue
		}
		if !fn(addr, p.blockSize) {
			return false
		}
	}
	return true
}

// absorb merges donor's pages into h, following mi_heap_absorb in heap.rs
// exactly: unfull every full page in donor first (so bin membership is
// correct once appended), drain donor's per-page thread-free lists, then
// append each bin's queue onto h's matching queue, finally leaving donor
// empty. Used by Delete.
//
// donor's own delayedFull registrations are carried over to h rather than
// dropped with the donor heap: a page a foreign goroutine freed a block
// against before the absorb must still surface on h's next allocation call,
// not only on h's next explicit Collect.
func (h *Heap) absorb(donor *Heap) {
	donor.delayedMu.Lock()
	delayed := donor.delayedFull
	donor.delayedFull = nil
	donor.delayedMu.Unlock()
	if len(delayed) > 0 {
		h.delayedMu.Lock()
		h.delayedFull = append(h.delayedFull, delayed...)
		h.delayedMu.Unlock()
	}

	for p := donor.fullQueue.first; p != nil; {
		next := p.next
		p.state = pageActive
		donor.fullQueue.remove(p)
		donor.queues[p.bin].pushBack(p)
		p.queue = donor.queues[p.bin]
		p = next
	}
	for bin := uint8(1); bin < binFull; bin++ {
		for p := donor.queues[bin].first; p != nil; p = p.next {
			p.threadFreeCollect()
		}
	}
	for bin := uint8(1); bin <= binFull; bin++ {
		h.queues[bin].appendFrom(donor.queues[bin], h)
	}
	h.smallSegments = append(h.smallSegments, donor.smallSegments...)
	h.largeSegments = append(h.largeSegments, donor.largeSegments...)
	h.hugeSegments = append(h.hugeSegments, donor.hugeSegments...)
	for _, seg := range donor.smallSegments {
		seg.owner = h
	}
	for _, seg := range donor.largeSegments {
		seg.owner = h
	}
	for _, seg := range donor.hugeSegments {
		seg.owner = h
	}
	donor.smallSegments, donor.largeSegments, donor.hugeSegments = nil, nil, nil
}

// Abandon pushes every segment h owns onto the allocator's lock-free
// ABANDONED stack instead of absorbing them into another heap, and marks h
// unusable. This models a goroutine that disappears without an orderly
// handoff (spec §4.7); any other Heap may later reclaim these segments via
// tryReclaim, including pages still holding live, unfreed blocks.
func (h *Heap) Abandon() error {
	if h.destroyed {
		return ErrHeapDestroyed
	}
	abandonAll := func(list []*Segment) {
		for _, seg := range list {
			for _, p := range seg.pages {
				if p != nil {
					p.heap = nil
					p.queue = nil
				}
			}
			h.allocator.abandonSegment(seg)
		}
	}
	abandonAll(h.smallSegments)
	abandonAll(h.largeSegments)
	abandonAll(h.hugeSegments)
	h.smallSegments, h.largeSegments, h.hugeSegments = nil, nil, nil
	h.destroyed = true
	h.allocator.forgetHeap(h)
	return nil
}

// Delete absorbs all of h's live pages into the allocator's default heap
// and marks h unusable. Matches heap_delete's contract in spec §6: unlike
// Destroy, no memory is returned to the OS.
func (h *Heap) Delete() error {
	if h.destroyed {
		return ErrHeapDestroyed
	}
	if h != h.allocator.DefaultHeap() {
		h.allocator.DefaultHeap().absorb(h)
	}
	h.destroyed = true
	h.allocator.forgetHeap(h)
	return nil
}

// Destroy immediately frees every segment this heap owns, without
// validating that all blocks were individually freed first (spec §6's
// heap_destroy: "skips per-block bookkeeping; unsafe if any block from this
// heap is still reachable elsewhere").
func (h *Heap) Destroy() error {
	if h.destroyed {
		return ErrHeapDestroyed
	}
	var firstErr error
	freeAll := func(list []*Segment) {
		for _, seg := range list {
			h.allocator.unregisterSegment(seg)
			if err := seg.free(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("segalloc: destroy heap: %w", err)
			}
		}
	}
	freeAll(h.smallSegments)
	freeAll(h.largeSegments)
	freeAll(h.hugeSegments)
	h.smallSegments, h.largeSegments, h.hugeSegments = nil, nil, nil
	h.destroyed = true
	h.allocator.forgetHeap(h)
	return firstErr
}
