package segalloc

import (
	"sync/atomic"
	"unsafe"
)

// pageState is the page lifecycle spec §4.2 describes: a fresh page moves to
// active on its first allocation, to full once its free list and local_free
// list are both empty and capacity has reached reserved, back to active
// ("unfull") the moment the owner frees a block into it or drains a foreign
// free registered against it, and to retired once every block it owns is
// free again and retire lets it go (ready for the segment manager to reclaim
// its slot).
type pageState uint8

const (
	pageFresh pageState = iota
	pageActive
	pageFull
	pageRetired
)

// Page is one size-class-homogeneous slab of blocks inside a segment. It
// carries the three free lists spec §4.3 specifies:
//
//   - free: the hot list, popped/pushed only by the owning goroutine.
//   - localFree: blocks the owner itself freed that haven't been folded
//     into free yet (folded lazily, on the next allocation that finds free
//     empty).
//   - threadFree: a packed (head pointer, delayed-free tag) word mutated
//     only through CAS, for blocks freed by a goroutine other than the
//     page's owner.
//
// This mirrors the teacher's mspan, which separates an owner-only freelist
// from GC-visible atomically-updated counters (mspan.ref vs atomic.Xadd64 in
// mcentral.go); Page goes one step further and gives the foreign side its
// own list instead of merging directly, exactly as page.rs's Page does.
type Page struct {
	segment   *Segment
	heap      *Heap
	bin       uint8
	queue     *PageQueue
	blockSize uintptr
	pageStart uintptr
	reserved  uint32
	capacity  uint32
	used      uint32 // owner-only

	free      unsafe.Pointer // *block, owner-only
	localFree unsafe.Pointer // *block, owner-only

	threadFree atomic.Uintptr // packed (ptr, delayed tag)

	cookie uintptr
	secure bool
	state  pageState

	next *Page
	prev *Page
}

func packThreadFree(ptr unsafe.Pointer, tag uint8) uintptr {
	return (uintptr(ptr) &^ delayedFreeMask) | uintptr(tag&0x3)
}

func unpackThreadFree(raw uintptr) (unsafe.Pointer, uint8) {
	return unsafe.Pointer(raw &^ delayedFreeMask), uint8(raw & delayedFreeMask)
}

// newPage builds a Page over [start, start+reserved*blockSize) inside seg,
// initially empty (no blocks carved into the free list yet — that happens
// lazily via extendFree, spec §4.4).
func newPage(seg *Segment, start uintptr, blockSize uintptr, reserved uint32, cookie uintptr, secure bool) *Page {
	p := &Page{
		segment:   seg,
		bin:       binOf(blockSize),
		blockSize: blockSize,
		pageStart: start,
		reserved:  reserved,
		cookie:    cookie,
		secure:    secure,
		state:     pageFresh,
	}
	p.threadFree.Store(packThreadFree(nil, noDelayedFree))
	return p
}

func (p *Page) blockAt(index uint32) unsafe.Pointer {
	return unsafe.Pointer(p.pageStart + uintptr(index)*p.blockSize)
}

// blockIndexOf divides out the fixed block stride to find which slot addr
// falls in (spec §4.8: "rewind by (p - page_start) mod block_size"). This is
// what lets AllocAligned hand out an address offset from a block's true
// start and still have Free recover the real block boundary without a side
// table. The caller must check the result against capacity/reserved itself;
// an out-of-range index means addr did not come from a slot this page ever
// carved.
func (p *Page) blockIndexOf(addr uintptr) uint32 {
	return uint32((addr - p.pageStart) / p.blockSize)
}

// hasFree reports whether an immediate allocation can be served without
// extending or collecting.
func (p *Page) hasFree() bool {
	return p.free != nil
}

// allUsed reports that neither list the owner can serve from directly has
// anything in it (free and localFree are both empty); a thread-free collect
// may still find something.
func (p *Page) allUsed() bool {
	return p.free == nil && p.localFree == nil
}

// allFree reports that the page has no outstanding allocations at all, i.e.
// it is eligible for retire. used alone undercounts live blocks still
// parked, uncollected, on threadFree, so this folds those in first (spec
// §3: "a page with used - thread_freed == 0 is all-free").
func (p *Page) allFree() bool {
	p.threadFreeCollect()
	return p.used == 0
}

// mostlyUsed reports whether more than 7/8 of the page's reserved blocks are
// live, folding in any uncollected thread-frees first. A nil page (no
// neighbor in the queue) counts as mostly used, mirroring
// mi_page_mostly_used's treatment of a null neighbor — an edge-of-queue page
// has nothing pulling it toward being kept.
func (p *Page) mostlyUsed() bool {
	if p == nil {
		return true
	}
	p.threadFreeCollect()
	return p.reserved-p.used < p.reserved/8
}

// freeCollect folds localFree and any pending threadFree blocks into free,
// the lazy merge step the owner performs before it lets a page go fully
// empty-handed. It must only be called by the owning goroutine.
func (p *Page) freeCollect() {
	if p.localFree != nil {
		// localFree entries already had p.used decremented when the owner
		// freed them (localFreeBlock); merging them into free must not
		// double-count.
		p.spliceList(&p.free, p.localFree)
		p.localFree = nil
	}
	p.threadFreeCollect()
}

// threadFreeCollect atomically detaches the entire foreign-free list and
// merges it into free, clearing the delayed-free tag back to noDelayedFree.
// This is the only place threadFree's CAS loop competes with foreignFree.
// Unlike localFree, threadFree blocks never touched p.used when they were
// freed (only the owning goroutine may mutate used), so the owner folds
// that decrement in here instead — the Go-specific resolution of spec §9's
// used/thread_freed counter-pair open question.
func (p *Page) threadFreeCollect() {
	for {
		old := p.threadFree.Load()
		head, _ := unpackThreadFree(old)
		if head == nil {
			return
		}
		newWord := packThreadFree(nil, noDelayedFree)
		if p.threadFree.CompareAndSwap(old, newWord) {
			count, _ := p.walkList(head)
			p.spliceList(&p.free, head)
			p.used -= uint32(count)
			return
		}
	}
}

// spliceList splices the list starting at src onto the head of *dst,
// walking src with decodeNext since it may be cookie-obfuscated.
func (p *Page) spliceList(dst *unsafe.Pointer, src unsafe.Pointer) {
	if src == nil {
		return
	}
	_, tail := p.walkList(src)
	setBlockNext(tail, encodeNext(p.cookie, p.secure, *dst))
	*dst = src
}

// walkList counts the nodes in a cookie-encoded list starting at head and
// returns the last node reached.
func (p *Page) walkList(head unsafe.Pointer) (count int, tail unsafe.Pointer) {
	cur := head
	count = 1
	for {
		nextRaw := blockNext(cur)
		next := decodeNext(p.cookie, p.secure, nextRaw)
		if next == nil {
			return count, cur
		}
		cur = next
		count++
	}
}

// allocBlock pops the head of free. The caller must have already ensured
// hasFree() or performed freeCollect()/extendFree() as needed.
//
// A page only moves to Full once both free lists are empty AND capacity has
// reached reserved: extendFree caps each batch at maxExtendSize, so most
// bins reach this point only after several extends, not the first one (spec
// §4.2's Fresh row: a page leaves Fresh on "extend exhaustion", not on the
// first batch running dry).
func (p *Page) allocBlock() unsafe.Pointer {
	block := p.free
	raw := blockNext(block)
	p.free = decodeNext(p.cookie, p.secure, raw)
	p.used++
	if p.free == nil && p.localFree == nil && p.capacity == p.reserved {
		p.toFull()
	}
	return block
}

// localFreeBlock returns a block to the page from its owning goroutine: the
// fast, uncontended path (spec §4.3).
func (p *Page) localFreeBlock(block unsafe.Pointer) {
	setBlockNext(block, encodeNext(p.cookie, p.secure, p.localFree))
	p.localFree = block
	p.used--
	if p.state == pageFull {
		p.unfull()
	}
}

// toFull transitions the page out of its owning PageQueue's normal rotation
// into the heap's single shared full-page queue (bin binFull), mirroring
// mimalloc keeping all full pages — regardless of size class — on one
// queue instead of per-bin.
func (p *Page) toFull() {
	if p.state == pageFull || p.heap == nil {
		return
	}
	p.state = pageFull
	if p.queue != nil {
		p.queue.remove(p)
	}
	p.heap.fullQueue.pushBack(p)
	p.queue = p.heap.fullQueue
}

// unfull reverses toFull the moment a block comes back, so the page
// re-enters its own size-class rotation instead of waiting for collection.
func (p *Page) unfull() {
	if p.state != pageFull || p.heap == nil {
		return
	}
	p.state = pageActive
	if p.queue != nil {
		p.queue.remove(p)
	}
	dest := p.heap.queues[p.bin]
	dest.pushBack(p)
	p.queue = dest
}

// retire marks a page that has gone completely free as a candidate for the
// segment manager to reclaim its slot, mirroring mi_page_retire in page.rs.
// For small/large pages it first checks both queue neighbors: if they are
// both mostly used, this page is kept on its queue instead as a lightly
// used spare (scenario S5), since its neighbors being nearly full means a
// fresh allocation is likely to need it again soon. It reports whether the
// page actually retired, so the caller knows whether to also reclaim the
// segment slot.
func (p *Page) retire() bool {
	if p.blockSize <= largeSizeMax && p.prev.mostlyUsed() && p.next.mostlyUsed() {
		return false
	}
	p.state = pageRetired
	if p.queue != nil {
		p.queue.remove(p)
	}
	return true
}

// extendFree grows capacity by carving up to `extend` fresh block slots into
// the free list. In non-secure mode the slots are linked sequentially; in
// secure mode the new slots are split into up to maxSlices interleaved
// sub-lists and shuffled together, so an attacker who predicts one
// allocation cannot predict the next (spec §4.4, grounded on
// mi_page_free_list_extend's two branches in page.rs).
func (p *Page) extendFree(rng *shuffleSource) {
	maxExtend := uint32(maxExtendSize / p.blockSize)
	if maxExtend < 1 {
		maxExtend = 1
	}
	remaining := p.reserved - p.capacity
	extend := remaining
	if extend > maxExtend {
		extend = maxExtend
	}
	if extend == 0 {
		return
	}

	start := p.capacity
	if !p.secure {
		p.extendSequential(start, extend)
	} else {
		p.extendSecure(start, extend, rng)
	}
	p.capacity += extend
}

func (p *Page) extendSequential(start, extend uint32) {
	var head unsafe.Pointer
	for i := extend; i > 0; i-- {
		idx := start + i - 1
		blk := p.blockAt(idx)
		setBlockNext(blk, encodeNext(p.cookie, p.secure, head))
		head = blk
	}
	p.appendFreeHead(head)
}

// extendSecure splits the new slots into up to maxSlices slices and
// round-robins across them while building each slice's sequential chain, so
// the resulting single list interleaves slice origin unpredictably.
func (p *Page) extendSecure(start, extend uint32, rng *shuffleSource) {
	slices := uint32(minSlices)
	for slices < maxSlices && slices*2 <= extend {
		slices *= 2
	}
	heads := make([]unsafe.Pointer, slices)
	tails := make([]unsafe.Pointer, slices)

	for i := uint32(0); i < extend; i++ {
		idx := start + i
		blk := p.blockAt(idx)
		s := i % slices
		if heads[s] == nil {
			heads[s] = blk
			tails[s] = blk
		} else {
			setBlockNext(blk, encodeNext(p.cookie, p.secure, heads[s]))
			heads[s] = blk
		}
	}

	order := rng.permute(int(slices))
	var head, tail unsafe.Pointer
	for _, si := range order {
		if heads[si] == nil {
			continue
		}
		if head == nil {
			head = heads[si]
			tail = tails[si]
		} else {
			setBlockNext(tail, encodeNext(p.cookie, p.secure, heads[si]))
			tail = tails[si]
		}
	}
	if head != nil {
		setBlockNext(tail, encodeNext(p.cookie, p.secure, nil))
	}
	p.appendFreeHead(head)
}

func (p *Page) appendFreeHead(head unsafe.Pointer) {
	if head == nil {
		return
	}
	if p.free == nil {
		p.free = head
		return
	}
	_, tail := p.walkList(head)
	setBlockNext(tail, encodeNext(p.cookie, p.secure, p.free))
	p.free = head
}
