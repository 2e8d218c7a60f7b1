package segalloc

// PageQueue is a doubly linked list of Pages sharing a block size (one per
// bin, plus the heap's shared full-page and huge-page queues), mirroring
// mcentral.go's nonempty/empty mSpanList pair generalized to mimalloc's
// single list-per-bin layout (PageQueue in page_queue.rs).
type PageQueue struct {
	heap      *Heap
	bin       uint8
	blockSize uintptr
	isHuge    bool
	isFull    bool

	first *Page
	last  *Page
	count int
}

func newPageQueue(h *Heap, bin uint8, blockSize uintptr) *PageQueue {
	return &PageQueue{
		heap:      h,
		bin:       bin,
		blockSize: blockSize,
		isHuge:    bin == binHuge,
		isFull:    bin == binFull,
	}
}

func (q *PageQueue) empty() bool { return q.first == nil }

// pushBack appends p to the tail of the queue, the position new/returning
// pages enter at so round-robin allocation spreads load, matching
// mcentral.go's mSpanList.insertBack usage when a span is grown.
func (q *PageQueue) pushBack(p *Page) {
	p.next = nil
	p.prev = q.last
	if q.last != nil {
		q.last.next = p
	} else {
		q.first = p
	}
	q.last = p
	q.count++
}

// pushFront inserts p at the head, the position mi_page_queue_push uses for
// a page that should be tried again immediately (it just gained free
// blocks via unfull).
func (q *PageQueue) pushFront(p *Page) {
	p.prev = nil
	p.next = q.first
	if q.first != nil {
		q.first.prev = p
	} else {
		q.last = p
	}
	q.first = p
	q.count++
}

// remove unlinks p from whichever queue it is currently in (q must be that
// queue; callers pass p.queue).
func (q *PageQueue) remove(p *Page) {
	if p.prev != nil {
		p.prev.next = p.next
	} else if q.first == p {
		q.first = p.next
	}
	if p.next != nil {
		p.next.prev = p.prev
	} else if q.last == p {
		q.last = p.prev
	}
	p.next = nil
	p.prev = nil
	q.count--
}

// findFree scans from the front for the first page with an immediate free
// block, one worth collecting, or one still short of reserved that extend
// can top up, capped at 8 fully-free pages inspected before giving up and
// asking the segment manager for a fresh page — mi_page_queue_find_free_ex's
// bound in page.rs, which exists so a queue that is mostly full doesn't make
// every allocation pay for a long scan. The extend attempt matters because
// maxExtendSize caps how much of reserved a single extendFree call carves,
// so a page can sit with capacity < reserved for several calls in a row;
// without this it would be parked as if exhausted and a new page carved in
// its place instead of finishing it off.
func (q *PageQueue) findFree(rng *shuffleSource) *Page {
	const maxAllFreeScan = 8
	scanned := 0
	for p := q.first; p != nil; p = p.next {
		if p.hasFree() {
			return p
		}
		p.freeCollect()
		if p.hasFree() {
			return p
		}
		if p.capacity < p.reserved {
			p.extendFree(rng)
			if p.hasFree() {
				return p
			}
		}
		if p.allFree() {
			scanned++
			if scanned >= maxAllFreeScan {
				return nil
			}
		}
	}
	return nil
}

// appendFrom splices all of other's pages onto the end of q, retargeting
// each page's queue/heap pointers, and empties other. Used by heap
// absorption (spec §4 supplement: mi_heap_absorb appends each bin's queue
// onto the backing heap's matching queue).
func (q *PageQueue) appendFrom(other *PageQueue, destHeap *Heap) {
	if other.empty() {
		return
	}
	for p := other.first; p != nil; p = p.next {
		p.heap = destHeap
		p.queue = q
	}
	if q.last != nil {
		q.last.next = other.first
		other.first.prev = q.last
	} else {
		q.first = other.first
	}
	q.last = other.last
	q.count += other.count
	other.first, other.last, other.count = nil, nil, 0
}
