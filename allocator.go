package segalloc

import (
	"fmt"
	"sync"

	"github.com/segalloc/segalloc/osmem"
)

// Allocator is the top-level segment manager (spec §4.6/§4.7): it owns the
// OS region Provider, the segment cache, and the lock-free ABANDONED stack
// that segments move through when their owning Heap is abandoned
// (Heap.Abandon) with live pages still in them. One Allocator typically backs an entire process; a
// program can run more than one for isolation (e.g. one per test case).
//
// Go has no per-OS-thread TLS hook equivalent to mimalloc's thread-local
// default heap, so instead of a hidden per-thread heap we expose explicit
// *Heap handles: NewHeap creates one, DefaultHeap hands back a lazily
// created singleton for callers that don't need per-goroutine isolation.
type Allocator struct {
	opts  Options
	cache *segmentCache

	abandoned lfStack

	mu                sync.Mutex
	smallLargeByBase  map[uintptr]*Segment // keyed by base, aligned to opts.segmentSize
	hugeByBase        map[uintptr]*Segment // keyed by exact base, size varies
	heaps             map[*Heap]struct{}

	defaultOnce sync.Once
	defaultHeap *Heap
}

// NewAllocator builds an Allocator from Options, applying defaults first.
func NewAllocator(options ...Option) *Allocator {
	o := defaultOptions()
	for _, opt := range options {
		opt(&o)
	}
	a := &Allocator{
		opts:             o,
		smallLargeByBase: make(map[uintptr]*Segment),
		hugeByBase:       make(map[uintptr]*Segment),
		heaps:            make(map[*Heap]struct{}),
	}
	a.cache = newSegmentCache(o.regionProvider, o.maxCachedSegs, o.cacheFraction, o.logger)
	return a
}

// DefaultHeap returns a process-lifetime singleton Heap for callers that
// don't need one-heap-per-goroutine isolation. Safe to call concurrently;
// the heap itself is not (see Heap's doc comment).
func (a *Allocator) DefaultHeap() *Heap {
	a.defaultOnce.Do(func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.defaultHeap = a.newHeapLocked()
	})
	return a.defaultHeap
}

// NewHeap creates a fresh, independent Heap backed by this Allocator.
func (a *Allocator) NewHeap() *Heap {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.newHeapLocked()
}

func (a *Allocator) newHeapLocked() *Heap {
	h := newHeap(a)
	a.heaps[h] = struct{}{}
	return h
}

func (a *Allocator) forgetHeap(h *Heap) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.heaps, h)
}

func (a *Allocator) registerSegment(seg *Segment) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch seg.kind {
	case segmentHuge:
		a.hugeByBase[seg.base] = seg
	default:
		a.smallLargeByBase[seg.base] = seg
	}
}

func (a *Allocator) unregisterSegment(seg *Segment) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch seg.kind {
	case segmentHuge:
		delete(a.hugeByBase, seg.base)
	default:
		delete(a.smallLargeByBase, seg.base)
	}
}

// segmentForAddr resolves any address previously returned by an allocation
// back to its owning Segment, or nil. This generalizes the teacher's
// spanOf/spanOfUnchecked lookup to our three segment shapes.
func (a *Allocator) segmentForAddr(p uintptr) *Segment {
	a.mu.Lock()
	defer a.mu.Unlock()
	if seg, ok := a.smallLargeByBase[p&^(a.opts.segmentSize-1)]; ok {
		return seg
	}
	for base, seg := range a.hugeByBase {
		if p >= base && p < base+seg.size {
			return seg
		}
	}
	return nil
}

// acquireRegion gets a region for a Small or Large segment,
// preferring the cache before asking the Provider, mirroring
// mi_segment_alloc's cache-then-os order in segment.rs.
func (a *Allocator) acquireRegion(size uintptr) (osmem.Region, error) {
	if r := a.cache.find(size); r != nil {
		return r, nil
	}
	r, err := a.opts.regionProvider.Alloc(size, a.opts.segmentSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	return r, nil
}

func (a *Allocator) releaseRegion(seg *Segment) {
	a.unregisterSegment(seg)
	if seg.kind == segmentHuge {
		if err := seg.free(); err != nil {
			a.opts.logger.Printf("huge segment free failed: %v", err)
		}
		return
	}
	if err := seg.region.Reset(0, seg.region.Size()); err != nil && err != osmem.ErrUnsupported {
		a.opts.logger.Printf("segment reset failed: %v", err)
	}
	a.cache.insert(seg.region)
	seg.region = nil
}

// newSmallSegment reserves a Small segment (many small pages) for h.
func (a *Allocator) newSmallSegment(h *Heap) (*Segment, error) {
	region, err := a.acquireRegion(a.opts.segmentSize)
	if err != nil {
		return nil, err
	}
	seg := newSegment(a, segmentSmall, region, smallPageSize, smallPagesPerSegment)
	seg.owner = h
	a.registerSegment(seg)
	return seg, nil
}

// newLargeSegment reserves a Large segment: one page spanning the whole
// configured segment size, which the caller carves into blocks of blockSize
// bytes.
func (a *Allocator) newLargeSegment(h *Heap, blockSize uintptr) (*Segment, error) {
	region, err := a.acquireRegion(a.opts.segmentSize)
	if err != nil {
		return nil, err
	}
	seg := newSegment(a, segmentLarge, region, a.opts.segmentSize, 1)
	seg.owner = h
	a.registerSegment(seg)
	return seg, nil
}

// newHugeSegment reserves a segment for one oversized block, its size rounded
// up to a multiple of segmentSize.
func (a *Allocator) newHugeSegment(h *Heap, blockSize uintptr) (*Segment, error) {
	size := alignUp(blockSize, segmentSize)
	region, err := a.opts.regionProvider.Alloc(size, segmentSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	seg := newSegment(a, segmentHuge, region, size, 1)
	seg.owner = h
	a.registerSegment(seg)
	return seg, nil
}

// abandonSegment is called by Heap.Abandon for every segment the heap owns,
// and by freshPage to put back a reclaimed segment of the wrong shape. The
// segment is pushed on the lock-free ABANDONED stack for any heap to later
// reclaim (spec §4.7).
func (a *Allocator) abandonSegment(seg *Segment) {
	seg.owner = nil
	a.abandoned.push(seg)
}

// tryReclaim pops up to a bounded number of abandoned segments and hands
// ownership to h, the bound mirroring mi_segment_try_reclaim's
// max(count/8, 8) normal-path cap (try_all ignores the bound entirely).
func (a *Allocator) tryReclaim(h *Heap, tryAll bool) []*Segment {
	limit := a.abandoned.len() / reclaimDivisor
	if limit < minReclaimBatch {
		limit = minReclaimBatch
	}
	var reclaimed []*Segment
	for tryAll || len(reclaimed) < limit {
		seg := a.abandoned.pop()
		if seg == nil {
			break
		}
		seg.owner = h
		reclaimed = append(reclaimed, seg)
	}
	return reclaimed
}

// Owns reports whether p falls inside a segment this Allocator currently
// manages (spec §4 supplement: mi_check_owned). It does not verify that p is
// a block start or that the block is live.
func (a *Allocator) Owns(p uintptr) bool {
	return a.segmentForAddr(p) != nil
}
