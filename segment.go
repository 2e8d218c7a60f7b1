package segalloc

import (
	"fmt"
	"sync"

	"github.com/segalloc/segalloc/osmem"
)

// segmentKind distinguishes the three segment shapes spec §4.6 defines:
// a Small segment packs many small pages, a Large segment is one page
// filling the whole segment, and a Huge segment is a one-off region for a
// single oversized allocation, its size rounded up to a segmentSize multiple.
type segmentKind uint8

const (
	segmentSmall segmentKind = iota
	segmentLarge
	segmentHuge
)

// Segment is one OS region, sliced into one or more Pages. Ownership is
// strictly single-owner (spec §5): a segment belongs to exactly one Heap at
// a time, and only that Heap's goroutine may allocate new pages from it or
// walk its page table. A foreign goroutine may still free a block living in
// one of its pages (through Page.threadFree); it may never touch the
// segment's own bookkeeping.
type Segment struct {
	kind   segmentKind
	region osmem.Region
	base   uintptr
	size   uintptr

	pageSize  uintptr
	pages     []*Page // nil slot == not yet carved out
	usedPages int
	owner     *Heap
	allocator *Allocator

	// abandonedNext links this segment into the allocator's lock-free
	// ABANDONED stack once its owning Heap goes away with live pages still
	// in it (spec §4.7).
	abandonedNext *Segment
}

func newSegment(a *Allocator, kind segmentKind, region osmem.Region, pageSize uintptr, numPages int) *Segment {
	seg := &Segment{
		kind:      kind,
		region:    region,
		base:      region.Ptr(),
		size:      region.Size(),
		pageSize:  pageSize,
		allocator: a,
		pages:     make([]*Page, numPages),
	}
	return seg
}

// pageStart returns the base address of the page at the given slot index.
func (s *Segment) pageStart(index int) uintptr {
	return s.base + uintptr(index)*s.pageSize
}

// pageIndexOf returns the slot index owning address p, and whether p lies
// within this segment at all — the Go equivalent of the teacher's
// spanOf/spanOfUnchecked address-to-metadata lookup, but computed instead of
// table-driven since our geometry is uniform per segment.
func (s *Segment) pageIndexOf(p uintptr) (int, bool) {
	if p < s.base || p >= s.base+s.size {
		return 0, false
	}
	idx := int((p - s.base) / s.pageSize)
	if idx >= len(s.pages) {
		return 0, false
	}
	return idx, true
}

// segmentOf masks a pointer down to its segment's base address (spec §4.8,
// grounded on internal.rs's mi_ptr_segment: p & ~MI_SEGMENT_MASK). It only
// works for Small/Large segments, which are always segment-size aligned;
// Huge segments are looked up through the allocator's address index
// instead, since their size varies.
func segmentOf(p uintptr) uintptr {
	return p &^ uintptr(segmentMask)
}

// carvePage initializes page slot idx with the given block size and marks it
// used. The caller (segment manager) must already have verified the slot is
// free.
func (s *Segment) carvePage(idx int, blockSize uintptr, cookie uintptr, secure bool) *Page {
	start := s.pageStart(idx)
	reserved := uint32(s.pageSize / blockSize)
	p := newPage(s, start, blockSize, reserved, cookie, secure)
	s.pages[idx] = p
	s.usedPages++
	return p
}

// releasePage clears a retired page's slot so it can be carved again.
func (s *Segment) releasePage(idx int) {
	if s.pages[idx] != nil {
		s.pages[idx] = nil
		s.usedPages--
	}
}

func (s *Segment) isEmpty() bool { return s.usedPages == 0 }

func (s *Segment) free() error {
	if s.region == nil {
		return nil
	}
	if err := s.region.Free(); err != nil {
		return fmt.Errorf("segalloc: free segment: %w", err)
	}
	s.region = nil
	return nil
}

// segmentCache holds recently freed Small/Large segments so a subsequent
// grow can skip the Provider entirely, the same role sysAlloc's OS cache
// hint plays in mheap.go's grow path, generalized into the explicit cache
// mi_segment_cache_find/insert implement in segment.rs.
type segmentCache struct {
	mu       sync.Mutex
	entries  []osmem.Region
	maxCount int
	peak     int
	fraction int
	provider osmem.Provider
	logger   Logger
}

func newSegmentCache(provider osmem.Provider, maxCount, fraction int, logger Logger) *segmentCache {
	return &segmentCache{
		maxCount: maxCount,
		fraction: fraction,
		provider: provider,
		logger:   logOf(logger),
	}
}

// find returns a cached region of at least size bytes, shrinking it toward
// size first if it is oversized (spec §4 supplement: Region.Shrink), or nil
// if the cache has nothing suitable.
func (c *segmentCache) find(size uintptr) osmem.Region {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, r := range c.entries {
		if r.Size() >= size {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			if r.Size() > size+size/4 { // more than 25% oversized: worth shrinking
				if err := r.Shrink(size); err != nil && err != osmem.ErrUnsupported {
					c.logger.Printf("segment cache shrink failed: %v", err)
				}
			}
			return r
		}
	}
	return nil
}

// insert returns a freed region to the cache, evicting the oldest entry if
// the cache is at its count or peak-fraction bound.
func (c *segmentCache) insert(r osmem.Region) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries)+1 > c.peak {
		c.peak = len(c.entries) + 1
	}
	bound := c.maxCount
	if c.fraction > 0 && c.peak/c.fraction < bound {
		bound = c.peak / c.fraction
		if bound < 1 {
			bound = 1
		}
	}
	if len(c.entries) >= bound {
		evicted := c.entries[0]
		c.entries = c.entries[1:]
		if err := evicted.Free(); err != nil {
			c.logger.Printf("segment cache eviction failed: %v", err)
		}
	}
	c.entries = append(c.entries, r)
}

func (c *segmentCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
