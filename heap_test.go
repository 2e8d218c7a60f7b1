package segalloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/segalloc/segalloc/osmem"
)

func newTestAllocator(t *testing.T, opts ...Option) *Allocator {
	t.Helper()
	base := []Option{WithRegionProvider(osmem.NewBufferProvider())}
	return NewAllocator(append(base, opts...)...)
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a := newTestAllocator(t)
	h := a.NewHeap()

	p, err := h.Alloc(64)
	require.NoError(t, err)
	require.NotNil(t, p)

	b := unsafe.Slice((*byte)(p), 64)
	for i := range b {
		b[i] = byte(i)
	}

	require.NoError(t, h.Free(p))
}

func TestZallocZeroesMemory(t *testing.T) {
	a := newTestAllocator(t)
	h := a.NewHeap()

	p, err := h.Alloc(32)
	require.NoError(t, err)
	b := unsafe.Slice((*byte)(p), 32)
	for i := range b {
		b[i] = 0xAA
	}
	require.NoError(t, h.Free(p))

	p2, err := h.Zalloc(32)
	require.NoError(t, err)
	b2 := unsafe.Slice((*byte)(p2), 32)
	for _, v := range b2 {
		require.Equal(t, byte(0), v)
	}
}

func TestManyAllocationsStayDistinct(t *testing.T) {
	a := newTestAllocator(t)
	h := a.NewHeap()

	seen := make(map[uintptr]bool)
	var ptrs []unsafe.Pointer
	for i := 0; i < 2000; i++ {
		p, err := h.Alloc(48)
		require.NoError(t, err)
		require.False(t, seen[uintptr(p)], "block address reused while still live")
		seen[uintptr(p)] = true
		ptrs = append(ptrs, p)
	}
	for _, p := range ptrs {
		require.NoError(t, h.Free(p))
	}
}

// TestPageExhaustsReservedCapacityBeforeGoingFull guards against a page
// going Full after its first extend batch (maxExtendSize caps each batch
// well below most bins' reserved count): a page must only ever go Full once
// capacity has actually reached reserved, and the segment manager must not
// carve a second page/segment to serve allocations that the first page
// still has spare capacity for.
func TestPageExhaustsReservedCapacityBeforeGoingFull(t *testing.T) {
	a := newTestAllocator(t)
	h := a.NewHeap()

	const blockSize = 64
	var ptrs []unsafe.Pointer
	var page *Page
	for i := 0; i < 1024; i++ {
		p, err := h.Alloc(blockSize)
		require.NoError(t, err)
		ptrs = append(ptrs, p)
		if page == nil {
			pg, _, err := a.lookupOwningPage(p)
			require.NoError(t, err)
			page = pg
		}
	}

	require.Equal(t, uint32(1024), page.reserved)
	require.Equal(t, page.reserved, page.capacity, "page must extend all the way to reserved before going full")
	require.Equal(t, pageFull, page.state)
	require.Len(t, h.smallSegments, 1, "one page's reserved capacity must be fully used before a new segment is carved")

	for _, p := range ptrs {
		require.NoError(t, h.Free(p))
	}
}

// TestForeignFreeAgainstFullPageReclaimedOnNextAlloc exercises testable
// property 6: once a page has gone Full, a foreign free against one of its
// blocks must be visible to the owner by the owner's own next Alloc call,
// with no explicit Collect required — the thread_delayed_free drain in the
// generic allocation path.
func TestForeignFreeAgainstFullPageReclaimedOnNextAlloc(t *testing.T) {
	a := newTestAllocator(t)
	h := a.NewHeap()

	const blockSize = 64
	var ptrs []unsafe.Pointer
	for i := 0; i < 1024; i++ {
		p, err := h.Alloc(blockSize)
		require.NoError(t, err)
		ptrs = append(ptrs, p)
	}
	page, block, err := a.lookupOwningPage(ptrs[0])
	require.NoError(t, err)
	require.Equal(t, pageFull, page.state)

	// Simulate a foreign goroutine freeing ptrs[0] without the owner ever
	// calling Collect.
	require.NoError(t, foreignFree(page, block))

	next, err := h.Alloc(blockSize)
	require.NoError(t, err)
	require.Equal(t, ptrs[0], next, "the owner's next Alloc call must reclaim the foreign-freed block without an explicit Collect")
	// The drain un-fulled the page; handing out its only free block with
	// capacity == reserved sends it straight back to Full.
	require.Equal(t, pageFull, page.state)

	for _, p := range ptrs[1:] {
		require.NoError(t, h.Free(p))
	}
	require.NoError(t, h.Free(next))
}

func TestUsableSizeAtLeastRequested(t *testing.T) {
	a := newTestAllocator(t)
	h := a.NewHeap()

	p, err := h.Alloc(37)
	require.NoError(t, err)
	defer h.Free(p)

	size, err := a.UsableSize(p)
	require.NoError(t, err)
	require.GreaterOrEqual(t, size, uintptr(37))
}

func TestFreeInvalidPointer(t *testing.T) {
	a := newTestAllocator(t)
	h := a.NewHeap()

	var x int
	err := h.Free(unsafe.Pointer(&x))
	require.ErrorIs(t, err, ErrInvalidPointer)
}

// TestFreeBeyondCarvedCapacityIsCorrupt checks that an address landing
// inside a page's reserved slab but past what extendFree has actually
// carved (capacity) is rejected as corrupt rather than handed back as a
// plausible-looking block.
func TestFreeBeyondCarvedCapacityIsCorrupt(t *testing.T) {
	a := newTestAllocator(t)
	h := a.NewHeap()

	p, err := h.Alloc(64)
	require.NoError(t, err)

	page, _, err := a.lookupOwningPage(p)
	require.NoError(t, err)
	require.Less(t, page.capacity, page.reserved, "test assumes the page hasn't been fully extended yet")

	bogus := page.blockAt(page.capacity) // one slot past what extendFree has carved
	err = h.Free(bogus)
	require.ErrorIs(t, err, ErrCorruptPage)

	require.NoError(t, h.Free(p))
}

func TestAllocAlignedRespectsAlignment(t *testing.T) {
	a := newTestAllocator(t)
	h := a.NewHeap()

	for _, align := range []uintptr{16, 32, 64, 128} {
		p, err := h.AllocAligned(40, align)
		require.NoError(t, err)
		require.Zero(t, uintptr(p)%align, "align=%d", align)
		require.NoError(t, h.Free(p))
	}
}

func TestAllocAlignedInvalidAlignment(t *testing.T) {
	a := newTestAllocator(t)
	h := a.NewHeap()
	_, err := h.AllocAligned(16, 17)
	require.ErrorIs(t, err, ErrInvalidAlignment)
}

func TestReallocGrowsAndPreservesData(t *testing.T) {
	a := newTestAllocator(t)
	h := a.NewHeap()

	p, err := h.Alloc(16)
	require.NoError(t, err)
	b := unsafe.Slice((*byte)(p), 16)
	for i := range b {
		b[i] = byte(i + 1)
	}

	grown, err := h.Realloc(p, 4096)
	require.NoError(t, err)
	require.NotNil(t, grown)

	gb := unsafe.Slice((*byte)(grown), 16)
	for i := range gb {
		require.Equal(t, byte(i+1), gb[i])
	}
	require.NoError(t, h.Free(grown))
}

func TestRezallocZeroesGrowthPadding(t *testing.T) {
	a := newTestAllocator(t)
	h := a.NewHeap()

	p, err := h.Alloc(16)
	require.NoError(t, err)
	b := unsafe.Slice((*byte)(p), 16)
	for i := range b {
		b[i] = 0xAB
	}
	oldUsable, err := a.UsableSize(p)
	require.NoError(t, err)

	grown, err := h.Rezalloc(p, 4096)
	require.NoError(t, err)
	require.NotNil(t, grown)

	prefix := unsafe.Slice((*byte)(grown), 16)
	for i := range prefix {
		require.Equal(t, byte(0xAB), prefix[i])
	}
	tail := unsafe.Slice((*byte)(grown), 4096)[oldUsable:]
	for _, v := range tail {
		require.Equal(t, byte(0), v)
	}
	require.NoError(t, h.Free(grown))
}

func TestReallocToZeroFrees(t *testing.T) {
	a := newTestAllocator(t)
	h := a.NewHeap()

	p, err := h.Alloc(16)
	require.NoError(t, err)
	out, err := h.Realloc(p, 0)
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestReallocArrayOverflow(t *testing.T) {
	a := newTestAllocator(t)
	h := a.NewHeap()
	_, err := h.ReallocArray(nil, ^uintptr(0), 2)
	require.ErrorIs(t, err, ErrOverflow)
}

func TestHeapOwnsOnlyItsOwnBlocks(t *testing.T) {
	a := newTestAllocator(t)
	h1 := a.NewHeap()
	h2 := a.NewHeap()

	p, err := h1.Alloc(64)
	require.NoError(t, err)
	require.True(t, h1.Owns(p))
	require.False(t, h2.Owns(p))
	require.True(t, a.Owns(uintptr(p)))
	require.NoError(t, h1.Free(p))
}

func TestCollectAfterFreeingAllBlocks(t *testing.T) {
	a := newTestAllocator(t)
	h := a.NewHeap()

	var ptrs []unsafe.Pointer
	for i := 0; i < 64; i++ {
		p, err := h.Alloc(128)
		require.NoError(t, err)
		ptrs = append(ptrs, p)
	}
	for _, p := range ptrs {
		require.NoError(t, h.Free(p))
	}
	require.NoError(t, h.Collect())
}

func TestVisitBlocksCountsLiveAllocations(t *testing.T) {
	a := newTestAllocator(t)
	h := a.NewHeap()

	const n = 10
	var ptrs []unsafe.Pointer
	for i := 0; i < n; i++ {
		p, err := h.Alloc(64)
		require.NoError(t, err)
		ptrs = append(ptrs, p)
	}

	count := 0
	h.VisitBlocks(VisitLiveOnly, func(unsafe.Pointer, uintptr) bool {
		count++
		return true
	})
	require.Equal(t, n, count)

	for _, p := range ptrs {
		require.NoError(t, h.Free(p))
	}
}

func TestHeapDeleteAbsorbsIntoDefault(t *testing.T) {
	a := newTestAllocator(t)
	h := a.NewHeap()

	p, err := h.Alloc(64)
	require.NoError(t, err)

	require.NoError(t, h.Delete())
	require.ErrorIs(t, h.Collect(), ErrHeapDestroyed)

	// the block is still valid; it now belongs to the default heap.
	def := a.DefaultHeap()
	require.True(t, def.Owns(p))
	require.NoError(t, def.Free(p))
}

// TestHeapDeleteCarriesDelayedFreeIntoDefault checks that a pending foreign
// free registered against a donor heap's page survives absorption: the
// default heap must be able to reclaim it on its very next Alloc call, not
// only after an explicit Collect.
func TestHeapDeleteCarriesDelayedFreeIntoDefault(t *testing.T) {
	a := newTestAllocator(t)
	h := a.NewHeap()

	const blockSize = 64
	var ptrs []unsafe.Pointer
	for i := 0; i < 1024; i++ {
		p, err := h.Alloc(blockSize)
		require.NoError(t, err)
		ptrs = append(ptrs, p)
	}
	page, block, err := a.lookupOwningPage(ptrs[0])
	require.NoError(t, err)
	require.Equal(t, pageFull, page.state)

	require.NoError(t, foreignFree(page, block))

	require.NoError(t, h.Delete())

	def := a.DefaultHeap()
	next, err := def.Alloc(blockSize)
	require.NoError(t, err)
	require.Equal(t, ptrs[0], next, "absorbing heap must reclaim donor's delayed free on its next Alloc")

	require.NoError(t, def.Free(next))
	for _, p := range ptrs[1:] {
		require.NoError(t, def.Free(p))
	}
}

func TestHeapDestroyFreesWithoutAbsorb(t *testing.T) {
	a := newTestAllocator(t)
	h := a.NewHeap()

	_, err := h.Alloc(64)
	require.NoError(t, err)
	require.NoError(t, h.Destroy())

	_, err = h.Alloc(8)
	require.ErrorIs(t, err, ErrHeapDestroyed)
}

func TestAbandonAndReclaim(t *testing.T) {
	a := newTestAllocator(t)
	h1 := a.NewHeap()

	p, err := h1.Alloc(64)
	require.NoError(t, err)
	require.NoError(t, h1.Abandon())

	h2 := a.NewHeap()
	// Triggers freshPage's reclaim-before-grow path.
	_, err = h2.Alloc(64)
	require.NoError(t, err)

	require.True(t, h2.Owns(p))
	require.NoError(t, h2.Free(p))
}

func TestSecureModeObfuscatesFreeList(t *testing.T) {
	a := newTestAllocator(t, WithSecureMode(true))
	h := a.NewHeap()

	p, err := h.Alloc(64)
	require.NoError(t, err)
	require.NoError(t, h.Free(p))
	// p now heads its page's localFree list with a nil next pointer, which
	// secure mode stores XOR-ed with the (never zero) cookie.
	require.NotEqual(t, uintptr(0), blockNext(p), "secure mode must not store a raw nil next pointer")
}
