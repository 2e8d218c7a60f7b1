package segalloc

// Size-class binning. Ground truth is the Rust source's mi_bin (page_queue.rs):
// word counts 1..8 get one bin each; beyond that four logarithmically spaced
// bins per power of two (the spec's "10, 12, 14, 16 words, then 20, 24, 28,
// 32" progression) up to largeWSizeMax, beyond which everything is binHuge.
// The direct-index table and the per-bin representative block size are both
// precomputed once at package init, the same two-pass approach msize.go uses
// to build size_to_class8/class_to_size together.

var (
	// binBlockWords[b] is the largest word count that maps into bin b.
	binBlockWords [binHuge + 1]uintptr

	// pagesFreeDirect maps a word count directly to a bin index for
	// wsize in [0, smallWSizeMax+1], the fast path described in spec §4.1.
	pagesFreeDirect [smallWSizeMax + 2]uint8
)

func init() {
	for w := uintptr(1); w <= uintptr(largeWSizeMax); w++ {
		b := binOfWords(w)
		binBlockWords[b] = w
	}
	for w := 0; w <= smallWSizeMax+1; w++ {
		pagesFreeDirect[w] = binOfWords(uintptr(w))
	}
}

// bsr32 returns the index of the most significant set bit (floor(log2(x))).
// x must be nonzero. Mirrors the teacher's sys.Ctz/Bsr-style bit-scan
// helpers and the Rust source's mi_bsr32.
func bsr32(x uint32) uint8 {
	var r uint8
	for x > 1 {
		x >>= 1
		r++
	}
	return r
}

// binOfWords computes the size-class bin for a block size expressed in
// words, following mi_bin exactly.
func binOfWords(wsize uintptr) uint8 {
	switch {
	case wsize <= 1:
		return 1
	case wsize <= 8:
		return uint8(wsize)
	case wsize > uintptr(largeWSizeMax):
		return binHuge
	}
	x := wsize - 1
	b := bsr32(uint32(x))
	return uint8((uint32(b)<<2)+((uint32(x)>>(b-2))&0x03)) - 3
}

// binOf computes the size-class bin for a block size expressed in bytes,
// using the precomputed direct-index table for the common small-size case
// instead of recomputing bsr32 every time (spec §4.1's "direct lookup for
// the fast path").
func binOf(size uintptr) uint8 {
	w := wsizeFromSize(size)
	if w <= smallWSizeMax+1 {
		return pagesFreeDirect[w]
	}
	return binOfWords(w)
}

// binSize returns the representative (maximum) byte size carried by pages
// in bin b, used to size a freshly created page queue's block size.
func binSize(b uint8) uintptr {
	if b == 0 || int(b) >= len(binBlockWords) {
		return 0
	}
	return binBlockWords[b] * wordSize
}

// goodSize rounds size up to the byte size of the bin it would fall into,
// mirroring mi_good_size / the teacher's roundupsize.
func goodSize(size uintptr) uintptr {
	if size > largeSizeMax {
		return alignUp(size, segmentSize)
	}
	b := binOf(size)
	if b >= binHuge {
		return alignUp(size, wordSize)
	}
	return binSize(b)
}
