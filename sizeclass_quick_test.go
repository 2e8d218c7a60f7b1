package segalloc

import (
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/require"
)

// TestQuickGoodSizeCoversRequest is a property check (spec §8, property:
// "a successful allocation of size n always returns a usable size >= n")
// applied directly to the size-class function before any allocator is
// involved, using testing/quick to generate a spread of request sizes.
func TestQuickGoodSizeCoversRequest(t *testing.T) {
	prop := func(n uint16) bool {
		size := uintptr(n) + 1
		return goodSize(size) >= size
	}
	require.NoError(t, quick.Check(prop, &quick.Config{MaxCount: 2000}))
}

// TestQuickBinOfIdempotent checks that rounding a size up to its bin's
// representative size and re-binning it yields the same bin — i.e. binOf is
// a stable classifier, not something that drifts on repeated rounding.
func TestQuickBinOfIdempotent(t *testing.T) {
	prop := func(n uint16) bool {
		size := uintptr(n) + 1
		if size > largeSizeMax {
			return true // huge path is exact-size, not bin-rounded
		}
		rounded := goodSize(size)
		return binOf(rounded) == binOf(goodSize(rounded))
	}
	require.NoError(t, quick.Check(prop, &quick.Config{MaxCount: 2000}))
}
