package segalloc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBinOfWordsSmall(t *testing.T) {
	for w := uintptr(1); w <= 8; w++ {
		got := binOfWords(w)
		if w <= 1 {
			require.Equal(t, uint8(1), got, "wsize=%d", w)
		} else {
			require.Equal(t, uint8(w), got, "wsize=%d", w)
		}
	}
}

func TestBinOfWordsSharesFourPerOctave(t *testing.T) {
	// spec: word counts 9..16 fall into exactly 4 bins, two words each.
	bins := make(map[uint8][]uintptr)
	for w := uintptr(9); w <= 16; w++ {
		b := binOfWords(w)
		bins[b] = append(bins[b], w)
	}
	require.Len(t, bins, 4)
	for _, ws := range bins {
		require.Len(t, ws, 2)
	}
}

func TestBinOfWordsMonotonic(t *testing.T) {
	prev := binOfWords(1)
	for w := uintptr(2); w <= uintptr(largeWSizeMax); w++ {
		cur := binOfWords(w)
		require.GreaterOrEqual(t, cur, prev, "bin must never decrease as size grows (wsize=%d)", w)
		prev = cur
	}
}

func TestBinOfWordsHugeBeyondThreshold(t *testing.T) {
	require.Equal(t, uint8(binHuge), binOfWords(uintptr(largeWSizeMax)+1))
}

func TestBinSizeRoundTrips(t *testing.T) {
	for b := uint8(1); b < binHuge; b++ {
		size := binSize(b)
		if size == 0 {
			continue
		}
		require.Equal(t, b, binOf(size), "bin %d representative size %d must map back to itself", b, size)
	}
}

func TestGoodSizeNeverShrinks(t *testing.T) {
	for _, sz := range []uintptr{1, 7, 8, 9, 100, 1000, largeSizeMax - 1, largeSizeMax + 1} {
		require.GreaterOrEqual(t, goodSize(sz), sz)
	}
}
