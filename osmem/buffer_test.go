package osmem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferProviderAlignment(t *testing.T) {
	p := NewBufferProvider()
	for _, align := range []uintptr{16, 64, 4096} {
		r, err := p.Alloc(1024, align)
		require.NoError(t, err)
		require.Zero(t, r.Ptr()%align)
		require.Equal(t, uintptr(1024), r.Size())
	}
}

func TestBufferRegionShrink(t *testing.T) {
	r := NewBufferRegion(make([]byte, 256))
	require.Equal(t, uintptr(256), r.Size())
	require.NoError(t, r.Shrink(128))
	require.Equal(t, uintptr(128), r.Size())
	require.ErrorIs(t, r.Shrink(200), ErrUnsupported)
}

func TestBufferRegionResetZeroes(t *testing.T) {
	buf := make([]byte, 16)
	for i := range buf {
		buf[i] = 0xFF
	}
	r := NewBufferRegion(buf)
	require.NoError(t, r.Reset(0, 16))
	for _, b := range buf {
		require.Equal(t, byte(0), b)
	}
}

func TestBufferRegionFree(t *testing.T) {
	r := NewBufferRegion(make([]byte, 16))
	require.NoError(t, r.Free())
	require.Equal(t, uintptr(0), r.Size())
}
